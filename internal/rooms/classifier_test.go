package rooms

import "testing"

func TestStripNickPrefix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"<alice> hello there", "hello there"},
		{"plain message", "plain message"},
		{"<bob>   spaced", "spaced"},
	}
	for _, tt := range tests {
		if got := StripNickPrefix(tt.in); got != tt.want {
			t.Errorf("StripNickPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBestLabel(t *testing.T) {
	labels := []string{"SERIOUS", "CREATIVE"}
	tests := []struct {
		response string
		want     string
	}{
		{"CREATIVE", "CREATIVE"},
		{"I think creative fits best", "CREATIVE"},
		{"SERIOUS SERIOUS but maybe CREATIVE", "SERIOUS"},
		{"no label at all", "FALLBACK"},
		{"", "FALLBACK"},
	}
	for _, tt := range tests {
		if got := BestLabel(tt.response, labels, "FALLBACK"); got != tt.want {
			t.Errorf("BestLabel(%q) = %q, want %q", tt.response, got, tt.want)
		}
	}
}
