package providers

import "testing"

func TestParseModelSpec(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		provider string
		model    string
		wantErr  bool
	}{
		{name: "qualified", spec: "anthropic:claude-sonnet-4-5", provider: "anthropic", model: "claude-sonnet-4-5"},
		{name: "openai", spec: "openai:gpt-5-mini", provider: "openai", model: "gpt-5-mini"},
		{name: "model with colon", spec: "openai:ft:gpt-4o:org", provider: "openai", model: "ft:gpt-4o:org"},
		{name: "unqualified", spec: "gpt-5-mini", wantErr: true},
		{name: "empty provider", spec: ":gpt-5-mini", wantErr: true},
		{name: "empty model", spec: "openai:", wantErr: true},
		{name: "empty", spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := ParseModelSpec(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseModelSpec(%q) = %v, want error", tt.spec, ms)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseModelSpec(%q): %v", tt.spec, err)
			}
			if ms.Provider != tt.provider || ms.Model != tt.model {
				t.Errorf("ParseModelSpec(%q) = %q/%q, want %q/%q",
					tt.spec, ms.Provider, ms.Model, tt.provider, tt.model)
			}
		})
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 50, TotalTokens: 170, TotalCost: 0.01}
	b := Usage{InputTokens: 30, OutputTokens: 5, TotalTokens: 35, TotalCost: 0.002}

	a.Add(b)

	if a.InputTokens != 130 || a.OutputTokens != 25 || a.TotalTokens != 205 {
		t.Errorf("token totals wrong: %+v", a)
	}
	if a.TotalCost != 0.012 {
		t.Errorf("TotalCost = %v, want 0.012", a.TotalCost)
	}
}

func TestSumUsage(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "a", Usage: &Usage{InputTokens: 10, OutputTokens: 2}},
		{Role: "tool", Content: "result"},
		{Role: "assistant", Content: "b", Usage: &Usage{InputTokens: 20, OutputTokens: 3}},
		{Role: "assistant", Content: "no usage"},
	}

	got := SumUsage(msgs)
	if got.InputTokens != 30 || got.OutputTokens != 5 {
		t.Errorf("SumUsage = %+v, want input=30 output=5", got)
	}
}

func TestFillCost(t *testing.T) {
	u := &Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	FillCost("claude-sonnet-4-5-20250929", u)
	if u.InputCost != 3.0 || u.OutputCost != 15.0 {
		t.Errorf("sonnet cost = %v/%v, want 3/15", u.InputCost, u.OutputCost)
	}
	if u.TotalCost != 18.0 {
		t.Errorf("TotalCost = %v, want 18", u.TotalCost)
	}

	unknown := &Usage{InputTokens: 1000}
	FillCost("mystery-model", unknown)
	if unknown.TotalCost != 0 {
		t.Errorf("unknown model should cost zero, got %v", unknown.TotalCost)
	}
}

func TestLookupPricingPrefixPrecedence(t *testing.T) {
	// gpt-5-mini must not fall through to the shorter gpt-5 entry.
	p, ok := lookupPricing("gpt-5-mini-2025-08-07")
	if !ok {
		t.Fatal("expected pricing for gpt-5-mini")
	}
	if p.Input != 0.25 {
		t.Errorf("Input = %v, want 0.25 (gpt-5-mini rate)", p.Input)
	}
}
