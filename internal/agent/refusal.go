package agent

import "strings"

// refusalSignals are case-insensitive substrings indicating the model
// declined to produce a substantive answer, either in its text or in a
// provider error. Tuned empirically; keep as data.
var refusalSignals = []string{
	"invalid_prompt",
	"content_policy_violation",
	"content management policy",
	"i can't help with that",
	"i cannot help with that",
	"i can't assist",
	"i cannot assist",
	"i'm not able to help with",
	"i am not able to help with",
	"against my guidelines",
	"refusal",
}

// IsRefusal reports whether s contains a known refusal signal.
func IsRefusal(s string) bool {
	lower := strings.ToLower(s)
	for _, sig := range refusalSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
