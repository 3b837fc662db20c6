package agent

import (
	"fmt"
	"strings"

	"github.com/pasky/muaddib/internal/providers"
)

// debugString renders s for logs within the byte budget, replacing the
// excess with an explicit truncation marker.
func debugString(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}
	return fmt.Sprintf("%s... [%d bytes truncated]", s[:budget], len(s)-budget)
}

// debugMessage renders an assistant or tool message for logs.
func debugMessage(m *providers.Message, budget int) string {
	var parts []string
	if m.Content != "" {
		parts = append(parts, debugString(m.Content, budget))
	}
	if m.Thinking != "" {
		parts = append(parts, "thinking="+debugString(m.Thinking, budget/4))
	}
	for _, tc := range m.ToolCalls {
		parts = append(parts, fmt.Sprintf("tool_call %s(%s)", tc.Name, debugString(fmt.Sprintf("%v", tc.Arguments), budget)))
	}
	for _, img := range m.Images {
		preview := img.Data
		if len(preview) > 16 {
			preview = preview[:16]
		}
		parts = append(parts, fmt.Sprintf("image %s %d bytes %s...", img.MimeType, len(img.Data), preview))
	}
	return strings.Join(parts, " | ")
}
