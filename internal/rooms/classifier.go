package rooms

import (
	"context"
	"regexp"
	"strings"

	"github.com/pasky/muaddib/internal/providers"
)

// nickPrefixRE matches the "<nick> message" framing history entries use.
var nickPrefixRE = regexp.MustCompile(`<[^>]+>\s*(.*)`)

// StripNickPrefix removes chat nick framing from a context entry so the
// classifier sees only the message body.
func StripNickPrefix(content string) string {
	if m := nickPrefixRE.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return content
}

// BestLabel picks the label with the most case-insensitive occurrences
// in the classifier's reply. Ties go to the earlier label; zero matches
// fall back.
func BestLabel(response string, labels []string, fallback string) string {
	upper := strings.ToUpper(response)
	best := fallback
	bestCount := 0
	for _, label := range labels {
		count := strings.Count(upper, strings.ToUpper(label))
		if count > bestCount {
			best = label
			bestCount = count
		}
	}
	return best
}

// classifyMode asks the classifier model which mode fits the current
// message. Any failure falls back to the resolver's fallback label.
func (h *Handler) classifyMode(ctx context.Context, history []providers.Message) string {
	fallback := h.resolver.FallbackLabel()
	if len(history) == 0 {
		h.logger.Warn("classifier called with empty context")
		return fallback
	}

	current := StripNickPrefix(history[len(history)-1].Content)
	prompt := strings.ReplaceAll(h.room.Command.ModeClassifier.Prompt, "{message}", current)

	spec, provider, err := h.models.Resolve(h.room.Command.ModeClassifier.Model)
	if err != nil {
		h.logger.Error("classifier model unavailable", "error", err)
		return fallback
	}
	resp, err := provider.ChatStream(ctx, providers.ChatRequest{
		Model:    spec.Model,
		System:   prompt,
		Messages: history,
	}, nil)
	if err != nil {
		h.logger.Error("mode classification failed", "error", err)
		return fallback
	}

	label := BestLabel(resp.Message.Content, h.resolver.Labels(), "")
	if label == "" {
		h.logger.Warn("invalid mode classification response", "response", resp.Message.Content)
		return fallback
	}
	return label
}
