package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pasky/muaddib/internal/ratelimit"
)

const searchEndpoint = "https://s.jina.ai/"

// WebSearchTool queries the Jina search reader and returns plain-text
// results. Calls are paced to at most one per second across the process.
type WebSearchTool struct {
	apiKey  string
	client  *http.Client
	baseURL string
}

// NewWebSearchTool creates the web_search tool.
func NewWebSearchTool(apiKey string) *WebSearchTool {
	return &WebSearchTool{
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: searchEndpoint,
	}
}

func (t *WebSearchTool) Name() string  { return "web_search" }
func (t *WebSearchTool) Label() string { return "Web Search" }
func (t *WebSearchTool) Description() string {
	return "Search the web and return plain-text results with titles, URLs and snippets."
}
func (t *WebSearchTool) PersistType() PersistType { return PersistSummary }

func (t *WebSearchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The search query.",
			},
		},
		"required":             []interface{}{"query"},
		"additionalProperties": false,
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query must not be empty"), nil
	}

	if err := ratelimit.Wait(ctx, "jina-search", time.Second); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", t.baseURL+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("web_search: build request: %w", err)
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	req.Header.Set("X-Respond-With", "no-content")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("web_search: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(string(body), "No search results") {
		return NewResult("No search results found for this query. Try different keywords."), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web_search: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return NewResult(strings.TrimSpace(string(body))), nil
}
