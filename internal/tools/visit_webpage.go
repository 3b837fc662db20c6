package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/pasky/muaddib/internal/artifacts"
	"github.com/pasky/muaddib/internal/providers"
)

// VisitWebpageConfig tunes the visit_webpage tool.
type VisitWebpageConfig struct {
	MaxChars      int               // text truncation limit
	MaxImageBytes int64             // images larger than this are refused
	AuthHeaders   map[string]string // URL prefix -> "Header: value"
	RetryDelays   []time.Duration   // schedule for 451/5xx retries
}

// DefaultVisitWebpageConfig returns the standard limits.
func DefaultVisitWebpageConfig() VisitWebpageConfig {
	return VisitWebpageConfig{
		MaxChars:      40000,
		MaxImageBytes: 4 << 20,
		RetryDelays:   []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
	}
}

// VisitWebpageTool fetches a URL and returns readable text, or the image
// itself for image content types. Artifact URLs are read from local storage
// instead of going through HTTP.
type VisitWebpageTool struct {
	cfg    VisitWebpageConfig
	client *http.Client
	store  *artifacts.Store // may be nil
}

// NewVisitWebpageTool creates the visit_webpage tool. store may be nil when
// no artifact storage is configured.
func NewVisitWebpageTool(cfg VisitWebpageConfig, store *artifacts.Store) *VisitWebpageTool {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultVisitWebpageConfig().MaxChars
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultVisitWebpageConfig().MaxImageBytes
	}
	return &VisitWebpageTool{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		store:  store,
	}
}

func (t *VisitWebpageTool) Name() string  { return "visit_webpage" }
func (t *VisitWebpageTool) Label() string { return "Visit Webpage" }
func (t *VisitWebpageTool) Description() string {
	return "Fetch a webpage and return its readable text content. Image URLs return the image itself."
}
func (t *VisitWebpageTool) PersistType() PersistType { return PersistSummary }

func (t *VisitWebpageTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The http(s) URL to fetch.",
			},
		},
		"required":             []interface{}{"url"},
		"additionalProperties": false,
	}
}

var collapseNewlines = regexp.MustCompile(`\n{3,}`)

func (t *VisitWebpageTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	rawURL, _ := args["url"].(string)

	if t.store != nil {
		if name, ok := t.store.ResolveURL(rawURL); ok {
			data, err := t.store.Read(name)
			if err != nil {
				return ErrorResult(fmt.Sprintf("Cannot read artifact: %v", err)), nil
			}
			return NewResult(t.cleanText(string(data))), nil
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrorResult(fmt.Sprintf("Only http(s) URLs are supported, got %q", rawURL)), nil
	}

	contentType := t.probeContentType(ctx, rawURL)
	if strings.HasPrefix(contentType, "image/") {
		return t.fetchImage(ctx, rawURL, contentType)
	}
	return t.fetchText(ctx, rawURL)
}

func (t *VisitWebpageTool) probeContentType(ctx context.Context, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, "HEAD", rawURL, nil)
	if err != nil {
		return ""
	}
	t.applyAuth(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return ""
	}
	resp.Body.Close()
	return resp.Header.Get("Content-Type")
}

func (t *VisitWebpageTool) fetchImage(ctx context.Context, rawURL, contentType string) (*Result, error) {
	resp, err := t.doWithRetries(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("visit_webpage: read image: %w", err)
	}
	if int64(len(data)) > t.cfg.MaxImageBytes {
		return ErrorResult(fmt.Sprintf("Image exceeds the %d byte limit", t.cfg.MaxImageBytes)), nil
	}

	mime, _, _ := strings.Cut(contentType, ";")
	return &Result{
		Content: fmt.Sprintf("Fetched image (%s, %d bytes)", mime, len(data)),
		Images: []providers.ImageContent{{
			MimeType: strings.TrimSpace(mime),
			Data:     base64.StdEncoding.EncodeToString(data),
		}},
	}, nil
}

func (t *VisitWebpageTool) fetchText(ctx context.Context, rawURL string) (*Result, error) {
	resp, err := t.doWithRetries(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	article, err := readability.FromReader(io.LimitReader(resp.Body, 8<<20), resp.Request.URL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Cannot extract readable content: %v", err)), nil
	}

	text := article.TextContent
	if article.Title != "" {
		text = article.Title + "\n\n" + text
	}
	return NewResult(t.cleanText(text)), nil
}

func (t *VisitWebpageTool) cleanText(text string) string {
	text = collapseNewlines.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)
	if len(text) > t.cfg.MaxChars {
		text = text[:t.cfg.MaxChars] + "\n\n[content truncated]"
	}
	return text
}

// doWithRetries GETs the URL, retrying on 451 and 5xx with the configured
// delay schedule.
func (t *VisitWebpageTool) doWithRetries(ctx context.Context, rawURL string) (*http.Response, error) {
	attempts := len(t.cfg.RetryDelays) + 1
	var lastStatus int
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(t.cfg.RetryDelays[i-1]):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("visit_webpage: build request: %w", err)
		}
		t.applyAuth(req)
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("visit_webpage: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		lastStatus = resp.StatusCode
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnavailableForLegalReasons && resp.StatusCode < 500 {
			break
		}
	}
	return nil, fmt.Errorf("visit_webpage: HTTP %d fetching %s", lastStatus, rawURL)
}

func (t *VisitWebpageTool) applyAuth(req *http.Request) {
	for prefix, header := range t.cfg.AuthHeaders {
		if strings.HasPrefix(req.URL.String(), prefix) {
			if name, value, ok := strings.Cut(header, ":"); ok {
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}
	}
}
