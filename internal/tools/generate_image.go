package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pasky/muaddib/internal/artifacts"
	"github.com/pasky/muaddib/internal/providers"
)

// maxInputImageBytes caps each fetched reference image.
const maxInputImageBytes = 4 << 20

// GenerateImageTool renders images from a text prompt with an
// image-capable model and publishes them as artifacts. Reference images
// may be supplied by URL to steer the generation.
type GenerateImageTool struct {
	registry *providers.Registry
	model    string // provider:model
	store    *artifacts.Store
	client   *http.Client
}

func NewGenerateImageTool(registry *providers.Registry, model string, store *artifacts.Store) *GenerateImageTool {
	return &GenerateImageTool{
		registry: registry,
		model:    model,
		store:    store,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *GenerateImageTool) Name() string  { return "generate_image" }
func (t *GenerateImageTool) Label() string { return "Generate Image" }
func (t *GenerateImageTool) Description() string {
	return "Generate an image from a text prompt, optionally based on reference images."
}
func (t *GenerateImageTool) PersistType() PersistType { return PersistArtifact }

func (t *GenerateImageTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Description of the image to generate.",
			},
			"image_urls": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional reference image URLs the generation should be based on.",
			},
		},
		"required":             []interface{}{"prompt"},
		"additionalProperties": false,
	}
}

func (t *GenerateImageTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	prompt, _ := args["prompt"].(string)

	var refURLs []string
	if raw, ok := args["image_urls"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				refURLs = append(refURLs, s)
			}
		}
	}
	inputImages, errResult := t.fetchInputImages(ctx, refURLs)
	if errResult != nil {
		return errResult, nil
	}

	ms, provider, err := t.registry.Resolve(t.model)
	if err != nil {
		return nil, fmt.Errorf("generate_image: %w", err)
	}
	gen, ok := provider.(providers.ImageGenerator)
	if !ok {
		return nil, fmt.Errorf("generate_image: provider %s cannot generate images", ms.Provider)
	}

	images, err := gen.GenerateImage(ctx, ms.Model, prompt, inputImages)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Image generation failed: %v", err)), nil
	}

	var urls []string
	for _, img := range images {
		if t.store == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			continue
		}
		url, err := t.store.Save(data, extForMime(img.MimeType))
		if err == nil {
			urls = append(urls, url)
		}
	}

	content := fmt.Sprintf("Generated %d image(s)", len(images))
	if len(urls) > 0 {
		content += ": " + strings.Join(urls, " ")
	}
	return &Result{Content: content, Images: images}, nil
}

// fetchInputImages loads each reference URL, reading artifact URLs from
// local storage and everything else over HTTP.
func (t *GenerateImageTool) fetchInputImages(ctx context.Context, urls []string) ([]providers.ImageContent, *Result) {
	var images []providers.ImageContent
	for _, rawURL := range urls {
		data, err := t.fetchOne(ctx, rawURL)
		if err != nil {
			return nil, ErrorResult(fmt.Sprintf("Cannot fetch reference image %s: %v", rawURL, err))
		}
		mime, _, _ := strings.Cut(http.DetectContentType(data), ";")
		if !strings.HasPrefix(mime, "image/") {
			return nil, ErrorResult(fmt.Sprintf("Reference URL %s is not an image (%s)", rawURL, mime))
		}
		images = append(images, providers.ImageContent{
			MimeType: strings.TrimSpace(mime),
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, nil
}

func (t *GenerateImageTool) fetchOne(ctx context.Context, rawURL string) ([]byte, error) {
	if t.store != nil {
		if name, ok := t.store.ResolveURL(rawURL); ok {
			return t.store.Read(name)
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInputImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxInputImageBytes {
		return nil, fmt.Errorf("image exceeds the %d byte limit", maxInputImageBytes)
	}
	return data, nil
}

func extForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
