package tools

import (
	"context"
	"fmt"

	"github.com/pasky/muaddib/internal/artifacts"
)

// ShareArtifactTool publishes text as an artifact and returns its URL.
type ShareArtifactTool struct {
	store *artifacts.Store
}

func NewShareArtifactTool(store *artifacts.Store) *ShareArtifactTool {
	return &ShareArtifactTool{store: store}
}

func (t *ShareArtifactTool) Name() string  { return "share_artifact" }
func (t *ShareArtifactTool) Label() string { return "Share Artifact" }
func (t *ShareArtifactTool) Description() string {
	return "Publish text content as a shareable artifact URL. Use for long content that does not fit in a chat reply."
}
func (t *ShareArtifactTool) PersistType() PersistType { return PersistNone }

func (t *ShareArtifactTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The text content to publish.",
			},
			"extension": map[string]interface{}{
				"type":        "string",
				"description": "File extension, e.g. \".txt\" or \".md\". Defaults to .txt.",
			},
		},
		"required":             []interface{}{"content"},
		"additionalProperties": false,
	}
}

func (t *ShareArtifactTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	content, _ := args["content"].(string)
	ext, _ := args["extension"].(string)
	if ext == "" {
		ext = ".txt"
	}
	url, err := t.store.Save([]byte(content), ext)
	if err != nil {
		return nil, err
	}
	return NewResult("Shared: " + url), nil
}

// EditArtifactTool applies a unique string replacement to an existing
// artifact, producing a new artifact with the same extension.
type EditArtifactTool struct {
	store *artifacts.Store
}

func NewEditArtifactTool(store *artifacts.Store) *EditArtifactTool {
	return &EditArtifactTool{store: store}
}

func (t *EditArtifactTool) Name() string  { return "edit_artifact" }
func (t *EditArtifactTool) Label() string { return "Edit Artifact" }
func (t *EditArtifactTool) Description() string {
	return "Create an edited copy of an existing artifact by replacing old_string (which must occur exactly once) with new_string."
}
func (t *EditArtifactTool) PersistType() PersistType { return PersistArtifact }

func (t *EditArtifactTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"artifact_url": map[string]interface{}{"type": "string"},
			"old_string":   map[string]interface{}{"type": "string"},
			"new_string":   map[string]interface{}{"type": "string"},
		},
		"required":             []interface{}{"artifact_url", "old_string", "new_string"},
		"additionalProperties": false,
	}
}

func (t *EditArtifactTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	rawURL, _ := args["artifact_url"].(string)
	oldString, _ := args["old_string"].(string)
	newString, _ := args["new_string"].(string)

	name, ok := t.store.ResolveURL(rawURL)
	if !ok {
		return ErrorResult(fmt.Sprintf("%q is not an artifact URL", rawURL)), nil
	}
	url, err := t.store.Edit(name, oldString, newString)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return NewResult("Edited: " + url), nil
}
