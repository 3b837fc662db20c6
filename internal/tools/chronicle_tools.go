package tools

import (
	"context"
	"fmt"

	"github.com/pasky/muaddib/internal/chronicle"
)

// ChronicleReadTool renders a chronicle chapter for the model.
type ChronicleReadTool struct {
	store *chronicle.Store
	arc   string
}

func NewChronicleReadTool(store *chronicle.Store, arc string) *ChronicleReadTool {
	return &ChronicleReadTool{store: store, arc: arc}
}

func (t *ChronicleReadTool) Name() string  { return "chronicle_read" }
func (t *ChronicleReadTool) Label() string { return "Chronicle Read" }
func (t *ChronicleReadTool) Description() string {
	return "Read a chapter of this conversation's chronicle. relative_chapter_id 0 is the current chapter, -1 the previous one."
}
func (t *ChronicleReadTool) PersistType() PersistType { return PersistNone }

func (t *ChronicleReadTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"relative_chapter_id": map[string]interface{}{
				"type":        "integer",
				"maximum":     0,
				"description": "0 for current chapter, -1 for previous, and so on.",
			},
		},
		"required":             []interface{}{"relative_chapter_id"},
		"additionalProperties": false,
	}
}

func (t *ChronicleReadTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	offset := 0
	if v, ok := args["relative_chapter_id"].(float64); ok {
		offset = int(v)
	}
	text, err := t.store.RenderChapterRelative(ctx, t.arc, offset)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if text == "" {
		return NewResult("(chapter is empty)"), nil
	}
	return NewResult(text), nil
}

// ChronicleAppendTool records a paragraph in the chronicle.
type ChronicleAppendTool struct {
	store *chronicle.Store
	arc   string
}

func NewChronicleAppendTool(store *chronicle.Store, arc string) *ChronicleAppendTool {
	return &ChronicleAppendTool{store: store, arc: arc}
}

func (t *ChronicleAppendTool) Name() string  { return "chronicle_append" }
func (t *ChronicleAppendTool) Label() string { return "Chronicle Append" }
func (t *ChronicleAppendTool) Description() string {
	return "Append a paragraph to this conversation's chronicle for long-term memory."
}
func (t *ChronicleAppendTool) PersistType() PersistType { return PersistNone }

func (t *ChronicleAppendTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "The paragraph to record.",
			},
		},
		"required":             []interface{}{"text"},
		"additionalProperties": false,
	}
}

func (t *ChronicleAppendTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	text, _ := args["text"].(string)
	p, err := t.store.AppendParagraph(ctx, t.arc, text, "note")
	if err != nil {
		return nil, err
	}
	return NewResult(fmt.Sprintf("Recorded in chronicle (paragraph %d).", p.ID)), nil
}

// MakePlanTool persists a plan entry in the chronicle.
type MakePlanTool struct {
	store *chronicle.Store
	arc   string
}

func NewMakePlanTool(store *chronicle.Store, arc string) *MakePlanTool {
	return &MakePlanTool{store: store, arc: arc}
}

func (t *MakePlanTool) Name() string  { return "make_plan" }
func (t *MakePlanTool) Label() string { return "Make Plan" }
func (t *MakePlanTool) Description() string {
	return "Record a plan for the work ahead. The plan is kept in the chronicle."
}
func (t *MakePlanTool) PersistType() PersistType { return PersistNone }

func (t *MakePlanTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"plan": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "The plan text.",
			},
		},
		"required":             []interface{}{"plan"},
		"additionalProperties": false,
	}
}

func (t *MakePlanTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	plan, _ := args["plan"].(string)
	if _, err := t.store.AppendParagraph(ctx, t.arc, plan, "plan"); err != nil {
		return nil, err
	}
	return NewResult("Plan recorded."), nil
}
