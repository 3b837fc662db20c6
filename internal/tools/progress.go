package tools

import "context"

// ProgressReportTool emits user-visible progress lines during long runs.
// Purely side-effectful; the callback may be nil.
type ProgressReportTool struct {
	report func(text string)
}

func NewProgressReportTool(report func(text string)) *ProgressReportTool {
	return &ProgressReportTool{report: report}
}

func (t *ProgressReportTool) Name() string  { return "progress_report" }
func (t *ProgressReportTool) Label() string { return "Progress Report" }
func (t *ProgressReportTool) Description() string {
	return "Tell the user what you are doing while a long task is in progress."
}
func (t *ProgressReportTool) PersistType() PersistType { return PersistNone }

func (t *ProgressReportTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
		},
		"required":             []interface{}{"text"},
		"additionalProperties": false,
	}
}

func (t *ProgressReportTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	text, _ := args["text"].(string)
	if t.report != nil {
		t.report(text)
	}
	return NewResult("Reported."), nil
}
