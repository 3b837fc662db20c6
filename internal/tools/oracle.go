package tools

import (
	"context"
	"fmt"
	"strings"
)

// OracleTool consults a stronger model through a nested agent run. The
// nested runner is injected as a callback so this package stays independent
// of the agent loop.
type OracleTool struct {
	runNested func(ctx context.Context, query string) (string, error)
}

// NewOracleTool creates the oracle tool over a nested-run callback.
func NewOracleTool(runNested func(ctx context.Context, query string) (string, error)) *OracleTool {
	return &OracleTool{runNested: runNested}
}

func (t *OracleTool) Name() string  { return "oracle" }
func (t *OracleTool) Label() string { return "Oracle" }
func (t *OracleTool) Description() string {
	return "Consult a more capable model for a hard question. The oracle sees the conversation so far and can research on its own."
}
func (t *OracleTool) PersistType() PersistType { return PersistSummary }

func (t *OracleTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The question for the oracle.",
			},
		},
		"required":             []interface{}{"query"},
		"additionalProperties": false,
	}
}

func (t *OracleTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	query, _ := args["query"].(string)

	text, err := t.runNested(ctx, query)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "iteration") || strings.Contains(msg, "max") {
			return ErrorResult("The oracle exhausted its deliberation budget without a final answer."), nil
		}
		return ErrorResult(fmt.Sprintf("Oracle error: %v", err)), nil
	}
	return NewResult(text), nil
}
