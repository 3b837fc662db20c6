package tools

import "context"

// FinalAnswerName is special-cased by the agent loop: an accepted
// final_answer call terminates the run with its answer text.
const FinalAnswerName = "final_answer"

// FinalAnswerTool lets the model commit to a terminal answer explicitly.
// Its Execute only runs when the loop rejects the call and keeps going.
type FinalAnswerTool struct{}

func NewFinalAnswerTool() *FinalAnswerTool { return &FinalAnswerTool{} }

func (t *FinalAnswerTool) Name() string  { return FinalAnswerName }
func (t *FinalAnswerTool) Label() string { return "Final Answer" }
func (t *FinalAnswerTool) Description() string {
	return "Commit to the final answer for the user. Call this alone, after all other work is done."
}
func (t *FinalAnswerTool) PersistType() PersistType { return PersistNone }

func (t *FinalAnswerTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"answer": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
		},
		"required":             []interface{}{"answer"},
		"additionalProperties": false,
	}
}

func (t *FinalAnswerTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	return ErrorResult("final_answer was not accepted: finish the other work first, then call final_answer alone."), nil
}
