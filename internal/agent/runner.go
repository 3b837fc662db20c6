// Package agent drives the model loop for a single logical reply: prompt
// the model, execute the tool calls it makes, feed results back, repeat
// until it produces terminal text or runs out of iterations.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pasky/muaddib/internal/providers"
	"github.com/pasky/muaddib/internal/tools"
)

var tracer = otel.Tracer("muaddib/agent")

// ErrIterationLimit is returned when a run uses up its iteration budget
// while the model is still calling tools.
var ErrIterationLimit = errors.New("reached the tool-call iteration limit")

// ErrEmptyCompletion is returned when the model keeps producing empty
// completions through all retries.
var ErrEmptyCompletion = errors.New("Agent produced empty completion.")

const defaultRetryPrompt = "<meta>No valid text or tool use found in response. Please try again.</meta>"

const concludePrompt = "<meta>You are approaching the tool call limit. Finish up and give your answer now.</meta>"

const maxEmptyRetries = 3

// ModelResolver turns a "provider:model" spec into a live provider.
// Satisfied by providers.Registry.
type ModelResolver interface {
	Resolve(spec string) (providers.ModelSpec, providers.Provider, error)
}

// CallLogger records individual model calls for cost accounting.
// Satisfied by an adapter over the history store. Optional.
type CallLogger interface {
	LogCall(ctx context.Context, model, prompt string) (int64, error)
	LogResponse(ctx context.Context, id int64, response string, cost float64) error
}

// Config are the construction parameters of a Runner.
type Config struct {
	Resolver      ModelResolver
	Model         string // provider:model
	SystemPrompt  string
	Tools         *tools.Registry
	MaxIterations int
	MaxTokens     int
	RetryPrompt   string
	DebugBudget   int
	Logger        *slog.Logger
	CallLog       CallLogger
	// Steering is drained between turns to inject room messages that
	// arrived while the run was in flight. May be nil.
	Steering func() []providers.Message
}

// Runner drives agent runs with a fixed configuration.
type Runner struct {
	cfg Config
}

// New creates a Runner, filling in defaults.
func New(cfg Config) *Runner {
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.RetryPrompt == "" {
		cfg.RetryPrompt = defaultRetryPrompt
	}
	if cfg.DebugBudget <= 0 {
		cfg.DebugBudget = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg}
}

// PromptRequest is one prompt into the runner.
type PromptRequest struct {
	Text                 string
	Context              []providers.Message
	ThinkingLevel        string
	VisionFallbackModel  string
	RefusalFallbackModel string
}

// PromptResult is the outcome of a run.
type PromptResult struct {
	Text           string
	StopReason     string
	Usage          providers.Usage
	Iterations     int
	ToolCallsCount int

	VisionFallbackActivated  bool
	VisionFallbackModel      string
	RefusalFallbackActivated bool
	RefusalFallbackModel     string

	// Messages is the full session transcript for downstream persistence.
	Messages []providers.Message
}

// Prompt runs the agent loop. On a refusal (in the final text or a model
// error) with a configured fallback model, the run is reissued once against
// the fallback; fallbacks never chain.
func (r *Runner) Prompt(ctx context.Context, req PromptRequest) (*PromptResult, error) {
	res, err := r.run(ctx, r.cfg.Model, req)

	refused := false
	switch {
	case err != nil && IsRefusal(err.Error()):
		refused = true
	case err == nil && IsRefusal(res.Text):
		refused = true
	}
	if !refused || req.RefusalFallbackModel == "" {
		return res, err
	}

	r.cfg.Logger.Warn("refusal detected, retrying with fallback model",
		"model", r.cfg.Model, "fallback", req.RefusalFallbackModel)
	res, err = r.run(ctx, req.RefusalFallbackModel, req)
	if err != nil {
		return res, err
	}
	res.RefusalFallbackActivated = true
	res.RefusalFallbackModel = req.RefusalFallbackModel
	return res, nil
}

func (r *Runner) run(ctx context.Context, model string, req PromptRequest) (*PromptResult, error) {
	ctx, span := tracer.Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	messages := slices.Clone(req.Context)
	messages = append(messages, providers.Message{Role: "user", Content: req.Text})

	result := &PromptResult{}
	emptyRetries := 0

	for {
		spec, provider, err := r.cfg.Resolver.Resolve(model)
		if err != nil {
			return nil, err
		}

		var callID int64
		if r.cfg.CallLog != nil {
			if callID, err = r.cfg.CallLog.LogCall(ctx, model, req.Text); err != nil {
				r.cfg.Logger.Warn("llm call logging failed", "error", err)
			}
		}

		resp, err := provider.ChatStream(ctx, providers.ChatRequest{
			Model:           spec.Model,
			System:          r.cfg.SystemPrompt,
			Messages:        messages,
			Tools:           r.cfg.Tools.Definitions(),
			MaxTokens:       r.cfg.MaxTokens,
			ReasoningEffort: req.ThinkingLevel,
		}, nil)
		if err != nil {
			result.Messages = messages
			result.Usage = providers.SumUsage(messages)
			return result, err
		}

		msg := *resp.Message
		messages = append(messages, msg)
		result.Iterations++
		result.Messages = messages
		r.cfg.Logger.Debug("turn_end",
			"iteration", result.Iterations,
			"stop_reason", msg.StopReason,
			"message", debugMessage(&msg, r.cfg.DebugBudget))

		if r.cfg.CallLog != nil && callID != 0 {
			cost := 0.0
			if msg.Usage != nil {
				cost = msg.Usage.TotalCost
			}
			if err := r.cfg.CallLog.LogResponse(ctx, callID, msg.Content, cost); err != nil {
				r.cfg.Logger.Warn("llm response logging failed", "error", err)
			}
		}

		if msg.StopReason == "error" {
			result.Usage = providers.SumUsage(messages)
			return result, fmt.Errorf("model error: %s", msg.Content)
		}

		if len(msg.ToolCalls) > 0 {
			answer, accepted := r.finalAnswerDecision(msg.ToolCalls)

			sawImages := false
			for _, call := range msg.ToolCalls {
				var res *tools.Result
				if accepted && call.Name == tools.FinalAnswerName {
					res = tools.NewResult("Answer accepted.")
				} else {
					res = r.cfg.Tools.Execute(ctx, call)
				}
				result.ToolCallsCount++
				if len(res.Images) > 0 {
					sawImages = true
				}
				content := res.Content
				if res.IsError {
					content = "Error: " + content
				}
				r.cfg.Logger.Debug("tool_end",
					"tool", call.Name,
					"error", res.IsError,
					"result", debugString(content, r.cfg.DebugBudget))
				messages = append(messages, providers.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    content,
					Images:     res.Images,
				})
			}
			result.Messages = messages

			if accepted {
				result.Text = answer
				result.StopReason = "stop"
				result.Usage = providers.SumUsage(messages)
				return result, nil
			}

			if sawImages && req.VisionFallbackModel != "" && !result.VisionFallbackActivated {
				r.cfg.Logger.Info("tool result carries images, switching to vision fallback",
					"fallback", req.VisionFallbackModel)
				model = req.VisionFallbackModel
				result.VisionFallbackActivated = true
				result.VisionFallbackModel = req.VisionFallbackModel
			}

			if r.cfg.Steering != nil {
				if steered := r.cfg.Steering(); len(steered) > 0 {
					messages = append(messages, steered...)
					result.Messages = messages
				}
			}

			if result.Iterations >= r.cfg.MaxIterations {
				result.Text = lastAssistantText(messages)
				result.Usage = providers.SumUsage(messages)
				return result, fmt.Errorf("%w (%d iterations)", ErrIterationLimit, result.Iterations)
			}
			if result.Iterations == r.cfg.MaxIterations-1 {
				messages = append(messages, providers.Message{Role: "user", Content: concludePrompt})
			}
			continue
		}

		if strings.TrimSpace(msg.Content) == "" {
			if emptyRetries >= maxEmptyRetries {
				result.Usage = providers.SumUsage(messages)
				return result, ErrEmptyCompletion
			}
			emptyRetries++
			r.cfg.Logger.Warn("empty completion, retrying", "attempt", emptyRetries)
			messages = append(messages, providers.Message{Role: "user", Content: r.cfg.RetryPrompt})
			continue
		}

		result.Text = msg.Content
		result.StopReason = msg.StopReason
		result.Usage = providers.SumUsage(messages)
		return result, nil
	}
}

var questToolNames = map[string]bool{
	"quest_start":    true,
	"subquest_start": true,
	"quest_snooze":   true,
}

// finalAnswerDecision decides whether a final_answer call in this batch is
// terminal. It is rejected alongside substantive tool calls, and alongside
// make_plan unless a quest tool is also being called.
func (r *Runner) finalAnswerDecision(calls []providers.ToolCall) (string, bool) {
	if !r.cfg.Tools.Has(tools.FinalAnswerName) {
		return "", false
	}
	var fa *providers.ToolCall
	for i := range calls {
		if calls[i].Name == tools.FinalAnswerName {
			fa = &calls[i]
		}
	}
	if fa == nil {
		return "", false
	}

	hasQuestTool := false
	for _, c := range calls {
		if questToolNames[c.Name] {
			hasQuestTool = true
		}
	}
	for _, c := range calls {
		switch {
		case c.Name == tools.FinalAnswerName || questToolNames[c.Name]:
		case c.Name == "make_plan":
			if !hasQuestTool {
				return "", false
			}
		default:
			return "", false
		}
	}

	answer, _ := fa.Arguments["answer"].(string)
	if strings.TrimSpace(answer) == "" {
		return "", false
	}
	return answer, true
}

func lastAssistantText(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && strings.TrimSpace(messages[i].Content) != "" {
			return messages[i].Content
		}
	}
	return ""
}
