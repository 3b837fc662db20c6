package providers

import "context"

// Provider is the interface all LLM providers must implement.
type Provider interface {
	// ChatStream sends messages to the LLM, emitting stream events via onEvent
	// as they arrive, and returns the final complete response.
	// onEvent may be nil when the caller only wants the final response.
	ChatStream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (*ChatResponse, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ChatRequest contains the input for a ChatStream call.
type ChatRequest struct {
	Model           string           `json:"model"`
	System          string           `json:"system,omitempty"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	MaxTokens       int              `json:"max_tokens,omitempty"`
	ReasoningEffort string           `json:"reasoning_effort,omitempty"` // "minimal", "low", "medium", "high"
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Message *Message `json:"message"`
}

// EventType identifies a streaming event.
type EventType string

const (
	EventStart         EventType = "start"
	EventTextStart     EventType = "text_start"
	EventTextDelta     EventType = "text_delta"
	EventTextEnd       EventType = "text_end"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallStart EventType = "toolcall_start"
	EventToolCallEnd   EventType = "toolcall_end"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// StreamEvent is one event in a streamed completion.
// The sequence is start → (text_delta|thinking_delta|toolcall_end)* →
// done(reason, message), or error at any point — including after a
// successful toolcall_end in the same stream.
type StreamEvent struct {
	Type     EventType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Err      error     `json:"-"`
}

// ImageContent represents a base64-encoded image block.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/png"
	Data     string `json:"data"`      // base64-encoded image bytes
}

// Message represents a conversation message.
// Assistant messages additionally carry the stop reason, usage record and
// the provider/model identifiers of the call that produced them.
type Message struct {
	Role       string         `json:"role"` // "user", "assistant", "tool"
	Content    string         `json:"content"`
	Thinking   string         `json:"thinking,omitempty"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" results
	StopReason string         `json:"stop_reason,omitempty"`  // "stop", "tool_calls", "length", "error"
	Usage      *Usage         `json:"usage,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption and cost for one or more LLM calls.
// Add is plain field-wise addition, so aggregation over any message order
// yields the same totals.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`

	InputCost      float64 `json:"input_cost,omitempty"`
	OutputCost     float64 `json:"output_cost,omitempty"`
	CacheReadCost  float64 `json:"cache_read_cost,omitempty"`
	CacheWriteCost float64 `json:"cache_write_cost,omitempty"`
	TotalCost      float64 `json:"total_cost,omitempty"`
}

// Add accumulates o into u field-wise.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
	u.TotalTokens += o.TotalTokens
	u.InputCost += o.InputCost
	u.OutputCost += o.OutputCost
	u.CacheReadCost += o.CacheReadCost
	u.CacheWriteCost += o.CacheWriteCost
	u.TotalCost += o.TotalCost
}

// SumUsage returns the field-wise sum of usage over every assistant message
// in msgs. Messages without a usage record contribute nothing.
func SumUsage(msgs []Message) Usage {
	var total Usage
	for _, m := range msgs {
		if m.Role == "assistant" && m.Usage != nil {
			total.Add(*m.Usage)
		}
	}
	return total
}
