package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const openaiAPIBase = "https://api.openai.com/v1"

// OpenAIProvider implements Provider against the OpenAI Chat Completions API.
// It also serves image generation via the images endpoint.
type OpenAIProvider struct {
	apiKey      string
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:      apiKey,
		baseURL:     openaiAPIBase,
		client:      &http.Client{Timeout: 300 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (*ChatResponse, error) {
	emit := func(ev StreamEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	body := p.buildRequestBody(req)

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, "/chat/completions", body)
	})
	if err != nil {
		emit(StreamEvent{Type: EventError, Err: err})
		return nil, err
	}
	defer respBody.Close()

	emit(StreamEvent{Type: EventStart})

	msg := &Message{
		Role:     "assistant",
		Provider: p.Name(),
		Model:    req.Model,
		Usage:    &Usage{},
	}
	stopReason := "stop"
	// Tool call argument fragments keyed by the stream's tool call index.
	toolCallJSON := make(map[int]string)
	toolIndex := make(map[int]int) // stream index -> position in msg.ToolCalls
	textStarted := false

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Error != nil {
			streamErr := fmt.Errorf("openai stream error: %s", chunk.Error.Message)
			emit(StreamEvent{Type: EventError, Err: streamErr})
			return nil, streamErr
		}

		if chunk.Usage != nil {
			msg.Usage.InputTokens = chunk.Usage.PromptTokens
			msg.Usage.OutputTokens = chunk.Usage.CompletionTokens
			msg.Usage.CacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !textStarted {
				textStarted = true
				emit(StreamEvent{Type: EventTextStart})
			}
			msg.Content += choice.Delta.Content
			emit(StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			pos, seen := toolIndex[tc.Index]
			if !seen {
				pos = len(msg.ToolCalls)
				toolIndex[tc.Index] = pos
				call := ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: make(map[string]interface{}),
				}
				msg.ToolCalls = append(msg.ToolCalls, call)
				emit(StreamEvent{Type: EventToolCallStart, ToolCall: &call})
			}
			if tc.ID != "" {
				msg.ToolCalls[pos].ID = tc.ID
			}
			if tc.Function.Name != "" {
				msg.ToolCalls[pos].Name = tc.Function.Name
			}
			toolCallJSON[tc.Index] += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			switch choice.FinishReason {
			case "tool_calls", "function_call":
				stopReason = "tool_calls"
			case "length":
				stopReason = "length"
			case "content_filter":
				stopReason = "error"
			default:
				stopReason = "stop"
			}
		}
	}
	if err := scanner.Err(); err != nil {
		streamErr := fmt.Errorf("openai: read stream: %w", err)
		emit(StreamEvent{Type: EventError, Err: streamErr})
		return nil, streamErr
	}

	if textStarted {
		emit(StreamEvent{Type: EventTextEnd})
	}
	for idx, pos := range toolIndex {
		if raw := toolCallJSON[idx]; raw != "" {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(raw), &args)
			msg.ToolCalls[pos].Arguments = args
		}
	}
	for i := range msg.ToolCalls {
		emit(StreamEvent{Type: EventToolCallEnd, ToolCall: &msg.ToolCalls[i]})
	}

	msg.StopReason = stopReason
	msg.Usage.TotalTokens = msg.Usage.InputTokens + msg.Usage.OutputTokens
	FillCost(req.Model, msg.Usage)

	emit(StreamEvent{Type: EventDone, Reason: stopReason, Message: msg})

	return &ChatResponse{Message: msg}, nil
}

// GenerateImage produces images from a text prompt. Without reference
// images it uses the generations endpoint; with them it posts a multipart
// form to the edits endpoint, which steers generation by the inputs.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, model, prompt string, inputImages []ImageContent) ([]ImageContent, error) {
	call := func() (io.ReadCloser, error) {
		if len(inputImages) == 0 {
			return p.doRequest(ctx, "/images/generations", map[string]interface{}{
				"model":  model,
				"prompt": prompt,
			})
		}
		return p.doImageEdit(ctx, model, prompt, inputImages)
	}

	respBody, err := RetryDo(ctx, p.retryConfig, call)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("openai: decode image response: %w", err)
	}

	var images []ImageContent
	for _, d := range resp.Data {
		if d.B64JSON != "" {
			images = append(images, ImageContent{MimeType: "image/png", Data: d.B64JSON})
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("openai: image response contained no images")
	}
	return images, nil
}

// doImageEdit builds the multipart form the edits endpoint expects:
// model + prompt fields and one image[] file per reference image.
func (p *OpenAIProvider) doImageEdit(ctx context.Context, model, prompt string, inputImages []ImageContent) (io.ReadCloser, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	_ = form.WriteField("model", model)
	_ = form.WriteField("prompt", prompt)
	for i, img := range inputImages {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("openai: decode input image %d: %w", i, err)
		}
		part, err := form.CreateFormFile("image[]", fmt.Sprintf("input-%d.png", i))
		if err != nil {
			return nil, fmt.Errorf("openai: build image form: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, fmt.Errorf("openai: build image form: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("openai: build image form: %w", err)
	}
	return p.do(ctx, "/images/edits", form.FormDataContentType(), &buf)
}

func (p *OpenAIProvider) buildRequestBody(req ChatRequest) map[string]interface{} {
	var messages []map[string]interface{}

	if req.System != "" {
		messages = append(messages, map[string]interface{}{
			"role":    "system",
			"content": req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			if len(msg.Images) > 0 {
				var parts []map[string]interface{}
				if msg.Content != "" {
					parts = append(parts, map[string]interface{}{
						"type": "text",
						"text": msg.Content,
					})
				}
				for _, img := range msg.Images {
					parts = append(parts, map[string]interface{}{
						"type": "image_url",
						"image_url": map[string]interface{}{
							"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
						},
					})
				}
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": parts,
				})
			} else {
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": msg.Content,
				})
			}

		case "assistant":
			m := map[string]interface{}{
				"role":    "assistant",
				"content": msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				var calls []map[string]interface{}
				for _, tc := range msg.ToolCalls {
					args, _ := json.Marshal(tc.Arguments)
					calls = append(calls, map[string]interface{}{
						"id":   tc.ID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      tc.Name,
							"arguments": string(args),
						},
					})
				}
				m["tool_calls"] = calls
			}
			messages = append(messages, m)

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": msg.ToolCallID,
				"content":      msg.Content,
			})
		}
	}

	body := map[string]interface{}{
		"model":          req.Model,
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]interface{}{"include_usage": true},
	}

	if req.MaxTokens > 0 {
		body["max_completion_tokens"] = req.MaxTokens
	}
	if req.ReasoningEffort != "" {
		body["reasoning_effort"] = req.ReasoningEffort
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}

	return body
}

func (p *OpenAIProvider) doRequest(ctx context.Context, path string, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	return p.do(ctx, path, "application/json", bytes.NewReader(data))
}

func (p *OpenAIProvider) do(ctx context.Context, path, contentType string, body io.Reader) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("openai: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

// --- OpenAI streaming types ---

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}
