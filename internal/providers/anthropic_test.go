package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const anthropicToolUseStream = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":42,"cache_read_input_tokens":10}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check."}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"web_search"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go generics\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicChatStreamToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(anthropicToolUseStream))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))

	var events []EventType
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "search something"}},
	}, func(ev StreamEvent) {
		events = append(events, ev.Type)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	msg := resp.Message
	if msg.Content != "Let me check." {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.StopReason != "tool_calls" {
		t.Errorf("StopReason = %q, want tool_calls", msg.StopReason)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "web_search" {
		t.Errorf("tool call = %q/%q", tc.ID, tc.Name)
	}
	if q, _ := tc.Arguments["query"].(string); q != "go generics" {
		t.Errorf("query arg = %q, want %q", q, "go generics")
	}
	if msg.Usage.InputTokens != 42 || msg.Usage.OutputTokens != 17 || msg.Usage.CacheReadTokens != 10 {
		t.Errorf("usage = %+v", msg.Usage)
	}
	if msg.Provider != "anthropic" || msg.Model != "claude-sonnet-4-5" {
		t.Errorf("provenance = %q/%q", msg.Provider, msg.Model)
	}

	wantOrder := []EventType{EventStart, EventTextStart, EventTextDelta, EventTextEnd, EventToolCallStart, EventToolCallEnd, EventDone}
	if len(events) != len(wantOrder) {
		t.Fatalf("events = %v, want %v", events, wantOrder)
	}
	for i := range wantOrder {
		if events[i] != wantOrder[i] {
			t.Errorf("event[%d] = %s, want %s", i, events[i], wantOrder[i])
		}
	}
}

func TestAnthropicChatStreamError(t *testing.T) {
	stream := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":5}}}\n\n" +
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(stream))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))

	var gotErrEvent bool
	_, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(ev StreamEvent) {
		if ev.Type == EventError {
			gotErrEvent = true
		}
	})
	if err == nil {
		t.Fatal("expected stream error")
	}
	if !strings.Contains(err.Error(), "overloaded_error") {
		t.Errorf("err = %v", err)
	}
	if !gotErrEvent {
		t.Error("expected an error event")
	}
}

func TestAnthropicHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid key"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("bad", WithAnthropicBaseURL(srv.URL))
	_, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Errorf("err = %v, want HTTPError 401", err)
	}
}
