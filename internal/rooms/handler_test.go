package rooms

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pasky/muaddib/internal/agent"
	"github.com/pasky/muaddib/internal/artifacts"
	"github.com/pasky/muaddib/internal/history"
	"github.com/pasky/muaddib/internal/providers"
)

// scriptedProvider replays canned assistant messages and records every
// request it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	name     string
	script   []func(req providers.ChatRequest) *providers.Message
	calls    int
	requests []providers.ChatRequest
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onEvent func(providers.StreamEvent)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	step := p.calls
	if step >= len(p.script) {
		step = len(p.script) - 1
	}
	p.calls++
	msg := p.script[step](req)
	return &providers.ChatResponse{Message: msg}, nil
}

func textReply(text string) func(providers.ChatRequest) *providers.Message {
	return func(providers.ChatRequest) *providers.Message {
		return &providers.Message{
			Role: "assistant", Content: text, StopReason: "stop",
			Usage: &providers.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}
	}
}

// specResolver maps full model specs to scripted providers.
type specResolver struct {
	specs map[string]*scriptedProvider
}

func (r *specResolver) Resolve(spec string) (providers.ModelSpec, providers.Provider, error) {
	ms, err := providers.ParseModelSpec(spec)
	if err != nil {
		return providers.ModelSpec{}, nil, err
	}
	p, ok := r.specs[spec]
	if !ok {
		return providers.ModelSpec{}, nil, fmt.Errorf("no scripted provider for %q", spec)
	}
	return ms, p, nil
}

type replyRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *replyRecorder) send(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *replyRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type handlerFixture struct {
	handler   *Handler
	history   *history.Store
	artifacts *artifacts.Store
	artDir    string
	resolver  *specResolver
}

func newHandlerFixture(t *testing.T, mutate func(*HandlerConfig)) *handlerFixture {
	t.Helper()

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	artDir := t.TempDir()
	store, err := artifacts.NewStore(artDir, "http://art.local")
	if err != nil {
		t.Fatal(err)
	}

	resolver := &specResolver{specs: map[string]*scriptedProvider{
		"openai:gpt-4o-mini":        {name: "openai", script: []func(providers.ChatRequest) *providers.Message{textReply("hello")}},
		"anthropic:claude-sonnet-4": {name: "anthropic", script: []func(providers.ChatRequest) *providers.Message{textReply("a poem")}},
		"openai:gpt-5-nano":         {name: "openai", script: []func(providers.ChatRequest) *providers.Message{textReply("SERIOUS")}},
	}}

	cfg := HandlerConfig{
		RoomName:      "testroom",
		Room:          &RoomConfig{Command: *testCommandConfig()},
		MaxIterations: 4,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h, err := NewHandler(cfg, HandlerDeps{
		Models:    resolver,
		History:   hist,
		Artifacts: store,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &handlerFixture{handler: h, history: hist, artifacts: store, artDir: artDir, resolver: resolver}
}

func incomingMsg(content string) *RoomMessage {
	return &RoomMessage{
		ServerTag:   "libera",
		ChannelName: "chat",
		Nick:        "alice",
		MyNick:      "muaddib",
		Content:     content,
	}
}

func TestHandleExplicitTrigger(t *testing.T) {
	f := newHandlerFixture(t, nil)
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!s hi"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "hello" {
		t.Errorf("response = %q, want hello", res.Response)
	}
	if res.Resolved == nil || res.Resolved.ModeKey != "serious" ||
		res.Resolved.SelectedTrigger != "!s" || res.Resolved.SelectedAutomatically {
		t.Errorf("resolved = %+v", res.Resolved)
	}

	// The reply is persisted as an assistant message tagged with the trigger.
	msgs, err := f.history.GetFullHistory(context.Background(), "libera", "chat")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, m := range msgs {
		if m.Role == "assistant" && m.Content == "hello" && m.Mode == "!s" {
			found = true
		}
	}
	if !found {
		t.Errorf("assistant reply not persisted with mode: %+v", msgs)
	}

	// The model saw the triggering message as the prompt, nick-framed.
	prov := f.resolver.specs["openai:gpt-4o-mini"]
	req := prov.requests[0]
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "<alice> !s hi" {
		t.Errorf("prompt = %q", last.Content)
	}
}

func TestHandleClassifierAutoRouting(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.resolver.specs["openai:gpt-5-nano"].script = []func(providers.ChatRequest) *providers.Message{textReply("CREATIVE")}
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("write me a poem"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "a poem" {
		t.Errorf("response = %q", res.Response)
	}
	if !res.Resolved.SelectedAutomatically || res.Resolved.ModeKey != "creative" {
		t.Errorf("resolved = %+v", res.Resolved)
	}
}

func TestHandleParseErrorReply(t *testing.T) {
	f := newHandlerFixture(t, nil)
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!x hi"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	want := "alice: Unknown command '!x'. Use !h for help."
	if res.Response != want {
		t.Errorf("response = %q, want %q", res.Response, want)
	}
}

func TestHandleHelp(t *testing.T) {
	f := newHandlerFixture(t, nil)
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!h"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Response, "default is ") {
		t.Errorf("help = %q", res.Response)
	}
}

func TestHandleIgnoredUser(t *testing.T) {
	f := newHandlerFixture(t, func(cfg *HandlerConfig) {
		cfg.Room.Command.IgnoreUsers = []string{"Alice"}
	})
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!s hi"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "" || len(rec.all()) != 0 {
		t.Errorf("ignored user still got a reply: %+v", rec.all())
	}
}

func TestHandleRateLimit(t *testing.T) {
	f := newHandlerFixture(t, func(cfg *HandlerConfig) {
		cfg.Room.Command.RateLimit = 1
		cfg.Room.Command.RatePeriod = 3600
	})
	rec := &replyRecorder{}

	if _, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!s one"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send}); err != nil {
		t.Fatal(err)
	}
	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!s two"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Response, "Slow down a little") {
		t.Errorf("second response = %q, want rate limit warning", res.Response)
	}
}

func TestLengthPolicyCreatesArtifact(t *testing.T) {
	long := strings.Repeat("All work and no play makes Jack a dull boy. ", 50)
	f := newHandlerFixture(t, func(cfg *HandlerConfig) {
		cfg.Room.Command.ResponseMaxBytes = 100
	})
	f.resolver.specs["openai:gpt-4o-mini"].script = []func(providers.ChatRequest) *providers.Message{textReply(long)}
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!s essay please"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Response, "... full response: http://art.local/") {
		t.Fatalf("response = %q, want artifact excerpt", res.Response)
	}
	if len(res.Response) > 200 {
		t.Errorf("excerpt too long: %d bytes", len(res.Response))
	}

	// The artifact holds the full text.
	idx := strings.Index(res.Response, "http://art.local/")
	name := res.Response[idx+len("http://art.local/"):]
	data, err := os.ReadFile(filepath.Join(f.artDir, name))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != long {
		t.Errorf("artifact content mismatch: %d bytes vs %d", len(data), len(long))
	}
}

func TestRefusalFallbackAnnotation(t *testing.T) {
	f := newHandlerFixture(t, func(cfg *HandlerConfig) {
		cfg.RefusalFallbackModel = "anthropic:claude-opus-4"
	})
	f.resolver.specs["openai:gpt-4o-mini"].script = []func(providers.ChatRequest) *providers.Message{textReply("I can't help with that.")}
	f.resolver.specs["anthropic:claude-opus-4"] = &scriptedProvider{
		name: "anthropic", script: []func(providers.ChatRequest) *providers.Message{textReply("Here is the answer")},
	}
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!s touchy subject"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(res.Response, "[refusal fallback to claude-opus-4]") {
		t.Errorf("response = %q, want fallback annotation", res.Response)
	}
	if !strings.HasPrefix(res.Response, "Here is the answer") {
		t.Errorf("response = %q", res.Response)
	}
}

func TestIterationLimitSurfacesDiagnostic(t *testing.T) {
	f := newHandlerFixture(t, func(cfg *HandlerConfig) {
		cfg.MaxIterations = 2
	})
	loopCall := func(providers.ChatRequest) *providers.Message {
		return &providers.Message{
			Role: "assistant", StopReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{ID: "c1", Name: "share_artifact",
				Arguments: map[string]interface{}{"content": "loop"}}},
			Usage: &providers.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
		}
	}
	f.resolver.specs["openai:gpt-4o-mini"].script = []func(providers.ChatRequest) *providers.Message{loopCall}
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!s loop forever"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Response, "tool-call budget") {
		t.Errorf("response = %q, want budget diagnostic", res.Response)
	}
	if f.handler.Queue().HasSession(KeyForMessage(incomingMsg("!s loop forever"))) {
		t.Error("session left behind after iteration limit")
	}
	if calls := f.resolver.specs["openai:gpt-4o-mini"].calls; calls != 2 {
		t.Errorf("model calls = %d, want 2", calls)
	}
}

func TestCostFollowup(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.resolver.specs["openai:gpt-4o-mini"].script = []func(providers.ChatRequest) *providers.Message{
		func(providers.ChatRequest) *providers.Message {
			return &providers.Message{
				Role: "assistant", Content: "pricey answer", StopReason: "stop",
				Usage: &providers.Usage{InputTokens: 90000, OutputTokens: 4000, TotalTokens: 94000, TotalCost: 0.55},
			}
		},
	}
	rec := &replyRecorder{}

	if _, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("!s think hard"),
		IncomingOptions{IsDirect: true, SendResponse: rec.send}); err != nil {
		t.Fatal(err)
	}

	replies := rec.all()
	if len(replies) < 2 {
		t.Fatalf("replies = %v, want cost followup after the answer", replies)
	}
	if !strings.Contains(replies[1], "90000 in / 4000 out tokens") || !strings.Contains(replies[1], "$0.5500") {
		t.Errorf("cost followup = %q", replies[1])
	}
}

func TestPassiveWithoutSessionIsNoop(t *testing.T) {
	f := newHandlerFixture(t, nil)
	rec := &replyRecorder{}

	res, err := f.handler.HandleIncomingMessage(context.Background(), incomingMsg("just chatting"),
		IncomingOptions{IsDirect: false, SendResponse: rec.send})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "" {
		t.Errorf("passive produced a reply: %q", res.Response)
	}
}

func TestBuildSystemPromptTemplating(t *testing.T) {
	f := newHandlerFixture(t, func(cfg *HandlerConfig) {
		cfg.Room.PromptVars = map[string]string{"persona": "a desert sage"}
		cfg.Room.Command.Modes["serious"].Prompt = "You are {mynick}, {persona}. Escalate via {!d_model}."
	})

	got, err := f.handler.buildSystemPrompt("serious", "muaddib", "")
	if err != nil {
		t.Fatal(err)
	}
	want := "You are muaddib, a desert sage. Escalate via claude-opus-4."
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}

	f2 := newHandlerFixture(t, func(cfg *HandlerConfig) {
		cfg.Room.Command.Modes["serious"].Prompt = "Uses {!zzz_model}."
	})
	if _, err := f2.handler.buildSystemPrompt("serious", "muaddib", ""); err == nil {
		t.Error("unknown trigger placeholder should error")
	}
}

func TestModelStrCore(t *testing.T) {
	tests := []struct{ in, want string }{
		{"openai:gpt-4o-mini", "gpt-4o-mini"},
		{"anthropic:claude-opus-4", "claude-opus-4"},
		{"openrouter:meta/llama-3#routing", "llama-3"},
		{"bare-model", "bare-model"},
	}
	for _, tt := range tests {
		if got := ModelStrCore(tt.in); got != tt.want {
			t.Errorf("ModelStrCore(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQualifyModelOverride(t *testing.T) {
	if got := qualifyModelOverride("gpt-5", "openai:gpt-4o-mini"); got != "openai:gpt-5" {
		t.Errorf("got %q", got)
	}
	if got := qualifyModelOverride("anthropic:claude-opus-4", "openai:gpt-4o-mini"); got != "anthropic:claude-opus-4" {
		t.Errorf("got %q", got)
	}
}

var _ agent.ModelResolver = (*specResolver)(nil)
