package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pasky/muaddib/internal/agent"
	"github.com/pasky/muaddib/internal/artifacts"
	"github.com/pasky/muaddib/internal/chronicle"
	"github.com/pasky/muaddib/internal/history"
	"github.com/pasky/muaddib/internal/logging"
	"github.com/pasky/muaddib/internal/providers"
	"github.com/pasky/muaddib/internal/ratelimit"
	"github.com/pasky/muaddib/internal/sandbox"
	"github.com/pasky/muaddib/internal/tools"
)

// RoomConfig is one room's configuration after the common merge.
type RoomConfig struct {
	Command    CommandConfig     `json:"command"`
	PromptVars map[string]string `json:"prompt_vars,omitempty"`
}

// HistoryStore is the slice of the chat history store the handler needs.
type HistoryStore interface {
	AddMessage(ctx context.Context, m *history.Message) (int64, error)
	GetContext(ctx context.Context, serverTag, channel string, limit int, threadID, threadStarterID string) ([]history.Message, error)
	GetRecentMessagesSince(ctx context.Context, serverTag, channel string, since time.Time) ([]history.Message, error)
	GetArcCostToday(ctx context.Context, serverTag, channel string) (float64, error)
	LogLlmCall(ctx context.Context, serverTag, channel, model, prompt string) (int64, error)
	UpdateLlmCallResponse(ctx context.Context, callID int64, response string, cost float64) error
}

// HandlerConfig are the construction parameters beyond the room config.
type HandlerConfig struct {
	RoomName             string
	Room                 *RoomConfig
	RefusalFallbackModel string
	SummaryModel         string // cheap model for persistence summaries
	OracleModel          string
	OraclePrompt         string
	ImageGenModel        string
	ContextReducerModel  string
	ContextReducerPrompt string
	JinaAPIKey           string
	VisitConfig          tools.VisitWebpageConfig
	MaxIterations        int
	Home                 string // muaddib home for per-pipeline logs; empty disables
	// ResponseCleaner is a transport-specific cleanup hook applied to
	// outgoing replies. May be nil.
	ResponseCleaner func(text, nick string) string
}

// HandlerDeps are the collaborators a Handler drives.
type HandlerDeps struct {
	Models    agent.ModelResolver
	Images    *providers.Registry // optional, enables generate_image
	History   HistoryStore
	Chronicle *chronicle.Store // optional
	Artifacts *artifacts.Store
	Sandbox   *sandbox.Manager // optional, enables execute_code
	Quests    tools.QuestState // optional, enables quest tools
	Logger    *slog.Logger
}

// Handler runs the full message pipeline for one room.
type Handler struct {
	cfg      HandlerConfig
	room     *RoomConfig
	resolver *Resolver
	queue    *SteeringQueue
	models   agent.ModelResolver
	images   *providers.Registry
	history  HistoryStore
	chron    *chronicle.Store
	store    *artifacts.Store
	sandbox  *sandbox.Manager
	quests   tools.QuestState
	limiter  *ratelimit.Window
	logger   *slog.Logger
}

var modelCoreRE = regexp.MustCompile(`(?:[-\w]*:)?(?:[-\w]*/)?([-\w]+)(?:#[-\w,]*)?`)

// ModelStrCore extracts the bare model name from a spec:
// provider:namespace/model#routing becomes model.
func ModelStrCore(model string) string {
	return modelCoreRE.ReplaceAllString(model, "$1")
}

// NewHandler validates the room config and wires the pipeline together.
func NewHandler(cfg HandlerConfig, deps HandlerDeps) (*Handler, error) {
	if cfg.Room == nil {
		return nil, errors.New("rooms: room config is required")
	}
	if deps.Models == nil || deps.History == nil || deps.Artifacts == nil {
		return nil, errors.New("rooms: models, history and artifacts are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	h := &Handler{
		cfg:     cfg,
		room:    cfg.Room,
		queue:   NewSteeringQueue(),
		models:  deps.Models,
		images:  deps.Images,
		history: deps.History,
		chron:   deps.Chronicle,
		store:   deps.Artifacts,
		sandbox: deps.Sandbox,
		quests:  deps.Quests,
		logger:  deps.Logger,
	}

	resolver, err := NewResolver(&cfg.Room.Command, h.classifyMode, ModelStrCore, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("rooms: %s: %w", cfg.RoomName, err)
	}
	h.resolver = resolver

	if cmd := cfg.Room.Command; cmd.RateLimit > 0 {
		period := time.Duration(cmd.RatePeriod) * time.Second
		if period <= 0 {
			period = time.Minute
		}
		h.limiter = ratelimit.NewWindow(cmd.RateLimit, period)
	}
	return h, nil
}

// Resolver exposes the command resolver, mostly for transports that need
// help or channel-policy answers without running the pipeline.
func (h *Handler) Resolver() *Resolver { return h.resolver }

// Queue exposes the steering queue for tests and monitors.
func (h *Handler) Queue() *SteeringQueue { return h.queue }

// ShouldIgnoreUser reports whether the sender is on the ignore list.
func (h *Handler) ShouldIgnoreUser(nick string) bool {
	for _, ignored := range h.room.Command.IgnoreUsers {
		if strings.EqualFold(nick, ignored) {
			return true
		}
	}
	return false
}

// IncomingOptions qualify one transport delivery.
type IncomingOptions struct {
	// IsDirect marks messages addressed to the bot; they run the command
	// pipeline and demand a reply. Everything else is passive.
	IsDirect     bool
	SendResponse ReplySender
}

// IncomingResult reports what the pipeline did with a message.
type IncomingResult struct {
	Response string // first reply sent, empty when none
	Resolved *ResolvedCommand
}

// HandleIncomingMessage is the transport entry point: persist the
// message, then dispatch it as a command or a passive observation.
func (h *Handler) HandleIncomingMessage(ctx context.Context, msg *RoomMessage, opts IncomingOptions) (*IncomingResult, error) {
	if h.ShouldIgnoreUser(msg.Nick) {
		h.logger.Debug("ignoring user", "nick", msg.Nick)
		return &IncomingResult{}, nil
	}

	role := "user"
	if msg.Nick == msg.MyNick {
		role = "assistant"
	}
	triggerID, err := h.history.AddMessage(ctx, &history.Message{
		ServerTag:  msg.ServerTag,
		Channel:    msg.ChannelName,
		Nick:       msg.Nick,
		Role:       role,
		Content:    msg.Content,
		ThreadID:   msg.ThreadID,
		PlatformID: msg.PlatformID,
	})
	if err != nil {
		return nil, fmt.Errorf("rooms: persist incoming: %w", err)
	}

	result := &IncomingResult{}
	reply := func(ctx context.Context, text string) error {
		if result.Response == "" {
			result.Response = text
		}
		if opts.SendResponse == nil {
			return nil
		}
		return opts.SendResponse(ctx, text)
	}

	if !opts.IsDirect {
		if err := h.HandlePassiveMessage(ctx, msg, reply); err != nil {
			return nil, err
		}
		return result, nil
	}

	resolved, err := h.HandleCommand(ctx, msg, triggerID, reply)
	result.Resolved = resolved
	return result, err
}

// HandleCommand dispatches a command message, serialising through the
// steering queue unless the resolved mode bypasses it.
func (h *Handler) HandleCommand(ctx context.Context, msg *RoomMessage, triggerID int64, reply ReplySender) (*ResolvedCommand, error) {
	if h.resolver.ShouldBypassSteeringQueue(msg) {
		return h.handleCommandCore(ctx, msg, triggerID, reply, KeyForMessage(msg))
	}
	return h.runOrQueueCommand(ctx, msg, triggerID, reply)
}

// runOrQueueCommand enqueues the command, becoming the session runner if
// it is first in. A single loop processes both commands and compacted
// passive tails; the queue lock is held only inside the queue methods,
// so new items may arrive while an item is being handled.
func (h *Handler) runOrQueueCommand(ctx context.Context, msg *RoomMessage, triggerID int64, reply ReplySender) (*ResolvedCommand, error) {
	for {
		isRunner, key, item := h.queue.EnqueueCommand(msg, triggerID, reply)

		if !isRunner {
			err := item.Wait(ctx)
			if errors.Is(err, ErrRetrySession) {
				// The session died under us; re-enter as a new runner.
				continue
			}
			return item.Resolved, err
		}

		var ours *ResolvedCommand
		active := item
		for active != nil {
			var err error
			if active.Kind == ItemCommand {
				active.Resolved, err = h.handleCommandCore(ctx, active.Msg, active.TriggerMessageID, active.Reply, key)
			} else {
				err = h.handlePassiveCore(ctx, active.Msg)
			}
			if err != nil {
				h.queue.AbortSession(key, err)
				FailItem(active, err)
				return nil, err
			}
			if active == item {
				ours = active.Resolved
			}
			FinishItem(active)
			_, active = h.queue.TakeNextWorkCompacted(key)
		}
		return ours, nil
	}
}

// HandlePassiveMessage feeds an overheard message into an active session
// when one exists; otherwise it is only observed.
func (h *Handler) HandlePassiveMessage(ctx context.Context, msg *RoomMessage, reply ReplySender) error {
	queued, _, _, item := h.queue.EnqueuePassive(msg, reply, false)
	if !queued {
		return h.handlePassiveCore(ctx, msg)
	}
	return item.Wait(ctx)
}

func (h *Handler) handlePassiveCore(ctx context.Context, msg *RoomMessage) error {
	h.logger.Debug("passive message observed",
		"arc", msg.Arc(), "nick", msg.Nick, "preview", logging.Preview(msg.Content))
	return nil
}

const rateLimitReply = "Slow down a little, will you? (rate limiting)"

// handleCommandCore is the per-command pipeline once queue placement is
// settled: rate limit, fixed context snapshot, debounce, resolve, route.
func (h *Handler) handleCommandCore(ctx context.Context, msg *RoomMessage, triggerID int64, reply ReplySender, key SteeringKey) (*ResolvedCommand, error) {
	if h.limiter != nil && !h.limiter.Allow() {
		h.logger.Warn("rate limiting triggered", "nick", msg.Nick)
		text := fmt.Sprintf("%s: %s", msg.Nick, rateLimitReply)
		if err := reply(ctx, text); err != nil {
			return nil, err
		}
		h.persistReply(ctx, msg, text, "")
		return nil, nil
	}

	h.logger.Info("received command",
		"nick", msg.Nick, "server", msg.ServerTag, "channel", msg.ChannelName, "content", msg.Content)

	// Snapshot context now so debouncing and classification cannot race
	// with later arrivals.
	defaultSize := h.room.Command.HistorySize
	maxSize := defaultSize
	for _, mode := range h.room.Command.Modes {
		if mode.HistorySize > maxSize {
			maxSize = mode.HistorySize
		}
	}
	stored, err := h.history.GetContext(ctx, msg.ServerTag, msg.ChannelName, maxSize, msg.ThreadID, msg.ThreadStarterID)
	if err != nil {
		return nil, fmt.Errorf("rooms: context: %w", err)
	}
	contextMsgs := renderContext(stored)

	if debounce := h.room.Command.Debounce; debounce > 0 && len(contextMsgs) > 0 {
		start := time.Now()
		select {
		case <-time.After(time.Duration(debounce * float64(time.Second))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		followups, err := h.history.GetRecentMessagesSince(ctx, msg.ServerTag, msg.ChannelName, start)
		if err == nil {
			joined := 0
			for _, f := range followups {
				if f.Nick != msg.Nick || f.ThreadID != msg.ThreadID || f.Role != "user" {
					continue
				}
				contextMsgs[len(contextMsgs)-1].Content += "\n" + f.Content
				joined++
			}
			if joined > 0 {
				h.logger.Debug("debounced followup messages", "count", joined, "nick", msg.Nick)
			}
		}
	}

	resolved := h.resolver.Resolve(ctx, msg, contextMsgs, defaultSize)
	if err := h.routeCommand(ctx, msg, contextMsgs, triggerID, reply, key, resolved); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// renderContext converts stored history rows into model messages. User
// rows carry nick framing so the model can tell speakers apart.
func renderContext(stored []history.Message) []providers.Message {
	out := make([]providers.Message, 0, len(stored))
	for _, m := range stored {
		content := m.Content
		if m.Role == "user" {
			content = fmt.Sprintf("<%s> %s", m.Nick, m.Content)
		}
		out = append(out, providers.Message{Role: m.Role, Content: content})
	}
	return out
}

func (h *Handler) persistReply(ctx context.Context, msg *RoomMessage, text, mode string) int64 {
	id, err := h.history.AddMessage(ctx, &history.Message{
		ServerTag: msg.ServerTag,
		Channel:   msg.ChannelName,
		Nick:      msg.MyNick,
		Role:      "assistant",
		Content:   text,
		Mode:      mode,
		ThreadID:  msg.ThreadID,
	})
	if err != nil {
		h.logger.Error("persisting reply failed", "error", err)
		return 0
	}
	return id
}

func (h *Handler) cleanResponse(text, nick string) string {
	cleaned := strings.TrimSpace(text)
	if h.cfg.ResponseCleaner != nil {
		cleaned = h.cfg.ResponseCleaner(cleaned, nick)
	}
	return strings.TrimSpace(cleaned)
}
