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
	"github.com/pasky/muaddib/internal/history"
	"github.com/pasky/muaddib/internal/logging"
	"github.com/pasky/muaddib/internal/providers"
	"github.com/pasky/muaddib/internal/tools"
)

// routeCommand acts on a resolved command: error and help replies short
// circuit, everything else runs the agent and post-processes the reply.
func (h *Handler) routeCommand(ctx context.Context, msg *RoomMessage, contextMsgs []providers.Message, triggerID int64, reply ReplySender, key SteeringKey, resolved *ResolvedCommand) error {
	if resolved.Err != "" {
		h.logger.Warn("command parse error",
			"nick", msg.Nick, "error", resolved.Err, "content", msg.Content)
		return reply(ctx, fmt.Sprintf("%s: %s", msg.Nick, resolved.Err))
	}

	if resolved.HelpRequested {
		helpMsg := h.resolver.BuildHelpMessage(msg.ServerTag, msg.ChannelName)
		if err := reply(ctx, helpMsg); err != nil {
			return err
		}
		h.persistReply(ctx, msg, helpMsg, "")
		return nil
	}

	rt := resolved.Runtime
	model := h.room.Command.Modes[resolved.ModeKey].Model
	if rt.Model != "" {
		model = rt.Model
	}
	if resolved.ModelOverride != "" {
		model = qualifyModelOverride(resolved.ModelOverride, model)
		h.logger.Debug("overriding model", "model", model)
	}

	if resolved.SelectedAutomatically {
		h.logger.Debug("processing automatic mode request",
			"nick", msg.Nick, "policy", resolved.ChannelMode,
			"label", resolved.SelectedLabel, "trigger", resolved.SelectedTrigger)
	} else {
		h.logger.Debug("processing explicit trigger",
			"trigger", resolved.SelectedTrigger, "mode", resolved.ModeKey, "nick", msg.Nick)
	}

	steeringEnabled := rt.Steering && !resolved.NoContext
	steering := func() []providers.Message {
		if !steeringEnabled {
			return nil
		}
		return h.queue.DrainSteeringContext(key)
	}

	window := contextMsgs
	if rt.HistorySize > 0 && len(window) > rt.HistorySize {
		window = window[len(window)-rt.HistorySize:]
	}

	result, runErr := h.runActor(ctx, actorParams{
		msg:           msg,
		context:       window,
		modeKey:       resolved.ModeKey,
		runtime:       rt,
		model:         model,
		modelOverride: resolved.ModelOverride,
		noContext:     resolved.NoContext,
		steering:      steering,
		reply:         reply,
	})

	text := ""
	if result != nil {
		text = result.Text
	}
	switch {
	case runErr == nil:
	case errors.Is(runErr, agent.ErrIterationLimit):
		h.logger.Warn("agent hit the iteration limit", "arc", msg.Arc())
		if text == "" {
			text = "I ran out of tool-call budget before finishing, sorry."
		}
	default:
		h.logger.Error("agent run failed", "arc", msg.Arc(), "error", runErr)
		text = "Error: " + truncateText(runErr.Error(), 200)
	}

	if text == "" {
		h.logger.Info("agent chose not to answer",
			"label", resolved.SelectedLabel, "trigger", resolved.SelectedTrigger, "channel", msg.ChannelName)
		return nil
	}

	text = h.cleanResponse(text, msg.Nick)
	if result != nil {
		if result.VisionFallbackActivated {
			text += fmt.Sprintf(" [image fallback to %s]", ModelStrCore(result.VisionFallbackModel))
		}
		if result.RefusalFallbackActivated {
			text += fmt.Sprintf(" [refusal fallback to %s]", ModelStrCore(result.RefusalFallbackModel))
		}
	}

	cost := 0.0
	if result != nil {
		cost = result.Usage.TotalCost
	}
	h.logger.Info("sending response",
		"label", resolved.SelectedLabel, "trigger", resolved.SelectedTrigger,
		"cost", fmt.Sprintf("$%.4f", cost), "channel", msg.ChannelName,
		"response", logging.Preview(text))

	if err := reply(ctx, text); err != nil {
		return err
	}
	h.persistReply(ctx, msg, text, resolved.SelectedTrigger)

	if result != nil && runErr == nil {
		h.emitFollowups(ctx, msg, reply, result)
		h.persistToolSummary(ctx, msg, result)
	}
	return nil
}

// qualifyModelOverride turns a bare "@model" override into a full spec
// by borrowing the provider of the mode's model.
func qualifyModelOverride(override, baseModel string) string {
	if strings.Contains(override, ":") {
		return override
	}
	if i := strings.IndexByte(baseModel, ':'); i >= 0 {
		return baseModel[:i+1] + override
	}
	return override
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

type actorParams struct {
	msg           *RoomMessage
	context       []providers.Message
	modeKey       string
	runtime       *Runtime
	model         string
	modelOverride string
	noContext     bool
	extraPrompt   string
	steering      func() []providers.Message
	reply         ReplySender
}

// historyCallLog adapts the history store to the agent's call logger.
type historyCallLog struct {
	store     HistoryStore
	serverTag string
	channel   string
}

func (l *historyCallLog) LogCall(ctx context.Context, model, prompt string) (int64, error) {
	return l.store.LogLlmCall(ctx, l.serverTag, l.channel, model, prompt)
}

func (l *historyCallLog) LogResponse(ctx context.Context, id int64, response string, cost float64) error {
	return l.store.UpdateLlmCallResponse(ctx, id, response, cost)
}

// runActor prepares context and tools, drives one agent run and applies
// the length policy to the final text.
func (h *Handler) runActor(ctx context.Context, p actorParams) (*agent.PromptResult, error) {
	ctxMsgs := p.context
	includeChapter := p.runtime.IncludeChapterSummary

	if p.noContext {
		if len(ctxMsgs) > 0 {
			ctxMsgs = ctxMsgs[len(ctxMsgs)-1:]
		}
		includeChapter = false
	} else if p.runtime.AutoReduceContext && len(ctxMsgs) > 1 {
		ctxMsgs = h.reduceContext(ctx, ctxMsgs)
	}

	if includeChapter && h.chron != nil {
		if chapter, err := h.chron.GetChapterContextMessages(ctx, p.msg.Arc()); err == nil {
			prefix := make([]providers.Message, 0, len(chapter)+len(ctxMsgs))
			for _, text := range chapter {
				prefix = append(prefix, providers.Message{Role: "user", Content: text})
			}
			ctxMsgs = append(prefix, ctxMsgs...)
		} else {
			h.logger.Warn("chapter summary unavailable", "error", err)
		}
	}

	systemPrompt, err := h.buildSystemPrompt(p.modeKey, p.msg.MyNick, p.modelOverride)
	if err != nil {
		return nil, err
	}
	systemPrompt += p.extraPrompt

	logger, closeLog := h.pipelineLogger(p.msg)
	defer closeLog()

	registry, err := h.buildTools(ctx, p.msg, p.runtime, ctxMsgs, p.reply, logger)
	if err != nil {
		return nil, err
	}

	runner := agent.New(agent.Config{
		Resolver:      h.models,
		Model:         p.model,
		SystemPrompt:  systemPrompt,
		Tools:         registry,
		MaxIterations: h.cfg.MaxIterations,
		Logger:        logger,
		CallLog:       &historyCallLog{store: h.history, serverTag: p.msg.ServerTag, channel: p.msg.ChannelName},
		Steering:      p.steering,
	})

	promptText := ""
	if len(ctxMsgs) > 0 {
		promptText = ctxMsgs[len(ctxMsgs)-1].Content
		ctxMsgs = ctxMsgs[:len(ctxMsgs)-1]
	}
	result, err := runner.Prompt(ctx, agent.PromptRequest{
		Text:                 promptText,
		Context:              ctxMsgs,
		ThinkingLevel:        p.runtime.ReasoningEffort,
		VisionFallbackModel:  p.runtime.VisionModel,
		RefusalFallbackModel: h.cfg.RefusalFallbackModel,
	})
	if err != nil {
		return result, err
	}

	maxBytes := h.responseMaxBytes()
	if len(result.Text) > maxBytes {
		h.logger.Info("response too long, creating artifact",
			"bytes", len(result.Text), "max", maxBytes)
		result.Text = h.longResponseToArtifact(result.Text, maxBytes)
	}
	result.Text = strings.TrimSpace(result.Text)
	return result, nil
}

func (h *Handler) responseMaxBytes() int {
	if h.room.Command.ResponseMaxBytes > 0 {
		return h.room.Command.ResponseMaxBytes
	}
	return 600
}

func (h *Handler) pipelineLogger(msg *RoomMessage) (*slog.Logger, func()) {
	if h.cfg.Home == "" {
		return h.logger, func() {}
	}
	logger, closeFn, err := logging.NewPipelineLogger(h.cfg.Home, msg.Arc(), msg.Nick, logging.Preview(msg.Content))
	if err != nil {
		h.logger.Warn("pipeline log unavailable", "error", err)
		return h.logger, func() {}
	}
	return logger, func() { _ = closeFn() }
}

// buildTools assembles the per-run tool registry, filtered by the
// runtime's allowed set.
func (h *Handler) buildTools(ctx context.Context, msg *RoomMessage, rt *Runtime, outerContext []providers.Message, reply ReplySender, logger *slog.Logger) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	arc := msg.Arc()

	if h.cfg.JinaAPIKey != "" {
		reg.MustRegister(tools.NewWebSearchTool(h.cfg.JinaAPIKey))
	}

	visitCfg := h.cfg.VisitConfig
	if visitCfg.MaxChars == 0 {
		visitCfg = tools.DefaultVisitWebpageConfig()
	}
	if len(msg.Secrets) > 0 {
		merged := make(map[string]string, len(visitCfg.AuthHeaders)+len(msg.Secrets))
		for k, v := range visitCfg.AuthHeaders {
			merged[k] = v
		}
		for k, v := range msg.Secrets {
			merged[k] = v
		}
		visitCfg.AuthHeaders = merged
	}
	reg.MustRegister(tools.NewVisitWebpageTool(visitCfg, h.store))

	if h.sandbox != nil {
		reg.MustRegister(tools.NewExecuteCodeTool(h.sandbox, h.store, arc))
	}
	reg.MustRegister(tools.NewShareArtifactTool(h.store))
	reg.MustRegister(tools.NewEditArtifactTool(h.store))

	if h.cfg.OracleModel != "" {
		nestedContext := append([]providers.Message(nil), outerContext...)
		reg.MustRegister(tools.NewOracleTool(func(ctx context.Context, query string) (string, error) {
			nested := agent.New(agent.Config{
				Resolver:      h.models,
				Model:         h.cfg.OracleModel,
				SystemPrompt:  h.cfg.OraclePrompt,
				Tools:         reg.Exclude("oracle", "progress_report", "quest_start", "subquest_start", "quest_snooze"),
				MaxIterations: h.cfg.MaxIterations,
				Logger:        logger,
			})
			res, err := nested.Prompt(ctx, agent.PromptRequest{Text: query, Context: nestedContext})
			if err != nil {
				return "", err
			}
			return res.Text, nil
		}))
	}

	if h.cfg.ImageGenModel != "" && h.images != nil {
		reg.MustRegister(tools.NewGenerateImageTool(h.images, h.cfg.ImageGenModel, h.store))
	}

	if h.chron != nil {
		reg.MustRegister(tools.NewChronicleReadTool(h.chron, arc))
		reg.MustRegister(tools.NewChronicleAppendTool(h.chron, arc))
		reg.MustRegister(tools.NewMakePlanTool(h.chron, arc))
	}

	questTools, err := tools.QuestTools(ctx, h.quests)
	if err != nil {
		return nil, err
	}
	for _, t := range questTools {
		reg.MustRegister(t)
	}

	reg.MustRegister(tools.NewProgressReportTool(func(text string) {
		if err := reply(ctx, text); err != nil {
			h.logger.Warn("progress report delivery failed", "error", err)
			return
		}
		h.persistReply(ctx, msg, text, "")
	}))
	reg.MustRegister(tools.NewFinalAnswerTool())

	if rt.AllowedTools != nil {
		reg = reg.Filter(rt.AllowedTools)
	}
	return reg, nil
}

var contextSummaryTemplate = "<context_summary>%s</context_summary>"

// reduceContext collapses all but the newest message into one summary
// entry via the context reducer model. Reduction happens once at run
// start; failures keep the original context.
func (h *Handler) reduceContext(ctx context.Context, msgs []providers.Message) []providers.Message {
	if h.cfg.ContextReducerModel == "" {
		return msgs
	}
	spec, provider, err := h.models.Resolve(h.cfg.ContextReducerModel)
	if err != nil {
		h.logger.Warn("context reducer unavailable", "error", err)
		return msgs
	}

	prompt := h.cfg.ContextReducerPrompt
	if prompt == "" {
		prompt = "Summarize the conversation so far in a compact paragraph, preserving names, decisions and open threads."
	}
	resp, err := provider.ChatStream(ctx, providers.ChatRequest{
		Model:    spec.Model,
		System:   prompt,
		Messages: msgs[:len(msgs)-1],
	}, nil)
	if err != nil || strings.TrimSpace(resp.Message.Content) == "" {
		h.logger.Warn("context reduction failed", "error", err)
		return msgs
	}

	summary := providers.Message{
		Role:    "user",
		Content: fmt.Sprintf(contextSummaryTemplate, strings.TrimSpace(resp.Message.Content)),
	}
	return []providers.Message{summary, msgs[len(msgs)-1]}
}

// longResponseToArtifact publishes the full text as an artifact and
// returns a head excerpt that fits the byte budget, preferring sentence
// or word boundaries near the cut. The save goes through the store
// directly but yields the same artifact the share_artifact tool would.
func (h *Handler) longResponseToArtifact(full string, maxBytes int) string {
	url, err := h.store.Save([]byte(full), ".txt")
	if err != nil {
		h.logger.Error("sharing long response failed", "error", err)
		return full
	}

	trimmed := []rune(full)
	for len(string(trimmed)) > maxBytes && len(trimmed) > 0 {
		trimmed = trimmed[:len(trimmed)-1]
	}
	excerpt := string(trimmed)

	minLen := len(excerpt) - 100
	if minLen < 0 {
		minLen = 0
	}
	if i := strings.LastIndexByte(excerpt, '.'); i > minLen {
		excerpt = excerpt[:i+1]
	} else if i := strings.LastIndexByte(excerpt, ' '); i > minLen {
		excerpt = excerpt[:i]
	}

	return excerpt + "... full response: " + url
}

// emitFollowups sends the cost note for expensive replies and the daily
// cost milestone when the arc crosses a whole-dollar boundary.
func (h *Handler) emitFollowups(ctx context.Context, msg *RoomMessage, reply ReplySender, result *agent.PromptResult) {
	usage := result.Usage
	if usage.TotalCost > 0.2 {
		costMsg := fmt.Sprintf("(this message used %d tool calls, %d in / %d out tokens, and cost $%.4f)",
			result.ToolCallsCount, usage.InputTokens, usage.OutputTokens, usage.TotalCost)
		h.logger.Info("cost followup", "channel", msg.ChannelName, "message", costMsg)
		if err := reply(ctx, costMsg); err == nil {
			h.persistReply(ctx, msg, costMsg, "")
		}
	}

	if usage.TotalCost > 0 {
		totalToday, err := h.history.GetArcCostToday(ctx, msg.ServerTag, msg.ChannelName)
		if err != nil {
			return
		}
		before := totalToday - usage.TotalCost
		if int(totalToday) > int(before) {
			funMsg := fmt.Sprintf("(fun fact: my messages in this channel have already cost $%.4f today)", totalToday)
			h.logger.Info("daily cost milestone", "arc", msg.Arc(), "message", funMsg)
			if err := reply(ctx, funMsg); err == nil {
				h.persistReply(ctx, msg, funMsg, "")
			}
		}
	}
}

// persistToolSummary records a short note about tool activity when any
// executed tool asked for persistence. Failures never fail the reply.
func (h *Handler) persistToolSummary(ctx context.Context, msg *RoomMessage, result *agent.PromptResult) {
	if h.cfg.SummaryModel == "" {
		return
	}
	trace := toolUseTrace(result.Messages)
	if trace == "" {
		return
	}

	spec, provider, err := h.models.Resolve(h.cfg.SummaryModel)
	if err != nil {
		h.logger.Warn("summary model unavailable", "error", err)
		return
	}
	resp, err := provider.ChatStream(ctx, providers.ChatRequest{
		Model:  spec.Model,
		System: "Summarize the assistant's tool activity below in one or two sentences, noting any artifact URLs.",
		Messages: []providers.Message{
			{Role: "user", Content: trace},
		},
	}, nil)
	if err != nil || strings.TrimSpace(resp.Message.Content) == "" {
		h.logger.Warn("tool summary generation failed", "error", err)
		return
	}
	summary := strings.TrimSpace(resp.Message.Content)

	if h.chron != nil {
		if _, err := h.chron.AppendParagraph(ctx, msg.Arc(), summary, "summary"); err != nil {
			h.logger.Warn("chronicle append failed", "error", err)
		}
	}
	h.history.AddMessage(ctx, &history.Message{
		ServerTag: msg.ServerTag,
		Channel:   msg.ChannelName,
		Nick:      msg.MyNick,
		Role:      "assistant",
		Content:   "[internal monologue] " + summary,
		ThreadID:  msg.ThreadID,
	})
}

// toolUseTrace renders the session's tool calls and results, returning
// "" when no executed tool carries a persistence class.
func toolUseTrace(messages []providers.Message) string {
	persistent := false
	var b strings.Builder
	results := make(map[string]string)
	for _, m := range messages {
		if m.Role == "tool" {
			results[m.ToolCallID] = m.Content
		}
	}
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		for _, call := range m.ToolCalls {
			if persistTypeOf(call.Name) != tools.PersistNone {
				persistent = true
			}
			fmt.Fprintf(&b, "%s(%v) -> %s\n", call.Name, call.Arguments, truncateText(results[call.ID], 300))
		}
	}
	if !persistent {
		return ""
	}
	return b.String()
}

// persistTypeOf maps the baseline tool names to their persistence class
// without needing the live registry.
func persistTypeOf(name string) tools.PersistType {
	switch name {
	case "web_search", "visit_webpage", "oracle":
		return tools.PersistSummary
	case "execute_code", "edit_artifact", "generate_image":
		return tools.PersistArtifact
	default:
		return tools.PersistNone
	}
}

var promptTriggerModelRE = regexp.MustCompile(`\{(![A-Za-z][\w-]*)_model\}`)

// buildSystemPrompt expands the mode's prompt template: {mynick},
// {current_time}, room prompt vars and {<trigger>_model} placeholders.
func (h *Handler) buildSystemPrompt(modeKey, mynick, modelOverride string) (string, error) {
	mode, ok := h.room.Command.Modes[modeKey]
	if !ok {
		return "", fmt.Errorf("command mode %q not found in config", modeKey)
	}
	template := mode.Prompt

	var expandErr error
	template = promptTriggerModelRE.ReplaceAllStringFunc(template, func(match string) string {
		trigger := promptTriggerModelRE.FindStringSubmatch(match)[1]
		trigModeKey, ok := h.resolver.triggerToMode[trigger]
		if !ok {
			expandErr = fmt.Errorf("prompt placeholder '{%s_model}' references unknown trigger", trigger)
			return match
		}
		model := h.resolver.triggerCfg[trigger].Model
		if model == "" {
			if trigModeKey == modeKey && modelOverride != "" {
				model = modelOverride
			} else {
				model = h.room.Command.Modes[trigModeKey].Model
			}
		}
		return ModelStrCore(model)
	})
	if expandErr != nil {
		return "", expandErr
	}

	template = strings.ReplaceAll(template, "{mynick}", mynick)
	template = strings.ReplaceAll(template, "{current_time}", time.Now().Format("2006-01-02 15:04"))
	for key, value := range h.room.PromptVars {
		template = strings.ReplaceAll(template, "{"+key+"}", value)
	}
	return template, nil
}
