package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pasky/muaddib/internal/providers"
)

// HelpToken requests the command help text.
const HelpToken = "!h"

// FlagTokens are modifier tokens recognised anywhere in the prefix.
// "!c" drops conversation context for the run.
var FlagTokens = map[string]bool{"!c": true}

// TriggerConfig is one trigger token of a mode, with optional per-trigger
// overrides. The first trigger listed for a mode is its default.
type TriggerConfig struct {
	Token           string   `json:"token"`
	Model           string   `json:"model,omitempty"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	Steering        *bool    `json:"steering,omitempty"`
}

// ModeConfig is one command mode.
type ModeConfig struct {
	Model                 string          `json:"model"`
	VisionModel           string          `json:"vision_model,omitempty"`
	Prompt                string          `json:"prompt"`
	Triggers              []TriggerConfig `json:"triggers"`
	ReasoningEffort       string          `json:"reasoning_effort,omitempty"`
	AllowedTools          []string        `json:"allowed_tools,omitempty"`
	Steering              *bool           `json:"steering,omitempty"`
	AutoReduceContext     bool            `json:"auto_reduce_context,omitempty"`
	IncludeChapterSummary bool            `json:"include_chapter_summary,omitempty"`
	HistorySize           int             `json:"history_size,omitempty"`
}

// ClassifierLabel maps a classifier output label to a trigger. The first
// label listed is the default fallback.
type ClassifierLabel struct {
	Label   string `json:"label"`
	Trigger string `json:"trigger"`
}

// ClassifierConfig drives automatic mode selection.
type ClassifierConfig struct {
	Model         string            `json:"model"`
	Prompt        string            `json:"prompt"`
	Labels        []ClassifierLabel `json:"labels"`
	FallbackLabel string            `json:"fallback_label,omitempty"`
}

// CommandConfig is the per-room command handling configuration.
type CommandConfig struct {
	HistorySize      int                    `json:"history_size"`
	DefaultMode      string                 `json:"default_mode,omitempty"`
	Modes            map[string]*ModeConfig `json:"modes"`
	ModeClassifier   ClassifierConfig       `json:"mode_classifier"`
	ChannelModes     map[string]string      `json:"channel_modes,omitempty"`
	ResponseMaxBytes int                    `json:"response_max_bytes,omitempty"`
	IgnoreUsers      []string               `json:"ignore_users,omitempty"`
	RateLimit        int                    `json:"rate_limit,omitempty"`
	RatePeriod       int                    `json:"rate_period,omitempty"` // seconds
	Debounce         float64                `json:"debounce,omitempty"`    // seconds
}

// ParsedPrefix is the result of parsing leading modifier tokens.
type ParsedPrefix struct {
	NoContext     bool
	ModeToken     string
	ModelOverride string
	QueryText     string
	Err           string
}

// Runtime is the effective settings for one run, composed from trigger
// overrides, mode config and command defaults.
type Runtime struct {
	ReasoningEffort       string
	AllowedTools          []string // nil means all tools
	Steering              bool
	Model                 string // trigger-level model override, if any
	HistorySize           int
	AutoReduceContext     bool
	IncludeChapterSummary bool
	VisionModel           string
}

// ResolvedCommand is the resolver's output for one message.
type ResolvedCommand struct {
	NoContext             bool
	QueryText             string
	ModelOverride         string
	SelectedLabel         string
	SelectedTrigger       string
	ModeKey               string
	Runtime               *Runtime
	Err                   string
	HelpRequested         bool
	ChannelMode           string
	SelectedAutomatically bool
}

// ClassifyFunc picks a classifier label for the given history; the last
// entry is the current message. It must not fail: on any trouble
// it returns the fallback label.
type ClassifyFunc func(ctx context.Context, history []providers.Message) string

// Resolver owns command parsing and channel policy resolution.
type Resolver struct {
	cfg       *CommandConfig
	classify  ClassifyFunc
	modelName func(string) string
	logger    *slog.Logger

	triggerToMode  map[string]string
	triggerCfg     map[string]*TriggerConfig
	defaultTrigger map[string]string // mode key -> first trigger token
	labelToTrigger map[string]string
	fallbackLabel  string
}

// NewResolver validates the command config and builds the lookup tables.
func NewResolver(cfg *CommandConfig, classify ClassifyFunc, modelName func(string) string, logger *slog.Logger) (*Resolver, error) {
	if modelName == nil {
		modelName = func(s string) string { return s }
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		cfg:            cfg,
		classify:       classify,
		modelName:      modelName,
		logger:         logger,
		triggerToMode:  make(map[string]string),
		triggerCfg:     make(map[string]*TriggerConfig),
		defaultTrigger: make(map[string]string),
		labelToTrigger: make(map[string]string),
	}

	for modeKey, mode := range cfg.Modes {
		if len(mode.Triggers) == 0 {
			return nil, fmt.Errorf("mode %q must define at least one trigger", modeKey)
		}
		r.defaultTrigger[modeKey] = mode.Triggers[0].Token
		for i := range mode.Triggers {
			trig := &mode.Triggers[i]
			if _, dup := r.triggerToMode[trig.Token]; dup {
				return nil, fmt.Errorf("duplicate trigger %q in command mode config", trig.Token)
			}
			if !strings.HasPrefix(trig.Token, "!") || len(trig.Token) < 2 {
				return nil, fmt.Errorf("invalid trigger %q for mode %q", trig.Token, modeKey)
			}
			r.triggerToMode[trig.Token] = modeKey
			r.triggerCfg[trig.Token] = trig
		}
	}

	labels := cfg.ModeClassifier.Labels
	if len(labels) == 0 {
		return nil, fmt.Errorf("command mode_classifier labels must not be empty")
	}
	for _, l := range labels {
		if _, ok := r.triggerToMode[l.Trigger]; !ok {
			return nil, fmt.Errorf("classifier label %q points to unknown trigger %q", l.Label, l.Trigger)
		}
		r.labelToTrigger[l.Label] = l.Trigger
	}
	r.fallbackLabel = cfg.ModeClassifier.FallbackLabel
	if r.fallbackLabel == "" {
		r.fallbackLabel = labels[0].Label
	}
	if _, ok := r.labelToTrigger[r.fallbackLabel]; !ok {
		return nil, fmt.Errorf("classifier fallback label %q is not defined", r.fallbackLabel)
	}

	return r, nil
}

// FallbackLabel returns the classifier's fallback label.
func (r *Resolver) FallbackLabel() string { return r.fallbackLabel }

// Labels returns the classifier labels in configuration order.
func (r *Resolver) Labels() []string {
	out := make([]string, 0, len(r.cfg.ModeClassifier.Labels))
	for _, l := range r.cfg.ModeClassifier.Labels {
		out = append(out, l.Label)
	}
	return out
}

// ParsePrefix parses the leading modifier tokens off a message. Token
// consumption stops at the first token that is neither a flag, a
// trigger, a model override nor an unknown "!" command.
func (r *Resolver) ParsePrefix(message string) ParsedPrefix {
	text := strings.TrimSpace(message)
	if text == "" {
		return ParsedPrefix{}
	}

	tokens := strings.Fields(text)
	var parsed ParsedPrefix
	consumed := 0

	for i, tok := range tokens {
		if FlagTokens[tok] {
			parsed.NoContext = true
			consumed = i + 1
			continue
		}
		if _, ok := r.triggerToMode[tok]; ok || tok == HelpToken {
			if parsed.ModeToken != "" {
				parsed.Err = "Only one mode command allowed."
				break
			}
			parsed.ModeToken = tok
			consumed = i + 1
			continue
		}
		if strings.HasPrefix(tok, "@") && len(tok) > 1 {
			if parsed.ModelOverride == "" {
				parsed.ModelOverride = tok[1:]
			}
			consumed = i + 1
			continue
		}
		if strings.HasPrefix(tok, "!") {
			parsed.Err = fmt.Sprintf("Unknown command '%s'. Use %s for help.", tok, HelpToken)
			break
		}
		break
	}

	if consumed > 0 {
		parsed.QueryText = strings.Join(tokens[consumed:], " ")
	} else {
		parsed.QueryText = text
	}
	return parsed
}

// RuntimeForTrigger composes the effective runtime for a trigger:
// trigger overrides win over mode settings, which win over defaults.
func (r *Resolver) RuntimeForTrigger(trigger string) (string, *Runtime, error) {
	modeKey, ok := r.triggerToMode[trigger]
	if !ok {
		return "", nil, fmt.Errorf("unknown trigger %q", trigger)
	}
	mode := r.cfg.Modes[modeKey]
	trig := r.triggerCfg[trigger]

	rt := &Runtime{
		ReasoningEffort:       "minimal",
		Steering:              true,
		HistorySize:           r.cfg.HistorySize,
		AutoReduceContext:     mode.AutoReduceContext,
		IncludeChapterSummary: mode.IncludeChapterSummary,
		VisionModel:           mode.VisionModel,
	}
	if mode.ReasoningEffort != "" {
		rt.ReasoningEffort = mode.ReasoningEffort
	}
	if trig.ReasoningEffort != "" {
		rt.ReasoningEffort = trig.ReasoningEffort
	}
	rt.AllowedTools = mode.AllowedTools
	if trig.AllowedTools != nil {
		rt.AllowedTools = trig.AllowedTools
	}
	if mode.Steering != nil {
		rt.Steering = *mode.Steering
	}
	if trig.Steering != nil {
		rt.Steering = *trig.Steering
	}
	rt.Model = trig.Model
	if mode.HistorySize > 0 {
		rt.HistorySize = mode.HistorySize
	}
	return modeKey, rt, nil
}

// TriggerForLabel maps a classifier label to its trigger, falling back
// on unknown labels.
func (r *Resolver) TriggerForLabel(label string) string {
	if trigger, ok := r.labelToTrigger[label]; ok {
		return trigger
	}
	r.logger.Warn("unknown classifier label, using fallback",
		"label", label, "fallback", r.fallbackLabel)
	return r.labelToTrigger[r.fallbackLabel]
}

// NormalizeServerTag strips transport prefixes so channel policy keys
// stay stable across transports.
func NormalizeServerTag(serverTag string) string {
	for _, prefix := range []string{"discord:", "slack:"} {
		if rest, ok := strings.CutPrefix(serverTag, prefix); ok {
			return rest
		}
	}
	return serverTag
}

// ChannelKey builds the channel policy lookup key.
func ChannelKey(serverTag, channelName string) string {
	return NormalizeServerTag(serverTag) + "#" + channelName
}

// ChannelMode returns the channel's mode policy: a per-channel entry,
// else the configured default, else "classifier".
func (r *Resolver) ChannelMode(serverTag, channelName string) string {
	if mode, ok := r.cfg.ChannelModes[ChannelKey(serverTag, channelName)]; ok {
		return mode
	}
	if r.cfg.DefaultMode != "" {
		return r.cfg.DefaultMode
	}
	return "classifier"
}

// ShouldBypassSteeringQueue reports whether the message must skip queue
// serialisation: parse errors, context-free runs, help requests and
// modes with steering disabled all run synchronously in the caller.
func (r *Resolver) ShouldBypassSteeringQueue(msg *RoomMessage) bool {
	parsed := r.ParsePrefix(msg.Content)
	if parsed.Err != "" || parsed.NoContext {
		return true
	}
	if parsed.ModeToken == HelpToken {
		return true
	}
	if parsed.ModeToken != "" {
		if _, rt, err := r.RuntimeForTrigger(parsed.ModeToken); err == nil {
			return !rt.Steering
		}
		return false
	}

	trigger := r.ChannelMode(msg.ServerTag, msg.ChannelName)
	if _, isTrigger := r.triggerToMode[trigger]; !isTrigger {
		if def, isMode := r.defaultTrigger[trigger]; isMode {
			trigger = def
		}
	}
	if _, rt, err := r.RuntimeForTrigger(trigger); err == nil {
		return !rt.Steering
	}
	return false
}

// BuildHelpMessage renders the command help for the channel's policy.
func (r *Resolver) BuildHelpMessage(serverTag, channelName string) string {
	channelMode := r.ChannelMode(serverTag, channelName)

	var defaultDesc string
	switch {
	case channelMode == "classifier":
		defaultDesc = fmt.Sprintf("automatic mode (%s decides)", r.cfg.ModeClassifier.Model)
	case strings.HasPrefix(channelMode, "classifier:"):
		defaultDesc = fmt.Sprintf("automatic mode constrained to %s", strings.SplitN(channelMode, ":", 2)[1])
	default:
		if modeKey, ok := r.triggerToMode[channelMode]; ok {
			defaultDesc = fmt.Sprintf("forced trigger %s (%s)", channelMode, modeKey)
		} else {
			defaultDesc = fmt.Sprintf("%s mode", channelMode)
		}
	}

	modeKeys := make([]string, 0, len(r.cfg.Modes))
	for key := range r.cfg.Modes {
		modeKeys = append(modeKeys, key)
	}
	sort.Strings(modeKeys)

	var modeParts []string
	for _, key := range modeKeys {
		mode := r.cfg.Modes[key]
		tokens := make([]string, 0, len(mode.Triggers))
		for _, trig := range mode.Triggers {
			tokens = append(tokens, trig.Token)
		}
		modeParts = append(modeParts, fmt.Sprintf("%s = %s (%s)",
			strings.Join(tokens, "/"), key, r.modelName(mode.Model)))
	}

	return fmt.Sprintf("default is %s; modes: %s; use @modelid to override model; !c disables context",
		defaultDesc, strings.Join(modeParts, ", "))
}

// Resolve turns a message plus channel policy into the runtime plan.
func (r *Resolver) Resolve(ctx context.Context, msg *RoomMessage, history []providers.Message, defaultSize int) *ResolvedCommand {
	parsed := r.ParsePrefix(msg.Content)
	resolved := &ResolvedCommand{
		NoContext:     parsed.NoContext,
		QueryText:     parsed.QueryText,
		ModelOverride: parsed.ModelOverride,
	}
	if parsed.Err != "" {
		resolved.Err = parsed.Err
		return resolved
	}
	if parsed.ModeToken == HelpToken {
		resolved.HelpRequested = true
		return resolved
	}

	if parsed.ModeToken != "" {
		modeKey, rt, err := r.RuntimeForTrigger(parsed.ModeToken)
		if err != nil {
			resolved.Err = err.Error()
			return resolved
		}
		resolved.SelectedTrigger = parsed.ModeToken
		resolved.SelectedLabel = parsed.ModeToken
		resolved.ModeKey = modeKey
		resolved.Runtime = rt
		return resolved
	}

	channelMode := r.ChannelMode(msg.ServerTag, msg.ChannelName)
	resolved.ChannelMode = channelMode
	resolved.SelectedAutomatically = true

	var trigger string
	switch {
	case channelMode == "classifier":
		resolved.SelectedLabel = r.classifyOrFallback(ctx, history)
		trigger = r.TriggerForLabel(resolved.SelectedLabel)

	case strings.HasPrefix(channelMode, "classifier:"):
		constrained := strings.SplitN(channelMode, ":", 2)[1]
		if _, ok := r.cfg.Modes[constrained]; !ok {
			resolved.Err = fmt.Sprintf("Unknown channel mode policy '%s': mode '%s' missing", channelMode, constrained)
			return resolved
		}
		window := history
		if defaultSize > 0 && len(window) > defaultSize {
			window = window[len(window)-defaultSize:]
		}
		resolved.SelectedLabel = r.classifyOrFallback(ctx, window)
		trigger = r.TriggerForLabel(resolved.SelectedLabel)
		if modeKey := r.triggerToMode[trigger]; modeKey != constrained {
			trigger = r.defaultTrigger[constrained]
			resolved.SelectedLabel = trigger
		}

	default:
		if _, ok := r.triggerToMode[channelMode]; ok {
			trigger = channelMode
		} else if def, ok := r.defaultTrigger[channelMode]; ok {
			trigger = def
		} else {
			resolved.Err = fmt.Sprintf("Unknown channel mode policy '%s'", channelMode)
			return resolved
		}
		resolved.SelectedLabel = trigger
	}

	modeKey, rt, err := r.RuntimeForTrigger(trigger)
	if err != nil {
		resolved.Err = err.Error()
		return resolved
	}
	resolved.SelectedTrigger = trigger
	resolved.ModeKey = modeKey
	resolved.Runtime = rt
	return resolved
}

func (r *Resolver) classifyOrFallback(ctx context.Context, history []providers.Message) string {
	if r.classify == nil {
		return r.fallbackLabel
	}
	return r.classify(ctx, history)
}
