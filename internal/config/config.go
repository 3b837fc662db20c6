// Package config loads and validates the muaddib configuration file.
// The file is JSON5; room configs are deep-merged from rooms.common
// plus per-room overrides before being decoded into typed structs.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"

	"github.com/pasky/muaddib/internal/providers"
	"github.com/pasky/muaddib/internal/rooms"
)

// ToolsConfig configures the tool executors.
type ToolsConfig struct {
	Summary struct {
		Model string `json:"model"`
	} `json:"summary"`
	Oracle struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	} `json:"oracle"`
	Jina struct {
		APIKey string `json:"api_key"`
	} `json:"jina"`
	Artifacts struct {
		Path string `json:"path"`
		URL  string `json:"url"`
	} `json:"artifacts"`
	ImageGen struct {
		Model string `json:"model"`
	} `json:"image_gen"`
	Sprites struct {
		Token string `json:"token"`
		Arc   string `json:"arc"`
	} `json:"sprites"`
}

// RouterConfig configures model routing fallbacks.
type RouterConfig struct {
	RefusalFallbackModel string `json:"refusal_fallback_model"`
}

// ContextReducerConfig configures automatic context reduction.
type ContextReducerConfig struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// Config is the root configuration.
type Config struct {
	Home           string                           `json:"home"`
	Verbose        bool                             `json:"verbose"`
	Providers      map[string]providers.Credentials `json:"providers"`
	Router         RouterConfig                     `json:"router"`
	Tools          ToolsConfig                      `json:"tools"`
	ContextReducer ContextReducerConfig             `json:"context_reducer"`

	// rooms stays generic until merge time; see RoomConfig.
	rooms map[string]interface{}
	// raw keeps the whole parsed file for gate inspection.
	raw map[string]interface{}
}

// Default returns a configuration with sensible paths and no rooms.
func Default() *Config {
	home := ".muaddib"
	if dir, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(dir, ".muaddib")
	}
	return &Config{
		Home:      home,
		Providers: map[string]providers.Credentials{},
		rooms:     map[string]interface{}{},
		raw:       map[string]interface{}{},
	}
}

// Load reads, overlays and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var raw map[string]interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := Default()
	if err := decodeSection(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.raw = raw
	if roomsRaw, ok := raw["rooms"].(map[string]interface{}); ok {
		cfg.rooms = roomsRaw
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overlays the recognised MUADDIB_* environment variables:
// MUADDIB_HOME, MUADDIB_JINA_API_KEY and MUADDIB_<PROVIDER>_API_KEY.
func (c *Config) applyEnv() {
	if home := os.Getenv("MUADDIB_HOME"); home != "" {
		c.Home = home
	}
	if key := os.Getenv("MUADDIB_JINA_API_KEY"); key != "" {
		c.Tools.Jina.APIKey = key
	}
	for _, name := range []string{"anthropic", "openai"} {
		env := "MUADDIB_" + strings.ToUpper(name) + "_API_KEY"
		if key := os.Getenv(env); key != "" {
			cred := c.Providers[name]
			cred.Key = key
			c.Providers[name] = cred
		}
	}
}

// legacyCredentialFields are provider auth schemes this build does not
// implement; their presence gets an operator-facing explanation rather
// than a silent ignore.
var legacyCredentialFields = []string{"oauth", "refresh_token", "session", "session_key"}

func (c *Config) validate() error {
	rawProviders, _ := c.raw["providers"].(map[string]interface{})
	for name, section := range rawProviders {
		fields, _ := section.(map[string]interface{})
		for _, legacy := range legacyCredentialFields {
			if _, present := fields[legacy]; present {
				return fmt.Errorf(
					"providers.%s.%s is not supported; set providers.%s.key to a static API key",
					name, legacy, name)
			}
		}
		if cred := c.Providers[name]; cred.Key == "" {
			return fmt.Errorf("providers.%s.key is missing", name)
		}
	}

	if spec := c.Router.RefusalFallbackModel; spec != "" {
		if _, err := providers.ParseModelSpec(spec); err != nil {
			return fmt.Errorf("router.refusal_fallback_model: %w", err)
		}
	}
	for key, spec := range map[string]string{
		"tools.summary.model":   c.Tools.Summary.Model,
		"tools.oracle.model":    c.Tools.Oracle.Model,
		"tools.image_gen.model": c.Tools.ImageGen.Model,
		"context_reducer.model": c.ContextReducer.Model,
	} {
		if spec == "" {
			continue
		}
		if _, err := providers.ParseModelSpec(spec); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return c.checkDeferredGates()
}

// checkDeferredGates warns about configured-but-unavailable features and
// fails fast when one is explicitly enabled.
func (c *Config) checkDeferredGates() error {
	for _, gate := range []string{"chronicler", "quests"} {
		section, present := c.raw[gate].(map[string]interface{})
		if !present {
			continue
		}
		if enabled, _ := section["enabled"].(bool); enabled {
			return fmt.Errorf("%s.enabled: %s support is not available in this build", gate, gate)
		}
		slog.Warn("ignoring configuration for unavailable feature", "section", gate)
	}

	for name, section := range c.rooms {
		room, _ := section.(map[string]interface{})
		proactive, present := room["proactive"].(map[string]interface{})
		if !present {
			continue
		}
		if enabled, _ := proactive["enabled"].(bool); enabled {
			return fmt.Errorf("rooms.%s.proactive.enabled: proactive interjection is not available in this build", name)
		}
		slog.Warn("ignoring configuration for unavailable feature", "section", "rooms."+name+".proactive")
	}
	return nil
}

// RoomNames lists the configured rooms, excluding the common template.
func (c *Config) RoomNames() []string {
	names := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		if name == "common" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// RoomConfig merges rooms.common under the named room and decodes the
// result. ignore_users lists concatenate and prompt_vars string values
// for the same key concatenate; everything else overrides.
func (c *Config) RoomConfig(name string) (*rooms.RoomConfig, error) {
	room, ok := c.rooms[name].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("config: room %q is not defined", name)
	}
	common, _ := c.rooms["common"].(map[string]interface{})

	merged := deepMergeRoom(common, room)
	delete(merged, "proactive") // deferred feature, validated separately

	var rc rooms.RoomConfig
	if err := decodeSection(merged, &rc); err != nil {
		return nil, fmt.Errorf("config: room %q: %w", name, err)
	}

	for modeKey, mode := range rc.Command.Modes {
		if mode.Model == "" {
			return nil, fmt.Errorf("config: room %q: mode %q has no model", name, modeKey)
		}
		if _, err := providers.ParseModelSpec(mode.Model); err != nil {
			return nil, fmt.Errorf("config: room %q: mode %q: %w", name, modeKey, err)
		}
	}
	if m := rc.Command.ModeClassifier.Model; m != "" {
		if _, err := providers.ParseModelSpec(m); err != nil {
			return nil, fmt.Errorf("config: room %q: mode_classifier: %w", name, err)
		}
	}
	return &rc, nil
}

// deepMergeRoom merges override into base recursively. ignore_users
// lists concatenate; prompt_vars string values concatenate per key.
func deepMergeRoom(base, override map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base)+len(override))
	for key, value := range base {
		result[key] = cloneValue(value)
	}

	for key, value := range override {
		switch {
		case key == "ignore_users":
			if list, ok := value.([]interface{}); ok {
				baseList, _ := result[key].([]interface{})
				result[key] = append(append([]interface{}{}, baseList...), list...)
				continue
			}
		case key == "prompt_vars":
			if vars, ok := value.(map[string]interface{}); ok {
				baseVars, _ := result[key].(map[string]interface{})
				mergedVars := make(map[string]interface{}, len(baseVars)+len(vars))
				for k, v := range baseVars {
					mergedVars[k] = v
				}
				for k, v := range vars {
					if existing, ok := mergedVars[k].(string); ok {
						if s, ok := v.(string); ok {
							mergedVars[k] = existing + s
							continue
						}
					}
					mergedVars[k] = v
				}
				result[key] = mergedVars
				continue
			}
		}
		if sub, ok := value.(map[string]interface{}); ok {
			if baseSub, ok := result[key].(map[string]interface{}); ok {
				result[key] = deepMergeRoom(baseSub, sub)
				continue
			}
		}
		result[key] = cloneValue(value)
	}
	return result
}

func cloneValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, val := range typed {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, val := range typed {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// decodeSection round-trips a generic value through JSON into a typed
// destination, so merge results and the root config share tag handling.
func decodeSection(raw, dst interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
