package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const baseConfig = `{
	// comments are fine, this is JSON5
	providers: {
		openai: {key: "sk-test"},
		anthropic: {key: "sk-ant"},
	},
	router: {refusal_fallback_model: "anthropic:claude-opus-4"},
	tools: {
		jina: {api_key: "jina-key"},
		artifacts: {path: "/tmp/artifacts", url: "http://art.local"},
	},
	rooms: {
		common: {
			prompt_vars: {persona: "You are a helpful bot"},
			command: {
				history_size: 10,
				ignore_users: ["spammer"],
				modes: {
					serious: {
						model: "openai:gpt-4o-mini",
						prompt: "Be serious, {persona}.",
						triggers: [{token: "!s"}],
					},
				},
				mode_classifier: {
					model: "openai:gpt-5-nano",
					prompt: "Classify: {message}",
					labels: [{label: "SERIOUS", trigger: "!s"}],
				},
			},
		},
		irc: {
			prompt_vars: {persona: " who loves IRC"},
			command: {
				ignore_users: ["flooder"],
				response_max_bytes: 400,
			},
		},
	},
}`

func TestLoadAndMergeRoom(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Providers["openai"].Key != "sk-test" {
		t.Errorf("openai key = %q", cfg.Providers["openai"].Key)
	}
	if cfg.Router.RefusalFallbackModel != "anthropic:claude-opus-4" {
		t.Errorf("router = %+v", cfg.Router)
	}
	if cfg.Tools.Artifacts.Path != "/tmp/artifacts" {
		t.Errorf("tools = %+v", cfg.Tools)
	}

	room, err := cfg.RoomConfig("irc")
	if err != nil {
		t.Fatal(err)
	}
	if room.Command.HistorySize != 10 {
		t.Errorf("history_size = %d, want inherited 10", room.Command.HistorySize)
	}
	if room.Command.ResponseMaxBytes != 400 {
		t.Errorf("response_max_bytes = %d", room.Command.ResponseMaxBytes)
	}
	// ignore_users concatenates common + room.
	if got := strings.Join(room.Command.IgnoreUsers, ","); got != "spammer,flooder" {
		t.Errorf("ignore_users = %q", got)
	}
	// prompt_vars string values concatenate per key.
	if got := room.PromptVars["persona"]; got != "You are a helpful bot who loves IRC" {
		t.Errorf("persona = %q", got)
	}
	if len(room.Command.Modes["serious"].Triggers) != 1 || room.Command.Modes["serious"].Triggers[0].Token != "!s" {
		t.Errorf("modes = %+v", room.Command.Modes)
	}
}

func TestLoadRejectsLegacyCredentials(t *testing.T) {
	path := writeConfig(t, `{providers: {openai: {key: "k", oauth: {client: "x"}}}}`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "set providers.openai.key to a static API key") {
		t.Errorf("err = %v, want operator guidance", err)
	}
}

func TestLoadRejectsMissingKey(t *testing.T) {
	_, err := Load(writeConfig(t, `{providers: {openai: {}}}`))
	if err == nil || !strings.Contains(err.Error(), "providers.openai.key is missing") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadRejectsUnqualifiedModelSpec(t *testing.T) {
	_, err := Load(writeConfig(t, `{router: {refusal_fallback_model: "gpt-4o-mini"}}`))
	if err == nil || !strings.Contains(err.Error(), "provider:model") {
		t.Errorf("err = %v", err)
	}
}

func TestDeferredGates(t *testing.T) {
	// Present but disabled: loads with a warning.
	if _, err := Load(writeConfig(t, `{chronicler: {interval: 100}}`)); err != nil {
		t.Errorf("disabled gate should load: %v", err)
	}

	// Explicitly enabled: fail fast.
	_, err := Load(writeConfig(t, `{quests: {enabled: true}}`))
	if err == nil || !strings.Contains(err.Error(), "quests") {
		t.Errorf("err = %v", err)
	}

	_, err = Load(writeConfig(t, `{rooms: {irc: {proactive: {enabled: true}}}}`))
	if err == nil || !strings.Contains(err.Error(), "proactive") {
		t.Errorf("err = %v", err)
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("MUADDIB_OPENAI_API_KEY", "sk-env")
	t.Setenv("MUADDIB_HOME", "/srv/muaddib")

	cfg, err := Load(writeConfig(t, `{providers: {openai: {key: "sk-file"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers["openai"].Key != "sk-env" {
		t.Errorf("key = %q, want env to win", cfg.Providers["openai"].Key)
	}
	if cfg.Home != "/srv/muaddib" {
		t.Errorf("home = %q", cfg.Home)
	}
}

func TestRoomConfigValidatesModes(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{rooms: {irc: {command: {
		history_size: 5,
		modes: {bad: {model: "nocolon", prompt: "p", triggers: [{token: "!b"}]}},
		mode_classifier: {model: "openai:gpt-5-nano", labels: [{label: "B", trigger: "!b"}]},
	}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.RoomConfig("irc"); err == nil {
		t.Error("unqualified mode model should be rejected")
	}
}

func TestRoomConfigUnknownRoom(t *testing.T) {
	cfg := Default()
	if _, err := cfg.RoomConfig("nope"); err == nil {
		t.Error("unknown room should error")
	}
}
