package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFlexibleStringSlice(t *testing.T) {
	data := `{"channels":{"channel-talk":{"allowedGroups":["g1", 42]}}}`
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := loaded.Channels.ChannelTalk.AllowedGroups
	if len(got) != 2 || got[0] != "g1" || got[1] != "42" {
		t.Errorf("AllowedGroups = %v, want [g1 42]", got)
	}
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ct := cfg.Channels.ChannelTalk
	if ct.Webhook.Port != 3979 || ct.Webhook.Path != "/api/channel-talk" {
		t.Errorf("webhook = %+v", ct.Webhook)
	}
	if ct.GroupPolicy != "open" || ct.MentionOnly || !ct.IsEnabled() {
		t.Errorf("gating defaults = %+v", ct)
	}
	if ct.TextChunkLimit != 4000 || ct.AccountID != "default" {
		t.Errorf("limit/account = %d/%q", ct.TextChunkLimit, ct.AccountID)
	}
}

func TestLoadJSON5AndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
  // comments and trailing commas are fine
  channels: {
    "channel-talk": {
      accessKey: "file-key",
      botName: "클로",
      webhook: { port: 8080 },
      mentionOnly: true,
    },
  },
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHANNELTALK_ACCESS_KEY", "env-key")
	t.Setenv("CHANNELTALK_ACCESS_SECRET", "env-secret")
	t.Setenv("CHANNELTALK_ALLOWED_GROUPS", "a, b,,c")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ct := cfg.Channels.ChannelTalk
	if ct.AccessKey != "env-key" || ct.AccessSecret != "env-secret" {
		t.Errorf("env did not override credentials: %q/%q", ct.AccessKey, ct.AccessSecret)
	}
	if ct.Webhook.Port != 8080 || ct.Webhook.Path != DefaultWebhookPath {
		t.Errorf("webhook = %+v", ct.Webhook)
	}
	if ct.BotName != "클로" || !ct.MentionOnly {
		t.Errorf("botName/mentionOnly = %q/%v", ct.BotName, ct.MentionOnly)
	}
	if strings.Join(ct.AllowedGroups, "|") != "a|b|c" {
		t.Errorf("AllowedGroups = %v", ct.AllowedGroups)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	disabled := false
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		is      error
	}{
		{"missing credentials", func(c *Config) {}, true, ErrMissingCredentials},
		{"disabled skips checks", func(c *Config) { c.Channels.ChannelTalk.Enabled = &disabled }, false, nil},
		{"ok", func(c *Config) { setCreds(c) }, false, nil},
		{"bad policy", func(c *Config) { setCreds(c); c.Channels.ChannelTalk.GroupPolicy = "allowlist" }, true, nil},
		{"bad path", func(c *Config) { setCreds(c); c.Channels.ChannelTalk.Webhook.Path = "hook" }, true, nil},
		{"bad port", func(c *Config) { setCreds(c); c.Channels.ChannelTalk.Webhook.Port = 70000 }, true, nil},
		{"sqlite without dsn", func(c *Config) { setCreds(c); c.Session.Driver = "sqlite" }, true, nil},
		{"unknown driver", func(c *Config) { setCreds(c); c.Session.Driver = "redis" }, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error %v is not %v", err, tt.is)
			}
		})
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	setCreds(cfg)
	cfg.Session.DSN = "postgres://u:p@h/db"

	masked := cfg.MaskedCopy()
	if masked.Channels.ChannelTalk.AccessSecret != "***" || masked.Session.DSN != "***" {
		t.Errorf("secrets not masked: %+v", masked.Channels.ChannelTalk)
	}
	if cfg.Channels.ChannelTalk.AccessSecret != "secret" {
		t.Error("MaskedCopy modified the original")
	}
}

func TestSaveStripsSecrets(t *testing.T) {
	cfg := Default()
	setCreds(cfg)
	cfg.Gateway.Token = "tok"
	path := filepath.Join(t.TempDir(), "out", "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"secret"`) || strings.Contains(string(data), `"tok"`) {
		t.Errorf("saved config leaks secrets: %s", data)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load saved: %v", err)
	}
	if reloaded.Channels.ChannelTalk.AccessKey != "key" {
		t.Errorf("access key = %q", reloaded.Channels.ChannelTalk.AccessKey)
	}
}

func TestResolveDefaultAgentID(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolveDefaultAgentID(); got != "default" {
		t.Errorf("got %q", got)
	}
	cfg.Agents.Defaults.ID = "ops"
	if got := cfg.ResolveDefaultAgentID(); got != "ops" {
		t.Errorf("got %q", got)
	}
	cfg.Agents.List = map[string]AgentSpec{"support": {Default: true}}
	if got := cfg.ResolveDefaultAgentID(); got != "support" {
		t.Errorf("got %q", got)
	}
}

func setCreds(c *Config) {
	c.Channels.ChannelTalk.AccessKey = "key"
	c.Channels.ChannelTalk.AccessSecret = "secret"
}
