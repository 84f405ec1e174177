package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

const (
	DefaultWebhookPort    = 3979
	DefaultWebhookPath    = "/api/channel-talk"
	DefaultBaseURL        = "https://api.channel.io"
	DefaultTextChunkLimit = 4000
	DefaultAccountID      = "default"
)

// ErrMissingCredentials is returned by Validate when the Channel Talk
// channel is enabled without an access key/secret pair.
var ErrMissingCredentials = errors.New("channel-talk credentials (accessKey, accessSecret) not configured")

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			ChannelTalk: ChannelTalkConfig{
				BaseURL: DefaultBaseURL,
				Webhook: WebhookConfig{
					Port: DefaultWebhookPort,
					Path: DefaultWebhookPath,
				},
				GroupPolicy:    "open",
				TextChunkLimit: DefaultTextChunkLimit,
				SendRatePerSec: 5,
				AccountID:      DefaultAccountID,
			},
		},
		Session: SessionConfig{
			Store:  "~/.goclaw-channeltalk/agents/{agentId}/sessions.json",
			Driver: "file",
		},
		Gateway: GatewayConfig{
			URL: "ws://127.0.0.1:18790/ws",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	ct := &c.Channels.ChannelTalk
	envStr("CHANNELTALK_ACCESS_KEY", &ct.AccessKey)
	envStr("CHANNELTALK_ACCESS_SECRET", &ct.AccessSecret)
	envStr("CHANNELTALK_BOT_NAME", &ct.BotName)
	envStr("CHANNELTALK_BASE_URL", &ct.BaseURL)
	envStr("CHANNELTALK_WEBHOOK_PATH", &ct.Webhook.Path)
	if v := os.Getenv("CHANNELTALK_WEBHOOK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			ct.Webhook.Port = port
		}
	}
	if v := os.Getenv("CHANNELTALK_ALLOWED_GROUPS"); v != "" {
		ct.AllowedGroups = splitCSV(v)
	}
	envBool("CHANNELTALK_MENTION_ONLY", &ct.MentionOnly)

	// Agent gateway
	envStr("CHANNELTALK_GATEWAY_URL", &c.Gateway.URL)
	envStr("CHANNELTALK_GATEWAY_TOKEN", &c.Gateway.Token)

	// Sessions
	envStr("CHANNELTALK_SESSION_STORE", &c.Session.Store)
	envStr("CHANNELTALK_SESSION_DRIVER", &c.Session.Driver)
	envStr("CHANNELTALK_SESSION_DSN", &c.Session.DSN)

	// Telemetry
	envStr("CHANNELTALK_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHANNELTALK_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHANNELTALK_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CHANNELTALK_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CHANNELTALK_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// applyDefaults fills zero values that a partial config file may leave behind.
func (c *Config) applyDefaults() {
	ct := &c.Channels.ChannelTalk
	if ct.Webhook.Port <= 0 {
		ct.Webhook.Port = DefaultWebhookPort
	}
	if ct.Webhook.Path == "" {
		ct.Webhook.Path = DefaultWebhookPath
	}
	if ct.BaseURL == "" {
		ct.BaseURL = DefaultBaseURL
	}
	if ct.GroupPolicy == "" {
		ct.GroupPolicy = "open"
	}
	if ct.TextChunkLimit <= 0 {
		ct.TextChunkLimit = DefaultTextChunkLimit
	}
	if ct.AccountID == "" {
		ct.AccountID = DefaultAccountID
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "file"
	}
}

// Validate checks the settings that must hold before any listener binds.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ct := c.Channels.ChannelTalk
	if !ct.IsEnabled() {
		return nil
	}
	if ct.AccessKey == "" || ct.AccessSecret == "" {
		return ErrMissingCredentials
	}
	switch ct.GroupPolicy {
	case "", "open", "closed":
	default:
		return fmt.Errorf("channel-talk groupPolicy %q: must be \"open\" or \"closed\"", ct.GroupPolicy)
	}
	if !strings.HasPrefix(ct.Webhook.Path, "/") {
		return fmt.Errorf("channel-talk webhook.path %q: must start with \"/\"", ct.Webhook.Path)
	}
	if ct.Webhook.Port <= 0 || ct.Webhook.Port > 65535 {
		return fmt.Errorf("channel-talk webhook.port %d: out of range", ct.Webhook.Port)
	}
	switch c.Session.Driver {
	case "", "file":
	case "sqlite", "postgres":
		if c.Session.DSN == "" {
			return fmt.Errorf("session driver %q requires CHANNELTALK_SESSION_DSN", c.Session.Driver)
		}
	default:
		return fmt.Errorf("unknown session driver %q", c.Session.Driver)
	}
	return nil
}

// Save writes the config to a JSON file. Secrets are stripped; they belong in env.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	cp := cfg.copyLocked()
	cp.Channels.ChannelTalk.AccessSecret = ""
	cp.Gateway.Token = ""

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by the doctor command when printing the effective config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := c.copyLocked()
	maskNonEmpty(&cp.Channels.ChannelTalk.AccessKey)
	maskNonEmpty(&cp.Channels.ChannelTalk.AccessSecret)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Session.DSN)
	return cp
}

// copyLocked deep-copies via a JSON round-trip. Caller holds c.mu.
func (c *Config) copyLocked() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	// json:"-" fields do not survive the round-trip.
	cp.Session.DSN = c.Session.DSN
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
