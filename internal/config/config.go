package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// DefaultAgentID is the agent used when no binding or list entry marks another one.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Channel Talk bridge.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	Channels  ChannelsConfig  `json:"channels"`
	Session   SessionConfig   `json:"session"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "channel-talk"
	AccountID string       `json:"accountId,omitempty"` // bot account ID
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	ID string `json:"id,omitempty"` // fallback agent ID (default "default")

	// Envelope formatting for inbound messages handed to the agent.
	EnvelopeTimezone  string `json:"envelopeTimezone,omitempty"`  // "local" (default), "utc", or IANA zone
	EnvelopeTimestamp *bool  `json:"envelopeTimestamp,omitempty"` // include absolute timestamp (default true)
	EnvelopeElapsed   *bool  `json:"envelopeElapsed,omitempty"`   // include "+5m" since previous message (default true)
}

// AgentSpec is a per-agent override.
type AgentSpec struct {
	Default     bool   `json:"default,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	ChannelTalk ChannelTalkConfig `json:"channel-talk"`
}

// ChannelTalkConfig configures the Channel Talk team-chat webhook channel.
type ChannelTalkConfig struct {
	Enabled         *bool               `json:"enabled,omitempty"` // default true
	AccessKey       string              `json:"accessKey"`
	AccessSecret    string              `json:"accessSecret"`
	BaseURL         string              `json:"baseUrl,omitempty"` // default https://api.channel.io
	Webhook         WebhookConfig       `json:"webhook"`
	BotName         string              `json:"botName,omitempty"`
	GroupPolicy     string              `json:"groupPolicy,omitempty"`     // "open" (default), "closed"
	AllowedGroups   FlexibleStringSlice `json:"allowedGroups,omitempty"`   // empty = all groups (subject to groupPolicy)
	MentionOnly     bool                `json:"mentionOnly,omitempty"`     // only respond when the bot is mentioned
	TextChunkLimit  int                 `json:"textChunkLimit,omitempty"`  // default 4000
	SendRatePerSec  float64             `json:"sendRatePerSec,omitempty"`  // per-group outbound throttle (default 5, <0 disables)
	SerializeGroups bool                `json:"serializeGroups,omitempty"` // process one event per group at a time
	AccountID       string              `json:"accountId,omitempty"`       // default "default"
}

// IsEnabled reports whether the channel is enabled (default true).
func (c ChannelTalkConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// WebhookConfig controls the inbound webhook listener.
type WebhookConfig struct {
	Port int    `json:"port,omitempty"` // default 3979
	Path string `json:"path,omitempty"` // default "/api/channel-talk"
}

// SessionConfig configures where session metadata is recorded.
type SessionConfig struct {
	// Store is a path template; "{agentId}" is replaced with the routed agent.
	// For the sqlite/postgres drivers it partitions rows instead of naming a file.
	Store  string `json:"store,omitempty"`
	Driver string `json:"driver,omitempty"` // "file" (default), "sqlite", "postgres"
	DSN    string `json:"-"`                // sqlite path or postgres DSN; env CHANNELTALK_SESSION_DSN only
}

// GatewayConfig points at the GoClaw gateway that runs the agents.
type GatewayConfig struct {
	URL        string `json:"url"`                   // ws://host:port/ws
	Token      string `json:"token,omitempty"`       // bearer token for the connect RPC
	TimeoutSec int    `json:"timeout_sec,omitempty"` // per-dispatch timeout (0 = none)
}

// TelemetryConfig configures OpenTelemetry OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS
	ServiceName string            `json:"service_name,omitempty"` // default "goclaw-channeltalk"
	Headers     map[string]string `json:"headers,omitempty"`
}

// ChannelTalk returns a snapshot of the Channel Talk section.
func (c *Config) ChannelTalk() ChannelTalkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels.ChannelTalk
}

// ReplaceChannelTalk swaps the Channel Talk section (used by hot reload).
func (c *Config) ReplaceChannelTalk(ct ChannelTalkConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels.ChannelTalk = ct
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// then agents.defaults.id, then "default".
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return NormalizeAgentID(id)
		}
	}
	return NormalizeAgentID(c.Agents.Defaults.ID)
}

// NormalizeAgentID lower-cases and trims an agent ID; empty becomes "default".
func NormalizeAgentID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return DefaultAgentID
	}
	return id
}

// ResolveDisplayName returns the display name for an agent.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "GoClaw"
}

// BindingsSnapshot returns a copy of the bindings list.
func (c *Config) BindingsSnapshot() []AgentBinding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentBinding, len(c.Bindings))
	copy(out, c.Bindings)
	return out
}
