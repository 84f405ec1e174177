// Package channels provides the channel abstraction layer between chat
// platforms and the agent gateway.
//
// A channel owns its inbound transport (the Channel Talk webhook listener)
// and its outbound adapter; the Manager drives lifecycle, routes outbound
// bus messages and keeps the last reported status of every channel.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":    true,
	"system": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen   GroupPolicy = "open"   // Accept all groups (subject to allowlist)
	GroupPolicyClosed GroupPolicy = "closed" // No group messages
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "channel-talk").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a chat target is permitted by the channel's allowlist.
	IsAllowed(chatID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	running   atomic.Bool
	allowList atomic.Pointer[[]string]
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, allowList []string) *BaseChannel {
	c := &BaseChannel{name: name}
	c.SetAllowList(allowList)
	return c
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// SetAllowList replaces the allowlist (used by config hot reload).
func (c *BaseChannel) SetAllowList(list []string) {
	cp := make([]string, len(list))
	copy(cp, list)
	c.allowList.Store(&cp)
}

// AllowList returns the current allowlist.
func (c *BaseChannel) AllowList() []string {
	if p := c.allowList.Load(); p != nil {
		return *p
	}
	return nil
}

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.AllowList()) > 0 }

// IsAllowed checks if a chat ID is permitted by the allowlist.
// Empty allowlist means everything is allowed. Matching is exact.
func (c *BaseChannel) IsAllowed(chatID string) bool {
	list := c.AllowList()
	if len(list) == 0 {
		return true
	}
	for _, allowed := range list {
		if chatID == allowed {
			return true
		}
	}
	return false
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
