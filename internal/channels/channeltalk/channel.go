// Package channeltalk implements the Channel Talk team-chat channel.
//
// Inbound: Channel Talk posts webhooks to a local HTTP listener. Every POST
// is acknowledged immediately; the payload is then normalized, de-duplicated,
// gated and handed to the agent through the Bridge.
//
// Outbound: replies go through the Open API group messages endpoint, split
// into chunks no longer than the configured text limit.
package channeltalk

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/agent"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/bus"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/reply"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/routing"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
)

// sendBurst lets a short multi-chunk reply go out without waiting.
const sendBurst = 3

// Deps are the collaborators a Channel needs.
type Deps struct {
	Router   routing.Resolver
	Sessions sessions.Store
	Events   SystemEventSink
	Agent    agent.Dispatcher
	Status   channels.StatusReporter
	// Sender overrides the Open API client.
	Sender      Sender
	Typing      TypingFunc
	Logger      *slog.Logger
	Now         func() time.Time
	OnProcessed func(Outcome)
}

// Channel connects to Channel Talk through a webhook listener and the Open API.
type Channel struct {
	*channels.BaseChannel
	cfg     *config.Config
	sender  Sender
	limiter *channels.SendLimiter
	bridge  *Bridge
	server  *WebhookServer
	logger  *slog.Logger
}

// New creates a Channel Talk channel from config. Missing credentials are an
// error unless deps.Sender is supplied.
func New(cfg *config.Config, deps Deps) (*Channel, error) {
	ct := cfg.ChannelTalk()

	sender := deps.Sender
	if sender == nil {
		if ct.AccessKey == "" || ct.AccessSecret == "" {
			return nil, ErrMissingCredentials
		}
		sender = NewClient(ct.AccessKey, ct.AccessSecret, ct.BaseURL)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	status := deps.Status
	if status == nil {
		status = channels.NopStatus
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, ct.AllowedGroups),
		cfg:         cfg,
		sender:      sender,
		limiter:     channels.NewSendLimiter(ct.SendRatePerSec, sendBurst),
		logger:      logger,
	}

	bridge, err := NewBridge(BridgeOptions{
		Config:   cfg,
		Router:   deps.Router,
		Sessions: deps.Sessions,
		Events:   deps.Events,
		Agent:    deps.Agent,
		Sender:   sender,
		Limiter:  c.limiter,
		Status:   status,
		Typing:   deps.Typing,
		Logger:   logger,
		Now:      deps.Now,
	})
	if err != nil {
		return nil, err
	}
	c.bridge = bridge

	server, err := NewWebhookServer(WebhookOptions{
		Port:        ct.Webhook.Port,
		Path:        ct.Webhook.Path,
		AccountID:   ct.AccountID,
		Dispatcher:  bridge,
		Policy:      c.Policy,
		Status:      status,
		Logger:      logger,
		Now:         deps.Now,
		OnProcessed: deps.OnProcessed,
	})
	if err != nil {
		return nil, err
	}
	c.server = server
	return c, nil
}

// Start binds the webhook listener.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.server.Start(ctx); err != nil {
		return err
	}
	c.SetRunning(true)
	return nil
}

// Stop closes the webhook listener.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.server.Shutdown(ctx)
}

// Send delivers an outbound message to a group, chunked to the text limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	botName := msg.Metadata["bot_name"]
	if botName == "" {
		botName = c.cfg.ChannelTalk().BotName
	}

	limit := reply.ResolveTextChunkLimit(c.cfg, ChannelName)
	chunks := reply.ChunkMarkdownText(msg.Content, limit)
	for i, chunk := range chunks {
		if err := c.limiter.Wait(ctx, msg.ChatID); err != nil {
			return err
		}
		if _, err := c.sender.SendMessage(ctx, GroupMessage{
			GroupID:   msg.ChatID,
			PlainText: chunk,
			BotName:   botName,
		}); err != nil {
			return fmt.Errorf("channel_talk send chunk %d/%d to %s: %w", i+1, len(chunks), msg.ChatID, err)
		}
	}
	return nil
}

// Policy returns the current gating settings. The allowlist comes from the
// channel so hot reloads apply to gating and IsAllowed alike.
func (c *Channel) Policy() Policy {
	ct := c.cfg.ChannelTalk()
	return Policy{
		GroupPolicy:   ct.GroupPolicy,
		AllowedGroups: c.AllowList(),
		MentionOnly:   ct.MentionOnly,
		BotName:       ct.BotName,
	}
}

// ApplyConfig takes a reloaded Channel Talk section. Only gating settings
// apply live.
func (c *Channel) ApplyConfig(ct config.ChannelTalkConfig) {
	c.SetAllowList(ct.AllowedGroups)
	c.logger.Info("channel_talk gating updated",
		"allowed_groups", len(ct.AllowedGroups),
		"mention_only", ct.MentionOnly,
		"group_policy", ct.GroupPolicy,
	)
}

// Drain waits for dispatches still running after Stop, bounded by ctx.
func (c *Channel) Drain(ctx context.Context) error { return c.server.Drain(ctx) }

// Addr is the webhook listener address, nil when not listening.
func (c *Channel) Addr() net.Addr { return c.server.Addr() }

// Server exposes the webhook server (state, drain).
func (c *Channel) Server() *WebhookServer { return c.server }
