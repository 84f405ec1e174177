package channeltalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/agent"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/bus"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels/typing"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/reply"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/routing"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/tracing"
)

const (
	// ChannelName is the channel identifier used in routes, sessions and status.
	ChannelName  = "channel-talk"
	channelLabel = "Channel Talk"

	previewMaxRunes = 160

	typingMaxDuration = 2 * time.Minute
	typingKeepalive   = 5 * time.Second
)

// SystemEventSink receives the short notice enqueued for every dispatched message.
type SystemEventSink interface {
	Enqueue(text string, opts bus.SystemEventOptions) bool
}

// TypingFunc shows a typing indicator in a group. Channel Talk has no typing
// API today; the hook exists for relays that do.
type TypingFunc func(ctx context.Context, groupID string) error

// BridgeOptions wires a Bridge to its collaborators. Config, Router,
// Sessions, Agent and Sender are required.
type BridgeOptions struct {
	Config   *config.Config
	Router   routing.Resolver
	Sessions sessions.Store
	Events   SystemEventSink // optional
	Agent    agent.Dispatcher
	Sender   Sender
	Limiter  *channels.SendLimiter   // nil means unlimited
	Status   channels.StatusReporter // defaults to channels.NopStatus
	Typing   TypingFunc              // optional
	Logger   *slog.Logger            // defaults to slog.Default()
	Now      func() time.Time        // defaults to time.Now
	Tracer   trace.Tracer            // defaults to tracing.Tracer()
}

// Bridge turns an accepted event into an agent turn and sends the replies
// back to the originating group.
type Bridge struct {
	cfg      *config.Config
	router   routing.Resolver
	sessions sessions.Store
	events   SystemEventSink
	agent    agent.Dispatcher
	sender   Sender
	limiter  *channels.SendLimiter
	status   channels.StatusReporter
	typing   TypingFunc
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer

	groups groupLocks
}

// NewBridge validates opts and fills defaults.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("channel_talk bridge: config is required")
	case opts.Router == nil:
		return nil, errors.New("channel_talk bridge: router is required")
	case opts.Sessions == nil:
		return nil, errors.New("channel_talk bridge: session store is required")
	case opts.Agent == nil:
		return nil, errors.New("channel_talk bridge: agent dispatcher is required")
	case opts.Sender == nil:
		return nil, errors.New("channel_talk bridge: sender is required")
	}

	b := &Bridge{
		cfg:      opts.Config,
		router:   opts.Router,
		sessions: opts.Sessions,
		events:   opts.Events,
		agent:    opts.Agent,
		sender:   opts.Sender,
		limiter:  opts.Limiter,
		status:   opts.Status,
		typing:   opts.Typing,
		logger:   opts.Logger,
		now:      opts.Now,
		tracer:   opts.Tracer,
	}
	if b.status == nil {
		b.status = channels.NopStatus
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.tracer == nil {
		b.tracer = tracing.Tracer()
	}
	return b, nil
}

// Dispatch runs one accepted event through routing, session bookkeeping,
// the agent and reply delivery. Failures are logged, recorded in status and
// returned; nothing is retried.
func (b *Bridge) Dispatch(ctx context.Context, ev *Event, d Decision) error {
	ct := b.cfg.ChannelTalk()
	if ct.SerializeGroups {
		unlock := b.groups.lock(ev.GroupID)
		defer unlock()
	}

	ctx, span := b.tracer.Start(ctx, "channel_talk.dispatch", trace.WithAttributes(
		attribute.String("channel_talk.group_id", ev.GroupID),
		attribute.String("channel_talk.message_id", ev.Entity.ID),
		attribute.Bool("channel_talk.was_mentioned", d.WasMentioned),
	))
	defer span.End()

	err := b.dispatch(ctx, ev, d, ct)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Error("channel_talk dispatch failed",
			"group_id", ev.GroupID,
			"message_id", ev.Entity.ID,
			"error", err,
		)
		b.status.RecordError(ChannelName, ct.AccountID, err)
	}
	return err
}

func (b *Bridge) dispatch(ctx context.Context, ev *Event, d Decision, ct config.ChannelTalkConfig) error {
	groupID := ev.GroupID
	messageID := ev.Entity.ID
	text := ev.Entity.PlainText
	senderID := ev.SenderID()
	senderName := ev.SenderName()
	ts := ev.Timestamp(b.now)

	route := b.router.ResolveAgentRoute(routing.RouteInput{
		Channel:   ChannelName,
		AccountID: ct.AccountID,
		Peer:      routing.Peer{Kind: sessions.PeerGroup, ID: groupID},
	})
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("channel_talk.agent_id", route.AgentID),
		attribute.String("channel_talk.matched_by", route.MatchedBy),
	)

	storePath := sessions.ResolveStorePath(b.cfg.Session.Store, route.AgentID)

	envelope := reply.ResolveEnvelopeOptions(b.cfg)
	previous, _, err := b.sessions.ReadUpdatedAt(ctx, storePath, route.SessionKey)
	if err != nil {
		b.logger.Debug("channel_talk read session timestamp failed", "session_key", route.SessionKey, "error", err)
		previous = time.Time{}
	}

	body := reply.FormatAgentEnvelope(reply.EnvelopeParams{
		Channel:           channelLabel,
		From:              senderName,
		Timestamp:         ts,
		PreviousTimestamp: previous,
		Envelope:          envelope,
		Body:              text,
	})

	if b.events != nil {
		b.events.Enqueue(
			fmt.Sprintf("%s message from %s: %s", channelLabel, senderName, preview(text)),
			bus.SystemEventOptions{
				SessionKey: route.SessionKey,
				ContextKey: fmt.Sprintf("%s:message:%s:%s", ChannelName, groupID, messageID),
			},
		)
	}

	inbound := reply.FinalizeInboundContext(reply.InboundContext{
		Body:               body,
		RawBody:            text,
		CommandBody:        text,
		From:               ChannelName + ":" + senderID,
		To:                 "group:" + groupID,
		SessionKey:         route.SessionKey,
		AccountID:          route.AccountID,
		ChatType:           "channel",
		ConversationLabel:  senderName,
		SenderName:         senderName,
		SenderID:           senderID,
		Provider:           ChannelName,
		Surface:            ChannelName,
		OriginatingChannel: ChannelName,
		OriginatingTo:      "group:" + groupID,
		MessageSid:         messageID,
		Timestamp:          ts,
		WasMentioned:       d.WasMentioned,
		CommandAuthorized:  false,
	})

	if err := b.sessions.RecordInbound(ctx, storePath, inbound.SessionRecord()); err != nil {
		b.logger.Debug("channel_talk failed updating session meta", "session_key", route.SessionKey, "error", err)
	}

	limit := reply.ResolveTextChunkLimit(b.cfg, ChannelName)
	dopts := reply.DispatcherOptions{
		Deliver: b.deliverer(groupID, ct.BotName, limit),
		OnError: func(err error, kind reply.Kind) {
			b.logger.Error("channel_talk reply dispatch error", "group_id", groupID, "kind", kind, "error", err)
			b.status.RecordError(ChannelName, ct.AccountID, err)
		},
		Logger: b.logger,
	}
	if b.typing != nil {
		dopts.Typing = &typing.Options{
			MaxDuration:       typingMaxDuration,
			KeepaliveInterval: typingKeepalive,
			StartFn:           func() error { return b.typing(ctx, groupID) },
		}
	}
	dispatcher, replyOpts := reply.NewDispatcherWithTyping(ctx, dopts)

	b.logger.Info("channel_talk dispatching to agent", "session_key", route.SessionKey, "agent_id", route.AgentID)

	res, err := b.agent.Dispatch(ctx, &inbound, dispatcher, replyOpts)
	if err != nil {
		return fmt.Errorf("agent dispatch: %w", err)
	}

	dispatcher.MarkDispatchIdle()
	b.logger.Info("channel_talk dispatch complete",
		"session_key", route.SessionKey,
		"queued_final", res.QueuedFinal,
		"tool", res.Counts.Tool,
		"block", res.Counts.Block,
		"final", res.Counts.Final,
	)
	return nil
}

// deliverer sends one reply payload as ordered, rate-limited chunks.
func (b *Bridge) deliverer(groupID, botName string, limit int) reply.DeliverFunc {
	return func(ctx context.Context, p reply.Payload, _ reply.Kind) error {
		if p.Text == "" {
			return nil
		}
		chunks := reply.ChunkMarkdownText(p.Text, limit)
		for i, chunk := range chunks {
			if err := b.limiter.Wait(ctx, groupID); err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
			if _, err := b.sender.SendMessage(ctx, GroupMessage{
				GroupID:   groupID,
				PlainText: chunk,
				BotName:   botName,
			}); err != nil {
				return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
			}
		}
		return nil
	}
}

// preview collapses whitespace runs and caps the text at previewMaxRunes.
func preview(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= previewMaxRunes {
		return s
	}
	return string([]rune(s)[:previewMaxRunes])
}

// groupLocks is a keyed mutex; entries are dropped once unused.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	mu   sync.Mutex
	refs int
}

func (g *groupLocks) lock(key string) func() {
	g.mu.Lock()
	if g.locks == nil {
		g.locks = make(map[string]*groupLock)
	}
	l, ok := g.locks[key]
	if !ok {
		l = &groupLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}
