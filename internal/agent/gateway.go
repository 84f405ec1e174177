package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/bus"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/reply"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-channeltalk/pkg/protocol"
)

// ErrGatewayRejected is returned when the gateway answers a request with ok=false.
var ErrGatewayRejected = errors.New("agent gateway rejected request")

// EventDrainer yields the pending system events for a session.
type EventDrainer interface {
	Drain(sessionKey string) []bus.SystemEvent
}

// GatewayOptions configures a GatewayDispatcher.
type GatewayOptions struct {
	URL     string // ws://host:port/ws
	Token   string
	Timeout time.Duration // per turn; 0 means no limit beyond ctx
	Events  EventDrainer  // optional
	// ForwardToolResults delivers tool.result events to the chat as tool replies.
	ForwardToolResults bool
	Dialer             *websocket.Dialer
	Logger             *slog.Logger
}

// GatewayDispatcher runs agent turns over the gateway WebSocket RPC.
// Each turn uses its own connection.
type GatewayDispatcher struct {
	opts   GatewayOptions
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewGatewayDispatcher creates a dispatcher for the gateway at opts.URL.
func NewGatewayDispatcher(opts GatewayOptions) *GatewayDispatcher {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayDispatcher{opts: opts, dialer: dialer, logger: logger}
}

// chatSendParams is the chat.send request body.
type chatSendParams struct {
	Message      string            `json:"message"`
	AgentID      string            `json:"agentId,omitempty"`
	SessionKey   string            `json:"sessionKey"`
	Stream       bool              `json:"stream"`
	Channel      string            `json:"channel,omitempty"`
	ChatID       string            `json:"chatId,omitempty"`
	SenderID     string            `json:"senderId,omitempty"`
	SenderName   string            `json:"senderName,omitempty"`
	MessageID    string            `json:"messageId,omitempty"`
	WasMentioned bool              `json:"wasMentioned"`
	SystemEvents []bus.SystemEvent `json:"systemEvents,omitempty"`
}

// Dispatch sends the inbound message and streams replies into d until the
// gateway answers. It waits for queued deliveries before returning.
func (g *GatewayDispatcher) Dispatch(ctx context.Context, in *reply.InboundContext, d *reply.Dispatcher, opts reply.ReplyOptions) (Result, error) {
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	conn, _, err := g.dialer.DialContext(ctx, g.opts.URL, http.Header{})
	if err != nil {
		return Result{}, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	// Unblock reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := g.connect(conn); err != nil {
		return Result{}, ctxErr(ctx, err)
	}

	agentID, _ := sessions.ParseSessionKey(in.SessionKey)
	params := chatSendParams{
		Message:      in.BodyForAgent,
		AgentID:      agentID,
		SessionKey:   in.SessionKey,
		Stream:       true,
		Channel:      in.OriginatingChannel,
		ChatID:       in.OriginatingTo,
		SenderID:     in.SenderID,
		SenderName:   in.SenderName,
		MessageID:    in.MessageSid,
		WasMentioned: in.WasMentioned,
	}
	if g.opts.Events != nil {
		params.SystemEvents = g.opts.Events.Drain(in.SessionKey)
	}

	final, err := g.chatSend(conn, params, d, opts)
	if err != nil {
		return Result{}, ctxErr(ctx, err)
	}

	res := Result{}
	if final != "" {
		res.QueuedFinal = d.SendFinalReply(reply.Payload{Text: final})
	}
	if err := d.WaitForIdle(ctx); err != nil {
		return res, fmt.Errorf("wait for replies: %w", err)
	}
	res.Counts = d.Counts()
	return res, nil
}

// Probe dials the gateway and completes the connect handshake.
func (g *GatewayDispatcher) Probe(ctx context.Context) error {
	conn, _, err := g.dialer.DialContext(ctx, g.opts.URL, http.Header{})
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	return ctxErr(ctx, g.connect(conn))
}

// connect sends the connect RPC and waits for the auth response.
func (g *GatewayDispatcher) connect(conn *websocket.Conn) error {
	params := map[string]any{"protocol": protocol.ProtocolVersion}
	if g.opts.Token != "" {
		params["token"] = g.opts.Token
	}
	paramsJSON, _ := json.Marshal(params)

	reqID := "connect-" + uuid.NewString()[:8]
	if err := conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodConnect,
		Params: paramsJSON,
	}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		var resp protocol.ResponseFrame
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read connect response: %w", err)
		}
		if ft, _ := protocol.ParseFrameType(raw); ft != protocol.FrameTypeResponse {
			continue
		}
		if err := json.Unmarshal(raw, &resp); err != nil || resp.ID != reqID {
			continue
		}
		return responseErr("connect", resp)
	}
}

// chatSend issues chat.send and consumes frames until the matching
// response arrives. Returns the final reply content.
func (g *GatewayDispatcher) chatSend(conn *websocket.Conn, params chatSendParams, d *reply.Dispatcher, opts reply.ReplyOptions) (string, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal chat.send: %w", err)
	}
	reqID := uuid.NewString()
	if err := conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodChatSend,
		Params: paramsJSON,
	}); err != nil {
		return "", fmt.Errorf("send chat: %w", err)
	}

	started := false
	start := func() {
		if !started {
			started = true
			if opts.OnReplyStart != nil {
				opts.OnReplyStart()
			}
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}

		frameType, _ := protocol.ParseFrameType(raw)
		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil || resp.ID != reqID {
				continue
			}
			if err := responseErr("chat.send", resp); err != nil {
				return "", err
			}
			var content string
			if payload, ok := resp.Payload.(map[string]any); ok {
				content, _ = payload["content"].(string)
			}
			return content, nil

		case protocol.FrameTypeEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			g.handleEvent(evt, d, opts, start)
		}
	}
}

func (g *GatewayDispatcher) handleEvent(evt protocol.EventFrame, d *reply.Dispatcher, opts reply.ReplyOptions, start func()) {
	payload, ok := evt.Payload.(map[string]any)
	if !ok {
		return
	}
	evtType, _ := payload["type"].(string)

	switch evt.Event {
	case protocol.EventAgent:
		switch evtType {
		case protocol.AgentEventRunStarted, protocol.AgentEventToolCall:
			start()
		case protocol.AgentEventToolResult:
			if !g.opts.ForwardToolResults {
				return
			}
			if p, ok := payload["payload"].(map[string]any); ok {
				if out, _ := p["output"].(string); out != "" {
					d.SendToolResult(reply.Payload{Text: out})
				}
			}
		case protocol.AgentEventRunRetrying:
			g.logger.Debug("agent run retrying", "payload", payload["payload"])
		}

	case protocol.EventChat:
		content, _ := payload["content"].(string)
		switch evtType {
		case protocol.ChatEventChunk, protocol.ChatEventThinking:
			start()
			if opts.OnPartialReply != nil {
				opts.OnPartialReply(content)
			}
		case protocol.ChatEventMessage:
			start()
			d.SendBlockReply(reply.Payload{Text: content})
		}
	}
}

func responseErr(method string, resp protocol.ResponseFrame) error {
	if resp.OK {
		return nil
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w: %s", method, ErrGatewayRejected, resp.Error.Message)
	}
	return fmt.Errorf("%s: %w", method, ErrGatewayRejected)
}

// ctxErr prefers the context error when the connection was torn down by ctx.
func ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return err
}
