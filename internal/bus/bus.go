package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const outboundBuffer = 100

// MessageBus carries outbound messages to the channel manager and fans
// events out to subscribers. Safe for concurrent use.
type MessageBus struct {
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a MessageBus.
func New() *MessageBus {
	return &MessageBus{
		outbound: make(chan OutboundMessage, outboundBuffer),
		done:     make(chan struct{}),
		handlers: make(map[string]EventHandler),
	}
}

// PublishOutbound queues a message for delivery. Messages published after
// Close are dropped.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	if mb.closed.Load() {
		slog.Debug("bus closed, dropping outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	select {
	case mb.outbound <- msg:
	case <-mb.done:
	}
}

// SubscribeOutbound blocks until a message is available, ctx is done or the bus closes.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers handler under id, replacing any previous one.
func (mb *MessageBus) Subscribe(id string, handler EventHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (mb *MessageBus) Unsubscribe(id string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.handlers, id)
}

// Broadcast delivers event to every subscriber synchronously.
// Handlers must not block.
func (mb *MessageBus) Broadcast(event Event) {
	mb.mu.RLock()
	handlers := make([]EventHandler, 0, len(mb.handlers))
	for _, h := range mb.handlers {
		handlers = append(handlers, h)
	}
	mb.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Close stops outbound delivery. Safe to call more than once.
func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
