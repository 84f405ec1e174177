package reply

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels/typing"
)

// Kind classifies a reply payload.
type Kind string

const (
	KindTool  Kind = "tool"
	KindBlock Kind = "block"
	KindFinal Kind = "final"
)

// Payload is one reply produced by the agent.
type Payload struct {
	Text string `json:"text"`
}

// Counts tallies queued replies per kind.
type Counts struct {
	Tool  int `json:"tool"`
	Block int `json:"block"`
	Final int `json:"final"`
}

// DeliverFunc sends one payload to the chat platform.
type DeliverFunc func(ctx context.Context, p Payload, kind Kind) error

// DispatcherOptions configures NewDispatcherWithTyping.
type DispatcherOptions struct {
	Deliver DeliverFunc
	// OnError is called for each failed delivery. Defaults to logging.
	OnError func(err error, kind Kind)
	// Typing, when set, is started on the first reply activity and
	// stopped by MarkDispatchIdle.
	Typing *typing.Options
	Logger *slog.Logger
}

// ReplyOptions are the hooks the agent dispatcher calls while a reply is
// being produced.
type ReplyOptions struct {
	OnReplyStart   func()
	OnPartialReply func(text string)
}

// Dispatcher delivers replies strictly in the order they were queued.
// Each delivery waits for the previous one to finish.
type Dispatcher struct {
	ctx     context.Context
	deliver DeliverFunc
	onError func(err error, kind Kind)
	typing  *typing.Controller
	logger  *slog.Logger

	mu     sync.Mutex
	tail   chan struct{} // closed when the last queued delivery finishes
	counts Counts
	closed bool
}

// NewDispatcherWithTyping creates a reply dispatcher. ctx bounds deliveries
// and should outlive the inbound HTTP request.
func NewDispatcherWithTyping(ctx context.Context, opts DispatcherOptions) (*Dispatcher, ReplyOptions) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		ctx:     ctx,
		deliver: opts.Deliver,
		onError: opts.OnError,
		logger:  logger,
	}
	if d.onError == nil {
		d.onError = func(err error, kind Kind) {
			logger.Error("reply delivery failed", "kind", kind, "error", err)
		}
	}
	if opts.Typing != nil {
		d.typing = typing.New(*opts.Typing)
	}

	ro := ReplyOptions{
		OnReplyStart: d.startTyping,
		OnPartialReply: func(string) {
			if d.typing != nil {
				d.typing.Keepalive()
			}
		},
	}
	return d, ro
}

// SendToolResult queues a tool result. Returns false if nothing was queued.
func (d *Dispatcher) SendToolResult(p Payload) bool { return d.enqueue(KindTool, p) }

// SendBlockReply queues an intermediate reply block.
func (d *Dispatcher) SendBlockReply(p Payload) bool { return d.enqueue(KindBlock, p) }

// SendFinalReply queues the final reply.
func (d *Dispatcher) SendFinalReply(p Payload) bool { return d.enqueue(KindFinal, p) }

func (d *Dispatcher) enqueue(kind Kind, p Payload) bool {
	if strings.TrimSpace(p.Text) == "" {
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("reply dropped after dispatch idle", "kind", kind)
		return false
	}
	switch kind {
	case KindTool:
		d.counts.Tool++
	case KindBlock:
		d.counts.Block++
	case KindFinal:
		d.counts.Final++
	}
	prev := d.tail
	done := make(chan struct{})
	d.tail = done
	d.mu.Unlock()

	d.startTyping()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if d.deliver == nil {
			return
		}
		if err := d.deliver(d.ctx, p, kind); err != nil {
			d.onError(err, kind)
		}
	}()
	return true
}

// WaitForIdle blocks until every delivery queued so far has finished or ctx is done.
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	d.mu.Lock()
	tail := d.tail
	d.mu.Unlock()
	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkDispatchIdle stops the typing indicator and rejects further replies.
func (d *Dispatcher) MarkDispatchIdle() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	if d.typing != nil {
		d.typing.Stop()
	}
}

// Counts returns how many replies of each kind were queued.
func (d *Dispatcher) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

// TypingActive reports whether the typing indicator is on.
func (d *Dispatcher) TypingActive() bool {
	return d.typing != nil && d.typing.IsActive()
}

func (d *Dispatcher) startTyping() {
	if d.typing != nil {
		d.typing.Start()
	}
}
