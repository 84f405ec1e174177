package channeltalk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels"
)

const (
	maxWebhookBody    = 1 << 20
	readHeaderTimeout = 10 * time.Second
)

// ErrServerClosed is returned by Start after the server has been shut down.
var ErrServerClosed = errors.New("channel_talk webhook server closed")

// State is the webhook listener lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// EventDispatcher receives accepted events. *Bridge implements it.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev *Event, d Decision) error
}

// Outcome describes what happened to one webhook delivery after the ack.
type Outcome struct {
	DeliveryID string
	MessageID  string // empty when normalization failed
	GroupID    string
	Dispatched bool
	Reason     Reason // set when the event was dropped
	Err        error  // dispatch error
}

// WebhookOptions configures a WebhookServer.
type WebhookOptions struct {
	Port       int // 0 picks a free port
	Path       string
	AccountID  string
	Dispatcher EventDispatcher
	// Policy is read for every event so gating changes apply live.
	Policy func() Policy
	Dedup  *DedupCache // defaults to NewDedupCache()
	Status channels.StatusReporter
	Logger *slog.Logger
	Now    func() time.Time
	// OnProcessed is called once per delivery when processing ends.
	OnProcessed func(Outcome)
}

// WebhookServer receives Channel Talk webhooks, acknowledges them at once and
// processes each one in the background.
type WebhookServer struct {
	opts   WebhookOptions
	dedup  *DedupCache
	status channels.StatusReporter
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	state  State
	srv    *http.Server
	ln     net.Listener
	closed bool

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
	inflight sync.WaitGroup

	listen func(network, addr string) (net.Listener, error)
}

// NewWebhookServer validates opts and builds a server in the stopped state.
func NewWebhookServer(opts WebhookOptions) (*WebhookServer, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("channel_talk webhook: dispatcher is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("channel_talk webhook: policy is required")
	}
	if opts.Path == "" || opts.Path[0] != '/' {
		return nil, fmt.Errorf("channel_talk webhook: path %q must start with \"/\"", opts.Path)
	}

	s := &WebhookServer{
		opts:    opts,
		dedup:   opts.Dedup,
		status:  opts.Status,
		logger:  opts.Logger,
		now:     opts.Now,
		stopped: make(chan struct{}),
		listen:  net.Listen,
	}
	if s.status == nil {
		s.status = channels.NopStatus
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.dedup == nil {
		d, err := NewDedupCache(WithClock(s.now))
		if err != nil {
			return nil, err
		}
		s.dedup = d
	}
	return s, nil
}

// State reports the lifecycle state.
func (s *WebhookServer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr is the bound address, or nil when not listening.
func (s *WebhookServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener synchronously and serves until ctx is done or
// Shutdown is called. A bind failure leaves the server stopped.
func (s *WebhookServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("channel_talk webhook already %s", st)
	}
	s.state = StateStarting
	s.mu.Unlock()

	ln, err := s.listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		s.logger.Error("channel_talk webhook server error", "port", s.opts.Port, "error", err)
		s.status.RecordError(ChannelName, s.opts.AccountID, err)
		s.setState(StateStopped)
		return fmt.Errorf("listen on port %d: %w", s.opts.Port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.opts.Path, s.handleWebhook)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.mu.Lock()
	if s.closed {
		// Shutdown ran while the port was being bound.
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.srv = srv
	s.ln = ln
	s.state = StateListening
	s.dedup.Start(context.Background())
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("channel_talk webhook server error", "error", err)
			s.status.RecordError(ChannelName, s.opts.AccountID, err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown(context.Background())
		case <-s.stopped:
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	s.status.SetStatus(channels.ChannelStatus{
		Channel:     ChannelName,
		AccountID:   s.opts.AccountID,
		Running:     true,
		Connected:   true,
		LastStartAt: s.now(),
		Port:        port,
		Path:        s.opts.Path,
	})
	s.logger.Info("channel_talk webhook started", "port", port, "path", s.opts.Path)
	return nil
}

// Shutdown stops the sweep, clears the dedup cache and closes the listener,
// letting in-flight responses finish. Dispatches already running are not
// cancelled. Only the first call has any effect.
func (s *WebhookServer) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		srv := s.srv
		wasRunning := s.state == StateListening
		s.state = StateStopping
		s.mu.Unlock()

		s.dedup.Stop()
		s.dedup.Clear()

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				s.logger.Warn("channel_talk webhook shutdown", "error", err)
				s.stopErr = err
			}
		}

		if wasRunning {
			s.status.SetStatus(channels.ChannelStatus{
				Channel:    ChannelName,
				AccountID:  s.opts.AccountID,
				Running:    false,
				Connected:  false,
				LastStopAt: s.now(),
			})
			s.logger.Info("channel_talk webhook stopped")
		}
		s.setState(StateStopped)
		close(s.stopped)
	})
	return s.stopErr
}

// markSeen records id in the dedup cache and reports whether it was already
// there. Once shutdown has begun nothing is recorded, so the cache stays empty.
func (s *WebhookServer) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.dedup.Seen(id)
}

// Wait blocks until every background processing goroutine has returned.
func (s *WebhookServer) Wait() {
	s.inflight.Wait()
}

// Drain waits for in-flight processing like Wait, giving up when ctx is done.
// Call it after Shutdown so no new deliveries arrive.
func (s *WebhookServer) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebhookServer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"ok":true}`)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	deliveryID := uuid.NewString()
	if err != nil {
		s.logger.Warn("channel_talk webhook body unreadable", "delivery_id", deliveryID, "error", err)
		s.finish(Outcome{DeliveryID: deliveryID, Reason: ReasonMalformed})
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.process(context.Background(), deliveryID, body)
	}()
}

// process runs normalize → dedup → gate → dispatch for one delivery.
func (s *WebhookServer) process(ctx context.Context, deliveryID string, body []byte) {
	out := Outcome{DeliveryID: deliveryID}
	defer func() { s.finish(out) }()

	ev, err := Normalize(body)
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			out.Reason = rej.Reason
		} else {
			out.Reason = ReasonMalformed
		}
		s.logger.Debug("channel_talk event skipped", "delivery_id", deliveryID, "reason", out.Reason, "error", err)
		return
	}
	out.MessageID = ev.Entity.ID
	out.GroupID = ev.GroupID

	if s.markSeen(ev.Entity.ID) {
		out.Reason = ReasonDuplicate
		s.logger.Debug("channel_talk duplicate message", "message_id", ev.Entity.ID)
		return
	}

	dec := Gate(ev, s.opts.Policy())
	if !dec.Accepted {
		out.Reason = dec.Reason
		s.logger.Debug("channel_talk message gated",
			"message_id", ev.Entity.ID,
			"group_id", ev.GroupID,
			"reason", dec.Reason,
		)
		return
	}

	s.logger.Info("channel_talk received team chat message",
		"message_id", ev.Entity.ID,
		"group_id", ev.GroupID,
		"from", ev.SenderName(),
		"preview", channels.Truncate(ev.Entity.PlainText, 80),
	)

	out.Err = s.opts.Dispatcher.Dispatch(ctx, ev, dec)
	out.Dispatched = out.Err == nil
}

func (s *WebhookServer) finish(out Outcome) {
	if s.opts.OnProcessed != nil {
		s.opts.OnProcessed(out)
	}
}
