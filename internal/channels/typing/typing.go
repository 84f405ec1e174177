// Package typing drives a channel's "is typing" indicator while an agent
// reply is being produced: an initial signal, periodic keepalives and a
// hard TTL so a lost stop never leaves the indicator stuck.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration auto-stops the indicator. Zero means no TTL.
	MaxDuration time.Duration
	// KeepaliveInterval re-sends StartFn while active. Zero disables keepalive.
	KeepaliveInterval time.Duration
	// StartFn sends one typing signal. Nil makes the controller a pure state tracker.
	StartFn func() error
	// StopFn clears the indicator, for platforms that support it.
	StopFn func() error
}

// Controller is safe for concurrent use. Start and Stop are idempotent.
type Controller struct {
	opts Options

	mu      sync.Mutex
	active  bool
	stopped bool
	ticker  *time.Ticker
	ttl     *time.Timer
	done    chan struct{}
}

// New creates an idle controller.
func New(opts Options) *Controller {
	return &Controller{opts: opts}
}

// Start sends the first signal and begins keepalive. Calling Start on an
// active or stopped controller does nothing.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.active || c.stopped {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.done = make(chan struct{})
	if c.opts.MaxDuration > 0 {
		c.ttl = time.AfterFunc(c.opts.MaxDuration, func() {
			slog.Debug("typing indicator ttl reached")
			c.Stop()
		})
	}
	if c.opts.KeepaliveInterval > 0 && c.opts.StartFn != nil {
		c.ticker = time.NewTicker(c.opts.KeepaliveInterval)
		go c.keepalive(c.ticker, c.done)
	}
	c.mu.Unlock()

	c.signal()
}

// Keepalive sends an extra signal if active, e.g. when a streamed chunk arrives.
func (c *Controller) Keepalive() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active {
		c.signal()
	}
}

// Stop ends the indicator. After Stop the controller cannot be restarted.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	wasActive := c.active
	c.stopped = true
	c.active = false
	if c.ticker != nil {
		c.ticker.Stop()
	}
	if c.ttl != nil {
		c.ttl.Stop()
	}
	if c.done != nil {
		close(c.done)
	}
	c.mu.Unlock()

	if wasActive && c.opts.StopFn != nil {
		if err := c.opts.StopFn(); err != nil {
			slog.Debug("typing stop failed", "error", err)
		}
	}
}

// IsActive reports whether the indicator is currently on.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) keepalive(t *time.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.signal()
		}
	}
}

func (c *Controller) signal() {
	if c.opts.StartFn == nil {
		return
	}
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing signal failed", "error", err)
	}
}
