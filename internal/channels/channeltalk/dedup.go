package channeltalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultDedupTTL      = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultDedupCapacity = 10000
)

// DedupOption configures a DedupCache.
type DedupOption func(*DedupCache)

// WithClock injects the time source.
func WithClock(now func() time.Time) DedupOption {
	return func(d *DedupCache) { d.now = now }
}

// WithTTL sets how long an id stays a duplicate.
func WithTTL(ttl time.Duration) DedupOption {
	return func(d *DedupCache) { d.ttl = ttl }
}

// WithSweepInterval sets how often expired ids are purged.
func WithSweepInterval(interval time.Duration) DedupOption {
	return func(d *DedupCache) { d.interval = interval }
}

// WithCapacity bounds the number of tracked ids; the oldest is evicted first.
func WithCapacity(n int) DedupOption {
	return func(d *DedupCache) { d.capacity = n }
}

// WithSweepHook is called after every periodic sweep with the number of
// ids removed.
func WithSweepHook(fn func(removed int)) DedupOption {
	return func(d *DedupCache) { d.onSweep = fn }
}

// DedupCache remembers message ids for a trailing window. Expiry happens
// only in Sweep, so an id can stay a duplicate for up to one sweep
// interval past its TTL. Safe for concurrent use.
type DedupCache struct {
	ttl      time.Duration
	interval time.Duration
	capacity int
	now      func() time.Time
	onSweep  func(removed int)

	seen *lru.Cache[string, time.Time]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDedupCache creates a cache. The sweep interval must be shorter than the TTL.
func NewDedupCache(opts ...DedupOption) (*DedupCache, error) {
	d := &DedupCache{
		ttl:      DefaultDedupTTL,
		interval: DefaultSweepInterval,
		capacity: DefaultDedupCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ttl <= 0 || d.interval <= 0 {
		return nil, errors.New("dedup ttl and sweep interval must be positive")
	}
	if d.interval >= d.ttl {
		return nil, fmt.Errorf("dedup sweep interval %s must be shorter than ttl %s", d.interval, d.ttl)
	}
	if d.capacity <= 0 {
		d.capacity = DefaultDedupCapacity
	}
	cache, err := lru.New[string, time.Time](d.capacity)
	if err != nil {
		return nil, err
	}
	d.seen = cache
	return d, nil
}

// Seen reports whether id was already recorded. The first call for an id
// records it and returns false.
func (d *DedupCache) Seen(id string) bool {
	found, _ := d.seen.ContainsOrAdd(id, d.now())
	return found
}

// Sweep removes ids first seen more than TTL ago and returns how many.
func (d *DedupCache) Sweep() int {
	now := d.now()
	removed := 0
	for _, id := range d.seen.Keys() {
		at, ok := d.seen.Peek(id)
		if ok && now.Sub(at) > d.ttl {
			d.seen.Remove(id)
			removed++
		}
	}
	return removed
}

// Start runs Sweep every interval until Stop or ctx is done. Calling Start
// twice without Stop does nothing.
func (d *DedupCache) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := d.Sweep()
				if n > 0 {
					slog.Debug("channel_talk dedup sweep", "removed", n, "remaining", d.seen.Len())
				}
				if d.onSweep != nil {
					d.onSweep(n)
				}
			}
		}
	}(d.done)
}

// Stop cancels the sweep and waits for it to exit.
func (d *DedupCache) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Clear forgets every id.
func (d *DedupCache) Clear() { d.seen.Purge() }

// Len returns the number of tracked ids.
func (d *DedupCache) Len() int { return d.seen.Len() }
