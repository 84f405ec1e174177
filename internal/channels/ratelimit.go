package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from an unbounded set of group IDs.
	maxTrackedKeys = 4096

	// limiterIdle is how long an unused limiter is kept before pruning.
	limiterIdle = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// SendLimiter throttles outbound sends per key (group ID).
// A nil *SendLimiter never waits. Safe for concurrent use.
type SendLimiter struct {
	perSec  rate.Limit
	burst   int
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewSendLimiter creates a limiter allowing perSec sends per key with the
// given burst. perSec <= 0 returns nil (unlimited).
func NewSendLimiter(perSec float64, burst int) *SendLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &SendLimiter{
		perSec:  rate.Limit(perSec),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// Wait blocks until a send to key is allowed or ctx is done.
func (s *SendLimiter) Wait(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	return s.limiter(key).Wait(ctx)
}

// Allow reports whether a send to key may happen now without waiting.
func (s *SendLimiter) Allow(key string) bool {
	if s == nil {
		return true
	}
	return s.limiter(key).Allow()
}

func (s *SendLimiter) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok {
		e.lastUsed = now
		return e.lim
	}

	// Prune idle entries when approaching the cap
	if len(s.entries) >= maxTrackedKeys {
		for k, e := range s.entries {
			if now.Sub(e.lastUsed) >= limiterIdle {
				delete(s.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(s.entries) >= maxTrackedKeys {
			for k := range s.entries {
				delete(s.entries, k)
				break
			}
		}
	}

	e := &limiterEntry{lim: rate.NewLimiter(s.perSec, s.burst), lastUsed: now}
	s.entries[key] = e
	return e.lim
}
