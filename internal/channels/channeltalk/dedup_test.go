package channeltalk

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDedupWindow(t *testing.T) {
	clock := newFakeClock()
	d, err := NewDedupCache(WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	if d.Seen("m1") {
		t.Fatal("first sight reported duplicate")
	}
	clock.Advance(30 * time.Second)
	if !d.Seen("m1") {
		t.Fatal("second sight within TTL not a duplicate")
	}

	// Still inside the window: sweep keeps it.
	if n := d.Sweep(); n != 0 {
		t.Errorf("Sweep removed %d inside TTL", n)
	}

	clock.Advance(31 * time.Second)
	if n := d.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if d.Seen("m1") {
		t.Error("id still duplicate after TTL sweep")
	}
	if !d.Seen("m1") {
		t.Error("re-recorded id not a duplicate")
	}
}

func TestDedupRepeatDoesNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	d, _ := NewDedupCache(WithClock(clock.Now))
	d.Seen("m1")
	clock.Advance(50 * time.Second)
	d.Seen("m1")
	clock.Advance(11 * time.Second)
	if n := d.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1 (first sight counts)", n)
	}
}

func TestDedupCapacity(t *testing.T) {
	d, err := NewDedupCache(WithCapacity(2))
	if err != nil {
		t.Fatal(err)
	}
	d.Seen("a")
	d.Seen("b")
	d.Seen("c")
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
	if d.Seen("a") {
		t.Error("oldest id should have been evicted")
	}
}

func TestDedupRejectsBadIntervals(t *testing.T) {
	if _, err := NewDedupCache(WithTTL(time.Second), WithSweepInterval(time.Second)); err == nil {
		t.Error("interval == ttl accepted")
	}
	if _, err := NewDedupCache(WithTTL(0)); err == nil {
		t.Error("zero ttl accepted")
	}
}

func TestDedupStartStop(t *testing.T) {
	clock := newFakeClock()
	sweeps := make(chan int, 16)
	d, err := NewDedupCache(
		WithClock(clock.Now),
		WithTTL(50*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
		WithSweepHook(func(n int) {
			select {
			case sweeps <- n:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}

	d.Seen("m1")
	clock.Advance(time.Second)
	d.Start(context.Background())

	select {
	case <-sweeps:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never ran")
	}
	if d.Len() != 0 {
		t.Errorf("Len = %d after sweep", d.Len())
	}

	d.Stop()
	d.Clear()
	// Drain anything that fired before Stop returned.
	for len(sweeps) > 0 {
		<-sweeps
	}
	time.Sleep(50 * time.Millisecond)
	if len(sweeps) != 0 {
		t.Error("sweep fired after Stop")
	}
	d.Stop() // idempotent
}
