package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-channeltalk/pkg/protocol"
)

// maxSystemEventsPerSession bounds each session queue; oldest entries are dropped.
const maxSystemEventsPerSession = 20

// SystemEvent is a short notice queued for a session and drained into the
// next agent turn.
type SystemEvent struct {
	Text       string    `json:"text"`
	SessionKey string    `json:"sessionKey"`
	ContextKey string    `json:"contextKey,omitempty"`
	At         time.Time `json:"at"`
}

// SystemEventOptions scope an enqueued event.
type SystemEventOptions struct {
	SessionKey string
	ContextKey string // identical consecutive context keys are collapsed
}

// SystemEvents is an in-memory per-session queue of system events.
type SystemEvents struct {
	mu      sync.Mutex
	queues  map[string][]SystemEvent
	lastKey map[string]string
	events  EventPublisher
	now     func() time.Time
}

// NewSystemEvents creates a queue. publisher may be nil.
func NewSystemEvents(publisher EventPublisher) *SystemEvents {
	return &SystemEvents{
		queues:  make(map[string][]SystemEvent),
		lastKey: make(map[string]string),
		events:  publisher,
		now:     time.Now,
	}
}

// Enqueue appends text to the session queue. It returns false when the text
// is blank, the session key is missing, or the context key repeats the last one.
func (s *SystemEvents) Enqueue(text string, opts SystemEventOptions) bool {
	text = strings.TrimSpace(text)
	if text == "" || opts.SessionKey == "" {
		return false
	}

	s.mu.Lock()
	if opts.ContextKey != "" && s.lastKey[opts.SessionKey] == opts.ContextKey {
		s.mu.Unlock()
		return false
	}
	ev := SystemEvent{Text: text, SessionKey: opts.SessionKey, ContextKey: opts.ContextKey, At: s.now()}
	q := append(s.queues[opts.SessionKey], ev)
	if len(q) > maxSystemEventsPerSession {
		q = q[len(q)-maxSystemEventsPerSession:]
	}
	s.queues[opts.SessionKey] = q
	s.lastKey[opts.SessionKey] = opts.ContextKey
	s.mu.Unlock()

	if s.events != nil {
		s.events.Broadcast(Event{Name: protocol.EventSystem, Payload: ev})
	}
	return true
}

// Peek returns a copy of the queued events for a session.
func (s *SystemEvents) Peek(sessionKey string) []SystemEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[sessionKey]
	out := make([]SystemEvent, len(q))
	copy(out, q)
	return out
}

// Drain removes and returns the queued events for a session.
func (s *SystemEvents) Drain(sessionKey string) []SystemEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[sessionKey]
	delete(s.queues, sessionKey)
	return q
}
