package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/bus"
	"github.com/nextlevelbuilder/goclaw-channeltalk/pkg/protocol"
)

// Manager manages all registered channels, handling their lifecycle,
// routing outbound messages to the correct channel and tracking status.
type Manager struct {
	channels     map[string]Channel
	router       bus.OutboundRouter
	events       bus.EventPublisher
	dispatchTask *asyncTask
	mu           sync.RWMutex

	statusMu sync.RWMutex
	statuses map[string]ChannelStatus
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new channel manager. events may be nil.
// Channels are registered externally via RegisterChannel.
func NewManager(router bus.OutboundRouter, events bus.EventPublisher) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		router:   router,
		events:   events,
		statuses: make(map[string]ChannelStatus),
	}
}

// StartAll starts all registered channels and the outbound dispatch loop.
// The first channel start error is returned after every channel was attempted.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel, done: make(chan struct{})}
	go m.dispatchOutbound(dispatchCtx, m.dispatchTask.done)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	var firstErr error
	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("start %s: %w", name, err)
			}
		}
	}

	if firstErr == nil {
		slog.Info("all channels started")
	}
	return firstErr
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.Unlock()

	slog.Info("stopping all channels")

	// The dispatch loop takes m.mu.RLock, so wait for it without holding the lock.
	if task != nil {
		task.cancel()
		<-task.done
	}

	for name, channel := range chans {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel. Internal channels are silently skipped.
func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.router.SubscribeOutbound(ctx)
		if !ok {
			// ctx done or bus closed
			slog.Info("outbound dispatcher stopped")
			return
		}

		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetEnabledChannels returns the names of all registered channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// SendToChannel delivers a message to a specific channel by name.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}

	msg := bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	}

	return channel.Send(ctx, msg)
}

// SetStatus implements StatusReporter. The merged status is broadcast as a
// channel.status event.
func (m *Manager) SetStatus(st ChannelStatus) {
	key := statusKey(st.Channel, st.AccountID)

	m.statusMu.Lock()
	merged := mergeStatus(m.statuses[key], st)
	m.statuses[key] = merged
	m.statusMu.Unlock()

	slog.Debug("channel status",
		"channel", merged.Channel,
		"account_id", merged.AccountID,
		"running", merged.Running,
		"connected", merged.Connected,
	)
	if m.events != nil {
		m.events.Broadcast(bus.Event{Name: protocol.EventChannelStatus, Payload: merged})
	}
}

// RecordError implements StatusReporter. Only LastError changes.
func (m *Manager) RecordError(channel, accountID string, err error) {
	if err == nil {
		return
	}
	key := statusKey(channel, accountID)

	m.statusMu.Lock()
	st := m.statuses[key]
	st.Channel = channel
	st.AccountID = accountID
	st.LastError = err.Error()
	m.statuses[key] = st
	m.statusMu.Unlock()

	if m.events != nil {
		m.events.Broadcast(bus.Event{Name: protocol.EventChannelStatus, Payload: st})
	}
}

// Status returns the last reported status for a channel account.
func (m *Manager) Status(channel, accountID string) (ChannelStatus, bool) {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	st, ok := m.statuses[statusKey(channel, accountID)]
	return st, ok
}

// GetStatus returns every known channel status, sorted by channel then account.
func (m *Manager) GetStatus() []ChannelStatus {
	m.statusMu.RLock()
	out := make([]ChannelStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	m.statusMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}
