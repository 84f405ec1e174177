package channels

import (
	"time"
)

// ChannelStatus is the externally visible state of one channel account.
type ChannelStatus struct {
	Channel     string    `json:"channel"`
	AccountID   string    `json:"accountId"`
	Running     bool      `json:"running"`
	Connected   bool      `json:"connected"`
	LastStartAt time.Time `json:"lastStartAt,omitempty"`
	LastStopAt  time.Time `json:"lastStopAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Port        int       `json:"port,omitempty"`
	Path        string    `json:"webhookPath,omitempty"`
}

// StatusReporter receives status updates from a channel.
// Zero-valued time, error, port and path fields leave the stored value unchanged.
// RecordError only touches LastError.
type StatusReporter interface {
	SetStatus(st ChannelStatus)
	RecordError(channel, accountID string, err error)
}

type nopStatus struct{}

func (nopStatus) SetStatus(ChannelStatus) {}
func (nopStatus) RecordError(string, string, error) {}

// NopStatus discards status updates.
var NopStatus StatusReporter = nopStatus{}

// mergeStatus applies next on top of prev.
func mergeStatus(prev, next ChannelStatus) ChannelStatus {
	out := next
	if out.LastStartAt.IsZero() {
		out.LastStartAt = prev.LastStartAt
	}
	if out.LastStopAt.IsZero() {
		out.LastStopAt = prev.LastStopAt
	}
	if out.LastError == "" {
		out.LastError = prev.LastError
	}
	if out.Port == 0 {
		out.Port = prev.Port
	}
	if out.Path == "" {
		out.Path = prev.Path
	}
	return out
}

func statusKey(channel, accountID string) string {
	return channel + ":" + accountID
}
