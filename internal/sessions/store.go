package sessions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
)

// DefaultStorePath is used when session.store is empty.
const DefaultStorePath = "~/.goclaw-channeltalk/agents/{agentId}/sessions.json"

// Entry is the metadata kept per session. Conversation history lives in the
// agent gateway, not here.
type Entry struct {
	SessionKey    string    `json:"sessionKey"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Channel       string    `json:"channel,omitempty"`
	ChatType      string    `json:"chatType,omitempty"`
	LastFrom      string    `json:"lastFrom,omitempty"`
	LastTo        string    `json:"lastTo,omitempty"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	DisplayName   string    `json:"displayName,omitempty"`
	AccountID     string    `json:"accountId,omitempty"`
}

// InboundRecord is what a channel records about an accepted inbound message.
type InboundRecord struct {
	SessionKey        string
	Channel           string
	ChatType          string
	From              string
	To                string
	MessageID         string
	SenderName        string
	ConversationLabel string
	AccountID         string
	Timestamp         time.Time
}

func (r InboundRecord) entry() Entry {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	name := r.ConversationLabel
	if name == "" {
		name = r.SenderName
	}
	return Entry{
		SessionKey:    r.SessionKey,
		UpdatedAt:     ts.UTC(),
		Channel:       r.Channel,
		ChatType:      r.ChatType,
		LastFrom:      r.From,
		LastTo:        r.To,
		LastMessageID: r.MessageID,
		DisplayName:   name,
		AccountID:     r.AccountID,
	}
}

// Store persists session metadata. storePath partitions entries per agent:
// a file path for the file driver, a partition key for SQL drivers.
type Store interface {
	// ReadUpdatedAt returns the last update time of a session; ok is false
	// when the session has never been recorded.
	ReadUpdatedAt(ctx context.Context, storePath, sessionKey string) (t time.Time, ok bool, err error)
	// RecordInbound upserts the session entry for an inbound message.
	RecordInbound(ctx context.Context, storePath string, rec InboundRecord) error
	Close() error
}

// ResolveStorePath expands the store template for an agent.
func ResolveStorePath(template, agentID string) string {
	if template == "" {
		template = DefaultStorePath
	}
	if agentID == "" {
		agentID = config.DefaultAgentID
	}
	return config.ExpandHome(strings.ReplaceAll(template, "{agentId}", agentID))
}

// Open creates the Store for the configured driver.
func Open(cfg config.SessionConfig) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.DSN)
	case "postgres":
		return OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}
