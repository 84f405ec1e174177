package channeltalk

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the webhook classification that makes an event a team-chat message.
type Kind string

const (
	KindPush            Kind = "push"
	KindTeamChatMessage Kind = "message.created.teamChat"
)

const (
	chatTypeGroup   = "group"
	personTypeBot   = "bot"
	defaultSenderID = "unknown"
)

// Entity is the message carried by a team-chat event.
type Entity struct {
	ID         string
	PlainText  string // trimmed
	ChatType   string
	PersonType string
	ChatID     string
	PersonID   string
	CreatedAt  time.Time // zero when the payload had none
}

// Refers holds the related objects Channel Talk attaches to an event.
type Refers struct {
	GroupID     string
	ManagerID   string
	ManagerName string
}

// Event is a normalized team-chat message. Entity.ID is never empty and
// Entity.ChatType is always "group".
type Event struct {
	Kind    Kind
	Entity  Entity
	Refers  Refers
	GroupID string
}

// SenderID is refers.manager.id, then entity.personId, then "unknown".
func (e *Event) SenderID() string {
	if e.Refers.ManagerID != "" {
		return e.Refers.ManagerID
	}
	if e.Entity.PersonID != "" {
		return e.Entity.PersonID
	}
	return defaultSenderID
}

// SenderName is refers.manager.name, falling back to SenderID.
func (e *Event) SenderName() string {
	if e.Refers.ManagerName != "" {
		return e.Refers.ManagerName
	}
	return e.SenderID()
}

// Timestamp is entity.createdAt, or now when absent.
func (e *Event) Timestamp(now func() time.Time) time.Time {
	if !e.Entity.CreatedAt.IsZero() {
		return e.Entity.CreatedAt
	}
	return now()
}

// Wire shapes. Channel Talk and relays are loose with scalar types, so
// IDs accept strings or numbers.

type wireEvent struct {
	Event  string      `json:"event"`
	Type   string      `json:"type"`
	Entity *wireEntity `json:"entity"`
	Refers *wireRefers `json:"refers"`
}

type wireEntity struct {
	ID         flexString `json:"id"`
	PlainText  string     `json:"plainText"`
	ChatType   string     `json:"chatType"`
	PersonType string     `json:"personType"`
	ChatID     flexString `json:"chatId"`
	PersonID   flexString `json:"personId"`
	CreatedAt  flexTime   `json:"createdAt"`
}

type wireRefers struct {
	Group *struct {
		ID flexString `json:"id"`
	} `json:"group"`
	Manager *struct {
		ID   flexString `json:"id"`
		Name looseText  `json:"name"`
	} `json:"manager"`
}

// flexString decodes a JSON string or number; null becomes "".
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", s)
	}
	*f = flexString(n.String())
	return nil
}

// looseText keeps JSON strings and decodes any other value as "".
type looseText string

func (l *looseText) UnmarshalJSON(data []byte) error {
	var v string
	if json.Unmarshal(data, &v) != nil {
		v = ""
	}
	*l = looseText(v)
	return nil
}

// flexTime decodes epoch milliseconds (number or numeric string) or RFC 3339.
// Anything else decodes as the zero time, so the event falls back to now.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(data []byte) error {
	*f = flexTime(time.Time{})
	var raw flexString
	if raw.UnmarshalJSON(data) != nil || raw == "" {
		return nil
	}
	s := string(raw)
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		*f = flexTime(time.UnixMilli(int64(ms)))
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*f = flexTime(t)
	}
	return nil
}

func timeOf(f flexTime) time.Time { return time.Time(f) }
