package reply

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
)

// InboundContext is everything the agent gateway needs about one inbound
// message. Built once per accepted event and not modified afterwards.
type InboundContext struct {
	Body         string `json:"body"`         // envelope-formatted
	BodyForAgent string `json:"bodyForAgent"` // defaults to Body
	RawBody      string `json:"rawBody"`
	CommandBody  string `json:"commandBody"`

	From              string `json:"from"` // "channel-talk:<managerId>"
	To                string `json:"to"`   // "group:<groupId>"
	SessionKey        string `json:"sessionKey"`
	AccountID         string `json:"accountId"`
	ChatType          string `json:"chatType"`
	ConversationLabel string `json:"conversationLabel,omitempty"`
	SenderName        string `json:"senderName,omitempty"`
	SenderID          string `json:"senderId,omitempty"`

	Provider           string `json:"provider"`
	Surface            string `json:"surface"`
	OriginatingChannel string `json:"originatingChannel"`
	OriginatingTo      string `json:"originatingTo"`

	MessageSid        string    `json:"messageSid"`
	Timestamp         time.Time `json:"timestamp"`
	WasMentioned      bool      `json:"wasMentioned"`
	CommandAuthorized bool      `json:"commandAuthorized"`
}

// FinalizeInboundContext fills derived fields and normalizes whitespace.
func FinalizeInboundContext(c InboundContext) InboundContext {
	c.RawBody = strings.TrimSpace(c.RawBody)
	if c.CommandBody == "" {
		c.CommandBody = c.RawBody
	}
	if c.Body == "" {
		c.Body = c.RawBody
	}
	if c.BodyForAgent == "" {
		c.BodyForAgent = c.Body
	}
	if c.ChatType == "" {
		c.ChatType = "direct"
	}
	if c.Surface == "" {
		c.Surface = c.Provider
	}
	if c.OriginatingChannel == "" {
		c.OriginatingChannel = c.Provider
	}
	if c.OriginatingTo == "" {
		c.OriginatingTo = c.To
	}
	if c.ConversationLabel == "" {
		c.ConversationLabel = c.SenderName
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	return c
}

// SessionRecord converts the context into a session metadata record.
func (c *InboundContext) SessionRecord() sessions.InboundRecord {
	return sessions.InboundRecord{
		SessionKey:        c.SessionKey,
		Channel:           c.OriginatingChannel,
		ChatType:          c.ChatType,
		From:              c.From,
		To:                c.To,
		MessageID:         c.MessageSid,
		SenderName:        c.SenderName,
		ConversationLabel: c.ConversationLabel,
		AccountID:         c.AccountID,
		Timestamp:         c.Timestamp,
	}
}
