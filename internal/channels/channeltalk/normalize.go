package channeltalk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Reason names why an event was not dispatched.
type Reason string

const (
	ReasonMalformed       Reason = "malformed"
	ReasonNotAMessage     Reason = "not-a-message"
	ReasonMissingEntity   Reason = "missing-entity"
	ReasonWrongChatType   Reason = "wrong-chat-type"
	ReasonBotOriginated   Reason = "bot-originated"
	ReasonMissingID       Reason = "missing-id"
	ReasonMissingText     Reason = "missing-text"
	ReasonMissingGroupID  Reason = "missing-group-id"
	ReasonGroupClosed     Reason = "group-closed"
	ReasonGroupNotAllowed Reason = "group-not-allowed"
	ReasonNotMentioned    Reason = "not-mentioned"
	ReasonDuplicate       Reason = "duplicate"
)

// RejectError is returned by Normalize for payloads that are not
// dispatchable team-chat messages.
type RejectError struct {
	Reason Reason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "channel_talk event rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("channel_talk event rejected: %s (%s)", e.Reason, e.Detail)
}

func reject(reason Reason, detail string) error {
	return &RejectError{Reason: reason, Detail: detail}
}

// Normalize turns a raw webhook body into an Event.
//
// Accepted shapes, unwrapped at most two levels:
//
//	{event, entity, refers}
//	[{event, entity, refers}]
//	{body: {event, entity, refers}}
//	[{body: {event, entity, refers}}]
func Normalize(raw []byte) (*Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, reject(ReasonMalformed, "empty body")
	}

	// UseNumber keeps large numeric IDs exact.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, reject(ReasonMalformed, err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, reject(ReasonMalformed, "trailing data after payload")
	}
	obj, err := unwrap(v)
	if err != nil {
		return nil, err
	}

	// Re-decode the unwrapped object into the typed wire shape.
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, reject(ReasonMalformed, err.Error())
	}
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return nil, reject(ReasonMalformed, err.Error())
	}

	return fromWire(&we)
}

// unwrap peels the relay wrappers: an array (first element) and then a
// nested body object when no event field is present.
func unwrap(v any) (map[string]any, error) {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return map[string]any{}, nil
		}
		v = t[0]
	case map[string]any:
	default:
		return nil, reject(ReasonMalformed, fmt.Sprintf("payload is %T", v))
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, reject(ReasonNotAMessage, fmt.Sprintf("first element is %T", v))
	}

	if !truthy(obj["event"]) {
		if body, ok := obj["body"].(map[string]any); ok {
			obj = body
		}
	}
	return obj, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	default:
		return true
	}
}

func fromWire(we *wireEvent) (*Event, error) {
	var kind Kind
	switch {
	case we.Event == string(KindPush):
		kind = KindPush
	case we.Type == string(KindTeamChatMessage):
		kind = KindTeamChatMessage
	default:
		return nil, reject(ReasonNotAMessage, fmt.Sprintf("event=%q type=%q", we.Event, we.Type))
	}

	ent := we.Entity
	if ent == nil {
		return nil, reject(ReasonMissingEntity, "")
	}
	if ent.ChatType != chatTypeGroup {
		return nil, reject(ReasonWrongChatType, ent.ChatType)
	}
	if ent.PersonType == personTypeBot {
		return nil, reject(ReasonBotOriginated, "")
	}
	if ent.ID == "" {
		return nil, reject(ReasonMissingID, "")
	}
	text := strings.TrimSpace(ent.PlainText)
	if text == "" {
		return nil, reject(ReasonMissingText, string(ent.ID))
	}

	ev := &Event{
		Kind: kind,
		Entity: Entity{
			ID:         string(ent.ID),
			PlainText:  text,
			ChatType:   ent.ChatType,
			PersonType: ent.PersonType,
			ChatID:     string(ent.ChatID),
			PersonID:   string(ent.PersonID),
			CreatedAt:  timeOf(ent.CreatedAt),
		},
	}
	if r := we.Refers; r != nil {
		if r.Group != nil {
			ev.Refers.GroupID = string(r.Group.ID)
		}
		if r.Manager != nil {
			ev.Refers.ManagerID = string(r.Manager.ID)
			ev.Refers.ManagerName = string(r.Manager.Name)
		}
	}

	ev.GroupID = ev.Entity.ChatID
	if ev.GroupID == "" {
		ev.GroupID = ev.Refers.GroupID
	}
	if ev.GroupID == "" {
		return nil, reject(ReasonMissingGroupID, ev.Entity.ID)
	}
	return ev, nil
}
