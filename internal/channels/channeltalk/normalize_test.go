package channeltalk

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

const pushEvent = `{
  "event": "push",
  "type": "message",
  "entity": {
    "id": "m1",
    "plainText": "  hi there  ",
    "chatType": "group",
    "personType": "manager",
    "chatId": "g1",
    "personId": "p1",
    "createdAt": 1700000000000
  },
  "refers": {"manager": {"id": "mgr1", "name": "Jane"}, "group": {"id": "g-ref"}}
}`

func TestNormalizeWrapLevels(t *testing.T) {
	want, err := Normalize([]byte(pushEvent))
	if err != nil {
		t.Fatalf("bare: %v", err)
	}

	wrapped := []struct {
		name string
		raw  string
	}{
		{"array", `[` + pushEvent + `]`},
		{"body", `{"body":` + pushEvent + `}`},
		{"array of body", `[{"body":` + pushEvent + `}]`},
		{"body with falsy event", `{"event": "", "body":` + pushEvent + `}`},
	}
	for _, tt := range wrapped {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("got %+v, want %+v", got, want)
			}
		})
	}
}

func TestNormalizeFields(t *testing.T) {
	ev, err := Normalize([]byte(pushEvent))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != KindPush || ev.Entity.ID != "m1" || ev.Entity.PlainText != "hi there" {
		t.Errorf("event = %+v", ev)
	}
	if ev.GroupID != "g1" {
		t.Errorf("GroupID = %q, want chatId g1", ev.GroupID)
	}
	if ev.SenderID() != "mgr1" || ev.SenderName() != "Jane" {
		t.Errorf("sender = %q/%q", ev.SenderID(), ev.SenderName())
	}
	if !ev.Entity.CreatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("CreatedAt = %v", ev.Entity.CreatedAt)
	}
}

func TestNormalizeFallbacks(t *testing.T) {
	raw := `{"type":"message.created.teamChat","entity":{"id":12345678901234567890,"plainText":"yo","chatType":"group","personId":77,"createdAt":"2024-05-01T10:00:00Z"},"refers":{"group":{"id":"g-ref"}}}`
	ev, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != KindTeamChatMessage {
		t.Errorf("Kind = %q", ev.Kind)
	}
	if ev.Entity.ID != "12345678901234567890" {
		t.Errorf("numeric id lost precision: %q", ev.Entity.ID)
	}
	if ev.GroupID != "g-ref" {
		t.Errorf("GroupID = %q, want refers.group.id", ev.GroupID)
	}
	if ev.SenderID() != "77" || ev.SenderName() != "77" {
		t.Errorf("sender = %q/%q", ev.SenderID(), ev.SenderName())
	}
	if ev.Entity.CreatedAt.Year() != 2024 {
		t.Errorf("CreatedAt = %v", ev.Entity.CreatedAt)
	}

	anon := `{"event":"push","entity":{"id":"m2","plainText":"x","chatType":"group","chatId":"g1"}}`
	ev, err = Normalize([]byte(anon))
	if err != nil {
		t.Fatal(err)
	}
	if ev.SenderID() != "unknown" || ev.SenderName() != "unknown" {
		t.Errorf("sender = %q/%q", ev.SenderID(), ev.SenderName())
	}
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := ev.Timestamp(func() time.Time { return now }); !got.Equal(now) {
		t.Errorf("Timestamp = %v, want now", got)
	}
}

func TestNormalizeLenientOptionalFields(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time { return now }

	cases := []struct {
		name      string
		createdAt string
		manager   string
		wantName  string
	}{
		{"space separated date", `"2024-05-01 10:00:00"`, `{"id":"mgr1","name":"Jane"}`, "Jane"},
		{"boolean createdAt", `true`, `{"id":"mgr1","name":"Jane"}`, "Jane"},
		{"object createdAt", `{}`, `{"id":"mgr1","name":"Jane"}`, "Jane"},
		{"numeric manager name", `null`, `{"id":"mgr1","name":42}`, "mgr1"},
		{"object manager name", `null`, `{"id":"mgr1","name":{"first":"J"}}`, "mgr1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := `{"event":"push","entity":{"id":"m1","plainText":"hi","chatType":"group","chatId":"g1","createdAt":` +
				tc.createdAt + `},"refers":{"manager":` + tc.manager + `}}`
			ev, err := Normalize([]byte(raw))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got := ev.Timestamp(clock); !got.Equal(now) {
				t.Errorf("Timestamp = %v, want now", got)
			}
			if ev.SenderName() != tc.wantName {
				t.Errorf("SenderName = %q, want %q", ev.SenderName(), tc.wantName)
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Reason
	}{
		{"empty", ``, ReasonMalformed},
		{"invalid json", `{"event":`, ReasonMalformed},
		{"scalar", `"push"`, ReasonMalformed},
		{"trailing data", pushEvent + ` {}`, ReasonMalformed},
		{"empty array", `[]`, ReasonNotAMessage},
		{"array of scalar", `[1]`, ReasonNotAMessage},
		{"other event", `{"event":"update","entity":{}}`, ReasonNotAMessage},
		{"user chat", `{"type":"message.created.userChat","entity":{"id":"m"}}`, ReasonNotAMessage},
		{"no entity", `{"event":"push"}`, ReasonMissingEntity},
		{"direct chat", `{"event":"push","entity":{"id":"m","plainText":"x","chatType":"userChat","chatId":"g"}}`, ReasonWrongChatType},
		{"bot", `{"event":"push","entity":{"id":"m","plainText":"x","chatType":"group","personType":"bot","chatId":"g"}}`, ReasonBotOriginated},
		{"no id", `{"event":"push","entity":{"plainText":"x","chatType":"group","chatId":"g"}}`, ReasonMissingID},
		{"blank text", `{"event":"push","entity":{"id":"m","plainText":"  \n ","chatType":"group","chatId":"g"}}`, ReasonMissingText},
		{"no group", `{"event":"push","entity":{"id":"m","plainText":"x","chatType":"group"}}`, ReasonMissingGroupID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize([]byte(tt.raw))
			if err == nil {
				t.Fatalf("expected rejection, got %+v", ev)
			}
			var rej *RejectError
			if !errors.As(err, &rej) {
				t.Fatalf("error %v is not a RejectError", err)
			}
			if rej.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", rej.Reason, tt.want)
			}
		})
	}
}

func TestNormalizeBotAlwaysRejected(t *testing.T) {
	bodies := []string{
		`{"event":"push","entity":{"id":"m","plainText":"@claw hi","chatType":"group","personType":"bot","chatId":"g"},"refers":{"manager":{"id":"x","name":"Jane"}}}`,
		`[{"body":{"type":"message.created.teamChat","entity":{"id":"m","plainText":"hi","chatType":"group","personType":"bot","chatId":"g"}}}]`,
	}
	for _, b := range bodies {
		_, err := Normalize([]byte(b))
		var rej *RejectError
		if !errors.As(err, &rej) || rej.Reason != ReasonBotOriginated {
			t.Errorf("Normalize(%s) = %v, want bot-originated", b, err)
		}
	}
}
