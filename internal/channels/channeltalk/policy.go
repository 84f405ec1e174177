package channeltalk

import (
	"slices"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels"
)

// Policy is the live gating configuration.
type Policy struct {
	GroupPolicy   string // "open" (default) or "closed"
	AllowedGroups []string
	MentionOnly   bool
	BotName       string
}

// Decision is the gating outcome for one event.
type Decision struct {
	Accepted     bool
	Reason       Reason // set when rejected
	WasMentioned bool
}

// Gate decides whether an event is dispatched. The group checks run before
// any mention matching. When mention-only is off every accepted event counts
// as mentioned.
func Gate(ev *Event, p Policy) Decision {
	if channels.GroupPolicy(p.GroupPolicy) == channels.GroupPolicyClosed {
		return Decision{Reason: ReasonGroupClosed}
	}
	if len(p.AllowedGroups) > 0 && !slices.Contains(p.AllowedGroups, ev.GroupID) {
		return Decision{Reason: ReasonGroupNotAllowed}
	}
	if !p.MentionOnly {
		return Decision{Accepted: true, WasMentioned: true}
	}
	if !IsMentioned(ev.Entity.PlainText, p.BotName) {
		return Decision{Reason: ReasonNotMentioned}
	}
	return Decision{Accepted: true, WasMentioned: true}
}
