// Package reply builds what the agent sees for an inbound message and
// carries the agent's replies back out in order.
package reply

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
)

// EnvelopeOptions controls the header line prepended to inbound bodies.
type EnvelopeOptions struct {
	Location         *time.Location
	IncludeTimestamp bool
	IncludeElapsed   bool
}

// ResolveEnvelopeOptions reads agents.defaults envelope settings.
// Unknown time zones fall back to local time.
func ResolveEnvelopeOptions(cfg *config.Config) EnvelopeOptions {
	d := cfg.Agents.Defaults
	opts := EnvelopeOptions{
		Location:         time.Local,
		IncludeTimestamp: d.EnvelopeTimestamp == nil || *d.EnvelopeTimestamp,
		IncludeElapsed:   d.EnvelopeElapsed == nil || *d.EnvelopeElapsed,
	}
	switch tz := strings.TrimSpace(d.EnvelopeTimezone); strings.ToLower(tz) {
	case "", "local":
	case "utc":
		opts.Location = time.UTC
	default:
		if loc, err := time.LoadLocation(tz); err == nil {
			opts.Location = loc
		}
	}
	return opts
}

// EnvelopeParams are the inputs to FormatAgentEnvelope.
type EnvelopeParams struct {
	Channel           string
	From              string
	Timestamp         time.Time
	PreviousTimestamp time.Time // zero when the session is new
	Envelope          EnvelopeOptions
	Body              string
}

// FormatAgentEnvelope renders "[Channel From +elapsed timestamp] body".
func FormatAgentEnvelope(p EnvelopeParams) string {
	parts := make([]string, 0, 4)
	if ch := strings.TrimSpace(p.Channel); ch != "" {
		parts = append(parts, ch)
	}
	if from := strings.TrimSpace(p.From); from != "" {
		parts = append(parts, from)
	}
	if p.Envelope.IncludeElapsed && !p.PreviousTimestamp.IsZero() && !p.Timestamp.IsZero() {
		if d := p.Timestamp.Sub(p.PreviousTimestamp); d > 0 {
			parts = append(parts, "+"+formatElapsed(d))
		}
	}
	if p.Envelope.IncludeTimestamp && !p.Timestamp.IsZero() {
		loc := p.Envelope.Location
		if loc == nil {
			loc = time.Local
		}
		parts = append(parts, p.Timestamp.In(loc).Format("2006-01-02 15:04 MST"))
	}
	if len(parts) == 0 {
		return p.Body
	}
	return "[" + strings.Join(parts, " ") + "] " + p.Body
}

func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}
