package reply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels/typing"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
)

func TestFormatAgentEnvelope(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 0, 0, time.UTC)
	opts := EnvelopeOptions{Location: time.UTC, IncludeTimestamp: true, IncludeElapsed: true}

	got := FormatAgentEnvelope(EnvelopeParams{
		Channel:           "Channel Talk",
		From:              "Alice",
		Timestamp:         ts,
		PreviousTimestamp: ts.Add(-5 * time.Minute),
		Envelope:          opts,
		Body:              "hello",
	})
	if want := "[Channel Talk Alice +5m 2026-05-06 07:08 UTC] hello"; got != want {
		t.Errorf("envelope = %q, want %q", got, want)
	}

	got = FormatAgentEnvelope(EnvelopeParams{Channel: "Channel Talk", From: "Bob", Timestamp: ts, Envelope: opts, Body: "x"})
	if want := "[Channel Talk Bob 2026-05-06 07:08 UTC] x"; got != want {
		t.Errorf("new session envelope = %q, want %q", got, want)
	}

	got = FormatAgentEnvelope(EnvelopeParams{Channel: "Channel Talk", From: "Bob", Timestamp: ts, Body: "x"})
	if got != "[Channel Talk Bob] x" {
		t.Errorf("bare envelope = %q", got)
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := map[time.Duration]string{
		30 * time.Second: "30s",
		90 * time.Minute: "1h",
		50 * time.Hour:   "2d",
	}
	for d, want := range cases {
		if got := formatElapsed(d); got != want {
			t.Errorf("formatElapsed(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestResolveEnvelopeOptions(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Agents.Defaults.EnvelopeTimezone = "UTC"
	cfg.Agents.Defaults.EnvelopeElapsed = &off
	opts := ResolveEnvelopeOptions(cfg)
	if opts.Location != time.UTC || !opts.IncludeTimestamp || opts.IncludeElapsed {
		t.Errorf("opts = %+v", opts)
	}
}

func TestFinalizeInboundContext(t *testing.T) {
	c := FinalizeInboundContext(InboundContext{
		Body:       "[Channel Talk A] hi",
		RawBody:    "  hi ",
		From:       "channel-talk:m1",
		To:         "group:g1",
		Provider:   "channel-talk",
		ChatType:   "channel",
		SenderName: "A",
	})
	if c.RawBody != "hi" || c.CommandBody != "hi" || c.BodyForAgent != c.Body {
		t.Errorf("bodies = %+v", c)
	}
	if c.Surface != "channel-talk" || c.OriginatingChannel != "channel-talk" || c.OriginatingTo != "group:g1" {
		t.Errorf("provenance = %+v", c)
	}
	if c.ConversationLabel != "A" || c.Timestamp.IsZero() {
		t.Errorf("label/timestamp = %q/%v", c.ConversationLabel, c.Timestamp)
	}
	rec := c.SessionRecord()
	if rec.From != "channel-talk:m1" || rec.Channel != "channel-talk" {
		t.Errorf("record = %+v", rec)
	}
}

func TestChunkMarkdownText(t *testing.T) {
	if got := ChunkMarkdownText("   ", 10); got != nil {
		t.Errorf("blank text chunks = %v", got)
	}
	if got := ChunkMarkdownText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short = %v", got)
	}

	para := strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30)
	got := ChunkMarkdownText(para, 40)
	if len(got) != 2 || got[0] != strings.Repeat("a", 30) || got[1] != strings.Repeat("b", 30) {
		t.Errorf("paragraph split = %q", got)
	}

	words := strings.Repeat("word ", 100)
	for _, c := range ChunkMarkdownText(words, 23) {
		if utf8.RuneCountInString(c) > 23 {
			t.Errorf("chunk over limit: %q", c)
		}
		if strings.HasPrefix(c, " ") || strings.HasSuffix(c, " ") {
			t.Errorf("chunk not trimmed at word boundary: %q", c)
		}
	}

	korean := strings.Repeat("가", 25)
	got = ChunkMarkdownText(korean, 10)
	if len(got) != 3 || utf8.RuneCountInString(got[0]) != 10 {
		t.Errorf("rune split = %q", got)
	}
	if strings.Join(got, "") != korean {
		t.Error("hard split lost content")
	}
}

func TestChunkMarkdownTextFence(t *testing.T) {
	code := "```go\n" + strings.Repeat("x := 1\n", 20) + "```"
	chunks := ChunkMarkdownText("intro\n"+code, 60)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > 60 {
			t.Errorf("chunk %d over limit: %d", i, utf8.RuneCountInString(c))
		}
		if _, open := openFence(c); open {
			t.Errorf("chunk %d leaves a fence open:\n%s", i, c)
		}
	}
	if !strings.HasPrefix(chunks[1], "```go\n") {
		t.Errorf("fence not reopened:\n%s", chunks[1])
	}
}

func TestResolveTextChunkLimit(t *testing.T) {
	cfg := config.Default()
	if got := ResolveTextChunkLimit(cfg, "channel-talk"); got != 4000 {
		t.Errorf("default = %d", got)
	}
	ct := cfg.ChannelTalk()
	ct.TextChunkLimit = 1200
	cfg.ReplaceChannelTalk(ct)
	if got := ResolveTextChunkLimit(cfg, "channel-talk"); got != 1200 {
		t.Errorf("configured = %d", got)
	}
	if got := ResolveTextChunkLimit(cfg, "other"); got != 4000 {
		t.Errorf("other channel = %d", got)
	}
}

func TestDispatcherOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	deliver := func(_ context.Context, p Payload, kind Kind) error {
		// Earlier payloads sleep longer; ordering must still hold.
		if p.Text == "one" {
			time.Sleep(30 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, string(kind)+":"+p.Text)
		mu.Unlock()
		return nil
	}
	d, _ := NewDispatcherWithTyping(context.Background(), DispatcherOptions{Deliver: deliver})

	d.SendToolResult(Payload{Text: "one"})
	d.SendBlockReply(Payload{Text: "two"})
	if d.SendFinalReply(Payload{Text: "  "}) {
		t.Error("blank payload queued")
	}
	d.SendFinalReply(Payload{Text: "three"})

	if err := d.WaitForIdle(context.Background()); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
	want := "tool:one,block:two,final:three"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
	if c := d.Counts(); c != (Counts{Tool: 1, Block: 1, Final: 1}) {
		t.Errorf("counts = %+v", c)
	}
}

func TestDispatcherErrorsAndIdle(t *testing.T) {
	var errs atomic.Int32
	var starts, stops atomic.Int32
	d, ro := NewDispatcherWithTyping(context.Background(), DispatcherOptions{
		Deliver: func(context.Context, Payload, Kind) error { return errors.New("boom") },
		OnError: func(error, Kind) { errs.Add(1) },
		Typing: &typing.Options{
			StartFn: func() error { starts.Add(1); return nil },
			StopFn:  func() error { stops.Add(1); return nil },
		},
	})

	ro.OnReplyStart()
	if !d.TypingActive() {
		t.Error("typing not active after OnReplyStart")
	}
	ro.OnPartialReply("partial")
	d.SendFinalReply(Payload{Text: "x"})
	_ = d.WaitForIdle(context.Background())
	if errs.Load() != 1 {
		t.Errorf("errors = %d, want 1", errs.Load())
	}

	d.MarkDispatchIdle()
	if d.TypingActive() || stops.Load() != 1 {
		t.Errorf("typing after idle: active=%v stops=%d", d.TypingActive(), stops.Load())
	}
	if starts.Load() != 2 {
		t.Errorf("typing signals = %d, want 2 (start + partial)", starts.Load())
	}
	if d.SendFinalReply(Payload{Text: "late"}) {
		t.Error("reply queued after MarkDispatchIdle")
	}
}

func TestDispatcherWaitForIdleTimeout(t *testing.T) {
	block := make(chan struct{})
	d, _ := NewDispatcherWithTyping(context.Background(), DispatcherOptions{
		Deliver: func(context.Context, Payload, Kind) error { <-block; return nil },
	})
	defer close(block)
	d.SendFinalReply(Payload{Text: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.WaitForIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForIdle = %v, want deadline exceeded", err)
	}
}
