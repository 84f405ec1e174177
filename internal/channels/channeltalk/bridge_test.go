package channeltalk

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/agent"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/bus"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/reply"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/routing"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []GroupMessage
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, msg GroupMessage) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return SendResult{}, f.err
	}
	f.sent = append(f.sent, msg)
	return SendResult{MessageID: "out", GroupID: msg.GroupID}, nil
}

func (f *fakeSender) messages() []GroupMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]GroupMessage(nil), f.sent...)
}

// fakeAgent records each turn and replies with the configured text.
type fakeAgent struct {
	mu    sync.Mutex
	calls []reply.InboundContext
	reply string
	err   error
}

func (f *fakeAgent) Dispatch(ctx context.Context, in *reply.InboundContext, d *reply.Dispatcher, opts reply.ReplyOptions) (agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *in)
	f.mu.Unlock()
	if f.err != nil {
		return agent.Result{}, f.err
	}
	opts.OnReplyStart()
	res := agent.Result{QueuedFinal: d.SendFinalReply(reply.Payload{Text: f.reply})}
	if err := d.WaitForIdle(ctx); err != nil {
		return res, err
	}
	res.Counts = d.Counts()
	return res, nil
}

func (f *fakeAgent) turns() []reply.InboundContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reply.InboundContext(nil), f.calls...)
}

type errorRecorder struct {
	channels.StatusReporter
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) RecordError(_, _ string, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Channels.ChannelTalk.AccessKey = "key"
	cfg.Channels.ChannelTalk.AccessSecret = "secret"
	cfg.Channels.ChannelTalk.BotName = "claw"
	cfg.Channels.ChannelTalk.SendRatePerSec = 0
	cfg.Session.Store = filepath.Join(t.TempDir(), "{agentId}", "sessions.json")
	return cfg
}

type bridgeFixture struct {
	cfg    *config.Config
	store  sessions.Store
	events *bus.SystemEvents
	agent  *fakeAgent
	sender *fakeSender
	status *errorRecorder
	spans  *tracetest.SpanRecorder
	bridge *Bridge
}

func newBridgeFixture(t *testing.T, mutate func(*config.Config)) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		cfg:    testConfig(t),
		store:  sessions.NewFileStore(),
		events: bus.NewSystemEvents(nil),
		agent:  &fakeAgent{reply: "ok"},
		sender: &fakeSender{},
		status: &errorRecorder{StatusReporter: channels.NopStatus},
		spans:  tracetest.NewSpanRecorder(),
	}
	if mutate != nil {
		mutate(f.cfg)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	b, err := NewBridge(BridgeOptions{
		Config:   f.cfg,
		Router:   routing.NewResolver(f.cfg),
		Sessions: f.store,
		Events:   f.events,
		Agent:    f.agent,
		Sender:   f.sender,
		Status:   f.status,
		Now:      func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		Tracer:   tp.Tracer("test"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.bridge = b
	return f
}

func sampleEvent() *Event {
	return &Event{
		Kind: KindPush,
		Entity: Entity{
			ID:        "m1",
			PlainText: "hi   there\n\nfriend",
			ChatType:  "group",
			ChatID:    "g1",
		},
		Refers:  Refers{ManagerID: "mgr1", ManagerName: "Jane"},
		GroupID: "g1",
	}
}

func TestBridgeDispatch(t *testing.T) {
	f := newBridgeFixture(t, nil)

	if err := f.bridge.Dispatch(context.Background(), sampleEvent(), Decision{Accepted: true, WasMentioned: true}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	turns := f.agent.turns()
	if len(turns) != 1 {
		t.Fatalf("agent turns = %d", len(turns))
	}
	in := turns[0]
	if in.SessionKey != "agent:default:channel-talk:group:g1" {
		t.Errorf("SessionKey = %q", in.SessionKey)
	}
	if in.From != "channel-talk:mgr1" || in.To != "group:g1" || in.OriginatingTo != "group:g1" {
		t.Errorf("from/to = %q/%q/%q", in.From, in.To, in.OriginatingTo)
	}
	if in.ChatType != "channel" || in.Provider != "channel-talk" || in.Surface != "channel-talk" {
		t.Errorf("chat type/provider = %q/%q/%q", in.ChatType, in.Provider, in.Surface)
	}
	if !in.WasMentioned || in.CommandAuthorized {
		t.Errorf("WasMentioned=%v CommandAuthorized=%v", in.WasMentioned, in.CommandAuthorized)
	}
	if in.RawBody != "hi   there\n\nfriend" || in.MessageSid != "m1" || in.SenderName != "Jane" {
		t.Errorf("inbound = %+v", in)
	}
	if !strings.Contains(in.Body, "Channel Talk") || !strings.Contains(in.Body, "Jane") || !strings.HasSuffix(in.Body, "friend") {
		t.Errorf("Body = %q", in.Body)
	}

	evs := f.events.Peek(in.SessionKey)
	if len(evs) != 1 || evs[0].Text != "Channel Talk message from Jane: hi there friend" {
		t.Errorf("system events = %+v", evs)
	}
	if evs[0].ContextKey != "channel-talk:message:g1:m1" {
		t.Errorf("ContextKey = %q", evs[0].ContextKey)
	}

	storePath := sessions.ResolveStorePath(f.cfg.Session.Store, "default")
	if _, ok, err := f.store.ReadUpdatedAt(context.Background(), storePath, in.SessionKey); err != nil || !ok {
		t.Errorf("session not recorded: ok=%v err=%v", ok, err)
	}

	sent := f.sender.messages()
	if len(sent) != 1 || sent[0].GroupID != "g1" || sent[0].PlainText != "ok" || sent[0].BotName != "claw" {
		t.Errorf("sent = %+v", sent)
	}

	ended := f.spans.Ended()
	if len(ended) != 1 || ended[0].Name() != "channel_talk.dispatch" {
		t.Fatalf("spans = %v", ended)
	}
	if ended[0].Status().Code == codes.Error {
		t.Error("successful dispatch span marked error")
	}
}

func TestBridgeChunksInOrder(t *testing.T) {
	f := newBridgeFixture(t, func(c *config.Config) { c.Channels.ChannelTalk.TextChunkLimit = 40 })
	f.agent.reply = strings.Repeat("alpha ", 10) + "\n\n" + strings.Repeat("omega ", 10)

	if err := f.bridge.Dispatch(context.Background(), sampleEvent(), Decision{Accepted: true, WasMentioned: true}); err != nil {
		t.Fatal(err)
	}
	sent := f.sender.messages()
	if len(sent) < 2 {
		t.Fatalf("expected several chunks, got %d", len(sent))
	}
	var joined []string
	for _, m := range sent {
		if n := len([]rune(m.PlainText)); n > 40 {
			t.Errorf("chunk of %d runes exceeds limit", n)
		}
		joined = append(joined, m.PlainText)
	}
	all := strings.Join(joined, " ")
	if strings.Index(all, "alpha") > strings.Index(all, "omega") || strings.Contains(sent[0].PlainText, "omega") {
		t.Errorf("chunks out of order: %q", joined)
	}
}

func TestBridgeAgentFailure(t *testing.T) {
	f := newBridgeFixture(t, nil)
	boom := errors.New("agent down")
	f.agent.err = boom

	err := f.bridge.Dispatch(context.Background(), sampleEvent(), Decision{Accepted: true, WasMentioned: true})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped agent error", err)
	}
	if len(f.sender.messages()) != 0 {
		t.Error("sent a reply after failed dispatch")
	}
	f.status.mu.Lock()
	n := len(f.status.errs)
	f.status.mu.Unlock()
	if n != 1 {
		t.Errorf("status errors = %d, want 1", n)
	}
	ended := f.spans.Ended()
	if len(ended) != 1 || ended[0].Status().Code != codes.Error {
		t.Errorf("span status not error: %v", ended)
	}
}

func TestBridgeSendFailureReportedNotReturned(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.sender.err = errors.New("429")

	if err := f.bridge.Dispatch(context.Background(), sampleEvent(), Decision{Accepted: true, WasMentioned: true}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	f.status.mu.Lock()
	defer f.status.mu.Unlock()
	if len(f.status.errs) != 1 || !strings.Contains(f.status.errs[0].Error(), "429") {
		t.Errorf("status errors = %v", f.status.errs)
	}
}

func TestBridgeTypingHook(t *testing.T) {
	f := newBridgeFixture(t, nil)
	var mu sync.Mutex
	var groups []string
	f.bridge.typing = func(_ context.Context, groupID string) error {
		mu.Lock()
		groups = append(groups, groupID)
		mu.Unlock()
		return nil
	}

	if err := f.bridge.Dispatch(context.Background(), sampleEvent(), Decision{Accepted: true, WasMentioned: true}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(groups) == 0 || groups[0] != "g1" {
		t.Errorf("typing calls = %v", groups)
	}
}

func TestBridgeRoutesByBinding(t *testing.T) {
	f := newBridgeFixture(t, func(c *config.Config) {
		c.Bindings = []config.AgentBinding{{
			AgentID: "Support",
			Match:   config.BindingMatch{Channel: "channel-talk", Peer: &config.BindingPeer{Kind: "group", ID: "g1"}},
		}}
	})
	if err := f.bridge.Dispatch(context.Background(), sampleEvent(), Decision{Accepted: true, WasMentioned: true}); err != nil {
		t.Fatal(err)
	}
	if got := f.agent.turns()[0].SessionKey; got != "agent:support:channel-talk:group:g1" {
		t.Errorf("SessionKey = %q", got)
	}
}

func TestNewBridgeRequiresCollaborators(t *testing.T) {
	if _, err := NewBridge(BridgeOptions{}); err == nil {
		t.Error("NewBridge accepted empty options")
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("가", 200)
	if got := preview(long); len([]rune(got)) != previewMaxRunes {
		t.Errorf("preview length = %d", len([]rune(got)))
	}
	if got := preview(" a \n\t b  "); got != "a b" {
		t.Errorf("preview = %q", got)
	}
}

func TestGroupLocksSerialize(t *testing.T) {
	var g groupLocks
	unlock := g.lock("g1")
	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		u := g.lock("g1")
		close(acquired)
		u()
		close(released)
	}()
	select {
	case <-acquired:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	<-released

	// Other keys never block.
	g.lock("g2")()
	g.mu.Lock()
	n := len(g.locks)
	g.mu.Unlock()
	if n != 0 {
		t.Errorf("locks leaked: %d", n)
	}
}
