package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/crawdtv/crawd/internal/bus"
	"github.com/crawdtv/crawd/internal/dispatch"
)

// turnScript is one pre-programmed agent answer. A non-nil gate makes the
// turn block until the test releases it, which is how the busy-skip paths
// get exercised.
type turnScript struct {
	replies []string
	err     error
	gate    chan struct{}
}

type fakeAgent struct {
	mu      sync.Mutex
	prompts []string
	script  []turnScript
}

func (a *fakeAgent) push(replies ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, turnScript{replies: replies})
}

func (a *fakeAgent) pushErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, turnScript{err: err})
}

func (a *fakeAgent) pushGated(gate chan struct{}, replies ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, turnScript{replies: replies, gate: gate})
}

func (a *fakeAgent) TriggerAgent(ctx context.Context, message string) ([]string, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, message)
	ts := turnScript{replies: []string{"LIVESTREAM_REPLIED"}}
	if len(a.script) > 0 {
		ts = a.script[0]
		a.script = a.script[1:]
	}
	a.mu.Unlock()

	if ts.gate != nil {
		select {
		case <-ts.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return ts.replies, ts.err
}

func (a *fakeAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

func (a *fakeAgent) prompt(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= len(a.prompts) {
		return ""
	}
	return a.prompts[i]
}

type captureEmitter struct {
	mu     sync.Mutex
	events []bus.Event
}

func (e *captureEmitter) Emit(ev bus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *captureEmitter) on(channel string) []bus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []bus.Event
	for _, ev := range e.events {
		if ev.Channel == channel {
			out = append(out, ev)
		}
	}
	return out
}

func (e *captureEmitter) statuses() []string {
	var out []string
	for _, ev := range e.on(bus.ChannelStatus) {
		out = append(out, ev.Payload.(statusPayload).Status)
	}
	return out
}

func (e *captureEmitter) planEvents() []planEventPayload {
	var out []planEventPayload
	for _, ev := range e.on(bus.ChannelPlan) {
		out = append(out, ev.Payload.(planEventPayload))
	}
	return out
}

func (e *captureEmitter) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

type fixture struct {
	t     *testing.T
	clock *clockwork.FakeClock
	agent *fakeAgent
	emit  *captureEmitter
	disp  *dispatch.Dispatcher
	coord *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		clock: clockwork.NewFakeClock(),
		agent: &fakeAgent{},
		emit:  &captureEmitter{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.disp = dispatch.New(nil)
	f.disp.Start(ctx)
	f.coord = New(f.agent, f.disp, f.emit, f.clock, nil, cfg)
	f.coord.Start(ctx)
	t.Cleanup(func() {
		f.coord.Stop()
		cancel()
		f.disp.Stop()
	})
	return f
}

func (f *fixture) chat(username, text string) bus.ChatMessage {
	return f.chatOn(bus.PlatformPumpFun, username, text)
}

func (f *fixture) chatOn(platform bus.Platform, username, text string) bus.ChatMessage {
	msg := bus.ChatMessage{
		ID:         uuid.NewString(),
		ShortID:    bus.NewShortID(),
		Platform:   platform,
		Username:   username,
		Text:       text,
		ReceivedAt: f.clock.Now().UnixMilli(),
	}
	f.coord.HandleMessage(msg)
	return msg
}

// sync waits until every intent queued before it has been handled. The
// mailbox is a single FIFO channel, so a round-tripped status request is a
// full barrier.
func (f *fixture) sync() {
	f.coord.Status()
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (f *fixture) waitCalls(n int) {
	f.t.Helper()
	waitUntil(f.t, func() bool { return f.agent.calls() >= n }, "agent calls")
	if got := f.agent.calls(); got != n {
		f.t.Fatalf("agent calls = %d, want %d", got, n)
	}
}

func (f *fixture) waitState(s State) {
	f.t.Helper()
	waitUntil(f.t, func() bool { return f.coord.Status().State == s }, "state "+string(s))
}

// settle gives any stray dispatches a moment to land, then asserts the call
// count did not move.
func (f *fixture) settle(n int) {
	f.t.Helper()
	time.Sleep(50 * time.Millisecond)
	if got := f.agent.calls(); got != n {
		f.t.Fatalf("agent calls = %d after settling, want %d", got, n)
	}
}

func noneConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeNone
	return cfg
}

func TestFirstMessageDispatchesImmediately(t *testing.T) {
	f := newFixture(t, noneConfig())

	msg := f.chat("alice", "gm crawd")
	f.waitCalls(1)

	want := "[CRAWD:CHAT - 1 message]\n[" + msg.ShortID + "] alice: gm crawd"
	if got := f.agent.prompt(0); got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestFollowupsBatchUntilWindowCloses(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.chat("alice", "gm")
	f.waitCalls(1)

	f.clock.Advance(5 * time.Second)
	m2 := f.chat("bob", "what token is this")
	f.sync()

	f.clock.Advance(13 * time.Second)
	m3 := f.chatOn(bus.PlatformYouTube, "carol", "wen moon")
	f.sync()

	f.clock.Advance(2 * time.Second)
	f.waitCalls(2)

	p := f.agent.prompt(1)
	if !strings.HasPrefix(p, "[CRAWD:CHAT - 2 messages, 15s]\n") {
		t.Fatalf("batch header wrong: %q", p)
	}
	if !strings.Contains(p, "["+m2.ShortID+"] bob: what token is this\n") {
		t.Fatalf("missing home-platform line: %q", p)
	}
	if !strings.Contains(p, "["+m3.ShortID+"] YOUTUBE carol: wen moon") {
		t.Fatalf("missing tagged line: %q", p)
	}
	if !strings.HasSuffix(p, "(To reply to a specific message, prefix with its ID: [msgId] your reply)") {
		t.Fatalf("missing reply hint: %q", p)
	}
}

func TestEmptyWindowCloses(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.chat("alice", "gm")
	f.waitCalls(1)

	// Window expires with nothing buffered, so the next message starts a
	// fresh leading-edge batch.
	f.clock.Advance(20 * time.Second)
	f.clock.Advance(5 * time.Second)
	m2 := f.chat("bob", "anyone here")
	f.waitCalls(2)

	want := "[CRAWD:CHAT - 1 message]\n[" + m2.ShortID + "] bob: anyone here"
	if got := f.agent.prompt(1); got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestChatWakesFromSleep(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	if st := f.coord.Status().State; st != StateSleep {
		t.Fatalf("initial state = %q, want sleep", st)
	}

	f.chat("viewer", "gm")
	f.waitCalls(1)

	snap := f.coord.Status()
	if snap.State != StateActive {
		t.Fatalf("state = %q, want active", snap.State)
	}
	if snap.LastActivityAt != f.clock.Now().UnixMilli() {
		t.Fatalf("lastActivityAt = %d, want %d", snap.LastActivityAt, f.clock.Now().UnixMilli())
	}
	if got := f.emit.statuses(); len(got) < 2 || got[0] != "active" || got[1] != "chatting" {
		t.Fatalf("status events = %v, want [active chatting ...]", got)
	}
	if got := len(f.emit.on(bus.ChannelChat)); got != 1 {
		t.Fatalf("chat events = %d, want 1", got)
	}
	f.settle(1)
}

func TestIdleThenSleepCompacts(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.chat("viewer", "gm")
	f.waitCalls(1)

	f.clock.Advance(185 * time.Second)
	f.waitState(StateIdle)

	f.clock.Advance(185 * time.Second)
	f.waitState(StateSleep)

	f.waitCalls(2)
	if got := f.agent.prompt(1); got != "/compact" {
		t.Fatalf("sleep turn prompt = %q, want /compact", got)
	}
	want := []string{"active", "chatting", "idle", "sleep"}
	got := f.emit.statuses()
	if len(got) != len(want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status events = %v, want %v", got, want)
		}
	}
}

func TestPlanNudgeCycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModePlan
	f := newFixture(t, cfg)

	f.coord.Wake()
	f.waitState(StateActive)

	p, err := f.coord.SetPlan("Ship the demo", []string{"Write the script", "Record the take", "Post the clip"})
	if err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if p.Status != PlanActive || len(p.Steps) != 3 || p.ID == "" {
		t.Fatalf("unexpected plan: %+v", p)
	}

	events := f.emit.planEvents()
	if len(events) != 1 || events[0].Type != "created" || events[0].Goal != "Ship the demo" || events[0].PlanID != p.ID {
		t.Fatalf("plan events = %+v", events)
	}

	f.clock.Advance(100 * time.Millisecond)
	f.waitCalls(1)
	first := f.agent.prompt(0)
	wantFirst := "[CRAWD:PLAN]\nGoal: Ship the demo\n" +
		"[-] 0. Write the script   <-- next\n" +
		"[ ] 1. Record the take\n" +
		"[ ] 2. Post the clip\n"
	if !strings.HasPrefix(first, wantFirst) {
		t.Fatalf("first nudge = %q, want prefix %q", first, wantFirst)
	}

	if _, err := f.coord.MarkStepDone(0); err != nil {
		t.Fatalf("MarkStepDone(0): %v", err)
	}
	f.clock.Advance(100 * time.Millisecond)
	f.waitCalls(2)
	second := f.agent.prompt(1)
	wantSecond := "[CRAWD:PLAN]\nGoal: Ship the demo\n" +
		"[x] 0. Write the script\n" +
		"[-] 1. Record the take   <-- next\n" +
		"[ ] 2. Post the clip\n"
	if !strings.HasPrefix(second, wantSecond) {
		t.Fatalf("second nudge = %q, want prefix %q", second, wantSecond)
	}

	if _, err := f.coord.MarkStepDone(1); err != nil {
		t.Fatalf("MarkStepDone(1): %v", err)
	}
	f.clock.Advance(100 * time.Millisecond)
	f.waitCalls(3)

	done, err := f.coord.MarkStepDone(2)
	if err != nil {
		t.Fatalf("MarkStepDone(2): %v", err)
	}
	if done.Status != PlanCompleted {
		t.Fatalf("plan status = %q, want completed", done.Status)
	}
	events = f.emit.planEvents()
	if last := events[len(events)-1]; last.Type != "completed" || last.PlanID != p.ID {
		t.Fatalf("last plan event = %+v, want completed", last)
	}

	// A completed plan must not nudge again.
	f.clock.Advance(time.Second)
	f.settle(3)

	if _, err := f.coord.MarkStepDone(0); !errors.Is(err, ErrNoActivePlan) {
		t.Fatalf("MarkStepDone on completed plan: %v, want ErrNoActivePlan", err)
	}
}

func TestMarkStepOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModePlan
	f := newFixture(t, cfg)

	if _, err := f.coord.SetPlan("goal", []string{"only step"}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if _, err := f.coord.MarkStepDone(5); !errors.Is(err, ErrStepOutOfRange) {
		t.Fatalf("err = %v, want ErrStepOutOfRange", err)
	}
}

func TestSetPlanAbandonsPrevious(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModePlan
	f := newFixture(t, cfg)

	p1, err := f.coord.SetPlan("first goal", []string{"a"})
	if err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	p2, err := f.coord.SetPlan("second goal", []string{"b"})
	if err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	events := f.emit.planEvents()
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type+":"+ev.PlanID)
	}
	want := []string{"created:" + p1.ID, "abandoned:" + p1.ID, "created:" + p2.ID}
	if len(types) != len(want) {
		t.Fatalf("plan events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("plan events = %v, want %v", types, want)
		}
	}

	current, ok := f.coord.GetPlan()
	if !ok || current.ID != p2.ID || current.Goal != "second goal" {
		t.Fatalf("GetPlan = %+v ok=%v", current, ok)
	}
}

func TestPlanNudgeSkippedWhileBusy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModePlan
	f := newFixture(t, cfg)

	gate := make(chan struct{})
	f.agent.pushGated(gate, "LIVESTREAM_REPLIED")

	if _, err := f.coord.SetPlan("goal", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	f.clock.Advance(100 * time.Millisecond)
	f.waitCalls(1)

	// First nudge turn is still in flight; this one must be skipped, not
	// queued behind it.
	if _, err := f.coord.MarkStepDone(0); err != nil {
		t.Fatalf("MarkStepDone: %v", err)
	}
	f.clock.Advance(100 * time.Millisecond)
	f.settle(1)

	close(gate)
	waitUntil(t, func() bool { return !f.disp.Busy() }, "dispatcher drain")

	if _, err := f.coord.MarkStepDone(1); err != nil {
		t.Fatalf("MarkStepDone: %v", err)
	}
	f.clock.Advance(100 * time.Millisecond)
	f.waitCalls(2)
	if p := f.agent.prompt(1); !strings.Contains(p, "[-] 2. c   <-- next") {
		t.Fatalf("nudge after drain = %q, want next marker on step 2", p)
	}
}

func TestMisalignedReplyTriggersCorrection(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.agent.push("The token is pumping hard right now!")
	f.chat("viewer", "how is the chart")
	f.waitCalls(2)

	p := f.agent.prompt(1)
	if !strings.HasPrefix(p, "[CRAWD:MISALIGNED]") {
		t.Fatalf("correction prompt = %q", p)
	}
	if !strings.Contains(p, `"The token is pumping hard right now!"`) {
		t.Fatalf("correction does not quote the reply: %q", p)
	}
	f.settle(2)
}

func TestCorrectionIsNotReCorrected(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.agent.push("first garbage")
	f.agent.push("second garbage")
	f.chat("viewer", "gm")
	f.waitCalls(2)
	f.settle(2)
}

func TestLongMisalignedReplyIsTruncated(t *testing.T) {
	f := newFixture(t, noneConfig())

	long := strings.Repeat("x", 200)
	f.agent.push(long)
	f.chat("viewer", "gm")
	f.waitCalls(2)

	p := f.agent.prompt(1)
	if strings.Contains(p, long) {
		t.Fatalf("correction quotes the full reply")
	}
	if !strings.Contains(p, strings.Repeat("x", 80)+"...") {
		t.Fatalf("correction missing truncated quote: %q", p)
	}
}

func TestApiErrorReplyIsNotMisalignment(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.agent.push("529 error: overloaded")
	f.chat("viewer", "gm")
	f.waitCalls(1)
	f.settle(1)

	if st := f.coord.Status().State; st != StateActive {
		t.Fatalf("state = %q, want active", st)
	}
}

func TestNoReplySleepsAndSilencesVibe(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.coord.Wake()
	f.waitState(StateActive)
	f.clock.BlockUntil(2)

	f.agent.push("NO_REPLY")
	f.clock.Advance(30 * time.Second)
	f.waitState(StateSleep)

	f.waitCalls(2)
	if p := f.agent.prompt(0); !strings.HasPrefix(p, "[CRAWD:VIBE]") {
		t.Fatalf("vibe prompt = %q", p)
	}
	if got := f.agent.prompt(1); got != "/compact" {
		t.Fatalf("sleep turn prompt = %q, want /compact", got)
	}

	statuses := f.emit.statuses()
	sawVibing := false
	for _, s := range statuses {
		if s == "vibing" {
			sawVibing = true
		}
	}
	if !sawVibing || statuses[len(statuses)-1] != "sleep" {
		t.Fatalf("status events = %v, want vibing then sleep", statuses)
	}

	f.clock.Advance(5 * time.Minute)
	f.settle(2)
}

func TestChatNoReplyStaysAwake(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.agent.push("NO_REPLY")
	f.chat("viewer", "anyone home?")
	f.waitCalls(1)
	f.settle(1)

	if st := f.coord.Status().State; st != StateActive {
		t.Fatalf("state = %q, want active", st)
	}
}

func TestVibeRearmsAfterTurnCompletes(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.coord.Wake()
	f.waitState(StateActive)
	f.clock.BlockUntil(2)

	f.clock.Advance(30 * time.Second)
	f.waitCalls(1)

	// Rearm happens on turn completion; wait for the fresh timer before
	// advancing again.
	f.clock.BlockUntil(2)
	f.clock.Advance(30 * time.Second)
	f.waitCalls(2)
	if p := f.agent.prompt(1); !strings.HasPrefix(p, "[CRAWD:VIBE]") {
		t.Fatalf("second vibe prompt = %q", p)
	}
}

func TestVibeSkippedWhileBusyKeepsCadence(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	gate := make(chan struct{})
	f.agent.pushGated(gate, "LIVESTREAM_REPLIED")

	f.chat("viewer", "gm")
	f.waitCalls(1)

	// Vibe fires mid chat turn: skipped but rescheduled.
	f.clock.Advance(30 * time.Second)
	f.settle(1)

	close(gate)
	waitUntil(t, func() bool { return !f.disp.Busy() }, "dispatcher drain")

	f.clock.Advance(30 * time.Second)
	f.waitCalls(2)
	if p := f.agent.prompt(1); !strings.HasPrefix(p, "[CRAWD:VIBE]") {
		t.Fatalf("post-skip prompt = %q", p)
	}
}

func TestVibeTurnErrorKeepsCadence(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.coord.Wake()
	f.waitState(StateActive)
	f.clock.BlockUntil(2)

	f.agent.pushErr(errors.New("gateway: not connected"))
	f.clock.Advance(30 * time.Second)
	f.waitCalls(1)

	f.clock.BlockUntil(2)
	f.clock.Advance(30 * time.Second)
	f.waitCalls(2)
}

func TestCustomVibePrompt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VibePrompt = "[CRAWD:VIBE] check the chart"
	f := newFixture(t, cfg)

	f.coord.Wake()
	f.waitState(StateActive)
	f.clock.BlockUntil(2)
	f.clock.Advance(30 * time.Second)
	f.waitCalls(1)

	if got := f.agent.prompt(0); got != "[CRAWD:VIBE] check the chart" {
		t.Fatalf("prompt = %q", got)
	}
}

func TestSpeechWakesFromSleep(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.coord.NotifySpeech()
	f.waitState(StateActive)
	f.settle(0)
}

func TestDisabledCoordinatorStillMirrorsChat(t *testing.T) {
	cfg := noneConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg)

	f.coord.Wake()
	f.chat("viewer", "anyone home")
	f.sync()

	if st := f.coord.Status().State; st != StateSleep {
		t.Fatalf("state = %q, want sleep", st)
	}
	if got := len(f.emit.on(bus.ChannelChat)); got != 1 {
		t.Fatalf("chat events = %d, want 1", got)
	}
	f.settle(0)
}

func TestDisableDropsBufferedChat(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.chat("alice", "gm")
	f.waitCalls(1)
	f.chat("bob", "buffered")
	f.sync()

	off := false
	if _, err := f.coord.UpdateConfig(ConfigPatch{Enabled: &off}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	f.clock.Advance(25 * time.Second)
	f.settle(1)

	on := true
	if _, err := f.coord.UpdateConfig(ConfigPatch{Enabled: &on}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	f.chat("carol", "fresh start")
	f.waitCalls(2)
	if p := f.agent.prompt(1); !strings.Contains(p, "carol: fresh start") {
		t.Fatalf("prompt after re-enable = %q", p)
	}
	if strings.Contains(f.agent.prompt(1), "buffered") {
		t.Fatalf("dropped message leaked into a later batch: %q", f.agent.prompt(1))
	}
}

func TestUpdateConfigValidates(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	bad := "turbo"
	if _, err := f.coord.UpdateConfig(ConfigPatch{Mode: &bad}); err == nil {
		t.Fatal("expected error for invalid mode")
	}
	neg := int64(-5)
	if _, err := f.coord.UpdateConfig(ConfigPatch{BatchWindowMs: &neg}); err == nil {
		t.Fatal("expected error for negative window")
	}
	if got := f.coord.Status().Config.Mode; got != ModeVibe {
		t.Fatalf("mode after rejected patches = %q, want vibe", got)
	}
}

func TestLookupIndexesOnlyDispatchedMessages(t *testing.T) {
	f := newFixture(t, noneConfig())

	m1 := f.chat("alice", "first")
	f.waitCalls(1)

	got, ok := f.coord.LookupMessage(m1.ShortID)
	if !ok || got.Text != "first" || got.Username != "alice" {
		t.Fatalf("LookupMessage = %+v ok=%v", got, ok)
	}

	// Buffered but not yet dispatched: invisible to reply targeting.
	m2 := f.chat("bob", "second")
	f.sync()
	if _, ok := f.coord.LookupMessage(m2.ShortID); ok {
		t.Fatal("buffered message should not be indexed yet")
	}

	if _, ok := f.coord.LookupMessage("zzzzzz"); ok {
		t.Fatal("unknown short id should not resolve")
	}
}

func TestStaleMessagesHardDropped(t *testing.T) {
	f := newFixture(t, noneConfig())

	stale := bus.ChatMessage{
		ID:         uuid.NewString(),
		ShortID:    bus.NewShortID(),
		Platform:   bus.PlatformPumpFun,
		Username:   "ghost",
		Text:       "from the backlog",
		ReceivedAt: f.clock.Now().Add(-31 * time.Second).UnixMilli(),
	}
	f.coord.HandleMessage(stale)
	f.sync()

	if got := f.emit.total(); got != 0 {
		t.Fatalf("events = %d, want 0", got)
	}
	if st := f.coord.Status().State; st != StateSleep {
		t.Fatalf("state = %q, want sleep", st)
	}
	f.settle(0)

	// Exactly at the grace boundary is still accepted.
	edge := stale
	edge.ID = uuid.NewString()
	edge.ShortID = bus.NewShortID()
	edge.ReceivedAt = f.clock.Now().Add(-30 * time.Second).UnixMilli()
	f.coord.HandleMessage(edge)
	f.waitCalls(1)
}

func TestInjectMockChat(t *testing.T) {
	f := newFixture(t, noneConfig())

	f.coord.InjectMockChat("dev", "test message")
	f.waitCalls(1)

	events := f.emit.on(bus.ChannelChat)
	if len(events) != 1 {
		t.Fatalf("chat events = %d, want 1", len(events))
	}
	msg := events[0].Payload.(bus.ChatMessage)
	if msg.Platform != bus.PlatformPumpFun || msg.Username != "dev" || msg.ShortID == "" {
		t.Fatalf("mock message = %+v", msg)
	}
	if p := f.agent.prompt(0); !strings.Contains(p, "] dev: test message") {
		t.Fatalf("prompt = %q", p)
	}
}

func TestBatchPromptFormat(t *testing.T) {
	now := time.UnixMilli(100_000)
	single := []bus.ChatMessage{{ShortID: "abc123", Platform: bus.PlatformPumpFun, Username: "al", Text: "gm", ReceivedAt: 100_000}}
	if got := batchPrompt(single, now); got != "[CRAWD:CHAT - 1 message]\n[abc123] al: gm" {
		t.Fatalf("single = %q", got)
	}

	multi := []bus.ChatMessage{
		{ShortID: "aaaaaa", Platform: bus.PlatformTwitch, Username: "t", Text: "one", ReceivedAt: 90_000},
		{ShortID: "bbbbbb", Platform: bus.PlatformTwitter, Username: "x", Text: "two", ReceivedAt: 95_000},
	}
	got := batchPrompt(multi, now)
	want := "[CRAWD:CHAT - 2 messages, 10s]\n" +
		"[aaaaaa] TWITCH t: one\n" +
		"[bbbbbb] TWITTER x: two\n" +
		"(To reply to a specific message, prefix with its ID: [msgId] your reply)"
	if got != want {
		t.Fatalf("multi = %q, want %q", got, want)
	}
}

func TestClassifyReplies(t *testing.T) {
	cases := []struct {
		name       string
		replies    []string
		quiet      bool
		misaligned int
		apiErrors  int
	}{
		{"protocol ok", []string{"LIVESTREAM_REPLIED"}, false, 0, 0},
		{"trimmed and case folded", []string{"  no_reply  "}, true, 0, 0},
		{"empty ignored", []string{"", "   "}, false, 0, 0},
		{"plain text", []string{"hello chat"}, false, 1, 0},
		{"status code error", []string{"529 error: overloaded"}, false, 0, 1},
		{"rate limited", []string{"upstream rate limit reached, retry later"}, false, 0, 1},
		{"mixed", []string{"LIVESTREAM_REPLIED", "stray text", "NO_REPLY"}, true, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := classifyReplies(tc.replies)
			if v.quiet != tc.quiet || len(v.misaligned) != tc.misaligned || v.apiErrors != tc.apiErrors {
				t.Fatalf("verdict = %+v, want quiet=%v misaligned=%d apiErrors=%d",
					v, tc.quiet, tc.misaligned, tc.apiErrors)
			}
		})
	}
}

func TestRecentIndexEvicts(t *testing.T) {
	idx := newRecentIndex(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		idx.add(bus.ChatMessage{ShortID: id, Text: "m-" + id})
	}
	if _, ok := idx.lookup("a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if _, ok := idx.lookup(id); !ok {
			t.Fatalf("entry %q missing", id)
		}
	}

	// Re-adding an existing id must not grow the window.
	idx.add(bus.ChatMessage{ShortID: "d", Text: "updated"})
	if m, _ := idx.lookup("d"); m.Text != "updated" {
		t.Fatalf("lookup(d) = %+v", m)
	}
	if _, ok := idx.lookup("b"); !ok {
		t.Fatal("re-add evicted an unrelated entry")
	}
}

func TestNudgePromptRendering(t *testing.T) {
	p := Plan{
		Goal: "Grow the stream",
		Steps: []Step{
			{Description: "Pick a topic", Status: StepDone},
			{Description: "Go live", Status: StepPending},
			{Description: "Clip highlights", Status: StepPending},
		},
	}
	got := nudgePrompt(p)
	want := "[CRAWD:PLAN]\nGoal: Grow the stream\n" +
		"[x] 0. Pick a topic\n" +
		"[-] 1. Go live   <-- next\n" +
		"[ ] 2. Clip highlights\n"
	if !strings.HasPrefix(got, want) {
		t.Fatalf("nudge prompt = %q, want prefix %q", got, want)
	}
}
