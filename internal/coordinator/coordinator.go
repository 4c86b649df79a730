// Package coordinator owns the livestream agent's behaviour: when it wakes,
// when it sleeps, how viewer chat is batched into agent turns and how the
// autonomy modes keep it busy between messages.
//
// All state lives on a single run-loop goroutine. Everything else, HTTP
// handlers and dispatcher callbacks included, talks to the loop through
// intents, so there is no lock ordering to reason about and timer decisions
// are always made against a consistent view of the state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/crawdtv/crawd/internal/bus"
	"github.com/crawdtv/crawd/internal/dispatch"
	"github.com/crawdtv/crawd/internal/observe"
)

// ErrStopped is returned by loop-backed operations once Stop has run.
var ErrStopped = errors.New("coordinator: stopped")

// intentQueueSize bounds the mailbox. Chat ingress drops on overflow rather
// than stall a platform read loop; everything else blocks briefly.
const intentQueueSize = 256

// Agent runs one request/response turn against the gateway agent.
type Agent interface {
	TriggerAgent(ctx context.Context, message string) ([]string, error)
}

// Dispatcher is the serial turn queue the coordinator feeds.
type Dispatcher interface {
	Enqueue(t dispatch.Turn)
	Busy() bool
}

type turnKind int

const (
	turnChat turnKind = iota
	turnVibe
	turnPlan
	turnCorrection
	turnCompact
)

func (k turnKind) String() string {
	switch k {
	case turnChat:
		return "chat"
	case turnVibe:
		return "vibe"
	case turnPlan:
		return "plan"
	case turnCorrection:
		return "correction"
	case turnCompact:
		return "compact"
	}
	return "unknown"
}

// intent is a message for the run loop. Each concrete intent is a small
// struct; ones that need an answer carry a buffered reply channel.
type intent any

type (
	chatIntent   struct{ msg bus.ChatMessage }
	speechIntent struct{}
	wakeIntent   struct{}

	turnDoneIntent struct {
		kind    turnKind
		replies []string
		failed  bool
	}

	lookupIntent struct {
		shortID string
		reply   chan lookupResult
	}
	statusIntent struct{ reply chan Snapshot }
	configIntent struct {
		patch ConfigPatch
		reply chan configResult
	}
	setPlanIntent struct {
		goal  string
		steps []string
		reply chan planResult
	}
	markStepIntent struct {
		index int
		reply chan planResult
	}
	abandonIntent struct{ reply chan planResult }
	getPlanIntent struct{ reply chan getPlanResult }
)

type lookupResult struct {
	msg bus.ChatMessage
	ok  bool
}

type planResult struct {
	plan Plan
	err  error
}

type getPlanResult struct {
	plan Plan
	ok   bool
}

type configResult struct {
	cfg Config
	err error
}

// Snapshot is the externally visible coordinator state.
type Snapshot struct {
	Enabled        bool   `json:"enabled"`
	State          State  `json:"state"`
	LastActivityAt int64  `json:"lastActivityAt"`
	Config         Config `json:"config"`
}

type statusPayload struct {
	Status string `json:"status"`
}

// Coordinator multiplexes chat, autonomy timers and plan work into a serial
// stream of agent turns.
type Coordinator struct {
	agent   Agent
	disp    Dispatcher
	emitter bus.EventEmitter
	clock   clockwork.Clock
	metrics *observe.Metrics

	intents  chan intent
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Everything below is owned by the run loop.
	runCtx         context.Context
	cfg            Config
	state          State
	lastActivityAt time.Time
	idleSince      time.Time
	startedAt      time.Time

	buffer     []bus.ChatMessage
	windowOpen bool
	recent     *recentIndex

	plan *Plan

	sleepTick  clockwork.Ticker
	vibeTimer  clockwork.Timer
	nudgeTimer clockwork.Timer
	batchTimer clockwork.Timer
}

// New assembles a coordinator. It starts asleep; call Start to launch the
// run loop and Wake (or feed it chat) to bring it up.
func New(agent Agent, disp Dispatcher, emitter bus.EventEmitter, clock clockwork.Clock, metrics *observe.Metrics, cfg Config) *Coordinator {
	if emitter == nil {
		emitter = bus.NopEmitter{}
	}
	return &Coordinator{
		agent:   agent,
		disp:    disp,
		emitter: emitter,
		clock:   clock,
		metrics: metrics,
		intents: make(chan intent, intentQueueSize),
		stopCh:  make(chan struct{}),
		runCtx:  context.Background(),
		cfg:     cfg,
		state:   StateSleep,
		recent:  newRecentIndex(recentMessagesCap),
	}
}

// Start launches the run loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.runCtx = ctx
	c.startedAt = c.clock.Now()
	c.wg.Add(1)
	go c.run(ctx)
	slog.Info("coordinator started", "enabled", c.cfg.Enabled, "mode", c.cfg.Mode)
}

// Stop shuts the run loop down and waits for it to exit. In-flight
// dispatcher turns are not interrupted; their completion intents are simply
// discarded.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		// Nil channels park their select case, so only armed timers
		// can fire.
		var tickC, vibeC, nudgeC, batchC <-chan time.Time
		if c.sleepTick != nil {
			tickC = c.sleepTick.Chan()
		}
		if c.vibeTimer != nil {
			vibeC = c.vibeTimer.Chan()
		}
		if c.nudgeTimer != nil {
			nudgeC = c.nudgeTimer.Chan()
		}
		if c.batchTimer != nil {
			batchC = c.batchTimer.Chan()
		}

		select {
		case iv := <-c.intents:
			c.handleIntent(iv)
		case <-tickC:
			c.onSleepTick()
		case <-vibeC:
			c.vibeTimer = nil
			c.onVibeFire()
		case <-nudgeC:
			c.nudgeTimer = nil
			c.onNudgeFire()
		case <-batchC:
			c.batchTimer = nil
			c.onBatchExpiry()
		case <-c.stopCh:
			c.shutdown()
			return
		case <-ctx.Done():
			c.stopOnce.Do(func() { close(c.stopCh) })
			c.shutdown()
			return
		}
	}
}

func (c *Coordinator) shutdown() {
	stopTimer(&c.vibeTimer)
	stopTimer(&c.nudgeTimer)
	stopTimer(&c.batchTimer)
	if c.sleepTick != nil {
		c.sleepTick.Stop()
		c.sleepTick = nil
	}
	if c.state != StateSleep {
		c.setState(StateSleep, "shutdown")
	}
	slog.Info("coordinator stopped")
}

func (c *Coordinator) handleIntent(iv intent) {
	switch v := iv.(type) {
	case chatIntent:
		c.onChat(v.msg)
	case speechIntent:
		if c.cfg.Enabled {
			c.wake("speech")
		}
	case wakeIntent:
		if c.cfg.Enabled {
			c.wake("manual")
		}
	case turnDoneIntent:
		c.handleTurnDone(v)
	case lookupIntent:
		m, ok := c.recent.lookup(v.shortID)
		v.reply <- lookupResult{msg: m, ok: ok}
	case statusIntent:
		v.reply <- c.snapshotLocked()
	case configIntent:
		cfg, err := c.applyConfigLocked(v.patch)
		v.reply <- configResult{cfg: cfg, err: err}
	case setPlanIntent:
		p, err := c.setPlanLocked(v.goal, v.steps)
		v.reply <- planResult{plan: p, err: err}
	case markStepIntent:
		p, err := c.markStepLocked(v.index)
		v.reply <- planResult{plan: p, err: err}
	case abandonIntent:
		p, err := c.abandonPlanLocked()
		v.reply <- planResult{plan: p, err: err}
	case getPlanIntent:
		if c.plan == nil {
			v.reply <- getPlanResult{}
		} else {
			v.reply <- getPlanResult{plan: c.plan.clone(), ok: true}
		}
	}
}

// enqueueTurn hands one prompt to the dispatcher and routes the agent's
// answer back into the loop as a turnDoneIntent.
func (c *Coordinator) enqueueTurn(kind turnKind, prompt string) {
	c.disp.Enqueue(dispatch.Turn{
		Label: kind.String(),
		Run: func(ctx context.Context) error {
			replies, err := c.agent.TriggerAgent(ctx, prompt)
			if err != nil {
				c.send(turnDoneIntent{kind: kind, failed: true})
				return fmt.Errorf("%s turn: %w", kind, err)
			}
			c.send(turnDoneIntent{kind: kind, replies: replies})
			return nil
		},
	})
}

func (c *Coordinator) emitStatus(status string) {
	c.emitter.Emit(bus.Event{Channel: bus.ChannelStatus, Payload: statusPayload{Status: status}})
}

func (c *Coordinator) snapshotLocked() Snapshot {
	var last int64
	if !c.lastActivityAt.IsZero() {
		last = c.lastActivityAt.UnixMilli()
	}
	return Snapshot{
		Enabled:        c.cfg.Enabled,
		State:          c.state,
		LastActivityAt: last,
		Config:         c.cfg,
	}
}

// applyConfigLocked validates and merges a patch, then reconciles timers
// with the new settings. Disabling drops any buffered chat on the floor.
func (c *Coordinator) applyConfigLocked(patch ConfigPatch) (Config, error) {
	if err := patch.Validate(); err != nil {
		return c.cfg, err
	}
	old := c.cfg
	c.cfg = old.Merge(patch)

	if c.cfg.Mode != old.Mode {
		stopTimer(&c.vibeTimer)
		stopTimer(&c.nudgeTimer)
		switch c.cfg.Mode {
		case ModeVibe:
			c.scheduleVibe()
		case ModePlan:
			c.scheduleNudge()
		}
	} else if c.cfg.VibeIntervalMs != old.VibeIntervalMs && c.vibeTimer != nil {
		c.scheduleVibe()
	}

	switch {
	case old.Enabled && !c.cfg.Enabled:
		c.stopAutonomyTimers()
		stopTimer(&c.batchTimer)
		c.windowOpen = false
		c.buffer = nil
	case !old.Enabled && c.cfg.Enabled:
		if c.state != StateSleep {
			c.startSleepTicker()
			switch c.cfg.Mode {
			case ModeVibe:
				c.scheduleVibe()
			case ModePlan:
				c.scheduleNudge()
			}
		}
	}

	slog.Info("coordinator config updated", "enabled", c.cfg.Enabled, "mode", c.cfg.Mode)
	return c.cfg, nil
}

// send delivers an intent to the run loop, giving up only on shutdown.
func (c *Coordinator) send(iv intent) bool {
	select {
	case c.intents <- iv:
		return true
	case <-c.stopCh:
		return false
	}
}

// awaitReply waits for the loop's answer, draining a reply that raced the
// shutdown signal.
func awaitReply[T any](c *Coordinator, reply <-chan T) (T, bool) {
	select {
	case v := <-reply:
		return v, true
	case <-c.stopCh:
		select {
		case v := <-reply:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

// HandleMessage feeds one chat message into the coordinator. It never
// blocks; under a flooded mailbox the message is dropped with a warning so
// platform read loops stay healthy.
func (c *Coordinator) HandleMessage(msg bus.ChatMessage) {
	select {
	case c.intents <- chatIntent{msg: msg}:
	case <-c.stopCh:
	default:
		slog.Warn("coordinator mailbox full, dropping chat message", "id", msg.ID, "platform", msg.Platform)
	}
}

// InjectMockChat fabricates a chat message on the home platform and feeds it
// through the normal ingress path. Used by the dev endpoints and the overlay
// debug panel.
func (c *Coordinator) InjectMockChat(username, message string) {
	c.HandleMessage(bus.ChatMessage{
		ID:         uuid.NewString(),
		ShortID:    bus.NewShortID(),
		Platform:   bus.PlatformPumpFun,
		Username:   username,
		Text:       message,
		ReceivedAt: c.clock.Now().UnixMilli(),
	})
}

// NotifySpeech refreshes the activity clock whenever the speech gate emits.
func (c *Coordinator) NotifySpeech() {
	c.send(speechIntent{})
}

// LookupMessage resolves a short id against the recently dispatched
// messages.
func (c *Coordinator) LookupMessage(shortID string) (bus.ChatMessage, bool) {
	reply := make(chan lookupResult, 1)
	if !c.send(lookupIntent{shortID: shortID, reply: reply}) {
		return bus.ChatMessage{}, false
	}
	r, ok := awaitReply(c, reply)
	if !ok {
		return bus.ChatMessage{}, false
	}
	return r.msg, r.ok
}

// Wake forces the coordinator awake, as if activity had just happened.
func (c *Coordinator) Wake() {
	c.send(wakeIntent{})
}

// Status returns a consistent snapshot of the coordinator.
func (c *Coordinator) Status() Snapshot {
	reply := make(chan Snapshot, 1)
	if !c.send(statusIntent{reply: reply}) {
		return Snapshot{}
	}
	snap, _ := awaitReply(c, reply)
	return snap
}

// UpdateConfig applies a runtime config patch and returns the effective
// config.
func (c *Coordinator) UpdateConfig(patch ConfigPatch) (Config, error) {
	reply := make(chan configResult, 1)
	if !c.send(configIntent{patch: patch, reply: reply}) {
		return Config{}, ErrStopped
	}
	r, ok := awaitReply(c, reply)
	if !ok {
		return Config{}, ErrStopped
	}
	return r.cfg, r.err
}

// SetPlan replaces the active plan with a new one.
func (c *Coordinator) SetPlan(goal string, steps []string) (Plan, error) {
	reply := make(chan planResult, 1)
	if !c.send(setPlanIntent{goal: goal, steps: steps, reply: reply}) {
		return Plan{}, ErrStopped
	}
	r, ok := awaitReply(c, reply)
	if !ok {
		return Plan{}, ErrStopped
	}
	return r.plan, r.err
}

// MarkStepDone marks one step of the active plan done.
func (c *Coordinator) MarkStepDone(index int) (Plan, error) {
	reply := make(chan planResult, 1)
	if !c.send(markStepIntent{index: index, reply: reply}) {
		return Plan{}, ErrStopped
	}
	r, ok := awaitReply(c, reply)
	if !ok {
		return Plan{}, ErrStopped
	}
	return r.plan, r.err
}

// AbandonPlan abandons the active plan.
func (c *Coordinator) AbandonPlan() (Plan, error) {
	reply := make(chan planResult, 1)
	if !c.send(abandonIntent{reply: reply}) {
		return Plan{}, ErrStopped
	}
	r, ok := awaitReply(c, reply)
	if !ok {
		return Plan{}, ErrStopped
	}
	return r.plan, r.err
}

// GetPlan returns the current plan, if any was ever set.
func (c *Coordinator) GetPlan() (Plan, bool) {
	reply := make(chan getPlanResult, 1)
	if !c.send(getPlanIntent{reply: reply}) {
		return Plan{}, false
	}
	r, ok := awaitReply(c, reply)
	if !ok {
		return Plan{}, false
	}
	return r.plan, r.ok
}

func stopTimer(t *clockwork.Timer) {
	if *t == nil {
		return
	}
	(*t).Stop()
	*t = nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
