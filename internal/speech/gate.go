// Package speech gates agent utterances on the overlay: every talk or reply
// gets a correlation id, goes out as an overlay event, and suspends the
// caller until the overlay acks playback or a hard timeout fires. The
// timeout resolves fail-open so a missing overlay can never deadlock the
// agent.
package speech

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/crawdtv/crawd/internal/bus"
	"github.com/crawdtv/crawd/internal/observe"
)

// AckTimeout is the hard upper bound on waiting for an overlay ack.
const AckTimeout = 60 * time.Second

// Notifier is the coordinator port the gate calls back into.
type Notifier interface {
	// NotifySpeech wakes the coordinator or refreshes its activity clock.
	NotifySpeech()
	// LookupMessage resolves a short id against the recent message index.
	LookupMessage(shortID string) (bus.ChatMessage, bool)
}

// Result is what the talk and reply tools hand back to the agent.
type Result struct {
	Spoken bool `json:"spoken"`
}

// ReplyChat identifies the chat line a reply turn answers.
type ReplyChat struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// TalkPayload is the crawd:talk event body.
type TalkPayload struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ReplyTurnPayload is the crawd:reply-turn event body.
type ReplyTurnPayload struct {
	ID         string    `json:"id"`
	Chat       ReplyChat `json:"chat"`
	BotMessage string    `json:"botMessage"`
}

// replyPrefix matches a leading "[shortid] " handle the agent copies from a
// batch footer. Stripped only when the id resolves to a recent message.
var replyPrefix = regexp.MustCompile(`^\[([A-Za-z0-9]{4,12})\]\s*`)

type gateCmd struct {
	kind string // "emit", "ack", "expire"
	id   string
	done chan struct{} // emit only
}

// Gate owns the pending-ack table. All mutation happens on the command
// loop; Talk, Reply and HandleAck only send commands.
type Gate struct {
	emitter  bus.EventEmitter
	notifier Notifier
	clock    clockwork.Clock
	metrics  *observe.Metrics
	timeout  time.Duration

	cmds     chan gateCmd
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a stopped gate. Call Start to begin serving.
func New(emitter bus.EventEmitter, notifier Notifier, clock clockwork.Clock, metrics *observe.Metrics) *Gate {
	return &Gate{
		emitter:  emitter,
		notifier: notifier,
		clock:    clock,
		metrics:  metrics,
		timeout:  AckTimeout,
		cmds:     make(chan gateCmd, 64),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the command loop.
func (g *Gate) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.run(ctx)
}

// Stop shuts the loop down, resolving every pending utterance fail-open so
// no caller stays suspended. Safe to call multiple times.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// Talk emits an utterance and suspends until the overlay acks or the
// timeout fires. Empty text is a no-op {spoken:false}. A leading "[shortid]"
// that resolves against the recent message index turns the utterance into a
// reply turn and is stripped from the spoken text.
func (g *Gate) Talk(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Spoken: false}, nil
	}

	g.notifier.NotifySpeech()

	if m := replyPrefix.FindStringSubmatch(text); m != nil {
		if msg, ok := g.notifier.LookupMessage(strings.ToLower(m[1])); ok {
			rest := strings.TrimSpace(text[len(m[0]):])
			if rest == "" {
				return Result{Spoken: false}, nil
			}
			return g.emit(ctx, rest, &ReplyChat{Username: msg.Username, Message: msg.Text})
		}
	}

	return g.emit(ctx, text, nil)
}

// Reply emits an utterance that answers a specific chat message.
func (g *Gate) Reply(ctx context.Context, text string, chat ReplyChat) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Spoken: false}, nil
	}
	g.notifier.NotifySpeech()
	return g.emit(ctx, text, &chat)
}

// HandleAck resolves the pending utterance with the given id. Unknown or
// already-resolved ids are ignored.
func (g *Gate) HandleAck(id string) {
	select {
	case g.cmds <- gateCmd{kind: "ack", id: id}:
	case <-g.stopCh:
	}
}

func (g *Gate) emit(ctx context.Context, text string, chat *ReplyChat) (Result, error) {
	id := uuid.NewString()
	done := make(chan struct{})

	select {
	case g.cmds <- gateCmd{kind: "emit", id: id, done: done}:
	case <-g.stopCh:
		return Result{Spoken: false}, nil
	case <-ctx.Done():
		return Result{Spoken: false}, ctx.Err()
	}

	kind := "talk"
	if chat != nil {
		kind = "reply"
		g.emitter.Emit(bus.Event{
			Channel: bus.ChannelReplyTurn,
			Payload: ReplyTurnPayload{ID: id, Chat: *chat, BotMessage: text},
		})
	} else {
		g.emitter.Emit(bus.Event{
			Channel: bus.ChannelTalk,
			Payload: TalkPayload{ID: id, Message: text},
		})
	}
	if g.metrics != nil {
		g.metrics.RecordUtterance(ctx, kind)
	}
	slog.Debug("utterance emitted", "id", id, "kind", kind)

	select {
	case <-done:
		return Result{Spoken: true}, nil
	case <-g.stopCh:
		return Result{Spoken: false}, nil
	case <-ctx.Done():
		return Result{Spoken: false}, ctx.Err()
	}
}

func (g *Gate) run(ctx context.Context) {
	defer g.wg.Done()

	type pendingAck struct {
		done  chan struct{}
		timer clockwork.Timer
	}
	pending := make(map[string]*pendingAck)

	resolve := func(id string, timedOut bool) {
		p, ok := pending[id]
		if !ok {
			return
		}
		delete(pending, id)
		p.timer.Stop()
		close(p.done)
		if timedOut {
			slog.Warn("overlay ack timeout, resolving fail-open", "id", id)
			if g.metrics != nil {
				g.metrics.AckTimeouts.Add(ctx, 1)
			}
		}
	}

	for {
		select {
		case cmd := <-g.cmds:
			switch cmd.kind {
			case "emit":
				id := cmd.id
				p := &pendingAck{done: cmd.done}
				p.timer = g.clock.AfterFunc(g.timeout, func() {
					select {
					case g.cmds <- gateCmd{kind: "expire", id: id}:
					case <-g.stopCh:
					}
				})
				pending[id] = p
			case "ack":
				resolve(cmd.id, false)
			case "expire":
				resolve(cmd.id, true)
			}

		case <-g.stopCh:
			for id := range pending {
				resolve(id, false)
			}
			return
		case <-ctx.Done():
			g.stopOnce.Do(func() { close(g.stopCh) })
			for id := range pending {
				resolve(id, false)
			}
			return
		}
	}
}
