package coordinator

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crawdtv/crawd/internal/bus"
)

const (
	// recentMessagesCap bounds the short-id lookup index used by reply
	// targeting.
	recentMessagesCap = 200
	// startupGrace is how far before process start a message timestamp may
	// lie and still be accepted. Platform adapters replay a little history on
	// connect; anything older is stale backlog.
	startupGrace = 30 * time.Second
)

// onChat is the single ingress point for chat messages, mock ones included.
// Every accepted message is mirrored to the overlay; batching and state
// effects only apply while the coordinator is enabled.
func (c *Coordinator) onChat(msg bus.ChatMessage) {
	if msg.ReceivedAt < c.startedAt.Add(-startupGrace).UnixMilli() {
		slog.Debug("dropping stale chat message", "id", msg.ID, "receivedAt", msg.ReceivedAt)
		return
	}
	if msg.ShortID == "" {
		msg.ShortID = bus.NewShortID()
	}
	c.emitter.Emit(bus.Event{Channel: bus.ChannelChat, Payload: msg})
	if !c.cfg.Enabled {
		return
	}
	c.wake("chat")
	if c.windowOpen {
		c.buffer = append(c.buffer, msg)
		return
	}
	c.dispatchBatch([]bus.ChatMessage{msg})
	c.openWindow()
}

// openWindow arms the trailing flush for messages that arrive while the
// current batch is in flight.
func (c *Coordinator) openWindow() {
	c.windowOpen = true
	stopTimer(&c.batchTimer)
	c.batchTimer = c.clock.NewTimer(msToDuration(c.cfg.BatchWindowMs))
}

// onBatchExpiry flushes the buffered messages as one batch. A non-empty flush
// opens the next window immediately, so a steady stream settles into one
// batch per window.
func (c *Coordinator) onBatchExpiry() {
	if len(c.buffer) == 0 {
		c.windowOpen = false
		return
	}
	msgs := c.buffer
	c.buffer = nil
	c.dispatchBatch(msgs)
	c.openWindow()
}

func (c *Coordinator) dispatchBatch(msgs []bus.ChatMessage) {
	for _, m := range msgs {
		c.recent.add(m)
	}
	prompt := batchPrompt(msgs, c.clock.Now())
	slog.Debug("dispatching chat batch", "size", len(msgs))
	if c.metrics != nil {
		c.metrics.RecordBatch(c.runCtx, len(msgs))
	}
	c.emitStatus("chatting")
	c.enqueueTurn(turnChat, prompt)
}

// batchPrompt renders a chat batch for the agent. The header carries the
// message count and, when the oldest message has aged a full second, the
// batch age. Each line starts with the short id used for reply targeting and
// a platform tag; pump.fun is the home platform and goes untagged.
func batchPrompt(msgs []bus.ChatMessage, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[CRAWD:CHAT - %d message", len(msgs))
	if len(msgs) > 1 {
		b.WriteString("s")
	}
	if age := now.Sub(time.UnixMilli(msgs[0].ReceivedAt)).Round(time.Second); age >= time.Second {
		fmt.Fprintf(&b, ", %ds", int(age.Seconds()))
	}
	b.WriteString("]\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] ", m.ShortID)
		if tag := m.Platform.Tag(); tag != "" {
			b.WriteString(tag)
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Username, m.Text)
	}
	if len(msgs) > 1 {
		b.WriteString("(To reply to a specific message, prefix with its ID: [msgId] your reply)")
	}
	return strings.TrimRight(b.String(), "\n")
}

// recentIndex is a fixed-capacity FIFO of dispatched messages keyed by short
// id. Messages are only indexed once they reach the agent, so the agent can
// never cite an id the index has not seen.
type recentIndex struct {
	byShortID map[string]bus.ChatMessage
	order     []string
	cap       int
}

func newRecentIndex(capacity int) *recentIndex {
	return &recentIndex{
		byShortID: make(map[string]bus.ChatMessage, capacity),
		cap:       capacity,
	}
}

func (r *recentIndex) add(m bus.ChatMessage) {
	if _, ok := r.byShortID[m.ShortID]; !ok {
		r.order = append(r.order, m.ShortID)
	}
	r.byShortID[m.ShortID] = m
	for len(r.order) > r.cap {
		delete(r.byShortID, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *recentIndex) lookup(shortID string) (bus.ChatMessage, bool) {
	m, ok := r.byShortID[shortID]
	return m, ok
}
