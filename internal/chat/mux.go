package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/crawdtv/crawd/internal/bus"
	"github.com/crawdtv/crawd/internal/observe"
)

const (
	reconnectBase        = 5 * time.Second
	reconnectMax         = 60 * time.Second
	maxReconnectAttempts = 5
)

// MessageFunc receives every normalized message across all sources.
type MessageFunc func(bus.ChatMessage)

// SourceStatus is the per-source view exposed over the HTTP surface.
type SourceStatus struct {
	Connected bool `json:"connected"`
	Failed    bool `json:"failed"`
	Attempts  int  `json:"attempts,omitempty"`
}

type sourceState struct {
	adapter  Adapter
	attempts int
	retrying bool
	failed   bool
	timer    clockwork.Timer
}

// Multiplexer holds the registered chat sources, fans their messages into a
// single callback and supervises reconnects. Lost sources retry with
// exponential backoff (5s doubling to 60s) and give up after five attempts;
// a successful connect clears the retry state.
type Multiplexer struct {
	onMessage MessageFunc
	clock     clockwork.Clock
	metrics   *observe.Metrics

	mu      sync.Mutex
	sources map[string]*sourceState
	order   []string
	runCtx  context.Context
	closed  bool
}

// NewMultiplexer creates an empty multiplexer. Sources are added with
// Register before ConnectAll.
func NewMultiplexer(onMessage MessageFunc, clock clockwork.Clock, metrics *observe.Metrics) *Multiplexer {
	return &Multiplexer{
		onMessage: onMessage,
		clock:     clock,
		metrics:   metrics,
		sources:   make(map[string]*sourceState),
	}
}

// Register adds a source under the given key. Registering an existing key
// replaces the adapter and resets its retry state.
func (m *Multiplexer) Register(key string, adapter Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sources[key]; !exists {
		m.order = append(m.order, key)
	}
	m.sources[key] = &sourceState{adapter: adapter}
}

// ConnectAll connects every registered source. Failures are logged and
// retried on the backoff schedule; ConnectAll itself never fails.
func (m *Multiplexer) ConnectAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runCtx = ctx
	m.closed = false

	if len(m.sources) == 0 {
		slog.Warn("no chat sources enabled")
		return
	}

	for _, key := range m.order {
		st := m.sources[key]
		slog.Info("connecting chat source", "source", key)
		if err := st.adapter.Connect(ctx); err != nil {
			slog.Warn("chat source connect failed", "source", key, "error", err)
			m.scheduleReconnectLocked(key)
			continue
		}
		st.attempts = 0
		st.failed = false
	}
}

// DisconnectAll stops retry timers and tears every source down.
func (m *Multiplexer) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	for _, st := range m.sources {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.retrying = false
	}
	adapters := make(map[string]Adapter, len(m.sources))
	for key, st := range m.sources {
		adapters[key] = st.adapter
	}
	m.mu.Unlock()

	for key, adapter := range adapters {
		slog.Info("disconnecting chat source", "source", key)
		if err := adapter.Disconnect(ctx); err != nil {
			slog.Error("error disconnecting chat source", "source", key, "error", err)
		}
	}
}

// HandleMessage implements Sink. Delivery is non-blocking: the callback is
// expected to enqueue, not process.
func (m *Multiplexer) HandleMessage(msg bus.ChatMessage) {
	if m.metrics != nil {
		m.metrics.RecordChatMessage(context.Background(), string(msg.Platform))
	}
	m.onMessage(msg)
}

// HandleDisconnect implements Sink. Schedules a reconnect for the source
// unless one is already pending or the source has given up.
func (m *Multiplexer) HandleDisconnect(source string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sources[source]
	if !ok || m.closed {
		return
	}
	slog.Warn("chat source disconnected", "source", source, "error", cause)
	if st.retrying || st.failed {
		return
	}
	m.scheduleReconnectLocked(source)
}

// ConnectedKeys returns the keys of currently connected sources in
// registration order.
func (m *Multiplexer) ConnectedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.order))
	for _, key := range m.order {
		if m.sources[key].adapter.Connected() {
			keys = append(keys, key)
		}
	}
	return keys
}

// Status returns the retry and connection state of every source.
func (m *Multiplexer) Status() map[string]SourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]SourceStatus, len(m.sources))
	for key, st := range m.sources {
		out[key] = SourceStatus{
			Connected: st.adapter.Connected(),
			Failed:    st.failed,
			Attempts:  st.attempts,
		}
	}
	return out
}

// scheduleReconnectLocked arms the backoff timer for one source. Caller
// holds m.mu.
func (m *Multiplexer) scheduleReconnectLocked(key string) {
	st := m.sources[key]
	if st == nil || m.closed {
		return
	}
	if st.attempts >= maxReconnectAttempts {
		st.failed = true
		st.retrying = false
		slog.Error("chat source gave up reconnecting", "source", key, "attempts", st.attempts)
		return
	}
	st.attempts++
	st.retrying = true
	delay := backoffDelay(st.attempts)
	slog.Info("scheduling chat source reconnect",
		"source", key,
		"attempt", st.attempts,
		"delay", delay,
	)
	st.timer = m.clock.AfterFunc(delay, func() { m.reconnect(key) })
}

func (m *Multiplexer) reconnect(key string) {
	m.mu.Lock()
	st, ok := m.sources[key]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	st.retrying = false
	st.timer = nil
	adapter := st.adapter
	ctx := m.runCtx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := adapter.Connect(ctx); err != nil {
		slog.Warn("chat source reconnect failed", "source", key, "error", err)
		m.mu.Lock()
		m.scheduleReconnectLocked(key)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	st.attempts = 0
	st.failed = false
	m.mu.Unlock()
	slog.Info("chat source reconnected", "source", key)
}

// backoffDelay doubles from the base per attempt, capped at reconnectMax.
func backoffDelay(attempt int) time.Duration {
	d := reconnectBase << (attempt - 1)
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}
