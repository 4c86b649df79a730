package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all coordinator metrics.
const meterName = "github.com/crawdtv/crawd"

// Metrics holds the OpenTelemetry instruments recorded by the coordinator
// subsystems. All fields are safe for concurrent use.
type Metrics struct {
	// ChatMessages counts accepted chat messages. Attribute: platform.
	ChatMessages metric.Int64Counter

	// BatchesDispatched counts chat batches handed to the dispatcher.
	// Attribute: size_bucket ("1", "2-5", "6+").
	BatchesDispatched metric.Int64Counter

	// Turns counts dispatcher turns by label and outcome.
	// Attributes: label, status ("ok", "error").
	Turns metric.Int64Counter

	// TurnDuration tracks agent turn latency. Attribute: label.
	TurnDuration metric.Float64Histogram

	// StateTransitions counts autonomy state changes.
	// Attributes: from, to, reason.
	StateTransitions metric.Int64Counter

	// Utterances counts speech gate emissions. Attribute: kind ("talk",
	// "reply").
	Utterances metric.Int64Counter

	// AckTimeouts counts fail-open overlay ack expiries.
	AckTimeouts metric.Int64Counter

	// MisalignedReplies counts agent replies that broke the reply protocol.
	MisalignedReplies metric.Int64Counter

	// GatewayReconnects counts persistent transport reconnect attempts.
	GatewayReconnects metric.Int64Counter

	// OverlayClients tracks connected overlay subscribers.
	OverlayClients metric.Int64UpDownCounter
}

// turnBuckets covers agent turn latencies, which run from sub-second mock
// turns to two-minute one-shot calls.
var turnBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised Metrics struct using the given
// meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChatMessages, err = m.Int64Counter("crawd.chat.messages",
		metric.WithDescription("Chat messages accepted by the coordinator, by platform."),
	); err != nil {
		return nil, err
	}
	if met.BatchesDispatched, err = m.Int64Counter("crawd.chat.batches",
		metric.WithDescription("Chat batches handed to the dispatcher."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("crawd.turns",
		metric.WithDescription("Dispatcher turns by label and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("crawd.turn.duration",
		metric.WithDescription("Agent turn latency by label."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("crawd.state.transitions",
		metric.WithDescription("Autonomy state changes by from, to, and reason."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("crawd.speech.utterances",
		metric.WithDescription("Speech gate emissions by kind."),
	); err != nil {
		return nil, err
	}
	if met.AckTimeouts, err = m.Int64Counter("crawd.speech.ack_timeouts",
		metric.WithDescription("Overlay acks that expired fail-open."),
	); err != nil {
		return nil, err
	}
	if met.MisalignedReplies, err = m.Int64Counter("crawd.replies.misaligned",
		metric.WithDescription("Agent replies that broke the reply protocol."),
	); err != nil {
		return nil, err
	}
	if met.GatewayReconnects, err = m.Int64Counter("crawd.gateway.reconnects",
		metric.WithDescription("Persistent gateway transport reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.OverlayClients, err = m.Int64UpDownCounter("crawd.overlay.clients",
		metric.WithDescription("Connected overlay subscribers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, creating it on
// first call from the global meter provider. Tests should use NewMetrics
// with their own provider to avoid cross-test pollution.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTurn records one dispatcher turn outcome together with its latency.
func (m *Metrics) RecordTurn(ctx context.Context, label, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("label", label),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("label", label)))
}

// RecordStateTransition records one autonomy state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to, reason string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}

// RecordUtterance records one speech gate emission.
func (m *Metrics) RecordUtterance(ctx context.Context, kind string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordChatMessage records one accepted chat message.
func (m *Metrics) RecordChatMessage(ctx context.Context, platform string) {
	m.ChatMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

// RecordBatch records one dispatched chat batch.
func (m *Metrics) RecordBatch(ctx context.Context, size int) {
	m.BatchesDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("size_bucket", BatchSizeBucket(size)),
	))
}

// BatchSizeBucket maps a batch size onto the coarse attribute the dashboard
// groups by.
func BatchSizeBucket(n int) string {
	switch {
	case n <= 1:
		return "1"
	case n <= 5:
		return "2-5"
	default:
		return "6+"
	}
}
