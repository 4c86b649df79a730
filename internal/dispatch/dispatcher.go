// Package dispatch funnels every agent invocation through one FIFO queue so
// that at most one turn is in flight, no matter how many chat batches and
// autonomy timers fire concurrently.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crawdtv/crawd/internal/observe"
)

// Turn is one unit of agent work. Run typically wraps a gateway call plus
// reply handling.
type Turn struct {
	Label string
	Run   func(ctx context.Context) error
}

// Dispatcher owns the turn queue. Enqueue never blocks; a single consumer
// goroutine executes turns in arrival order. A failed or panicking turn is
// logged and discarded, the queue continues.
type Dispatcher struct {
	metrics *observe.Metrics

	mu       sync.Mutex
	queue    []Turn
	inFlight bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a stopped dispatcher. Call Start to begin consuming.
func New(metrics *observe.Metrics) *Dispatcher {
	return &Dispatcher{
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the consumer loop in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the consumer to stop after the current turn and waits for it
// to finish. Safe to call multiple times. Queued turns are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Enqueue appends a turn to the queue. Never blocks.
func (d *Dispatcher) Enqueue(t Turn) {
	if t.Run == nil {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, t)
	depth := len(d.queue)
	d.mu.Unlock()

	slog.Debug("turn enqueued", "label", t.Label, "depth", depth)

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Busy reports whether a turn is executing or waiting. Autonomy policies
// consult this before triggering.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight || len(d.queue) > 0
}

// Len reports the number of queued (not yet started) turns.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	slog.Info("dispatcher started")
	for {
		select {
		case <-d.stopCh:
			slog.Info("dispatcher stopped", "dropped", d.Len())
			return
		case <-ctx.Done():
			slog.Info("dispatcher stopped", "reason", "context", "dropped", d.Len())
			return
		default:
		}

		turn, ok := d.next()
		if !ok {
			select {
			case <-d.wake:
			case <-d.stopCh:
			case <-ctx.Done():
			}
			continue
		}

		d.execute(ctx, turn)
	}
}

// next pops the queue head and marks the dispatcher in flight.
func (d *Dispatcher) next() (Turn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Turn{}, false
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	d.inFlight = true
	return t, true
}

func (d *Dispatcher) execute(ctx context.Context, t Turn) {
	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	spanCtx, span := observe.StartSpan(ctx, "dispatch.turn",
		trace.WithAttributes(attribute.String("label", t.Label)))
	defer span.End()

	start := time.Now()
	err := d.runTurn(spanCtx, t)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.SetStatus(codes.Error, err.Error())
		slog.Error("turn failed", "label", t.Label, "elapsed", elapsed, "error", err)
	} else {
		slog.Debug("turn done", "label", t.Label, "elapsed", elapsed)
	}
	if d.metrics != nil {
		d.metrics.RecordTurn(ctx, t.Label, status, elapsed.Seconds())
	}
}

// runTurn isolates panics so a single bad turn cannot kill the consumer.
func (d *Dispatcher) runTurn(ctx context.Context, t Turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn panicked", "label", t.Label, "panic", r)
			err = fmt.Errorf("turn %s panicked: %v", t.Label, r)
		}
	}()
	return t.Run(ctx)
}
