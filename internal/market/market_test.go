package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/crawdtv/crawd/internal/bus"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *captureEmitter) Emit(e bus.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureEmitter) waitEvents(t *testing.T, n int) []bus.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := make([]bus.Event, len(c.events))
			copy(out, c.events)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func TestPollEmitsMcap(t *testing.T) {
	var mu sync.Mutex
	var paths []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"name":           "testcoin",
			"usd_market_cap": 48213.77,
		})
	}))
	t.Cleanup(srv.Close)

	emit := &captureEmitter{}
	p := New(Config{MintAddress: "MINT123", Endpoint: srv.URL + "/coins/%s", PollIntervalMs: 10}, emit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	events := emit.waitEvents(t, 2)
	for _, e := range events {
		if e.Channel != bus.ChannelMcap {
			t.Fatalf("channel = %q", e.Channel)
		}
		payload, ok := e.Payload.(McapPayload)
		if !ok {
			t.Fatalf("payload type %T", e.Payload)
		}
		if payload.Mcap != 48213.77 {
			t.Fatalf("mcap = %v", payload.Mcap)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if paths[0] != "/coins/MINT123" {
		t.Fatalf("path = %q, want mint substituted", paths[0])
	}
}

func TestPollSkipsFailedFetches(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"usd_market_cap": 100.5})
	}))
	t.Cleanup(srv.Close)

	emit := &captureEmitter{}
	p := New(Config{Endpoint: srv.URL, PollIntervalMs: 10}, emit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	events := emit.waitEvents(t, 1)
	if got := events[0].Payload.(McapPayload).Mcap; got != 100.5 {
		t.Fatalf("mcap = %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("calls = %d, want the loop to survive the failed fetch", calls)
	}
}

func TestRunRequiresMintForPatternEndpoint(t *testing.T) {
	p := New(Config{}, &captureEmitter{})
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded without a mint address")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"usd_market_cap": 1.0})
	}))
	t.Cleanup(srv.Close)

	p := New(Config{Endpoint: srv.URL, PollIntervalMs: 5}, &captureEmitter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
