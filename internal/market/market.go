// Package market polls the coin data endpoint for the streamed coin's USD
// market cap and broadcasts it to overlays on crawd:mcap.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crawdtv/crawd/internal/bus"
)

// DefaultEndpoint is the pump.fun coin data URL pattern; %s is the mint
// address.
const DefaultEndpoint = "https://frontend-api.pump.fun/coins/%s"

const defaultPollInterval = 30 * time.Second

// Config holds the poller parameters. Endpoint may be a full URL or a
// pattern with one %s for the mint address; empty means DefaultEndpoint.
type Config struct {
	MintAddress    string
	Endpoint       string
	PollIntervalMs int64
}

// McapPayload is the crawd:mcap event body.
type McapPayload struct {
	Mcap float64 `json:"mcap"`
}

// Poller periodically fetches the coin market cap and emits it on the
// overlay bus.
type Poller struct {
	cfg     Config
	emitter bus.EventEmitter
	client  *http.Client
}

// New creates a poller. It does nothing until Run.
func New(cfg Config, emitter bus.EventEmitter) *Poller {
	return &Poller{
		cfg:     cfg,
		emitter: emitter,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Run polls until the context is cancelled. Fetch failures are logged and
// the next tick proceeds on schedule; only a bad configuration is fatal.
func (p *Poller) Run(ctx context.Context) error {
	endpoint := p.cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	target := endpoint
	if strings.Contains(endpoint, "%s") {
		if p.cfg.MintAddress == "" {
			return fmt.Errorf("market: mint address required")
		}
		target = fmt.Sprintf(endpoint, p.cfg.MintAddress)
	}

	interval := defaultPollInterval
	if p.cfg.PollIntervalMs > 0 {
		interval = time.Duration(p.cfg.PollIntervalMs) * time.Millisecond
	}

	slog.Info("market poller starting", "interval", interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		mcap, err := p.fetch(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("market poll failed", "error", err)
		} else {
			p.emitter.Emit(bus.Event{Channel: bus.ChannelMcap, Payload: McapPayload{Mcap: mcap}})
		}
		timer.Reset(interval)
	}
}

type coinResponse struct {
	UsdMarketCap float64 `json:"usd_market_cap"`
}

func (p *Poller) fetch(ctx context.Context, target string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("http %d: %s", resp.StatusCode, body)
	}

	var coin coinResponse
	if err := json.NewDecoder(resp.Body).Decode(&coin); err != nil {
		return 0, err
	}
	return coin.UsdMarketCap, nil
}
