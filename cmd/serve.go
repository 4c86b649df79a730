package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/crawdtv/crawd/internal/chat"
	"github.com/crawdtv/crawd/internal/chat/pumpfun"
	"github.com/crawdtv/crawd/internal/chat/twitch"
	"github.com/crawdtv/crawd/internal/chat/twitter"
	"github.com/crawdtv/crawd/internal/chat/youtube"
	"github.com/crawdtv/crawd/internal/config"
	"github.com/crawdtv/crawd/internal/coordinator"
	"github.com/crawdtv/crawd/internal/dispatch"
	"github.com/crawdtv/crawd/internal/gateway"
	"github.com/crawdtv/crawd/internal/httpapi"
	"github.com/crawdtv/crawd/internal/market"
	"github.com/crawdtv/crawd/internal/observe"
	"github.com/crawdtv/crawd/internal/overlay"
	"github.com/crawdtv/crawd/internal/speech"
	"github.com/crawdtv/crawd/internal/tools"
	"github.com/crawdtv/crawd/pkg/protocol"
)

// oneShotInvoker dials the gateway once per turn. Used when
// gateway.transport is "oneshot"; the persistent client is the default.
type oneShotInvoker struct {
	opts gateway.Options
}

func (o oneShotInvoker) TriggerAgent(ctx context.Context, message string) ([]string, error) {
	return gateway.OneShot(ctx, o.opts, message)
}

// overlaySink routes browser callbacks from the overlay WebSocket into the
// coordinator side: speech acks close the gate's wait, mock chat feeds the
// batcher like a real viewer message.
type overlaySink struct {
	gate  *speech.Gate
	coord *coordinator.Coordinator
}

func (s overlaySink) HandleTalkDone(id string) { s.gate.HandleAck(id) }

func (s overlaySink) HandleMockChat(username, message string) {
	s.coord.InjectMockChat(username, message)
}

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		slog.Info("no config file, running on defaults", "path", cfgPath, "hint", "crawd onboard")
	}
	if verbose {
		if dump, dumpErr := json.Marshal(cfg.MaskedCopy()); dumpErr == nil {
			slog.Debug("effective config", "path", cfgPath, "config", string(dump))
		}
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Telemetry: the prometheus bridge always feeds /metrics; spans are
	// exported only when an OTLP endpoint is configured.
	providerCfg := observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint != "" {
		exp, expErr := observe.NewOTLPExporter(ctx, observe.OTLPConfig{
			Endpoint: cfg.Telemetry.Endpoint,
			Protocol: cfg.Telemetry.Protocol,
			Insecure: cfg.Telemetry.Insecure,
			Headers:  cfg.Telemetry.Headers,
		})
		if expErr != nil {
			slog.Warn("trace exporter unavailable", "endpoint", cfg.Telemetry.Endpoint, "error", expErr)
		} else {
			providerCfg.TraceExporter = exp
		}
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, providerCfg)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()

	// Overlay hub + HTTP server. The hub is the event emitter every other
	// component publishes through.
	hub := overlay.NewHub(cfg.Overlay.AllowedOrigins, metrics)
	srv := overlay.NewServer(cfg.Overlay, hub)

	// Agent transport
	gwOpts := gateway.Options{
		URL:        cfg.Gateway.URL,
		Token:      cfg.Gateway.Token,
		SessionKey: cfg.Gateway.SessionKey,
		ClientID:   cfg.Gateway.ClientID,
		Version:    Version,
	}
	transport := cfg.Gateway.Transport
	if transport == "" {
		transport = "persistent"
	}

	var invoker gateway.Invoker
	var gwClient *gateway.Client
	switch transport {
	case "persistent":
		gwClient = gateway.NewClient(gwOpts, clock, metrics)
		invoker = gwClient
	case "oneshot":
		invoker = oneShotInvoker{opts: gwOpts}
	default:
		slog.Error("unknown gateway transport", "transport", transport)
		os.Exit(1)
	}

	// Coordinator core: serial dispatcher, state ladder, speech gate.
	disp := dispatch.New(metrics)
	coordCfg := cfg.Coordinator.Runtime()
	coord := coordinator.New(invoker, disp, hub, clock, metrics, coordCfg)
	gate := speech.New(hub, coord, clock, metrics)
	hub.SetSink(overlaySink{gate: gate, coord: coord})

	// Node commands the agent can invoke back on this process.
	reg := tools.NewRegistry()
	talkTool := tools.NewTalkTool()
	talkTool.SetSpeaker(gate)
	reg.Register(talkTool)
	replyTool := tools.NewReplyTool()
	replyTool.SetSpeaker(gate)
	reg.Register(replyTool)
	setPlanTool := tools.NewSetPlanTool()
	setPlanTool.SetPlanStore(coord)
	reg.Register(setPlanTool)
	stepDoneTool := tools.NewMarkStepDoneTool()
	stepDoneTool.SetPlanStore(coord)
	reg.Register(stepDoneTool)
	abandonTool := tools.NewAbandonPlanTool()
	abandonTool.SetPlanStore(coord)
	reg.Register(abandonTool)
	getPlanTool := tools.NewGetPlanTool()
	getPlanTool.SetPlanStore(coord)
	reg.Register(getPlanTool)

	if gwClient != nil {
		gwClient.SetNodeHandler(func(ctx context.Context, req protocol.NodeInvokeRequest) (any, error) {
			return reg.Invoke(ctx, req.Command, json.RawMessage(req.ParamsJSON))
		})
	}

	// Chat sources
	sources := chat.NewMultiplexer(coord.HandleMessage, clock, metrics)
	var enabled []string
	if cfg.Chat.PumpFun.Enabled {
		sources.Register("pumpfun", pumpfun.New(pumpfun.Config{
			WSURL:       cfg.Chat.PumpFun.WSURL,
			MintAddress: cfg.Chat.PumpFun.MintAddress,
		}, sources))
		enabled = append(enabled, "pumpfun")
	}
	if cfg.Chat.YouTube.Enabled {
		sources.Register("youtube", youtube.New(youtube.Config{
			APIBase: cfg.Chat.YouTube.APIBase,
			APIKey:  cfg.Chat.YouTube.APIKey,
			VideoID: cfg.Chat.YouTube.VideoID,
		}, sources))
		enabled = append(enabled, "youtube")
	}
	if cfg.Chat.Twitch.Enabled {
		sources.Register("twitch", twitch.New(twitch.Config{
			WSURL:   cfg.Chat.Twitch.WSURL,
			Channel: cfg.Chat.Twitch.Channel,
		}, sources))
		enabled = append(enabled, "twitch")
	}
	if cfg.Chat.Twitter.Enabled {
		sources.Register("twitter", twitter.New(twitter.Config{
			APIBase:        cfg.Chat.Twitter.APIBase,
			BearerToken:    cfg.Chat.Twitter.BearerToken,
			UserID:         cfg.Chat.Twitter.UserID,
			PollIntervalMs: cfg.Chat.Twitter.PollIntervalMs,
		}, sources))
		enabled = append(enabled, "twitter")
	}

	// Start everything. Background runners share an errgroup so a hard
	// failure in one tears the process down instead of limping on.
	g, gctx := errgroup.WithContext(ctx)

	disp.Start(ctx)
	coord.Start(ctx)
	gate.Start(ctx)
	if gwClient != nil {
		gwClient.Start(ctx)
	}
	sources.ConnectAll(ctx)

	if cfg.Market.Enabled {
		mint := cfg.Market.MintAddress
		if mint == "" {
			mint = cfg.Chat.PumpFun.MintAddress
		}
		poller := market.New(market.Config{
			MintAddress:    mint,
			Endpoint:       cfg.Market.Endpoint,
			PollIntervalMs: cfg.Market.PollIntervalMs,
		}, hub)
		g.Go(func() error { return poller.Run(gctx) })
	}

	// Live-reload the coordinator section on config file edits. Everything
	// else (ports, chat credentials) still needs a restart.
	stopWatch, err := config.Watch(ctx, cfgPath, func(fresh *config.Config) {
		if _, err := coord.UpdateConfig(fresh.Coordinator.Runtime().AsPatch()); err != nil {
			slog.Warn("config reload rejected", "error", err)
			return
		}
		slog.Info("coordinator config reloaded", "path", cfgPath)
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	// Control API shares the overlay mux so talk, status, and mock
	// endpoints ride the same listener as /overlay and /ws.
	mux := srv.BuildMux()
	api := httpapi.New(gate, coord, sources, cfg.Overlay.RateLimitRPM)
	api.RegisterRoutes(mux)

	// Tailscale listener: serve the same mux on the tailnet as well.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		// Ingress first, then the blocking callees (gate, gateway) so the
		// dispatcher's in-flight turn unwinds before Stop waits on it.
		sources.DisconnectAll(context.Background())
		gate.Stop()
		if gwClient != nil {
			gwClient.Stop()
		}
		coord.Stop()
		disp.Stop()
		hub.Shutdown()

		cancel()
	}()

	slog.Info("crawd coordinator starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", fmt.Sprintf("%s:%d", cfg.Overlay.Host, cfg.Overlay.Port),
		"transport", transport,
		"mode", coordCfg.Mode,
		"sources", enabled,
		"tools", reg.Names(),
	)

	// The stream starts hot: wake the coordinator instead of waiting for
	// the first chat message.
	coord.Wake()

	g.Go(func() error { return srv.Start(gctx) })
	if err := g.Wait(); err != nil {
		slog.Error("coordinator error", "error", err)
		os.Exit(1)
	}
}
