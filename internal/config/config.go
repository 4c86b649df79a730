package config

import (
	"sync"

	"github.com/crawdtv/crawd/internal/coordinator"
)

// Config is the root configuration for the CRAWD coordinator.
type Config struct {
	Gateway     GatewayConfig      `json:"gateway"`
	Overlay     OverlayConfig      `json:"overlay"`
	Chat        ChatConfig         `json:"chat"`
	Coordinator CoordinatorSection `json:"coordinator"`
	Market      MarketConfig       `json:"market,omitempty"`
	Telemetry   TelemetryConfig    `json:"telemetry,omitempty"`
	Tailscale   TailscaleConfig    `json:"tailscale,omitempty"`
	mu          sync.RWMutex
}

// GatewayConfig points at the agent gateway this coordinator drives.
type GatewayConfig struct {
	URL        string `json:"url"`                   // ws endpoint, e.g. "ws://127.0.0.1:18789"
	Token      string `json:"token,omitempty"`       // bearer token for the connect handshake
	SessionKey string `json:"session_key,omitempty"` // agent session to pin turns to
	Transport  string `json:"transport,omitempty"`   // "persistent" (default) or "oneshot"
	ClientID   string `json:"client_id,omitempty"`   // stable client id for the handshake
}

// OverlayConfig configures the HTTP + overlay WebSocket server.
type OverlayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // talk/mock endpoints; <= 0 disables
}

// CoordinatorSection is the coordinator block of the config file. Durations
// here are seconds; Runtime translates them into the millisecond config the
// run loop consumes. plan_nudge_delay_ms stays milliseconds because
// sub-second nudge delays are its reason to exist.
type CoordinatorSection struct {
	Enabled           *bool  `json:"enabled,omitempty"`
	Mode              string `json:"mode,omitempty"`
	IdleAfterSec      int64  `json:"idle_after_sec,omitempty"`
	SleepAfterIdleSec int64  `json:"sleep_after_idle_sec,omitempty"`
	BatchWindowSec    int64  `json:"batch_window_sec,omitempty"`
	VibeIntervalSec   int64  `json:"vibe_interval_sec,omitempty"`
	PlanNudgeDelayMs  int64  `json:"plan_nudge_delay_ms,omitempty"`
	VibePrompt        string `json:"vibe_prompt,omitempty"`
}

// Runtime translates the section into the runtime coordinator config.
// Anything unset in the file keeps the coordinator default.
func (s CoordinatorSection) Runtime() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.Mode != "" {
		cfg.Mode = s.Mode
	}
	if s.IdleAfterSec > 0 {
		cfg.IdleAfterMs = s.IdleAfterSec * 1000
	}
	if s.SleepAfterIdleSec > 0 {
		cfg.SleepAfterIdleMs = s.SleepAfterIdleSec * 1000
	}
	if s.BatchWindowSec > 0 {
		cfg.BatchWindowMs = s.BatchWindowSec * 1000
	}
	if s.VibeIntervalSec > 0 {
		cfg.VibeIntervalMs = s.VibeIntervalSec * 1000
	}
	if s.PlanNudgeDelayMs > 0 {
		cfg.PlanNudgeDelayMs = s.PlanNudgeDelayMs
	}
	if s.VibePrompt != "" {
		cfg.VibePrompt = s.VibePrompt
	}
	return cfg
}

// ChatConfig enables and configures the chat source adapters.
type ChatConfig struct {
	PumpFun PumpFunConfig `json:"pumpfun,omitempty"`
	YouTube YouTubeConfig `json:"youtube,omitempty"`
	Twitch  TwitchConfig  `json:"twitch,omitempty"`
	Twitter TwitterConfig `json:"twitter,omitempty"`
}

// PumpFunConfig configures the pump.fun room chat source.
type PumpFunConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	MintAddress string `json:"mint_address,omitempty"` // coin mint, doubles as the room key
	WSURL       string `json:"ws_url,omitempty"`       // override for tests
}

// YouTubeConfig configures the YouTube live chat poller.
type YouTubeConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	VideoID string `json:"video_id,omitempty"`
	APIBase string `json:"api_base,omitempty"` // override for tests
}

// TwitchConfig configures the anonymous Twitch IRC source.
type TwitchConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Channel string `json:"channel,omitempty"` // channel login name, no leading #
	WSURL   string `json:"ws_url,omitempty"`  // override for tests
}

// TwitterConfig configures the mentions poller.
type TwitterConfig struct {
	Enabled        bool   `json:"enabled,omitempty"`
	BearerToken    string `json:"bearer_token,omitempty"`
	UserID         string `json:"user_id,omitempty"` // account whose mentions are watched
	PollIntervalMs int64  `json:"poll_interval_ms,omitempty"`
	APIBase        string `json:"api_base,omitempty"` // override for tests
}

// MarketConfig configures the market-cap poller feeding the overlay ticker.
type MarketConfig struct {
	Enabled        bool   `json:"enabled,omitempty"`
	MintAddress    string `json:"mint_address,omitempty"` // defaults to chat.pumpfun.mint_address
	Endpoint       string `json:"endpoint,omitempty"`     // override for tests
	PollIntervalMs int64  `json:"poll_interval_ms,omitempty"`
}

// TelemetryConfig configures OpenTelemetry trace export. Metrics are always
// served on /metrics; traces only leave the process when Enabled.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "crawd"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the overlay
// server. Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env CRAWD_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Overlay = src.Overlay
	c.Chat = src.Chat
	c.Coordinator = src.Coordinator
	c.Market = src.Market
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
