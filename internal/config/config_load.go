package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/crawdtv/crawd/internal/coordinator"
)

// DefaultPath returns the config file location (~/.crawd/config.json5).
func DefaultPath() string {
	return ExpandHome("~/.crawd/config.json5")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:       "ws://127.0.0.1:18789",
			Transport: "persistent",
			ClientID:  "crawd-coordinator",
		},
		Overlay: OverlayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 60,
		},
		Coordinator: defaultCoordinatorSection(),
		Market: MarketConfig{
			PollIntervalMs: 30_000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "crawd",
		},
	}
}

// defaultCoordinatorSection mirrors coordinator.DefaultConfig() in the
// seconds file schema, so a freshly saved file carries explicit values.
func defaultCoordinatorSection() CoordinatorSection {
	d := coordinator.DefaultConfig()
	enabled := d.Enabled
	return CoordinatorSection{
		Enabled:           &enabled,
		Mode:              d.Mode,
		IdleAfterSec:      d.IdleAfterMs / 1000,
		SleepAfterIdleSec: d.SleepAfterIdleMs / 1000,
		BatchWindowSec:    d.BatchWindowMs / 1000,
		VibeIntervalSec:   d.VibeIntervalMs / 1000,
		PlanNudgeDelayMs:  d.PlanNudgeDelayMs,
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CRAWD_GATEWAY_URL", &c.Gateway.URL)
	envStr("CRAWD_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CRAWD_SESSION_KEY", &c.Gateway.SessionKey)
	envStr("CRAWD_GATEWAY_TRANSPORT", &c.Gateway.Transport)

	envStr("CRAWD_HOST", &c.Overlay.Host)
	if v := os.Getenv("CRAWD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Overlay.Port = port
		}
	}
	if v := os.Getenv("CRAWD_ALLOWED_ORIGINS"); v != "" {
		c.Overlay.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("CRAWD_PUMPFUN_MINT", &c.Chat.PumpFun.MintAddress)
	envStr("CRAWD_YOUTUBE_API_KEY", &c.Chat.YouTube.APIKey)
	envStr("CRAWD_YOUTUBE_VIDEO_ID", &c.Chat.YouTube.VideoID)
	envStr("CRAWD_TWITCH_CHANNEL", &c.Chat.Twitch.Channel)
	envStr("CRAWD_TWITTER_BEARER_TOKEN", &c.Chat.Twitter.BearerToken)
	envStr("CRAWD_TWITTER_USER_ID", &c.Chat.Twitter.UserID)

	// Auto-enable adapters when credentials arrive via env.
	if c.Chat.PumpFun.MintAddress != "" {
		c.Chat.PumpFun.Enabled = true
	}
	if c.Chat.YouTube.APIKey != "" && c.Chat.YouTube.VideoID != "" {
		c.Chat.YouTube.Enabled = true
	}
	if c.Chat.Twitch.Channel != "" {
		c.Chat.Twitch.Enabled = true
	}
	if c.Chat.Twitter.BearerToken != "" && c.Chat.Twitter.UserID != "" {
		c.Chat.Twitter.Enabled = true
	}

	// Telemetry
	envStr("CRAWD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CRAWD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CRAWD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CRAWD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CRAWD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("CRAWD_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("CRAWD_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("CRAWD_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after modifying config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with every secret field masked,
// for printing to terminals and logs.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	cp := &Config{}
	cp.ReplaceFrom(c)
	c.mu.RUnlock()

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Chat.YouTube.APIKey)
	maskNonEmpty(&cp.Chat.Twitter.BearerToken)
	maskNonEmpty(&cp.Tailscale.AuthKey)

	if len(cp.Telemetry.Headers) > 0 {
		hdrs := make(map[string]string, len(cp.Telemetry.Headers))
		for k := range cp.Telemetry.Headers {
			hdrs[k] = secretMask
		}
		cp.Telemetry.Headers = hdrs
	}

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
