package cmd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawdtv/crawd/internal/config"
	"github.com/crawdtv/crawd/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("crawd doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: crawd onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Gateway
	fmt.Println()
	fmt.Println("  Gateway:")
	transport := cfg.Gateway.Transport
	if transport == "" {
		transport = "persistent"
	}
	fmt.Printf("    %-12s %s\n", "URL:", cfg.Gateway.URL)
	fmt.Printf("    %-12s %s\n", "Transport:", transport)
	checkSecret("Token", cfg.Gateway.Token)
	if cfg.Gateway.SessionKey != "" {
		fmt.Printf("    %-12s %s\n", "Session:", cfg.Gateway.SessionKey)
	}
	checkDialable("Reachable", cfg.Gateway.URL)

	// Chat sources
	fmt.Println()
	fmt.Println("  Chat sources:")
	checkSource("pump.fun", cfg.Chat.PumpFun.Enabled, cfg.Chat.PumpFun.MintAddress != "")
	checkSource("YouTube", cfg.Chat.YouTube.Enabled, cfg.Chat.YouTube.APIKey != "" && cfg.Chat.YouTube.VideoID != "")
	checkSource("Twitch", cfg.Chat.Twitch.Enabled, cfg.Chat.Twitch.Channel != "")
	checkSource("X", cfg.Chat.Twitter.Enabled, cfg.Chat.Twitter.BearerToken != "" && cfg.Chat.Twitter.UserID != "")

	// Coordinator tuning after the seconds → milliseconds translation.
	rt := cfg.Coordinator.Runtime()
	fmt.Println()
	fmt.Println("  Coordinator:")
	fmt.Printf("    %-12s %t\n", "Enabled:", rt.Enabled)
	fmt.Printf("    %-12s %s\n", "Mode:", rt.Mode)
	fmt.Printf("    %-12s idle %s, sleep %s, batch %s\n", "Ladder:",
		time.Duration(rt.IdleAfterMs)*time.Millisecond,
		time.Duration(rt.SleepAfterIdleMs)*time.Millisecond,
		time.Duration(rt.BatchWindowMs)*time.Millisecond,
	)

	// Overlay
	fmt.Println()
	fmt.Println("  Overlay:")
	bind := fmt.Sprintf("%s:%d", cfg.Overlay.Host, cfg.Overlay.Port)
	fmt.Printf("    %-12s %s\n", "Bind:", bind)
	if ln, lnErr := net.Listen("tcp", bind); lnErr != nil {
		fmt.Printf("    %-12s in use (coordinator already running?)\n", "Port:")
	} else {
		ln.Close()
		fmt.Printf("    %-12s free\n", "Port:")
	}

	// Market
	fmt.Println()
	fmt.Println("  Market:")
	if cfg.Market.Enabled {
		mint := cfg.Market.MintAddress
		if mint == "" {
			mint = cfg.Chat.PumpFun.MintAddress
		}
		if mint == "" {
			fmt.Printf("    %-12s enabled (missing mint address)\n", "Poller:")
		} else {
			fmt.Printf("    %-12s enabled, mint %s\n", "Poller:", mint)
		}
	} else {
		fmt.Printf("    %-12s disabled\n", "Poller:")
	}

	// Telemetry
	if cfg.Telemetry.Enabled {
		fmt.Println()
		fmt.Println("  Telemetry:")
		fmt.Printf("    %-12s %s (%s)\n", "OTLP:", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := "****"
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkSource(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

// checkDialable probes the TCP side of a ws:// or wss:// endpoint. The
// handshake itself is left to the real client.
func checkDialable(name, wsURL string) {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		fmt.Printf("    %-12s invalid URL\n", name+":")
		return
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		fmt.Printf("    %-12s no (%s)\n", name+":", err)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s yes\n", name+":")
}
