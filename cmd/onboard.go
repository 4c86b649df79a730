package cmd

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/crawdtv/crawd/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard, writes ~/.crawd/config.json5",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	path := resolveConfigPath()

	// Seed the wizard from the existing config so re-running keeps values.
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read existing config: %v\n", err)
		os.Exit(1)
	}

	var (
		gatewayURL = cfg.Gateway.URL
		token      = cfg.Gateway.Token
		sessionKey = cfg.Gateway.SessionKey
		transport  = cfg.Gateway.Transport
		platforms  []string
		mint       = cfg.Chat.PumpFun.MintAddress
		ytKey      = cfg.Chat.YouTube.APIKey
		ytVideo    = cfg.Chat.YouTube.VideoID
		twChannel  = cfg.Chat.Twitch.Channel
		xBearer    = cfg.Chat.Twitter.BearerToken
		xUserID    = cfg.Chat.Twitter.UserID
		mode       = cfg.Coordinator.Mode
		enabled    = cfg.Coordinator.Enabled == nil || *cfg.Coordinator.Enabled
		market     = cfg.Market.Enabled
		portStr    = strconv.Itoa(cfg.Overlay.Port)
		write      = true
	)
	if transport == "" {
		transport = "persistent"
	}
	if mode == "" {
		mode = "vibe"
	}
	if cfg.Chat.PumpFun.Enabled {
		platforms = append(platforms, "pumpfun")
	}
	if cfg.Chat.YouTube.Enabled {
		platforms = append(platforms, "youtube")
	}
	if cfg.Chat.Twitch.Enabled {
		platforms = append(platforms, "twitch")
	}
	if cfg.Chat.Twitter.Enabled {
		platforms = append(platforms, "twitter")
	}

	picked := func(p string) bool { return slices.Contains(platforms, p) }

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway URL").
				Description("WebSocket endpoint of the agent gateway").
				Placeholder("ws://127.0.0.1:18789").
				Value(&gatewayURL).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
						return errors.New("must start with ws:// or wss://")
					}
					return nil
				}),
			huh.NewInput().
				Title("Gateway token").
				Description("Leave blank to use CRAWD_GATEWAY_TOKEN from .env.local").
				EchoMode(huh.EchoModePassword).
				Value(&token),
			huh.NewInput().
				Title("Session key").
				Description("Agent session turns are pinned to (blank for gateway default)").
				Placeholder("agent:crawd:stream").
				Value(&sessionKey),
			huh.NewSelect[string]().
				Title("Gateway transport").
				Options(
					huh.NewOption("Persistent (one WebSocket, agent can call talk)", "persistent"),
					huh.NewOption("One-shot (dial per turn)", "oneshot"),
				).
				Value(&transport),
		).Title("Gateway"),

		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Chat sources").
				Options(
					huh.NewOption("pump.fun coin chat", "pumpfun"),
					huh.NewOption("YouTube live chat", "youtube"),
					huh.NewOption("Twitch chat", "twitch"),
					huh.NewOption("X mentions", "twitter"),
				).
				Value(&platforms),
		).Title("Chat"),

		huh.NewGroup(
			huh.NewInput().
				Title("pump.fun mint address").
				Description("The coin whose chat room the agent watches").
				Value(&mint),
			huh.NewConfirm().
				Title("Poll the coin market cap for the overlay?").
				Value(&market),
		).WithHideFunc(func() bool { return !picked("pumpfun") }),

		huh.NewGroup(
			huh.NewInput().
				Title("YouTube API key").
				EchoMode(huh.EchoModePassword).
				Value(&ytKey),
			huh.NewInput().
				Title("YouTube video ID").
				Description("The live broadcast to read chat from").
				Value(&ytVideo),
		).WithHideFunc(func() bool { return !picked("youtube") }),

		huh.NewGroup(
			huh.NewInput().
				Title("Twitch channel").
				Description("Channel login name, no leading #").
				Value(&twChannel),
		).WithHideFunc(func() bool { return !picked("twitch") }),

		huh.NewGroup(
			huh.NewInput().
				Title("X bearer token").
				EchoMode(huh.EchoModePassword).
				Value(&xBearer),
			huh.NewInput().
				Title("X user ID").
				Description("Account whose mentions are watched").
				Value(&xUserID),
		).WithHideFunc(func() bool { return !picked("twitter") }),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Autonomy mode").
				Options(
					huh.NewOption("Vibe — agent prompts itself when chat is quiet", "vibe"),
					huh.NewOption("Plan — agent works a step list", "plan"),
					huh.NewOption("None — agent only reacts to chat", "none"),
				).
				Value(&mode),
			huh.NewConfirm().
				Title("Enable the coordinator at boot?").
				Value(&enabled),
			huh.NewInput().
				Title("Overlay port").
				Value(&portStr).
				Validate(func(s string) error {
					p, err := strconv.Atoi(s)
					if err != nil || p < 1 || p > 65535 {
						return errors.New("must be a port number")
					}
					return nil
				}),
		).Title("Coordinator"),

		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Write config to %s?", path)).
				Value(&write),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Onboarding cancelled. Nothing written.")
			return
		}
		fmt.Fprintf(os.Stderr, "onboarding failed: %v\n", err)
		os.Exit(1)
	}
	if !write {
		fmt.Println("Nothing written.")
		return
	}

	cfg.Gateway.URL = gatewayURL
	cfg.Gateway.Token = token
	cfg.Gateway.SessionKey = sessionKey
	cfg.Gateway.Transport = transport
	cfg.Chat.PumpFun.Enabled = picked("pumpfun")
	cfg.Chat.PumpFun.MintAddress = mint
	cfg.Chat.YouTube.Enabled = picked("youtube")
	cfg.Chat.YouTube.APIKey = ytKey
	cfg.Chat.YouTube.VideoID = ytVideo
	cfg.Chat.Twitch.Enabled = picked("twitch")
	cfg.Chat.Twitch.Channel = twChannel
	cfg.Chat.Twitter.Enabled = picked("twitter")
	cfg.Chat.Twitter.BearerToken = xBearer
	cfg.Chat.Twitter.UserID = xUserID
	cfg.Coordinator.Enabled = &enabled
	cfg.Coordinator.Mode = mode
	cfg.Market.Enabled = market && picked("pumpfun")
	if cfg.Market.Enabled {
		cfg.Market.MintAddress = mint
	}
	cfg.Overlay.Port, _ = strconv.Atoi(portStr)

	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start the coordinator:   crawd")
	fmt.Printf("  2. Add an OBS browser source:  http://127.0.0.1:%s/overlay\n", portStr)
	fmt.Println("  3. Say something:           crawd talk \"gm chat\"")
}
