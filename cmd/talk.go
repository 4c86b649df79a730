package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawdtv/crawd/internal/config"
	"github.com/crawdtv/crawd/internal/gateway"
)

func talkCmd() *cobra.Command {
	var addr string
	var direct bool

	cmd := &cobra.Command{
		Use:   "talk [message...]",
		Short: "Speak a message on stream through a running coordinator",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			message := strings.Join(args, " ")

			if direct {
				runDirectTalk(cmd, message)
				return
			}

			base := addr
			if base == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
					os.Exit(1)
				}
				base = coordinatorBaseURL(cfg)
			}

			body, _ := json.Marshal(map[string]string{"message": message})
			client := &http.Client{Timeout: 90 * time.Second}
			resp, err := client.Post(base+"/crawd/talk", "application/json", bytes.NewReader(body))
			if err != nil {
				fmt.Fprintf(os.Stderr, "coordinator unreachable at %s: %v\n", base, err)
				os.Exit(1)
			}
			defer resp.Body.Close()

			var out struct {
				OK    bool   `json:"ok"`
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				fmt.Fprintf(os.Stderr, "bad response (%s): %v\n", resp.Status, err)
				os.Exit(1)
			}
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "talk rejected: %s\n", out.Error)
				os.Exit(1)
			}
			if out.OK {
				fmt.Println("spoken")
			} else {
				fmt.Println("delivered, not spoken (overlay closed?)")
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "coordinator base URL (default: overlay host/port from config)")
	cmd.Flags().BoolVar(&direct, "direct", false, "skip the coordinator and run a one-shot agent turn against the gateway")
	return cmd
}

// runDirectTalk dials the gateway itself instead of going through a running
// coordinator. Useful for smoke-testing gateway credentials.
func runDirectTalk(cmd *cobra.Command, message string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	replies, err := gateway.OneShot(cmd.Context(), gateway.Options{
		URL:        cfg.Gateway.URL,
		Token:      cfg.Gateway.Token,
		SessionKey: cfg.Gateway.SessionKey,
		ClientID:   cfg.Gateway.ClientID,
		Version:    Version,
	}, message)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent turn failed: %v\n", err)
		os.Exit(1)
	}
	for _, r := range replies {
		fmt.Println(r)
	}
}

// coordinatorBaseURL derives a dialable base URL from the overlay bind
// address. Wildcard binds dial loopback.
func coordinatorBaseURL(cfg *config.Config) string {
	host := cfg.Overlay.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Overlay.Port)
}
