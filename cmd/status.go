package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/crawdtv/crawd/internal/config"
)

func statusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordinator state, chat sources, and the active plan",
		Run: func(cmd *cobra.Command, args []string) {
			base := addr
			if base == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
					os.Exit(1)
				}
				base = coordinatorBaseURL(cfg)
			}

			client := &http.Client{Timeout: 10 * time.Second}

			var coord struct {
				Enabled        bool   `json:"enabled"`
				State          string `json:"state"`
				LastActivityAt int64  `json:"lastActivityAt"`
				Config         struct {
					Mode           string `json:"mode"`
					BatchWindowMs  int64  `json:"batchWindowMs"`
					VibeIntervalMs int64  `json:"vibeIntervalMs"`
				} `json:"config"`
			}
			if err := getJSON(client, base+"/coordinator/status", &coord); err != nil {
				fmt.Fprintf(os.Stderr, "coordinator unreachable at %s: %v\n", base, err)
				os.Exit(1)
			}

			var sources struct {
				Connected []string `json:"connected"`
			}
			if err := getJSON(client, base+"/chat/status", &sources); err != nil {
				fmt.Fprintf(os.Stderr, "chat status failed: %v\n", err)
				os.Exit(1)
			}

			var planResp struct {
				Plan *struct {
					Goal   string `json:"goal"`
					Status string `json:"status"`
					Steps  []struct {
						Status string `json:"status"`
					} `json:"steps"`
				} `json:"plan"`
			}
			if err := getJSON(client, base+"/plan", &planResp); err != nil {
				fmt.Fprintf(os.Stderr, "plan lookup failed: %v\n", err)
				os.Exit(1)
			}

			chatLine := "none connected"
			if len(sources.Connected) > 0 {
				chatLine = strings.Join(sources.Connected, ", ")
			}

			planLine := "none"
			if p := planResp.Plan; p != nil {
				done := 0
				for _, s := range p.Steps {
					if s.Status == "done" {
						done++
					}
				}
				planLine = fmt.Sprintf("%s (%d/%d steps, %s)", p.Goal, done, len(p.Steps), p.Status)
			}

			fmt.Printf("crawd @ %s\n\n", base)
			printAligned([][2]string{
				{"state", coord.State},
				{"enabled", fmt.Sprintf("%t", coord.Enabled)},
				{"mode", coord.Config.Mode},
				{"last activity", humanizeSince(coord.LastActivityAt)},
				{"batch window", (time.Duration(coord.Config.BatchWindowMs) * time.Millisecond).String()},
				{"chat", chatLine},
				{"plan", planLine},
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "coordinator base URL (default: overlay host/port from config)")
	return cmd
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printAligned pads the label column by display width so wide runes in
// values (usernames, plan goals) do not skew the table.
func printAligned(rows [][2]string) {
	width := 0
	for _, r := range rows {
		if w := runewidth.StringWidth(r[0]); w > width {
			width = w
		}
	}
	for _, r := range rows {
		fmt.Printf("  %s  %s\n", runewidth.FillRight(r[0], width), r[1])
	}
}

func humanizeSince(unixMs int64) string {
	if unixMs <= 0 {
		return "never"
	}
	d := time.Since(time.UnixMilli(unixMs)).Truncate(time.Second)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%s ago", d)
}
