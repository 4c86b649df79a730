//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/crawdtv/crawd/internal/config"
)

// initTailscale is a no-op unless built with -tags tsnet.
func initTailscale(_ context.Context, cfg *config.Config, _ *http.ServeMux) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this build lacks tsnet support (rebuild with -tags tsnet)")
	}
	return nil
}
