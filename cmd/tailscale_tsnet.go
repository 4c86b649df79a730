//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/crawdtv/crawd/internal/config"
)

// initTailscale serves the overlay mux on the tailnet as well, so OBS on
// another machine can reach /overlay without exposing the coordinator to
// the open internet. Returns a cleanup func, or nil when no hostname is
// configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	ts := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		AuthKey:   cfg.Tailscale.AuthKey,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		Ephemeral: cfg.Tailscale.Ephemeral,
	}
	if _, err := ts.Up(ctx); err != nil {
		slog.Error("tailscale up failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		ts.Close()
		return nil
	}

	var ln net.Listener
	var err error
	if cfg.Tailscale.EnableTLS {
		ln, err = ts.ListenTLS("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		ts.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tailscale serve error", "error", err)
		}
	}()

	slog.Info("tailscale listener active",
		"hostname", cfg.Tailscale.Hostname,
		"tls", cfg.Tailscale.EnableTLS,
	)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = ts.Close()
	}
}
