package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/crawdtv/crawd/internal/config"
)

// Server hosts the overlay WebSocket endpoints and the HTTP API on one
// listener.
type Server struct {
	cfg config.OverlayConfig
	hub *Hub

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wraps a hub in an HTTP server bound per cfg.
func NewServer(cfg config.OverlayConfig, hub *Hub) *Server {
	return &Server{cfg: cfg, hub: hub}
}

// Hub returns the underlying event hub.
func (s *Server) Hub() *Hub { return s.hub }

// BuildMux creates and caches the HTTP mux with the WebSocket routes
// registered. Call this before Start to mount additional handlers (the HTTP
// API, a Tailscale listener) on the same mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/overlay", s.hub.HandleWS)
	mux.HandleFunc("/ws", s.hub.HandleWS)

	s.mux = mux
	return mux
}

// Start begins listening and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("overlay server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("overlay server: %w", err)
	}
	return nil
}

// StartTestServer creates a listener on 127.0.0.1:0 and returns the actual
// address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
