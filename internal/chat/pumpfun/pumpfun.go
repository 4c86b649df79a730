// Package pumpfun implements the pump.fun livestream chat source. The
// client joins the coin's chat room over WebSocket and normalizes message
// frames into bus.ChatMessage.
package pumpfun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/crawdtv/crawd/internal/bus"
	"github.com/crawdtv/crawd/internal/chat"
)

// DefaultWSURL is the public pump.fun livechat endpoint.
const DefaultWSURL = "wss://livechat.pump.fun/ws"

const (
	sourceName   = "pumpfun"
	pingInterval = 30 * time.Second
	readLimit    = 1 << 20
)

// Config holds the pump.fun connection parameters.
type Config struct {
	WSURL       string
	MintAddress string
}

// Adapter is the pump.fun chat source.
type Adapter struct {
	cfg  Config
	sink chat.Sink

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	connected bool
	wg        sync.WaitGroup
}

// New creates a disconnected adapter.
func New(cfg Config, sink chat.Sink) *Adapter {
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	return &Adapter{cfg: cfg, sink: sink}
}

func (a *Adapter) Name() string           { return sourceName }
func (a *Adapter) Platform() bus.Platform { return bus.PlatformPumpFun }

// Connected reports whether the read pump is live.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect dials the chat endpoint, joins the coin room and starts the read
// pump. Non-blocking after setup.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	if a.cfg.MintAddress == "" {
		return fmt.Errorf("pumpfun: mint address not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)

	conn, _, err := websocket.Dial(runCtx, a.cfg.WSURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("pumpfun: dial %s: %w", a.cfg.WSURL, err)
	}
	conn.SetReadLimit(readLimit)

	join, _ := json.Marshal(map[string]string{"type": "join", "room": a.cfg.MintAddress})
	if err := conn.Write(runCtx, websocket.MessageText, join); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "join failed")
		return fmt.Errorf("pumpfun: join room: %w", err)
	}

	a.conn = conn
	a.cancel = cancel
	a.connected = true

	a.wg.Add(2)
	go a.readPump(runCtx, conn)
	go a.pingLoop(runCtx, conn)

	slog.Info("pumpfun chat connected", "room", a.cfg.MintAddress)
	return nil
}

// Disconnect closes the connection and waits for the pumps to exit.
// Idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	cancel := a.cancel
	a.conn = nil
	a.cancel = nil
	a.connected = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	a.wg.Wait()
	return nil
}

// wireFrame is the pump.fun chat frame. Only type "message" carries chat.
type wireFrame struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	Username     string `json:"username"`
	Message      string `json:"message"`
	Timestamp    int64  `json:"timestamp"`
	ProfileImage string `json:"profileImage"`
	IsModerator  bool   `json:"isModerator"`
}

func (a *Adapter) readPump(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.mu.Lock()
			wasConnected := a.connected
			a.connected = false
			a.mu.Unlock()
			if ctx.Err() == nil && wasConnected {
				a.sink.HandleDisconnect(sourceName, err)
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("pumpfun: unparseable frame", "error", err)
			continue
		}
		if frame.Type != "message" || frame.Message == "" {
			continue
		}
		a.sink.HandleMessage(normalize(frame))
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": "ping"})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				return
			}
		}
	}
}

func normalize(frame wireFrame) bus.ChatMessage {
	id := frame.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := frame.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return bus.ChatMessage{
		ID:         id,
		ShortID:    bus.NewShortID(),
		Platform:   bus.PlatformPumpFun,
		Username:   frame.Username,
		Text:       frame.Message,
		ReceivedAt: ts,
		Meta: bus.ChatMeta{
			AvatarURL: frame.ProfileImage,
			Moderator: frame.IsModerator,
		},
	}
}
