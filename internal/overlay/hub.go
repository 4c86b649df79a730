// Package overlay hosts the WebSocket bus the browser overlays subscribe to
// and the HTTP server the rest of the API mounts on. Events flow out as
// {"channel", "payload"} frames; the same shape comes back for acks and
// mock chat.
package overlay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crawdtv/crawd/internal/bus"
	"github.com/crawdtv/crawd/internal/observe"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	sendQueueSize = 64
)

// Sink handles events sent by overlay clients back to the server.
type Sink interface {
	// HandleTalkDone acknowledges that the overlay finished speaking an
	// utterance.
	HandleTalkDone(id string)
	// HandleMockChat injects a synthetic chat message as if it arrived
	// from pump.fun.
	HandleMockChat(username, message string)
}

// TalkDonePayload is the crawd:talk:done ack body.
type TalkDonePayload struct {
	ID string `json:"id"`
}

// MockChatPayload is the crawd:mock-chat body from the overlay dev panel.
type MockChatPayload struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// inboundFrame keeps the payload raw until the channel is known.
type inboundFrame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

func (c *client) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Hub fans events out to every connected overlay and routes inbound frames
// to the Sink. Broadcast is best-effort: a client whose send queue is full
// loses the event rather than blocking the emitter.
type Hub struct {
	metrics        *observe.Metrics
	allowedOrigins []string
	upgrader       websocket.Upgrader

	sinkMu sync.RWMutex
	sink   Sink

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty hub. An empty origin whitelist allows all origins.
func NewHub(allowedOrigins []string, metrics *observe.Metrics) *Hub {
	h := &Hub{
		metrics:        metrics,
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetSink installs the consumer for inbound overlay events. Called once
// during wiring, before the server starts accepting connections.
func (h *Hub) SetSink(s Sink) {
	h.sinkMu.Lock()
	h.sink = s
	h.sinkMu.Unlock()
}

// checkOrigin validates the Origin header against the whitelist. No
// configured origins or an absent header (non-browser client) allows the
// connection.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range h.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// Emit implements bus.EventEmitter: marshal once, fan out to every client.
func (h *Hub) Emit(ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("overlay: marshal event", "channel", ev.Channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			slog.Warn("overlay client lagging, dropping event",
				"id", c.id, "channel", ev.Channel)
		}
	}
}

// ActiveClients returns the number of connected overlays.
func (h *Hub) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown sends a close frame to every connected overlay and drops the
// connections. WriteControl is safe alongside the write pump.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "coordinator shutting down")
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.close()
		c.conn.Close()
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("overlay: websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString()[:8],
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.OverlayClients.Add(context.Background(), 1)
	}
	slog.Info("overlay client connected", "id", c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.close()
	c.conn.Close()
	if h.metrics != nil {
		h.metrics.OverlayClients.Add(context.Background(), -1)
	}
	slog.Info("overlay client disconnected", "id", c.id)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("overlay: bad inbound frame", "id", c.id, "error", err)
			continue
		}
		h.dispatch(c, frame)
	}
}

func (h *Hub) dispatch(c *client, frame inboundFrame) {
	h.sinkMu.RLock()
	sink := h.sink
	h.sinkMu.RUnlock()
	if sink == nil {
		slog.Debug("overlay: no sink, dropping inbound", "channel", frame.Channel)
		return
	}

	switch frame.Channel {
	case bus.ChannelTalkDone:
		var p TalkDonePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ID == "" {
			slog.Warn("overlay: bad talk:done payload", "id", c.id, "error", err)
			return
		}
		sink.HandleTalkDone(p.ID)

	case bus.ChannelMockChat:
		var p MockChatPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			slog.Warn("overlay: bad mock-chat payload", "id", c.id, "error", err)
			return
		}
		sink.HandleMockChat(p.Username, p.Message)

	default:
		slog.Debug("overlay: ignoring inbound channel", "channel", frame.Channel)
	}
}
