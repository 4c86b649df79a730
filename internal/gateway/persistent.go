package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/crawdtv/crawd/internal/observe"
	"github.com/crawdtv/crawd/pkg/protocol"
)

// ErrNotConnected is returned when a request is attempted while the
// transport is down. Callers drop the intent and move on.
var ErrNotConnected = errors.New("gateway: not connected")

const (
	reconnectBase        = time.Second
	reconnectMax         = 30 * time.Second
	handshakeTimeout     = 10 * time.Second
	defaultInvokeTimeout = 60 * time.Second
)

// Client is the persistent gateway transport: one authenticated WebSocket,
// requests multiplexed by id, automatic reconnect with 1s→30s backoff.
type Client struct {
	opts    Options
	clock   clockwork.Clock
	metrics *observe.Metrics

	handlerMu sync.RWMutex
	handler   NodeHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan protocol.ResponseFrame

	writeMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a stopped persistent client. Call SetNodeHandler before
// Start if the gateway is expected to dispatch node invokes.
func NewClient(opts Options, clock clockwork.Clock, metrics *observe.Metrics) *Client {
	if opts.ClientID == "" {
		opts.ClientID = "crawd-coordinator"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Client{
		opts:    opts,
		clock:   clock,
		metrics: metrics,
		pending: make(map[string]chan protocol.ResponseFrame),
		stopCh:  make(chan struct{}),
	}
}

// SetNodeHandler installs the executor for node.invoke.request events.
func (c *Client) SetNodeHandler(h NodeHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Connected reports whether the transport is up and authenticated.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start launches the connect/read/reconnect loop.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop closes the transport and waits for the loop to exit. Pending calls
// fail with a transport error. Safe to call multiple times.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			slog.Warn("gateway connect failed",
				"url", c.opts.URL,
				"error", err,
				"retryIn", backoff,
			)
		} else {
			backoff = reconnectBase
			slog.Info("gateway connected", "url", c.opts.URL)
			c.readLoop(ctx, conn)
			c.teardown(conn)
			slog.Warn("gateway disconnected", "url", c.opts.URL)
		}

		if c.metrics != nil {
			c.metrics.GatewayReconnects.Add(ctx, 1)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.clock.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// dial connects and performs the protocol handshake. The connection is
// installed only after the gateway accepts the connect request.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	params := protocol.NewConnectParams(c.opts.ClientID, c.opts.Version, c.opts.Token, []string{"talk"})
	frame, err := protocol.NewRequest("connect-1", protocol.MethodConnect, params)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read connect response: %w", err)
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			continue
		}
		// A challenge may land before the connect response; the connect
		// request is already in flight, so it only needs skipping.
		if frameType == protocol.FrameTypeEvent {
			continue
		}
		if frameType != protocol.FrameTypeResponse {
			continue
		}

		var resp protocol.ResponseFrame
		if err := json.Unmarshal(raw, &resp); err != nil || resp.ID != "connect-1" {
			continue
		}
		if !resp.OK {
			conn.Close()
			if resp.Error != nil {
				return nil, fmt.Errorf("connect rejected: %w", resp.Error)
			}
			return nil, fmt.Errorf("connect rejected")
		}
		break
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			slog.Debug("gateway: unparseable frame", "error", err)
			continue
		}

		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			c.route(resp)

		case protocol.FrameTypeEvent:
			var ev protocol.EventFrame
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Client) route(resp protocol.ResponseFrame) {
	c.mu.Lock()
	ch := c.pending[resp.ID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
		slog.Warn("gateway: dropping response, waiter backlog full", "id", resp.ID)
	}
}

func (c *Client) handleEvent(ctx context.Context, ev protocol.EventFrame) {
	switch ev.Event {
	case protocol.EventNodeInvokeRequest:
		var req protocol.NodeInvokeRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			slog.Warn("gateway: bad node invoke payload", "error", err)
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.bridgeInvoke(ctx, req)
		}()

	case protocol.EventShutdown:
		slog.Info("gateway announced shutdown")

	case protocol.EventHeartbeat, protocol.EventConnectChallenge:
		// nothing to do mid-session

	default:
		slog.Debug("gateway: ignoring event", "event", ev.Event)
	}
}

// bridgeInvoke runs one gateway-initiated command and replies with a
// node.invoke.result call.
func (c *Client) bridgeInvoke(ctx context.Context, req protocol.NodeInvokeRequest) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()

	result := protocol.NodeInvokeResult{ID: req.ID, NodeID: req.NodeID}
	if h == nil {
		result.Error = "no node handler registered"
	} else {
		timeout := defaultInvokeTimeout
		if req.TimeoutMs > 0 {
			timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		payload, err := h(cctx, req)
		cancel()

		if err != nil {
			result.Error = err.Error()
		} else {
			raw, err := json.Marshal(payload)
			if err != nil {
				result.Error = fmt.Sprintf("encode payload: %v", err)
			} else {
				result.OK = true
				result.Payload = raw
			}
		}
	}

	frame, err := protocol.NewRequest(uuid.NewString()[:8], protocol.MethodNodeInvokeResult, result)
	if err != nil {
		slog.Error("gateway: build invoke result", "error", err)
		return
	}
	if err := c.writeJSON(frame); err != nil {
		slog.Warn("gateway: send invoke result failed", "invokeId", req.ID, "error", err)
	}
}

// teardown clears the connection and fails every in-flight request.
func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.connected
	c.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// TriggerAgent sends one agent request and waits through intermediate
// "accepted" frames for the final result.
func (c *Client) TriggerAgent(ctx context.Context, message string) ([]string, error) {
	id := uuid.NewString()[:8]
	params := protocol.AgentParams{
		Message:        message,
		IdempotencyKey: uuid.NewString(),
		SessionKey:     c.opts.SessionKey,
	}
	frame, err := protocol.NewRequest(id, protocol.MethodAgent, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.ResponseFrame, 8)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(frame); err != nil {
		return nil, fmt.Errorf("gateway: send agent request: %w", err)
	}

	for {
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("gateway: connection lost during agent turn")
			}
			if !resp.OK {
				if resp.Error != nil {
					return nil, fmt.Errorf("gateway: agent call failed: %w", resp.Error)
				}
				return nil, fmt.Errorf("gateway: agent call failed")
			}
			if resp.Accepted() {
				continue
			}
			var result protocol.AgentResult
			if len(resp.Result) > 0 {
				if err := json.Unmarshal(resp.Result, &result); err != nil {
					return nil, fmt.Errorf("gateway: decode agent result: %w", err)
				}
			}
			return result.Texts(), nil

		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopCh:
			return nil, fmt.Errorf("gateway: client stopped")
		}
	}
}
