package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/crawdtv/crawd/pkg/protocol"
)

// session is one accepted connection on the fake gateway. The connect
// handshake has already been answered by the time the script runs.
type session struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *session) readRequest() (protocol.RequestFrame, bool) {
	s.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var req protocol.RequestFrame
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return req, false
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		s.t.Errorf("server: bad request frame: %v", err)
		return req, false
	}
	return req, true
}

func (s *session) write(v any) {
	if err := s.conn.WriteJSON(v); err != nil {
		s.t.Logf("server write: %v", err)
	}
}

// hold blocks until the peer closes the connection so the handler does not
// tear the socket down under the client.
func (s *session) hold() {
	s.conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

type gatewayServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	connects []protocol.ConnectParams
}

// newGatewayServer starts a fake gateway that answers the connect handshake
// and then hands each connection to script.
func newGatewayServer(t *testing.T, script func(s *session)) *gatewayServer {
	t.Helper()
	gs := &gatewayServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	gs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s := &session{t: t, conn: conn}
		req, ok := s.readRequest()
		if !ok || req.Method != protocol.MethodConnect {
			return
		}
		var params protocol.ConnectParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Errorf("server: bad connect params: %v", err)
			return
		}
		gs.mu.Lock()
		gs.connects = append(gs.connects, params)
		gs.mu.Unlock()

		s.write(map[string]any{"type": "res", "id": req.ID, "ok": true})
		script(s)
	}))
	t.Cleanup(gs.srv.Close)
	return gs
}

func (gs *gatewayServer) url() string {
	return "ws" + strings.TrimPrefix(gs.srv.URL, "http")
}

func (gs *gatewayServer) connectCount() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return len(gs.connects)
}

func (gs *gatewayServer) firstConnect() protocol.ConnectParams {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.connects[0]
}

func startClient(t *testing.T, gs *gatewayServer, clock clockwork.Clock) *Client {
	t.Helper()
	c := NewClient(Options{
		URL:        gs.url(),
		Token:      "sekret",
		SessionKey: "agent:crawd:main",
		ClientID:   "crawd-test",
		Version:    "0.0.1",
	}, clock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})
	return c
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestTriggerAgentHandshakeAndResult(t *testing.T) {
	agentReqs := make(chan protocol.RequestFrame, 1)
	gs := newGatewayServer(t, func(s *session) {
		req, ok := s.readRequest()
		if !ok {
			return
		}
		agentReqs <- req
		s.write(map[string]any{
			"type": "res", "id": req.ID, "ok": true,
			"payload": map[string]any{"status": "accepted"},
		})
		s.write(map[string]any{
			"type": "res", "id": req.ID, "ok": true,
			"result": map[string]any{"payloads": []map[string]any{
				{"text": "gm chat"},
				{"text": ""},
				{"text": "lets cook"},
			}},
		})
		s.hold()
	})

	c := startClient(t, gs, clockwork.NewRealClock())
	waitUntil(t, c.Connected, "client connected")

	texts, err := c.TriggerAgent(context.Background(), "say gm")
	if err != nil {
		t.Fatalf("TriggerAgent: %v", err)
	}
	if len(texts) != 2 || texts[0] != "gm chat" || texts[1] != "lets cook" {
		t.Errorf("texts = %q, want [gm chat, lets cook]", texts)
	}

	hs := gs.firstConnect()
	if hs.MinProtocolVersion != 3 || hs.MaxProtocolVersion != 3 {
		t.Errorf("protocol versions = %d/%d, want 3/3", hs.MinProtocolVersion, hs.MaxProtocolVersion)
	}
	if hs.Client.Platform != "node" || hs.Client.Mode != "backend" {
		t.Errorf("client info = %+v, want platform node, mode backend", hs.Client)
	}
	if hs.Client.ID != "crawd-test" || hs.Client.Version != "0.0.1" {
		t.Errorf("client id/version = %s/%s", hs.Client.ID, hs.Client.Version)
	}
	if len(hs.Commands) != 1 || hs.Commands[0] != "talk" {
		t.Errorf("commands = %v, want [talk]", hs.Commands)
	}
	if hs.Auth == nil || hs.Auth.Token != "sekret" {
		t.Errorf("auth = %+v, want token sekret", hs.Auth)
	}

	req := <-agentReqs
	if req.Method != protocol.MethodAgent {
		t.Fatalf("method = %q, want %q", req.Method, protocol.MethodAgent)
	}
	var params protocol.AgentParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("agent params: %v", err)
	}
	if params.Message != "say gm" {
		t.Errorf("message = %q", params.Message)
	}
	if params.IdempotencyKey == "" {
		t.Error("idempotency key missing")
	}
	if params.SessionKey != "agent:crawd:main" {
		t.Errorf("session key = %q", params.SessionKey)
	}
}

func TestTriggerAgentErrorFrame(t *testing.T) {
	gs := newGatewayServer(t, func(s *session) {
		req, ok := s.readRequest()
		if !ok {
			return
		}
		s.write(map[string]any{
			"type": "res", "id": req.ID, "ok": false,
			"error": map[string]any{"code": "agent_busy", "message": "turn already running"},
		})
		s.hold()
	})

	c := startClient(t, gs, clockwork.NewRealClock())
	waitUntil(t, c.Connected, "client connected")

	_, err := c.TriggerAgent(context.Background(), "say gm")
	if err == nil || !strings.Contains(err.Error(), "turn already running") {
		t.Fatalf("err = %v, want agent_busy error", err)
	}
}

func TestTriggerAgentNotConnected(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:0"}, clockwork.NewRealClock(), nil)
	_, err := c.TriggerAgent(context.Background(), "hello")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestNodeInvokeBridge(t *testing.T) {
	results := make(chan protocol.RequestFrame, 1)
	gs := newGatewayServer(t, func(s *session) {
		s.write(map[string]any{
			"type": "event", "event": protocol.EventNodeInvokeRequest,
			"payload": map[string]any{
				"id": "inv-1", "nodeId": "node-9", "command": "talk",
				"paramsJSON": `{"text":"hello chat"}`, "timeoutMs": 5000,
			},
		})
		if req, ok := s.readRequest(); ok {
			results <- req
		}
		s.hold()
	})

	c := startClient(t, gs, clockwork.NewRealClock())
	c.SetNodeHandler(func(ctx context.Context, req protocol.NodeInvokeRequest) (any, error) {
		if req.Command != "talk" {
			t.Errorf("command = %q", req.Command)
		}
		if req.ParamsJSON != `{"text":"hello chat"}` {
			t.Errorf("paramsJSON = %q", req.ParamsJSON)
		}
		return map[string]bool{"spoken": true}, nil
	})
	waitUntil(t, c.Connected, "client connected")

	var req protocol.RequestFrame
	select {
	case req = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("no node.invoke.result received")
	}
	if req.Method != protocol.MethodNodeInvokeResult {
		t.Fatalf("method = %q, want %q", req.Method, protocol.MethodNodeInvokeResult)
	}

	var res protocol.NodeInvokeResult
	if err := json.Unmarshal(req.Params, &res); err != nil {
		t.Fatalf("result params: %v", err)
	}
	if res.ID != "inv-1" || res.NodeID != "node-9" || !res.OK {
		t.Errorf("result = %+v, want inv-1/node-9 ok", res)
	}
	if string(res.Payload) != `{"spoken":true}` {
		t.Errorf("payload = %s", res.Payload)
	}
}

func TestNodeInvokeHandlerError(t *testing.T) {
	results := make(chan protocol.RequestFrame, 1)
	gs := newGatewayServer(t, func(s *session) {
		s.write(map[string]any{
			"type": "event", "event": protocol.EventNodeInvokeRequest,
			"payload": map[string]any{"id": "inv-2", "nodeId": "node-9", "command": "talk"},
		})
		if req, ok := s.readRequest(); ok {
			results <- req
		}
		s.hold()
	})

	c := startClient(t, gs, clockwork.NewRealClock())
	c.SetNodeHandler(func(ctx context.Context, req protocol.NodeInvokeRequest) (any, error) {
		return nil, errors.New("speech gate closed")
	})
	waitUntil(t, c.Connected, "client connected")

	var req protocol.RequestFrame
	select {
	case req = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("no node.invoke.result received")
	}
	var res protocol.NodeInvokeResult
	if err := json.Unmarshal(req.Params, &res); err != nil {
		t.Fatalf("result params: %v", err)
	}
	if res.OK || res.Error != "speech gate closed" {
		t.Errorf("result = %+v, want error", res)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	var dropped sync.Once
	gs := newGatewayServer(t, func(s *session) {
		drop := false
		dropped.Do(func() { drop = true })
		if drop {
			s.conn.Close()
			return
		}
		s.hold()
	})

	clock := clockwork.NewFakeClock()
	c := startClient(t, gs, clock)

	// First connection is dropped right after the handshake.
	waitUntil(t, func() bool { return gs.connectCount() == 1 && !c.Connected() }, "first drop")

	// The run loop sits in the backoff sleep; release it.
	clock.BlockUntil(1)
	clock.Advance(reconnectBase)

	waitUntil(t, c.Connected, "reconnected")
	if got := gs.connectCount(); got != 2 {
		t.Errorf("connect count = %d, want 2", got)
	}
}

func TestPendingFailsOnDisconnect(t *testing.T) {
	gs := newGatewayServer(t, func(s *session) {
		// Accept the agent request, then kill the connection without a
		// final frame.
		if _, ok := s.readRequest(); ok {
			s.conn.Close()
		}
	})

	clock := clockwork.NewFakeClock()
	c := startClient(t, gs, clock)
	waitUntil(t, c.Connected, "client connected")

	_, err := c.TriggerAgent(context.Background(), "say gm")
	if err == nil || !strings.Contains(err.Error(), "connection lost") {
		t.Fatalf("err = %v, want connection lost", err)
	}
}

func TestOneShotChallengeFlow(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s := &session{t: t, conn: conn}

		// Challenge goes out before the connect response.
		s.write(map[string]any{
			"type": "event", "event": protocol.EventConnectChallenge,
			"payload": map[string]any{"nonce": "abc"},
		})

		req, ok := s.readRequest()
		if !ok || req.Method != protocol.MethodConnect {
			t.Errorf("expected connect, got %+v", req)
			return
		}
		s.write(map[string]any{"type": "res", "id": req.ID, "ok": true})

		req, ok = s.readRequest()
		if !ok || req.Method != protocol.MethodAgent {
			t.Errorf("expected agent, got %+v", req)
			return
		}
		s.write(map[string]any{
			"type": "res", "id": req.ID, "ok": true,
			"payload": map[string]any{"status": "accepted"},
		})
		s.write(map[string]any{
			"type": "res", "id": req.ID, "ok": true,
			"result": map[string]any{"payloads": []map[string]any{{"text": "pong"}}},
		})
		s.hold()
	}))
	t.Cleanup(srv.Close)

	texts, err := OneShot(context.Background(), Options{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, "ping")
	if err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	if len(texts) != 1 || texts[0] != "pong" {
		t.Errorf("texts = %q, want [pong]", texts)
	}
}

func TestOneShotConnectRejected(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s := &session{t: t, conn: conn}
		req, ok := s.readRequest()
		if !ok {
			return
		}
		s.write(map[string]any{
			"type": "res", "id": req.ID, "ok": false,
			"error": map[string]any{"message": "bad token"},
		})
		s.hold()
	}))
	t.Cleanup(srv.Close)

	_, err := OneShot(context.Background(), Options{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token: "wrong",
	}, "ping")
	if err == nil || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("err = %v, want bad token", err)
	}
}
