package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/crawdtv/crawd/pkg/protocol"
)

const oneShotTimeout = 120 * time.Second

// OneShot dials the gateway, runs a single agent turn, and closes the
// connection. Used by the talk CLI and other fire-and-forget callers that
// do not want to share the coordinator's persistent session.
func OneShot(ctx context.Context, opts Options, message string) ([]string, error) {
	if opts.ClientID == "" {
		opts.ClientID = "crawd-cli"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "")

	params := protocol.NewConnectParams(opts.ClientID, opts.Version, opts.Token, []string{"talk"})
	connectFrame, err := protocol.NewRequest("connect-1", protocol.MethodConnect, params)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(ctx, conn, connectFrame); err != nil {
		return nil, fmt.Errorf("gateway: send connect: %w", err)
	}
	if _, err := awaitResponse(ctx, conn, "connect-1"); err != nil {
		return nil, fmt.Errorf("gateway: connect: %w", err)
	}

	reqID := uuid.NewString()[:8]
	agentFrame, err := protocol.NewRequest(reqID, protocol.MethodAgent, protocol.AgentParams{
		Message:        message,
		IdempotencyKey: uuid.NewString(),
		SessionKey:     opts.SessionKey,
	})
	if err != nil {
		return nil, err
	}
	if err := writeFrame(ctx, conn, agentFrame); err != nil {
		return nil, fmt.Errorf("gateway: send agent request: %w", err)
	}

	resp, err := awaitResponse(ctx, conn, reqID)
	if err != nil {
		return nil, fmt.Errorf("gateway: agent call: %w", err)
	}
	var result protocol.AgentResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("gateway: decode agent result: %w", err)
		}
	}
	return result.Texts(), nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame *protocol.RequestFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// awaitResponse reads frames until the final response for id arrives.
// Events (challenges, heartbeats) and intermediate "accepted" responses
// are skipped.
func awaitResponse(ctx context.Context, conn *websocket.Conn, id string) (*protocol.ResponseFrame, error) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil || frameType != protocol.FrameTypeResponse {
			continue
		}

		var resp protocol.ResponseFrame
		if err := json.Unmarshal(raw, &resp); err != nil || resp.ID != id {
			continue
		}
		if !resp.OK {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, fmt.Errorf("request %s rejected", id)
		}
		if resp.Accepted() {
			continue
		}
		return &resp, nil
	}
}
