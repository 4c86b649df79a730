package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the gateway wire protocol version this build speaks.
// The connect handshake pins both min and max to this value.
const ProtocolVersion = 3

// Frame type discriminators (the "type" field present on every frame).
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is an RPC call. Both sides may originate requests: the
// coordinator calls methods like "agent", and answers gateway-initiated
// invokes with "node.invoke.result".
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID. Long-running
// methods answer more than once: intermediate frames carry a payload with
// status "accepted", the final frame carries the result.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Accepted reports whether this is an intermediate "still running" frame
// rather than the final result.
func (r *ResponseFrame) Accepted() bool {
	if len(r.Payload) == 0 {
		return false
	}
	var p struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return false
	}
	return p.Status == "accepted"
}

// EventFrame is a server-pushed notification outside any request/response
// pair.
type EventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// NewRequest builds a RequestFrame, marshaling params. A nil params value
// produces a frame with no params field.
func NewRequest(id, method string, params interface{}) (*RequestFrame, error) {
	frame := &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		frame.Params = raw
	}
	return frame, nil
}

// ParseFrameType peeks at the "type" field of a raw frame so callers can
// pick the right struct to unmarshal into.
func ParseFrameType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	return head.Type, nil
}
