package protocol

import "encoding/json"

// ConnectParams is the handshake payload sent as the first request on every
// connection.
type ConnectParams struct {
	MinProtocolVersion int         `json:"minProtocolVersion"`
	MaxProtocolVersion int         `json:"maxProtocolVersion"`
	Client             ClientInfo  `json:"client"`
	Commands           []string    `json:"commands,omitempty"`
	Auth               *AuthParams `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting peer to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthParams carries the optional bearer token.
type AuthParams struct {
	Token string `json:"token,omitempty"`
}

// NewConnectParams builds the handshake for a backend client that exposes
// the given commands for gateway-initiated invokes.
func NewConnectParams(clientID, version, token string, commands []string) ConnectParams {
	p := ConnectParams{
		MinProtocolVersion: ProtocolVersion,
		MaxProtocolVersion: ProtocolVersion,
		Client: ClientInfo{
			ID:       clientID,
			Version:  version,
			Platform: "node",
			Mode:     "backend",
		},
		Commands: commands,
	}
	if token != "" {
		p.Auth = &AuthParams{Token: token}
	}
	return p
}

// AgentParams is the params shape for the "agent" method.
type AgentParams struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	SessionKey     string `json:"sessionKey,omitempty"`
}

// AgentResult is the final result shape of an "agent" call.
type AgentResult struct {
	Payloads []AgentPayload `json:"payloads"`
}

// AgentPayload is one reply text from an agent turn.
type AgentPayload struct {
	Text string `json:"text"`
}

// Texts flattens the payloads into the reply strings, skipping empties.
func (r AgentResult) Texts() []string {
	out := make([]string, 0, len(r.Payloads))
	for _, p := range r.Payloads {
		if p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return out
}

// NodeInvokeRequest is the payload of a node.invoke.request event: the
// gateway asking this client to run one of its advertised commands.
type NodeInvokeRequest struct {
	ID         string `json:"id"`
	NodeID     string `json:"nodeId"`
	Command    string `json:"command"`
	ParamsJSON string `json:"paramsJSON,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// NodeInvokeResult is the params shape for the node.invoke.result method
// answering a NodeInvokeRequest.
type NodeInvokeResult struct {
	ID      string          `json:"id"`
	NodeID  string          `json:"nodeId"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
