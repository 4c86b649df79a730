// Package gateway implements the outbound RPC port to the agent runtime.
// Two transports speak the same protocol: a persistent client that holds
// one authenticated WebSocket open and multiplexes requests over it, and a
// one-shot client that dials per call. The persistent transport also
// receives node.invoke.request events, the bridge the agent uses to call
// back into coordinator-side commands such as talk.
package gateway

import (
	"context"

	"github.com/crawdtv/crawd/pkg/protocol"
)

// Invoker is the coordinator's single path to the agent. Every turn the
// dispatcher executes ends up here.
type Invoker interface {
	// TriggerAgent runs one agent turn and returns the reply texts.
	TriggerAgent(ctx context.Context, message string) ([]string, error)
}

// NodeHandler executes a gateway-initiated node command and returns the
// payload for the node.invoke.result reply.
type NodeHandler func(ctx context.Context, req protocol.NodeInvokeRequest) (any, error)

// Options configures either transport.
type Options struct {
	// URL is the gateway WebSocket endpoint.
	URL string
	// Token authenticates the connect handshake. Optional.
	Token string
	// SessionKey scopes agent turns to one conversation.
	SessionKey string
	// ClientID identifies this coordinator in the handshake.
	ClientID string
	// Version is reported in the handshake client info.
	Version string
}
