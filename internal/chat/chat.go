// Package chat provides the chat source abstraction layer. Adapters connect
// external livestream platforms (pump.fun, YouTube, Twitch, X) and feed
// normalized messages into the coordinator through a single multiplexer.
//
// Adapters are inbound-only: the coordinator never posts back into platform
// chat. Outbound speech goes through the overlay instead.
package chat

import (
	"context"

	"github.com/crawdtv/crawd/internal/bus"
)

// Adapter is the capability set every chat source implements.
type Adapter interface {
	// Name returns the registry key (e.g. "pumpfun", "youtube").
	Name() string

	// Platform returns the platform tag stamped on messages.
	Platform() bus.Platform

	// Connect establishes the source and starts its read loop. It must be
	// non-blocking after setup and report setup failures synchronously.
	Connect(ctx context.Context) error

	// Disconnect tears the source down. Idempotent.
	Disconnect(ctx context.Context) error

	// Connected reports whether the source is live.
	Connected() bool
}

// Sink receives normalized messages and lifecycle signals from adapters.
// The multiplexer is the only Sink in production.
type Sink interface {
	// HandleMessage delivers one normalized message. Must not block.
	HandleMessage(msg bus.ChatMessage)

	// HandleDisconnect reports that a connected source lost its transport.
	HandleDisconnect(source string, cause error)
}
