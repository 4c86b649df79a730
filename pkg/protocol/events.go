package protocol

// Event names pushed by the gateway outside request/response pairs.
const (
	// Auth challenge that may precede or follow the connect response on
	// fresh connections.
	EventConnectChallenge = "connect.challenge"

	// Gateway-initiated command dispatch (payload: NodeInvokeRequest).
	EventNodeInvokeRequest = "node.invoke.request"

	// Agent run lifecycle chatter. The coordinator does not act on these;
	// the dispatcher's single-in-flight discipline is authoritative.
	EventAgent = "agent"

	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
)
