package protocol

// RPC method name constants.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"

	// Agent turn execution
	MethodAgent = "agent"

	// Reply to a gateway-initiated node.invoke.request event
	MethodNodeInvokeResult = "node.invoke.result"
)
