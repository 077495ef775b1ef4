package protocol

// RPC method name constants for WebSocket clients.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Subscriptions
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)
