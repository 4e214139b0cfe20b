// ABOUTME: Websocket close codes used when the gateway terminates a session.
// ABOUTME: External monitoring distinguishes termination causes by these codes.

package protocol

// Application close codes (websocket private range 4000-4999). Each
// termination cause gets its own code so monitoring can tell them apart.
const (
	CloseAuthTimeout       = 4001 // no auth frame within the grace window
	CloseInvalidCredential = 4002 // unknown credential token
	CloseMachineMismatch   = 4003 // credential bound to a different machine
	CloseHeartbeatTimeout  = 4004 // liveness sweep evicted the session
	CloseSuperseded        = 4005 // a newer session authenticated for the same agent
)
