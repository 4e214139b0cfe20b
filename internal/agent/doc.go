// Package agent manages live connections to remote trading agents.
//
// # Overview
//
// The agent package owns the in-memory connection core: session state,
// the identity registry, correlated command dispatch, and the liveness
// monitor. Persistence and transport concerns stay outside; the package
// talks to them only through narrow interfaces.
//
// # Session
//
// Session represents one websocket connection, pre- or post-auth:
//
//	sess := agent.NewSession(conn, remoteAddr, logger)
//
// The gateway's read loop owns the read side. Session serializes writes
// and carries the identity bound at auth time (agent id, owning user,
// kind, managed accounts).
//
// # Registry
//
// The Registry maps agent ids to sessions and back, under one lock, so
// at most one live session is bound to an agent id at any instant:
//
//   - Register(agentID, sess): bind, superseding any prior session
//   - LookupByID / LookupBySession: resolve either direction
//   - Remove / RemoveSession: drop a binding
//   - ListAll(): snapshot summaries for reporting
//
// Registering over an existing binding closes the old session with the
// superseded close code before the new one becomes visible. Agent
// restarts reconnect before their old socket dies, so supersession is
// the designed path, not an error.
//
// # Command Correlation
//
// The Dispatcher pairs each outbound command with a generated id and a
// pending entry:
//
//  1. SendCommand generates a uuid correlation id
//  2. Registers a pending entry with a buffered done channel
//  3. Writes the command frame to the agent's session
//  4. Blocks on the done channel, the timeout, or the caller's context
//
// A pending entry resolves exactly once: whichever of the result frame
// and the timeout claims the entry first deletes it under the lock; the
// loser finds nothing and does nothing. Late results are silent no-ops.
//
// # Liveness Monitoring
//
// Agents send periodic heartbeats. The Monitor sweeps the registry on an
// interval and evicts sessions whose heartbeat age exceeds the timeout:
//
//	Sweep interval: 30s (configurable)
//	Timeout: 60s (configurable)
//
// Evicted sessions are closed with the heartbeat-timeout code and their
// persisted records are marked offline, best-effort.
//
// # Thread Safety
//
// Session, Registry, Dispatcher, and Monitor are all safe for concurrent
// use. Registry maps are mutated only under the registry lock; pending
// command entries only under the dispatcher lock.
package agent
