// Package gateway wires the connection core to its transports.
//
// # Overview
//
// The Gateway runs one HTTP server carrying three surfaces: the /ws
// websocket endpoint agents connect to, the /api operator endpoints, and
// unauthenticated health checks.
//
// # Agent Connections
//
// Agents authenticate in-band after the websocket upgrade. A connection
// that has not presented a parseable auth frame within the grace window
// is closed with the auth-timeout code; once one is in hand the timer is
// cancelled so a slow credential lookup cannot race it. After auth, the per-connection read
// loop decodes type-discriminated JSON frames and routes them to
// handlers; malformed and unknown frames are logged and dropped without
// disturbing the connection.
//
// # Operator API
//
//	GET  /api/agents                  list connected agents
//	POST /api/agents/{id}/command     dispatch a command, wait for result
//
// Dispatch failures map onto distinct status codes: 404 when the agent
// is not connected, 504 on command timeout, 429 when the agent's pending
// command cap is reached. When auth.jwt_secret is configured the API
// requires a bearer JWT.
package gateway
