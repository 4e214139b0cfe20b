// ABOUTME: Websocket endpoint agents connect to, with the per-connection read loop
// ABOUTME: Enforces the auth grace window and routes inbound frames by type

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fxbridge/agent-gateway/internal/agent"
	"github.com/fxbridge/agent-gateway/internal/protocol"
)

// handleWebSocket upgrades an agent connection and runs its read loop until
// the connection drops.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := agent.NewSession(conn, r.RemoteAddr, g.logger)
	g.serveSession(sess, conn)
}

// serveSession runs one connection to completion. The auth grace timer closes
// connections that never authenticate; the read loop exits on any read error,
// including the close we initiate ourselves.
func (g *Gateway) serveSession(sess *agent.Session, conn *websocket.Conn) {
	logger := g.logger.With("remote", sess.RemoteAddr)
	logger.Info("agent connected")

	graceTimer := time.AfterFunc(g.config.Agents.AuthGrace, func() {
		if !sess.Authenticated() {
			logger.Info("closing unauthenticated connection", "grace", g.config.Agents.AuthGrace)
			_ = sess.Close(protocol.CloseAuthTimeout, "authentication timeout")
		}
	})
	// The auth handlers cancel the timer once a parseable auth frame is in
	// hand, so a slow credential lookup cannot lose the race against it
	sess.SetGraceCancel(func() { graceTimer.Stop() })
	defer graceTimer.Stop()
	defer g.cleanupSession(sess, logger)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read loop ended", "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are logged and dropped; the connection lives on
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		g.route(sess, env, logger)
	}
}

// cleanupSession runs when a read loop exits for any reason. Eviction paths
// (supersede, heartbeat timeout) already unbound the session; RemoveSession
// is a no-op then and the offline mark is skipped.
func (g *Gateway) cleanupSession(sess *agent.Session, logger *slog.Logger) {
	agentID, wasBound := g.registry.RemoveSession(sess)
	_ = sess.Close(websocket.CloseNormalClosure, "")

	if !wasBound {
		logger.Info("connection closed", "authenticated", sess.Authenticated())
		return
	}

	if err := g.store.MarkAgentOffline(context.Background(), agentID); err != nil {
		logger.Warn("marking agent offline", "agent_id", agentID, "error", err)
	}
	logger.Info("agent session closed", "agent_id", agentID)
}

// route dispatches one decoded frame to its handler. Unknown types are logged
// and dropped; unauthenticated sessions may only send auth frames.
func (g *Gateway) route(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	switch env.Type {
	case protocol.TypeAuth:
		g.handleAuth(sess, env, logger)
		return
	case protocol.TypeMultiAuth:
		g.handleMultiAuth(sess, env, logger)
		return
	}

	if !sess.Authenticated() {
		logger.Warn("dropping frame from unauthenticated session", "type", env.Type)
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		g.handleHeartbeat(sess, env, logger)
	case protocol.TypeMultiHeartbeat:
		g.handleMultiHeartbeat(sess, env, logger)
	case protocol.TypeStatusUpdate:
		g.handleStatusUpdate(sess, env, logger)
	case protocol.TypeMultiStatusUpdate:
		g.handleMultiStatusUpdate(sess, env, logger)
	case protocol.TypeTradeUpdate:
		g.handleTradeUpdate(sess, env, logger)
	case protocol.TypeCommandResult:
		g.handleCommandResult(sess, env, logger)
	case protocol.TypeIndicatorUpdate:
		g.handleIndicatorUpdate(sess, env, logger)
	default:
		logger.Warn("dropping frame of unknown type", "type", env.Type)
	}
}
