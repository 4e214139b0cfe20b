// ABOUTME: Inbound frame handlers: auth handshake, liveness, trades, command results
// ABOUTME: Each handler decodes its typed frame and applies the business semantics

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fxbridge/agent-gateway/internal/agent"
	"github.com/fxbridge/agent-gateway/internal/protocol"
	"github.com/fxbridge/agent-gateway/internal/store"
)

// handleAuth authenticates a single-account agent. Credential failures all
// get the same generic reply so a probing client cannot distinguish unknown
// tokens from internal faults.
func (g *Gateway) handleAuth(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	var frame protocol.AuthFrame
	if err := env.Unmarshal(&frame); err != nil {
		// Still subject to the grace timer; a client that cannot form an
		// auth frame gets closed with the auth timeout code
		logger.Warn("dropping malformed auth frame", "error", err)
		return
	}
	sess.CancelAuthGrace()

	rec, closeCode, ok := g.resolveCredential(sess, frame.Token, frame.MachineID, logger)
	if !ok {
		_ = sess.Send(&protocol.AuthResponse{
			Type:      protocol.TypeAuthResponse,
			Timestamp: protocol.NowMillis(),
			Success:   false,
			Error:     "authentication failed",
		})
		_ = sess.Close(closeCode, "authentication failed")
		return
	}

	sess.Bind(rec.ID, rec.UserID, agent.KindSingle, nil)
	g.registry.Register(rec.ID, sess)
	g.flushLiveness(rec.ID, store.LivenessFields{
		Status:    "online",
		MachineID: frame.MachineID,
		LastSeen:  time.Now(),
	}, logger)

	_ = sess.Send(&protocol.AuthResponse{
		Type:      protocol.TypeAuthResponse,
		Timestamp: protocol.NowMillis(),
		Success:   true,
		AgentID:   rec.ID,
	})
	logger.Info("agent authenticated", "agent_id", rec.ID, "machine_id", frame.MachineID)
}

// handleMultiAuth authenticates a pool agent. Account validation is
// per-account: bad entries land in failed_accounts while the rest register,
// so one typo in a fleet manifest does not take the whole VPS offline.
func (g *Gateway) handleMultiAuth(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	var frame protocol.MultiAuthFrame
	if err := env.Unmarshal(&frame); err != nil {
		logger.Warn("dropping malformed multi_auth frame", "error", err)
		return
	}
	sess.CancelAuthGrace()

	rec, closeCode, ok := g.resolveCredential(sess, frame.Token, frame.MachineID, logger)
	if !ok {
		_ = sess.Send(&protocol.MultiAuthResponse{
			Type:      protocol.TypeMultiAuthResponse,
			Timestamp: protocol.NowMillis(),
			Success:   false,
			Error:     "authentication failed",
		})
		_ = sess.Close(closeCode, "authentication failed")
		return
	}

	registered, failed := validateAccounts(frame.Accounts)

	sess.Bind(rec.ID, rec.UserID, agent.KindPool, registered)
	g.registry.Register(rec.ID, sess)
	g.flushLiveness(rec.ID, store.LivenessFields{
		Status:    "online",
		MachineID: frame.MachineID,
		VPSName:   frame.VPSName,
		VPSRegion: frame.VPSRegion,
		LastSeen:  time.Now(),
	}, logger)

	_ = sess.Send(&protocol.MultiAuthResponse{
		Type:               protocol.TypeMultiAuthResponse,
		Timestamp:          protocol.NowMillis(),
		Success:            true,
		AgentID:            rec.ID,
		RegisteredAccounts: registered,
		FailedAccounts:     failed,
	})
	logger.Info("pool agent authenticated",
		"agent_id", rec.ID,
		"vps_name", frame.VPSName,
		"registered", len(registered),
		"failed", len(failed),
	)
}

// resolveCredential looks up a credential token and enforces machine binding.
// On failure it returns the close code the caller should use.
func (g *Gateway) resolveCredential(sess *agent.Session, token, machineID string, logger *slog.Logger) (*store.AgentRecord, int, bool) {
	rec, err := g.store.FindAgentByCredential(context.Background(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("rejecting unknown credential")
			return nil, protocol.CloseInvalidCredential, false
		}
		logger.Error("credential lookup failed", "error", err)
		return nil, websocket.CloseInternalServerErr, false
	}

	// A credential bound to one machine may not be replayed from another
	if rec.BoundMachineID != "" && machineID != "" && rec.BoundMachineID != machineID {
		logger.Warn("rejecting machine id mismatch",
			"agent_id", rec.ID,
			"bound", rec.BoundMachineID,
			"presented", machineID,
		)
		return nil, protocol.CloseMachineMismatch, false
	}

	return rec, 0, true
}

// validateAccounts splits a declared account list into registered and failed.
// Empty and duplicate account numbers fail; order is preserved.
func validateAccounts(accounts []string) (registered, failed []string) {
	registered = make([]string, 0, len(accounts))
	failed = make([]string, 0)
	seen := make(map[string]bool, len(accounts))

	for _, acc := range accounts {
		if acc == "" || seen[acc] {
			failed = append(failed, acc)
			continue
		}
		seen[acc] = true
		registered = append(registered, acc)
	}
	return registered, failed
}

// handleHeartbeat processes a liveness ping from a single-account agent.
func (g *Gateway) handleHeartbeat(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	agentID, ok := g.registry.LookupBySession(sess)
	if !ok {
		logger.Debug("dropping heartbeat from unregistered session")
		return
	}

	sess.TouchHeartbeat()
	if sess.ShouldFlush(g.config.Agents.FlushDebounce) {
		g.flushLiveness(agentID, store.LivenessFields{
			Status:   "online",
			LastSeen: time.Now(),
		}, logger)
	}
}

// handleMultiHeartbeat processes a liveness ping from a pool agent, carrying
// host metrics.
func (g *Gateway) handleMultiHeartbeat(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	agentID, ok := g.registry.LookupBySession(sess)
	if !ok {
		logger.Debug("dropping heartbeat from unregistered session")
		return
	}

	var frame protocol.MultiHeartbeatFrame
	if err := env.Unmarshal(&frame); err != nil {
		logger.Warn("dropping malformed multi_heartbeat frame", "error", err)
		return
	}

	sess.TouchHeartbeat()
	if sess.ShouldFlush(g.config.Agents.FlushDebounce) {
		status := frame.Status
		if status == "" {
			status = "online"
		}
		g.flushLiveness(agentID, store.LivenessFields{
			Status:      status,
			CPUUsage:    &frame.CPUUsage,
			MemoryUsage: &frame.MemoryUsage,
			LastSeen:    time.Now(),
		}, logger)
	}
}

// handleStatusUpdate processes an EA status report from a single-account
// agent. Status updates count as liveness signals and always flush; they are
// rare compared to heartbeats and carry state worth persisting promptly.
func (g *Gateway) handleStatusUpdate(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	agentID, ok := g.registry.LookupBySession(sess)
	if !ok {
		logger.Debug("dropping status update from unregistered session")
		return
	}

	var frame protocol.StatusUpdateFrame
	if err := env.Unmarshal(&frame); err != nil {
		logger.Warn("dropping malformed status_update frame", "error", err)
		return
	}

	sess.TouchHeartbeat()
	g.flushLiveness(agentID, store.LivenessFields{
		Status:      "online",
		EALoaded:    &frame.EALoaded,
		EARunning:   &frame.EARunning,
		EAName:      frame.EAName,
		ChartSymbol: frame.ChartSymbol,
		LastSeen:    time.Now(),
	}, logger)
}

// handleMultiStatusUpdate processes a system and per-account status report
// from a pool agent.
func (g *Gateway) handleMultiStatusUpdate(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	agentID, ok := g.registry.LookupBySession(sess)
	if !ok {
		logger.Debug("dropping status update from unregistered session")
		return
	}

	var frame protocol.MultiStatusUpdateFrame
	if err := env.Unmarshal(&frame); err != nil {
		logger.Warn("dropping malformed multi_status_update frame", "error", err)
		return
	}

	accounts := make([]string, 0, len(frame.Accounts))
	for _, acc := range frame.Accounts {
		if acc.AccountNumber != "" {
			accounts = append(accounts, acc.AccountNumber)
		}
	}
	sess.SetAccounts(accounts)

	sess.TouchHeartbeat()
	g.flushLiveness(agentID, store.LivenessFields{
		Status:      "online",
		CPUUsage:    &frame.SystemInfo.CPUUsage,
		MemoryUsage: &frame.SystemInfo.MemoryUsage,
		LastSeen:    time.Now(),
	}, logger)
}

// handleTradeUpdate applies a trade lifecycle event. The trade row upsert is
// idempotent; the stats increment on a close is gated by the dedupe cache so
// replayed close events after a reconnect never double-count.
func (g *Gateway) handleTradeUpdate(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	if _, ok := g.registry.LookupBySession(sess); !ok {
		logger.Debug("dropping trade update from unregistered session")
		return
	}

	var frame protocol.TradeUpdateFrame
	if err := env.Unmarshal(&frame); err != nil {
		logger.Warn("dropping malformed trade_update frame", "error", err)
		return
	}
	if frame.Trade.Ticket == "" {
		logger.Warn("dropping trade_update without ticket", "action", frame.Action)
		return
	}
	if frame.Action != protocol.TradeActionOpened && frame.Action != protocol.TradeActionClosed {
		logger.Warn("dropping trade_update with unknown action", "action", frame.Action)
		return
	}

	closed := frame.Action == protocol.TradeActionClosed
	fields := store.TradeFields{
		AccountNumber: frame.AccountNumber,
		Symbol:        frame.Trade.Symbol,
		Direction:     frame.Trade.Direction,
		Lots:          frame.Trade.Lots,
		OpenPrice:     frame.Trade.OpenPrice,
		ClosePrice:    frame.Trade.ClosePrice,
		Profit:        frame.Trade.Profit,
		OpenedAt:      time.UnixMilli(frame.Trade.OpenedAt),
		Closed:        closed,
	}
	if closed {
		fields.ClosedAt = time.UnixMilli(frame.Trade.ClosedAt)
	}

	if err := g.store.UpsertTrade(context.Background(), frame.Trade.Ticket, fields); err != nil {
		logger.Error("upserting trade", "ticket", frame.Trade.Ticket, "error", err)
		return
	}

	if !closed {
		logger.Info("trade opened",
			"ticket", frame.Trade.Ticket,
			"symbol", frame.Trade.Symbol,
			"account", frame.AccountNumber,
		)
		return
	}

	if g.tradeDedupe.CheckAndMark(frame.Trade.Ticket + ":closed") {
		logger.Debug("ignoring replayed trade close", "ticket", frame.Trade.Ticket)
		return
	}

	delta := store.StatsDelta{TotalProfit: frame.Trade.Profit}
	if frame.Trade.Profit >= 0 {
		delta.WinningTrades = 1
	} else {
		delta.LosingTrades = 1
	}
	if err := g.store.IncrementUserStats(context.Background(), sess.UserID(), delta); err != nil {
		logger.Error("incrementing user stats", "user_id", sess.UserID(), "error", err)
	}

	logger.Info("trade closed",
		"ticket", frame.Trade.Ticket,
		"symbol", frame.Trade.Symbol,
		"profit", frame.Trade.Profit,
		"account", frame.AccountNumber,
	)
}

// handleCommandResult resolves a pending dispatched command.
func (g *Gateway) handleCommandResult(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	var frame protocol.CommandResultFrame
	if err := env.Unmarshal(&frame); err != nil {
		logger.Warn("dropping malformed command_result frame", "error", err)
		return
	}
	if frame.CommandID == "" {
		logger.Warn("dropping command_result without command id")
		return
	}
	g.dispatcher.HandleResult(&frame)
}

// handleIndicatorUpdate records an indicator signal. Signals are informative;
// the gateway logs them and counts them as liveness.
func (g *Gateway) handleIndicatorUpdate(sess *agent.Session, env *protocol.Envelope, logger *slog.Logger) {
	if _, ok := g.registry.LookupBySession(sess); !ok {
		logger.Debug("dropping indicator update from unregistered session")
		return
	}

	var frame protocol.IndicatorUpdateFrame
	if err := env.Unmarshal(&frame); err != nil {
		logger.Warn("dropping malformed indicator_update frame", "error", err)
		return
	}

	sess.TouchHeartbeat()
	logger.Info("indicator update",
		"agent_id", sess.AgentID(),
		"signal", frame.Signal,
		"score", frame.Score,
		"account", frame.AccountNumber,
	)
}

// flushLiveness persists a liveness write, logging failures without
// interrupting the connection.
func (g *Gateway) flushLiveness(agentID string, fields store.LivenessFields, logger *slog.Logger) {
	if err := g.store.UpsertAgentLiveness(context.Background(), agentID, fields); err != nil {
		logger.Warn("flushing agent liveness", "agent_id", agentID, "error", err)
	}
}
