// ABOUTME: In-memory registry mapping live sessions to agent identity.
// ABOUTME: Keeps id->session and session->id maps in lockstep; register supersedes prior bindings.

package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fxbridge/agent-gateway/internal/protocol"
)

// Summary is a read-only snapshot of one registered agent, for external
// reporting.
type Summary struct {
	AgentID       string    `json:"agent_id"`
	Kind          Kind      `json:"kind"`
	AccountCount  int       `json:"account_count"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry tracks all authenticated sessions. Both maps are mutated only by
// Registry methods, under one lock, so no caller can observe a half-updated
// binding. At most one live session is bound to an agent id at any instant.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Session
	bySession map[*Session]string
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byID:      make(map[string]*Session),
		bySession: make(map[*Session]string),
		logger:    logger,
	}
}

// Register binds a session to an agent id. If a binding already exists for
// that id the old session is closed with the superseded code before the new
// one becomes visible: agent process restarts reconnect before their old
// socket dies, so this is the designed path, not an error.
func (r *Registry) Register(agentID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.byID[agentID]; exists && old != sess {
		delete(r.bySession, old)
		_ = old.Close(protocol.CloseSuperseded, "superseded by new session")
		r.logger.Info("superseded prior session",
			"agent_id", agentID,
			"old_remote", old.RemoteAddr,
			"new_remote", sess.RemoteAddr,
		)
	}

	r.byID[agentID] = sess
	r.bySession[sess] = agentID
	r.logger.Info("agent registered",
		"agent_id", agentID,
		"kind", sess.Kind(),
		"remote", sess.RemoteAddr,
		"total_agents", len(r.byID),
	)
}

// LookupByID returns the live session for an agent id.
func (r *Registry) LookupByID(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[agentID]
	return sess, ok
}

// LookupBySession returns the agent id a session is bound to.
func (r *Registry) LookupBySession(sess *Session) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sess]
	return id, ok
}

// IsConnected reports whether an agent id has a live session.
func (r *Registry) IsConnected(agentID string) bool {
	_, ok := r.LookupByID(agentID)
	return ok
}

// Remove drops the binding for an agent id and returns the session that was
// bound, if any. Safe to call when absent.
func (r *Registry) Remove(agentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[agentID]
	if !ok {
		return nil, false
	}
	delete(r.byID, agentID)
	delete(r.bySession, sess)
	r.logger.Info("agent removed", "agent_id", agentID, "total_agents", len(r.byID))
	return sess, true
}

// RemoveSession drops the binding for a session, but only if that session is
// still the current binding for its agent id. A disconnect that races a
// supersede must not evict the successor.
func (r *Registry) RemoveSession(sess *Session) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.bySession[sess]
	if !ok {
		return "", false
	}
	delete(r.bySession, sess)
	if r.byID[agentID] == sess {
		delete(r.byID, agentID)
	}
	r.logger.Info("agent disconnected", "agent_id", agentID, "total_agents", len(r.byID))
	return agentID, true
}

// ListAll returns lightweight summaries of every registered agent.
func (r *Registry) ListAll() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.byID))
	for id, sess := range r.byID {
		out = append(out, Summary{
			AgentID:       id,
			Kind:          sess.Kind(),
			AccountCount:  len(sess.Accounts()),
			RemoteAddr:    sess.RemoteAddr,
			ConnectedAt:   sess.ConnectedAt,
			LastHeartbeat: sess.LastHeartbeat(),
		})
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
