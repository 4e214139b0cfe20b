// ABOUTME: Represents one live transport session with a remote trading agent.
// ABOUTME: Owns the websocket write side, identity binding, and liveness timestamps.

package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Kind distinguishes single-account agents from pool agents that manage
// several trading accounts under one session.
type Kind string

const (
	KindSingle Kind = "single"
	KindPool   Kind = "pool"
)

// Conn is the subset of *websocket.Conn a Session writes through. Tests
// substitute a recording fake.
type Conn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

const closeWriteWait = 5 * time.Second

// Session is one live transport connection, pre- or post-authentication.
// The read side stays with the gateway's read loop; the Session serializes
// writes (gorilla connections allow only one concurrent writer) and carries
// the identity bound at auth time.
type Session struct {
	RemoteAddr  string
	ConnectedAt time.Time

	conn    Conn
	writeMu sync.Mutex

	mu            sync.RWMutex
	agentID       string
	userID        string
	kind          Kind
	accounts      []string
	authenticated bool
	lastHeartbeat time.Time
	lastFlush     time.Time
	graceCancel   func()

	logger *slog.Logger
}

// NewSession wraps a freshly accepted connection. The session is
// unauthenticated until Bind is called.
func NewSession(conn Conn, remoteAddr string, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		RemoteAddr:    remoteAddr,
		ConnectedAt:   now,
		conn:          conn,
		lastHeartbeat: now,
		logger:        logger,
	}
}

// Bind attaches an agent identity to the session after a successful auth
// handshake.
func (s *Session) Bind(agentID, userID string, kind Kind, accounts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = agentID
	s.userID = userID
	s.kind = kind
	s.accounts = accounts
	s.authenticated = true
	s.lastHeartbeat = time.Now()
}

// AgentID returns the bound agent id, empty before auth.
func (s *Session) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// UserID returns the owning user of the bound agent, empty before auth.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Kind returns the bound agent kind.
func (s *Session) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// Authenticated reports whether the auth handshake has completed.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Accounts returns a copy of the managed account list (pool agents only).
func (s *Session) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// SetAccounts replaces the managed account list from a pool status report.
func (s *Session) SetAccounts(accounts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = accounts
}

// SetGraceCancel installs the hook that stops the auth grace timer.
func (s *Session) SetGraceCancel(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graceCancel = cancel
}

// CancelAuthGrace stops the auth grace timer, if one is armed. Called the
// moment a well-formed auth frame is accepted for processing, so a slow
// credential lookup cannot race the timer into killing a valid handshake.
func (s *Session) CancelAuthGrace() {
	s.mu.Lock()
	cancel := s.graceCancel
	s.graceCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// TouchHeartbeat refreshes the in-memory liveness timestamp. This is
// unconditional; external persistence is gated separately by ShouldFlush.
func (s *Session) TouchHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the time of the most recent liveness signal.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// ShouldFlush reports whether an external liveness write is due, and if so
// consumes the window. The check-and-set is atomic so a burst of heartbeats
// yields at most one flush per window.
func (s *Session) ShouldFlush(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastFlush) < window {
		return false
	}
	s.lastFlush = now
	return true
}

// setLastHeartbeat is a test hook for aging a session.
func (s *Session) setLastHeartbeat(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = t
}

// Send marshals and writes a single frame to the agent.
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close sends a close control frame with the given application code, then
// tears down the transport. Safe to call more than once; later calls fail
// harmlessly on the closed connection.
func (s *Session) Close(code int, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil {
		s.logger.Debug("writing close frame", "error", err, "code", code)
	}
	return s.conn.Close()
}
