// ABOUTME: Tests for Session identity binding, liveness, and write behavior
// ABOUTME: Includes the recording fake connection shared by the package tests

package agent

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeConn records writes and the close code so tests can assert on what a
// session sent without a real websocket.
type fakeConn struct {
	mu        sync.Mutex
	writes    []any
	closeCode int
	closed    bool
	writeErr  error
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, v)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) >= 2 && c.closeCode == 0 {
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Writes() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.writes))
	copy(out, c.writes)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSession_Bind(t *testing.T) {
	sess := NewSession(&fakeConn{}, "10.0.0.1:5000", testLogger())

	if sess.Authenticated() {
		t.Error("new session should not be authenticated")
	}
	if sess.AgentID() != "" {
		t.Errorf("AgentID() = %q before bind, want empty", sess.AgentID())
	}

	sess.Bind("agent-1", "user-1", KindPool, []string{"100", "200"})

	if !sess.Authenticated() {
		t.Error("bound session should be authenticated")
	}
	if sess.AgentID() != "agent-1" {
		t.Errorf("AgentID() = %q, want agent-1", sess.AgentID())
	}
	if sess.UserID() != "user-1" {
		t.Errorf("UserID() = %q, want user-1", sess.UserID())
	}
	if sess.Kind() != KindPool {
		t.Errorf("Kind() = %q, want pool", sess.Kind())
	}
	if got := sess.Accounts(); len(got) != 2 {
		t.Errorf("Accounts() = %v, want 2 entries", got)
	}
}

func TestSession_CancelAuthGrace(t *testing.T) {
	sess := NewSession(&fakeConn{}, "10.0.0.1:5000", testLogger())

	calls := 0
	sess.SetGraceCancel(func() { calls++ })

	sess.CancelAuthGrace()
	sess.CancelAuthGrace() // hook is consumed; later calls are no-ops
	if calls != 1 {
		t.Errorf("cancel hook ran %d times, want 1", calls)
	}

	// Without an installed hook the call is harmless
	other := NewSession(&fakeConn{}, "10.0.0.2:5000", testLogger())
	other.CancelAuthGrace()
}

func TestSession_ShouldFlush(t *testing.T) {
	sess := NewSession(&fakeConn{}, "10.0.0.1:5000", testLogger())
	window := 50 * time.Millisecond

	if !sess.ShouldFlush(window) {
		t.Fatal("first ShouldFlush should consume the window and return true")
	}
	if sess.ShouldFlush(window) {
		t.Error("second ShouldFlush inside the window should return false")
	}

	time.Sleep(window + 20*time.Millisecond)
	if !sess.ShouldFlush(window) {
		t.Error("ShouldFlush after the window should return true")
	}
}

func TestSession_ShouldFlush_Burst(t *testing.T) {
	sess := NewSession(&fakeConn{}, "10.0.0.1:5000", testLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	flushes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sess.ShouldFlush(time.Hour) {
				mu.Lock()
				flushes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if flushes != 1 {
		t.Errorf("burst of 20 produced %d flushes, want 1", flushes)
	}
}

func TestSession_Close_WritesCode(t *testing.T) {
	conn := &fakeConn{}
	sess := NewSession(conn, "10.0.0.1:5000", testLogger())

	if err := sess.Close(4004, "heartbeat timeout"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if conn.CloseCode() != 4004 {
		t.Errorf("close code = %d, want 4004", conn.CloseCode())
	}
	if !conn.Closed() {
		t.Error("underlying connection should be closed")
	}
}
