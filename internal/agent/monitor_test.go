// ABOUTME: Tests for the liveness sweep
// ABOUTME: Covers eviction, the exact-threshold boundary, and offline marking

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxbridge/agent-gateway/internal/protocol"
)

// recordingMarker records offline marks; optionally fails.
type recordingMarker struct {
	mu    sync.Mutex
	marks []string
	fail  bool
}

func (m *recordingMarker) MarkAgentOffline(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("injected marker failure")
	}
	m.marks = append(m.marks, agentID)
	return nil
}

func (m *recordingMarker) Marks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.marks))
	copy(out, m.marks)
	return out
}

func TestSweep_EvictsStale(t *testing.T) {
	r := NewRegistry(testLogger())
	marker := &recordingMarker{}
	m := NewMonitor(r, marker, 0, 0, testLogger())
	defer m.Close()

	conn := &fakeConn{}
	sess := NewSession(conn, "10.0.0.1:5000", testLogger())
	sess.Bind("agent-1", "user-1", KindSingle, nil)
	r.Register("agent-1", sess)

	now := time.Now()
	sess.setLastHeartbeat(now.Add(-2 * time.Minute))
	m.sweep(now)

	if r.IsConnected("agent-1") {
		t.Error("stale agent should be evicted")
	}
	if conn.CloseCode() != protocol.CloseHeartbeatTimeout {
		t.Errorf("close code = %d, want %d", conn.CloseCode(), protocol.CloseHeartbeatTimeout)
	}
	if marks := marker.Marks(); len(marks) != 1 || marks[0] != "agent-1" {
		t.Errorf("offline marks = %v, want [agent-1]", marks)
	}
}

func TestSweep_ExactThresholdKept(t *testing.T) {
	r := NewRegistry(testLogger())
	m := NewMonitor(r, &recordingMarker{}, 0, 0, testLogger())
	defer m.Close()

	sess := NewSession(&fakeConn{}, "10.0.0.1:5000", testLogger())
	sess.Bind("agent-1", "user-1", KindSingle, nil)
	r.Register("agent-1", sess)

	now := time.Now()
	sess.setLastHeartbeat(now.Add(-DefaultHeartbeatTimeout))
	m.sweep(now)

	// Age exactly at the threshold is not over it
	if !r.IsConnected("agent-1") {
		t.Error("agent at exactly the threshold should survive the sweep")
	}
}

func TestSweep_FreshKept(t *testing.T) {
	r := NewRegistry(testLogger())
	marker := &recordingMarker{}
	m := NewMonitor(r, marker, 0, 0, testLogger())
	defer m.Close()

	sess := NewSession(&fakeConn{}, "10.0.0.1:5000", testLogger())
	sess.Bind("agent-1", "user-1", KindSingle, nil)
	r.Register("agent-1", sess)
	sess.TouchHeartbeat()

	m.sweep(time.Now())

	if !r.IsConnected("agent-1") {
		t.Error("fresh agent should survive the sweep")
	}
	if len(marker.Marks()) != 0 {
		t.Errorf("no offline marks expected, got %v", marker.Marks())
	}
}

func TestSweep_MarkerFailureStillEvicts(t *testing.T) {
	r := NewRegistry(testLogger())
	m := NewMonitor(r, &recordingMarker{fail: true}, 0, 0, testLogger())
	defer m.Close()

	sess := NewSession(&fakeConn{}, "10.0.0.1:5000", testLogger())
	sess.Bind("agent-1", "user-1", KindSingle, nil)
	r.Register("agent-1", sess)

	now := time.Now()
	sess.setLastHeartbeat(now.Add(-2 * time.Minute))
	m.sweep(now)

	if r.IsConnected("agent-1") {
		t.Error("marker failure must not block eviction")
	}
}

func TestSweep_DisconnectRaceTolerated(t *testing.T) {
	r := NewRegistry(testLogger())
	m := NewMonitor(r, &recordingMarker{}, 0, 0, testLogger())
	defer m.Close()

	sess := NewSession(&fakeConn{}, "10.0.0.1:5000", testLogger())
	sess.Bind("agent-1", "user-1", KindSingle, nil)
	r.Register("agent-1", sess)

	now := time.Now()
	sess.setLastHeartbeat(now.Add(-2 * time.Minute))

	// Agent disconnects normally between snapshot and eviction
	r.RemoveSession(sess)
	m.sweep(now)
}

func TestMonitor_CloseIdempotent(t *testing.T) {
	m := NewMonitor(NewRegistry(testLogger()), &recordingMarker{}, 0, 0, testLogger())
	m.Start()
	m.Close()
	m.Close()
}
