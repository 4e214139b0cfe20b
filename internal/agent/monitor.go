// ABOUTME: Periodic liveness sweep that evicts sessions with stale heartbeats.
// ABOUTME: Evicted sessions are closed with the heartbeat-timeout code and marked offline.

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fxbridge/agent-gateway/internal/protocol"
)

// DefaultSweepInterval is how often the monitor scans registered agents.
const DefaultSweepInterval = 30 * time.Second

// DefaultHeartbeatTimeout is the maximum heartbeat age before eviction,
// twice the sweep interval.
const DefaultHeartbeatTimeout = 60 * time.Second

// OfflineMarker flips an agent's persisted record to offline. Best-effort;
// failures are logged and the eviction proceeds.
type OfflineMarker interface {
	MarkAgentOffline(ctx context.Context, agentID string) error
}

// Monitor evicts sessions that stopped sending heartbeats. Eviction is a
// normal lifecycle event, not an alarm condition.
type Monitor struct {
	registry  *Registry
	offline   OfflineMarker
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewMonitor creates a Monitor. Non-positive interval or threshold select
// the defaults.
func NewMonitor(registry *Registry, offline OfflineMarker, interval, threshold time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultHeartbeatTimeout
	}
	return &Monitor{
		registry:  registry,
		offline:   offline,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.done:
			return
		}
	}
}

// sweep evicts every agent whose heartbeat age exceeds the threshold. An
// agent that disconnects normally between the snapshot and the eviction is
// simply gone by the time Remove runs; that race is tolerated.
func (m *Monitor) sweep(now time.Time) {
	for _, summary := range m.registry.ListAll() {
		age := now.Sub(summary.LastHeartbeat)
		if age <= m.threshold {
			continue
		}

		sess, ok := m.registry.Remove(summary.AgentID)
		if !ok {
			continue
		}
		_ = sess.Close(protocol.CloseHeartbeatTimeout, "heartbeat timeout")

		if err := m.offline.MarkAgentOffline(context.Background(), summary.AgentID); err != nil {
			m.logger.Warn("marking evicted agent offline", "agent_id", summary.AgentID, "error", err)
		}

		m.logger.Info("evicted stale agent",
			"agent_id", summary.AgentID,
			"heartbeat_age", age.Round(time.Millisecond),
		)
	}
}

// Close stops the sweep loop. Safe to call multiple times.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}
