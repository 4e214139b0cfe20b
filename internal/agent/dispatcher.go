// ABOUTME: Correlated command dispatch over asynchronous agent sessions.
// ABOUTME: Pairs each outbound command with a pending entry resolved by result frame or timeout.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fxbridge/agent-gateway/internal/protocol"
)

// Dispatch failures callers are expected to recover from.
var (
	ErrAgentNotConnected = errors.New("agent not connected")
	ErrCommandTimeout    = errors.New("command timed out")
	ErrTooManyPending    = errors.New("too many pending commands for agent")
)

// DefaultCommandTimeout bounds a command round-trip when the caller does not
// supply a timeout.
const DefaultCommandTimeout = 10 * time.Second

// DefaultMaxPending caps outstanding commands per agent.
const DefaultMaxPending = 64

// Outcome is the terminal state of a dispatched command as reported by the
// agent.
type Outcome struct {
	Success bool
	Result  json.RawMessage
	Error   string
}

// OutcomeStore persists resolved command outcomes. Persistence is
// best-effort: a failure is logged and swallowed, never surfaced to the
// caller.
type OutcomeStore interface {
	PersistCommandOutcome(ctx context.Context, correlationID string, outcome Outcome) error
}

type dispatchResult struct {
	outcome Outcome
	err     error
}

// pendingCommand tracks one in-flight command. The done channel is buffered
// so whichever of {result frame, timeout} wins never blocks; the loser finds
// the entry already gone and does nothing. The timer is assigned before the
// entry is published in the pending map and only read after take claims it,
// so every access is ordered by the dispatcher mutex.
type pendingCommand struct {
	agentID string
	created time.Time
	done    chan dispatchResult
	timer   *time.Timer
}

// Dispatcher sends typed commands to connected agents and correlates the
// asynchronous replies by generated id. Each pending command resolves exactly
// once: the entry is deleted under the lock before its channel is completed,
// so the timeout path and the result path can never both fire.
type Dispatcher struct {
	registry *Registry
	outcomes OutcomeStore

	mu         sync.Mutex
	pending    map[string]*pendingCommand
	perAgent   map[string]int
	maxPending int

	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher. maxPending <= 0 selects
// DefaultMaxPending.
func NewDispatcher(registry *Registry, outcomes OutcomeStore, maxPending int, logger *slog.Logger) *Dispatcher {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Dispatcher{
		registry:   registry,
		outcomes:   outcomes,
		pending:    make(map[string]*pendingCommand),
		perAgent:   make(map[string]int),
		maxPending: maxPending,
		logger:     logger,
	}
}

// SendCommand sends a command frame to the agent and blocks until the agent
// replies, the timeout fires, or the context is canceled. timeout <= 0
// selects DefaultCommandTimeout.
//
// Exactly four outcomes reach the caller: the agent's result (success or
// agent-reported error, both carried in Outcome), ErrAgentNotConnected,
// ErrCommandTimeout, or the context error.
func (d *Dispatcher) SendCommand(ctx context.Context, agentID, commandType string, payload json.RawMessage, timeout time.Duration) (Outcome, error) {
	sess, ok := d.registry.LookupByID(agentID)
	if !ok {
		return Outcome{}, ErrAgentNotConnected
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	id := uuid.New().String()
	entry := &pendingCommand{
		agentID: agentID,
		created: time.Now(),
		done:    make(chan dispatchResult, 1),
	}

	d.mu.Lock()
	if d.perAgent[agentID] >= d.maxPending {
		d.mu.Unlock()
		return Outcome{}, ErrTooManyPending
	}
	entry.timer = time.AfterFunc(timeout, func() {
		if e := d.take(id); e != nil {
			e.done <- dispatchResult{err: ErrCommandTimeout}
		}
	})
	d.pending[id] = entry
	d.perAgent[agentID]++
	d.mu.Unlock()

	frame := &protocol.CommandFrame{
		Type:      commandType,
		CommandID: id,
		Timestamp: protocol.NowMillis(),
		Payload:   payload,
	}
	if err := sess.Send(frame); err != nil {
		if e := d.take(id); e != nil {
			e.timer.Stop()
		}
		return Outcome{}, err
	}

	d.logger.Debug("command sent",
		"agent_id", agentID,
		"command", commandType,
		"command_id", id,
	)

	select {
	case res := <-entry.done:
		return res.outcome, res.err
	case <-ctx.Done():
		if e := d.take(id); e != nil {
			e.timer.Stop()
		}
		return Outcome{}, ctx.Err()
	}
}

// HandleResult resolves the pending command matching an inbound
// command_result frame. A result with no matching entry (already timed out,
// or never issued here) is a silent no-op.
func (d *Dispatcher) HandleResult(frame *protocol.CommandResultFrame) {
	entry := d.take(frame.CommandID)
	if entry == nil {
		d.logger.Debug("result for unknown command", "command_id", frame.CommandID)
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}

	outcome := Outcome{
		Success: frame.Success,
		Result:  frame.Result,
		Error:   frame.Error,
	}

	// The polling command path shares this id space; outcomes for commands
	// that were never queued there fail to persist, which is expected.
	if err := d.outcomes.PersistCommandOutcome(context.Background(), frame.CommandID, outcome); err != nil {
		d.logger.Debug("persisting command outcome", "command_id", frame.CommandID, "error", err)
	}

	entry.done <- dispatchResult{outcome: outcome}
}

// PendingCount returns the number of outstanding commands for an agent.
func (d *Dispatcher) PendingCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perAgent[agentID]
}

// take removes and returns the pending entry for a correlation id, or nil if
// it was already claimed. Deletion under the lock is what makes completion
// exactly-once.
func (d *Dispatcher) take(id string) *pendingCommand {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	d.perAgent[entry.agentID]--
	if d.perAgent[entry.agentID] <= 0 {
		delete(d.perAgent, entry.agentID)
	}
	return entry
}
