// ABOUTME: Mock Store implementation for testing
// ABOUTME: Records calls so tests can assert on debounce and flush behavior.

package store

import (
	"context"
	"errors"
	"sync"
)

// MockStore is an in-memory Store implementation for testing. It records
// every liveness flush and stat increment so tests can assert call counts.
type MockStore struct {
	mu        sync.Mutex
	byToken   map[string]*AgentRecord
	liveness  map[string][]LivenessFields // keyed by agent id, append-only
	offline   []string
	trades    map[string]TradeFields
	stats     map[string]StatsDelta // accumulated per user
	outcomes  map[string]CommandOutcome
	queuedIDs map[string]bool

	// FailPersistOutcome makes PersistCommandOutcome return an error,
	// for exercising the swallow path.
	FailPersistOutcome bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		byToken:   make(map[string]*AgentRecord),
		liveness:  make(map[string][]LivenessFields),
		trades:    make(map[string]TradeFields),
		stats:     make(map[string]StatsDelta),
		outcomes:  make(map[string]CommandOutcome),
		queuedIDs: make(map[string]bool),
	}
}

// AddAgent seeds a credential the handshake can resolve.
func (m *MockStore) AddAgent(token string, rec AgentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := rec
	m.byToken[token] = &r
}

// FindAgentByCredential resolves a seeded credential token.
func (m *MockStore) FindAgentByCredential(ctx context.Context, token string) (*AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// UpsertAgentLiveness records the flush.
func (m *MockStore) UpsertAgentLiveness(ctx context.Context, agentID string, fields LivenessFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveness[agentID] = append(m.liveness[agentID], fields)
	return nil
}

// LivenessFlushes returns the recorded flushes for an agent.
func (m *MockStore) LivenessFlushes(agentID string) []LivenessFields {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LivenessFields, len(m.liveness[agentID]))
	copy(out, m.liveness[agentID])
	return out
}

// MarkAgentOffline records the offline transition.
func (m *MockStore) MarkAgentOffline(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = append(m.offline, agentID)
	return nil
}

// OfflineMarks returns the agent ids marked offline, in order.
func (m *MockStore) OfflineMarks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.offline))
	copy(out, m.offline)
	return out
}

// UpsertTrade creates or refreshes a trade, mutable fields only. Close state
// is monotonic, mirroring the SQLite implementation.
func (m *MockStore) UpsertTrade(ctx context.Context, ticket string, fields TradeFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.trades[ticket]
	if !ok {
		m.trades[ticket] = fields
		return nil
	}
	existing.Lots = fields.Lots
	existing.OpenPrice = fields.OpenPrice
	if !existing.Closed || fields.Closed {
		existing.ClosePrice = fields.ClosePrice
		existing.Profit = fields.Profit
		existing.ClosedAt = fields.ClosedAt
		existing.Closed = fields.Closed
	}
	m.trades[ticket] = existing
	return nil
}

// GetTrade returns a stored trade.
func (m *MockStore) GetTrade(ticket string) (TradeFields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[ticket]
	return t, ok
}

// IncrementUserStats accumulates a delta.
func (m *MockStore) IncrementUserStats(ctx context.Context, userID string, delta StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[userID]
	s.WinningTrades += delta.WinningTrades
	s.LosingTrades += delta.LosingTrades
	s.TotalProfit += delta.TotalProfit
	m.stats[userID] = s
	return nil
}

// UserStats returns the accumulated counters for a user.
func (m *MockStore) UserStats(userID string) StatsDelta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[userID]
}

// EnqueueCommand marks a correlation id as queued, as the polling path does.
func (m *MockStore) EnqueueCommand(correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queuedIDs[correlationID] = true
}

// PersistCommandOutcome records the outcome for queued ids and returns
// ErrNotFound otherwise, mirroring the SQLite implementation.
func (m *MockStore) PersistCommandOutcome(ctx context.Context, correlationID string, outcome CommandOutcome) error {
	if m.FailPersistOutcome {
		return errors.New("persist failure injected")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.queuedIDs[correlationID] {
		return ErrNotFound
	}
	m.outcomes[correlationID] = outcome
	return nil
}

// Outcome returns the persisted outcome for a correlation id.
func (m *MockStore) Outcome(correlationID string) (CommandOutcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[correlationID]
	return o, ok
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
