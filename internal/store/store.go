// ABOUTME: Store interface and data types consumed by the connection core.
// ABOUTME: The core touches persistence only through these narrow methods.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// AgentRecord is the persisted projection of an agent the auth handshake
// resolves a credential token against.
type AgentRecord struct {
	ID             string
	UserID         string
	Kind           string // "single" or "pool"
	BoundMachineID string
	MaxCapacity    int
}

// LivenessFields is the field set of a debounced agent liveness write.
// LastSeen and Status are always written; empty strings and nil pointers mean
// "leave unchanged", so a bare heartbeat flush never erases the EA or host
// metrics state a richer frame persisted earlier.
type LivenessFields struct {
	Status      string
	MachineID   string
	VPSName     string
	VPSRegion   string
	CPUUsage    *float64
	MemoryUsage *float64
	EALoaded    *bool
	EARunning   *bool
	EAName      string
	ChartSymbol string
	LastSeen    time.Time
}

// TradeFields is the mutable field set of a trade record. Identity fields
// (ticket) are never rewritten by an upsert.
type TradeFields struct {
	AccountNumber string
	Symbol        string
	Direction     string
	Lots          float64
	OpenPrice     float64
	ClosePrice    float64
	Profit        float64
	OpenedAt      time.Time
	ClosedAt      time.Time
	Closed        bool
}

// StatsDelta is an increment applied to a user's aggregate trade counters.
type StatsDelta struct {
	WinningTrades int
	LosingTrades  int
	TotalProfit   float64
}

// CommandOutcome is the persisted result of a dispatched command.
type CommandOutcome struct {
	Success bool
	Result  string
	Error   string
}

// Store is the persistence collaborator the connection core depends on.
// Everything else the surrounding product persists (billing, notifications,
// permissions) lives behind other services and never enters the core.
type Store interface {
	// FindAgentByCredential resolves an opaque credential token presented
	// during the auth handshake. Returns ErrNotFound for unknown tokens.
	FindAgentByCredential(ctx context.Context, token string) (*AgentRecord, error)

	// UpsertAgentLiveness writes an agent's liveness/status fields. Callers
	// debounce; the store writes whatever it is given.
	UpsertAgentLiveness(ctx context.Context, agentID string, fields LivenessFields) error

	// MarkAgentOffline flips the agent's persisted status to offline.
	MarkAgentOffline(ctx context.Context, agentID string) error

	// UpsertTrade creates the trade if absent, else refreshes its mutable
	// fields.
	UpsertTrade(ctx context.Context, ticket string, fields TradeFields) error

	// IncrementUserStats applies a delta to the user's aggregate counters.
	IncrementUserStats(ctx context.Context, userID string, delta StatsDelta) error

	// PersistCommandOutcome records a resolved command outcome for the
	// polling-based command path that shares the same id space. Returns
	// ErrNotFound when the command was never queued there.
	PersistCommandOutcome(ctx context.Context, correlationID string, outcome CommandOutcome) error

	// Close releases any resources held by the store.
	Close() error
}
