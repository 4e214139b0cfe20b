// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema is created automatically on open; WAL mode for concurrent reads.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// automatically created if it doesn't exist. Parent directories are created
// if needed. Pass ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			credential_token TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL DEFAULT 'single',
			machine_id TEXT NOT NULL DEFAULT '',
			max_capacity INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'offline',
			vps_name TEXT NOT NULL DEFAULT '',
			vps_region TEXT NOT NULL DEFAULT '',
			cpu_usage REAL NOT NULL DEFAULT 0,
			memory_usage REAL NOT NULL DEFAULT 0,
			ea_loaded INTEGER NOT NULL DEFAULT 0,
			ea_running INTEGER NOT NULL DEFAULT 0,
			ea_name TEXT NOT NULL DEFAULT '',
			chart_symbol TEXT NOT NULL DEFAULT '',
			last_seen DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_agents_user
			ON agents(user_id);

		CREATE TABLE IF NOT EXISTS trades (
			ticket TEXT PRIMARY KEY,
			account_number TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL DEFAULT '',
			lots REAL NOT NULL DEFAULT 0,
			open_price REAL NOT NULL DEFAULT 0,
			close_price REAL NOT NULL DEFAULT 0,
			profit REAL NOT NULL DEFAULT 0,
			opened_at DATETIME,
			closed_at DATETIME,
			closed INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_trades_account
			ON trades(account_number);

		CREATE TABLE IF NOT EXISTS user_stats (
			user_id TEXT PRIMARY KEY,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			losing_trades INTEGER NOT NULL DEFAULT 0,
			total_profit REAL NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS command_queue (
			correlation_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			command_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			success INTEGER,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_command_queue_agent
			ON command_queue(agent_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// FindAgentByCredential resolves a credential token to an agent record.
func (s *SQLiteStore) FindAgentByCredential(ctx context.Context, token string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, machine_id, max_capacity
		FROM agents WHERE credential_token = ?`, token)

	var rec AgentRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Kind, &rec.BoundMachineID, &rec.MaxCapacity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent by credential: %w", err)
	}
	return &rec, nil
}

// UpsertAgentLiveness writes liveness/status fields for an agent. Empty
// string fields and nil pointer fields keep their stored value, so partial
// flushes never erase richer state written earlier.
func (s *SQLiteStore) UpsertAgentLiveness(ctx context.Context, agentID string, fields LivenessFields) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			status = ?,
			machine_id = CASE WHEN ? != '' THEN ? ELSE machine_id END,
			vps_name = CASE WHEN ? != '' THEN ? ELSE vps_name END,
			vps_region = CASE WHEN ? != '' THEN ? ELSE vps_region END,
			cpu_usage = COALESCE(?, cpu_usage),
			memory_usage = COALESCE(?, memory_usage),
			ea_loaded = COALESCE(?, ea_loaded),
			ea_running = COALESCE(?, ea_running),
			ea_name = CASE WHEN ? != '' THEN ? ELSE ea_name END,
			chart_symbol = CASE WHEN ? != '' THEN ? ELSE chart_symbol END,
			last_seen = ?
		WHERE id = ?`,
		fields.Status,
		fields.MachineID, fields.MachineID,
		fields.VPSName, fields.VPSName,
		fields.VPSRegion, fields.VPSRegion,
		nullableFloat(fields.CPUUsage),
		nullableFloat(fields.MemoryUsage),
		nullableBool(fields.EALoaded),
		nullableBool(fields.EARunning),
		fields.EAName, fields.EAName,
		fields.ChartSymbol, fields.ChartSymbol,
		fields.LastSeen,
		agentID,
	)
	if err != nil {
		return fmt.Errorf("upserting agent liveness: %w", err)
	}
	return nil
}

// MarkAgentOffline flips the agent's status to offline.
func (s *SQLiteStore) MarkAgentOffline(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = 'offline', last_seen = ? WHERE id = ?`,
		time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("marking agent offline: %w", err)
	}
	return nil
}

// UpsertTrade creates the trade row if absent, else refreshes its mutable
// fields. The ticket is the identity and is never rewritten, and the closed
// state is monotonic: a replayed opened frame arriving after the close cannot
// reopen the row or erase its close fields.
func (s *SQLiteStore) UpsertTrade(ctx context.Context, ticket string, fields TradeFields) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (ticket, account_number, symbol, direction, lots,
			open_price, close_price, profit, opened_at, closed_at, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket) DO UPDATE SET
			lots = excluded.lots,
			open_price = excluded.open_price,
			close_price = CASE WHEN closed AND NOT excluded.closed THEN close_price ELSE excluded.close_price END,
			profit = CASE WHEN closed AND NOT excluded.closed THEN profit ELSE excluded.profit END,
			closed_at = CASE WHEN closed AND NOT excluded.closed THEN closed_at ELSE excluded.closed_at END,
			closed = MAX(closed, excluded.closed)`,
		ticket, fields.AccountNumber, fields.Symbol, fields.Direction, fields.Lots,
		fields.OpenPrice, fields.ClosePrice, fields.Profit,
		nullableTime(fields.OpenedAt), nullableTime(fields.ClosedAt), boolToInt(fields.Closed),
	)
	if err != nil {
		return fmt.Errorf("upserting trade %s: %w", ticket, err)
	}
	return nil
}

// IncrementUserStats applies a delta to the user's aggregate counters,
// creating the row on first use.
func (s *SQLiteStore) IncrementUserStats(ctx context.Context, userID string, delta StatsDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, winning_trades, losing_trades, total_profit)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			winning_trades = winning_trades + excluded.winning_trades,
			losing_trades = losing_trades + excluded.losing_trades,
			total_profit = total_profit + excluded.total_profit`,
		userID, delta.WinningTrades, delta.LosingTrades, delta.TotalProfit,
	)
	if err != nil {
		return fmt.Errorf("incrementing user stats: %w", err)
	}
	return nil
}

// PersistCommandOutcome completes a queued command row. Commands dispatched
// directly over a session were never queued here, so ErrNotFound is the
// common case and callers swallow it.
func (s *SQLiteStore) PersistCommandOutcome(ctx context.Context, correlationID string, outcome CommandOutcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET
			status = 'completed',
			success = ?,
			result = ?,
			error = ?,
			completed_at = ?
		WHERE correlation_id = ?`,
		boolToInt(outcome.Success), outcome.Result, outcome.Error, time.Now(), correlationID,
	)
	if err != nil {
		return fmt.Errorf("persisting command outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persisting command outcome: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAgent provisions an agent row. The surrounding product's CRUD layer
// owns provisioning in production; this exists for tooling and tests.
func (s *SQLiteStore) CreateAgent(ctx context.Context, rec *AgentRecord, credentialToken string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, credential_token, kind, machine_id, max_capacity)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, credentialToken, rec.Kind, rec.BoundMachineID, rec.MaxCapacity,
	)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	return nil
}

// EnqueueCommand inserts a pending command row, as the polling-based command
// path does. Exists so the shared id space can be exercised in tests.
func (s *SQLiteStore) EnqueueCommand(ctx context.Context, correlationID, agentID, commandType, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (correlation_id, agent_id, command_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		correlationID, agentID, commandType, payload, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("enqueuing command: %w", err)
	}
	return nil
}

// GetAgentLiveness reads an agent's current liveness fields. Used by tests
// and tooling.
func (s *SQLiteStore) GetAgentLiveness(ctx context.Context, agentID string) (*LivenessFields, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, machine_id, vps_name, vps_region, cpu_usage, memory_usage,
			ea_loaded, ea_running, ea_name, chart_symbol, last_seen
		FROM agents WHERE id = ?`, agentID)

	var f LivenessFields
	var cpu, mem float64
	var eaLoadedInt, eaRunningInt int
	var lastSeen sql.NullTime
	err := row.Scan(&f.Status, &f.MachineID, &f.VPSName, &f.VPSRegion,
		&cpu, &mem, &eaLoadedInt, &eaRunningInt, &f.EAName, &f.ChartSymbol, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent liveness: %w", err)
	}
	eaLoaded, eaRunning := eaLoadedInt != 0, eaRunningInt != 0
	f.CPUUsage = &cpu
	f.MemoryUsage = &mem
	f.EALoaded = &eaLoaded
	f.EARunning = &eaRunning
	f.LastSeen = lastSeen.Time
	return &f, nil
}

// GetTrade reads a trade row back. Used by tests and tooling.
func (s *SQLiteStore) GetTrade(ctx context.Context, ticket string) (*TradeFields, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_number, symbol, direction, lots, open_price, close_price,
			profit, opened_at, closed_at, closed
		FROM trades WHERE ticket = ?`, ticket)

	var f TradeFields
	var openedAt, closedAt sql.NullTime
	var closed int
	err := row.Scan(&f.AccountNumber, &f.Symbol, &f.Direction, &f.Lots,
		&f.OpenPrice, &f.ClosePrice, &f.Profit, &openedAt, &closedAt, &closed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying trade: %w", err)
	}
	f.OpenedAt = openedAt.Time
	f.ClosedAt = closedAt.Time
	f.Closed = closed != 0
	return &f, nil
}

// GetUserStats reads a user's aggregate counters. Used by tests and tooling.
func (s *SQLiteStore) GetUserStats(ctx context.Context, userID string) (*StatsDelta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT winning_trades, losing_trades, total_profit
		FROM user_stats WHERE user_id = ?`, userID)

	var d StatsDelta
	err := row.Scan(&d.WinningTrades, &d.LosingTrades, &d.TotalProfit)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user stats: %w", err)
	}
	return &d, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
