// ABOUTME: Gateway orchestrator that coordinates the websocket endpoint and HTTP API
// ABOUTME: Manages registry, dispatcher, liveness monitor, store, and server lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fxbridge/agent-gateway/internal/agent"
	"github.com/fxbridge/agent-gateway/internal/auth"
	"github.com/fxbridge/agent-gateway/internal/config"
	"github.com/fxbridge/agent-gateway/internal/dedupe"
	"github.com/fxbridge/agent-gateway/internal/store"
)

// Gateway orchestrates the agent-gateway server components: the websocket
// endpoint agents connect to, the liveness monitor, the command dispatcher,
// and the HTTP API operators call.
type Gateway struct {
	config     *config.Config
	registry   *agent.Registry
	dispatcher *agent.Dispatcher
	monitor    *agent.Monitor
	store      store.Store
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	// tradeDedupe suppresses replayed closed-trade events so user stats
	// are incremented once per close
	tradeDedupe *dedupe.Cache
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FXBRIDGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, s, logger)
}

// outcomeWriter adapts the store to the dispatcher's outcome interface,
// flattening the raw JSON result to text.
type outcomeWriter struct {
	s store.Store
}

func (o outcomeWriter) PersistCommandOutcome(ctx context.Context, correlationID string, outcome agent.Outcome) error {
	return o.s.PersistCommandOutcome(ctx, correlationID, store.CommandOutcome{
		Success: outcome.Success,
		Result:  string(outcome.Result),
		Error:   outcome.Error,
	})
}

// NewWithStore creates a Gateway around an existing store. Tests use this to
// inject a mock store.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	registry := agent.NewRegistry(logger.With("component", "registry"))
	dispatcher := agent.NewDispatcher(registry, outcomeWriter{s: s}, cfg.Agents.MaxPendingCommands, logger.With("component", "dispatcher"))
	monitor := agent.NewMonitor(registry, s, cfg.Agents.SweepInterval, cfg.Agents.HeartbeatTimeout, logger.With("component", "monitor"))
	tradeDedupe := dedupe.New(24*time.Hour, 100_000)

	gw := &Gateway{
		config:      cfg,
		registry:    registry,
		dispatcher:  dispatcher,
		monitor:     monitor,
		store:       s,
		logger:      logger.With("component", "gateway"),
		tradeDedupe: tradeDedupe,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from MT terminals and VPS hosts, not browsers;
			// origin checks would only reject legitimate clients.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Agent websocket endpoint - agents authenticate in-band after upgrade
	mux.HandleFunc("/ws", gw.handleWebSocket)

	// API endpoints - auth required if JWT secret is configured
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	if g.config.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		authMiddleware := auth.HTTPAuthMiddleware(verifier)
		mux.Handle("/api/agents", authMiddleware(http.HandlerFunc(g.handleListAgents)))
		mux.Handle("/api/agents/", authMiddleware(http.HandlerFunc(g.handleAgentRoutes)))
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		mux.HandleFunc("/api/agents", g.handleListAgents)
		mux.HandleFunc("/api/agents/", g.handleAgentRoutes)
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.monitor.Start()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.config.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.monitor.Close()
	g.tradeDedupe.Close()

	// Close every live session; agents reconnect on their own schedule
	for _, summary := range g.registry.ListAll() {
		if sess, ok := g.registry.Remove(summary.AgentID); ok {
			_ = sess.Close(websocket.CloseGoingAway, "gateway shutting down")
		}
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// SendCommand dispatches a command to a connected agent and waits for its
// result. Exposed for embedding callers; the HTTP API uses it too.
func (g *Gateway) SendCommand(ctx context.Context, agentID, commandType string, payload json.RawMessage) (agent.Outcome, error) {
	return g.dispatcher.SendCommand(ctx, agentID, commandType, payload, g.config.Agents.CommandTimeout)
}

// ListConnectedAgents returns summaries of every connected agent.
func (g *Gateway) ListConnectedAgents() []agent.Summary {
	return g.registry.ListAll()
}

// IsConnected reports whether an agent currently has a live session.
func (g *Gateway) IsConnected(agentID string) bool {
	return g.registry.IsConnected(agentID)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
