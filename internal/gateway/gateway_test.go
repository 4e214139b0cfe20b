// ABOUTME: End-to-end tests for the gateway over real websockets
// ABOUTME: Exercises auth, supersede, liveness debounce, trades, and command dispatch

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxbridge/agent-gateway/internal/agent"
	"github.com/fxbridge/agent-gateway/internal/auth"
	"github.com/fxbridge/agent-gateway/internal/config"
	"github.com/fxbridge/agent-gateway/internal/protocol"
	"github.com/fxbridge/agent-gateway/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Agents: config.AgentsConfig{
			AuthGrace:          2 * time.Second,
			SweepInterval:      time.Hour,
			HeartbeatTimeout:   time.Hour,
			FlushDebounce:      time.Hour,
			CommandTimeout:     500 * time.Millisecond,
			MaxPendingCommands: 4,
		},
	}
}

// testGateway stands up a gateway on an httptest server with a mock store.
func testGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *store.MockStore, *httptest.Server) {
	t.Helper()
	mock := store.NewMockStore()
	gw, srv := testGatewayWithStore(t, mutate, mock)
	return gw, mock, srv
}

func testGatewayWithStore(t *testing.T, mutate func(*config.Config), s store.Store) (*Gateway, *httptest.Server) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := NewWithStore(cfg, s, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		gw.monitor.Close()
		gw.tradeDedupe.Close()
	})
	return gw, srv
}

// slowCredentialStore delays credential lookups, for exercising handshakes
// slower than the auth grace window.
type slowCredentialStore struct {
	store.Store
	delay time.Duration
}

func (s slowCredentialStore) FindAgentByCredential(ctx context.Context, token string) (*store.AgentRecord, error) {
	time.Sleep(s.delay)
	return s.Store.FindAgentByCredential(ctx, token)
}

// stubConn satisfies agent.Conn for tests that route frames directly.
type stubConn struct{}

func (stubConn) WriteJSON(v any) error { return nil }
func (stubConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}
func (stubConn) Close() error { return nil }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// authAgent performs a successful single-agent handshake and returns the
// connection.
func authAgent(t *testing.T, srv *httptest.Server, token, machineID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(&protocol.AuthFrame{
		Type:      protocol.TypeAuth,
		Token:     token,
		MachineID: machineID,
	}))

	var resp protocol.AuthResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.True(t, resp.Success, "auth should succeed: %s", resp.Error)
	require.NotEmpty(t, resp.AgentID)
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func requireCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code, ce.Code)
}

func TestAuth_Success(t *testing.T) {
	gw, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	authAgent(t, srv, "tok-1", "mach-1")

	assert.True(t, gw.IsConnected("agent-1"))
	waitFor(t, func() bool { return len(mock.LivenessFlushes("agent-1")) == 1 }, "auth should flush liveness")
	flush := mock.LivenessFlushes("agent-1")[0]
	assert.Equal(t, "online", flush.Status)
	assert.Equal(t, "mach-1", flush.MachineID)
}

func TestAuth_InvalidToken(t *testing.T) {
	gw, _, srv := testGateway(t, nil)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(&protocol.AuthFrame{Type: protocol.TypeAuth, Token: "bogus"}))

	var resp protocol.AuthResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.Success)
	assert.Empty(t, resp.AgentID)

	requireCloseCode(t, conn, protocol.CloseInvalidCredential)
	assert.Equal(t, 0, gw.registry.Len())
}

func TestAuth_MachineMismatch(t *testing.T) {
	gw, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{
		ID:             "agent-1",
		UserID:         "user-1",
		Kind:           "single",
		BoundMachineID: "mach-bound",
	})

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(&protocol.AuthFrame{
		Type:      protocol.TypeAuth,
		Token:     "tok-1",
		MachineID: "mach-other",
	}))

	var resp protocol.AuthResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.Success)

	requireCloseCode(t, conn, protocol.CloseMachineMismatch)
	assert.False(t, gw.IsConnected("agent-1"))
}

func TestAuth_GraceTimeout(t *testing.T) {
	_, _, srv := testGateway(t, func(cfg *config.Config) {
		cfg.Agents.AuthGrace = 100 * time.Millisecond
	})

	conn := dial(t, srv)
	requireCloseCode(t, conn, protocol.CloseAuthTimeout)
}

func TestAuth_SlowCredentialLookup(t *testing.T) {
	mock := store.NewMockStore()
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})
	slow := slowCredentialStore{Store: mock, delay: 300 * time.Millisecond}
	gw, srv := testGatewayWithStore(t, func(cfg *config.Config) {
		cfg.Agents.AuthGrace = 100 * time.Millisecond
	}, slow)

	// A credential lookup slower than the remaining grace must not race
	// the timer into rejecting a valid handshake
	authAgent(t, srv, "tok-1", "mach-1")
	assert.True(t, gw.IsConnected("agent-1"))
}

func TestAuth_MalformedAuthFrameStillTimesOut(t *testing.T) {
	_, _, srv := testGateway(t, func(cfg *config.Config) {
		cfg.Agents.AuthGrace = 150 * time.Millisecond
	})

	conn := dial(t, srv)
	// Fails the typed decode (token must be a string), so the grace timer
	// stays armed and eventually fires
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth","token":42}`)))
	requireCloseCode(t, conn, protocol.CloseAuthTimeout)
}

func TestAuth_Supersede(t *testing.T) {
	gw, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	first := authAgent(t, srv, "tok-1", "mach-1")
	authAgent(t, srv, "tok-1", "mach-1")

	requireCloseCode(t, first, protocol.CloseSuperseded)
	assert.Equal(t, 1, gw.registry.Len())
	assert.True(t, gw.IsConnected("agent-1"))

	// The superseded session's cleanup must not mark the agent offline
	// while the successor is live
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mock.OfflineMarks())
}

func TestMultiAuth_AccountValidation(t *testing.T) {
	gw, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-pool", store.AgentRecord{
		ID:          "pool-1",
		UserID:      "user-1",
		Kind:        "pool",
		MaxCapacity: 10,
	})

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(&protocol.MultiAuthFrame{
		Type:      protocol.TypeMultiAuth,
		Token:     "tok-pool",
		MachineID: "mach-1",
		VPSName:   "vps-1",
		VPSRegion: "eu-west",
		Accounts:  []string{"100", "", "100", "200"},
	}))

	var resp protocol.MultiAuthResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.True(t, resp.Success, "pool auth should succeed: %s", resp.Error)
	assert.Equal(t, []string{"100", "200"}, resp.RegisteredAccounts)
	assert.Equal(t, []string{"", "100"}, resp.FailedAccounts)
	assert.True(t, gw.IsConnected("pool-1"))
}

func TestHeartbeat_Debounced(t *testing.T) {
	_, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	conn := authAgent(t, srv, "tok-1", "mach-1")
	waitFor(t, func() bool { return len(mock.LivenessFlushes("agent-1")) == 1 }, "auth flush")

	// A burst of heartbeats inside the debounce window yields exactly one
	// additional flush
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(&protocol.HeartbeatFrame{Type: protocol.TypeHeartbeat}))
	}
	waitFor(t, func() bool { return len(mock.LivenessFlushes("agent-1")) == 2 }, "first heartbeat should flush")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, len(mock.LivenessFlushes("agent-1")), "later heartbeats in the window must not flush")
}

func TestTradeUpdate_OpenCloseAndReplay(t *testing.T) {
	_, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	conn := authAgent(t, srv, "tok-1", "mach-1")

	trade := protocol.TradeRecord{
		Ticket:    "T-1",
		Symbol:    "EURUSD",
		Direction: "buy",
		Lots:      0.5,
		OpenPrice: 1.081,
		OpenedAt:  time.Now().Add(-time.Hour).UnixMilli(),
	}
	require.NoError(t, conn.WriteJSON(&protocol.TradeUpdateFrame{
		Type:          protocol.TypeTradeUpdate,
		Action:        protocol.TradeActionOpened,
		AccountNumber: "100234",
		Trade:         trade,
	}))

	waitFor(t, func() bool {
		tr, ok := mock.GetTrade("T-1")
		return ok && !tr.Closed
	}, "opened trade should be upserted")

	trade.ClosePrice = 1.093
	trade.Profit = 60.0
	trade.ClosedAt = time.Now().UnixMilli()
	closeFrame := &protocol.TradeUpdateFrame{
		Type:          protocol.TypeTradeUpdate,
		Action:        protocol.TradeActionClosed,
		AccountNumber: "100234",
		Trade:         trade,
	}
	require.NoError(t, conn.WriteJSON(closeFrame))

	waitFor(t, func() bool {
		tr, ok := mock.GetTrade("T-1")
		return ok && tr.Closed
	}, "closed trade should be upserted")
	waitFor(t, func() bool {
		return mock.UserStats("user-1").WinningTrades == 1
	}, "close should increment winning trades")

	// Replayed close updates the trade row but never double-counts stats
	require.NoError(t, conn.WriteJSON(closeFrame))
	time.Sleep(100 * time.Millisecond)
	stats := mock.UserStats("user-1")
	assert.Equal(t, 1, stats.WinningTrades)
	assert.Equal(t, 0, stats.LosingTrades)
	assert.Equal(t, 60.0, stats.TotalProfit)

	// A stale opened replay after the close must not reopen the trade
	require.NoError(t, conn.WriteJSON(&protocol.TradeUpdateFrame{
		Type:          protocol.TypeTradeUpdate,
		Action:        protocol.TradeActionOpened,
		AccountNumber: "100234",
		Trade: protocol.TradeRecord{
			Ticket:    "T-1",
			Symbol:    "EURUSD",
			Direction: "buy",
			Lots:      0.5,
			OpenPrice: 1.081,
			OpenedAt:  trade.OpenedAt,
		},
	}))
	time.Sleep(100 * time.Millisecond)
	tr, ok := mock.GetTrade("T-1")
	require.True(t, ok)
	assert.True(t, tr.Closed, "stale opened replay must not reopen the trade")
	assert.Equal(t, 60.0, tr.Profit)
}

func TestTradeUpdate_LossCountsAsLosing(t *testing.T) {
	_, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	conn := authAgent(t, srv, "tok-1", "mach-1")
	require.NoError(t, conn.WriteJSON(&protocol.TradeUpdateFrame{
		Type:          protocol.TypeTradeUpdate,
		Action:        protocol.TradeActionClosed,
		AccountNumber: "100234",
		Trade: protocol.TradeRecord{
			Ticket:   "T-loss",
			Symbol:   "GBPUSD",
			Profit:   -25.0,
			ClosedAt: time.Now().UnixMilli(),
		},
	}))

	waitFor(t, func() bool {
		return mock.UserStats("user-1").LosingTrades == 1
	}, "losing close should increment losing trades")
	assert.Equal(t, -25.0, mock.UserStats("user-1").TotalProfit)
}

func TestCommand_RoundTrip(t *testing.T) {
	_, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	conn := authAgent(t, srv, "tok-1", "mach-1")

	// Fake agent answers the first command it sees
	go func() {
		for {
			var cmd protocol.CommandFrame
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.CommandID == "" {
				continue
			}
			_ = conn.WriteJSON(&protocol.CommandResultFrame{
				Type:      protocol.TypeCommandResult,
				CommandID: cmd.CommandID,
				Success:   true,
				Result:    json.RawMessage(`{"paused":true}`),
			})
		}
	}()

	body := bytes.NewBufferString(`{"command":"pause_ea"}`)
	resp, err := http.Post(srv.URL+"/api/agents/agent-1/command", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cmdResp CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmdResp))
	assert.True(t, cmdResp.Success)
	assert.JSONEq(t, `{"paused":true}`, string(cmdResp.Result))
}

func TestCommand_AgentNotConnected(t *testing.T) {
	_, _, srv := testGateway(t, nil)

	body := bytes.NewBufferString(`{"command":"pause_ea"}`)
	resp, err := http.Post(srv.URL+"/api/agents/nobody/command", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommand_Timeout(t *testing.T) {
	_, mock, srv := testGateway(t, func(cfg *config.Config) {
		cfg.Agents.CommandTimeout = 150 * time.Millisecond
	})
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	// Agent authenticates but never answers commands
	authAgent(t, srv, "tok-1", "mach-1")

	body := bytes.NewBufferString(`{"command":"pause_ea"}`)
	resp, err := http.Post(srv.URL+"/api/agents/agent-1/command", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestCommand_MissingCommand(t *testing.T) {
	_, _, srv := testGateway(t, nil)

	body := bytes.NewBufferString(`{}`)
	resp, err := http.Post(srv.URL+"/api/agents/agent-1/command", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMalformedFrames_Dropped(t *testing.T) {
	gw, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	conn := authAgent(t, srv, "tok-1", "mach-1")

	// Garbage, a frame without a type, and an unknown type are all dropped
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{{{not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"x"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))

	// Connection survives and still processes frames
	require.NoError(t, conn.WriteJSON(&protocol.HeartbeatFrame{Type: protocol.TypeHeartbeat}))
	waitFor(t, func() bool { return len(mock.LivenessFlushes("agent-1")) >= 2 }, "heartbeat after garbage should still flush")
	assert.True(t, gw.IsConnected("agent-1"))
}

func TestUnauthenticatedFrames_Dropped(t *testing.T) {
	gw, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(&protocol.HeartbeatFrame{Type: protocol.TypeHeartbeat}))
	require.NoError(t, conn.WriteJSON(&protocol.TradeUpdateFrame{
		Type:   protocol.TypeTradeUpdate,
		Action: protocol.TradeActionClosed,
		Trade:  protocol.TradeRecord{Ticket: "T-sneak", Profit: 100},
	}))

	time.Sleep(50 * time.Millisecond)
	_, ok := mock.GetTrade("T-sneak")
	assert.False(t, ok, "unauthenticated trade updates must be dropped")
	assert.Equal(t, 0, gw.registry.Len())
}

func TestRoute_UnregisteredSessionFramesDropped(t *testing.T) {
	gw, mock, _ := testGateway(t, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Bound but absent from the registry, as when a liveness eviction or
	// supersede races frames already in flight
	sess := agent.NewSession(stubConn{}, "10.0.0.9:4040", logger)
	sess.Bind("agent-1", "user-1", agent.KindSingle, nil)

	env, err := protocol.Decode([]byte(`{
		"type": "trade_update",
		"action": "closed",
		"account_number": "100234",
		"trade": {"ticket": "T-evicted", "profit": 50}
	}`))
	require.NoError(t, err)
	gw.route(sess, env, logger)

	_, ok := mock.GetTrade("T-evicted")
	assert.False(t, ok, "trade from an evicted session must be dropped")
	assert.Equal(t, 0, mock.UserStats("user-1").WinningTrades)

	hb := sess.LastHeartbeat()
	env, err = protocol.Decode([]byte(`{"type":"indicator_update","signal":"buy","score":0.9,"account_number":"100234"}`))
	require.NoError(t, err)
	gw.route(sess, env, logger)
	assert.True(t, hb.Equal(sess.LastHeartbeat()), "indicator from an evicted session must not refresh liveness")
}

func TestDisconnect_MarksOffline(t *testing.T) {
	gw, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})

	conn := authAgent(t, srv, "tok-1", "mach-1")
	require.True(t, gw.IsConnected("agent-1"))

	conn.Close()
	waitFor(t, func() bool { return !gw.IsConnected("agent-1") }, "disconnect should unregister")
	waitFor(t, func() bool { return len(mock.OfflineMarks()) == 1 }, "disconnect should mark offline")
}

func TestHealthEndpoints(t *testing.T) {
	_, mock, srv := testGateway(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})
	authAgent(t, srv, "tok-1", "mach-1")

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIAuth_RequiresJWT(t *testing.T) {
	secret := "api-test-secret"
	_, _, srv := testGateway(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = secret
	})

	// No token
	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate("ops-1", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/agents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list ListAgentsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list.Agents)
}

func TestListAgents(t *testing.T) {
	_, mock, srv := testGateway(t, nil)
	mock.AddAgent("tok-1", store.AgentRecord{ID: "agent-1", UserID: "user-1", Kind: "single"})
	authAgent(t, srv, "tok-1", "mach-1")

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list ListAgentsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "agent-1", list.Agents[0].AgentID)
}
