// ABOUTME: HTTP API handlers for listing agents and dispatching commands
// ABOUTME: Maps dispatch failures onto distinct HTTP status codes for callers

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/fxbridge/agent-gateway/internal/agent"
)

// CommandRequest is the JSON request body for POST /api/agents/{id}/command.
type CommandRequest struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandResponse is the JSON response for a resolved command.
type CommandResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ListAgentsResponse is the JSON response for GET /api/agents.
type ListAgentsResponse struct {
	Agents []agent.Summary `json:"agents"`
}

// handleListAgents handles GET /api/agents requests.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	resp := ListAgentsResponse{Agents: g.registry.ListAll()}
	writeJSON(w, http.StatusOK, resp)
}

// handleAgentRoutes dispatches /api/agents/{id}/... subroutes.
func (g *Gateway) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "command" && parts[0] != "" {
		g.handleSendCommand(w, r, parts[0])
		return
	}
	http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
}

// handleSendCommand handles POST /api/agents/{id}/command. It blocks until
// the agent replies or the command timeout fires.
func (g *Gateway) handleSendCommand(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"reading request body"}`, http.StatusBadRequest)
		return
	}

	var req CommandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, `{"error":"command is required"}`, http.StatusBadRequest)
		return
	}

	outcome, err := g.SendCommand(r.Context(), agentID, req.Command, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrAgentNotConnected):
			http.Error(w, `{"error":"agent not connected"}`, http.StatusNotFound)
		case errors.Is(err, agent.ErrCommandTimeout):
			http.Error(w, `{"error":"command timed out"}`, http.StatusGatewayTimeout)
		case errors.Is(err, agent.ErrTooManyPending):
			http.Error(w, `{"error":"too many pending commands"}`, http.StatusTooManyRequests)
		default:
			g.logger.Error("command dispatch failed", "agent_id", agentID, "error", err)
			http.Error(w, `{"error":"dispatch failed"}`, http.StatusInternalServerError)
		}
		return
	}

	// Agent-reported failures are still successful dispatches; the outcome
	// carries the agent's error for the caller to interpret
	writeJSON(w, http.StatusOK, CommandResponse{
		Success: outcome.Success,
		Result:  outcome.Result,
		Error:   outcome.Error,
	})
}

// writeJSON marshals a response body with the right content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
