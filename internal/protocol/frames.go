// ABOUTME: Wire frame definitions for the agent websocket protocol.
// ABOUTME: Every frame is a single JSON text message selected by a "type" discriminator.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type discriminators. Inbound frames are sent by agents; outbound
// frames are sent by the gateway.
const (
	// Inbound
	TypeAuth              = "auth"
	TypeMultiAuth         = "multi_auth"
	TypeHeartbeat         = "heartbeat"
	TypeMultiHeartbeat    = "multi_heartbeat"
	TypeStatusUpdate      = "status_update"
	TypeMultiStatusUpdate = "multi_status_update"
	TypeTradeUpdate       = "trade_update"
	TypeCommandResult     = "command_result"
	TypeIndicatorUpdate   = "indicator_update"

	// Outbound
	TypeAuthResponse      = "auth_response"
	TypeMultiAuthResponse = "multi_auth_response"
)

// Trade actions carried by trade_update frames.
const (
	TradeActionOpened = "opened"
	TradeActionClosed = "closed"
)

// ErrEmptyType indicates a frame without a type discriminator.
var ErrEmptyType = errors.New("frame has no type")

// Envelope is the partially decoded form of an inbound frame: the type
// discriminator plus the raw bytes. Handlers decode the typed payload from
// the raw bytes so a malformed body is caught at the boundary, never deep
// inside handler logic.
type Envelope struct {
	Type string `json:"type"`

	raw []byte
}

// Decode parses the type discriminator out of a raw frame. The per-type
// payload stays undecoded until Unmarshal.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding frame envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	env.raw = data
	return &env, nil
}

// Unmarshal decodes the full frame into the given per-type struct.
func (e *Envelope) Unmarshal(v any) error {
	if err := json.Unmarshal(e.raw, v); err != nil {
		return fmt.Errorf("decoding %s frame: %w", e.Type, err)
	}
	return nil
}

// AuthFrame authenticates a single-account agent.
type AuthFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	MachineID string `json:"machine_id"`
}

// MultiAuthFrame authenticates a pool agent managing several trading accounts
// under one session.
type MultiAuthFrame struct {
	Type        string   `json:"type"`
	Token       string   `json:"token"`
	MachineID   string   `json:"machine_id"`
	VPSName     string   `json:"vps_name"`
	VPSRegion   string   `json:"vps_region"`
	MaxCapacity int      `json:"max_capacity"`
	Accounts    []string `json:"accounts"`
}

// HeartbeatFrame is a liveness ping from a single-account agent. No fields
// beyond the type are required.
type HeartbeatFrame struct {
	Type string `json:"type"`
}

// MultiHeartbeatFrame is a liveness ping from a pool agent, carrying host
// metrics.
type MultiHeartbeatFrame struct {
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
}

// StatusUpdateFrame reports the EA state of a single-account agent.
type StatusUpdateFrame struct {
	Type        string `json:"type"`
	EALoaded    bool   `json:"ea_loaded"`
	EARunning   bool   `json:"ea_running"`
	EAName      string `json:"ea_name"`
	ChartSymbol string `json:"chart_symbol"`
}

// SystemInfo is the host block of a multi_status_update frame.
type SystemInfo struct {
	Hostname    string  `json:"hostname"`
	OS          string  `json:"os"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	Uptime      int64   `json:"uptime"`
}

// AccountStatus is one entry of the per-account status array a pool agent
// reports.
type AccountStatus struct {
	AccountNumber string `json:"account_number"`
	Connected     bool   `json:"connected"`
	EARunning     bool   `json:"ea_running"`
	Symbol        string `json:"symbol"`
}

// MultiStatusUpdateFrame reports system info and per-account status for a
// pool agent.
type MultiStatusUpdateFrame struct {
	Type       string          `json:"type"`
	SystemInfo SystemInfo      `json:"system_info"`
	Accounts   []AccountStatus `json:"accounts"`
}

// TradeRecord is the trade payload of a trade_update frame. Ticket, symbol
// and direction identify the trade; the remaining fields are mutable.
type TradeRecord struct {
	Ticket     string  `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Lots       float64 `json:"lots"`
	OpenPrice  float64 `json:"open_price"`
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
	OpenedAt   int64   `json:"opened_at"`
	ClosedAt   int64   `json:"closed_at"`
}

// TradeUpdateFrame reports a trade lifecycle event.
type TradeUpdateFrame struct {
	Type          string      `json:"type"`
	Action        string      `json:"action"`
	AccountNumber string      `json:"account_number"`
	Trade         TradeRecord `json:"trade"`
}

// CommandResultFrame is the asynchronous reply to a command frame, matched
// back to its originating call by command id.
type CommandResultFrame struct {
	Type      string          `json:"type"`
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IndicatorUpdateFrame reports an indicator signal for one account.
type IndicatorUpdateFrame struct {
	Type          string  `json:"type"`
	Signal        string  `json:"signal"`
	Score         float64 `json:"score"`
	AccountNumber string  `json:"account_number"`
}

// AuthResponse is the gateway's reply to an auth frame.
type AuthResponse struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Success   bool   `json:"success"`
	AgentID   string `json:"agent_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MultiAuthResponse is the gateway's reply to a multi_auth frame. It echoes
// which of the declared accounts were accepted and which were rejected.
type MultiAuthResponse struct {
	Type               string   `json:"type"`
	Timestamp          int64    `json:"timestamp"`
	Success            bool     `json:"success"`
	AgentID            string   `json:"agent_id,omitempty"`
	Error              string   `json:"error,omitempty"`
	RegisteredAccounts []string `json:"registered_accounts"`
	FailedAccounts     []string `json:"failed_accounts"`
}

// CommandFrame is an outbound command to an agent. The type field carries
// the command name; the correlation id ties the eventual command_result back
// to the pending call.
type CommandFrame struct {
	Type      string          `json:"type"`
	CommandID string          `json:"command_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// format stamped on outbound frames.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
