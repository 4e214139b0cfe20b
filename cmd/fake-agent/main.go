// ABOUTME: Minimal fake agent for E2E testing, connects via websocket and answers commands
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080/ws] [-token TOKEN]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fxbridge/agent-gateway/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "gateway websocket URL")
	token := flag.String("token", "", "credential token")
	machineID := flag.String("machine", "fake-machine", "machine id to present")
	pool := flag.Bool("pool", false, "authenticate as a pool agent")
	accounts := flag.String("accounts", "", "comma-separated account numbers (pool mode)")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "heartbeat interval")
	flag.Parse()

	if *token == "" {
		log.Fatal("-token is required")
	}

	if err := run(*url, *token, *machineID, *pool, *accounts, *heartbeat); err != nil {
		log.Fatal(err)
	}
}

func run(url, token, machineID string, pool bool, accountsCSV string, heartbeat time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Authenticate
	if pool {
		var accounts []string
		if accountsCSV != "" {
			accounts = strings.Split(accountsCSV, ",")
		}
		err = conn.WriteJSON(&protocol.MultiAuthFrame{
			Type:      protocol.TypeMultiAuth,
			Token:     token,
			MachineID: machineID,
			VPSName:   "fake-vps",
			VPSRegion: "local",
			Accounts:  accounts,
		})
	} else {
		err = conn.WriteJSON(&protocol.AuthFrame{
			Type:      protocol.TypeAuth,
			Token:     token,
			MachineID: machineID,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	// Receive auth response
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to receive auth response: %w", err)
	}
	var resp protocol.AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding auth response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("authentication rejected: %s", resp.Error)
	}
	fmt.Fprintf(os.Stderr, "authenticated as %s\n", resp.AgentID)

	// Gorilla connections allow one concurrent writer; the heartbeat
	// goroutine and the command loop share this
	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Heartbeat loop
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var frame any
				if pool {
					frame = &protocol.MultiHeartbeatFrame{
						Type:   protocol.TypeMultiHeartbeat,
						Status: "online",
					}
				} else {
					frame = &protocol.HeartbeatFrame{Type: protocol.TypeHeartbeat}
				}
				if err := writeJSON(frame); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Command loop: reply success to everything
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		var cmd protocol.CommandFrame
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.CommandID == "" {
			continue
		}

		log.Printf("received command [%s]: %s", cmd.CommandID, cmd.Type)

		result, _ := json.Marshal(map[string]string{"echo": cmd.Type})
		if err := writeJSON(&protocol.CommandResultFrame{
			Type:      protocol.TypeCommandResult,
			CommandID: cmd.CommandID,
			Success:   true,
			Result:    result,
		}); err != nil {
			return fmt.Errorf("failed to send result: %w", err)
		}
	}
}
