// ABOUTME: Tests for frame envelope decoding
// ABOUTME: Covers the type discriminator, malformed input, and typed unmarshaling

package protocol

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Type != TypeHeartbeat {
		t.Errorf("Type = %q, want heartbeat", env.Type)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"json array", `[1,2,3]`},
		{"wrong type field type", `{"type":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Error("Decode() should have returned an error")
			}
		})
	}
}

func TestDecode_EmptyType(t *testing.T) {
	_, err := Decode([]byte(`{"token":"abc"}`))
	if !errors.Is(err, ErrEmptyType) {
		t.Fatalf("err = %v, want ErrEmptyType", err)
	}
}

func TestEnvelope_Unmarshal(t *testing.T) {
	data := []byte(`{"type":"auth","token":"tok-123","machine_id":"mach-1"}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	var frame AuthFrame
	if err := env.Unmarshal(&frame); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if frame.Token != "tok-123" || frame.MachineID != "mach-1" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestEnvelope_Unmarshal_TradeUpdate(t *testing.T) {
	data := []byte(`{
		"type": "trade_update",
		"action": "closed",
		"account_number": "100234",
		"trade": {
			"ticket": "T-9",
			"symbol": "EURUSD",
			"direction": "buy",
			"lots": 0.5,
			"open_price": 1.081,
			"close_price": 1.093,
			"profit": 60.0,
			"opened_at": 1700000000000,
			"closed_at": 1700000600000
		}
	}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	var frame TradeUpdateFrame
	if err := env.Unmarshal(&frame); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if frame.Action != TradeActionClosed {
		t.Errorf("Action = %q, want closed", frame.Action)
	}
	if frame.Trade.Ticket != "T-9" || frame.Trade.Profit != 60.0 {
		t.Errorf("trade = %+v", frame.Trade)
	}
}
