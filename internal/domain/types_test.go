package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeEnum(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"buy", "buy"},
		{"BUY", "buy"},
		{"OrderSide.BUY", "buy"},
		{" Market ", "market"},
		{"TimeInForce.GTC", "gtc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeEnum(tt.in); got != tt.want {
			t.Errorf("NormalizeEnum(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTimeInForce(t *testing.T) {
	if tif, err := ParseTimeInForce("GTC"); err != nil || tif != TimeInForceGTC {
		t.Errorf("ParseTimeInForce(GTC) = %q, %v", tif, err)
	}
	if tif, err := ParseTimeInForce("TimeInForce.DAY"); err != nil || tif != TimeInForceDay {
		t.Errorf("ParseTimeInForce(TimeInForce.DAY) = %q, %v", tif, err)
	}
	if _, err := ParseTimeInForce("ioc"); err == nil {
		t.Error("ParseTimeInForce(ioc) should fail")
	}
}

func TestTrailingStopOrderRequestValidate(t *testing.T) {
	valid := TrailingStopOrderRequest{
		Symbol:       "AAPL",
		Side:         OrderSideSell,
		Qty:          decimal.NewFromInt(2),
		TrailPercent: decimal.NewFromInt(2),
		TimeInForce:  TimeInForceGTC,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid request: %v", err)
	}

	bad := []func(r *TrailingStopOrderRequest){
		func(r *TrailingStopOrderRequest) { r.Symbol = " " },
		func(r *TrailingStopOrderRequest) { r.Side = "hold" },
		func(r *TrailingStopOrderRequest) { r.Qty = decimal.Zero },
		func(r *TrailingStopOrderRequest) { r.TrailPercent = decimal.NewFromInt(-1) },
		func(r *TrailingStopOrderRequest) { r.TimeInForce = "ioc" },
	}
	for i, mutate := range bad {
		r := valid
		mutate(&r)
		if err := r.Validate(); err == nil {
			t.Errorf("case %d: Validate() returned nil, want error", i)
		}
	}
}

func TestOrderIsMultiLeg(t *testing.T) {
	if (Order{OrderClass: "simple"}).IsMultiLeg() {
		t.Error("simple order reported as multi-leg")
	}
	for _, class := range []string{"bracket", "oco", "OTO"} {
		if !(Order{OrderClass: class}).IsMultiLeg() {
			t.Errorf("order class %q not reported as multi-leg", class)
		}
	}
	if !(Order{HasLegs: true}).IsMultiLeg() {
		t.Error("order with legs not reported as multi-leg")
	}
}

func TestCommandRoundTripAndAction(t *testing.T) {
	cmd := NewCommand(CommandTrailingStopBuy, "default", map[string]any{
		"symbol":        "aapl",
		"qty":           10,
		"trail_percent": "2",
	})
	data, err := cmd.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if decoded.ID != cmd.ID || decoded.Type != CommandTrailingStopBuy || decoded.ProfileID != "default" {
		t.Fatalf("decoded command = %+v, want %+v", decoded, cmd)
	}

	action, err := decoded.Action()
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	ts, ok := action.(TrailingStop)
	if !ok {
		t.Fatalf("Action() = %T, want TrailingStop", action)
	}
	if ts.Symbol != "AAPL" || ts.Side != OrderSideBuy {
		t.Errorf("TrailingStop = %+v", ts)
	}
	if ts.Qty == nil || !ts.Qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Qty = %v, want 10", ts.Qty)
	}
	if ts.TrailPercent == nil || !ts.TrailPercent.Equal(decimal.NewFromInt(2)) {
		t.Errorf("TrailPercent = %v, want 2", ts.TrailPercent)
	}
}

func TestCommandActionRejectsBadPayloads(t *testing.T) {
	payloads := []map[string]any{
		{"qty": 1},
		{"symbol": "AAPL", "qty": "abc"},
		{"symbol": "AAPL", "qty": 0},
		{"symbol": "AAPL", "trail_percent": []int{1}},
	}
	for _, p := range payloads {
		cmd := NewCommand(CommandTrailingStopSell, "default", p)
		if _, err := cmd.Action(); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("Action(%v) error = %v, want ErrInvalidPayload", p, err)
		}
	}
}

func TestCommandActionUnhandled(t *testing.T) {
	action, err := NewCommand(CommandDraftOrder, "default", nil).Action()
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	if u, ok := action.(Unhandled); !ok || u.Type != CommandDraftOrder {
		t.Errorf("Action() = %#v, want Unhandled{draft_order}", action)
	}
}

func TestDecodeCommandRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"not json", `{"type":"kill_switch"}`} {
		if _, err := DecodeCommand([]byte(raw)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("DecodeCommand(%q) error = %v, want ErrInvalidPayload", raw, err)
		}
	}
}
