package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseTradeUpdateWebsocketEnvelope(t *testing.T) {
	raw := []byte(`{
		"stream": "trade_updates",
		"data": {
			"event": "fill",
			"execution_id": "exec-1",
			"timestamp": "2024-06-03T14:30:01.5Z",
			"position_qty": "2",
			"price": "101.5",
			"qty": "2",
			"order": {
				"id": "O1",
				"client_order_id": "c-1",
				"symbol": "sym",
				"side": "OrderSide.BUY",
				"type": "MARKET",
				"time_in_force": "day",
				"status": "filled",
				"order_class": "simple",
				"qty": "2",
				"filled_qty": "2",
				"filled_avg_price": "101.5",
				"filled_at": "2024-06-03T14:30:01Z",
				"legs": null
			}
		}
	}`)

	u, err := ParseTradeUpdate(raw)
	if err != nil {
		t.Fatalf("ParseTradeUpdate: %v", err)
	}
	if !u.IsFill() || u.EventID != "exec-1" {
		t.Errorf("event = %q id = %q", u.Event, u.EventID)
	}
	o := u.Order
	if o.ID != "O1" || o.Symbol != "SYM" || o.Side != OrderSideBuy || o.Type != OrderTypeMarket {
		t.Errorf("order = %+v", o)
	}
	if o.IsMultiLeg() {
		t.Error("simple order reported as multi-leg")
	}
	if o.FilledQty == nil || !o.FilledQty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("FilledQty = %v, want 2", o.FilledQty)
	}
	if u.PositionQty == nil || !u.PositionQty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("PositionQty = %v, want 2", u.PositionQty)
	}

	fill, ok := BuildFill(u)
	if !ok {
		t.Fatal("BuildFill returned false")
	}
	wantAt := time.Date(2024, 6, 3, 14, 30, 1, 0, time.UTC)
	if fill.FilledAt == nil || !fill.FilledAt.Equal(wantAt) {
		t.Errorf("FilledAt = %v, want %v", fill.FilledAt, wantAt)
	}
	if fill.Price == nil || fill.Price.String() != "101.5" {
		t.Errorf("Price = %v, want 101.5", fill.Price)
	}
}

func TestParseTradeUpdateAliases(t *testing.T) {
	raw := []byte(`{
		"event": "FILL",
		"at": "2024-06-03T14:30:01Z",
		"order": {
			"order_id": "O2",
			"symbol": "MSFT",
			"side": "buy",
			"order_type": "limit",
			"quantity": 3,
			"filled_quantity": 1.5,
			"avg_fill_price": 400.25,
			"order_class": "bracket"
		}
	}`)

	u, err := ParseTradeUpdate(raw)
	if err != nil {
		t.Fatalf("ParseTradeUpdate: %v", err)
	}
	o := u.Order
	if o.ID != "O2" || o.Type != OrderTypeLimit {
		t.Errorf("order = %+v", o)
	}
	if o.Qty == nil || !o.Qty.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Qty = %v, want 3", o.Qty)
	}
	if o.FilledQty == nil || o.FilledQty.String() != "1.5" {
		t.Errorf("FilledQty = %v, want 1.5", o.FilledQty)
	}
	if !o.IsMultiLeg() {
		t.Error("bracket order not reported as multi-leg")
	}

	// No filled_at / updated_at: the event timestamp is used.
	fill, ok := BuildFill(u)
	if !ok || fill.FilledAt == nil || !fill.FilledAt.Equal(*u.Timestamp) {
		t.Errorf("BuildFill = %+v, %v", fill, ok)
	}
}

func TestParseTradeUpdateLegsDetected(t *testing.T) {
	raw := []byte(`{"event":"fill","order":{"id":"O3","symbol":"A","side":"buy","type":"market",
		"legs":[{"id":"L1"}]}}`)
	u, err := ParseTradeUpdate(raw)
	if err != nil {
		t.Fatalf("ParseTradeUpdate: %v", err)
	}
	if !u.Order.HasLegs {
		t.Error("HasLegs = false, want true")
	}
}

func TestParseTradeUpdateErrors(t *testing.T) {
	cases := []string{
		`{"event":"fill"`,
		`{"event":"fill"}`,
		`{"event":"fill","order":{"id":"O","qty":"x"}}`,
	}
	for _, raw := range cases {
		if _, err := ParseTradeUpdate([]byte(raw)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ParseTradeUpdate(%s) error = %v, want ErrInvalidPayload", raw, err)
		}
	}
}

func TestParseTradeUpdateLenientTimestamps(t *testing.T) {
	tests := []struct {
		field string
		value string
		want  *time.Time
	}{
		{"filled_at", "2024-03-01T15:04:05.123456", ptrTime(time.Date(2024, 3, 1, 15, 4, 5, 123456000, time.UTC))},
		{"filled_at", "2024-03-01 15:04:05", ptrTime(time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC))},
		{"filled_at", "2024-03-01T10:04:05-05:00", ptrTime(time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC))},
		{"filled_at", "yesterday", nil},
		{"submitted_at", "2024-03-01 15:04:05", nil},
	}
	for _, tt := range tests {
		raw := []byte(`{"event":"fill","order":{"id":"O1","symbol":"AAPL","side":"buy","type":"market",
			"qty":"2","filled_qty":"2","` + tt.field + `":"` + tt.value + `"}}`)
		u, err := ParseTradeUpdate(raw)
		if err != nil {
			t.Fatalf("ParseTradeUpdate(%s=%q): %v", tt.field, tt.value, err)
		}
		if tt.field != "filled_at" {
			continue
		}
		got := u.Order.FilledAt
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("FilledAt(%q) = %v, want nil", tt.value, got)
		case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
			t.Errorf("FilledAt(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestBuildFillRequiresFields(t *testing.T) {
	u := TradeUpdate{Event: EventFill, Order: Order{ID: "O", Symbol: "A", Side: OrderSideBuy}}
	if _, ok := BuildFill(u); ok {
		t.Error("BuildFill without quantity returned true")
	}
}

func TestParsePosition(t *testing.T) {
	raw := []byte(`{"symbol":"aapl","asset_id":"id-1","side":"long","qty":"1.5",
		"avg_entry_price":"10","market_value":"15","cost_basis":"15","unrealized_pl":null,
		"current_price":"10"}`)
	p, err := ParsePosition(raw)
	if err != nil {
		t.Fatalf("ParsePosition: %v", err)
	}
	if p.Symbol != "AAPL" || p.Side != PositionSideLong || p.Qty.String() != "1.5" {
		t.Errorf("position = %+v", p)
	}
	if p.UnrealizedPL != nil {
		t.Errorf("UnrealizedPL = %v, want nil", p.UnrealizedPL)
	}
	if p.CurrentPrice == nil || !p.CurrentPrice.Equal(decimal.NewFromInt(10)) {
		t.Errorf("CurrentPrice = %v, want 10", p.CurrentPrice)
	}

	if _, err := ParsePosition([]byte(`{"qty":"1"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("ParsePosition without symbol error = %v", err)
	}
}
