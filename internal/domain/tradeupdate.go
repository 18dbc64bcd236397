package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Trade-update event names that the engine reacts to.
const (
	EventNew         = "new"
	EventFill        = "fill"
	EventPartialFill = "partial_fill"
	EventCanceled    = "canceled"
)

// TradeUpdate is the normalized form of one broker trade-update event. Raw
// payloads from the websocket and SSE feeds are validated into this struct
// once, at the boundary.
type TradeUpdate struct {
	Event       string
	EventID     string
	Timestamp   *time.Time
	Order       Order
	PositionQty *decimal.Decimal
	Price       *decimal.Decimal
	Qty         *decimal.Decimal
}

// IsFill reports whether the event completed the order.
func (u TradeUpdate) IsFill() bool {
	return u.Event == EventFill
}

// ParseTradeUpdate decodes a trade-update event. Both the bare event object
// and the websocket envelope ({"stream": "trade_updates", "data": {...}}) are
// accepted.
func ParseTradeUpdate(raw []byte) (TradeUpdate, error) {
	if !gjson.ValidBytes(raw) {
		return TradeUpdate{}, fmt.Errorf("parsing trade update: %w: malformed json", ErrInvalidPayload)
	}
	root := gjson.ParseBytes(raw)
	if data := root.Get("data"); data.IsObject() && root.Get("stream").Exists() {
		root = data
	}

	orderNode := root.Get("order")
	if !orderNode.IsObject() {
		return TradeUpdate{}, fmt.Errorf("parsing trade update: %w: missing order payload (event=%s)",
			ErrInvalidPayload, root.Get("event").String())
	}
	order, err := parseOrder(orderNode)
	if err != nil {
		return TradeUpdate{}, fmt.Errorf("parsing trade update: %w", err)
	}

	u := TradeUpdate{
		Event:   NormalizeEnum(root.Get("event").String()),
		EventID: first(root, "event_id", "execution_id").String(),
		Order:   order,
	}
	u.Timestamp = timeField(root, "timestamp", "at")
	if u.PositionQty, err = decimalField(root, "position_qty"); err != nil {
		return TradeUpdate{}, fmt.Errorf("parsing trade update: %w", err)
	}
	if u.Price, err = decimalField(root, "price"); err != nil {
		return TradeUpdate{}, fmt.Errorf("parsing trade update: %w", err)
	}
	if u.Qty, err = decimalField(root, "qty"); err != nil {
		return TradeUpdate{}, fmt.Errorf("parsing trade update: %w", err)
	}
	return u, nil
}

// ParseOrder decodes a single order object as returned by the broker REST API
// or embedded in a trade update.
func ParseOrder(raw []byte) (Order, error) {
	if !gjson.ValidBytes(raw) {
		return Order{}, fmt.Errorf("parsing order: %w: malformed json", ErrInvalidPayload)
	}
	return parseOrder(gjson.ParseBytes(raw))
}

func parseOrder(r gjson.Result) (Order, error) {
	o := Order{
		ID:            first(r, "id", "order_id").String(),
		ClientOrderID: r.Get("client_order_id").String(),
		Symbol:        strings.ToUpper(strings.TrimSpace(r.Get("symbol").String())),
		Side:          OrderSide(NormalizeEnum(r.Get("side").String())),
		Type:          NormalizeEnum(first(r, "order_type", "type").String()),
		TimeInForce:   NormalizeEnum(r.Get("time_in_force").String()),
		Status:        NormalizeEnum(r.Get("status").String()),
		OrderClass:    NormalizeEnum(r.Get("order_class").String()),
		HasLegs:       truthy(r.Get("legs")) || truthy(r.Get("stop_loss")) || truthy(r.Get("take_profit")),
	}

	var err error
	if o.Qty, err = decimalField(r, "qty", "quantity"); err != nil {
		return Order{}, err
	}
	if o.FilledQty, err = decimalField(r, "filled_qty", "filled_quantity"); err != nil {
		return Order{}, err
	}
	if o.FilledAvgPrice, err = decimalField(r, "filled_avg_price", "avg_fill_price"); err != nil {
		return Order{}, err
	}
	if o.TrailPercent, err = decimalField(r, "trail_percent"); err != nil {
		return Order{}, err
	}
	o.SubmittedAt = timeField(r, "submitted_at", "created_at")
	o.UpdatedAt = timeField(r, "updated_at")
	o.FilledAt = timeField(r, "filled_at")
	return o, nil
}

// ParsePosition decodes a position object as returned by the broker REST API.
func ParsePosition(raw []byte) (Position, error) {
	if !gjson.ValidBytes(raw) {
		return Position{}, fmt.Errorf("parsing position: %w: malformed json", ErrInvalidPayload)
	}
	r := gjson.ParseBytes(raw)

	p := Position{
		Symbol:     strings.ToUpper(strings.TrimSpace(r.Get("symbol").String())),
		AssetID:    r.Get("asset_id").String(),
		AssetClass: NormalizeEnum(r.Get("asset_class").String()),
		Exchange:   r.Get("exchange").String(),
		Side:       PositionSide(NormalizeEnum(r.Get("side").String())),
	}
	if p.Symbol == "" {
		return Position{}, fmt.Errorf("parsing position: %w: missing symbol", ErrInvalidPayload)
	}

	required := []struct {
		dst   *decimal.Decimal
		paths []string
	}{
		{&p.Qty, []string{"qty", "quantity"}},
		{&p.AvgEntryPrice, []string{"avg_entry_price"}},
		{&p.MarketValue, []string{"market_value"}},
		{&p.CostBasis, []string{"cost_basis"}},
	}
	for _, f := range required {
		d, err := decimalField(r, f.paths...)
		if err != nil {
			return Position{}, fmt.Errorf("parsing position %s: %w", p.Symbol, err)
		}
		if d != nil {
			*f.dst = *d
		}
	}

	optional := []struct {
		dst  **decimal.Decimal
		path string
	}{
		{&p.UnrealizedPL, "unrealized_pl"},
		{&p.UnrealizedPLPC, "unrealized_plpc"},
		{&p.CurrentPrice, "current_price"},
		{&p.LastdayPrice, "lastday_price"},
		{&p.ChangeToday, "change_today"},
	}
	for _, f := range optional {
		d, err := decimalField(r, f.path)
		if err != nil {
			return Position{}, fmt.Errorf("parsing position %s: %w", p.Symbol, err)
		}
		*f.dst = d
	}
	return p, nil
}

// BuildFill derives a fill record from a filled order. It reports false when
// the order lacks the fields a fill needs (id, symbol, side, quantity).
func BuildFill(u TradeUpdate) (Fill, bool) {
	o := u.Order
	qty := o.FilledQty
	if qty == nil {
		qty = o.Qty
	}
	if o.ID == "" || o.Symbol == "" || o.Side == "" || qty == nil {
		return Fill{}, false
	}

	filledAt := o.FilledAt
	if filledAt == nil {
		filledAt = o.UpdatedAt
	}
	if filledAt == nil {
		filledAt = u.Timestamp
	}
	return Fill{
		OrderID:  o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Qty:      *qty,
		Price:    o.FilledAvgPrice,
		FilledAt: filledAt,
	}, true
}

// ---------------------------------------------------------------------------
// gjson helpers
// ---------------------------------------------------------------------------

// first returns the first of paths present with a non-null value.
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func decimalField(r gjson.Result, paths ...string) (*decimal.Decimal, error) {
	v := first(r, paths...)
	var text string
	switch v.Type {
	case gjson.Number:
		text = v.Raw
	case gjson.String:
		text = strings.TrimSpace(v.Str)
	default:
		return nil, nil
	}
	if text == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidPayload, paths[0], err)
	}
	return &d, nil
}

// timeLayouts are tried in order; layouts without a zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// timeField returns nil when the value is absent or in no known layout.
// A bad timestamp never rejects the payload.
func timeField(r gjson.Result, paths ...string) *time.Time {
	v := first(r, paths...)
	text := strings.TrimSpace(v.Str)
	if v.Type != gjson.String || text == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	case gjson.String:
		return v.Str != ""
	case gjson.JSON:
		if v.IsArray() {
			return len(v.Array()) > 0
		}
		return len(v.Map()) > 0
	}
	return v.Exists()
}
