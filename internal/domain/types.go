// Package domain defines the core value types shared by the engine, the
// broker adapters, the state store and the command bus.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidPayload is wrapped by every parsing and validation failure of a
// command or trade-update payload.
var ErrInvalidPayload = errors.New("invalid payload")

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// TimeInForce controls how long an order stays active.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// ParseTimeInForce accepts "day" or "gtc" in any case or enum spelling.
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch TimeInForce(NormalizeEnum(s)) {
	case TimeInForceDay:
		return TimeInForceDay, nil
	case TimeInForceGTC:
		return TimeInForceGTC, nil
	}
	return "", errors.New("unsupported time in force: " + s)
}

// PositionSide is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Well-known order types as reported by the broker.
const (
	OrderTypeMarket       = "market"
	OrderTypeLimit        = "limit"
	OrderTypeStop         = "stop"
	OrderTypeStopLimit    = "stop_limit"
	OrderTypeTrailingStop = "trailing_stop"
)

// Order sources recorded alongside an upserted order.
const (
	SourceTradeUpdate = "trade_update"
	SourceAutoProtect = "auto_protect"
	SourceUI          = "ui"
)

// NormalizeEnum lower-cases an enum value and strips any dotted type prefix,
// so "OrderSide.BUY", "BUY" and "buy" all become "buy".
func NormalizeEnum(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

// Position is a holding in a single symbol as reported by the broker.
type Position struct {
	Symbol        string
	AssetID       string
	AssetClass    string
	Exchange      string
	Side          PositionSide
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
	CostBasis     decimal.Decimal

	UnrealizedPL   *decimal.Decimal
	UnrealizedPLPC *decimal.Decimal
	CurrentPrice   *decimal.Decimal
	LastdayPrice   *decimal.Decimal
	ChangeToday    *decimal.Decimal
}

// Order is a broker order, keyed by the broker-assigned ID.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Type           string
	TimeInForce    string
	Status         string
	OrderClass     string
	Qty            *decimal.Decimal
	FilledQty      *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	TrailPercent   *decimal.Decimal
	SubmittedAt    *time.Time
	UpdatedAt      *time.Time
	FilledAt       *time.Time

	// HasLegs reports whether the order carries bracket/OCO/OTO legs or
	// attached stop-loss / take-profit instructions.
	HasLegs bool
}

// IsMultiLeg reports whether the order protects itself through attached legs.
func (o Order) IsMultiLeg() bool {
	switch strings.ToLower(o.OrderClass) {
	case "bracket", "oco", "oto":
		return true
	}
	return o.HasLegs
}

// Fill is a single execution of an order. Fills are append-only and
// deduplicated by (OrderID, Qty, Price, FilledAt).
type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Qty      decimal.Decimal
	Price    *decimal.Decimal
	FilledAt *time.Time
}

// ProtectionLink associates an entry order with the protective order placed
// for it. At most one link exists per entry order.
type ProtectionLink struct {
	EntryOrderID      string
	ProtectionOrderID string
	CreatedAt         time.Time
}

// TrailingStopOrderRequest is a broker-agnostic trailing stop order.
type TrailingStopOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	TrailPercent  decimal.Decimal
	TimeInForce   TimeInForce
	ExtendedHours bool
	ClientOrderID string
}

// Validate checks the request invariants: non-blank symbol, known side,
// positive quantity and trail percent, known time in force.
func (r TrailingStopOrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.New("trailing stop: symbol is required")
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return errors.New("trailing stop: unknown side " + string(r.Side))
	}
	if !r.Qty.IsPositive() {
		return errors.New("trailing stop: qty must be positive")
	}
	if !r.TrailPercent.IsPositive() {
		return errors.New("trailing stop: trail percent must be positive")
	}
	if _, err := ParseTimeInForce(string(r.TimeInForce)); err != nil {
		return errors.New("trailing stop: " + err.Error())
	}
	return nil
}
