package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trailguard/internal/domain"
)

// Compile-time interface checks.
var (
	_ Client            = (*SimulatorBroker)(nil)
	_ TradeUpdateSource = (*SimulatorBroker)(nil)
)

// SimulatorBroker implements Client and TradeUpdateSource for dry runs and
// tests. It tracks positions and orders in memory without making external
// API calls and emits trade updates for its own order activity.
type SimulatorBroker struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	orders    map[string]domain.Order
	events    chan []byte
	now       func() time.Time
}

// NewSimulatorBroker creates a new SimulatorBroker with no positions.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		positions: make(map[string]domain.Position),
		orders:    make(map[string]domain.Order),
		events:    make(chan []byte, 256),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// GetPositions returns all simulated positions ordered by symbol.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// CloseAllPositions sells every long position at its average entry price
// and, when cancelOrders is set, cancels every open order first.
func (b *SimulatorBroker) CloseAllPositions(_ context.Context, cancelOrders bool) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if cancelOrders {
		for id, o := range b.orders {
			if o.Status == "new" || o.Status == "accepted" {
				o.Status = "canceled"
				o.UpdatedAt = &now
				b.orders[id] = o
				b.emit(domain.EventCanceled, o)
			}
		}
	}

	closing := make([]domain.Order, 0, len(b.positions))
	for sym, p := range b.positions {
		qty, price := p.Qty.Abs(), p.AvgEntryPrice
		side := domain.OrderSideSell
		if p.Side == domain.PositionSideShort {
			side = domain.OrderSideBuy
		}
		o := domain.Order{
			ID:             uuid.NewString(),
			Symbol:         sym,
			Side:           side,
			Type:           domain.OrderTypeMarket,
			TimeInForce:    string(domain.TimeInForceDay),
			Status:         "filled",
			Qty:            &qty,
			FilledQty:      &qty,
			FilledAvgPrice: &price,
			SubmittedAt:    &now,
			FilledAt:       &now,
		}
		b.orders[o.ID] = o
		closing = append(closing, o)
		b.emit(domain.EventFill, o)
	}
	b.positions = make(map[string]domain.Position)
	return closing, nil
}

// SubmitTrailingStopOrder accepts the order; simulated trailing stops never
// trigger.
func (b *SimulatorBroker) SubmitTrailingStopOrder(_ context.Context, req domain.TrailingStopOrderRequest) (domain.Order, error) {
	if err := req.Validate(); err != nil {
		return domain.Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range b.orders {
		if req.ClientOrderID != "" && o.ClientOrderID == req.ClientOrderID {
			return domain.Order{}, fmt.Errorf("client_order_id %q already used", req.ClientOrderID)
		}
	}

	now := b.now()
	qty, trail := req.Qty, req.TrailPercent
	o := domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.OrderTypeTrailingStop,
		TimeInForce:   string(req.TimeInForce),
		Status:        "new",
		OrderClass:    "simple",
		Qty:           &qty,
		TrailPercent:  &trail,
		SubmittedAt:   &now,
		UpdatedAt:     &now,
	}
	b.orders[o.ID] = o
	b.emit(domain.EventNew, o)
	return o, nil
}

// FillMarketBuy simulates a filled market buy entry: the position grows by
// qty at price and a fill event is emitted.
func (b *SimulatorBroker) FillMarketBuy(symbol string, qty, price decimal.Decimal) domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	o := domain.Order{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           domain.OrderSideBuy,
		Type:           domain.OrderTypeMarket,
		TimeInForce:    string(domain.TimeInForceDay),
		Status:         "filled",
		OrderClass:     "simple",
		Qty:            &qty,
		FilledQty:      &qty,
		FilledAvgPrice: &price,
		SubmittedAt:    &now,
		FilledAt:       &now,
	}
	b.orders[o.ID] = o
	b.addPosition(symbol, qty, price)
	b.emit(domain.EventFill, o)
	return o
}

// SetPosition replaces the simulated position in symbol.
func (b *SimulatorBroker) SetPosition(symbol string, qty, avgPrice decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
	b.addPosition(symbol, qty, avgPrice)
}

// Orders returns every order the simulator has seen.
func (b *SimulatorBroker) Orders() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(*out[j].SubmittedAt) })
	return out
}

// StreamTradeUpdates implements TradeUpdateSource. It is ready immediately
// and delivers simulated events until ctx is cancelled.
func (b *SimulatorBroker) StreamTradeUpdates(ctx context.Context, onReady func(), onEvent func([]byte)) error {
	if onReady != nil {
		onReady()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-b.events:
			onEvent(raw)
		}
	}
}

// addPosition must be called with b.mu held.
func (b *SimulatorBroker) addPosition(symbol string, qty, price decimal.Decimal) {
	p, ok := b.positions[symbol]
	if !ok {
		p = domain.Position{Symbol: symbol, Side: domain.PositionSideLong, AssetClass: "us_equity"}
	}
	cost := p.CostBasis.Add(qty.Mul(price))
	p.Qty = p.Qty.Add(qty)
	p.CostBasis = cost
	if !p.Qty.IsZero() {
		p.AvgEntryPrice = cost.Div(p.Qty)
	}
	p.MarketValue = p.Qty.Mul(price)
	b.positions[symbol] = p
}

// emit must be called with b.mu held. Events are dropped when no stream
// consumer keeps up.
func (b *SimulatorBroker) emit(event string, o domain.Order) {
	raw, err := json.Marshal(map[string]any{
		"stream": "trade_updates",
		"data": map[string]any{
			"event":     event,
			"timestamp": b.now().Format(time.RFC3339Nano),
			"order":     orderJSON(o),
		},
	})
	if err != nil {
		return
	}
	select {
	case b.events <- raw:
	default:
	}
}

func orderJSON(o domain.Order) map[string]any {
	m := map[string]any{
		"id":              o.ID,
		"client_order_id": o.ClientOrderID,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"type":            o.Type,
		"time_in_force":   o.TimeInForce,
		"status":          o.Status,
		"order_class":     o.OrderClass,
	}
	for k, d := range map[string]*decimal.Decimal{
		"qty":              o.Qty,
		"filled_qty":       o.FilledQty,
		"filled_avg_price": o.FilledAvgPrice,
		"trail_percent":    o.TrailPercent,
	} {
		if d != nil {
			m[k] = d.String()
		}
	}
	for k, t := range map[string]*time.Time{
		"submitted_at": o.SubmittedAt,
		"updated_at":   o.UpdatedAt,
		"filled_at":    o.FilledAt,
	} {
		if t != nil {
			m[k] = t.Format(time.RFC3339Nano)
		}
	}
	return m
}
