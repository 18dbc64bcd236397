// Package broker defines the brokerage interfaces the engine depends on and
// provides implementations backed by Alpaca and by an in-memory simulator.
package broker

import (
	"context"
	"errors"

	"trailguard/internal/domain"
)

// ErrUnauthorized is returned by a trade-update source whose credentials
// were rejected.
var ErrUnauthorized = errors.New("broker: unauthorized")

// Client abstracts the brokerage operations the engine performs.
type Client interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// CloseAllPositions liquidates every position, optionally cancelling
	// open orders first. It returns the closing orders.
	CloseAllPositions(ctx context.Context, cancelOrders bool) ([]domain.Order, error)

	// SubmitTrailingStopOrder places a trailing stop order.
	SubmitTrailingStopOrder(ctx context.Context, req domain.TrailingStopOrderRequest) (domain.Order, error)
}

// TradeUpdateSource delivers raw trade-update events for the account.
//
// StreamTradeUpdates blocks for the lifetime of one connection. onReady is
// called once the subscription is acknowledged; onEvent is called
// sequentially with each raw event. It returns when the connection ends,
// fails or ctx is cancelled.
type TradeUpdateSource interface {
	StreamTradeUpdates(ctx context.Context, onReady func(), onEvent func(raw []byte)) error
}
