package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"golang.org/x/time/rate"

	"trailguard/internal/domain"
)

// Compile-time interface checks.
var (
	_ Client            = (*AlpacaBroker)(nil)
	_ TradeUpdateSource = (*SSESource)(nil)
)

// AlpacaBroker implements Client using the Alpaca trading REST API. Calls
// share one rate limiter sized from the configured requests per minute.
type AlpacaBroker struct {
	client  *alpaca.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker for the given credentials and
// trading endpoint. perMinute <= 0 disables rate limiting.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, perMinute int, log *slog.Logger) *AlpacaBroker {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		limiter: limiter,
		log:     log.With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// GetPositions returns all open positions in the account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}

	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		pos, err := toPosition(p)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// CloseAllPositions liquidates the account.
func (b *AlpacaBroker) CloseAllPositions(ctx context.Context, cancelOrders bool) ([]domain.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := b.client.CloseAllPositions(alpaca.CloseAllPositionsRequest{CancelOrders: cancelOrders})
	if err != nil {
		return nil, fmt.Errorf("CloseAllPositions: %w", err)
	}

	orders := make([]domain.Order, 0, len(raw))
	for _, o := range raw {
		order, err := toOrder(o)
		if err != nil {
			b.log.Warn("skipping unparseable closing order", "error", err)
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// SubmitTrailingStopOrder places a trailing stop order via POST /v2/orders.
func (b *AlpacaBroker) SubmitTrailingStopOrder(ctx context.Context, req domain.TrailingStopOrderRequest) (domain.Order, error) {
	if err := req.Validate(); err != nil {
		return domain.Order{}, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Order{}, err
	}

	side := alpaca.Buy
	if req.Side == domain.OrderSideSell {
		side = alpaca.Sell
	}
	tif := alpaca.Day
	if req.TimeInForce == domain.TimeInForceGTC {
		tif = alpaca.GTC
	}
	qty, trail := req.Qty, req.TrailPercent

	placed, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.TrailingStop,
		TimeInForce:   tif,
		TrailPercent:  &trail,
		ExtendedHours: req.ExtendedHours,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("PlaceOrder %s %s: %w", req.Side, req.Symbol, err)
	}
	return toOrder(*placed)
}

// Client exposes the underlying SDK client for the SSE trade-update source.
func (b *AlpacaBroker) Client() *alpaca.Client {
	return b.client
}

// SSESource streams trade updates over the Alpaca SSE endpoint through the
// SDK. The SDK does not surface a subscription acknowledgement, so onReady
// fires when the request is issued.
type SSESource struct {
	client *alpaca.Client
	log    *slog.Logger
}

// NewSSESource creates a trade-update source on the broker's SDK client.
func NewSSESource(b *AlpacaBroker) *SSESource {
	return &SSESource{client: b.client, log: b.log.With("stream", "sse")}
}

// StreamTradeUpdates implements TradeUpdateSource.
func (s *SSESource) StreamTradeUpdates(ctx context.Context, onReady func(), onEvent func([]byte)) error {
	if onReady != nil {
		onReady()
	}
	err := s.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		raw, err := json.Marshal(tu)
		if err != nil {
			s.log.Warn("encoding trade update", "error", err)
			return
		}
		onEvent(raw)
	}, alpaca.StreamTradeUpdatesRequest{})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("StreamTradeUpdates: %w", err)
	}
	return nil
}

// toPosition and toOrder route SDK structs through the same JSON parsers
// used for stream payloads, so every source yields identical domain values.
func toPosition(p alpaca.Position) (domain.Position, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return domain.Position{}, fmt.Errorf("encoding position %s: %w", p.Symbol, err)
	}
	return domain.ParsePosition(raw)
}

func toOrder(o alpaca.Order) (domain.Order, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return domain.Order{}, fmt.Errorf("encoding order %s: %w", o.ID, err)
	}
	return domain.ParseOrder(raw)
}
