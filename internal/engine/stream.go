package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"trailguard/internal/broker"
	"trailguard/internal/domain"
	"trailguard/internal/store"
	"trailguard/internal/util"
)

// StreamState is the connection state of the trade-update stream.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamSubscribed
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// StreamConsumer keeps a trade-update subscription alive and applies every
// event to the store.
type StreamConsumer struct {
	profileID string
	source    broker.TradeUpdateSource
	store     store.StateStore
	protector *AutoProtector
	refresh   *RefreshSignal
	backoff   *util.Backoff
	metrics   *Metrics
	log       *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	state atomic.Int32
}

// NewStreamConsumer creates a consumer that reconnects with exponential
// backoff capped at s.StreamMaxBackoff.
func NewStreamConsumer(
	s Settings,
	source broker.TradeUpdateSource,
	st store.StateStore,
	protector *AutoProtector,
	refresh *RefreshSignal,
	m *Metrics,
	log *slog.Logger,
) *StreamConsumer {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &StreamConsumer{
		profileID: s.ProfileID,
		source:    source,
		store:     st,
		protector: protector,
		refresh:   refresh,
		backoff:   util.NewBackoff(s.StreamMaxBackoff),
		metrics:   m,
		log:       log.With("component", "trade_stream"),
		sleep:     util.Sleep,
	}
}

// State returns the current connection state.
func (c *StreamConsumer) State() StreamState {
	return StreamState(c.state.Load())
}

func (c *StreamConsumer) setState(s StreamState) {
	c.state.Store(int32(s))
	c.metrics.StreamState.Set(float64(s))
}

// Run connects, consumes and reconnects until ctx is cancelled. It returns
// nil on cancellation.
func (c *StreamConsumer) Run(ctx context.Context) error {
	defer c.setState(StreamDisconnected)
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(StreamConnecting)
		c.metrics.StreamAttempts.Inc()
		c.log.Info("connecting trade stream")

		err := c.source.StreamTradeUpdates(ctx, c.onReady, func(raw []byte) {
			c.HandleEvent(ctx, raw)
		})
		c.setState(StreamDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		delay := c.backoff.Next()
		switch {
		case errors.Is(err, broker.ErrUnauthorized):
			c.log.Error("trade stream rejected credentials", "error", err, "retry_in", delay)
		case err != nil:
			c.log.Warn("trade stream failed", "error", err, "retry_in", delay)
		default:
			c.log.Info("trade stream ended", "retry_in", delay)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *StreamConsumer) onReady() {
	c.setState(StreamSubscribed)
	c.log.Info("trade stream subscribed")
}

// HandleEvent applies one raw trade-update event. A failure or panic in any
// step is logged and contained; the refresh signal is set regardless.
func (c *StreamConsumer) HandleEvent(ctx context.Context, raw []byte) {
	var (
		event   string
		orderID string
	)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("trade update handler panicked", "panic", r, "event", event, "order_id", orderID)
			c.metrics.TradeUpdates.WithLabelValues(event, "panic").Inc()
		}
	}()
	defer c.refresh.Notify()

	u, err := domain.ParseTradeUpdate(raw)
	if err != nil {
		c.log.Warn("dropping trade update", "error", err)
		c.metrics.TradeUpdates.WithLabelValues("unknown", "invalid").Inc()
		return
	}
	event, orderID = u.Event, u.Order.ID
	log := c.log.With("event", u.Event, "order_id", u.Order.ID, "symbol", u.Order.Symbol)
	result := "ok"

	if err := c.store.UpsertOrder(ctx, c.profileID, u.Order, domain.SourceTradeUpdate); err != nil {
		log.Error("storing order from trade update", "error", err)
		result = "error"
	}

	if u.IsFill() {
		if fill, ok := domain.BuildFill(u); ok {
			if _, err := c.store.RecordFill(ctx, c.profileID, fill); err != nil {
				log.Error("recording fill", "error", err)
				result = "error"
			}
		} else {
			log.Warn("fill event lacks fill fields")
		}
		if c.protector != nil {
			c.protector.OnFill(ctx, u.Order)
		}
	}
	c.metrics.TradeUpdates.WithLabelValues(u.Event, result).Inc()
}
