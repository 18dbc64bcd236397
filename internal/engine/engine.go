// Package engine runs the trading workers for one profile: the command
// processor, the position synchronizer and the trade-update stream consumer
// with its auto-protect policy.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"trailguard/internal/broker"
	"trailguard/internal/bus"
	"trailguard/internal/store"
)

// Engine supervises the workers. Broker, store and bus handles are shared
// between them.
type Engine struct {
	settings Settings
	broker   broker.Client
	store    store.StateStore
	bus      bus.CommandBus
	log      *slog.Logger

	Refresh   *RefreshSignal
	Commands  *CommandProcessor
	Sync      *PositionSynchronizer
	Protector *AutoProtector
	Stream    *StreamConsumer
}

// New wires an Engine. source may be nil when the trade stream is disabled.
// metrics may be nil.
func New(
	s Settings,
	b broker.Client,
	source broker.TradeUpdateSource,
	st store.StateStore,
	cb bus.CommandBus,
	m *Metrics,
	log *slog.Logger,
) *Engine {
	if m == nil {
		m = NewMetrics(nil)
	}
	refresh := NewRefreshSignal()
	protector := NewAutoProtector(s, b, st, m, log)
	e := &Engine{
		settings:  s,
		broker:    b,
		store:     st,
		bus:       cb,
		log:       log.With("component", "engine"),
		Refresh:   refresh,
		Commands:  NewCommandProcessor(s, b, st, cb, m, log),
		Sync:      NewPositionSynchronizer(s, b, st, refresh, m, log),
		Protector: protector,
	}
	if s.EnableTradeStream && source != nil {
		e.Stream = NewStreamConsumer(s, source, st, protector, refresh, m, log)
	}
	return e
}

// Run starts the workers and blocks until ctx is cancelled or a worker
// returns an error.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting",
		"profile_id", e.settings.ProfileID,
		"broker", e.broker.Name(),
		"poll_interval", e.settings.PollInterval,
		"sync_min_interval", e.settings.SyncMinInterval,
		"trade_stream", e.Stream != nil,
		"stream_max_backoff", e.settings.StreamMaxBackoff)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Sync.Run(gctx) })
	g.Go(func() error { return e.Commands.Run(gctx) })
	if e.Stream != nil {
		g.Go(func() error { return e.Stream.Run(gctx) })
	} else {
		e.log.Info("trade stream disabled")
	}

	err := g.Wait()
	e.log.Info("engine stopped")
	return err
}

// Close releases the bus, the store and, when it holds resources, the
// broker.
func (e *Engine) Close() error {
	var errs []error
	if e.bus != nil {
		errs = append(errs, e.bus.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if c, ok := e.broker.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
