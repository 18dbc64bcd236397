package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trailguard/internal/broker"
	"trailguard/internal/store"
	"trailguard/internal/util"
)

// Sync trigger reasons.
const (
	SyncReasonInterval    = "interval"
	SyncReasonTradeUpdate = "trade_update"
)

// syncRetryDelay is the pause after a failed sync.
const syncRetryDelay = time.Second

// PositionSynchronizer mirrors broker positions into the store, on a fixed
// interval or when a trade update sets the refresh signal, with a minimum
// gap between syncs.
type PositionSynchronizer struct {
	profileID   string
	broker      broker.Client
	store       store.StateStore
	refresh     *RefreshSignal
	interval    time.Duration
	minInterval time.Duration
	metrics     *Metrics
	log         *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	lastSync time.Time
}

// NewPositionSynchronizer creates a synchronizer. metrics may be nil.
func NewPositionSynchronizer(
	s Settings,
	b broker.Client,
	st store.StateStore,
	refresh *RefreshSignal,
	m *Metrics,
	log *slog.Logger,
) *PositionSynchronizer {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &PositionSynchronizer{
		profileID:   s.ProfileID,
		broker:      b,
		store:       st,
		refresh:     refresh,
		interval:    s.PollInterval,
		minInterval: s.SyncMinInterval,
		metrics:     m,
		log:         log.With("component", "position_sync"),
		now:         time.Now,
		sleep:       util.Sleep,
	}
}

// LastSync returns the time of the last successful sync, zero if none.
func (s *PositionSynchronizer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Run loops until ctx is cancelled and then returns nil.
func (s *PositionSynchronizer) Run(ctx context.Context) error {
	for {
		reason, err := s.wait(ctx)
		if err != nil {
			return nil
		}
		if err := s.Sync(ctx, reason); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("position sync failed", "reason", reason, "error", err)
			if err := s.sleep(ctx, syncRetryDelay); err != nil {
				return nil
			}
		}
	}
}

// wait blocks for the refresh signal or the poll interval, whichever comes
// first. Receiving the signal clears it.
func (s *PositionSynchronizer) wait(ctx context.Context) (string, error) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.refresh.C():
		return SyncReasonTradeUpdate, nil
	case <-timer.C:
		return SyncReasonInterval, nil
	}
}

// Sync runs one sync, first sleeping out whatever remains of the minimum
// interval since the last success.
func (s *PositionSynchronizer) Sync(ctx context.Context, reason string) error {
	if last := s.LastSync(); !last.IsZero() && s.minInterval > 0 {
		if elapsed := s.now().Sub(last); elapsed < s.minInterval {
			cooldown := s.minInterval - elapsed
			s.log.Info("position sync cooldown", "wait", cooldown)
			if err := s.sleep(ctx, cooldown); err != nil {
				return err
			}
		}
	}

	s.log.Info("syncing positions", "reason", reason)
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		s.metrics.Syncs.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("fetching positions: %w", err)
	}
	if err := s.store.UpsertPositions(ctx, s.profileID, positions); err != nil {
		s.metrics.Syncs.WithLabelValues(reason, "error").Inc()
		return fmt.Errorf("storing positions: %w", err)
	}

	s.mu.Lock()
	s.lastSync = s.now()
	s.mu.Unlock()
	s.metrics.Syncs.WithLabelValues(reason, "ok").Inc()
	s.metrics.PositionsHeld.Set(float64(len(positions)))
	return nil
}
