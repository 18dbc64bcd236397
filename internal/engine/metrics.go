package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Commands       *prometheus.CounterVec
	TradeUpdates   *prometheus.CounterVec
	StreamState    prometheus.Gauge
	StreamAttempts prometheus.Counter
	Syncs          *prometheus.CounterVec
	PositionsHeld  prometheus.Gauge
	AutoProtect    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailguard_commands_total",
				Help: "Commands consumed from the bus, by type and result.",
			},
			[]string{"type", "result"},
		),
		TradeUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailguard_trade_updates_total",
				Help: "Trade-update events handled, by event and result.",
			},
			[]string{"event", "result"},
		),
		StreamState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trailguard_stream_state",
				Help: "Trade stream state: 0 disconnected, 1 connecting, 2 subscribed.",
			},
		),
		StreamAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trailguard_stream_connect_attempts_total",
				Help: "Trade stream connection attempts.",
			},
		),
		Syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailguard_position_syncs_total",
				Help: "Position syncs, by trigger reason and result.",
			},
			[]string{"reason", "result"},
		),
		PositionsHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trailguard_positions",
				Help: "Positions in the last successful sync.",
			},
		),
		AutoProtect: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailguard_auto_protect_total",
				Help: "Auto-protect decisions, by outcome.",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Commands, m.TradeUpdates, m.StreamState, m.StreamAttempts,
			m.Syncs, m.PositionsHeld, m.AutoProtect)
	}
	return m
}
