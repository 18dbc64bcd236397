package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trailguard/internal/broker"
	"trailguard/internal/bus"
	"trailguard/internal/config"
	"trailguard/internal/engine"
	"trailguard/internal/store"
	"trailguard/internal/util"
)

func main() {
	cfgPath := "config/trailguard.yaml"
	if p := os.Getenv("TRAILGUARD_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, logCloser, err := util.NewLoggerWithOptions(util.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("setting up logging: %v", err)
	}
	defer logCloser.Close()
	util.SetDefault(logger)

	settings, err := engine.SettingsFromConfig(cfg)
	if err != nil {
		log.Fatalf("engine settings: %v", err)
	}

	// Store, with the fill archive when a data dir is configured.
	sqliteStore, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening state store: %v", err)
	}
	var st store.StateStore = sqliteStore
	if cfg.Storage.DataDir != "" {
		st = store.NewArchivingStore(sqliteStore, store.NewFillArchive(cfg.Storage.DataDir), logger)
	}

	cb, err := openBus(cfg, logger)
	if err != nil {
		log.Fatalf("opening command bus: %v", err)
	}

	client, source := openBroker(cfg, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(reg)

	eng := engine.New(settings, client, source, st, cb, metrics, logger)
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("closing engine", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics shutdown", "error", err)
			}
		}()
	}

	logger.Info("trailguard-engine starting",
		"profile_id", cfg.ProfileID,
		"broker", cfg.Engine.Broker,
		"bus", cfg.Bus.Kind,
		"paper", cfg.Alpaca.Paper)

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine exited", "error", err)
	}
	logger.Info("trailguard-engine stopped")
}

func openBus(cfg *config.Config, logger *slog.Logger) (bus.CommandBus, error) {
	switch cfg.Bus.Kind {
	case config.BusGRPC:
		return bus.NewGRPCBus(cfg.Bus.GRPCAddr, logger)
	case config.BusMemory:
		return bus.NewMemoryBus(0), nil
	default:
		return bus.NewSQLiteBus(cfg.BusSQLitePath(), cfg.ProfileID, cfg.Bus.PollInterval(), logger)
	}
}

func openBroker(cfg *config.Config, logger *slog.Logger) (broker.Client, broker.TradeUpdateSource) {
	if cfg.Engine.Broker == config.BrokerSimulator {
		sim := broker.NewSimulatorBroker()
		return sim, sim
	}

	ab := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL,
		cfg.Alpaca.RateLimitPerMin, logger)
	if cfg.Engine.StreamTransport == config.TransportSSE {
		return ab, broker.NewSSESource(ab)
	}
	return ab, broker.NewWebSocketSource(cfg.Alpaca.StreamURL, cfg.Alpaca.BaseURL,
		cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, logger)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
