package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trailguard/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for one trailguard engine instance.
type Config struct {
	ProfileID   string            `yaml:"profile_id"`
	Storage     Storage           `yaml:"storage"`
	Alpaca      Alpaca            `yaml:"alpaca"`
	Logging     Logging           `yaml:"logging"`
	Bus         Bus               `yaml:"bus"`
	Engine      EngineConfig      `yaml:"engine"`
	Trailing    TrailingConfig    `yaml:"trailing"`
	AutoProtect AutoProtectConfig `yaml:"auto_protect"`
	Metrics     Metrics           `yaml:"metrics"`
}

// Storage holds paths for data persistence. A non-empty DataDir enables the
// Parquet fill archive.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	StreamURL       string `yaml:"stream_url"`
	// Paper picks the trading endpoint when BaseURL is unset.
	Paper           bool   `yaml:"paper"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger. When File is set, output is
// also written to a size-rotated log file.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Bus selects the command bus transport.
type Bus struct {
	Kind           string `yaml:"kind"` // "sqlite", "grpc" or "memory"
	SQLitePath     string `yaml:"sqlite_path"`
	GRPCAddr       string `yaml:"grpc_addr"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
}

// EngineConfig drives the three engine workers.
type EngineConfig struct {
	Broker                  string `yaml:"broker"` // "alpaca" or "simulator"
	PollIntervalSeconds     int    `yaml:"poll_interval_seconds"`
	SyncMinIntervalSeconds  int    `yaml:"sync_min_interval_seconds"`
	EnableTradeStream       bool   `yaml:"enable_trade_stream"`
	StreamTransport         string `yaml:"stream_transport"` // "websocket" or "sse"
	StreamMaxBackoffSeconds int    `yaml:"stream_max_backoff_seconds"`
}

// TrailingConfig holds trailing-stop order defaults.
type TrailingConfig struct {
	DefaultPercent float64 `yaml:"default_percent"`
	BuyTIF         string  `yaml:"buy_tif"`
	SellTIF        string  `yaml:"sell_tif"`
}

// AutoProtectConfig controls automatic protective orders after entry fills.
type AutoProtectConfig struct {
	Enabled    bool     `yaml:"enabled"`
	OrderTypes []string `yaml:"order_types"`
}

// Metrics configures the Prometheus endpoint; an empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Bus kinds.
const (
	BusSQLite = "sqlite"
	BusGRPC   = "grpc"
	BusMemory = "memory"
)

// Broker kinds.
const (
	BrokerAlpaca    = "alpaca"
	BrokerSimulator = "simulator"
)

// Stream transports.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// ---------------------------------------------------------------------------
// Defaults and derived values
// ---------------------------------------------------------------------------

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		ProfileID: "default",
		Storage: Storage{
			SQLitePath: "data/engine.db",
		},
		Alpaca: Alpaca{
			Paper:           true,
			RateLimitPerMin: 200,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Bus: Bus{
			Kind:           BusSQLite,
			GRPCAddr:       "127.0.0.1:7601",
			PollIntervalMS: 1000,
		},
		Engine: EngineConfig{
			Broker:                  BrokerAlpaca,
			PollIntervalSeconds:     10,
			SyncMinIntervalSeconds:  3,
			EnableTradeStream:       true,
			StreamTransport:         TransportWebSocket,
			StreamMaxBackoffSeconds: 30,
		},
		Trailing: TrailingConfig{
			DefaultPercent: 2.0,
			BuyTIF:         "day",
			SellTIF:        "gtc",
		},
		AutoProtect: AutoProtectConfig{
			Enabled:    true,
			OrderTypes: []string{domain.OrderTypeMarket},
		},
	}
}

// PollInterval is the position sync poll interval.
func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

// SyncMinInterval is the minimum spacing between two position syncs.
func (e EngineConfig) SyncMinInterval() time.Duration {
	return time.Duration(e.SyncMinIntervalSeconds) * time.Second
}

// StreamMaxBackoff caps the trade stream reconnect delay.
func (e EngineConfig) StreamMaxBackoff() time.Duration {
	return time.Duration(e.StreamMaxBackoffSeconds) * time.Second
}

// PollInterval is the SQLite bus polling interval.
func (b Bus) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMS) * time.Millisecond
}

// BusSQLitePath returns the SQLite file backing the command bus, which
// defaults to the state store database.
func (c *Config) BusSQLitePath() string {
	if c.Bus.SQLitePath != "" {
		return c.Bus.SQLitePath
	}
	return c.Storage.SQLitePath
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Alpaca trading endpoints selected by Alpaca.Paper.
const (
	PaperBaseURL = "https://paper-api.alpaca.markets"
	LiveBaseURL  = "https://api.alpaca.markets"
)

// Load reads the YAML configuration file at path over the defaults, loads a
// .env file from the working directory if present, applies environment
// variable overrides and validates the result. A missing config file is not
// an error: the engine can run from environment variables alone.
func Load(path string) (*Config, error) {
	return load(path, (*Config).Validate)
}

// LoadClient is Load for processes that only talk to the command bus and
// the state store. Broker credentials are not required.
func LoadClient(path string) (*Config, error) {
	return load(path, (*Config).ValidateClient)
}

func load(path string, validate func(*Config) error) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
			}
		}
	}
	var errs []error
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str(&cfg.ProfileID, "ENGINE_PROFILE_ID")
	str(&cfg.Storage.DataDir, "DATA_DIR")
	str(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	str(&cfg.Logging.Level, "LOG_LEVEL")
	str(&cfg.Logging.File, "LOG_FILE")
	str(&cfg.Bus.Kind, "TRAILGUARD_BUS")
	str(&cfg.Bus.GRPCAddr, "TRAILGUARD_BUS_GRPC_ADDR")
	str(&cfg.Metrics.Addr, "METRICS_ADDR")

	// Standard Alpaca env vars come last so they win over ALPACA_*.
	str(&cfg.Alpaca.APIKey, "ALPACA_API_KEY", "APCA_API_KEY_ID")
	str(&cfg.Alpaca.APISecret, "ALPACA_API_SECRET", "APCA_API_SECRET_KEY")
	str(&cfg.Alpaca.BaseURL, "ALPACA_TRADING_BASE_URL", "APCA_API_BASE_URL")
	str(&cfg.Alpaca.StreamURL, "ALPACA_STREAM_URL")
	flag(&cfg.Alpaca.Paper, "ALPACA_PAPER_TRADING")

	str(&cfg.Engine.Broker, "ENGINE_BROKER")
	num(&cfg.Engine.PollIntervalSeconds, "ENGINE_POLL_INTERVAL_SECONDS")
	num(&cfg.Engine.SyncMinIntervalSeconds, "ENGINE_SYNC_MIN_INTERVAL_SECONDS")
	flag(&cfg.Engine.EnableTradeStream, "ENGINE_ENABLE_TRADING_WS")
	str(&cfg.Engine.StreamTransport, "ENGINE_TRADING_STREAM_TRANSPORT")
	num(&cfg.Engine.StreamMaxBackoffSeconds, "ENGINE_TRADING_WS_MAX_BACKOFF_SECONDS")

	if v := os.Getenv("ENGINE_TRAILING_DEFAULT_PERCENT"); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ENGINE_TRAILING_DEFAULT_PERCENT: %w", err))
		} else {
			cfg.Trailing.DefaultPercent = f
		}
	}
	str(&cfg.Trailing.BuyTIF, "ENGINE_TRAILING_BUY_TIF")
	str(&cfg.Trailing.SellTIF, "ENGINE_TRAILING_SELL_TIF")

	flag(&cfg.AutoProtect.Enabled, "ENGINE_AUTO_PROTECT_ENABLED")
	if v := os.Getenv("ENGINE_AUTO_PROTECT_ORDER_TYPES"); v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		cfg.AutoProtect.OrderTypes = types
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(errs...))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports every invalid setting at once. It also normalizes enum
// spellings (case, order type names) and fills derived endpoints in place.
func (c *Config) Validate() error {
	return c.validate(true)
}

// ValidateClient is Validate without the broker credential requirement.
func (c *Config) ValidateClient() error {
	return c.validate(false)
}

func (c *Config) validate(needCredentials bool) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c.ProfileID = strings.TrimSpace(c.ProfileID)
	if c.ProfileID == "" {
		fail("profile_id is required")
	}
	if c.Storage.SQLitePath == "" {
		fail("storage.sqlite_path is required")
	}

	if c.Alpaca.BaseURL == "" {
		c.Alpaca.BaseURL = LiveBaseURL
		if c.Alpaca.Paper {
			c.Alpaca.BaseURL = PaperBaseURL
		}
	}

	c.Engine.Broker = strings.ToLower(c.Engine.Broker)
	switch c.Engine.Broker {
	case BrokerAlpaca:
		if needCredentials && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
			fail("alpaca.api_key and alpaca.api_secret are required for the alpaca broker")
		}
		if c.Alpaca.RateLimitPerMin <= 0 {
			fail("alpaca.rate_limit_per_min must be positive")
		}
	case BrokerSimulator:
	default:
		fail("engine.broker %q: want %q or %q", c.Engine.Broker, BrokerAlpaca, BrokerSimulator)
	}

	if c.Engine.PollIntervalSeconds <= 0 {
		fail("engine.poll_interval_seconds must be positive")
	}
	if c.Engine.SyncMinIntervalSeconds < 0 {
		fail("engine.sync_min_interval_seconds must not be negative")
	}
	if c.Engine.StreamMaxBackoffSeconds < 1 {
		fail("engine.stream_max_backoff_seconds must be at least 1")
	}
	c.Engine.StreamTransport = strings.ToLower(c.Engine.StreamTransport)
	if c.Engine.StreamTransport != TransportWebSocket && c.Engine.StreamTransport != TransportSSE {
		fail("engine.stream_transport %q: want %q or %q", c.Engine.StreamTransport, TransportWebSocket, TransportSSE)
	}

	if c.Trailing.DefaultPercent <= 0 {
		fail("trailing.default_percent must be positive")
	}
	if _, err := domain.ParseTimeInForce(c.Trailing.BuyTIF); err != nil {
		fail("trailing.buy_tif: %v", err)
	}
	if _, err := domain.ParseTimeInForce(c.Trailing.SellTIF); err != nil {
		fail("trailing.sell_tif: %v", err)
	}
	for i, t := range c.AutoProtect.OrderTypes {
		c.AutoProtect.OrderTypes[i] = domain.NormalizeEnum(t)
	}

	c.Bus.Kind = strings.ToLower(c.Bus.Kind)
	switch c.Bus.Kind {
	case BusSQLite:
		if c.Bus.PollIntervalMS <= 0 {
			fail("bus.poll_interval_ms must be positive")
		}
	case BusGRPC:
		if c.Bus.GRPCAddr == "" {
			fail("bus.grpc_addr is required for the grpc bus")
		}
	case BusMemory:
	default:
		fail("bus.kind %q: want %q, %q or %q", c.Bus.Kind, BusSQLite, BusGRPC, BusMemory)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
