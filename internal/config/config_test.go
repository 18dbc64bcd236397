package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load consults so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENGINE_PROFILE_ID", "DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "LOG_FILE",
		"TRAILGUARD_BUS", "TRAILGUARD_BUS_GRPC_ADDR", "METRICS_ADDR",
		"ALPACA_API_KEY", "APCA_API_KEY_ID", "ALPACA_API_SECRET", "APCA_API_SECRET_KEY",
		"ALPACA_TRADING_BASE_URL", "APCA_API_BASE_URL", "ALPACA_STREAM_URL", "ALPACA_PAPER_TRADING",
		"ENGINE_BROKER", "ENGINE_POLL_INTERVAL_SECONDS", "ENGINE_SYNC_MIN_INTERVAL_SECONDS",
		"ENGINE_ENABLE_TRADING_WS", "ENGINE_TRADING_STREAM_TRANSPORT", "ENGINE_TRADING_WS_MAX_BACKOFF_SECONDS",
		"ENGINE_TRAILING_DEFAULT_PERCENT", "ENGINE_TRAILING_BUY_TIF", "ENGINE_TRAILING_SELL_TIF",
		"ENGINE_AUTO_PROTECT_ENABLED", "ENGINE_AUTO_PROTECT_ORDER_TYPES",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trailguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoadFromYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
profile_id: "swing"
storage:
  data_dir: "/tmp/trailguard/data"
  sqlite_path: "/tmp/trailguard/engine.db"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
logging:
  level: "debug"
  format: "text"
engine:
  poll_interval_seconds: 15
  sync_min_interval_seconds: 5
  stream_transport: "SSE"
trailing:
  default_percent: 3.5
  sell_tif: "day"
auto_protect:
  order_types: ["OrderType.MARKET", "limit"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ProfileID != "swing" {
		t.Errorf("ProfileID = %q, want %q", cfg.ProfileID, "swing")
	}
	if cfg.Storage.SQLitePath != "/tmp/trailguard/engine.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.BusSQLitePath() != cfg.Storage.SQLitePath {
		t.Errorf("BusSQLitePath() = %q, want the state store path", cfg.BusSQLitePath())
	}
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.APISecret != "test-secret" {
		t.Errorf("Alpaca credentials = %q/%q", cfg.Alpaca.APIKey, cfg.Alpaca.APISecret)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if got := cfg.Engine.PollInterval(); got != 15*time.Second {
		t.Errorf("PollInterval() = %v, want 15s", got)
	}
	if got := cfg.Engine.SyncMinInterval(); got != 5*time.Second {
		t.Errorf("SyncMinInterval() = %v, want 5s", got)
	}
	if cfg.Engine.StreamTransport != TransportSSE {
		t.Errorf("StreamTransport = %q, want %q", cfg.Engine.StreamTransport, TransportSSE)
	}
	if cfg.Trailing.DefaultPercent != 3.5 || cfg.Trailing.SellTIF != "day" {
		t.Errorf("Trailing = %+v", cfg.Trailing)
	}
	// Unset keys keep their defaults.
	if cfg.Trailing.BuyTIF != "day" {
		t.Errorf("Trailing.BuyTIF = %q, want default %q", cfg.Trailing.BuyTIF, "day")
	}
	if cfg.Engine.StreamMaxBackoff() != 30*time.Second {
		t.Errorf("StreamMaxBackoff() = %v, want 30s", cfg.Engine.StreamMaxBackoff())
	}
	if got := strings.Join(cfg.AutoProtect.OrderTypes, ","); got != "market,limit" {
		t.Errorf("AutoProtect.OrderTypes = %q, want %q", got, "market,limit")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("ENGINE_ENABLE_TRADING_WS", "false")
	t.Setenv("ENGINE_AUTO_PROTECT_ORDER_TYPES", "market, limit")
	t.Setenv("ENGINE_TRAILING_DEFAULT_PERCENT", "1.25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Engine.EnableTradeStream {
		t.Error("Engine.EnableTradeStream = true, want false (env override)")
	}
	if len(cfg.AutoProtect.OrderTypes) != 2 || cfg.AutoProtect.OrderTypes[1] != "limit" {
		t.Errorf("AutoProtect.OrderTypes = %v", cfg.AutoProtect.OrderTypes)
	}
	if cfg.Trailing.DefaultPercent != 1.25 {
		t.Errorf("Trailing.DefaultPercent = %v, want 1.25", cfg.Trailing.DefaultPercent)
	}
}

func TestLoadStandardAlpacaVarsWin(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALPACA_API_KEY", "legacy")
	t.Setenv("APCA_API_KEY_ID", "standard")
	t.Setenv("APCA_API_SECRET_KEY", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() without a config file: %v", err)
	}
	if cfg.Alpaca.APIKey != "standard" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "standard")
	}
	if cfg.ProfileID != "default" {
		t.Errorf("ProfileID = %q, want %q", cfg.ProfileID, "default")
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGINE_BROKER", "simulator")
	t.Setenv("ENGINE_POLL_INTERVAL_SECONDS", "ten")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() with a non-numeric interval should fail")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Engine.Broker = BrokerSimulator
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on simulator defaults: %v", err)
	}

	cases := map[string]func(c *Config){
		"missing credentials": func(c *Config) { c.Engine.Broker = BrokerAlpaca },
		"blank profile":       func(c *Config) { c.ProfileID = "  " },
		"bad tif":             func(c *Config) { c.Trailing.BuyTIF = "ioc" },
		"zero trail":          func(c *Config) { c.Trailing.DefaultPercent = 0 },
		"unknown bus":         func(c *Config) { c.Bus.Kind = "redis" },
		"unknown transport":   func(c *Config) { c.Engine.StreamTransport = "poll" },
		"zero backoff cap":    func(c *Config) { c.Engine.StreamMaxBackoffSeconds = 0 },
	}
	for name, mutate := range cases {
		c := Default()
		c.Engine.Broker = BrokerSimulator
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: Validate() returned nil, want error", name)
		}
	}
}

func TestLoadClientWithoutCredentials(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "profile_id: paper\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() without alpaca credentials should fail")
	}
	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.ProfileID != "paper" {
		t.Errorf("ProfileID = %q, want %q", cfg.ProfileID, "paper")
	}

	c := Default()
	c.Bus.Kind = "redis"
	if err := c.ValidateClient(); err == nil {
		t.Error("ValidateClient() accepted an unknown bus kind")
	}
}

func TestPaperSelectsBaseURL(t *testing.T) {
	tests := []struct {
		name  string
		paper bool
		base  string
		want  string
	}{
		{"paper default", true, "", PaperBaseURL},
		{"live default", false, "", LiveBaseURL},
		{"explicit wins", false, "http://localhost:8080", "http://localhost:8080"},
	}
	for _, tt := range tests {
		c := Default()
		c.Engine.Broker = BrokerSimulator
		c.Alpaca.Paper = tt.paper
		c.Alpaca.BaseURL = tt.base
		if err := c.Validate(); err != nil {
			t.Fatalf("%s: Validate() error = %v", tt.name, err)
		}
		if c.Alpaca.BaseURL != tt.want {
			t.Errorf("%s: BaseURL = %q, want %q", tt.name, c.Alpaca.BaseURL, tt.want)
		}
	}

	clearEnv(t)
	t.Setenv("ALPACA_PAPER_TRADING", "false")
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.Alpaca.BaseURL != LiveBaseURL {
		t.Errorf("BaseURL with ALPACA_PAPER_TRADING=false = %q, want %q", cfg.Alpaca.BaseURL, LiveBaseURL)
	}
}
