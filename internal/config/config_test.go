package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// clearEnv blanks every supported override for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL",
		"ALPACA_DATA_URL", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/tradecore/data"
  sqlite_path: "/tmp/tradecore/runs.db"
server:
  host: "0.0.0.0"
  grpc_port: 9191
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://api.alpaca.markets"
  feed: "sip"
logging:
  level: "debug"
  format: "json"
account:
  cash: 50000
  leverage: 2
  risk_fraction: 0.05
  commission_rate: 0.001
  max_position_pct: 0.1
  max_daily_loss_pct: 0.02
backtest:
  strategy: "sma-cross"
  symbol: "AAPL"
  start: "2024-01-02"
  end: "2024-06-28"
  params:
    fast: 5
    slow: 20
sweep:
  workers: 4
  grid:
    fast: [3, 5, 8]
    slow: [20, 50]
live:
  broker: "alpaca"
  symbol: "SPY"
  strategy: "sma-cross"
  tick: 30s
  warmup: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tradecore/data", cfg.Storage.DataDir)
	assert.Equal(t, "/tmp/tradecore/runs.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "0.0.0.0:9191", cfg.Server.Addr())
	assert.Equal(t, "test-key", cfg.Alpaca.APIKey)
	assert.Equal(t, "sip", cfg.Alpaca.Feed)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 50000.0, cfg.Account.Cash)
	assert.Equal(t, 2.0, cfg.Account.Leverage)
	assert.Equal(t, 0.05, cfg.Account.RiskFraction)
	assert.Equal(t, 0.001, cfg.Account.CommissionRate)

	assert.Equal(t, "sma-cross", cfg.Backtest.Strategy)
	assert.Equal(t, 5, cfg.Backtest.Params["fast"])
	start, end, err := cfg.Backtest.Range()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 28, 23, 59, 59, 999_000_000, time.UTC), end)

	assert.Equal(t, 4, cfg.Sweep.Workers)
	assert.Equal(t, []any{3, 5, 8}, cfg.Sweep.Grid["fast"])

	assert.Equal(t, "alpaca", cfg.Live.Broker)
	assert.Equal(t, 30*time.Second, cfg.Live.Tick)
	assert.Equal(t, 50, cfg.Live.Warmup)
	require.NoError(t, cfg.ValidateLive())
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join("data", "tradecore.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, "daily", cfg.Storage.Timeframe)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, 10000.0, cfg.Account.Cash)
	assert.Equal(t, 1.0, cfg.Account.Leverage)
	assert.Equal(t, 0.01, cfg.Account.RiskFraction)
	assert.Equal(t, 1, cfg.Sweep.Workers)
	assert.Equal(t, time.Minute, cfg.Live.Tick)
	assert.Equal(t, 3, cfg.Live.RetryAttempts)
	assert.Equal(t, "paper", cfg.Live.Broker)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
logging:
  level: "info"
`)
	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Alpaca.APIKey)
	assert.Equal(t, "yaml-secret", cfg.Alpaca.APISecret, "unset variables keep file values")
	assert.Equal(t, "/env/data", cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join("/env/data", "tradecore.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// The SDK's canonical names win.
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	t.Setenv("APCA_API_SECRET_KEY", "apca-secret")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "apca-key", cfg.Alpaca.APIKey)
	assert.Equal(t, "apca-secret", cfg.Alpaca.APISecret)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "live: [not, a, map]"))
	require.Error(t, err)
}

func TestBacktestRange(t *testing.T) {
	_, _, err := Backtest{}.Range()
	require.Error(t, err)

	_, _, err = Backtest{Start: "01/02/2024"}.Range()
	require.Error(t, err)

	start, end, err := Backtest{Start: "2024-01-02"}.Range()
	require.NoError(t, err)
	assert.True(t, end.After(start))
}

func TestValidateLive(t *testing.T) {
	cfg := &Config{}
	cfg.Defaults()
	err := cfg.ValidateLive()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live.symbol")
	assert.Contains(t, err.Error(), "live.strategy")

	cfg.Live.Symbol, cfg.Live.Strategy = "SPY", "sma-cross"
	require.NoError(t, cfg.ValidateLive())

	cfg.Live.Broker = "alpaca"
	require.Error(t, cfg.ValidateLive())

	cfg.Live.Broker = "ib"
	require.ErrorContains(t, cfg.ValidateLive(), "unknown broker")
}
