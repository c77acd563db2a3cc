// Package config loads the YAML configuration of the tradecore binaries and
// applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"tradecore/internal/account"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Account  account.Config `yaml:"account"`
	Backtest Backtest       `yaml:"backtest"`
	Sweep    Sweep          `yaml:"sweep"`
	Live     Live           `yaml:"live"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// Timeframe is the bar directory read by backtests, e.g. "daily".
	Timeframe string `yaml:"timeframe"`
}

// Server holds the gRPC listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr returns the host:port the gRPC server listens on.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.GRPCPort))
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backtest names the default strategy run by the CLI and server.
type Backtest struct {
	Strategy string         `yaml:"strategy"`
	Symbol   string         `yaml:"symbol"`
	Market   string         `yaml:"market"`
	Start    string         `yaml:"start"` // YYYY-MM-DD
	End      string         `yaml:"end"`   // YYYY-MM-DD
	Params   map[string]any `yaml:"params"`
	Forex    bool           `yaml:"forex"`
	// Record persists every run to the SQLite store.
	Record bool `yaml:"record"`
}

// Range parses Start and End. An empty End means today.
func (b Backtest) Range() (start, end time.Time, err error) {
	if b.Start == "" {
		return start, end, errors.New("config: backtest start date is required")
	}
	start, err = time.Parse(time.DateOnly, b.Start)
	if err != nil {
		return start, end, fmt.Errorf("config: backtest start: %w", err)
	}
	if b.End == "" {
		return start, time.Now().UTC(), nil
	}
	end, err = time.Parse(time.DateOnly, b.End)
	if err != nil {
		return start, end, fmt.Errorf("config: backtest end: %w", err)
	}
	// Inclusive of the whole end day.
	return start, end.Add(24*time.Hour - time.Millisecond), nil
}

// Sweep configures parameter optimization.
type Sweep struct {
	Workers int              `yaml:"workers"`
	Grid    map[string][]any `yaml:"grid"`
}

// Live configures the live and paper trading loop.
type Live struct {
	// Broker is "alpaca" or "paper".
	Broker        string         `yaml:"broker"`
	Strategy      string         `yaml:"strategy"`
	Symbol        string         `yaml:"symbol"`
	Market        string         `yaml:"market"`
	Params        map[string]any `yaml:"params"`
	Tick          time.Duration  `yaml:"tick"`
	Warmup        int            `yaml:"warmup"`
	RetryAttempts int            `yaml:"retry_attempts"`
	RetryDelay    time.Duration  `yaml:"retry_delay"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at path, applies environment
// overrides and fills defaults. An empty path yields defaults plus
// environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	return cfg, nil
}

// envOverrides lists the supported environment variables. Only variables
// that are set replace the file values.
type envOverrides struct {
	DataDir    *string `envconfig:"DATA_DIR"`
	SQLitePath *string `envconfig:"SQLITE_PATH"`

	AlpacaKey     *string `envconfig:"ALPACA_API_KEY"`
	AlpacaSecret  *string `envconfig:"ALPACA_API_SECRET"`
	AlpacaBaseURL *string `envconfig:"ALPACA_BASE_URL"`
	AlpacaDataURL *string `envconfig:"ALPACA_DATA_URL"`
	// Canonical SDK names take precedence over the ALPACA_* ones.
	APCAKeyID     *string `envconfig:"APCA_API_KEY_ID"`
	APCASecretKey *string `envconfig:"APCA_API_SECRET_KEY"`

	LogLevel  *string `envconfig:"LOG_LEVEL"`
	LogFormat *string `envconfig:"LOG_FORMAT"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	set := func(dst *string, v *string) {
		if v != nil && *v != "" {
			*dst = *v
		}
	}
	set(&cfg.Storage.DataDir, env.DataDir)
	set(&cfg.Storage.SQLitePath, env.SQLitePath)
	set(&cfg.Alpaca.APIKey, env.AlpacaKey)
	set(&cfg.Alpaca.APISecret, env.AlpacaSecret)
	set(&cfg.Alpaca.BaseURL, env.AlpacaBaseURL)
	set(&cfg.Alpaca.DataURL, env.AlpacaDataURL)
	set(&cfg.Alpaca.APIKey, env.APCAKeyID)
	set(&cfg.Alpaca.APISecret, env.APCASecretKey)
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Logging.Format, env.LogFormat)
	return nil
}

// Defaults fills every zero value with its default.
func (c *Config) Defaults() {
	def := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	def(&c.Storage.DataDir, "data")
	def(&c.Storage.SQLitePath, filepath.Join(c.Storage.DataDir, "tradecore.db"))
	def(&c.Storage.Timeframe, "daily")
	def(&c.Server.Host, "127.0.0.1")
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9090
	}
	def(&c.Alpaca.BaseURL, "https://paper-api.alpaca.markets")
	def(&c.Alpaca.Feed, "iex")
	if c.Alpaca.RateLimitPerMin == 0 {
		c.Alpaca.RateLimitPerMin = 200
	}
	def(&c.Logging.Level, "info")
	def(&c.Logging.Format, "text")

	if c.Account.Cash == 0 {
		c.Account.Cash = 10000
	}
	if c.Account.Leverage == 0 {
		c.Account.Leverage = 1
	}
	if c.Account.RiskFraction == 0 {
		c.Account.RiskFraction = 0.01
	}

	def(&c.Backtest.Market, "us")
	if c.Sweep.Workers <= 0 {
		c.Sweep.Workers = 1
	}

	def(&c.Live.Broker, "paper")
	def(&c.Live.Market, "us")
	if c.Live.Tick == 0 {
		c.Live.Tick = time.Minute
	}
	if c.Live.RetryAttempts == 0 {
		c.Live.RetryAttempts = 3
	}
	if c.Live.RetryDelay == 0 {
		c.Live.RetryDelay = time.Second
	}
}

// ValidateLive checks the settings the live trader cannot run without.
func (c *Config) ValidateLive() error {
	var errs []error
	if c.Live.Symbol == "" {
		errs = append(errs, errors.New("live.symbol is required"))
	}
	if c.Live.Strategy == "" {
		errs = append(errs, errors.New("live.strategy is required"))
	}
	switch c.Live.Broker {
	case "paper":
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca credentials are required for the alpaca broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Live.Broker))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
