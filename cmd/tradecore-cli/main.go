package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"tradecore/internal/config"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/internal/strategy/builtins"
	"tradecore/internal/util"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "tradecore-cli"
	app.Usage = "backtest, sweep and manage bar data"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the YAML config; empty uses defaults and environment",
			EnvVar: "TRADECORE_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		versionCMD,
		backtestCMD,
		sweepCMD,
		symbolsCMD,
		fetchCMD,
		runsCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCMD = cli.Command{
	Name:  "version",
	Usage: "print the CLI version",
	Action: func(*cli.Context) error {
		fmt.Printf("tradecore-cli %s\n", version)
		return nil
	},
}

// ---------------------------------------------------------------------------
// Shared wiring
// ---------------------------------------------------------------------------

// env is what every command needs.
type env struct {
	cfg *config.Config
	log *slog.Logger
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)
	return &env{cfg: cfg, log: log}, nil
}

func (e *env) bars() *store.ParquetStore {
	return store.NewParquetStore(e.cfg.Storage.DataDir).WithTimeframe(e.cfg.Storage.Timeframe)
}

// backtester builds a local Backtester. With record set, runs are saved to
// the SQLite store; the returned func closes it.
func (e *env) backtester(record bool) (*strategy.Backtester, func(), error) {
	reg := strategy.NewRegistry()
	builtins.Register(reg)

	var opts []strategy.BacktesterOption
	closer := func() {}
	if record {
		runs, err := store.NewSQLiteStore(e.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, strategy.WithRecorder(runs))
		closer = func() { runs.Close() }
	}
	return strategy.NewBacktester(e.bars(), reg, e.log, opts...), closer, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// parseParams turns key=value pairs into a parameter map. Values are
// parsed as YAML scalars, so numbers and booleans keep their type.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", pair)
		}
		v, err := scalar(raw)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// parseGrid turns key=v1,v2,... pairs into a sweep grid.
func parseGrid(pairs []string) (map[string][]any, error) {
	out := make(map[string][]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" || raw == "" {
			return nil, fmt.Errorf("invalid grid axis %q, want key=v1,v2", pair)
		}
		for _, s := range strings.Split(raw, ",") {
			v, err := scalar(s)
			if err != nil {
				return nil, fmt.Errorf("grid %s: %w", key, err)
			}
			out[key] = append(out[key], v)
		}
	}
	return out, nil
}

func scalar(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return nil, err
	}
	return v, nil
}
