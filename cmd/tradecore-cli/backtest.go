package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli"

	"tradecore/internal/api"
	"tradecore/internal/config"
	"tradecore/internal/optimize"
	"tradecore/internal/strategy"
	"tradecore/pkg/tradecore"
)

var runFlags = []cli.Flag{
	cli.StringFlag{Name: "strategy, s", Usage: "strategy name (default from config)"},
	cli.StringFlag{Name: "symbol", Usage: "symbol to backtest (default from config)"},
	cli.StringFlag{Name: "market", Usage: "market of the symbol (default from config)"},
	cli.StringFlag{Name: "start", Usage: "first day, YYYY-MM-DD"},
	cli.StringFlag{Name: "end", Usage: "last day, YYYY-MM-DD; empty means today"},
	cli.StringSliceFlag{Name: "param, p", Usage: "strategy parameter key=value, repeatable"},
	cli.Float64Flag{Name: "cash", Usage: "starting cash (default from config)"},
	cli.BoolFlag{Name: "forex", Usage: "scale P&L by the standard forex lot"},
	cli.BoolFlag{Name: "record", Usage: "save runs to the SQLite store"},
	cli.StringFlag{Name: "remote", Usage: "run on a tradecore-server at host:port instead of locally"},
}

var backtestCMD = cli.Command{
	Name:   "backtest",
	Usage:  "backtest a strategy over stored bars",
	Flags:  runFlags,
	Action: backtestAction,
}

var sweepCMD = cli.Command{
	Name:  "sweep",
	Usage: "backtest every combination of a parameter grid",
	Flags: append([]cli.Flag{
		cli.StringSliceFlag{Name: "grid, g", Usage: "grid axis key=v1,v2,..., repeatable (default from config)"},
		cli.IntFlag{Name: "workers, w", Usage: "parallel backtests (default from config)"},
		cli.StringFlag{Name: "metric, m", Usage: "rank by " + strings.Join(optimize.Metrics, "|")},
		cli.IntFlag{Name: "top", Usage: "print only the best n ranked results"},
	}, runFlags...),
	Action: sweepAction,
}

// runRequest merges the command flags over the config's backtest section.
func runRequest(c *cli.Context, cfg *config.Config) (tradecore.RunRequest, error) {
	b := cfg.Backtest
	pick := func(flag, def string) string {
		if v := c.String(flag); v != "" {
			return v
		}
		return def
	}
	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return tradecore.RunRequest{}, err
	}
	merged := make(map[string]any, len(b.Params)+len(params))
	maps.Copy(merged, b.Params)
	maps.Copy(merged, params)

	req := tradecore.RunRequest{
		Strategy: pick("strategy", b.Strategy),
		Symbol:   strings.ToUpper(pick("symbol", b.Symbol)),
		Market:   pick("market", b.Market),
		Start:    pick("start", b.Start),
		End:      pick("end", b.End),
		Params:   merged,
		Cash:     c.Float64("cash"),
		Forex:    c.Bool("forex") || b.Forex,
		Record:   c.Bool("record") || b.Record,
	}
	if req.Strategy == "" || req.Symbol == "" {
		return req, errors.New("--strategy and --symbol are required")
	}
	return req, nil
}

// localConfig turns a request into a BacktestConfig for the local engine.
func localConfig(req tradecore.RunRequest, cfg *config.Config) (strategy.BacktestConfig, error) {
	start, end, err := config.Backtest{Start: req.Start, End: req.End}.Range()
	if err != nil {
		return strategy.BacktestConfig{}, err
	}
	acct := cfg.Account
	if req.Cash > 0 {
		acct.Cash = req.Cash
	}
	return strategy.BacktestConfig{
		Strategy: req.Strategy,
		Params:   req.Params,
		Symbol:   req.Symbol,
		Market:   req.Market,
		Start:    start,
		End:      end,
		Account:  acct,
		Forex:    req.Forex,
		Record:   req.Record,
	}, nil
}

func backtestAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	req, err := runRequest(c, e.cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	var sum *tradecore.Summary
	if addr := c.String("remote"); addr != "" {
		client, err := tradecore.Dial(addr)
		if err != nil {
			return err
		}
		defer client.Close()
		if sum, err = client.Run(ctx, req); err != nil {
			return err
		}
	} else {
		bt, closeRuns, err := e.backtester(req.Record)
		if err != nil {
			return err
		}
		defer closeRuns()
		cfg, err := localConfig(req, e.cfg)
		if err != nil {
			return err
		}
		res, err := bt.Run(ctx, cfg)
		if err != nil {
			return err
		}
		sum = api.SummaryOf(res)
	}
	printSummary(os.Stdout, sum)
	return nil
}

func sweepAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	req, err := runRequest(c, e.cfg)
	if err != nil {
		return err
	}
	grid := e.cfg.Sweep.Grid
	if axes := c.StringSlice("grid"); len(axes) > 0 {
		if grid, err = parseGrid(axes); err != nil {
			return err
		}
	}
	if len(grid) == 0 {
		return errors.New("--grid is required")
	}
	workers := c.Int("workers")
	if workers <= 0 {
		workers = e.cfg.Sweep.Workers
	}
	sreq := tradecore.SweepRequest{
		RunRequest: req,
		Grid:       grid,
		Workers:    workers,
		Metric:     c.String("metric"),
		Top:        c.Int("top"),
	}

	ctx, cancel := signalContext()
	defer cancel()

	var resp *tradecore.SweepResponse
	if addr := c.String("remote"); addr != "" {
		client, err := tradecore.Dial(addr)
		if err != nil {
			return err
		}
		defer client.Close()
		if resp, err = client.Sweep(ctx, sreq); err != nil {
			return err
		}
	} else {
		if resp, err = e.sweep(ctx, sreq); err != nil {
			return err
		}
	}
	printSweep(os.Stdout, resp)
	return nil
}

func (e *env) sweep(ctx context.Context, req tradecore.SweepRequest) (*tradecore.SweepResponse, error) {
	bt, closeRuns, err := e.backtester(req.Record)
	if err != nil {
		return nil, err
	}
	defer closeRuns()
	cfg, err := localConfig(req.RunRequest, e.cfg)
	if err != nil {
		return nil, err
	}
	combos, err := optimize.Grid(req.Grid)
	if err != nil {
		return nil, err
	}
	bars, err := bt.LoadBars(ctx, cfg)
	if err != nil {
		return nil, err
	}

	progress := optimize.WithProgress(func(done, total int, r optimize.Result) {
		fmt.Fprintf(os.Stderr, "\r[%d/%d]", done, total)
		if done == total {
			fmt.Fprintln(os.Stderr)
		}
	})
	results, err := optimize.NewSweep(bt, req.Workers, e.log, progress).Run(ctx, cfg, bars, combos)
	if err != nil {
		return nil, err
	}

	resp := &tradecore.SweepResponse{Total: len(results), Metric: req.Metric}
	for _, r := range results {
		if r.Err != nil {
			resp.Failed++
		}
	}
	if req.Metric != "" {
		if results, err = optimize.Rank(results, req.Metric); err != nil {
			return nil, err
		}
		if req.Top > 0 && len(results) > req.Top {
			results = results[:req.Top]
		}
	}
	for _, r := range results {
		entry := tradecore.SweepEntry{Index: r.Index, Params: r.Params}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		} else {
			entry.Summary = api.SummaryOf(r.Backtest)
		}
		resp.Results = append(resp.Results, entry)
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printSummary(w io.Writer, s *tradecore.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	fmt.Fprintf(tw, "strategy\t%s %s\n", s.Strategy, formatParams(s.Params))
	fmt.Fprintf(tw, "symbol\t%s\n", s.Symbol)
	fmt.Fprintf(tw, "period\t%s .. %s (%d bars)\n", s.Start.Format("2006-01-02"), s.End.Format("2006-01-02"), s.Bars)
	fmt.Fprintf(tw, "equity\t%.2f -> %.2f\n", s.InitialCash, s.FinalEquity)
	fmt.Fprintf(tw, "return\t%.2f%%\n", s.TotalReturn*100)
	fmt.Fprintf(tw, "sharpe\t%.3f\n", s.SharpeRatio)
	fmt.Fprintf(tw, "max drawdown\t%.2f%%\n", s.MaxDrawdown*100)
	fmt.Fprintf(tw, "trades\t%d (win rate %.1f%%, profit factor %.2f)\n", s.TotalTrades, s.WinRate*100, s.ProfitFactor)
	if s.Stopped != "" {
		fmt.Fprintf(tw, "stopped\t%s\n", s.Stopped)
	}
}

func printSweep(w io.Writer, resp *tradecore.SweepResponse) {
	fmt.Fprintf(w, "%d combinations, %d failed", resp.Total, resp.Failed)
	if resp.Metric != "" {
		fmt.Fprintf(w, ", ranked by %s", resp.Metric)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "#\tparams\treturn\tsharpe\tdrawdown\ttrades\twin rate")
	for _, r := range resp.Results {
		if r.Summary == nil {
			fmt.Fprintf(tw, "%d\t%s\terror: %s\n", r.Index, formatParams(r.Params), r.Error)
			continue
		}
		s := r.Summary
		fmt.Fprintf(tw, "%d\t%s\t%.2f%%\t%.3f\t%.2f%%\t%d\t%.1f%%\n",
			r.Index, formatParams(r.Params), s.TotalReturn*100, s.SharpeRatio, s.MaxDrawdown*100, s.TotalTrades, s.WinRate*100)
	}
}

func formatParams(params map[string]any) string {
	keys := slices.Sorted(maps.Keys(params))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return strings.Join(parts, " ")
}
