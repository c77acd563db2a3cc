package optimize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"tradecore/internal/domain"
	"tradecore/internal/strategy"
)

// Runner runs one backtest over preloaded bars. *strategy.Backtester
// implements it.
type Runner interface {
	RunBars(ctx context.Context, cfg strategy.BacktestConfig, bars []domain.Bar) (*strategy.BacktestResult, error)
}

// Result is the outcome of one combination. A failed run keeps its error
// here instead of failing the sweep.
type Result struct {
	Index    int
	Params   map[string]any
	Backtest *strategy.BacktestResult
	Err      error
}

// ProgressFunc is called once per finished combination from a single
// goroutine, with done counting up to total.
type ProgressFunc func(done, total int, r Result)

// Sweep runs a base backtest config once per grid combination.
type Sweep struct {
	runner   Runner
	workers  int
	progress ProgressFunc
	log      *slog.Logger
}

// SweepOption configures a Sweep.
type SweepOption func(*Sweep)

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) SweepOption {
	return func(s *Sweep) { s.progress = fn }
}

// NewSweep creates a Sweep running at most workers backtests at a time.
func NewSweep(runner Runner, workers int, log *slog.Logger, opts ...SweepOption) *Sweep {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Sweep{
		runner:  runner,
		workers: workers,
		log:     log.With("component", "sweep"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run backtests every combination over bars and returns one result per
// combination, ordered by index. Combination params override base.Params.
//
// Canceling ctx stops handing out new combinations; runs already started
// finish. Combinations that never ran carry the context error, which Run
// also returns.
func (s *Sweep) Run(ctx context.Context, base strategy.BacktestConfig, bars []domain.Bar, combos []Combination) ([]Result, error) {
	total := len(combos)
	results := make(chan Result, s.workers)
	out := make([]Result, total)
	for i, c := range combos {
		out[i] = Result{Index: c.Index, Params: c.Params}
	}
	pos := make(map[int]int, total)
	for i, c := range combos {
		pos[c.Index] = i
	}

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		done := 0
		for r := range results {
			out[pos[r.Index]] = r
			done++
			if s.progress != nil {
				s.progress(done, total, r)
			}
		}
	}()

	// In-flight runs are not canceled with ctx.
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(s.workers)
	started := 0
	var skipped atomic.Int32
	for _, c := range combos {
		if ctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			// g.Go may have waited for a slot past cancellation.
			if err := ctx.Err(); err != nil {
				skipped.Add(1)
				results <- Result{Index: c.Index, Params: c.Params, Err: err}
				return nil
			}
			cfg := base
			cfg.Params = mergeParams(base.Params, c.Params)
			res, err := s.runner.RunBars(runCtx, cfg, bars)
			results <- Result{Index: c.Index, Params: c.Params, Backtest: res, Err: err}
			return nil
		})
	}
	g.Wait()
	close(results)
	<-collected

	if started < total || skipped.Load() > 0 {
		err := ctx.Err()
		for i := started; i < total; i++ {
			out[i].Err = err
		}
		s.log.Info("sweep canceled", "ran", started-int(skipped.Load()), "total", total)
		return out, err
	}
	failed := 0
	for _, r := range out {
		if r.Err != nil {
			failed++
		}
	}
	s.log.Info("sweep done", "total", total, "failed", failed, "workers", s.workers)
	return out, nil
}

func mergeParams(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}

// ---------------------------------------------------------------------------
// Ranking
// ---------------------------------------------------------------------------

// Metrics lists the names accepted by Metric and Rank.
var Metrics = []string{"total_return", "sharpe_ratio", "profit_factor", "win_rate", "final_equity", "max_drawdown"}

// ErrUnknownMetric is returned for a metric name not in Metrics.
var ErrUnknownMetric = errors.New("optimize: unknown metric")

// Metric extracts a named metric from r, oriented so that larger is better
// (max_drawdown is negated).
func Metric(r *strategy.BacktestResult, name string) (float64, error) {
	switch name {
	case "total_return":
		return r.TotalReturn, nil
	case "sharpe_ratio":
		return r.SharpeRatio, nil
	case "profit_factor":
		return r.ProfitFactor, nil
	case "win_rate":
		return r.WinRate, nil
	case "final_equity":
		return r.FinalEquity, nil
	case "max_drawdown":
		return -r.MaxDrawdown, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
}

// Rank returns the successful results sorted best first by metric. Ties
// keep index order.
func Rank(results []Result, metric string) ([]Result, error) {
	if _, err := Metric(&strategy.BacktestResult{}, metric); err != nil {
		return nil, err
	}
	var ok []Result
	for _, r := range results {
		if r.Err == nil && r.Backtest != nil {
			ok = append(ok, r)
		}
	}
	score := func(r Result) float64 {
		v, _ := Metric(r.Backtest, metric)
		return v
	}
	sort.SliceStable(ok, func(i, j int) bool { return score(ok[i]) > score(ok[j]) })
	return ok, nil
}
