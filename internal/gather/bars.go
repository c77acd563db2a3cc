package gather

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tradecore/internal/feed"
	"tradecore/internal/store"
)

var _ Gatherer = (*BarBackfill)(nil)

// BarBackfill downloads bars for a list of symbols into a BarStore. A
// symbol that already has bars resumes after its newest stored bar.
type BarBackfill struct {
	fetcher feed.Fetcher
	store   store.BarStore
	market  string
	symbols []string
	since   time.Time
	workers int
	now     func() time.Time
	log     *slog.Logger
}

// NewBarBackfill creates a backfill of symbols from since, running at most
// workers fetches at a time.
func NewBarBackfill(fetcher feed.Fetcher, bars store.BarStore, market string, symbols []string, since time.Time, workers int, log *slog.Logger) *BarBackfill {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}
	return &BarBackfill{
		fetcher: fetcher,
		store:   bars,
		market:  market,
		symbols: upper,
		since:   since,
		workers: workers,
		now:     time.Now,
		log:     log.With("gatherer", "bars", "market", market),
	}
}

// Name returns the gatherer identifier.
func (g *BarBackfill) Name() string { return "bars-" + g.market }

// Run fetches every symbol. A failing symbol is logged and skipped; Run
// reports how many failed once the rest are done.
func (g *BarBackfill) Run(ctx context.Context) error {
	var (
		written atomic.Int64
		failed  atomic.Int64
		start   = time.Now()
	)
	g.log.Info("backfill starting", "symbols", len(g.symbols), "since", g.since.Format(time.DateOnly), "workers", g.workers)

	var eg errgroup.Group
	eg.SetLimit(g.workers)
	for _, sym := range g.symbols {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			n, err := g.symbol(ctx, sym)
			if err != nil {
				failed.Add(1)
				g.log.Error("symbol failed", "symbol", sym, "error", err)
				return nil
			}
			written.Add(int64(n))
			g.log.Debug("symbol done", "symbol", sym, "bars", n)
			return nil
		})
	}
	eg.Wait()

	g.log.Info("backfill done",
		"symbols", len(g.symbols),
		"bars", written.Load(),
		"failed", failed.Load(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("backfill: %d of %d symbols failed", n, len(g.symbols))
	}
	return nil
}

func (g *BarBackfill) symbol(ctx context.Context, sym string) (int, error) {
	stored, err := g.store.ReadBars(ctx, sym, g.market, g.since, g.now())
	if err != nil {
		return 0, fmt.Errorf("reading stored bars: %w", err)
	}
	// Fetchers return bars stamped strictly after their since argument.
	after := g.since.Add(-time.Nanosecond)
	if n := len(stored); n > 0 {
		after = stored[n-1].Timestamp
	}

	bars, err := g.fetcher.Fetch(ctx, sym, after)
	if err != nil {
		return 0, fmt.Errorf("fetching: %w", err)
	}
	fresh := bars[:0]
	for _, b := range bars {
		if b.Timestamp.After(after) {
			b.Symbol = sym
			fresh = append(fresh, b)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := g.store.WriteBars(ctx, g.market, fresh); err != nil {
		return 0, fmt.Errorf("writing: %w", err)
	}
	return len(fresh), nil
}
