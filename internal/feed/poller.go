package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradecore/internal/domain"
	"tradecore/internal/util"
)

// Fetcher loads bars for symbol stamped after since.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, since time.Time) ([]domain.Bar, error)
}

// PollerConfig tunes a Poller.
type PollerConfig struct {
	Symbol string
	// Tick is how long to wait between fetches.
	Tick time.Duration
	// Warmup is how far back Start loads history.
	Warmup time.Duration
	// Calendar, when set, suppresses fetches while the market is closed.
	Calendar      *util.TradingCalendar
	RetryAttempts int
	RetryDelay    time.Duration
}

// Poller is the live feeder. It keeps one series growing with bars fetched
// on a fixed tick and hands them to the loop one at a time.
type Poller struct {
	cfg     PollerConfig
	series  *Series
	fetcher Fetcher
	pending []domain.Bar
	now     func() time.Time
	log     *slog.Logger
}

// NewPoller creates a Poller feeding a new series named after the symbol.
func NewPoller(cfg PollerConfig, fetcher Fetcher, log *slog.Logger) *Poller {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		cfg:     cfg,
		series:  NewSeries(cfg.Symbol, nil),
		fetcher: fetcher,
		now:     time.Now,
		log:     log.With("component", "poller", "symbol", cfg.Symbol),
	}
}

// Series returns the growing series the engine reads from.
func (p *Poller) Series() *Series { return p.series }

// SetPrimary accepts only the poller's own series.
func (p *Poller) SetPrimary(name string) error {
	if name != p.series.Name() {
		return fmt.Errorf("poller: unknown series %q", name)
	}
	return nil
}

// Start loads the warmup history and places the cursor on its last bar so
// indicators have data before the first live bar.
func (p *Poller) Start(ctx context.Context) error {
	if p.cfg.Warmup <= 0 {
		return nil
	}
	bars, err := p.fetch(ctx, p.now().Add(-p.cfg.Warmup))
	if err != nil {
		return fmt.Errorf("loading warmup bars: %w", err)
	}
	p.series.Append(bars...)
	p.series.SeekEnd()
	p.log.Info("warmup loaded", "bars", len(bars))
	return nil
}

// Next blocks until a new bar is available, then advances onto it.
func (p *Poller) Next(ctx context.Context) error {
	for len(p.pending) == 0 {
		if err := sleep(ctx, p.cfg.Tick); err != nil {
			return err
		}
		if cal := p.cfg.Calendar; cal != nil && !cal.IsMarketOpen(p.now()) {
			continue
		}
		var since time.Time
		if last, ok := p.series.Last(); ok {
			since = last.Timestamp
		}
		bars, err := p.fetch(ctx, since)
		if err != nil {
			return err
		}
		for _, b := range bars {
			if b.Timestamp.After(since) {
				p.pending = append(p.pending, b)
				since = b.Timestamp
			}
		}
	}
	b := p.pending[0]
	p.pending = p.pending[1:]
	p.series.Append(b)
	p.series.Advance()
	return nil
}

func (p *Poller) Stop(context.Context) error { return nil }

func (p *Poller) fetch(ctx context.Context, since time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := util.RetryIf(ctx, p.cfg.RetryAttempts, p.cfg.RetryDelay, util.IsTransient, func() error {
		var err error
		bars, err = p.fetcher.Fetch(ctx, p.cfg.Symbol, since)
		if err != nil {
			p.log.Warn("fetch failed", "err", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s bars: %w", p.cfg.Symbol, err)
	}
	return bars, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
