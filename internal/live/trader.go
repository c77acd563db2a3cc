// Package live runs one strategy against a live or paper broker, fed by
// bars polled from a market-data source.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradecore/internal/account"
	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/feed"
	"tradecore/internal/strategy"
	"tradecore/internal/util"
)

// Config describes one live trading session.
type Config struct {
	Strategy string
	Params   map[string]any
	Symbol   string
	Market   domain.Market
	Tick     time.Duration
	// Warmup is the number of ticks of history loaded before the first
	// live bar.
	Warmup        int
	RetryAttempts int
	RetryDelay    time.Duration
	Account       account.Config
	// MarketHours suppresses polling while the market is closed.
	MarketHours bool
}

// ConfigFrom builds a session Config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Strategy:      cfg.Live.Strategy,
		Params:        cfg.Live.Params,
		Symbol:        cfg.Live.Symbol,
		Market:        domain.Market(cfg.Live.Market),
		Tick:          cfg.Live.Tick,
		Warmup:        cfg.Live.Warmup,
		RetryAttempts: cfg.Live.RetryAttempts,
		RetryDelay:    cfg.Live.RetryDelay,
		Account:       cfg.Account,
		MarketHours:   true,
	}
}

// PriceSink receives the close of every new bar. The paper broker fills
// against these prices.
type PriceSink interface {
	SetPrice(symbol string, price float64)
}

// Trader owns the bar loop of one live session.
type Trader struct {
	cfg    Config
	poller *feed.Poller
	acct   *account.Account
	ex     *engine.Exchange
	brain  *engine.Brain
	log    *slog.Logger
}

// New wires a strategy from registry to venue through a reconciling
// exchange, with bars polled from fetcher.
func New(cfg Config, registry *strategy.Registry, fetcher feed.Fetcher, venue broker.Venue, log *slog.Logger) (*Trader, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "trader", "broker", venue.Name(), "symbol", cfg.Symbol)

	strat, err := registry.New(cfg.Strategy, cfg.Params)
	if err != nil {
		return nil, err
	}

	pcfg := feed.PollerConfig{
		Symbol:        cfg.Symbol,
		Tick:          cfg.Tick,
		Warmup:        time.Duration(cfg.Warmup) * cfg.Tick,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	}
	if cfg.MarketHours {
		pcfg.Calendar = util.NewTradingCalendar(cfg.Market)
	}
	poller := feed.NewPoller(pcfg, fetcher, log)
	series := poller.Series()

	acct := account.New(cfg.Account, series)
	rec := engine.NewReconciler(venue, venue, log, engine.WithPollRetry(cfg.RetryAttempts, cfg.RetryDelay))
	ex := engine.NewExchange(rec, acct, series, log, engine.WithSymbol(cfg.Symbol), engine.WithExecutions())

	var feeder engine.Feeder = poller
	if sink, ok := venue.(PriceSink); ok {
		feeder = &pricedFeeder{Poller: poller, sink: sink, symbol: cfg.Symbol}
	}

	return &Trader{
		cfg:    cfg,
		poller: poller,
		acct:   acct,
		ex:     ex,
		brain:  engine.NewBrain(strat, ex, feeder, cfg.Symbol, log),
		log:    log,
	}, nil
}

// Exchange returns the exchange mirroring the broker.
func (t *Trader) Exchange() *engine.Exchange { return t.ex }

// Account returns the session account.
func (t *Trader) Account() *account.Account { return t.acct }

// Run trades until ctx is cancelled or the loop fails. Cancellation is a
// normal shutdown and returns nil.
func (t *Trader) Run(ctx context.Context) error {
	t.log.Info("trader starting", "strategy", t.cfg.Strategy, "tick", t.cfg.Tick, "warmup", t.cfg.Warmup)
	if err := t.brain.Start(ctx); err != nil {
		return fmt.Errorf("starting trader: %w", err)
	}
	runErr := t.brain.Run(ctx)
	stopErr := t.brain.Stop(context.WithoutCancel(ctx))

	cause := t.brain.Err()
	if errors.Is(cause, context.Canceled) {
		cause = nil
	}
	t.log.Info("trader stopped",
		"bars", t.brain.Bars(),
		"open_positions", t.ex.Positions().Len(),
		"open_orders", t.ex.Orders().Len(),
		"cash", t.acct.Cash(),
		"equity", t.acct.Equity(),
	)
	return errors.Join(runErr, stopErr, cause)
}

// pricedFeeder pushes every new close to a PriceSink before the exchange
// polls the broker.
type pricedFeeder struct {
	*feed.Poller
	sink   PriceSink
	symbol string
}

func (f *pricedFeeder) Start(ctx context.Context) error {
	if err := f.Poller.Start(ctx); err != nil {
		return err
	}
	if last, ok := f.Series().Last(); ok {
		f.sink.SetPrice(f.symbol, last.Close)
	}
	return nil
}

func (f *pricedFeeder) Next(ctx context.Context) error {
	if err := f.Poller.Next(ctx); err != nil {
		return err
	}
	f.sink.SetPrice(f.symbol, f.Series().Close(0))
	return nil
}
