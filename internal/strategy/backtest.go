package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/feed"
	"tradecore/internal/store"
)

// ErrNoBars is returned when a backtest has no data to replay.
var ErrNoBars = errors.New("strategy: no bars in range")

// BacktestConfig describes one backtest run.
type BacktestConfig struct {
	Strategy string
	Params   map[string]any
	Symbol   string
	Market   string
	Start    time.Time
	End      time.Time
	Account  account.Config
	// Forex scales P&L by the standard lot size.
	Forex bool
	// Record persists the run through the backtester's recorder.
	Record bool
}

// BacktestResult holds the summary metrics and history of a backtest run.
type BacktestResult struct {
	RunID    string
	Strategy string
	Symbol   string
	Params   map[string]any
	Start    time.Time
	End      time.Time
	Bars     int

	InitialCash  float64
	FinalEquity  float64
	TotalReturn  float64
	SharpeRatio  float64
	MaxDrawdown  float64
	TotalTrades  int
	WinRate      float64
	ProfitFactor float64

	EquityCurve []account.EquityPoint
	Positions   []*engine.Position
	Orders      []*engine.Order

	// Stopped is what ended the run before the data ran out, if anything.
	Stopped error
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *store.Run) error
}

// Backtester replays historical bar data through a strategy and computes
// performance metrics.
type Backtester struct {
	store    store.BarStore
	registry *Registry
	recorder RunRecorder
	log      *slog.Logger
}

// BacktesterOption configures a Backtester.
type BacktesterOption func(*Backtester)

// WithRecorder persists runs whose config asks for it.
func WithRecorder(r RunRecorder) BacktesterOption {
	return func(bt *Backtester) { bt.recorder = r }
}

// NewBacktester creates a Backtester that reads bars from the given store and
// looks up strategies in the provided registry.
func NewBacktester(barStore store.BarStore, registry *Registry, log *slog.Logger, opts ...BacktesterOption) *Backtester {
	if log == nil {
		log = slog.Default()
	}
	bt := &Backtester{
		store:    barStore,
		registry: registry,
		log:      log.With("component", "backtester"),
	}
	for _, opt := range opts {
		opt(bt)
	}
	return bt
}

// Registry returns the strategy registry.
func (bt *Backtester) Registry() *Registry { return bt.registry }

// LoadBars reads the bars of cfg's symbol and range from the store.
func (bt *Backtester) LoadBars(ctx context.Context, cfg BacktestConfig) ([]domain.Bar, error) {
	market := cfg.Market
	if market == "" {
		market = string(domain.MarketUS)
	}
	bars, err := bt.store.ReadBars(ctx, cfg.Symbol, market, cfg.Start, cfg.End)
	if err != nil {
		return nil, fmt.Errorf("loading %s bars: %w", cfg.Symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s..%s", ErrNoBars, cfg.Symbol,
			cfg.Start.Format(time.DateOnly), cfg.End.Format(time.DateOnly))
	}
	return bars, nil
}

// Run loads the bars of cfg from the store and replays them.
func (bt *Backtester) Run(ctx context.Context, cfg BacktestConfig) (*BacktestResult, error) {
	bars, err := bt.LoadBars(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return bt.RunBars(ctx, cfg, bars)
}

// RunBars replays bars through a fresh strategy, account and simulated
// exchange. The bars are copied, so concurrent runs may share the slice.
// A run that ends early still returns a result; the cause is in Stopped.
// When recording fails the result is returned together with the error.
func (bt *Backtester) RunBars(ctx context.Context, cfg BacktestConfig, bars []domain.Bar) (*BacktestResult, error) {
	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	strat, err := bt.registry.New(cfg.Strategy, cfg.Params)
	if err != nil {
		return nil, err
	}
	symbol := cfg.Symbol
	if symbol == "" {
		symbol = bars[0].Symbol
	}
	runID := uuid.NewString()
	log := bt.log.With("run", runID, "symbol", symbol)

	series := feed.NewSeries(symbol, bars)
	feeder := feed.NewFeeder(series)
	var acct *account.Account
	if cfg.Forex {
		acct = account.NewForex(cfg.Account, series)
	} else {
		acct = account.New(cfg.Account, series)
	}
	ex := engine.NewExchange(engine.NewSimulator(), acct, series, log, engine.WithSymbol(symbol))
	brain := engine.NewBrain(strat, ex, feeder, symbol, log)

	if err := brain.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting backtest: %w", err)
	}
	if err := brain.Run(ctx); err != nil {
		return nil, err
	}
	if err := brain.Stop(ctx); err != nil {
		return nil, fmt.Errorf("stopping backtest: %w", err)
	}

	res := &BacktestResult{
		RunID:       runID,
		Strategy:    cfg.Strategy,
		Symbol:      symbol,
		Params:      cfg.Params,
		Start:       bars[0].Timestamp,
		End:         bars[len(bars)-1].Timestamp,
		Bars:        brain.Bars(),
		InitialCash: cfg.Account.Cash,
		FinalEquity: acct.Equity(),
		EquityCurve: acct.EquityCurve(),
		Positions:   append(ex.HistoryPositions().Values(), ex.Positions().Values()...),
		Orders:      append(ex.HistoryOrders().Values(), ex.Orders().Values()...),
		Stopped:     brain.Err(),
	}
	_, res.MaxDrawdown = acct.Drawdown()
	res.computeStats()
	log.Info("backtest done", "bars", res.Bars, "trades", res.TotalTrades,
		"return", res.TotalReturn, "final_equity", res.FinalEquity)

	if cfg.Record && bt.recorder != nil {
		if err := bt.recorder.SaveRun(ctx, res.Record()); err != nil {
			return res, fmt.Errorf("recording run %s: %w", runID, err)
		}
	}
	return res, nil
}
