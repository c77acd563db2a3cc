// Package store defines storage interfaces for bar history and backtest run
// results, with Parquet and SQLite implementations.
package store

import (
	"context"
	"errors"
	"time"

	"tradecore/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars for the given market.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// RunStore persists backtest runs together with their order and position
// history and equity curve.
type RunStore interface {
	// SaveRun writes a run and all of its rows atomically.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun loads a run with its rows.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent run summaries, newest first.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// RunSummary is the headline of a backtest run.
type RunSummary struct {
	ID           string
	Strategy     string
	Symbol       string
	Params       map[string]any
	Start        time.Time
	End          time.Time
	Bars         int
	InitialCash  float64
	FinalEquity  float64
	TotalReturn  float64
	SharpeRatio  float64
	MaxDrawdown  float64
	TotalTrades  int
	WinRate      float64
	ProfitFactor float64
	// Stopped holds the error that ended the run early, if any.
	Stopped   string
	CreatedAt time.Time
}

// Run is a RunSummary plus its history.
type Run struct {
	RunSummary
	Orders    []OrderRow
	Positions []PositionRow
	Equity    []EquityRow
}

// OrderRow is one closed order of a run.
type OrderRow struct {
	ID          string
	Symbol      string
	Size        float64
	Type        domain.OrderType
	LimitPrice  float64
	StopPrice   float64
	SLPrice     float64
	TPPrice     float64
	State       domain.OrderState
	Role        string
	PositionID  string
	PlacedAt    time.Time
	FilledAt    time.Time
	FilledPrice float64
}

// PositionRow is one position of a run.
type PositionRow struct {
	ID         string
	Symbol     string
	Size       float64
	EntryPrice float64
	EntryFee   float64
	EntryAt    time.Time
	ExitPrice  float64
	ExitFee    float64
	ExitAt     time.Time
	RealizedPL float64
}

// EquityRow is one point of a run's equity curve.
type EquityRow struct {
	At     time.Time
	Equity float64
}
