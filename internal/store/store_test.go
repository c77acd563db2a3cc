package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")
	assert.Equal(t, filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet"), ps.barPath("aapl", "us", 2024))

	minute := ps.WithTimeframe("1min")
	assert.Equal(t, filepath.Join("/data", "crypto", "1min", "BTCUSD", "2023.parquet"), minute.barPath("BTCUSD", "crypto", 2023))
	assert.Equal(t, "daily", ps.Timeframe, "WithTimeframe copies")
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.Bar{
		{Symbol: "AAPL", Timestamp: day(2024, 1, 2), Open: 185.0, High: 186.5, Low: 184.0, Close: 185.5, Volume: 50000000, TradeCount: 500000, VWAP: 185.25},
		{Symbol: "AAPL", Timestamp: day(2024, 1, 3), Open: 185.5, High: 187.0, Low: 185.0, Close: 186.0, Volume: 45000000, TradeCount: 450000, VWAP: 185.75},
		{Symbol: "AAPL", Timestamp: day(2023, 12, 29), Open: 190, High: 191, Low: 189, Close: 190.5, Volume: 1},
	}
	require.NoError(t, ps.WriteBars(ctx, "us", bars))

	got, err := ps.ReadBars(ctx, "AAPL", "us", day(2024, 1, 1), day(2024, 12, 31))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, bars[0], got[0])
	assert.Equal(t, 186.0, got[1].Close)

	// Spanning two year files, oldest first.
	got, err = ps.ReadBars(ctx, "AAPL", "us", day(2023, 1, 1), day(2024, 1, 2))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day(2023, 12, 29), got[0].Timestamp)
	assert.Equal(t, day(2024, 1, 2), got[1].Timestamp)

	// Unknown symbols read as empty.
	got, err = ps.ReadBars(ctx, "NOPE", "us", day(2024, 1, 1), day(2024, 12, 31))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParquetStoreMergeBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, ps.WriteBars(ctx, "us", []domain.Bar{
		{Symbol: "MSFT", Timestamp: day(2024, 3, 1), Open: 400, High: 405, Low: 399, Close: 403},
	}))
	require.NoError(t, ps.WriteBars(ctx, "us", []domain.Bar{
		{Symbol: "MSFT", Timestamp: day(2024, 3, 4), Open: 403, High: 410, Low: 402, Close: 408},
		// Same timestamp as the first write: the newer record wins.
		{Symbol: "MSFT", Timestamp: day(2024, 3, 1), Open: 400, High: 405, Low: 399, Close: 404},
	}))

	got, err := ps.ReadBars(ctx, "MSFT", "us", day(2024, 1, 1), day(2024, 12, 31))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 404.0, got[0].Close)
	assert.Equal(t, 408.0, got[1].Close)
}

func TestParquetStoreListSymbols(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	symbols, err := ps.ListSymbols(ctx, "us")
	require.NoError(t, err)
	assert.Empty(t, symbols)

	require.NoError(t, ps.WriteBars(ctx, "us", []domain.Bar{
		{Symbol: "googl", Timestamp: day(2024, 1, 2), Close: 140.5},
		{Symbol: "AAPL", Timestamp: day(2024, 1, 2), Close: 185.5},
	}))
	symbols, err = ps.ListSymbols(ctx, "us")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "GOOGL"}, symbols)
}

func TestParquetStoreCanceled(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ps.ReadBars(ctx, "AAPL", "us", day(2024, 1, 1), day(2024, 2, 1))
	require.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// SQLite
// ---------------------------------------------------------------------------

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func sampleRun(id string, created time.Time) *Run {
	entry := day(2024, 1, 2).Add(15 * time.Hour)
	return &Run{
		RunSummary: RunSummary{
			ID:          id,
			Strategy:    "sma-cross",
			Symbol:      "AAPL",
			Params:      map[string]any{"fast": 5.0, "slow": 20.0},
			Start:       day(2024, 1, 2),
			End:         day(2024, 6, 28),
			Bars:        124,
			InitialCash: 10000,
			FinalEquity: 10450,
			TotalReturn: 0.045,
			SharpeRatio: 1.2,
			MaxDrawdown: 0.03,
			TotalTrades: 1,
			WinRate:     1,
			CreatedAt:   created,
		},
		Orders: []OrderRow{
			{ID: "1", Symbol: "AAPL", Size: 10, Type: domain.OrderTypeMarket, SLPrice: 170, State: domain.OrderStateFilled, Role: "entry", PositionID: "1", PlacedAt: entry, FilledAt: entry, FilledPrice: 180},
			{ID: "2", Symbol: "AAPL", Size: -10, Type: domain.OrderTypeStop, StopPrice: 170, State: domain.OrderStateCanceled, Role: "stop_loss", PositionID: "1", PlacedAt: entry},
		},
		Positions: []PositionRow{
			{ID: "1", Symbol: "AAPL", Size: 10, EntryPrice: 180, EntryFee: -1, EntryAt: entry, ExitPrice: 225, ExitFee: -1, ExitAt: entry.Add(48 * time.Hour), RealizedPL: 448},
		},
		Equity: []EquityRow{
			{At: entry, Equity: 9999},
			{At: entry.Add(24 * time.Hour), Equity: 10200},
			{At: entry.Add(48 * time.Hour), Equity: 10450},
		},
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	run := sampleRun("run-1", day(2024, 7, 1))
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.RunSummary, got.RunSummary)
	assert.Equal(t, run.Orders, got.Orders)
	assert.Equal(t, run.Positions, got.Positions)
	assert.Equal(t, run.Equity, got.Equity)
	assert.True(t, got.Orders[1].FilledAt.IsZero())
}

func TestSQLiteStoreReplaceAndList(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, sampleRun("old", day(2024, 7, 1))))
	require.NoError(t, s.SaveRun(ctx, sampleRun("new", day(2024, 7, 2))))

	again := sampleRun("old", day(2024, 7, 1))
	again.Stopped = "account: insufficient funds"
	again.Orders = again.Orders[:1]
	require.NoError(t, s.SaveRun(ctx, again))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "old", runs[1].ID)
	assert.Equal(t, "account: insufficient funds", runs[1].Stopped)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got, err := s.GetRun(ctx, "old")
	require.NoError(t, err)
	assert.Len(t, got.Orders, 1)
}

func TestSQLiteStoreNotFound(t *testing.T) {
	s := newSQLite(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
