package feed

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
	"tradecore/internal/util"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func makeBars(step time.Duration, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    "TEST",
			Timestamp: t0.Add(time.Duration(i) * step),
			Open:      c - 1,
			High:      c + 1,
			Low:       c - 2,
			Close:     c,
			Volume:    int64(100 * (i + 1)),
		}
	}
	return bars
}

func TestSeriesRelativeReads(t *testing.T) {
	s := NewSeries("TEST", makeBars(time.Minute, 10, 11, 12))

	assert.True(t, math.IsNaN(s.Close(0)), "no bar before the first advance")
	assert.True(t, s.Now().IsZero())

	require.True(t, s.Advance())
	require.True(t, s.Advance())
	assert.Equal(t, 11.0, s.Close(0))
	assert.Equal(t, 10.0, s.Close(-1))
	assert.Equal(t, 10.0, s.Open(0))
	assert.Equal(t, 11.0, s.High(-1))
	assert.Equal(t, 200.0, s.Volume(0))
	assert.True(t, math.IsNaN(s.Close(-2)))
	assert.True(t, math.IsNaN(s.Close(1)), "future bars are not readable")
	assert.Equal(t, t0.Add(time.Minute), s.Now())

	assert.Equal(t, []float64{10, 11}, s.Closes(5))
	assert.Equal(t, []float64{11}, s.Closes(1))

	require.True(t, s.Advance())
	assert.False(t, s.Advance())
}

func TestSeriesCopiesInput(t *testing.T) {
	bars := makeBars(time.Minute, 10)
	s := NewSeries("TEST", bars)
	bars[0].Close = 99

	s.Advance()
	assert.Equal(t, 10.0, s.Close(0))
}

func TestFeederAlignsSecondaries(t *testing.T) {
	minute := NewSeries("1m", makeBars(time.Minute, 1, 2, 3, 4, 5))
	slow := NewSeries("2m", makeBars(2*time.Minute, 100, 200, 300))
	f := NewFeeder(minute, slow)
	ctx := context.Background()
	require.NoError(t, f.Start(ctx))

	var got []float64
	for {
		err := f.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, slow.Close(0))
	}
	assert.Equal(t, []float64{100, 100, 200, 200, 300}, got)
}

func TestFeederSetPrimary(t *testing.T) {
	a := NewSeries("a", makeBars(time.Minute, 1, 2, 3))
	b := NewSeries("b", makeBars(time.Minute, 1))
	f := NewFeeder(a, b)
	require.NoError(t, f.SetPrimary("b"))
	require.Error(t, f.SetPrimary("c"))
	ctx := context.Background()
	require.NoError(t, f.Start(ctx))

	require.NoError(t, f.Next(ctx))
	assert.ErrorIs(t, f.Next(ctx), io.EOF)
	assert.Same(t, b, f.Primary())
}

// scriptedFetcher returns one batch per call.
type scriptedFetcher struct {
	batches [][]domain.Bar
	errs    []error
	calls   atomic.Int32
}

func (f *scriptedFetcher) Fetch(context.Context, string, time.Time) ([]domain.Bar, error) {
	i := int(f.calls.Add(1)) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.batches) {
		return f.batches[i], nil
	}
	return nil, nil
}

func TestPollerDeliversBarsInOrder(t *testing.T) {
	bars := makeBars(time.Minute, 1, 2, 3)
	fetcher := &scriptedFetcher{
		errs:    []error{util.MarkTransient(errors.New("429"))},
		batches: [][]domain.Bar{nil, bars[:2], bars[1:]},
	}
	p := NewPoller(PollerConfig{Symbol: "TEST", Tick: time.Millisecond, RetryDelay: time.Millisecond}, fetcher, util.Discard())
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.SetPrimary("TEST"))

	for _, want := range []float64{1, 2, 3} {
		require.NoError(t, p.Next(ctx))
		assert.Equal(t, want, p.Series().Close(0))
	}
	assert.Equal(t, 3, p.Series().Len(), "overlapping bars are not appended twice")
}

func TestPollerHardErrorStops(t *testing.T) {
	fetcher := &scriptedFetcher{errs: []error{errors.New("unauthorized")}}
	p := NewPoller(PollerConfig{Symbol: "TEST", Tick: time.Millisecond}, fetcher, util.Discard())
	err := p.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestPollerWarmupAndCancel(t *testing.T) {
	fetcher := &scriptedFetcher{batches: [][]domain.Bar{makeBars(time.Minute, 1, 2)}}
	p := NewPoller(PollerConfig{Symbol: "TEST", Tick: time.Hour, Warmup: time.Hour}, fetcher, util.Discard())
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 2.0, p.Series().Close(0))
	assert.Equal(t, 1.0, p.Series().Close(-1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Next(ctx), context.Canceled)
}

type fakeBarsClient struct {
	req marketdata.GetBarsRequest
}

func (c *fakeBarsClient) GetBars(_ string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	c.req = req
	return []marketdata.Bar{{Timestamp: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, TradeCount: 3, VWAP: 1.2}}, nil
}

func TestAlpacaFetcher(t *testing.T) {
	client := &fakeBarsClient{}
	f := NewAlpacaFetcher(client, marketdata.OneMin, "iex", 0)
	bars, err := f.Fetch(context.Background(), "aapl", t0)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, "AAPL", bars[0].Symbol)
	assert.Equal(t, int64(10), bars[0].Volume)
	assert.Equal(t, 1.5, bars[0].Close)
	assert.True(t, client.req.Start.After(t0))
	assert.Equal(t, marketdata.OneMin, client.req.TimeFrame)
}

func TestParseTimeFrame(t *testing.T) {
	tf, err := ParseTimeFrame("Daily")
	require.NoError(t, err)
	assert.Equal(t, marketdata.OneDay, tf)

	tf, err = ParseTimeFrame("1m")
	require.NoError(t, err)
	assert.Equal(t, marketdata.OneMin, tf)

	_, err = ParseTimeFrame("weekly")
	require.Error(t, err)
}
