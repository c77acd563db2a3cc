package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/feed"
	"tradecore/internal/util"
)

var t0 = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

const hour = time.Hour

// barsFromOpens builds hourly bars whose close equals the open.
func barsFromOpens(opens ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(opens))
	for i, o := range opens {
		bars[i] = domain.Bar{
			Symbol:    "TEST",
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      o,
			High:      o,
			Low:       o,
			Close:     o,
		}
	}
	return bars
}

// recorder captures broadcast events.
type recorder struct {
	orders     []*Order
	positions  []*Position
	executions []*Execution
}

func (r *recorder) OnOrder(o *Order)         { r.orders = append(r.orders, o) }
func (r *recorder) OnPosition(p *Position)   { r.positions = append(r.positions, p) }
func (r *recorder) OnExecution(x *Execution) { r.executions = append(r.executions, x) }

// harness steps a backtest exchange bar by bar without a Brain.
type harness struct {
	t      *testing.T
	ctx    context.Context
	series *feed.Series
	feeder *feed.Feeder
	ex     *Exchange
	events *recorder
}

func newHarness(t *testing.T, cfg account.Config, opens []float64, opts ...Option) *harness {
	t.Helper()
	series := feed.NewSeries("TEST", barsFromOpens(opens...))
	acct := account.New(cfg, series)
	ex := NewExchange(NewSimulator(), acct, series, util.Discard(), opts...)
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		series: series,
		feeder: feed.NewFeeder(series),
		ex:     ex,
		events: &recorder{},
	}
	require.NoError(t, ex.Init(h.events))
	require.NoError(t, h.feeder.Start(h.ctx))
	require.NoError(t, ex.Start(h.ctx))
	return h
}

// step runs one bar: advance, fill, then snapshot.
func (h *harness) step() {
	h.t.Helper()
	require.NoError(h.t, h.feeder.Next(h.ctx))
	require.NoError(h.t, h.ex.Next(h.ctx))
	require.NoError(h.t, h.ex.NextNext(h.ctx))
}

func (h *harness) place(req OrderRequest) *Order {
	h.t.Helper()
	res, err := h.ex.NewOrder(h.ctx, req)
	require.NoError(h.t, err)
	require.True(h.t, res.OK, "order rejected: %v", res.Err)
	require.NotNil(h.t, res.Order)
	return res.Order
}

func ptr(v float64) *float64 { return &v }
