package strategy

import (
	"tradecore/internal/store"
)

// Record converts the result into the persisted run shape.
func (r *BacktestResult) Record() *store.Run {
	run := &store.Run{
		RunSummary: store.RunSummary{
			ID:           r.RunID,
			Strategy:     r.Strategy,
			Symbol:       r.Symbol,
			Params:       r.Params,
			Start:        r.Start,
			End:          r.End,
			Bars:         r.Bars,
			InitialCash:  r.InitialCash,
			FinalEquity:  r.FinalEquity,
			TotalReturn:  r.TotalReturn,
			SharpeRatio:  r.SharpeRatio,
			MaxDrawdown:  r.MaxDrawdown,
			TotalTrades:  r.TotalTrades,
			WinRate:      r.WinRate,
			ProfitFactor: r.ProfitFactor,
		},
	}
	if run.Params == nil {
		run.Params = map[string]any{}
	}
	if r.Stopped != nil {
		run.Stopped = r.Stopped.Error()
	}
	for _, o := range r.Orders {
		run.Orders = append(run.Orders, store.OrderRow{
			ID:          o.ID,
			Symbol:      o.Symbol,
			Size:        o.Size,
			Type:        o.Type,
			LimitPrice:  o.LimitPrice,
			StopPrice:   o.StopPrice,
			SLPrice:     o.SLPrice,
			TPPrice:     o.TPPrice,
			State:       o.State,
			Role:        string(o.Role),
			PositionID:  o.PositionID,
			PlacedAt:    o.PlacedAt,
			FilledAt:    o.FilledAt,
			FilledPrice: o.FilledPrice,
		})
	}
	for _, p := range r.Positions {
		run.Positions = append(run.Positions, store.PositionRow{
			ID:         p.ID,
			Symbol:     p.Symbol,
			Size:       p.Size,
			EntryPrice: p.EntryPrice,
			EntryFee:   p.EntryFee,
			EntryAt:    p.EntryAt,
			ExitPrice:  p.ExitPrice,
			ExitFee:    p.ExitFee,
			ExitAt:     p.ExitAt,
			RealizedPL: p.RealizedPL,
		})
	}
	for _, e := range r.EquityCurve {
		run.Equity = append(run.Equity, store.EquityRow{At: e.At, Equity: e.Equity})
	}
	return run
}
