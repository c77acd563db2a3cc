package engine

import (
	"context"
	"strconv"

	"tradecore/internal/domain"
)

// Compile-time interface check.
var _ Venue = (*Simulator)(nil)

// Simulator fills orders against historical bars. Every placed order is
// evaluated once per bar against the bar's open; there is no intrabar model
// and no partial fill.
type Simulator struct {
	seq uint64
}

// NewSimulator creates a Simulator. Each Exchange needs its own instance:
// the order id counter lives here.
func NewSimulator() *Simulator {
	return &Simulator{}
}

func (s *Simulator) Name() string { return "backtest" }

func (s *Simulator) Start(context.Context, *Exchange) error { return nil }

func (s *Simulator) Stop(context.Context) error { return nil }

// NewID returns the next order id of this run.
func (s *Simulator) NewID() string {
	s.seq++
	return strconv.FormatUint(s.seq, 10)
}

// ReferencePrice is the current bar's open.
func (s *Simulator) ReferencePrice(ex *Exchange) float64 {
	return ex.bars.Open(0)
}

// Next fills every order that was placed before this bar and whose trigger
// the open has crossed. Orders created by these fills wait for the next bar.
func (s *Simulator) Next(ctx context.Context, ex *Exchange) error {
	open := ex.bars.Open(0)
	now := ex.bars.Now()
	for _, o := range ex.orders.values() {
		if o.State != domain.OrderStatePlaced {
			continue
		}
		price, ok := fillPrice(o, open)
		if !ok {
			continue
		}
		if err := o.Fill(ctx, price, now); err != nil {
			return err
		}
	}
	return nil
}

// fillPrice applies the fill rule for one order against the bar open.
// Triggers are inclusive: an open equal to the limit or stop fills.
func fillPrice(o *Order, open float64) (float64, bool) {
	long := o.Size > 0
	switch o.Type {
	case domain.OrderTypeMarket:
		return open, true
	case domain.OrderTypeLimit:
		if long && open <= o.LimitPrice || !long && open >= o.LimitPrice {
			return o.LimitPrice, true
		}
	case domain.OrderTypeStop:
		if long && open >= o.StopPrice || !long && open <= o.StopPrice {
			return o.StopPrice, true
		}
	case domain.OrderTypeStopLimit:
		if !o.triggered {
			o.triggered = long && open >= o.StopPrice || !long && open <= o.StopPrice
		}
		if o.triggered && (long && open <= o.LimitPrice || !long && open >= o.LimitPrice) {
			return o.LimitPrice, true
		}
	}
	return 0, false
}

// PlaceOrder runs the pre-trade risk check for entry orders. Brackets only
// reduce exposure and are always accepted.
func (s *Simulator) PlaceOrder(_ context.Context, o *Order) (*Result, error) {
	if o.IsBracket() {
		return Accepted(nil), nil
	}
	ex := o.ex
	if err := ex.account.CheckOrder(o.Size, o.reference(ex.bars.Open(0))); err != nil {
		return Rejected(err, nil), nil
	}
	return Accepted(nil), nil
}

func (s *Simulator) UpdateOrder(context.Context, *Order) (*Result, error) {
	return Accepted(nil), nil
}

func (s *Simulator) CancelOrder(context.Context, *Order) (*Result, error) {
	return Accepted(nil), nil
}

// ClosePosition exits at the current bar's open.
func (s *Simulator) ClosePosition(ctx context.Context, p *Position) (*Result, error) {
	ex := p.ex
	if err := p.exit(ctx, ex.bars.Open(0), ex.bars.Now(), nil); err != nil {
		return nil, err
	}
	return Accepted(nil), nil
}
