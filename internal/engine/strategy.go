package engine

import (
	"context"

	"tradecore/internal/account"
	"tradecore/internal/domain"
)

// Strategy is the user code a Brain drives. Next is called once per bar,
// after the exchange has evaluated resting orders.
type Strategy interface {
	Name() string
	Init(ctx context.Context, ex *Exchange) error
	Start(ctx context.Context) error
	Next(ctx context.Context) error
	Stop(ctx context.Context) error

	OnOrder(o *Order)
	OnPosition(p *Position)
	OnExecution(x *Execution)
}

// BaseStrategy implements every Strategy method as a no-op and offers order
// helpers. Embed it and override what you need.
type BaseStrategy struct {
	Ex *Exchange
}

func (s *BaseStrategy) Name() string { return "base" }

// Init keeps the exchange for the helpers.
func (s *BaseStrategy) Init(_ context.Context, ex *Exchange) error {
	s.Ex = ex
	return nil
}

func (s *BaseStrategy) Start(context.Context) error { return nil }
func (s *BaseStrategy) Next(context.Context) error  { return nil }
func (s *BaseStrategy) Stop(context.Context) error  { return nil }

func (s *BaseStrategy) OnOrder(*Order)         {}
func (s *BaseStrategy) OnPosition(*Position)   {}
func (s *BaseStrategy) OnExecution(*Execution) {}

// Buy places a long order. A zero size is sized by the account's risk
// fraction.
func (s *BaseStrategy) Buy(ctx context.Context, req OrderRequest) (*Result, error) {
	req.Size = s.Ex.account.Risk(domain.Long, req.Size)
	return s.Ex.NewOrder(ctx, req)
}

// Sell places a short order, sized like Buy.
func (s *BaseStrategy) Sell(ctx context.Context, req OrderRequest) (*Result, error) {
	req.Size = s.Ex.account.Risk(domain.Short, req.Size)
	return s.Ex.NewOrder(ctx, req)
}

// Bars returns the exchange's bar source.
func (s *BaseStrategy) Bars() BarSource { return s.Ex.bars }

// Account returns the exchange's account.
func (s *BaseStrategy) Account() *account.Account { return s.Ex.account }
