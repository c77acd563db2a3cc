package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"tradecore/internal/domain"
)

// Position is market exposure opened by a filled entry order. It carries at
// most one stop-loss and one take-profit bracket order, referenced by id.
type Position struct {
	ID     string
	Symbol string
	Size   float64

	EntryPrice float64
	EntryFee   float64
	EntryAt    time.Time

	ExitPrice  float64
	ExitFee    float64
	ExitAt     time.Time
	RealizedPL float64

	State domain.PositionState

	OrderID   string
	SLOrderID string
	TPOrderID string

	Tag any
	Raw any

	ex *Exchange
	// opened and closed record which account hooks have run.
	opened bool
	closed bool
}

func (p *Position) Side() domain.Side { return domain.SideOf(p.Size) }
func (p *Position) IsLong() bool      { return p.Size > 0 }
func (p *Position) IsShort() bool     { return p.Size < 0 }
func (p *Position) IsOpen() bool      { return p.State == domain.PositionStateOpen }

func (p *Position) String() string {
	return fmt.Sprintf("position %s %g@%g %s", p.ID, p.Size, p.EntryPrice, p.State)
}

// SLOrder returns the stop-loss bracket, if any.
func (p *Position) SLOrder() *Order { return p.order(p.SLOrderID) }

// TPOrder returns the take-profit bracket, if any.
func (p *Position) TPOrder() *Order { return p.order(p.TPOrderID) }

func (p *Position) order(id string) *Order {
	if id == "" || p.ex == nil {
		return nil
	}
	return p.ex.Order(id)
}

// PL is the P&L of the position including fees. Open positions are marked to
// the current open.
func (p *Position) PL() float64 {
	if p.State == domain.PositionStateExit {
		return p.RealizedPL
	}
	return p.ex.account.PL(p.Size, p.EntryPrice, 0) + p.EntryFee
}

// Entry opens the position at price. It is called once, right after the
// entry order fills.
func (p *Position) Entry(price float64, at time.Time) error {
	if p.State != domain.PositionStateNew {
		return fmt.Errorf("%w: entry %s", ErrInvalidTransition, p)
	}
	p.EntryFee = p.ex.account.Fee(p.Size)
	p.EntryPrice = price
	p.EntryAt = at
	p.State = domain.PositionStateOpen
	return p.ex.OnPosition(p, true)
}

// Exit closes the position at the venue's current price.
func (p *Position) Exit(ctx context.Context) (*Result, error) {
	if p.State != domain.PositionStateOpen {
		return nil, fmt.Errorf("%w: exit %s", ErrInvalidTransition, p)
	}
	res, err := p.ex.venue.ClosePosition(ctx, p)
	if err != nil {
		return nil, err
	}
	if res.OK {
		res.Position = p
	}
	return res, nil
}

// exit settles the position. causer is the bracket order whose fill closed
// it, or nil when the user asked. The bracket that did not cause the exit is
// canceled afterwards.
func (p *Position) exit(ctx context.Context, price float64, at time.Time, causer *Order) error {
	switch p.State {
	case domain.PositionStateExit:
		if causer != nil {
			return nil
		}
		return fmt.Errorf("%w: exit %s", ErrInvalidTransition, p)
	case domain.PositionStateOpen:
	default:
		return fmt.Errorf("%w: exit %s", ErrInvalidTransition, p)
	}

	ex := p.ex
	p.ExitFee = ex.account.Fee(p.Size)
	p.ExitPrice = price
	p.ExitAt = at
	p.State = domain.PositionStateExit
	p.realize()

	brackets := [2]string{p.SLOrderID, p.TPOrderID}
	if err := ex.OnPosition(p, true); err != nil {
		return err
	}
	for _, id := range brackets {
		if id == "" || causer != nil && id == causer.ID {
			continue
		}
		o := ex.Order(id)
		if o == nil || o.State != domain.OrderStatePlaced {
			continue
		}
		res, err := o.Cancel(ctx)
		if err != nil {
			return err
		}
		if !res.OK {
			ex.log.Warn("bracket cancel rejected", "order", id, "position", p.ID, "err", res.Err)
		}
	}
	return nil
}

func (p *Position) realize() {
	p.RealizedPL = p.ex.account.PL(p.Size, p.EntryPrice, p.ExitPrice) + p.EntryFee + p.ExitFee
}

// Update sets the stop-loss and/or take-profit of an open position. A side
// without a bracket gets a new one; an existing bracket is repriced. For a
// long the stop-loss must lie below the current price and the take-profit
// above it; for a short the inequalities invert.
func (p *Position) Update(ctx context.Context, sl, tp *float64) (*Result, error) {
	if sl == nil && tp == nil {
		return nil, ErrNoUpdate
	}
	if p.State != domain.PositionStateOpen {
		return nil, fmt.Errorf("%w: update %s", ErrInvalidTransition, p)
	}
	if err := p.checkBrackets(sl, tp); err != nil {
		return nil, err
	}
	return p.setBrackets(ctx, sl, tp)
}

func (p *Position) checkBrackets(sl, tp *float64) error {
	ref := p.ex.venue.ReferencePrice(p.ex)
	if math.IsNaN(ref) || math.IsInf(ref, 0) || ref <= 0 {
		return fmt.Errorf("%w: no reference price (%g) for %s", ErrInvalidOrder, ref, p)
	}
	long := p.Size > 0
	if sl != nil && (long && *sl >= ref || !long && *sl <= ref) {
		return fmt.Errorf("%w: %s stop-loss %g against price %g", ErrInvalidOrder, p.Side(), *sl, ref)
	}
	if tp != nil && (long && *tp <= ref || !long && *tp >= ref) {
		return fmt.Errorf("%w: %s take-profit %g against price %g", ErrInvalidOrder, p.Side(), *tp, ref)
	}
	return nil
}

// setBrackets places or reprices brackets without checking them against
// the current price. Levels carried over from a filled entry order were
// checked when that order was placed.
func (p *Position) setBrackets(ctx context.Context, sl, tp *float64) (*Result, error) {
	var last *Result
	if sl != nil {
		res, err := p.bracket(ctx, RoleStopLoss, *sl)
		if err != nil {
			return nil, err
		}
		last = res
		if !res.OK {
			return res, nil
		}
	}
	if tp != nil {
		res, err := p.bracket(ctx, RoleTakeProfit, *tp)
		if err != nil {
			return nil, err
		}
		last = res
	}
	return last, nil
}

func (p *Position) bracket(ctx context.Context, role Role, price float64) (*Result, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: %s price %g", ErrInvalidOrder, role, price)
	}
	cur := p.SLOrder()
	if role == RoleTakeProfit {
		cur = p.TPOrder()
	}
	if cur != nil && !cur.State.Terminal() {
		u := OrderUpdate{StopPrice: &price}
		if role == RoleTakeProfit {
			u = OrderUpdate{LimitPrice: &price}
		}
		return cur.Update(ctx, u)
	}

	o := p.ex.newOrder(OrderRequest{Symbol: p.Symbol, Size: -p.Size})
	o.PositionID = p.ID
	o.Role = role
	if role == RoleStopLoss {
		o.Type = domain.OrderTypeStop
		o.StopPrice = price
	} else {
		o.Type = domain.OrderTypeLimit
		o.LimitPrice = price
	}
	return o.Place(ctx)
}

func (p *Position) unlink(o *Order) {
	if p.SLOrderID == o.ID {
		p.SLOrderID = ""
	}
	if p.TPOrderID == o.ID {
		p.TPOrderID = ""
	}
}

func (p *Position) link(o *Order) {
	switch o.Role {
	case RoleStopLoss:
		p.SLOrderID = o.ID
	case RoleTakeProfit:
		p.TPOrderID = o.ID
	}
}

// Merge copies the fields of a duplicate with the same identity into p.
// Zero values in the duplicate leave the current value in place.
func (p *Position) Merge(other *Position) {
	if other == nil || other == p {
		return
	}
	if other.Symbol != "" {
		p.Symbol = other.Symbol
	}
	if other.Size != 0 {
		p.Size = other.Size
	}
	if other.EntryPrice != 0 {
		p.EntryPrice = other.EntryPrice
	}
	if other.EntryFee != 0 {
		p.EntryFee = other.EntryFee
	}
	if !other.EntryAt.IsZero() {
		p.EntryAt = other.EntryAt
	}
	if other.ExitPrice != 0 {
		p.ExitPrice = other.ExitPrice
	}
	if other.ExitFee != 0 {
		p.ExitFee = other.ExitFee
	}
	if !other.ExitAt.IsZero() {
		p.ExitAt = other.ExitAt
	}
	if other.RealizedPL != 0 {
		p.RealizedPL = other.RealizedPL
	}
	if other.OrderID != "" {
		p.OrderID = other.OrderID
	}
	if other.SLOrderID != "" {
		p.SLOrderID = other.SLOrderID
	}
	if other.TPOrderID != "" {
		p.TPOrderID = other.TPOrderID
	}
	if other.Tag != nil {
		p.Tag = other.Tag
	}
	if other.Raw != nil {
		p.Raw = other.Raw
	}
	if positionRank(other.State) > positionRank(p.State) {
		p.State = other.State
	}
}

func positionRank(s domain.PositionState) int {
	switch s {
	case domain.PositionStateOpen:
		return 1
	case domain.PositionStateExit:
		return 2
	default:
		return 0
	}
}
