package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"tradecore/internal/domain"
)

// Role tells an entry order apart from the bracket orders attached to a
// position.
type Role string

const (
	RoleEntry      Role = "entry"
	RoleStopLoss   Role = "stop_loss"
	RoleTakeProfit Role = "take_profit"
)

// Order is a request to enter or adjust exposure. Orders are owned by their
// Exchange once placed; references returned by the exchange stay valid and
// are updated in place.
type Order struct {
	ID     string
	Symbol string
	// Size is signed: positive buys, negative sells.
	Size float64
	Type domain.OrderType

	LimitPrice float64
	StopPrice  float64
	// SLPrice and TPPrice are bracket levels for the position the order
	// opens. Zero means unset.
	SLPrice float64
	TPPrice float64

	State       domain.OrderState
	PlacedAt    time.Time
	FilledAt    time.Time
	FilledPrice float64

	// PositionID links the order to the position it opened or, for
	// brackets, the position it protects.
	PositionID string
	Role       Role
	Tag        any
	Raw        any

	ex        *Exchange
	triggered bool
}

// OrderRequest carries the parameters of a new order.
type OrderRequest struct {
	Symbol     string
	Size       float64
	Type       domain.OrderType
	LimitPrice float64
	StopPrice  float64
	SLPrice    float64
	TPPrice    float64
	Tag        any
}

// OrderUpdate carries the fields to change on a live order. Nil fields are
// left alone.
type OrderUpdate struct {
	LimitPrice *float64
	StopPrice  *float64
	SLPrice    *float64
	TPPrice    *float64
}

func (u OrderUpdate) empty() bool {
	return u.LimitPrice == nil && u.StopPrice == nil && u.SLPrice == nil && u.TPPrice == nil
}

// Side returns the direction implied by the order size.
func (o *Order) Side() domain.Side { return domain.SideOf(o.Size) }

func (o *Order) IsLong() bool  { return o.Size > 0 }
func (o *Order) IsShort() bool { return o.Size < 0 }

// IsBracket reports whether the order is a stop-loss or take-profit leg of a
// position.
func (o *Order) IsBracket() bool {
	return o.Role == RoleStopLoss || o.Role == RoleTakeProfit
}

// Position returns the linked position, if the exchange knows it.
func (o *Order) Position() *Position {
	if o.ex == nil || o.PositionID == "" {
		return nil
	}
	return o.ex.Position(o.PositionID)
}

func (o *Order) String() string {
	return fmt.Sprintf("order %s %s %s %g %s", o.ID, o.Role, o.Type, o.Size, o.State)
}

// reference is the price SL/TP levels are checked against. For market orders
// it is the venue's current quote.
func (o *Order) reference(market float64) float64 {
	switch o.Type {
	case domain.OrderTypeLimit, domain.OrderTypeStopLimit:
		return o.LimitPrice
	case domain.OrderTypeStop:
		return o.StopPrice
	default:
		return market
	}
}

// Validate checks that the order parameters are consistent. ref must be a
// usable price. For a buy the stop-loss must lie below ref and the
// take-profit above it; for a sell the inequalities invert.
func (o *Order) Validate(ref float64) error {
	if o.Size == 0 {
		return fmt.Errorf("%w: zero size", ErrInvalidOrder)
	}
	switch o.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if o.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit order without limit price", ErrInvalidOrder)
		}
	case domain.OrderTypeStop:
		if o.StopPrice <= 0 {
			return fmt.Errorf("%w: stop order without stop price", ErrInvalidOrder)
		}
	case domain.OrderTypeStopLimit:
		if o.LimitPrice <= 0 || o.StopPrice <= 0 {
			return fmt.Errorf("%w: stop-limit order needs stop and limit prices", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOrder, o.Type)
	}
	if o.SLPrice < 0 || o.TPPrice < 0 {
		return fmt.Errorf("%w: negative bracket price", ErrInvalidOrder)
	}
	if math.IsNaN(ref) || math.IsInf(ref, 0) || ref <= 0 {
		return fmt.Errorf("%w: no reference price (%g)", ErrInvalidOrder, ref)
	}

	long := o.Size > 0
	if o.SLPrice != 0 && o.TPPrice != 0 {
		if long && o.SLPrice >= o.TPPrice || !long && o.SLPrice <= o.TPPrice {
			return fmt.Errorf("%w: %s stop-loss %g against take-profit %g", ErrInvalidOrder, o.Side(), o.SLPrice, o.TPPrice)
		}
	}
	if o.SLPrice != 0 {
		if long && o.SLPrice >= ref || !long && o.SLPrice <= ref {
			return fmt.Errorf("%w: %s stop-loss %g against reference %g", ErrInvalidOrder, o.Side(), o.SLPrice, ref)
		}
	}
	if o.TPPrice != 0 {
		if long && o.TPPrice <= ref || !long && o.TPPrice >= ref {
			return fmt.Errorf("%w: %s take-profit %g against reference %g", ErrInvalidOrder, o.Side(), o.TPPrice, ref)
		}
	}
	return nil
}

// Place sends a pending order to the venue and registers it with the
// exchange. A venue rejection leaves the order pending and is reported in
// the result.
func (o *Order) Place(ctx context.Context) (*Result, error) {
	if o.State != domain.OrderStatePending {
		return nil, fmt.Errorf("%w: place %s", ErrInvalidTransition, o)
	}
	ex := o.ex
	o.State = domain.OrderStatePlaced
	o.PlacedAt = ex.Now()

	res, err := ex.venue.PlaceOrder(ctx, o)
	if err != nil {
		o.State, o.PlacedAt = domain.OrderStatePending, time.Time{}
		return nil, err
	}
	if !res.OK {
		o.State, o.PlacedAt = domain.OrderStatePending, time.Time{}
		ex.log.Warn("order rejected", "order", o.ID, "venue", ex.venue.Name(), "err", res.Err)
		return res, nil
	}
	if err := ex.OnOrder(o, true); err != nil {
		return nil, err
	}
	res.Order = o
	return res, nil
}

// Update changes the supplied fields of a non-terminal order, revalidates it
// and forwards the change to the venue.
func (o *Order) Update(ctx context.Context, u OrderUpdate) (*Result, error) {
	if o.State.Terminal() {
		return nil, fmt.Errorf("%w: update %s", ErrInvalidTransition, o)
	}
	if u.empty() {
		return nil, ErrNoUpdate
	}
	prev := *o
	if u.LimitPrice != nil {
		o.LimitPrice = *u.LimitPrice
	}
	if u.StopPrice != nil {
		o.StopPrice = *u.StopPrice
	}
	if u.SLPrice != nil {
		o.SLPrice = *u.SLPrice
	}
	if u.TPPrice != nil {
		o.TPPrice = *u.TPPrice
	}
	ex := o.ex
	if err := o.Validate(o.reference(ex.venue.ReferencePrice(ex))); err != nil {
		o.restore(&prev)
		return nil, err
	}
	if o.State == domain.OrderStatePending {
		return &Result{OK: true, Order: o}, nil
	}

	res, err := ex.venue.UpdateOrder(ctx, o)
	if err != nil {
		o.restore(&prev)
		return nil, err
	}
	if !res.OK {
		o.restore(&prev)
		return res, nil
	}
	if err := ex.OnOrder(o, true); err != nil {
		return nil, err
	}
	res.Order = o
	return res, nil
}

func (o *Order) restore(prev *Order) {
	o.LimitPrice, o.StopPrice = prev.LimitPrice, prev.StopPrice
	o.SLPrice, o.TPPrice = prev.SLPrice, prev.TPPrice
}

// Fill records a fill of a placed order. A bracket fill exits its position;
// any other fill opens a new position carrying the order's SL/TP levels as
// bracket orders.
func (o *Order) Fill(ctx context.Context, price float64, at time.Time) error {
	if o.State != domain.OrderStatePlaced {
		return fmt.Errorf("%w: fill %s", ErrInvalidTransition, o)
	}
	ex := o.ex
	o.State = domain.OrderStateFilled
	o.FilledAt = at
	o.FilledPrice = price

	if o.IsBracket() {
		pos := ex.Position(o.PositionID)
		if pos == nil {
			return fmt.Errorf("%w: %s for %s", ErrUnknownPosition, o.PositionID, o)
		}
		if err := ex.OnOrder(o, true); err != nil {
			return err
		}
		if err := ex.recordFill(o, pos.ID); err != nil {
			return err
		}
		return pos.exit(ctx, price, at, o)
	}

	pos := &Position{
		ID:      o.ID,
		Symbol:  o.Symbol,
		Size:    o.Size,
		OrderID: o.ID,
		Tag:     o.Tag,
		ex:      ex,
	}
	o.PositionID = pos.ID
	// The fill is announced once the position exists, so listeners can
	// follow o.Position().
	if err := ex.OnOrder(o, false); err != nil {
		return err
	}
	if err := pos.Entry(price, at); err != nil {
		return err
	}
	ex.broadcastOrder(o)
	if err := ex.recordFill(o, pos.ID); err != nil {
		return err
	}
	if o.SLPrice == 0 && o.TPPrice == 0 {
		return nil
	}
	var sl, tp *float64
	if o.SLPrice != 0 {
		sl = &o.SLPrice
	}
	if o.TPPrice != 0 {
		tp = &o.TPPrice
	}
	_, err := pos.setBrackets(ctx, sl, tp)
	return err
}

// Cancel withdraws a placed order. A bracket's back-reference on its
// position is cleared before the order turns canceled.
func (o *Order) Cancel(ctx context.Context) (*Result, error) {
	if o.State != domain.OrderStatePlaced {
		return nil, fmt.Errorf("%w: cancel %s", ErrInvalidTransition, o)
	}
	ex := o.ex
	res, err := ex.venue.CancelOrder(ctx, o)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return res, nil
	}
	if pos := o.Position(); pos != nil {
		pos.unlink(o)
	}
	o.State = domain.OrderStateCanceled
	if err := ex.OnOrder(o, true); err != nil {
		return nil, err
	}
	res.Order = o
	return res, nil
}

// Merge copies the fields of a duplicate with the same identity into o.
// Size and bracket levels are taken as given; optional fields only when the
// duplicate carries them. State never moves backwards.
func (o *Order) Merge(other *Order) {
	if other == nil || other == o {
		return
	}
	o.Size = other.Size
	o.SLPrice = other.SLPrice
	o.TPPrice = other.TPPrice
	if other.Symbol != "" {
		o.Symbol = other.Symbol
	}
	if other.Type != "" {
		o.Type = other.Type
	}
	if other.LimitPrice != 0 {
		o.LimitPrice = other.LimitPrice
	}
	if other.StopPrice != 0 {
		o.StopPrice = other.StopPrice
	}
	if !other.PlacedAt.IsZero() {
		o.PlacedAt = other.PlacedAt
	}
	if !other.FilledAt.IsZero() {
		o.FilledAt = other.FilledAt
	}
	if other.FilledPrice != 0 {
		o.FilledPrice = other.FilledPrice
	}
	if other.PositionID != "" {
		o.PositionID = other.PositionID
	}
	if other.Role != "" {
		o.Role = other.Role
	}
	if other.Tag != nil {
		o.Tag = other.Tag
	}
	if other.Raw != nil {
		o.Raw = other.Raw
	}
	if other.State.Rank() > o.State.Rank() {
		o.State = other.State
	}
}
