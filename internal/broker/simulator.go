package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/domain"
	"tradecore/internal/engine"
)

// PaperOrder is the raw order record of the paper broker.
type PaperOrder struct {
	ID          string
	Symbol      string
	Size        float64
	Type        domain.OrderType
	LimitPrice  float64
	StopPrice   float64
	SLPrice     float64
	TPPrice     float64
	State       domain.OrderState
	PositionID  string
	Role        engine.Role
	PlacedAt    time.Time
	FilledAt    time.Time
	FilledPrice float64
}

// PaperPosition is the raw position record of the paper broker.
type PaperPosition struct {
	ID         string
	Symbol     string
	Size       float64
	EntryPrice float64
	EntryAt    time.Time
	ExitPrice  float64
	ExitAt     time.Time
	SLOrderID  string
	TPOrderID  string
}

// PaperBroker is an in-memory broker for paper trading. Orders rest until
// the next Poll, where they are matched against the last price pushed for
// their symbol. Bracket legs are created on entry fills and the surviving
// leg is canceled when one of them fills.
type PaperBroker struct {
	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*PaperOrder // open orders
	order     []string               // open order ids in arrival order
	positions map[string]*PaperPosition
	closing   map[string]bool
	pending   engine.Delta
	now       func() time.Time
}

// NewPaperBroker creates an empty PaperBroker.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		prices:    make(map[string]float64),
		orders:    make(map[string]*PaperOrder),
		positions: make(map[string]*PaperPosition),
		closing:   make(map[string]bool),
		now:       time.Now,
	}
}

// Name returns "paper".
func (b *PaperBroker) Name() string {
	return "paper"
}

// SetPrice records the latest trade price of symbol.
func (b *PaperBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// PlaceOrder accepts o; it is reported back as open on the next poll. A
// stop-loss or take-profit leg is attached to its open position.
func (b *PaperBroker) PlaceOrder(_ context.Context, o *engine.Order) *engine.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.orders[o.ID]; dup {
		return engine.Rejected(fmt.Errorf("paper: duplicate order id %s", o.ID), nil)
	}
	po := &PaperOrder{
		ID:         o.ID,
		Symbol:     o.Symbol,
		Size:       o.Size,
		Type:       o.Type,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		SLPrice:    o.SLPrice,
		TPPrice:    o.TPPrice,
		State:      domain.OrderStatePlaced,
		PositionID: o.PositionID,
		Role:       o.Role,
		PlacedAt:   o.PlacedAt,
	}
	if pos, ok := b.positions[po.PositionID]; ok {
		switch po.Role {
		case engine.RoleStopLoss:
			pos.SLOrderID = po.ID
		case engine.RoleTakeProfit:
			pos.TPOrderID = po.ID
		}
	}
	b.add(po)
	return engine.Accepted(*po)
}

// UpdateOrder reprices an open order.
func (b *PaperBroker) UpdateOrder(_ context.Context, o *engine.Order) *engine.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[o.ID]
	if !ok {
		return engine.Rejected(fmt.Errorf("paper: order %s is not open", o.ID), nil)
	}
	po.LimitPrice, po.StopPrice = o.LimitPrice, o.StopPrice
	po.SLPrice, po.TPPrice = o.SLPrice, o.TPPrice
	b.pending.Orders = append(b.pending.Orders, *po)
	return engine.Accepted(*po)
}

// CancelOrder cancels an open order.
func (b *PaperBroker) CancelOrder(_ context.Context, o *engine.Order) *engine.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[o.ID]
	if !ok {
		return engine.Rejected(fmt.Errorf("paper: order %s is not open", o.ID), nil)
	}
	b.finish(po, domain.OrderStateCanceled)
	return engine.Accepted(*po)
}

// ClosePosition flattens p at the next poll's price.
func (b *PaperBroker) ClosePosition(_ context.Context, p *engine.Position) *engine.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[p.ID]; !ok {
		return engine.Rejected(fmt.Errorf("paper: position %s is not open", p.ID), nil)
	}
	b.closing[p.ID] = true
	return engine.Accepted(nil)
}

// Poll matches resting orders against the latest prices and returns what
// changed since the previous poll.
func (b *PaperBroker) Poll(context.Context) (*engine.Delta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, id := range append([]string(nil), b.order...) {
		po, ok := b.orders[id]
		if !ok {
			continue
		}
		price, ok := b.prices[po.Symbol]
		if !ok || !crosses(po, price) {
			continue
		}
		fill := price
		switch po.Type {
		case domain.OrderTypeLimit:
			fill = po.LimitPrice
		case domain.OrderTypeStop:
			fill = po.StopPrice
		}
		b.fill(po, fill, now)
	}
	for id := range b.closing {
		pos, ok := b.positions[id]
		if !ok {
			continue
		}
		b.closePosition(pos, b.prices[pos.Symbol], now, "")
	}
	clear(b.closing)

	delta := b.pending
	b.pending = engine.Delta{}
	return &delta, nil
}

func crosses(po *PaperOrder, price float64) bool {
	long := po.Size > 0
	switch po.Type {
	case domain.OrderTypeLimit:
		return long && price <= po.LimitPrice || !long && price >= po.LimitPrice
	case domain.OrderTypeStop:
		return long && price >= po.StopPrice || !long && price <= po.StopPrice
	case domain.OrderTypeMarket:
		return true
	default:
		return false
	}
}

func (b *PaperBroker) add(po *PaperOrder) {
	b.orders[po.ID] = po
	b.order = append(b.order, po.ID)
	b.pending.Orders = append(b.pending.Orders, *po)
}

func (b *PaperBroker) finish(po *PaperOrder, state domain.OrderState) {
	po.State = state
	delete(b.orders, po.ID)
	for i, id := range b.order {
		if id == po.ID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.pending.ClosedOrders = append(b.pending.ClosedOrders, *po)
}

func (b *PaperBroker) fill(po *PaperOrder, price float64, at time.Time) {
	po.FilledPrice = price
	po.FilledAt = at

	if po.Role == engine.RoleStopLoss || po.Role == engine.RoleTakeProfit {
		b.finish(po, domain.OrderStateFilled)
		if pos, ok := b.positions[po.PositionID]; ok {
			b.closePosition(pos, price, at, po.ID)
		}
		return
	}

	pos := &PaperPosition{
		ID:         po.ID,
		Symbol:     po.Symbol,
		Size:       po.Size,
		EntryPrice: price,
		EntryAt:    at,
	}
	po.PositionID = pos.ID
	b.finish(po, domain.OrderStateFilled)
	b.positions[pos.ID] = pos

	if po.SLPrice != 0 {
		sl := b.leg(po, pos, engine.RoleStopLoss)
		sl.Type, sl.StopPrice = domain.OrderTypeStop, po.SLPrice
		pos.SLOrderID = sl.ID
		b.add(sl)
	}
	if po.TPPrice != 0 {
		tp := b.leg(po, pos, engine.RoleTakeProfit)
		tp.Type, tp.LimitPrice = domain.OrderTypeLimit, po.TPPrice
		pos.TPOrderID = tp.ID
		b.add(tp)
	}
	b.pending.Positions = append(b.pending.Positions, *pos)
}

func (b *PaperBroker) leg(parent *PaperOrder, pos *PaperPosition, role engine.Role) *PaperOrder {
	suffix := "-sl"
	if role == engine.RoleTakeProfit {
		suffix = "-tp"
	}
	return &PaperOrder{
		ID:         parent.ID + suffix,
		Symbol:     parent.Symbol,
		Size:       -pos.Size,
		State:      domain.OrderStatePlaced,
		PositionID: pos.ID,
		Role:       role,
		PlacedAt:   pos.EntryAt,
	}
}

// closePosition reports pos closed and cancels whichever leg did not cause
// the close.
func (b *PaperBroker) closePosition(pos *PaperPosition, price float64, at time.Time, causer string) {
	pos.ExitPrice = price
	pos.ExitAt = at
	delete(b.positions, pos.ID)
	for _, id := range []string{pos.SLOrderID, pos.TPOrderID} {
		if id == "" || id == causer {
			continue
		}
		if leg, ok := b.orders[id]; ok {
			b.finish(leg, domain.OrderStateCanceled)
		}
	}
	b.pending.ClosedPositions = append(b.pending.ClosedPositions, *pos)
}

// OrderFromRaw maps a PaperOrder to an engine order.
func (b *PaperBroker) OrderFromRaw(raw any) (*engine.Order, error) {
	po, ok := raw.(PaperOrder)
	if !ok {
		return nil, fmt.Errorf("paper: unexpected order record %T", raw)
	}
	return &engine.Order{
		ID:          po.ID,
		Symbol:      po.Symbol,
		Size:        po.Size,
		Type:        po.Type,
		LimitPrice:  po.LimitPrice,
		StopPrice:   po.StopPrice,
		SLPrice:     po.SLPrice,
		TPPrice:     po.TPPrice,
		State:       po.State,
		PlacedAt:    po.PlacedAt,
		FilledAt:    po.FilledAt,
		FilledPrice: po.FilledPrice,
		PositionID:  po.PositionID,
		Role:        po.Role,
		Raw:         po,
	}, nil
}

// PositionFromRaw maps a PaperPosition to an engine position.
func (b *PaperBroker) PositionFromRaw(raw any) (*engine.Position, error) {
	pp, ok := raw.(PaperPosition)
	if !ok {
		return nil, fmt.Errorf("paper: unexpected position record %T", raw)
	}
	p := &engine.Position{
		ID:         pp.ID,
		Symbol:     pp.Symbol,
		Size:       pp.Size,
		EntryPrice: pp.EntryPrice,
		EntryAt:    pp.EntryAt,
		ExitPrice:  pp.ExitPrice,
		ExitAt:     pp.ExitAt,
		OrderID:    pp.ID,
		State:      domain.PositionStateOpen,
		Raw:        pp,
	}
	if !pp.ExitAt.IsZero() {
		p.State = domain.PositionStateExit
	}
	return p, nil
}
