// Package engine implements the order and position lifecycle, the exchange
// registry that owns them, the venues that fill or reconcile orders and the
// bar-driven run loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradecore/internal/account"
	"tradecore/internal/domain"
)

// BarSource is the read side of a price series. Offsets are relative: 0 is
// the current bar, negative values look back.
type BarSource interface {
	Open(i int) float64
	High(i int) float64
	Low(i int) float64
	Close(i int) float64
	Volume(i int) float64
	Now() time.Time
}

// Listener receives the events an exchange broadcasts while running.
type Listener interface {
	OnOrder(o *Order)
	OnPosition(p *Position)
	OnExecution(x *Execution)
}

// Venue turns orders into fills. The simulator fills against bars; the
// reconciler mirrors a broker.
type Venue interface {
	Name() string
	Start(ctx context.Context, ex *Exchange) error
	// Next evaluates resting orders against the current bar.
	Next(ctx context.Context, ex *Exchange) error
	Stop(ctx context.Context) error

	NewID() string
	// ReferencePrice is the price market orders are validated against.
	ReferencePrice(ex *Exchange) float64

	PlaceOrder(ctx context.Context, o *Order) (*Result, error)
	UpdateOrder(ctx context.Context, o *Order) (*Result, error)
	CancelOrder(ctx context.Context, o *Order) (*Result, error)
	ClosePosition(ctx context.Context, p *Position) (*Result, error)
}

// State is the lifecycle of an Exchange.
type State int

const (
	StateInit State = iota
	StateStart
	StateRun
	StateStop
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStart:
		return "start"
	case StateRun:
		return "run"
	case StateStop:
		return "stop"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithExecutions enables the execution registry.
func WithExecutions() Option {
	return func(e *Exchange) { e.executions = newRegistry[*Execution]() }
}

// WithSymbol sets the symbol used for orders that do not name one.
func WithSymbol(symbol string) Option {
	return func(e *Exchange) { e.symbol = symbol }
}

// Exchange owns the canonical order and position registries and is the only
// place they are mutated. It is driven from a single goroutine.
type Exchange struct {
	venue    Venue
	account  *account.Account
	bars     BarSource
	listener Listener
	log      *slog.Logger
	symbol   string

	state State
	// reconciling relaxes the closed-order rule for broker-driven updates.
	reconciling bool

	orders           *registry[*Order]
	historyOrders    *registry[*Order]
	positions        *registry[*Position]
	historyPositions *registry[*Position]
	executions       *registry[*Execution]
}

// NewExchange creates an Exchange in the Init state.
func NewExchange(venue Venue, acct *account.Account, bars BarSource, log *slog.Logger, opts ...Option) *Exchange {
	if log == nil {
		log = slog.Default()
	}
	e := &Exchange{
		venue:            venue,
		account:          acct,
		bars:             bars,
		log:              log.With("component", "exchange", "venue", venue.Name()),
		orders:           newRegistry[*Order](),
		historyOrders:    newRegistry[*Order](),
		positions:        newRegistry[*Position](),
		historyPositions: newRegistry[*Position](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Init wires the event listener and moves to Start.
func (e *Exchange) Init(l Listener) error {
	if e.state != StateInit {
		return fmt.Errorf("%w: init exchange in %s", ErrInvalidTransition, e.state)
	}
	e.listener = l
	e.state = StateStart
	return nil
}

// Start starts the account and the venue, then moves to Run. Events
// produced while the venue starts are registered but not broadcast.
func (e *Exchange) Start(ctx context.Context) error {
	if e.state != StateStart {
		return fmt.Errorf("%w: start exchange in %s", ErrInvalidTransition, e.state)
	}
	e.account.Start()
	if err := e.venue.Start(ctx, e); err != nil {
		return fmt.Errorf("starting %s: %w", e.venue.Name(), err)
	}
	e.state = StateRun
	e.log.Debug("exchange running", "orders", e.orders.len(), "positions", e.positions.len())
	return nil
}

// Next lets the venue evaluate resting orders against the current bar.
func (e *Exchange) Next(ctx context.Context) error {
	return e.venue.Next(ctx, e)
}

// NextNext runs after the strategy has seen the bar and takes the account's
// equity snapshot if one is owed.
func (e *Exchange) NextNext(context.Context) error {
	return e.account.Snapshot()
}

// Stop stops the venue.
func (e *Exchange) Stop(ctx context.Context) error {
	if e.state == StateStop {
		return nil
	}
	e.state = StateStop
	return e.venue.Stop(ctx)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (e *Exchange) State() State               { return e.state }
func (e *Exchange) Account() *account.Account { return e.account }
func (e *Exchange) Bars() BarSource            { return e.bars }
func (e *Exchange) Venue() Venue               { return e.venue }
func (e *Exchange) Symbol() string             { return e.symbol }
func (e *Exchange) Now() time.Time             { return e.bars.Now() }

func (e *Exchange) Orders() View[*Order]           { return View[*Order]{e.orders} }
func (e *Exchange) HistoryOrders() View[*Order]    { return View[*Order]{e.historyOrders} }
func (e *Exchange) Positions() View[*Position]     { return View[*Position]{e.positions} }
func (e *Exchange) HistoryPositions() View[*Position] {
	return View[*Position]{e.historyPositions}
}

// Executions returns the execution registry; it is empty unless enabled.
func (e *Exchange) Executions() View[*Execution] { return View[*Execution]{e.executions} }

// Order looks an order up among active and then closed orders.
func (e *Exchange) Order(id string) *Order {
	if o, ok := e.orders.get(id); ok {
		return o
	}
	if o, ok := e.historyOrders.get(id); ok {
		return o
	}
	return nil
}

// Position looks a position up among active and then closed positions.
func (e *Exchange) Position(id string) *Position {
	if p, ok := e.positions.get(id); ok {
		return p
	}
	if p, ok := e.historyPositions.get(id); ok {
		return p
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// NewOrder builds, validates and places an entry order. Invalid parameters
// are an error; a venue rejection is a result with OK=false.
func (e *Exchange) NewOrder(ctx context.Context, req OrderRequest) (*Result, error) {
	if e.state != StateRun {
		return nil, fmt.Errorf("%w: new order while %s", ErrInvalidTransition, e.state)
	}
	o := e.newOrder(req)
	if err := o.Validate(o.reference(e.venue.ReferencePrice(e))); err != nil {
		return nil, err
	}
	return o.Place(ctx)
}

func (e *Exchange) newOrder(req OrderRequest) *Order {
	typ := req.Type
	if typ == "" {
		typ = domain.OrderTypeMarket
	}
	symbol := req.Symbol
	if symbol == "" {
		symbol = e.symbol
	}
	return &Order{
		ID:         e.venue.NewID(),
		Symbol:     symbol,
		Size:       req.Size,
		Type:       typ,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		SLPrice:    req.SLPrice,
		TPPrice:    req.TPPrice,
		State:      domain.OrderStatePending,
		Role:       RoleEntry,
		Tag:        req.Tag,
		ex:         e,
	}
}

// OnOrder is the single mutation point of the order registries. A known open
// order is merged into its canonical instance; a new one is inserted and
// linked to its position. Terminal orders move to history. Events are
// broadcast only while running.
func (e *Exchange) OnOrder(o *Order, broadcast bool) error {
	if old, ok := e.historyOrders.get(o.ID); ok {
		if old == o {
			return nil
		}
		switch {
		case e.reconciling && o.IsBracket() && !o.State.Terminal():
			// The broker still works this leg; bring the canonical instance
			// back from history.
			e.historyOrders.delete(o.ID)
			old.Merge(o)
			old.State = o.State
			e.orders.put(old.ID, old)
			o = old
			e.log.Debug("bracket order reactivated", "order", o.ID)
		case !o.State.Terminal():
			return fmt.Errorf("%w: order %s is %s, got %s", ErrReopen, o.ID, old.State, o.State)
		case e.reconciling && o.IsBracket(), old.State == o.State:
			e.log.Debug("duplicate closed order ignored", "order", o.ID, "state", o.State)
			return nil
		default:
			e.log.Warn("closed order re-arrived", "order", o.ID, "state", old.State, "incoming", o.State)
			return nil
		}
	}

	if cur, ok := e.orders.get(o.ID); ok {
		cur.Merge(o)
		o = cur
	} else {
		o.ex = e
		e.orders.put(o.ID, o)
	}
	if o.IsBracket() {
		if pos := e.Position(o.PositionID); pos != nil {
			pos.link(o)
		}
	}

	if o.State.Terminal() {
		e.orders.delete(o.ID)
		e.historyOrders.put(o.ID, o)
		if o.State == domain.OrderStateCanceled {
			if pos := e.Position(o.PositionID); pos != nil {
				pos.unlink(o)
			}
		}
	}

	if broadcast {
		e.broadcastOrder(o)
	}
	return nil
}

func (e *Exchange) broadcastOrder(o *Order) {
	if e.state == StateRun && e.listener != nil {
		e.listener.OnOrder(o)
	}
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// OnPosition is the single mutation point of the position registries. The
// account hooks run exactly once per transition: Open on insert, Mark on
// each update of an open position and Close on exit.
func (e *Exchange) OnPosition(p *Position, broadcast bool) error {
	if old, ok := e.historyPositions.get(p.ID); ok {
		if old == p {
			return nil
		}
		if p.State != domain.PositionStateExit {
			return fmt.Errorf("%w: position %s", ErrReopen, p.ID)
		}
		e.log.Warn("closed position re-arrived", "position", p.ID)
		return nil
	}

	cur, known := e.positions.get(p.ID)
	switch {
	case known:
		cur.Merge(p)
		p = cur
	case p.State == domain.PositionStateNew:
		return fmt.Errorf("%w: position %s was never entered", ErrInvalidTransition, p.ID)
	default:
		p.ex = e
		e.positions.put(p.ID, p)
		for _, o := range e.orders.values() {
			if o.PositionID == p.ID && o.IsBracket() {
				p.link(o)
			}
		}
	}

	if !p.opened {
		p.opened = true
		e.account.Open(p.ID, p.Size, p.EntryPrice, p.EntryFee)
	} else if p.State == domain.PositionStateOpen {
		e.account.Mark(p.ID, p.Size, p.EntryPrice)
	}

	if p.State == domain.PositionStateExit && !p.closed {
		p.closed = true
		if p.ExitAt.IsZero() {
			p.ExitAt = e.Now()
		}
		if p.ExitPrice == 0 {
			p.ExitPrice = e.bars.Open(0)
		}
		if p.RealizedPL == 0 {
			p.realize()
		}
		e.account.Close(p.ID, p.ExitPrice, p.ExitFee)
		e.positions.delete(p.ID)
		e.historyPositions.put(p.ID, p)
	}

	if broadcast && e.state == StateRun && e.listener != nil {
		e.listener.OnPosition(p)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

// OnExecution records a fill. Executions are immutable, so a duplicate id is
// ignored. It is a no-op when execution tracking is disabled.
func (e *Exchange) OnExecution(x *Execution, broadcast bool) error {
	if e.executions == nil {
		return nil
	}
	if _, ok := e.executions.get(x.ID); ok {
		e.log.Debug("duplicate execution ignored", "execution", x.ID)
		return nil
	}
	e.executions.put(x.ID, x)
	if broadcast && e.state == StateRun && e.listener != nil {
		e.listener.OnExecution(x)
	}
	return nil
}
