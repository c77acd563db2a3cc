package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/domain"
	"tradecore/internal/util"
)

// Broker is the order API of a live provider. Operations report rejections
// in the result; only Poll returns errors, which may be transient.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, o *Order) *Result
	UpdateOrder(ctx context.Context, o *Order) *Result
	CancelOrder(ctx context.Context, o *Order) *Result
	ClosePosition(ctx context.Context, p *Position) *Result
	// Poll returns the raw records that appeared, changed or disappeared
	// since the previous call.
	Poll(ctx context.Context) (*Delta, error)
}

// Translator maps provider records to orders and positions. Provider enums
// are mapped onto the engine's states here.
type Translator interface {
	OrderFromRaw(raw any) (*Order, error)
	PositionFromRaw(raw any) (*Position, error)
}

// Delta is one poll worth of broker state changes.
type Delta struct {
	Orders          []any
	ClosedOrders    []any
	Positions       []any
	ClosedPositions []any
}

// Empty reports whether the delta carries no records.
func (d *Delta) Empty() bool {
	return d == nil || len(d.Orders)+len(d.ClosedOrders)+len(d.Positions)+len(d.ClosedPositions) == 0
}

// Compile-time interface check.
var _ Venue = (*Reconciler)(nil)

// Reconciler is the live venue: it forwards order operations to a broker
// and turns polled broker state into the same order and position events the
// simulator produces.
type Reconciler struct {
	broker   Broker
	tr       Translator
	log      *slog.Logger
	attempts int
	delay    time.Duration

	ex *Exchange
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithPollRetry bounds the retries of transient poll failures.
func WithPollRetry(attempts int, delay time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.attempts = attempts
		r.delay = delay
	}
}

// NewReconciler creates a live venue for broker.
func NewReconciler(broker Broker, tr Translator, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{
		broker:   broker,
		tr:       tr,
		log:      log.With("component", "reconciler", "broker", broker.Name()),
		attempts: 3,
		delay:    time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Name() string { return "live:" + r.broker.Name() }

// Start loads the broker's current state. The exchange is not running yet,
// so nothing reaches the strategy.
func (r *Reconciler) Start(ctx context.Context, ex *Exchange) error {
	r.ex = ex
	if err := r.sync(ctx); err != nil {
		return err
	}
	r.log.Info("startup reconciliation done",
		"orders", ex.orders.len(), "positions", ex.positions.len())
	return nil
}

// Next polls the broker and applies the changes.
func (r *Reconciler) Next(ctx context.Context, _ *Exchange) error {
	return r.sync(ctx)
}

func (r *Reconciler) Stop(context.Context) error { return nil }

// NewID returns a client order id.
func (r *Reconciler) NewID() string { return uuid.NewString() }

// ReferencePrice is the last close; the live bar has not opened yet.
func (r *Reconciler) ReferencePrice(ex *Exchange) float64 {
	return ex.bars.Close(0)
}

func (r *Reconciler) PlaceOrder(ctx context.Context, o *Order) (*Result, error) {
	return r.broker.PlaceOrder(ctx, o), nil
}

func (r *Reconciler) UpdateOrder(ctx context.Context, o *Order) (*Result, error) {
	return r.broker.UpdateOrder(ctx, o), nil
}

func (r *Reconciler) CancelOrder(ctx context.Context, o *Order) (*Result, error) {
	return r.broker.CancelOrder(ctx, o), nil
}

// ClosePosition asks the broker to flatten p. The position exits when a
// later poll reports it closed.
func (r *Reconciler) ClosePosition(ctx context.Context, p *Position) (*Result, error) {
	return r.broker.ClosePosition(ctx, p), nil
}

func (r *Reconciler) sync(ctx context.Context) error {
	var delta *Delta
	err := util.RetryIf(ctx, r.attempts, r.delay, util.IsTransient, func() error {
		d, err := r.broker.Poll(ctx)
		if err != nil {
			r.log.Warn("poll failed", "err", err)
			return err
		}
		delta = d
		return nil
	})
	if err != nil {
		return fmt.Errorf("polling %s: %w", r.broker.Name(), err)
	}
	if delta.Empty() {
		return nil
	}

	ex := r.ex
	ex.reconciling = true
	defer func() { ex.reconciling = false }()

	// Positions go first so that bracket legs find their position.
	for _, raw := range delta.Positions {
		if err := r.applyPosition(ctx, raw, false); err != nil {
			return err
		}
	}
	for _, raw := range delta.Orders {
		if err := r.applyOrder(raw); err != nil {
			return err
		}
	}
	for _, raw := range delta.ClosedOrders {
		if err := r.applyOrder(raw); err != nil {
			return err
		}
	}
	for _, raw := range delta.ClosedPositions {
		if err := r.applyPosition(ctx, raw, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyOrder(raw any) error {
	o, err := r.tr.OrderFromRaw(raw)
	if err != nil {
		return fmt.Errorf("translating order: %w", err)
	}
	ex := r.ex
	wasFilled := false
	if prev := ex.Order(o.ID); prev != nil {
		wasFilled = prev.State == domain.OrderStateFilled
	}
	if err := ex.OnOrder(o, true); err != nil {
		return err
	}
	cur := ex.Order(o.ID)
	if cur == nil || wasFilled || cur.State != domain.OrderStateFilled {
		return nil
	}
	return ex.recordFill(cur, cur.PositionID)
}

func (r *Reconciler) applyPosition(ctx context.Context, raw any, closed bool) error {
	p, err := r.tr.PositionFromRaw(raw)
	if err != nil {
		return fmt.Errorf("translating position: %w", err)
	}
	ex := r.ex
	if closed && p.State != domain.PositionStateExit {
		p.State = domain.PositionStateExit
		if p.ExitPrice == 0 {
			p.ExitPrice = ex.bars.Close(0)
		}
		if p.ExitAt.IsZero() {
			p.ExitAt = ex.Now()
		}
	}
	if !closed && p.State == domain.PositionStateNew {
		p.State = domain.PositionStateOpen
	}
	if err := ex.OnPosition(p, true); err != nil {
		return err
	}
	if p.State != domain.PositionStateExit {
		return nil
	}
	return r.cancelBrackets(ctx, p.ID)
}

// cancelBrackets withdraws the legs still resting for a closed position.
// The leg whose fill closed it is already filled and is left alone.
func (r *Reconciler) cancelBrackets(ctx context.Context, positionID string) error {
	for _, o := range r.ex.orders.values() {
		if o.PositionID != positionID || !o.IsBracket() || o.State != domain.OrderStatePlaced {
			continue
		}
		res, err := o.Cancel(ctx)
		if err != nil {
			return fmt.Errorf("canceling %s of closed position %s: %w", o, positionID, err)
		}
		if !res.OK {
			r.log.Warn("bracket cancel rejected", "order", o.ID, "position", positionID, "err", res.Err)
		}
	}
	return nil
}
