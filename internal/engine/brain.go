package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"tradecore/internal/account"
)

// Feeder advances one or more bar sources. Next returns io.EOF when there is
// no more data.
type Feeder interface {
	SetPrimary(name string) error
	Start(ctx context.Context) error
	Next(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Compile-time interface check.
var _ Listener = (*Brain)(nil)

// Brain drives the per-bar loop: feeder, exchange, strategy, equity
// snapshot. It forwards exchange events to the strategy.
type Brain struct {
	strategy Strategy
	ex       *Exchange
	feeder   Feeder
	primary  string
	log      *slog.Logger

	bars    int
	err     error
	stopped bool
}

// NewBrain creates a Brain. primary names the bar source that paces the
// loop; empty keeps the feeder's default.
func NewBrain(strategy Strategy, ex *Exchange, feeder Feeder, primary string, log *slog.Logger) *Brain {
	if log == nil {
		log = slog.Default()
	}
	return &Brain{
		strategy: strategy,
		ex:       ex,
		feeder:   feeder,
		primary:  primary,
		log:      log.With("component", "brain", "strategy", strategy.Name()),
	}
}

// Start prepares a run: primary source, strategy, feeder and exchange, then
// the strategy's start hook.
func (b *Brain) Start(ctx context.Context) error {
	if b.primary != "" {
		if err := b.feeder.SetPrimary(b.primary); err != nil {
			return err
		}
	}
	if err := b.strategy.Init(ctx, b.ex); err != nil {
		return fmt.Errorf("initializing strategy %s: %w", b.strategy.Name(), err)
	}
	if err := b.ex.Init(b); err != nil {
		return err
	}
	if err := b.feeder.Start(ctx); err != nil {
		return fmt.Errorf("starting feeder: %w", err)
	}
	if err := b.ex.Start(ctx); err != nil {
		return err
	}
	if err := b.strategy.Start(ctx); err != nil {
		return fmt.Errorf("starting strategy %s: %w", b.strategy.Name(), err)
	}
	return nil
}

// Run loops until the feeder is exhausted, the context is done or a bar
// fails. A failing bar ends the loop without failing Run; the cause is
// available from Err. The strategy's stop hook runs exactly once.
func (b *Brain) Run(ctx context.Context) error {
	defer b.stopStrategy(ctx)

	for {
		if err := ctx.Err(); err != nil {
			b.err = err
			b.log.Info("run canceled", "bars", b.bars)
			return nil
		}
		err := b.step(ctx)
		if err == nil {
			b.bars++
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			b.log.Info("run finished", "bars", b.bars)
		case errors.Is(err, account.ErrInsufficientFunds):
			b.err = err
			b.log.Warn("run stopped", "bars", b.bars, "err", err)
		default:
			b.err = err
			b.log.Error("run failed", "bars", b.bars, "err", err)
		}
		return nil
	}
}

func (b *Brain) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in bar loop: %v", r)
		}
	}()
	if err := b.feeder.Next(ctx); err != nil {
		return err
	}
	if err := b.ex.Next(ctx); err != nil {
		return err
	}
	if err := b.strategy.Next(ctx); err != nil {
		return err
	}
	return b.ex.NextNext(ctx)
}

func (b *Brain) stopStrategy(ctx context.Context) {
	if b.stopped {
		return
	}
	b.stopped = true
	if err := b.strategy.Stop(ctx); err != nil {
		b.log.Error("strategy stop failed", "err", err)
	}
}

// Stop stops the feeder and then the exchange.
func (b *Brain) Stop(ctx context.Context) error {
	ferr := b.feeder.Stop(ctx)
	xerr := b.ex.Stop(ctx)
	return errors.Join(ferr, xerr)
}

// Err returns what ended the last run, or nil when the data ran out.
func (b *Brain) Err() error { return b.err }

// Bars returns the number of bars processed.
func (b *Brain) Bars() int { return b.bars }

// Exchange returns the driven exchange.
func (b *Brain) Exchange() *Exchange { return b.ex }

func (b *Brain) OnOrder(o *Order)         { b.strategy.OnOrder(o) }
func (b *Brain) OnPosition(p *Position)   { b.strategy.OnPosition(p) }
func (b *Brain) OnExecution(x *Execution) { b.strategy.OnExecution(x) }
