// Package builtins provides the strategies that ship with tradecore.
package builtins

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/strategy"
)

// SMACrossName is the registry name of SMACross.
const SMACrossName = "sma-cross"

// Compile-time interface check.
var _ engine.Strategy = (*SMACross)(nil)

// Register adds the builtin strategies to r.
func Register(r *strategy.Registry) {
	r.Register(SMACrossName, NewSMACrossFactory)
}

// SMACrossParams configures SMACross.
type SMACrossParams struct {
	Fast int `mapstructure:"fast"`
	Slow int `mapstructure:"slow"`
	// Size is the order size; zero sizes by the account's risk fraction.
	Size float64 `mapstructure:"size"`
	// StopLoss and TakeProfit are distances from the reference price as
	// fractions of it. Zero disables the bracket.
	StopLoss   float64 `mapstructure:"stop_loss"`
	TakeProfit float64 `mapstructure:"take_profit"`
	// Short also trades the downward cross.
	Short bool `mapstructure:"short"`
}

// SMACross implements a simple moving average crossover strategy. It goes
// long when the fast SMA crosses above the slow one and flattens (or goes
// short) when it crosses below. Signals use completed bars only.
type SMACross struct {
	engine.BaseStrategy
	params SMACrossParams
}

// NewSMACross creates a new SMACross strategy.
func NewSMACross(p SMACrossParams) (*SMACross, error) {
	if p.Fast < 2 || p.Slow <= p.Fast {
		return nil, fmt.Errorf("sma-cross: need 2 <= fast < slow, got fast=%d slow=%d", p.Fast, p.Slow)
	}
	if p.StopLoss < 0 || p.StopLoss >= 1 || p.TakeProfit < 0 {
		return nil, fmt.Errorf("sma-cross: invalid bracket distances sl=%v tp=%v", p.StopLoss, p.TakeProfit)
	}
	return &SMACross{params: p}, nil
}

// NewSMACrossFactory decodes params (defaults fast=10, slow=30) and builds
// an SMACross.
func NewSMACrossFactory(params map[string]any) (engine.Strategy, error) {
	p := SMACrossParams{Fast: 10, Slow: 30}
	if err := strategy.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	return NewSMACross(p)
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return SMACrossName
}

// Params returns the decoded parameters.
func (s *SMACross) Params() SMACrossParams { return s.params }

// Next detects a crossover on the previous bars and trades it.
func (s *SMACross) Next(ctx context.Context) error {
	n := s.params.Slow + 1
	closes := completed(s.Bars(), n)
	if len(closes) < n {
		return nil
	}
	fast := talib.Sma(closes, s.params.Fast)
	slow := talib.Sma(closes, s.params.Slow)
	prev := fast[n-2] - slow[n-2]
	cur := fast[n-1] - slow[n-1]

	switch {
	case prev <= 0 && cur > 0:
		return s.flip(ctx, domain.Long)
	case prev >= 0 && cur < 0:
		return s.flip(ctx, domain.Short)
	}
	return nil
}

// flip exits positions against side and enters side unless already there.
func (s *SMACross) flip(ctx context.Context, side domain.Side) error {
	holding := false
	for _, p := range s.Ex.Positions().Values() {
		if !p.IsOpen() {
			continue
		}
		if p.Side() == side {
			holding = true
			continue
		}
		if _, err := p.Exit(ctx); err != nil {
			return err
		}
	}
	if holding || side == domain.Short && !s.params.Short {
		return nil
	}

	ref := s.Ex.Venue().ReferencePrice(s.Ex)
	req := engine.OrderRequest{Size: s.params.Size, Tag: SMACrossName}
	dir := float64(side)
	if s.params.StopLoss > 0 {
		req.SLPrice = ref * (1 - dir*s.params.StopLoss)
	}
	if s.params.TakeProfit > 0 {
		req.TPPrice = ref * (1 + dir*s.params.TakeProfit)
	}

	// A venue rejection is logged by the exchange and retried on the next
	// cross.
	var err error
	if side == domain.Long {
		_, err = s.Buy(ctx, req)
	} else {
		_, err = s.Sell(ctx, req)
	}
	return err
}

// completed returns the last n closes before the current bar, oldest first.
func completed(src engine.BarSource, n int) []float64 {
	if c, ok := src.(interface{ Closes(int) []float64 }); ok {
		closes := c.Closes(n + 1)
		if len(closes) == 0 {
			return nil
		}
		return closes[:len(closes)-1]
	}
	out := make([]float64, 0, n)
	for i := -n; i < 0; i++ {
		v := src.Close(i)
		if math.IsNaN(v) {
			out = out[:0]
			continue
		}
		out = append(out, v)
	}
	return out
}
