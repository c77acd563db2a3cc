// Package account keeps cash, open exposure and the equity curve of a single
// trading run, and prices fills and risk for the engine.
package account

import (
	"errors"
	"fmt"
	"math"
	"time"

	"tradecore/internal/domain"
)

// ErrInsufficientFunds is returned by Snapshot once equity is depleted.
var ErrInsufficientFunds = errors.New("account: insufficient funds")

// ForexLotSize is the unit multiplier of a standard forex lot.
const ForexLotSize = 100_000

// PriceSource is the slice of the bar source the account reads from.
type PriceSource interface {
	Open(i int) float64
	Now() time.Time
}

// Config holds the starting cash and risk parameters of an account.
type Config struct {
	Cash         float64 `yaml:"cash"`
	RiskFraction float64 `yaml:"risk_fraction"`
	Leverage     float64 `yaml:"leverage"`
	// Margin is the fraction of notional that must be posted. Zero means
	// 1/Leverage.
	Margin float64 `yaml:"margin"`
	// Multiplier converts size units into quote currency (lot size).
	Multiplier      float64  `yaml:"multiplier"`
	CommissionRate  float64  `yaml:"commission_rate"`
	MaxPositionPct  float64  `yaml:"max_position_pct"`
	MaxDailyLossPct float64  `yaml:"max_daily_loss_pct"`
	Fees            FeeModel `yaml:"-"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	At     time.Time
	Equity float64
}

type exposure struct {
	id    string
	size  float64
	entry float64
}

// Account tracks cash, open exposure and a lazily sampled equity curve. It
// is owned by a single run and is not safe for concurrent use.
type Account struct {
	cfg    Config
	prices PriceSource
	fees   FeeModel

	cash  float64
	open  []exposure
	index map[string]int
	dirty bool

	curve       []EquityPoint
	peak        float64
	drawdown    float64
	maxDrawdown float64

	day        time.Time
	dayStartEq float64
}

// New creates an Account priced from prices.
func New(cfg Config, prices PriceSource) *Account {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1
	}
	fees := cfg.Fees
	if fees == nil {
		fees = Commission{Rate: cfg.CommissionRate}
	}
	return &Account{
		cfg:    cfg,
		prices: prices,
		fees:   fees,
		cash:   cfg.Cash,
		index:  make(map[string]int),
	}
}

// NewForex creates an Account whose P&L is scaled by the standard lot size.
func NewForex(cfg Config, prices PriceSource) *Account {
	cfg.Multiplier = ForexLotSize
	return New(cfg, prices)
}

// Start resets the run bookkeeping and owes a baseline snapshot.
func (a *Account) Start() {
	a.cash = a.cfg.Cash
	a.open = a.open[:0]
	a.index = make(map[string]int)
	a.curve = nil
	a.peak = a.cfg.Cash
	a.drawdown, a.maxDrawdown = 0, 0
	a.dirty = true
}

// Config returns the account parameters.
func (a *Account) Config() Config { return a.cfg }

// Cash returns realized cash, fees included.
func (a *Account) Cash() float64 { return a.cash }

// Risk turns a side into a signed order size. Without an explicit size the
// configured risk fraction is used.
func (a *Account) Risk(side domain.Side, size float64) float64 {
	if size == 0 {
		return float64(side) * a.cfg.RiskFraction
	}
	return float64(side) * math.Abs(size)
}

// PL is the price P&L of size units moved from entry to exit. A zero exit
// marks the exposure to the current bar's open.
func (a *Account) PL(size, entry, exit float64) float64 {
	if exit == 0 {
		exit = a.prices.Open(0)
	}
	return size * (exit - entry) * a.cfg.Multiplier
}

// Fee prices one fill of size units. Costs are negative.
func (a *Account) Fee(size float64) float64 {
	return a.fees.Fee(size)
}

// Open records a new exposure and books its entry fee.
func (a *Account) Open(id string, size, price, fee float64) {
	if _, ok := a.index[id]; ok {
		a.Mark(id, size, price)
		return
	}
	a.cash += fee
	a.index[id] = len(a.open)
	a.open = append(a.open, exposure{id: id, size: size, entry: price})
	a.dirty = true
}

// Mark replaces the size and entry price of an existing exposure without
// booking any cash, as happens when a broker reports a scaled position.
func (a *Account) Mark(id string, size, price float64) {
	i, ok := a.index[id]
	if !ok {
		return
	}
	a.open[i].size = size
	if price != 0 {
		a.open[i].entry = price
	}
	a.dirty = true
}

// Close books the realized P&L and exit fee of an exposure and returns the
// cash delta.
func (a *Account) Close(id string, exitPrice, fee float64) float64 {
	i, ok := a.index[id]
	if !ok {
		return 0
	}
	exp := a.open[i]
	delta := a.PL(exp.size, exp.entry, exitPrice) + fee
	a.cash += delta

	a.open = append(a.open[:i], a.open[i+1:]...)
	delete(a.index, id)
	for j := i; j < len(a.open); j++ {
		a.index[a.open[j].id] = j
	}
	a.dirty = true
	return delta
}

// Exposures returns the number of open exposures.
func (a *Account) Exposures() int { return len(a.open) }

// Equity is cash plus the unrealized P&L of every open exposure, marked to
// the current bar's open.
func (a *Account) Equity() float64 {
	eq := a.cash
	for _, e := range a.open {
		eq += a.PL(e.size, e.entry, 0)
	}
	return eq
}

// Snapshot appends an equity point when one is owed: a position opened or
// closed since the last snapshot, or exposure is still open. Flat periods
// produce no points.
func (a *Account) Snapshot() error {
	if !a.dirty && len(a.open) == 0 {
		return nil
	}
	eq := a.Equity()
	a.rollDay(a.prices.Now(), eq)
	a.curve = append(a.curve, EquityPoint{At: a.prices.Now(), Equity: eq})
	a.dirty = false

	if eq > a.peak {
		a.peak = eq
	}
	if a.peak > 0 {
		a.drawdown = (a.peak - eq) / a.peak
		if a.drawdown > a.maxDrawdown {
			a.maxDrawdown = a.drawdown
		}
	}
	if eq <= 0 {
		return fmt.Errorf("%w: equity %.2f at %s", ErrInsufficientFunds, eq, a.prices.Now().Format(time.RFC3339))
	}
	return nil
}

// EquityCurve returns the sampled equity points in time order.
func (a *Account) EquityCurve() []EquityPoint {
	out := make([]EquityPoint, len(a.curve))
	copy(out, a.curve)
	return out
}

// Drawdown returns the drawdown at the last snapshot and the worst one seen,
// both as fractions of the running peak.
func (a *Account) Drawdown() (current, worst float64) {
	return a.drawdown, a.maxDrawdown
}

// Peak returns the highest sampled equity.
func (a *Account) Peak() float64 { return a.peak }
