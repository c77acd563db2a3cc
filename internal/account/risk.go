package account

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrRiskLimit is returned when a proposed order breaches a pre-trade rule.
var ErrRiskLimit = errors.New("account: risk limit")

// CheckOrder evaluates whether an entry of size units at price complies with
// the configured limits given the current account state:
//
//   - MaxPositionPct: the margin the order ties up may not exceed this
//     fraction of equity (e.g. 0.10 for 10%).
//   - margin: the order's margin plus margin already in use may not exceed
//     equity.
//   - MaxDailyLossPct: no new exposure once realized and unrealized losses
//     since the start of the trading day reach this fraction of the day's
//     opening equity (e.g. 0.02 for 2%).
func (a *Account) CheckOrder(size, price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("%w: no price to size against (%g)", ErrRiskLimit, price)
	}
	equity := a.Equity()
	if math.IsNaN(equity) || equity <= 0 {
		return fmt.Errorf("%w: equity %.2f", ErrInsufficientFunds, equity)
	}
	required := a.marginFor(size, price)

	if a.cfg.MaxPositionPct > 0 && required > equity*a.cfg.MaxPositionPct {
		return fmt.Errorf("%w: margin %.2f exceeds %.1f%% of equity %.2f",
			ErrRiskLimit, required, a.cfg.MaxPositionPct*100, equity)
	}
	if used := a.usedMargin(); used+required > equity {
		return fmt.Errorf("%w: margin %.2f with %.2f in use exceeds equity %.2f",
			ErrRiskLimit, required, used, equity)
	}
	if a.cfg.MaxDailyLossPct > 0 {
		a.rollDay(a.prices.Now(), equity)
		if a.dayStartEq > 0 && (a.dayStartEq-equity)/a.dayStartEq >= a.cfg.MaxDailyLossPct {
			return fmt.Errorf("%w: daily loss limit %.1f%% reached",
				ErrRiskLimit, a.cfg.MaxDailyLossPct*100)
		}
	}
	return nil
}

func (a *Account) marginRate() float64 {
	if a.cfg.Margin > 0 {
		return a.cfg.Margin
	}
	return 1 / a.cfg.Leverage
}

func (a *Account) marginFor(size, price float64) float64 {
	return math.Abs(size) * price * a.cfg.Multiplier * a.marginRate()
}

func (a *Account) usedMargin() float64 {
	var used float64
	for _, e := range a.open {
		used += a.marginFor(e.size, e.entry)
	}
	return used
}

func (a *Account) rollDay(now time.Time, equity float64) {
	y, m, d := now.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if !day.Equal(a.day) {
		a.day = day
		a.dayStartEq = equity
	}
}
