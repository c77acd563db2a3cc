package strategy

import (
	"math"

	"github.com/markcheno/go-talib"

	"tradecore/internal/account"
	"tradecore/internal/domain"
)

// PeriodsPerYear annualizes the Sharpe ratio of daily equity samples.
const PeriodsPerYear = 252

// computeStats fills the derived metrics from the equity curve and the
// closed positions. ProfitFactor is zero when there are no losing trades.
func (r *BacktestResult) computeStats() {
	if r.InitialCash != 0 {
		r.TotalReturn = (r.FinalEquity - r.InitialCash) / r.InitialCash
	}
	r.SharpeRatio = sharpe(r.EquityCurve, PeriodsPerYear)

	var wins int
	var grossWin, grossLoss float64
	for _, p := range r.Positions {
		if p.State != domain.PositionStateExit {
			continue
		}
		r.TotalTrades++
		switch pl := p.RealizedPL; {
		case pl > 0:
			wins++
			grossWin += pl
		case pl < 0:
			grossLoss -= pl
		}
	}
	if r.TotalTrades > 0 {
		r.WinRate = float64(wins) / float64(r.TotalTrades)
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossWin / grossLoss
	}
}

// sharpe is the annualized mean over standard deviation of the per-sample
// equity returns. It is zero with fewer than two returns or no variance.
func sharpe(curve []account.EquityPoint, periods float64) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			return 0
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}
	n := len(returns)
	mean := talib.Sma(returns, n)[n-1]
	std := talib.StdDev(returns, n, 1)[n-1]
	if std < 1e-12 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(periods)
}
