package builtins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/strategy"
)

// valleyPeak falls for 20 bars, rises for 20 and falls again for 20.
func valleyPeak() []domain.Bar {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var prices []float64
	for i := 0; i < 20; i++ {
		prices = append(prices, 120-float64(i))
	}
	for i := 1; i <= 20; i++ {
		prices = append(prices, 101+2*float64(i))
	}
	for i := 1; i <= 20; i++ {
		prices = append(prices, 141-float64(i))
	}
	bars := make([]domain.Bar, len(prices))
	for i, p := range prices {
		bars[i] = domain.Bar{Symbol: "SPY", Timestamp: t0.AddDate(0, 0, i), Open: p, High: p, Low: p, Close: p}
	}
	return bars
}

func newBacktester() *strategy.Backtester {
	reg := strategy.NewRegistry()
	Register(reg)
	return strategy.NewBacktester(nil, reg, nil)
}

func TestSMACrossFactory(t *testing.T) {
	s, err := NewSMACrossFactory(nil)
	require.NoError(t, err)
	assert.Equal(t, SMACrossName, s.Name())
	assert.Equal(t, SMACrossParams{Fast: 10, Slow: 30}, s.(*SMACross).Params())

	s, err = NewSMACrossFactory(map[string]any{"fast": 3.0, "slow": "8", "size": 5, "short": true})
	require.NoError(t, err)
	assert.Equal(t, SMACrossParams{Fast: 3, Slow: 8, Size: 5, Short: true}, s.(*SMACross).Params())

	for _, params := range []map[string]any{
		{"fast": 10, "slow": 10},
		{"fast": 1, "slow": 10},
		{"stop_loss": 1.5},
		{"window": 3},
	} {
		_, err := NewSMACrossFactory(params)
		assert.Error(t, err, "%v", params)
	}
}

func TestSMACrossLongOnly(t *testing.T) {
	res, err := newBacktester().RunBars(context.Background(), strategy.BacktestConfig{
		Strategy: SMACrossName,
		Params:   map[string]any{"fast": 3, "slow": 5, "size": 10},
		Account:  account.Config{Cash: 10000},
	}, valleyPeak())
	require.NoError(t, err)
	require.NoError(t, res.Stopped)

	require.Equal(t, 1, res.TotalTrades)
	assert.Equal(t, 1.0, res.WinRate)
	pos := res.Positions[0]
	assert.True(t, pos.IsLong())
	assert.Equal(t, domain.PositionStateExit, pos.State)
	assert.Greater(t, pos.RealizedPL, 0.0)
	assert.Greater(t, res.FinalEquity, 10000.0)
	assert.Equal(t, SMACrossName, res.Orders[0].Tag)
}

func TestSMACrossShortsAndBrackets(t *testing.T) {
	res, err := newBacktester().RunBars(context.Background(), strategy.BacktestConfig{
		Strategy: SMACrossName,
		Params:   map[string]any{"fast": 3, "slow": 5, "size": 10, "short": true, "stop_loss": 0.05, "take_profit": 0.5},
		Account:  account.Config{Cash: 10000},
	}, valleyPeak())
	require.NoError(t, err)
	require.NoError(t, res.Stopped)

	var long, short int
	for _, p := range res.Positions {
		if p.IsLong() {
			long++
		} else {
			short++
		}
	}
	assert.Equal(t, 1, long)
	assert.Equal(t, 1, short)

	var entries int
	for _, o := range res.Orders {
		if o.Role != engine.RoleEntry {
			continue
		}
		entries++
		require.NotZero(t, o.SLPrice)
		require.NotZero(t, o.TPPrice)
		if o.IsLong() {
			assert.Less(t, o.SLPrice, o.TPPrice)
		} else {
			assert.Greater(t, o.SLPrice, o.TPPrice)
		}
	}
	assert.Equal(t, 2, entries)
}
