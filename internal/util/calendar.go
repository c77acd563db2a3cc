package util

import (
	"time"

	"tradecore/internal/domain"
)

// TradingCalendar provides market-hours awareness for a specific market.
// Exchange holidays are not modelled.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
	open   time.Duration // offset from local midnight
	close  time.Duration
}

// NewTradingCalendar creates a TradingCalendar for the given market. US
// equities trade 9:30-16:00 ET, CN 9:30-15:00 CST, crypto around the clock.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	tc := &TradingCalendar{market: market, loc: time.UTC}
	switch market {
	case domain.MarketUS:
		tc.loc = loadLocation("America/New_York")
		tc.open = 9*time.Hour + 30*time.Minute
		tc.close = 16 * time.Hour
	case domain.MarketCN:
		tc.loc = loadLocation("Asia/Shanghai")
		tc.open = 9*time.Hour + 30*time.Minute
		tc.close = 15 * time.Hour
	}
	return tc
}

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (tc *TradingCalendar) alwaysOpen() bool {
	return tc.market == domain.MarketCrypto || tc.close == 0
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if tc.alwaysOpen() {
		return true
	}
	local := t.In(tc.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	since := local.Sub(midnight)
	return since >= tc.open && since < tc.close
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	if tc.IsMarketOpen(t) {
		return t
	}
	local := t.In(tc.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	for i := 0; i < 8; i++ {
		open := day.Add(tc.open)
		if !open.Before(local) && day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	return local
}
