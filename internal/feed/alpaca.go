package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tradecore/internal/domain"
	"tradecore/internal/util"
)

// BarsClient is the part of the Alpaca market-data client the fetcher uses.
type BarsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// Compile-time interface check.
var _ Fetcher = (*AlpacaFetcher)(nil)

// AlpacaFetcher loads bars from the Alpaca market-data API.
type AlpacaFetcher struct {
	client    BarsClient
	timeFrame marketdata.TimeFrame
	feed      marketdata.Feed
	limiter   *util.RateLimiter
}

// NewAlpacaClient builds a market-data client; an empty dataURL keeps the
// library default.
func NewAlpacaClient(apiKey, apiSecret, dataURL string) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return marketdata.NewClient(opts)
}

// NewAlpacaFetcher creates a fetcher for timeFrame bars from feed ("iex" or
// "sip"), throttled to perMinute requests.
func NewAlpacaFetcher(client BarsClient, timeFrame marketdata.TimeFrame, feed marketdata.Feed, perMinute int) *AlpacaFetcher {
	return &AlpacaFetcher{
		client:    client,
		timeFrame: timeFrame,
		feed:      feed,
		limiter:   util.NewRateLimiter(perMinute),
	}
}

// Fetch returns the bars after since up to now.
func (f *AlpacaFetcher) Fetch(ctx context.Context, symbol string, since time.Time) ([]domain.Bar, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req := marketdata.GetBarsRequest{
		TimeFrame: f.timeFrame,
		End:       time.Now(),
		Feed:      f.feed,
	}
	if !since.IsZero() {
		req.Start = since.Add(time.Second)
	}
	raw, err := f.client.GetBars(symbol, req)
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     strings.ToUpper(symbol),
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars, nil
}

// ParseTimeFrame maps a storage timeframe name to an Alpaca bar size.
func ParseTimeFrame(name string) (marketdata.TimeFrame, error) {
	switch strings.ToLower(name) {
	case "daily", "day", "1d":
		return marketdata.OneDay, nil
	case "hourly", "hour", "1h":
		return marketdata.OneHour, nil
	case "minute", "1m", "1min":
		return marketdata.OneMin, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", name)
	}
}
