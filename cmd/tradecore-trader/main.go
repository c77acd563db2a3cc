package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/feed"
	"tradecore/internal/live"
	"tradecore/internal/strategy"
	"tradecore/internal/strategy/builtins"
	"tradecore/internal/util"
)

func main() {
	cfgPath := os.Getenv("TRADECORE_CONFIG")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateLive(); err != nil {
		log.Fatal(err)
	}
	// Bars come from Alpaca for both brokers.
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca credentials are required for market data")
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	tf, err := feed.ParseTimeFrame(cfg.Storage.Timeframe)
	if err != nil {
		log.Fatal(err)
	}
	data := feed.NewAlpacaClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	fetcher := feed.NewAlpacaFetcher(data, tf, marketdata.Feed(cfg.Alpaca.Feed), cfg.Alpaca.RateLimitPerMin)

	var venue broker.Venue
	switch cfg.Live.Broker {
	case "alpaca":
		client := broker.NewAlpacaClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		venue = broker.NewAlpacaBroker(client, cfg.Alpaca.RateLimitPerMin, logger)
	default:
		venue = broker.NewPaperBroker()
	}

	registry := strategy.NewRegistry()
	builtins.Register(registry)

	trader, err := live.New(live.ConfigFrom(cfg), registry, fetcher, venue, logger)
	if err != nil {
		log.Fatalf("failed to create trader: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := trader.Run(ctx); err != nil {
		logger.Error("trader failed", "error", err)
		os.Exit(1)
	}
}
