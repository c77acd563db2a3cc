package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradecore/internal/api"
	"tradecore/internal/config"
	"tradecore/internal/store"
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

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	runs, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open run store: %v", err)
	}
	defer runs.Close()

	bars := store.NewParquetStore(cfg.Storage.DataDir).WithTimeframe(cfg.Storage.Timeframe)
	registry := strategy.NewRegistry()
	builtins.Register(registry)
	bt := strategy.NewBacktester(bars, registry, logger, strategy.WithRecorder(runs))

	srv := api.NewServer(cfg, api.NewBacktestService(bt, cfg, logger), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("tradecore-server starting", "addr", cfg.Server.Addr(), "data_dir", cfg.Storage.DataDir,
		"strategies", registry.List())
	err = srv.ListenAndServe(ctx)
	cancel()
	runs.Close()
	if err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
