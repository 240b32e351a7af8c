package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pyusdbridge/app"
	"pyusdbridge/config"
	"pyusdbridge/workers"

	"go.uber.org/zap"
)

// newLogger logs to stdout, and also to logs/log_YYYY-MM-DD.txt when the
// logs directory exists.
func newLogger(env string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if env == "production" {
		cfg = zap.NewProductionConfig()
	}
	if info, err := os.Stat("logs"); err == nil && info.IsDir() {
		cfg.OutputPaths = append(cfg.OutputPaths, fmt.Sprintf("logs/log_%s.txt", time.Now().Format("2006-01-02")))
	}
	return cfg.Build()
}

func main() {
	configPath := flag.String("config", "config.yml", "path to the yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting PYUSD/wPYUSD bridge",
		zap.String("env", cfg.Server.Env),
		zap.Int64("source_chain", cfg.Source.ChainID),
		zap.Int64("destination_chain", cfg.Destination.ChainID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// connect to chains and the ledger, without persistence do not continue
	bridgeApp, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Error starting bridge", zap.Error(err))
	}
	defer bridgeApp.Close()

	if err := bridgeApp.ProbeChains(); err != nil {
		logger.Warn("RPC probe failed, continuing with failover", zap.Error(err))
	}

	manager := workers.NewManager(ctx, logger)
	for _, w := range bridgeApp.Workers() {
		manager.Go(w)
	}

	<-manager.Done()
	logger.Info("Shutting down")

	if err := manager.Shutdown(app.ShutdownTimeout); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
		bridgeApp.Close()
		os.Exit(1)
	}
	logger.Info("Bridge stopped")
}
