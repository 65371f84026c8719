// Package main provides the graphkeeper job and backup server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/app"
	"github.com/raphaelgruber/graphkeeper/internal/config"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup logger (dual output: stderr text + rotated file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogOptions())
	slog.SetDefault(logger)
	defer func() { _ = cleanup() }()

	logger.Info("graphkeeper-server starting",
		"version", version,
		"store", cfg.Store,
		"listen_addr", cfg.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(initCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to start", "error", err)
		_ = cleanup()
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		_ = cleanup()
		os.Exit(1)
	}
}
