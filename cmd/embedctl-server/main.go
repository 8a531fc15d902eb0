// Package main provides the HTTP relay server for embedctl.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/embedctl/internal/api"
	"github.com/raphaelgruber/embedctl/internal/app"
	"github.com/raphaelgruber/embedctl/internal/config"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "embedctl.yaml", "config file (YAML, optional)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.ServerPort = *port
	}

	// Initialize logging
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	slog.Info("starting embedctl-server", "port", cfg.ServerPort, "service_url", cfg.ServiceURL)

	// Create app with all dependencies
	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(initCtx, cfg, logger)
	cancel()
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			slog.Error("failed to close", "error", err)
		}
	}()

	// Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	if err := api.ListenAndServe(ctx, addr, api.New(a.Commands, logger), logger); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
