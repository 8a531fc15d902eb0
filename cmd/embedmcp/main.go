// Package main provides the entry point for the embedctl MCP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/embedctl/internal/app"
	"github.com/raphaelgruber/embedctl/internal/config"
	"github.com/raphaelgruber/embedctl/internal/server"
	"github.com/raphaelgruber/embedctl/internal/tools"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.LoadFile(os.Getenv("EMBEDCTL_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "embedmcp: %v\n", err)
		os.Exit(1)
	}

	// Setup logger (dual output: stderr text + file JSON); stdout carries the protocol
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	logger.Info("embedmcp starting",
		"version", version,
		"service_url", cfg.ServiceURL,
		"push", cfg.PushEnabled,
		"history", cfg.HistoryEnabled(),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("closing connections")
		_ = a.Close(context.Background())
	}()
	a.Start(ctx)

	// Create server and register tools
	srv := server.New(version, logger)
	srv.Setup(&tools.Dependencies{
		Commands: a.Commands,
		Logger:   logger,
	})

	logger.Info("server ready, awaiting connections")

	// Run server (blocks until disconnect or context cancelled)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
