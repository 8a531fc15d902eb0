// Package app wires configuration into a running embedctl client.
// It serves as dependency injection for the CLI, the relay server and the MCP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/embedctl/internal/client"
	"github.com/raphaelgruber/embedctl/internal/config"
	"github.com/raphaelgruber/embedctl/internal/connection"
	"github.com/raphaelgruber/embedctl/internal/db"
	"github.com/raphaelgruber/embedctl/internal/embedding"
	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/raphaelgruber/embedctl/internal/ledger"
	"github.com/raphaelgruber/embedctl/internal/metrics"
	"github.com/raphaelgruber/embedctl/internal/service"
)

// App holds every long-lived component.
type App struct {
	Client    *client.Client
	Conn      *connection.Manager // nil when push is disabled
	Resolver  *ledger.Resolver
	Publisher *events.Publisher
	Metrics   *metrics.Collector
	Jobs      *service.JobManager
	Orch      *service.Orchestrator
	Commands  *service.Commands

	cfg    config.Config
	db     *db.Client
	unlist func()
	logger *slog.Logger
}

// New builds the component graph. It does not open the push channel; call Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	mc := metrics.NewCollector()
	pub := events.NewPublisher(events.WithQueueSize(cfg.EventQueueSize), events.WithLogger(logger))

	c := client.New(cfg.ServiceURL,
		client.WithAPIKey(cfg.APIKey),
		client.WithTimeout(cfg.RequestTimeout),
		client.WithHealthCooldown(cfg.HealthCooldown),
		client.WithLogger(logger),
		client.WithTimingHook(mc.RecordTiming),
	)

	a := &App{
		Client:    c,
		Publisher: pub,
		Metrics:   mc,
		cfg:       cfg,
		logger:    logger,
	}

	a.Resolver = ledger.NewResolver(
		ledger.WithPoller(c),
		ledger.WithMetrics(mc),
		ledger.WithPublisher(pub),
		ledger.WithLogger(logger),
		ledger.WithPollInterval(cfg.PollInterval),
		ledger.WithDefaultTimeout(cfg.TaskTimeout),
	)

	if cfg.PushEnabled {
		a.Conn = connection.New(cfg.PushEndpoint(),
			connection.WithHeader(c.AuthHeader()),
			connection.WithPublisher(pub),
			connection.WithLogger(logger),
			connection.WithReconnect(cfg.ReconnectBase, cfg.ReconnectMaxAttempts),
		)
		a.unlist = a.Resolver.Listen(a.Conn)
	}

	var store service.JobStore
	if cfg.HistoryEnabled() {
		dbClient, err := openHistory(ctx, cfg, logger)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.db = dbClient
		store = dbClient
	}
	a.Jobs = service.NewJobManager(store, logger)

	orch, err := service.NewOrchestrator(c, a.Resolver, a.Jobs,
		service.WithConnection(a.Conn),
		service.WithMetrics(mc),
		service.WithPublisher(pub),
		service.WithLogger(logger),
		service.WithConfig(OrchestratorConfig(cfg)),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Orch = orch
	a.Commands = service.NewCommands(orch)
	return a, nil
}

// openHistory connects to SurrealDB and marks jobs left running by a previous
// process as interrupted.
func openHistory(ctx context.Context, cfg config.Config, logger *slog.Logger) (*db.Client, error) {
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect job history: %w", err)
	}
	if err := dbClient.InitSchema(ctx); err != nil {
		dbClient.Close(ctx)
		return nil, fmt.Errorf("init job history schema: %w", err)
	}
	if n, err := dbClient.MarkInterrupted(ctx); err != nil {
		// Log warning but don't fail startup
		logger.Warn("failed to mark interrupted jobs", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted jobs", "count", n)
	}
	return dbClient, nil
}

// OrchestratorConfig maps configuration onto orchestrator tunables.
func OrchestratorConfig(cfg config.Config) service.Config {
	return service.Config{
		BatchSize:      cfg.BatchSize,
		TaskTimeout:    cfg.TaskTimeout,
		PollInterval:   cfg.PollInterval,
		Workers:        cfg.Workers,
		FailurePolicy:  service.FailurePolicy(cfg.FailurePolicy),
		SubmitRetries:  cfg.SubmitRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}
}

// Start opens the push channel. A failed dial is logged, not returned:
// jobs fall back to polling and the manager keeps reconnecting.
func (a *App) Start(ctx context.Context) {
	if a.Conn == nil {
		return
	}
	if err := a.Conn.Connect(ctx); err != nil {
		a.logger.Warn("push channel unavailable, using polling", "url", a.Conn.URL(), "error", err)
	}
}

// Embedder returns a langchaingo embedder backed by this app's jobs.
func (a *App) Embedder(cfg embedding.Config) (*embedding.Embedder, error) {
	return embedding.New(a.Orch, cfg)
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// HistoryEnabled reports whether jobs are persisted.
func (a *App) HistoryEnabled() bool { return a.db != nil }

// Close stops running jobs and releases every connection.
func (a *App) Close(ctx context.Context) error {
	if a.Commands != nil {
		a.Commands.Shutdown()
	}
	if a.unlist != nil {
		a.unlist()
	}
	if a.Conn != nil {
		a.Conn.Close()
	}
	if a.Orch != nil {
		a.Orch.Close()
	}
	if a.Resolver != nil {
		a.Resolver.Close()
	}

	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close(ctx))
	}
	return errors.Join(errs...)
}
