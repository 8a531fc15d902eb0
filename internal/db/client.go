// Package db persists embedding job history in SurrealDB over an auto-reconnecting websocket.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

const (
	dialTimeout       = 5 * time.Second
	reconnectInitial  = time.Second
	reconnectMax      = 30 * time.Second
	reconnectAttempts = 10
)

// jobTable holds one row per embedding job, keyed by the local job ID.
const jobTable = "embedding_job"

func init() {
	// wss upgrades fail when ALPN negotiates HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Config describes where job history lives.
type Config struct {
	URL       string // ws:// or wss://, with or without /rpc
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" (default) or "database"
}

// Client is the SurrealDB-backed job store.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger *slog.Logger
}

// NewClient dials SurrealDB, signs in and selects the history namespace.
// The connection re-dials with exponential backoff when it drops.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "job_history")

	conn := dial(cfg.URL, logger.New(log.Handler()))
	log.Info("connecting to job history", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	sdb, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}
	if err := signIn(ctx, sdb, cfg); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	if err := sdb.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	log.Info("job history ready", "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: sdb, logger: log}, nil
}

func dial(rawURL string, sdkLogger logger.Logger) *rews.Connection[*gorillaws.Connection] {
	// gorillaws appends /rpc itself.
	baseURL := strings.TrimSuffix(rawURL, "/rpc")
	codec := surrealcbor.New()

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		dialTimeout,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = reconnectInitial
	retryer.MaxDelay = reconnectMax
	retryer.Multiplier = 2.0
	retryer.MaxRetries = reconnectAttempts
	conn.Retryer = retryer
	return conn
}

func signIn(ctx context.Context, sdb *surrealdb.DB, cfg Config) error {
	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == "database" {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := sdb.SignIn(ctx, auth); err != nil {
		return fmt.Errorf("signin as %s (%s): %w", cfg.Username, authLevel(cfg), err)
	}
	return nil
}

func authLevel(cfg Config) string {
	if cfg.AuthLevel == "" {
		return "root"
	}
	return cfg.AuthLevel
}

// Close drops the connection and stops reconnecting.
func (c *Client) Close(ctx context.Context) error {
	c.logger.Debug("closing job history connection")
	return c.conn.Close(ctx)
}

// InitSchema defines the job history table. Safe to run on every start.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	c.logger.Debug("job history schema applied")
	return nil
}

// Reset deletes every job history row, keeping the schema. Tests only.
func (c *Client) Reset(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, "DELETE type::table($tb)", map[string]any{"tb": jobTable}); err != nil {
		return fmt.Errorf("delete %s: %w", jobTable, err)
	}
	return nil
}
