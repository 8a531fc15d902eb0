// Package config loads embedctl settings from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Failure policies for manual batch submission.
const (
	FailurePolicyFail  = "fail"
	FailurePolicyRetry = "retry"
)

// Config holds all configuration values.
type Config struct {
	// Remote embedding service
	ServiceURL     string        `yaml:"service_url"`
	PushURL        string        `yaml:"push_url"` // empty: derived from ServiceURL
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HealthCooldown time.Duration `yaml:"health_cooldown"`

	// Orchestration
	BatchSize      int           `yaml:"batch_size"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Workers        int           `yaml:"workers"`
	FailurePolicy  string        `yaml:"failure_policy"`
	SubmitRetries  int           `yaml:"submit_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// Push channel
	PushEnabled          bool          `yaml:"push_enabled"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	// Events
	EventQueueSize int `yaml:"event_queue_size"`

	// Relay server
	ServerPort int `yaml:"server_port"`

	// SurrealDB job history (empty URL disables history)
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Logging
	LogFile      string     `yaml:"log_file"`
	LogLevelName string     `yaml:"log_level"`
	LogLevel     slog.Level `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ServiceURL:     "http://localhost:8090",
		RequestTimeout: 30 * time.Second,
		HealthCooldown: 10 * time.Second,

		BatchSize:      4,
		TaskTimeout:    30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		Workers:        4,
		FailurePolicy:  FailurePolicyFail,
		SubmitRetries:  2,
		RetryBaseDelay: 500 * time.Millisecond,

		PushEnabled:          true,
		ReconnectBase:        time.Second,
		ReconnectMaxAttempts: 5,

		EventQueueSize: 1000,
		ServerPort:     8484,

		SurrealDBNamespace: "embedctl",
		SurrealDBDatabase:  "jobs",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",

		LogFile:      "/tmp/embedctl.log",
		LogLevelName: "INFO",
		LogLevel:     slog.LevelInfo,
	}
}

// Load reads configuration from environment variables over the defaults.
func Load() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// variables. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServiceURL = getEnv("EMBEDCTL_SERVICE_URL", cfg.ServiceURL)
	cfg.PushURL = getEnv("EMBEDCTL_PUSH_URL", cfg.PushURL)
	cfg.APIKey = getEnv("EMBEDCTL_API_KEY", cfg.APIKey)
	cfg.RequestTimeout = getEnvDuration("EMBEDCTL_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.HealthCooldown = getEnvDuration("EMBEDCTL_HEALTH_COOLDOWN", cfg.HealthCooldown)

	cfg.BatchSize = getEnvInt("EMBEDCTL_BATCH_SIZE", cfg.BatchSize)
	cfg.TaskTimeout = getEnvDuration("EMBEDCTL_TASK_TIMEOUT", cfg.TaskTimeout)
	cfg.PollInterval = getEnvDuration("EMBEDCTL_POLL_INTERVAL", cfg.PollInterval)
	cfg.Workers = getEnvInt("EMBEDCTL_WORKERS", cfg.Workers)
	cfg.FailurePolicy = strings.ToLower(getEnv("EMBEDCTL_FAILURE_POLICY", cfg.FailurePolicy))
	cfg.SubmitRetries = getEnvInt("EMBEDCTL_SUBMIT_RETRIES", cfg.SubmitRetries)
	cfg.RetryBaseDelay = getEnvDuration("EMBEDCTL_RETRY_BASE_DELAY", cfg.RetryBaseDelay)

	cfg.PushEnabled = getEnv("EMBEDCTL_PUSH_ENABLED", strconv.FormatBool(cfg.PushEnabled)) == "true"
	cfg.ReconnectBase = getEnvDuration("EMBEDCTL_RECONNECT_BASE", cfg.ReconnectBase)
	cfg.ReconnectMaxAttempts = getEnvInt("EMBEDCTL_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)

	cfg.EventQueueSize = getEnvInt("EMBEDCTL_EVENT_QUEUE", cfg.EventQueueSize)
	cfg.ServerPort = getEnvInt("EMBEDCTL_SERVER_PORT", cfg.ServerPort)

	cfg.SurrealDBURL = getEnv("SURREALDB_URL", cfg.SurrealDBURL)
	cfg.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", cfg.SurrealDBNamespace)
	cfg.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", cfg.SurrealDBDatabase)
	cfg.SurrealDBUser = getEnv("SURREALDB_USER", cfg.SurrealDBUser)
	cfg.SurrealDBPass = getEnv("SURREALDB_PASS", cfg.SurrealDBPass)
	cfg.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", cfg.SurrealDBAuthLevel)

	cfg.LogFile = getEnv("EMBEDCTL_LOG_FILE", cfg.LogFile)
	cfg.LogLevelName = getEnv("EMBEDCTL_LOG_LEVEL", cfg.LogLevelName)
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
}

// Validate reports settings the orchestrator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ServiceURL == "" {
		errs = append(errs, errors.New("service_url is required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("task_timeout must be positive, got %s", c.TaskTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.FailurePolicy != FailurePolicyFail && c.FailurePolicy != FailurePolicyRetry {
		errs = append(errs, fmt.Errorf("failure_policy must be %q or %q, got %q", FailurePolicyFail, FailurePolicyRetry, c.FailurePolicy))
	}
	if c.SubmitRetries < 0 {
		errs = append(errs, fmt.Errorf("submit_retries must not be negative, got %d", c.SubmitRetries))
	}
	return errors.Join(errs...)
}

// PushEndpoint returns the push channel URL, deriving it from the service
// URL when none is configured.
func (c Config) PushEndpoint() string {
	if c.PushURL != "" {
		return c.PushURL
	}
	u := strings.TrimSuffix(c.ServiceURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// HistoryEnabled reports whether job history is persisted to SurrealDB.
func (c Config) HistoryEnabled() bool {
	return c.SurrealDBURL != ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("ignoring invalid duration setting", "key", key, "value", val)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
