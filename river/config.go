package river

import (
	"errors"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/keel/contract"
	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/lifecycle"
	"github.com/lirancohen/keel/snapshot"
)

// Default configuration values.
const (
	// DefaultWorkers is the default number of worker goroutines.
	// Use -1 to auto-detect (runtime.NumCPU()), 0 for insert-only mode.
	DefaultWorkers = -1

	// DefaultJobTimeout is the default timeout for job execution.
	DefaultJobTimeout = 30 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Logger defines the logging interface for the runner.
// Implementations should be safe for concurrent use.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// Folds maps aggregate types to the fold used when compacting their
// snapshots.
type Folds map[event.AggregateType]snapshot.FoldFunc

// Config configures the Runner.
type Config struct {
	// Pool is the PostgreSQL connection pool.
	// Required.
	Pool *pgxpool.Pool

	// Events is the event persistence layer.
	// Required.
	Events event.EventStore

	// Ledger settles contract deadlines. Required for contract expiry
	// jobs.
	Ledger *contract.Ledger

	// Engine settles approval deadlines. Required for approval expiry
	// jobs.
	Engine *lifecycle.Engine

	// Snapshots and Folds drive snapshot compaction jobs. Both are
	// required for compaction; leave them nil to disable it.
	Snapshots snapshot.Store
	Folds     Folds

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Workers is the number of worker goroutines for processing jobs.
	// If zero, runs in insert-only mode (no job processing).
	// If negative, defaults to runtime.NumCPU().
	Workers int

	// JobTimeout is the maximum duration for a single job execution.
	// If zero, defaults to DefaultJobTimeout (30s).
	JobTimeout time.Duration

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// If zero, defaults to DefaultShutdownTimeout (30s).
	ShutdownTimeout time.Duration
}

// Validate checks that the configuration is valid.
// Returns an error if any required fields are missing or invalid.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	if c.Events == nil {
		return errors.New("river: Events is required")
	}
	if c.Ledger == nil {
		return errors.New("river: Ledger is required")
	}
	if c.Engine == nil {
		return errors.New("river: Engine is required")
	}
	if (c.Snapshots == nil) != (c.Folds == nil) {
		return errors.New("river: Snapshots and Folds must be set together")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
// Note: Workers=0 means insert-only mode and is preserved.
func (c *Config) withDefaults() Config {
	cfg := *c

	// Workers=0 means insert-only mode, preserve it
	// Workers<0 means use default (NumCPU)
	if cfg.Workers < 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return cfg
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
