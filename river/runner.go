// Package river schedules keel's durable background jobs on the River
// job queue: contract deadline expiry, approval deadline expiry, and
// snapshot compaction. Jobs are persisted in PostgreSQL alongside the
// event log, so scheduled work survives restarts.
package river

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/lirancohen/keel/contract"
	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/lifecycle"
	"github.com/lirancohen/keel/snapshot"
)

// Common errors returned by the Runner.
var (
	// ErrRunnerNotStarted indicates an operation was attempted before Start.
	ErrRunnerNotStarted = errors.New("runner not started")

	// ErrRunnerAlreadyStarted indicates Start was called twice.
	ErrRunnerAlreadyStarted = errors.New("runner already started")
)

// Runner schedules and processes keel's background jobs.
type Runner struct {
	pool      *pgxpool.Pool
	events    event.EventStore
	ledger    *contract.Ledger
	engine    *lifecycle.Engine
	snapshots snapshot.Store
	folds     Folds
	logger    Logger
	config    Config

	client  *river.Client[pgx.Tx]
	started bool
	mu      sync.RWMutex
}

// NewRunner creates a new Runner with the given configuration.
// Returns an error if required configuration is missing.
func NewRunner(config Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &Runner{
		pool:      cfg.Pool,
		events:    cfg.Events,
		ledger:    cfg.Ledger,
		engine:    cfg.Engine,
		snapshots: cfg.Snapshots,
		folds:     cfg.Folds,
		logger:    cfg.Logger,
		config:    cfg,
	}, nil
}

// Start initializes the River client and starts workers. With Workers=0
// the runner comes up in insert-only mode: jobs can be scheduled but are
// processed elsewhere.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &contractExpiryWorker{runner: r})
	river.AddWorker(workers, &approvalExpiryWorker{runner: r})
	river.AddWorker(workers, &compactionWorker{runner: r})

	riverCfg := &river.Config{
		Workers:      workers,
		JobTimeout:   r.config.JobTimeout,
		ErrorHandler: &errorHandler{logger: r.logger},
	}
	if r.config.Workers > 0 {
		riverCfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: r.config.Workers},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(r.pool), riverCfg)
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	r.client = client

	// Insert-only mode: the client can schedule jobs without running
	// its queues.
	if r.config.Workers > 0 {
		if err := r.client.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
	}

	r.started = true
	r.logger.Info("runner started", "workers", r.config.Workers)

	return nil
}

// Stop gracefully shuts down the runner.
// Waits for in-flight jobs up to ShutdownTimeout.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	if r.config.Workers > 0 {
		shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
		defer cancel()

		if err := r.client.Stop(shutdownCtx); err != nil {
			r.logger.Warn("river client stop error", "error", err)
		}
	}

	r.started = false
	r.logger.Info("runner stopped")

	return nil
}

// ScheduleContractExpiry schedules expiry of a contract at its deadline.
// Call it right after creating a contract with an expires_at.
func (r *Runner) ScheduleContractExpiry(ctx context.Context, contractID string, at time.Time) error {
	if err := r.insert(ctx, ContractExpiryJobArgs{ContractID: contractID}, &river.InsertOpts{
		ScheduledAt: at,
		MaxAttempts: 3,
	}); err != nil {
		return fmt.Errorf("schedule contract expiry: %w", err)
	}

	r.logger.Debug("contract expiry scheduled", "contract_id", contractID, "at", at)
	return nil
}

// ScheduleApprovalExpiry schedules expiry of a pending approval at its
// deadline.
func (r *Runner) ScheduleApprovalExpiry(ctx context.Context, approvalID string, at time.Time) error {
	if err := r.insert(ctx, ApprovalExpiryJobArgs{ApprovalID: approvalID}, &river.InsertOpts{
		ScheduledAt: at,
		MaxAttempts: 3,
	}); err != nil {
		return fmt.Errorf("schedule approval expiry: %w", err)
	}

	r.logger.Debug("approval expiry scheduled", "approval_id", approvalID, "at", at)
	return nil
}

// ScheduleCompaction queues a snapshot compaction for the given
// aggregate. Duplicate compactions for the same stream are harmless;
// the worker overwrites the snapshot at the latest version.
func (r *Runner) ScheduleCompaction(ctx context.Context, ref event.AggregateRef) error {
	if err := r.insert(ctx, CompactionJobArgs{
		AggregateType: string(ref.Type),
		AggregateID:   ref.ID,
	}, nil); err != nil {
		return fmt.Errorf("schedule compaction: %w", err)
	}

	r.logger.Debug("compaction scheduled", "aggregate", ref.String())
	return nil
}

func (r *Runner) insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error {
	r.mu.RLock()
	started := r.started
	client := r.client
	r.mu.RUnlock()

	if !started {
		return ErrRunnerNotStarted
	}

	_, err := client.Insert(ctx, args, opts)
	return err
}

// errorHandler handles River job errors.
type errorHandler struct {
	logger Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job error", "job_kind", job.Kind, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panic", "job_kind", job.Kind, "panic", panicVal, "trace", trace)
	return nil
}
