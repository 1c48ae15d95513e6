package river

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/snapshot"
)

// contractExpiryWorker settles contract deadlines.
type contractExpiryWorker struct {
	river.WorkerDefaults[ContractExpiryJobArgs]
	runner *Runner
}

// Work expires the contract if its deadline has passed. The ledger
// re-checks the deadline and the contract's status, so a stale job for a
// settled or extended contract is a no-op.
func (w *contractExpiryWorker) Work(ctx context.Context, job *river.Job[ContractExpiryJobArgs]) error {
	args := job.Args
	r := w.runner

	r.logger.Debug("processing contract expiry", "contract_id", args.ContractID)

	if err := r.ledger.Expire(ctx, args.ContractID); err != nil {
		return fmt.Errorf("expire contract %s: %w", args.ContractID, err)
	}
	return nil
}

// approvalExpiryWorker settles approval deadlines.
type approvalExpiryWorker struct {
	river.WorkerDefaults[ApprovalExpiryJobArgs]
	runner *Runner
}

// Work expires the approval if it is still pending past its deadline.
func (w *approvalExpiryWorker) Work(ctx context.Context, job *river.Job[ApprovalExpiryJobArgs]) error {
	args := job.Args
	r := w.runner

	r.logger.Debug("processing approval expiry", "approval_id", args.ApprovalID)

	if err := r.engine.ExpireApproval(ctx, args.ApprovalID); err != nil {
		return fmt.Errorf("expire approval %s: %w", args.ApprovalID, err)
	}
	return nil
}

// compactionWorker rebuilds aggregates and saves snapshots.
type compactionWorker struct {
	river.WorkerDefaults[CompactionJobArgs]
	runner *Runner
}

// Work compacts the aggregate through the configured fold. Compact tags
// the snapshot with the version it folded, so an append racing the job
// cannot produce a snapshot ahead of its state. Streams with no
// registered fold are skipped with a warning rather than retried;
// retrying cannot make a fold appear.
func (w *compactionWorker) Work(ctx context.Context, job *river.Job[CompactionJobArgs]) error {
	args := job.Args
	r := w.runner

	ref := event.AggregateRef{
		Type: event.AggregateType(args.AggregateType),
		ID:   args.AggregateID,
	}

	fold, ok := r.folds[ref.Type]
	if !ok {
		r.logger.Warn("no fold registered for aggregate type, skipping compaction",
			"aggregate_type", args.AggregateType)
		return nil
	}

	r.logger.Debug("compacting aggregate", "aggregate", ref.String())

	manager := snapshot.NewManager(r.events, r.snapshots)
	snap, err := manager.Compact(ctx, ref, fold)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoEvents) {
			return nil
		}
		return fmt.Errorf("compact %s: %w", ref, err)
	}

	r.logger.Info("aggregate compacted", "aggregate", ref.String(), "version", snap.Version)
	return nil
}
