package river

// Job kind constants for River job registration.
const (
	// JobKindContractExpiry is the kind for contract deadline jobs.
	JobKindContractExpiry = "keel.contract_expiry"

	// JobKindApprovalExpiry is the kind for approval deadline jobs.
	JobKindApprovalExpiry = "keel.approval_expiry"

	// JobKindCompaction is the kind for snapshot compaction jobs.
	JobKindCompaction = "keel.snapshot_compaction"
)

// ContractExpiryJobArgs expires a contract once its deadline passes. The
// job is scheduled for the contract's expires_at; the worker re-checks
// the deadline before acting, so a rescheduled deadline makes the stale
// job a no-op.
type ContractExpiryJobArgs struct {
	// ContractID is the contract to expire.
	ContractID string `json:"contract_id"`
}

// Kind implements river.JobArgs.
func (ContractExpiryJobArgs) Kind() string {
	return JobKindContractExpiry
}

// InsertOpts implements river.JobArgsWithInsertOpts to provide default
// options. The returned options can be overridden when inserting the job.
func (ContractExpiryJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// ApprovalExpiryJobArgs expires a pending approval once its deadline
// passes. Decided approvals are left untouched.
type ApprovalExpiryJobArgs struct {
	// ApprovalID is the approval to expire.
	ApprovalID string `json:"approval_id"`
}

// Kind implements river.JobArgs.
func (ApprovalExpiryJobArgs) Kind() string {
	return JobKindApprovalExpiry
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (ApprovalExpiryJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// CompactionJobArgs rebuilds an aggregate's state and saves a snapshot
// so later rebuilds replay only the tail of the stream.
type CompactionJobArgs struct {
	// AggregateType and AggregateID identify the stream to compact.
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
}

// Kind implements river.JobArgs.
func (CompactionJobArgs) Kind() string {
	return JobKindCompaction
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (CompactionJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// InsertOpts mirrors River's InsertOpts for job configuration. This
// allows our job args to specify default insert options without
// importing River directly in this file.
type InsertOpts struct {
	// MaxAttempts is the maximum number of attempts for this job.
	// If not set, River's default (24) is used.
	MaxAttempts int

	// Priority is the job priority. Lower values are higher priority.
	// If not set, River's default (1) is used.
	Priority int

	// Queue is the queue to insert the job into.
	// If not set, River's default queue is used.
	Queue string
}
