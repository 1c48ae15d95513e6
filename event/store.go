package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors returned by EventStore implementations.
var (
	// ErrConcurrencyConflict indicates the caller's expected version is
	// stale: another writer appended to the aggregate first. The caller
	// should re-read projected state and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound indicates no events exist for an aggregate when an
	// update expected at least one.
	ErrNotFound = errors.New("aggregate not found")

	// ErrDuplicateEvent indicates an event with the same ID already exists.
	ErrDuplicateEvent = errors.New("duplicate event ID")
)

// ConflictError provides details about a concurrency conflict.
type ConflictError struct {
	Ref      AggregateRef
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict for %s: expected version %d, got %d", e.Ref, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// AppendRequest describes a single append operation.
type AppendRequest struct {
	// Ref identifies the target aggregate.
	Ref AggregateRef

	// Type classifies the event to append.
	Type EventType

	// Payload is the type-specific event data.
	Payload json.RawMessage

	// ExpectedVersion is the version the caller last observed for the
	// aggregate. Zero means the caller expects to create the aggregate.
	ExpectedVersion int64

	// TraceContext and Metadata are copied onto the stored event.
	TraceContext map[string]string
	Metadata     map[string]string
}

// EventStore defines the interface for event persistence. The
// compare-and-append in Append is the sole mutation path in the core;
// implementations must be safe for concurrent use, and concurrent appends
// with the same expected version must result in exactly one success.
type EventStore interface {
	// Append atomically appends one event to an aggregate under an
	// expected-version precondition. On success the stored event is
	// returned with its assigned ID, version (ExpectedVersion+1), global
	// sequence number, and creation time.
	// Returns ErrConcurrencyConflict (as a *ConflictError) if the
	// aggregate's current version differs from ExpectedVersion.
	Append(ctx context.Context, req AppendRequest) (Event, error)

	// Read retrieves all events for an aggregate with version > fromVersion,
	// ordered by version ascending. Returns an empty slice if no events
	// match; a missing aggregate is not an error.
	Read(ctx context.Context, ref AggregateRef, fromVersion int64) ([]Event, error)

	// LastVersion returns the highest version for an aggregate.
	// Returns 0 if the aggregate has no events.
	LastVersion(ctx context.Context, ref AggregateRef) (int64, error)

	// ReadAll retrieves events across all aggregates with
	// sequence > fromSequence, ordered by sequence ascending, up to limit
	// events (limit <= 0 means no limit). Used for audit replay and for
	// feed consumers catching up after missed deliveries.
	ReadAll(ctx context.Context, fromSequence int64, limit int) ([]Event, error)
}
