// Package pgstore provides a PostgreSQL-based event store implementation.
//
// Layout: a keel_events table keyed by (aggregate_type, aggregate_id,
// version) with a unique global sequence drawn from keel_events_sequence.
// Appends take a per-aggregate advisory lock so the version check and the
// insert are atomic with respect to concurrent writers.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/keel/event"
)

// Schema creates the tables and sequence used by the store. Callers run it
// once at deployment time (or via their own migration tooling).
const Schema = `
CREATE SEQUENCE IF NOT EXISTS keel_events_sequence;

CREATE TABLE IF NOT EXISTS keel_events (
	id TEXT PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload JSONB,
	version BIGINT NOT NULL,
	sequence BIGINT NOT NULL UNIQUE,
	trace_context JSONB,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT keel_events_aggregate_version UNIQUE (aggregate_type, aggregate_id, version)
);

CREATE INDEX IF NOT EXISTS idx_keel_events_aggregate
	ON keel_events (aggregate_type, aggregate_id, version);
CREATE INDEX IF NOT EXISTS idx_keel_events_sequence
	ON keel_events (sequence);
`

// Store implements event.EventStore with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL event store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Setup applies the store schema. Idempotent.
func (s *Store) Setup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Append atomically appends one event under an expected-version
// precondition.
func (s *Store) Append(ctx context.Context, req event.AppendRequest) (event.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.appendInTx(ctx, tx, req)
	if err != nil {
		return event.Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// AppendTx appends an event within the given transaction, for callers
// that need the append to commit or roll back together with other work
// in the same transaction. The caller owns commit and rollback; the
// event's sequence and version are only final once the transaction
// commits.
func (s *Store) AppendTx(ctx context.Context, tx pgx.Tx, req event.AppendRequest) (event.Event, error) {
	return s.appendInTx(ctx, tx, req)
}

func (s *Store) appendInTx(ctx context.Context, tx pgx.Tx, req event.AppendRequest) (event.Event, error) {
	// Advisory lock serializes appends per aggregate. This avoids relying
	// on the unique constraint alone, which would surface conflicts as
	// insert errors instead of a clean precondition check.
	lockKey := req.Ref.String()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return event.Event{}, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var current int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM keel_events
		WHERE aggregate_type = $1 AND aggregate_id = $2
	`, string(req.Ref.Type), req.Ref.ID).Scan(&current)
	if err != nil {
		return event.Event{}, fmt.Errorf("get current version: %w", err)
	}

	if current != req.ExpectedVersion {
		return event.Event{}, &event.ConflictError{
			Ref:      req.Ref,
			Expected: req.ExpectedVersion,
			Actual:   current,
		}
	}

	e := event.Event{
		ID:            uuid.New().String(),
		AggregateType: req.Ref.Type,
		AggregateID:   req.Ref.ID,
		Type:          req.Type,
		Payload:       req.Payload,
		Version:       current + 1,
		TraceContext:  req.TraceContext,
		Metadata:      req.Metadata,
		CreatedAt:     time.Now(),
	}

	// The sequence is drawn inside the same transaction as the version
	// check, so global ordering is assigned atomically with the append.
	err = tx.QueryRow(ctx, `
		INSERT INTO keel_events (id, aggregate_type, aggregate_id, type, payload, version, sequence, trace_context, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, nextval('keel_events_sequence'), $7, $8, $9)
		RETURNING sequence
	`, e.ID, string(e.AggregateType), e.AggregateID, string(e.Type), e.Payload, e.Version, e.TraceContext, e.Metadata, e.CreatedAt).Scan(&e.Sequence)
	if err != nil {
		if isDuplicateKeyError(err) {
			return event.Event{}, event.ErrDuplicateEvent
		}
		return event.Event{}, fmt.Errorf("insert event: %w", err)
	}

	return e, nil
}

// Read retrieves events for an aggregate with version > fromVersion,
// ordered by version ascending.
func (s *Store) Read(ctx context.Context, ref event.AggregateRef, fromVersion int64) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, type, payload, version, sequence, trace_context, metadata, created_at
		FROM keel_events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND version > $3
		ORDER BY version ASC
	`, string(ref.Type), ref.ID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LastVersion returns the highest version for an aggregate, or 0.
func (s *Store) LastVersion(ctx context.Context, ref event.AggregateRef) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM keel_events
		WHERE aggregate_type = $1 AND aggregate_id = $2
	`, string(ref.Type), ref.ID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get last version: %w", err)
	}
	return version, nil
}

// ReadAll retrieves events across all aggregates with
// sequence > fromSequence, ordered by sequence ascending.
func (s *Store) ReadAll(ctx context.Context, fromSequence int64, limit int) ([]event.Event, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, type, payload, version, sequence, trace_context, metadata, created_at
		FROM keel_events
		WHERE sequence > $1
		ORDER BY sequence ASC
	`
	args := []any{fromSequence}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]event.Event, error) {
	events := []event.Event{}
	for rows.Next() {
		var e event.Event
		var aggregateType, eventType string
		if err := rows.Scan(&e.ID, &aggregateType, &e.AggregateID, &eventType, &e.Payload, &e.Version, &e.Sequence, &e.TraceContext, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.AggregateType = event.AggregateType(aggregateType)
		e.Type = event.EventType(eventType)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
