// Package pgstore provides a PostgreSQL-based snapshot store implementation.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/snapshot"
)

// Schema creates the snapshot table. Callers run it once at deployment
// time (or via their own migration tooling).
const Schema = `
CREATE TABLE IF NOT EXISTS keel_snapshots (
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	sequence BIGINT NOT NULL,
	state JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (aggregate_type, aggregate_id, version)
);
`

// Store implements snapshot.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL snapshot store.
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

// Save persists a snapshot, replacing any existing snapshot at the same
// version.
func (s *Store) Save(ctx context.Context, snap snapshot.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keel_snapshots (aggregate_type, aggregate_id, version, sequence, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_type, aggregate_id, version)
		DO UPDATE SET sequence = EXCLUDED.sequence, state = EXCLUDED.state
	`, string(snap.AggregateType), snap.AggregateID, snap.Version, snap.Sequence, snap.State)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Latest returns the highest-version snapshot for an aggregate.
func (s *Store) Latest(ctx context.Context, ref event.AggregateRef) (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	var aggregateType string
	err := s.pool.QueryRow(ctx, `
		SELECT aggregate_type, aggregate_id, version, sequence, state
		FROM keel_snapshots
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY version DESC
		LIMIT 1
	`, string(ref.Type), ref.ID).Scan(&aggregateType, &snap.AggregateID, &snap.Version, &snap.Sequence, &snap.State)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snapshot.Snapshot{}, fmt.Errorf("%w: %s", snapshot.ErrNoSnapshot, ref)
		}
		return snapshot.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	snap.AggregateType = event.AggregateType(aggregateType)
	return snap, nil
}
