// Package snapshot provides periodic compaction of an aggregate's event
// history into point-in-time state blobs. Snapshots are purely a
// performance optimization: rebuilding from a snapshot plus the events
// appended since must always produce the same state as replaying the full
// stream from version 0.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lirancohen/keel/event"
)

// Common errors returned by the snapshot layer.
var (
	// ErrNoEvents indicates the aggregate has never been appended to, so
	// there is nothing to snapshot.
	ErrNoEvents = errors.New("no events for aggregate")

	// ErrNoSnapshot indicates no snapshot exists for the aggregate.
	ErrNoSnapshot = errors.New("no snapshot for aggregate")
)

// Snapshot represents fully-reduced aggregate state as of Version.
// Multiple snapshots per aggregate may exist; only the highest version is
// authoritative.
type Snapshot struct {
	AggregateType event.AggregateType `json:"aggregate_type"`
	AggregateID   string              `json:"aggregate_id"`
	Version       int64               `json:"version"`
	Sequence      int64               `json:"sequence"`
	State         json.RawMessage     `json:"state"`
}

// Ref returns the aggregate reference this snapshot belongs to.
func (s Snapshot) Ref() event.AggregateRef {
	return event.AggregateRef{Type: s.AggregateType, ID: s.AggregateID}
}

// Store defines the interface for snapshot persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists a snapshot. Saving a second snapshot at the same
	// version overwrites the first; both describe identical state.
	Save(ctx context.Context, snap Snapshot) error

	// Latest returns the highest-version snapshot for an aggregate.
	// Returns ErrNoSnapshot if none exists.
	Latest(ctx context.Context, ref event.AggregateRef) (Snapshot, error)
}

// FoldFunc reduces events onto a prior state. A nil prior state means the
// fold starts from the aggregate's zero state.
type FoldFunc func(state json.RawMessage, events []event.Event) (json.RawMessage, error)

// Manager coordinates snapshot capture and snapshot-assisted rebuild over
// an event store.
type Manager struct {
	events event.EventStore
	snaps  Store
}

// NewManager creates a Manager over the given stores.
func NewManager(events event.EventStore, snaps Store) *Manager {
	return &Manager{events: events, snaps: snaps}
}

// Snapshot captures the aggregate's current max version and stores state
// tagged with it. Fails with ErrNoEvents if the aggregate has never been
// appended to. The state must describe the aggregate's current head;
// callers that folded state earlier (and may have raced an append since)
// should use Compact, which tags the snapshot from the same read it
// folds.
func (m *Manager) Snapshot(ctx context.Context, ref event.AggregateRef, state json.RawMessage) (Snapshot, error) {
	events, err := m.events.Read(ctx, ref, 0)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read events: %w", err)
	}
	if len(events) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoEvents, ref)
	}

	last := events[len(events)-1]
	snap := Snapshot{
		AggregateType: ref.Type,
		AggregateID:   ref.ID,
		Version:       last.Version,
		Sequence:      last.Sequence,
		State:         state,
	}
	if err := m.snaps.Save(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

// Compact rebuilds the aggregate through fold and saves the result as a
// snapshot in one pass. The saved version and sequence come from the same
// read the state was folded from, so events landing concurrently can
// never leave a snapshot tagged ahead of the state it describes; they are
// simply picked up by the next compaction. Fails with ErrNoEvents for an
// aggregate with no history; returns the existing snapshot unchanged if
// nothing was appended since it was taken.
func (m *Manager) Compact(ctx context.Context, ref event.AggregateRef, fold FoldFunc) (Snapshot, error) {
	var state json.RawMessage
	var fromVersion int64
	var base Snapshot

	snap, err := m.snaps.Latest(ctx, ref)
	switch {
	case err == nil:
		state = snap.State
		fromVersion = snap.Version
		base = snap
	case errors.Is(err, ErrNoSnapshot):
		// Replay from version 0.
	default:
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	events, err := m.events.Read(ctx, ref, fromVersion)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read events: %w", err)
	}
	if len(events) == 0 {
		if fromVersion == 0 {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNoEvents, ref)
		}
		return base, nil
	}

	result, err := fold(state, events)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fold events: %w", err)
	}

	last := events[len(events)-1]
	out := Snapshot{
		AggregateType: ref.Type,
		AggregateID:   ref.ID,
		Version:       last.Version,
		Sequence:      last.Sequence,
		State:         result,
	}
	if err := m.snaps.Save(ctx, out); err != nil {
		return Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return out, nil
}

// Latest returns the highest-version snapshot for an aggregate, or
// ErrNoSnapshot.
func (m *Manager) Latest(ctx context.Context, ref event.AggregateRef) (Snapshot, error) {
	return m.snaps.Latest(ctx, ref)
}

// Rebuild reconstructs aggregate state via the rebuild protocol: fold the
// latest snapshot's state with the events appended since its version, or
// replay from version 0 when no snapshot exists. Returns the state and the
// version it reflects (0 for an aggregate with no events).
func (m *Manager) Rebuild(ctx context.Context, ref event.AggregateRef, fold FoldFunc) (json.RawMessage, int64, error) {
	var state json.RawMessage
	var fromVersion int64

	snap, err := m.snaps.Latest(ctx, ref)
	switch {
	case err == nil:
		state = snap.State
		fromVersion = snap.Version
	case errors.Is(err, ErrNoSnapshot):
		// Replay from version 0.
	default:
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}

	events, err := m.events.Read(ctx, ref, fromVersion)
	if err != nil {
		return nil, 0, fmt.Errorf("read events: %w", err)
	}

	version := fromVersion
	if len(events) > 0 {
		version = events[len(events)-1].Version
	}

	result, err := fold(state, events)
	if err != nil {
		return nil, 0, fmt.Errorf("fold events: %w", err)
	}
	return result, version, nil
}
