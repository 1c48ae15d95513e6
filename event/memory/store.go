// Package memory provides an in-memory implementation of event.EventStore.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/keel/event"
)

// Store is a thread-safe in-memory implementation of event.EventStore.
// The zero value is ready for use.
type Store struct {
	mu     sync.RWMutex
	events map[string][]event.Event // ref key -> events (sorted by version)
	log    []event.Event            // all events in global sequence order
	seq    int64                    // last assigned sequence number
}

// New creates a new in-memory event store.
func New() *Store {
	return &Store{
		events: make(map[string][]event.Event),
	}
}

// Append atomically appends one event under an expected-version
// precondition. The version check and sequence assignment happen under a
// single lock, so concurrent appends with the same expected version result
// in exactly one success.
func (s *Store) Append(ctx context.Context, req event.AppendRequest) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Initialize map if nil (supports zero value)
	if s.events == nil {
		s.events = make(map[string][]event.Event)
	}

	key := req.Ref.String()
	current := int64(len(s.events[key]))
	if current != req.ExpectedVersion {
		return event.Event{}, &event.ConflictError{
			Ref:      req.Ref,
			Expected: req.ExpectedVersion,
			Actual:   current,
		}
	}

	s.seq++
	e := event.Event{
		ID:            uuid.New().String(),
		AggregateType: req.Ref.Type,
		AggregateID:   req.Ref.ID,
		Type:          req.Type,
		Payload:       req.Payload,
		Version:       current + 1,
		Sequence:      s.seq,
		TraceContext:  req.TraceContext,
		Metadata:      req.Metadata,
		CreatedAt:     time.Now(),
	}

	s.events[key] = append(s.events[key], e)
	s.log = append(s.log, e)

	return e, nil
}

// Read retrieves events for an aggregate with version > fromVersion,
// ordered by version ascending.
func (s *Store) Read(ctx context.Context, ref event.AggregateRef, fromVersion int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[ref.String()]
	if len(all) == 0 {
		return []event.Event{}, nil
	}

	// Versions are 1-indexed and gapless, so version fromVersion+1 lives
	// at index fromVersion.
	start := int(fromVersion)
	if start < 0 {
		start = 0
	}
	if start >= len(all) {
		return []event.Event{}, nil
	}

	// Return a copy to prevent external modification
	result := make([]event.Event, len(all)-start)
	copy(result, all[start:])
	return result, nil
}

// LastVersion returns the highest version for an aggregate, or 0 if the
// aggregate has no events.
func (s *Store) LastVersion(ctx context.Context, ref event.AggregateRef) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.events[ref.String()])), nil
}

// ReadAll retrieves events across all aggregates with
// sequence > fromSequence, ordered by sequence ascending.
func (s *Store) ReadAll(ctx context.Context, fromSequence int64, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Sequences are gapless in this store, sequence fromSequence+1 lives
	// at index fromSequence.
	start := int(fromSequence)
	if start < 0 {
		start = 0
	}
	if start >= len(s.log) {
		return []event.Event{}, nil
	}

	end := len(s.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	result := make([]event.Event, end-start)
	copy(result, s.log[start:end])
	return result, nil
}
