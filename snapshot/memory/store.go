// Package memory provides an in-memory implementation of snapshot.Store.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/snapshot"
)

// Store is a thread-safe in-memory implementation of snapshot.Store.
// The zero value is ready for use.
type Store struct {
	mu    sync.RWMutex
	snaps map[string][]snapshot.Snapshot // ref key -> snapshots (ascending version)
}

// New creates a new in-memory snapshot store.
func New() *Store {
	return &Store{
		snaps: make(map[string][]snapshot.Snapshot),
	}
}

// Save persists a snapshot, replacing any existing snapshot at the same
// version.
func (s *Store) Save(ctx context.Context, snap snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snaps == nil {
		s.snaps = make(map[string][]snapshot.Snapshot)
	}

	key := snap.Ref().String()
	existing := s.snaps[key]
	for i, prev := range existing {
		if prev.Version == snap.Version {
			existing[i] = snap
			return nil
		}
	}

	// Keep the slice sorted by version; snapshots normally arrive in
	// ascending order, so walk from the back.
	i := len(existing)
	for i > 0 && existing[i-1].Version > snap.Version {
		i--
	}
	existing = append(existing, snapshot.Snapshot{})
	copy(existing[i+1:], existing[i:])
	existing[i] = snap
	s.snaps[key] = existing
	return nil
}

// Latest returns the highest-version snapshot for an aggregate.
func (s *Store) Latest(ctx context.Context, ref event.AggregateRef) (snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.snaps[ref.String()]
	if len(existing) == 0 {
		return snapshot.Snapshot{}, fmt.Errorf("%w: %s", snapshot.ErrNoSnapshot, ref)
	}
	return existing[len(existing)-1], nil
}
