// Package memory provides an in-memory implementation of graph.EdgeStore.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/lirancohen/keel/graph"
)

// Store is a thread-safe in-memory implementation of graph.EdgeStore.
// The zero value is ready for use.
type Store struct {
	mu    sync.RWMutex
	edges map[string][]graph.Edge // task ID -> outgoing depends-on edges
}

// New creates a new in-memory edge store.
func New() *Store {
	return &Store{
		edges: make(map[string][]graph.Edge),
	}
}

// Insert adds an edge. Duplicate (task, dependency) pairs are ignored.
func (s *Store) Insert(ctx context.Context, edge graph.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.edges == nil {
		s.edges = make(map[string][]graph.Edge)
	}

	for _, existing := range s.edges[edge.TaskID] {
		if existing.DependsOnID == edge.DependsOnID {
			return nil
		}
	}

	s.edges[edge.TaskID] = append(s.edges[edge.TaskID], edge)
	return nil
}

// From returns all edges whose TaskID equals taskID.
func (s *Store) From(ctx context.Context, taskID string) ([]graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.edges[taskID]
	if len(existing) == 0 {
		return []graph.Edge{}, nil
	}

	result := make([]graph.Edge, len(existing))
	copy(result, existing)
	return result, nil
}
