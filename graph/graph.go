// Package graph maintains task dependency edges and keeps the dependency
// graph acyclic. It also answers the scheduler's sole readiness query:
// which pending tasks have every dependency completed.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lirancohen/keel/project"
)

// MaxTraversalDepth bounds the forward traversal used for cycle detection.
// Exceeding it without finding a cycle is treated as "no cycle"; this caps
// worst-case cost on pathological graphs but is a documented limitation
// for dependency chains deeper than the bound.
const MaxTraversalDepth = 100

// Common errors returned by the graph layer.
var (
	// ErrCycleDetected indicates an edge insertion would close a cycle.
	// Not retryable without changing the request.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrSelfDependency indicates a task was declared to depend on itself.
	ErrSelfDependency = errors.New("task cannot depend on itself")
)

// CycleError provides details about a rejected edge.
type CycleError struct {
	TaskID      string
	DependsOnID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("edge %s -> %s would create a cycle", e.TaskID, e.DependsOnID)
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// Edge is a single task dependency: TaskID cannot start until DependsOnID
// has completed.
type Edge struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"dependency_type,omitempty"`
}

// EdgeStore defines the queryable edge store the validator runs against.
// Implementations must be safe for concurrent use.
type EdgeStore interface {
	// Insert adds an edge. The caller is expected to have validated the
	// edge with Validator.AddEdge; Insert itself performs no cycle check.
	Insert(ctx context.Context, edge Edge) error

	// From returns all edges whose TaskID equals taskID (the tasks that
	// taskID depends on).
	From(ctx context.Context, taskID string) ([]Edge, error)
}

// Validator performs cycle-safe edge maintenance over an EdgeStore.
type Validator struct {
	edges EdgeStore
}

// NewValidator creates a Validator over the given edge store.
func NewValidator(edges EdgeStore) *Validator {
	return &Validator{edges: edges}
}

// WouldCreateCycle reports whether inserting edge (taskID -> dependsOnID)
// would close a cycle: it walks forward from dependsOnID along existing
// depends-on edges, bounded at MaxTraversalDepth hops, and reports true if
// the walk reaches taskID.
func (v *Validator) WouldCreateCycle(ctx context.Context, taskID, dependsOnID string) (bool, error) {
	if taskID == dependsOnID {
		return true, nil
	}

	visited := map[string]bool{dependsOnID: true}
	frontier := []string{dependsOnID}

	for depth := 0; depth < MaxTraversalDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := v.edges.From(ctx, id)
			if err != nil {
				return false, fmt.Errorf("load edges for %s: %w", id, err)
			}
			for _, e := range edges {
				if e.DependsOnID == taskID {
					return true, nil
				}
				if !visited[e.DependsOnID] {
					visited[e.DependsOnID] = true
					next = append(next, e.DependsOnID)
				}
			}
		}
		frontier = next
	}

	return false, nil
}

// AddEdge validates and inserts a dependency edge. Rejects self-loops with
// ErrSelfDependency and cycle-closing edges with a *CycleError.
func (v *Validator) AddEdge(ctx context.Context, edge Edge) error {
	if edge.TaskID == edge.DependsOnID {
		return fmt.Errorf("%w: %s", ErrSelfDependency, edge.TaskID)
	}

	cyclic, err := v.WouldCreateCycle(ctx, edge.TaskID, edge.DependsOnID)
	if err != nil {
		return err
	}
	if cyclic {
		return &CycleError{TaskID: edge.TaskID, DependsOnID: edge.DependsOnID}
	}

	return v.edges.Insert(ctx, edge)
}

// ReadyTasks returns the tasks in the given DAG that are in pending status
// and whose every dependency is already completed, ordered by descending
// priority then ascending creation time. This is the scheduler's sole
// query for "what can run now".
func (v *Validator) ReadyTasks(ctx context.Context, dagID string, tasks []project.TaskState) ([]project.TaskState, error) {
	byID := make(map[string]project.TaskState, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var ready []project.TaskState
	for _, t := range tasks {
		if t.DAGID != dagID || t.Status != project.TaskPending {
			continue
		}

		edges, err := v.edges.From(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("load edges for %s: %w", t.ID, err)
		}

		allDepsComplete := true
		for _, e := range edges {
			if byID[e.DependsOnID].Status != project.TaskCompleted {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	return ready, nil
}
