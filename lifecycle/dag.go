package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/graph"
	"github.com/lirancohen/keel/project"
)

// sideAppendAttempts bounds retries for secondary-stream appends (DAG
// membership, agent load, status rollups). The primary command has
// already won its own stream's race; a conflict here only means another
// command touched the secondary stream concurrently.
const sideAppendAttempts = 5

// CreateDAG creates an empty pending DAG.
func (e *Engine) CreateDAG(ctx context.Context, name string) (project.DAGState, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(event.DAGCreatedData{Name: name})
	if err != nil {
		return project.DAGState{}, fmt.Errorf("marshaling dag payload: %w", err)
	}

	created, err := e.events.Append(ctx, event.AppendRequest{
		Ref:             event.AggregateRef{Type: event.AggregateDAG, ID: id},
		Type:            event.EventDAGCreated,
		Payload:         payload,
		ExpectedVersion: 0,
	})
	if err != nil {
		return project.DAGState{}, fmt.Errorf("creating dag: %w", err)
	}

	e.log.Info("dag created", "dag_id", id, "name", name)
	return project.DAGFold([]event.Event{created}), nil
}

// DAG returns the projected state of a DAG.
func (e *Engine) DAG(ctx context.Context, dagID string) (project.DAGState, error) {
	state, _, err := e.loadDAG(ctx, dagID)
	return state, err
}

// AddDependency records that taskID depends on dependsOnID. The edge is
// validated against the existing graph first: self-dependencies and
// edges that would close a cycle are rejected without any event being
// written.
func (e *Engine) AddDependency(ctx context.Context, dagID, taskID, dependsOnID, depType string) error {
	_, dagVersion, err := e.loadDAG(ctx, dagID)
	if err != nil {
		return err
	}

	if err := e.graph.AddEdge(ctx, graph.Edge{
		TaskID:      taskID,
		DependsOnID: dependsOnID,
		Type:        depType,
	}); err != nil {
		return err
	}

	payload, err := json.Marshal(event.DAGEdgeAddedData{
		TaskID:         taskID,
		DependsOnID:    dependsOnID,
		DependencyType: depType,
	})
	if err != nil {
		return fmt.Errorf("marshaling edge payload: %w", err)
	}
	if err := e.appendRetrying(ctx, event.AggregateRef{Type: event.AggregateDAG, ID: dagID},
		event.EventDAGEdgeAdded, payload, dagVersion); err != nil {
		return fmt.Errorf("recording edge: %w", err)
	}

	e.log.Debug("dependency added", "dag_id", dagID, "task_id", taskID, "depends_on", dependsOnID)
	return nil
}

// CancelDAG cancels a DAG: every member task not already in a terminal
// state is cancelled (releasing its agent), and the rollup records the
// DAG as cancelled. Cancelling a DAG that already reached a terminal
// status fails with ErrInvalidTransition.
func (e *Engine) CancelDAG(ctx context.Context, dagID string) error {
	dag, dagVersion, err := e.loadDAG(ctx, dagID)
	if err != nil {
		return err
	}
	switch dag.Status {
	case project.DAGCompleted, project.DAGFailed, project.DAGCancelled:
		return &TransitionError{
			Ref:  event.AggregateRef{Type: event.AggregateDAG, ID: dagID},
			From: string(dag.Status),
			To:   string(project.DAGCancelled),
		}
	}

	for _, taskID := range dag.TaskIDs {
		task, _, err := e.loadTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			continue
		}
		if err := e.CancelTask(ctx, taskID); err != nil {
			return err
		}
	}

	e.log.Info("dag cancelled", "dag_id", dagID)

	if len(dag.TaskIDs) == 0 {
		// No member tasks to roll up from; record the cancellation
		// directly.
		payload, err := json.Marshal(event.DAGStatusChangedData{Status: string(project.DAGCancelled)})
		if err != nil {
			return fmt.Errorf("marshaling status payload: %w", err)
		}
		if err := e.appendRetrying(ctx, event.AggregateRef{Type: event.AggregateDAG, ID: dagID},
			event.EventDAGStatusChanged, payload, dagVersion); err != nil {
			return fmt.Errorf("recording dag status: %w", err)
		}
		return nil
	}
	return e.recomputeDAGStatus(ctx, dagID)
}

// DAGTasks returns the projected state of every task in the DAG.
func (e *Engine) DAGTasks(ctx context.Context, dagID string) ([]project.TaskState, error) {
	dag, _, err := e.loadDAG(ctx, dagID)
	if err != nil {
		return nil, err
	}

	tasks := make([]project.TaskState, 0, len(dag.TaskIDs))
	for _, taskID := range dag.TaskIDs {
		task, _, err := e.loadTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ReadyTasks returns the DAG's tasks that are eligible to run: pending,
// with every dependency completed, ordered by priority descending and
// creation time ascending within equal priority.
func (e *Engine) ReadyTasks(ctx context.Context, dagID string) ([]project.TaskState, error) {
	tasks, err := e.DAGTasks(ctx, dagID)
	if err != nil {
		return nil, err
	}
	return e.graph.ReadyTasks(ctx, dagID, tasks)
}

// recomputeDAGStatus rolls the DAG's status up from its member tasks and
// records a status change when the rollup differs from the recorded
// status.
func (e *Engine) recomputeDAGStatus(ctx context.Context, dagID string) error {
	dag, dagVersion, err := e.loadDAG(ctx, dagID)
	if err != nil {
		return err
	}

	tasks, err := e.DAGTasks(ctx, dagID)
	if err != nil {
		return err
	}

	next := project.DAGStatusFromTasks(tasks)
	if next == dag.Status {
		return nil
	}

	payload, err := json.Marshal(event.DAGStatusChangedData{Status: string(next)})
	if err != nil {
		return fmt.Errorf("marshaling status payload: %w", err)
	}
	if err := e.appendRetrying(ctx, event.AggregateRef{Type: event.AggregateDAG, ID: dagID},
		event.EventDAGStatusChanged, payload, dagVersion); err != nil {
		return fmt.Errorf("recording dag status: %w", err)
	}

	e.log.Info("dag status changed", "dag_id", dagID, "status", string(next))
	return nil
}

// appendRetrying appends to a secondary stream, refreshing the expected
// version and retrying on concurrency conflicts.
func (e *Engine) appendRetrying(ctx context.Context, ref event.AggregateRef, eventType event.EventType, payload json.RawMessage, expectedVersion int64) error {
	var lastErr error
	for attempt := 0; attempt < sideAppendAttempts; attempt++ {
		_, err := e.events.Append(ctx, event.AppendRequest{
			Ref:             ref,
			Type:            eventType,
			Payload:         payload,
			ExpectedVersion: expectedVersion,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, event.ErrConcurrencyConflict) {
			return err
		}
		lastErr = err

		expectedVersion, err = e.events.LastVersion(ctx, ref)
		if err != nil {
			return fmt.Errorf("refreshing version for %s: %w", ref, err)
		}
	}
	return lastErr
}
