package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/project"
)

// TaskParams describes a new task.
type TaskParams struct {
	DAGID string
	Name  string

	// Priority orders tasks in readiness queries; higher runs first.
	Priority int

	// MaxRetries caps automatic retries after failure. Zero means the
	// first failure is terminal.
	MaxRetries int
}

// CreateTask creates a pending task inside an existing DAG and records
// its membership on the DAG's stream.
func (e *Engine) CreateTask(ctx context.Context, params TaskParams) (project.TaskState, error) {
	dag, dagVersion, err := e.loadDAG(ctx, params.DAGID)
	if err != nil {
		return project.TaskState{}, err
	}
	if dag.Status == project.DAGCompleted || dag.Status == project.DAGFailed || dag.Status == project.DAGCancelled {
		return project.TaskState{}, &TransitionError{
			Ref:  event.AggregateRef{Type: event.AggregateDAG, ID: params.DAGID},
			From: string(dag.Status),
			To:   "task_added",
		}
	}

	taskID := uuid.NewString()
	payload, err := json.Marshal(event.TaskCreatedData{
		DAGID:      params.DAGID,
		Name:       params.Name,
		Priority:   params.Priority,
		MaxRetries: params.MaxRetries,
	})
	if err != nil {
		return project.TaskState{}, fmt.Errorf("marshaling task payload: %w", err)
	}

	created, err := e.events.Append(ctx, event.AppendRequest{
		Ref:             event.AggregateRef{Type: event.AggregateTask, ID: taskID},
		Type:            event.EventTaskCreated,
		Payload:         payload,
		ExpectedVersion: 0,
	})
	if err != nil {
		return project.TaskState{}, fmt.Errorf("creating task: %w", err)
	}

	membership, err := json.Marshal(event.DAGTaskAddedData{TaskID: taskID})
	if err != nil {
		return project.TaskState{}, fmt.Errorf("marshaling membership payload: %w", err)
	}
	if err := e.appendRetrying(ctx, event.AggregateRef{Type: event.AggregateDAG, ID: params.DAGID},
		event.EventDAGTaskAdded, membership, dagVersion); err != nil {
		return project.TaskState{}, fmt.Errorf("recording task membership: %w", err)
	}

	e.log.Info("task created", "task_id", taskID, "dag_id", params.DAGID, "name", params.Name)
	return project.TaskFold([]event.Event{created}), nil
}

// Task returns the projected state of a task.
func (e *Engine) Task(ctx context.Context, taskID string) (project.TaskState, error) {
	state, _, err := e.loadTask(ctx, taskID)
	return state, err
}

// MarkReady promotes a pending task to ready once all of its
// dependencies have completed.
func (e *Engine) MarkReady(ctx context.Context, taskID string) error {
	task, version, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != project.TaskPending {
		return e.transitionErr(task, project.TaskReady)
	}

	satisfied, err := e.dependenciesSatisfied(ctx, task)
	if err != nil {
		return err
	}
	if !satisfied {
		return fmt.Errorf("task %s has unfinished dependencies: %w", taskID, ErrInvalidTransition)
	}

	return e.appendTask(ctx, taskID, event.EventTaskReady, nil, version)
}

// AssignTask assigns a pending or ready task to an agent and records the
// assignment on both streams. Assignment fails with ErrAgentUnavailable
// when the agent is at capacity or under an operator override.
func (e *Engine) AssignTask(ctx context.Context, taskID, agentID string) error {
	task, version, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != project.TaskPending && task.Status != project.TaskReady {
		return e.transitionErr(task, project.TaskAssigned)
	}

	agent, agentVersion, err := e.loadAgent(ctx, agentID)
	if err != nil {
		return err
	}
	switch agent.Status() {
	case project.AgentIdle, project.AgentBusy:
	default:
		return fmt.Errorf("agent %s is %s: %w", agentID, agent.Status(), ErrAgentUnavailable)
	}

	payload, err := json.Marshal(event.TaskAssignedData{AgentID: agentID})
	if err != nil {
		return fmt.Errorf("marshaling assignment payload: %w", err)
	}
	if err := e.appendTask(ctx, taskID, event.EventTaskAssigned, payload, version); err != nil {
		return err
	}

	load, err := json.Marshal(event.AgentTaskAssignedData{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshaling agent load payload: %w", err)
	}
	if err := e.appendRetrying(ctx, event.AggregateRef{Type: event.AggregateAgent, ID: agentID},
		event.EventAgentTaskAssigned, load, agentVersion); err != nil {
		return fmt.Errorf("recording agent assignment: %w", err)
	}

	e.log.Info("task assigned", "task_id", taskID, "agent_id", agentID)
	return nil
}

// StartTask moves an assigned task to running.
func (e *Engine) StartTask(ctx context.Context, taskID string) error {
	task, version, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != project.TaskAssigned {
		return e.transitionErr(task, project.TaskRunning)
	}
	return e.appendTask(ctx, taskID, event.EventTaskStarted, nil, version)
}

// CompleteTask moves a running task to completed, releases the agent,
// and recomputes the DAG's status.
func (e *Engine) CompleteTask(ctx context.Context, taskID string) error {
	task, version, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != project.TaskRunning {
		return e.transitionErr(task, project.TaskCompleted)
	}

	if err := e.appendTask(ctx, taskID, event.EventTaskCompleted, nil, version); err != nil {
		return err
	}
	if err := e.releaseAgent(ctx, task.AgentID, taskID); err != nil {
		return err
	}

	e.log.Info("task completed", "task_id", taskID, "dag_id", task.DAGID)
	return e.recomputeDAGStatus(ctx, task.DAGID)
}

// FailTask records a task failure. When the task has retries remaining
// the failure sends it back to pending with the assignment cleared and
// one attempt consumed; otherwise it is terminal and the DAG fails.
func (e *Engine) FailTask(ctx context.Context, taskID, reason string) error {
	task, version, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != project.TaskAssigned && task.Status != project.TaskRunning {
		return e.transitionErr(task, project.TaskFailed)
	}

	willRetry := task.RetryCount < task.MaxRetries
	payload, err := json.Marshal(event.TaskFailedData{Error: reason, WillRetry: willRetry})
	if err != nil {
		return fmt.Errorf("marshaling failure payload: %w", err)
	}
	if err := e.appendTask(ctx, taskID, event.EventTaskFailed, payload, version); err != nil {
		return err
	}
	if err := e.releaseAgent(ctx, task.AgentID, taskID); err != nil {
		return err
	}

	if willRetry {
		e.log.Info("task failed, retrying",
			"task_id", taskID, "attempt", task.RetryCount+1, "max_retries", task.MaxRetries)
		return nil
	}

	e.log.Error("task failed", "task_id", taskID, "reason", reason)
	return e.recomputeDAGStatus(ctx, task.DAGID)
}

// CancelTask cancels a task from any non-terminal state, releasing the
// agent if one was assigned.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	task, version, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return e.transitionErr(task, project.TaskCancelled)
	}

	if err := e.appendTask(ctx, taskID, event.EventTaskCancelled, nil, version); err != nil {
		return err
	}
	if err := e.releaseAgent(ctx, task.AgentID, taskID); err != nil {
		return err
	}
	return e.recomputeDAGStatus(ctx, task.DAGID)
}

// TimeoutTask records that a running task exceeded its deadline.
// Timeouts are terminal and fail the DAG.
func (e *Engine) TimeoutTask(ctx context.Context, taskID string) error {
	task, version, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != project.TaskRunning {
		return e.transitionErr(task, project.TaskTimedOut)
	}

	if err := e.appendTask(ctx, taskID, event.EventTaskTimedOut, nil, version); err != nil {
		return err
	}
	if err := e.releaseAgent(ctx, task.AgentID, taskID); err != nil {
		return err
	}
	return e.recomputeDAGStatus(ctx, task.DAGID)
}

// dependenciesSatisfied reports whether every task the given task
// depends on has completed.
func (e *Engine) dependenciesSatisfied(ctx context.Context, task project.TaskState) (bool, error) {
	deps, err := e.edges.From(ctx, task.ID)
	if err != nil {
		return false, fmt.Errorf("reading dependencies for task %s: %w", task.ID, err)
	}
	for _, dep := range deps {
		depState, _, err := e.loadTask(ctx, dep.DependsOnID)
		if err != nil {
			return false, err
		}
		if depState.Status != project.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// releaseAgent records the end of an assignment on the agent's stream.
// A task that was never assigned releases nothing.
func (e *Engine) releaseAgent(ctx context.Context, agentID, taskID string) error {
	if agentID == "" {
		return nil
	}
	_, agentVersion, err := e.loadAgent(ctx, agentID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event.AgentTaskReleasedData{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshaling agent release payload: %w", err)
	}
	if err := e.appendRetrying(ctx, event.AggregateRef{Type: event.AggregateAgent, ID: agentID},
		event.EventAgentTaskReleased, payload, agentVersion); err != nil {
		return fmt.Errorf("releasing agent %s: %w", agentID, err)
	}
	return nil
}

func (e *Engine) appendTask(ctx context.Context, taskID string, eventType event.EventType, payload json.RawMessage, expectedVersion int64) error {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	_, err := e.events.Append(ctx, event.AppendRequest{
		Ref:             event.AggregateRef{Type: event.AggregateTask, ID: taskID},
		Type:            eventType,
		Payload:         payload,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return fmt.Errorf("appending %s for task %s: %w", eventType, taskID, err)
	}
	return nil
}

func (e *Engine) transitionErr(task project.TaskState, to project.TaskStatus) error {
	return &TransitionError{
		Ref:  event.AggregateRef{Type: event.AggregateTask, ID: task.ID},
		From: string(task.Status),
		To:   string(to),
	}
}
