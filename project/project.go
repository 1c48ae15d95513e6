// Package project provides pure projection functions that fold event
// histories into current aggregate state.
//
// All functions in this package are pure: they take []event.Event as input
// and return derived structures. They do not perform I/O or have side
// effects, so projection logic is unit-testable in isolation from storage.
// Projections are rebuildable at any time; they are never the sole source
// of truth for data not also captured as an event.
package project

import (
	"encoding/json"
	"time"

	"github.com/lirancohen/keel/event"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimedOut  TaskStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	}
	return false
}

// TaskState is the projected state of a task aggregate.
type TaskState struct {
	ID          string
	DAGID       string
	Name        string
	Status      TaskStatus
	AgentID     string
	Priority    int
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// TaskFold projects the current task state from its event history.
// A task with no events has zero state and empty status.
func TaskFold(events []event.Event) TaskState {
	var state TaskState

	for _, e := range events {
		switch e.Type {
		case event.EventTaskCreated:
			var data event.TaskCreatedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.DAGID = data.DAGID
				state.Name = data.Name
				state.Priority = data.Priority
				state.MaxRetries = data.MaxRetries
			}
			state.ID = e.AggregateID
			state.Status = TaskPending
			state.CreatedAt = e.CreatedAt

		case event.EventTaskReady:
			state.Status = TaskReady

		case event.EventTaskAssigned:
			var data event.TaskAssignedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.AgentID = data.AgentID
			}
			state.Status = TaskAssigned

		case event.EventTaskStarted:
			state.Status = TaskRunning

		case event.EventTaskCompleted:
			state.Status = TaskCompleted
			ts := e.CreatedAt
			state.CompletedAt = &ts

		case event.EventTaskFailed:
			var data event.TaskFailedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.Error = data.Error
				if data.WillRetry {
					// Retry path: back to pending with the assignment
					// cleared, one attempt consumed.
					state.Status = TaskPending
					state.RetryCount++
					state.AgentID = ""
					continue
				}
			}
			state.Status = TaskFailed
			ts := e.CreatedAt
			state.CompletedAt = &ts

		case event.EventTaskCancelled:
			state.Status = TaskCancelled
			ts := e.CreatedAt
			state.CompletedAt = &ts

		case event.EventTaskTimedOut:
			state.Status = TaskTimedOut
			ts := e.CreatedAt
			state.CompletedAt = &ts
		}
	}

	return state
}

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentOverloaded AgentStatus = "overloaded"
	AgentError      AgentStatus = "error"
	AgentPaused     AgentStatus = "paused"
	AgentOffline    AgentStatus = "offline"
)

// AgentState is the projected state of an agent aggregate. CurrentLoad is
// recomputed from assignment events; Status is purely a function of load
// vs MaxLoad except for explicit overrides, which take precedence.
type AgentState struct {
	ID          string
	Name        string
	MaxLoad     int
	CurrentLoad int
	Assigned    map[string]bool
	Override    AgentStatus
}

// Status derives the agent's status. An explicit override (error, paused,
// offline) wins; otherwise the status is load-derived.
func (a AgentState) Status() AgentStatus {
	if a.Override != "" {
		return a.Override
	}
	switch {
	case a.CurrentLoad == 0:
		return AgentIdle
	case a.MaxLoad > 0 && a.CurrentLoad >= a.MaxLoad:
		return AgentOverloaded
	default:
		return AgentBusy
	}
}

// AgentFold projects the current agent state from its event history.
func AgentFold(events []event.Event) AgentState {
	state := AgentState{Assigned: make(map[string]bool)}

	for _, e := range events {
		switch e.Type {
		case event.EventAgentRegistered:
			var data event.AgentRegisteredData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.Name = data.Name
				state.MaxLoad = data.MaxLoad
			}
			state.ID = e.AggregateID

		case event.EventAgentTaskAssigned:
			var data event.AgentTaskAssignedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.Assigned[data.TaskID] = true
			}

		case event.EventAgentTaskReleased:
			var data event.AgentTaskReleasedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				delete(state.Assigned, data.TaskID)
			}

		case event.EventAgentOverrideSet:
			var data event.AgentOverrideSetData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.Override = AgentStatus(data.Override)
			}
		}
	}

	state.CurrentLoad = len(state.Assigned)
	return state
}

// DAGStatus represents the current state of a DAG.
type DAGStatus string

const (
	DAGPending   DAGStatus = "pending"
	DAGRunning   DAGStatus = "running"
	DAGCompleted DAGStatus = "completed"
	DAGFailed    DAGStatus = "failed"
	DAGCancelled DAGStatus = "cancelled"
)

// DAGStatusFromTasks recomputes a DAG's status from its member tasks:
// any terminally failed task forces failed; all tasks terminal with none
// failed rolls up to cancelled when any task was cancelled, otherwise
// completed; any progress short of that forces running. A DAG whose
// tasks are all still pending (or that has no tasks) is pending.
func DAGStatusFromTasks(tasks []TaskState) DAGStatus {
	if len(tasks) == 0 {
		return DAGPending
	}

	allTerminal := true
	anyProgress := false
	anyCancelled := false
	for _, t := range tasks {
		if t.Status == TaskFailed || t.Status == TaskTimedOut {
			return DAGFailed
		}
		if t.Status == TaskCancelled {
			anyCancelled = true
		}
		if !t.Status.Terminal() {
			allTerminal = false
		}
		if t.Status != TaskPending && t.Status != TaskReady {
			anyProgress = true
		}
	}

	if allTerminal {
		if anyCancelled {
			return DAGCancelled
		}
		return DAGCompleted
	}
	if anyProgress {
		return DAGRunning
	}
	return DAGPending
}

// DAGState is the projected state of a DAG aggregate. Member task state
// lives on each task's own stream; the DAG stream records membership,
// edges, and the rolled-up status.
type DAGState struct {
	ID      string
	Name    string
	Status  DAGStatus
	TaskIDs []string
}

// DAGFold projects the current DAG state from its event history.
func DAGFold(events []event.Event) DAGState {
	var state DAGState

	for _, e := range events {
		switch e.Type {
		case event.EventDAGCreated:
			var data event.DAGCreatedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.Name = data.Name
			}
			state.ID = e.AggregateID
			state.Status = DAGPending

		case event.EventDAGTaskAdded:
			var data event.DAGTaskAddedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.TaskIDs = append(state.TaskIDs, data.TaskID)
			}

		case event.EventDAGStatusChanged:
			var data event.DAGStatusChangedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.Status = DAGStatus(data.Status)
			}
		}
	}

	return state
}

// ApprovalStatus represents the current state of an approval.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalDenied       ApprovalStatus = "denied"
	ApprovalExpired      ApprovalStatus = "expired"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

// Decided reports whether the approval has left the pending state.
func (s ApprovalStatus) Decided() bool {
	return s != "" && s != ApprovalPending
}

// ApprovalState is the projected state of an approval aggregate.
type ApprovalState struct {
	ID        string
	TaskID    string
	Status    ApprovalStatus
	DeciderID string
	Comments  string
	ExpiresAt time.Time
	DecidedAt *time.Time
}

// ApprovalFold projects the current approval state from its event history.
func ApprovalFold(events []event.Event) ApprovalState {
	var state ApprovalState

	for _, e := range events {
		switch e.Type {
		case event.EventApprovalRequested:
			var data event.ApprovalRequestedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.TaskID = data.TaskID
				state.ExpiresAt = data.ExpiresAt
			}
			state.ID = e.AggregateID
			state.Status = ApprovalPending

		case event.EventApprovalApproved, event.EventApprovalDenied:
			var data event.ApprovalDecisionData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				state.DeciderID = data.DeciderID
				state.Comments = data.Comments
			}
			if e.Type == event.EventApprovalApproved {
				state.Status = ApprovalApproved
			} else {
				state.Status = ApprovalDenied
			}
			ts := e.CreatedAt
			state.DecidedAt = &ts

		case event.EventApprovalExpired:
			state.Status = ApprovalExpired
			ts := e.CreatedAt
			state.DecidedAt = &ts

		case event.EventApprovalAutoApproved:
			state.Status = ApprovalAutoApproved
			ts := e.CreatedAt
			state.DecidedAt = &ts
		}
	}

	return state
}
