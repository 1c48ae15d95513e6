// Package event provides the event types and storage interfaces for Keel's
// event-sourced consistency core. Every state change in the system — task
// transitions, agent load, DAG status, contract usage, approval decisions —
// is recorded as an immutable event appended through an EventStore.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateType classifies the versioned entities tracked by the store.
type AggregateType string

const (
	AggregateTask     AggregateType = "task"
	AggregateAgent    AggregateType = "agent"
	AggregateDAG      AggregateType = "dag"
	AggregateContract AggregateType = "contract"
	AggregateToolCall AggregateType = "tool_call"
	AggregateApproval AggregateType = "approval"
)

// AggregateRef identifies a single versioned entity.
type AggregateRef struct {
	Type AggregateType `json:"aggregate_type"`
	ID   string        `json:"aggregate_id"`
}

// String returns a stable "type/id" form, used as a map and lock key.
func (r AggregateRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// EventType classifies events in the orchestration lifecycle.
type EventType string

const (
	// Task lifecycle events
	EventTaskCreated   EventType = "task.created"
	EventTaskReady     EventType = "task.ready"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskTimedOut  EventType = "task.timeout"

	// Agent lifecycle events
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentTaskAssigned EventType = "agent.task_assigned"
	EventAgentTaskReleased EventType = "agent.task_released"
	EventAgentOverrideSet  EventType = "agent.override_set"

	// DAG events
	EventDAGCreated       EventType = "dag.created"
	EventDAGTaskAdded     EventType = "dag.task_added"
	EventDAGEdgeAdded     EventType = "dag.edge_added"
	EventDAGStatusChanged EventType = "dag.status_changed"

	// Contract events
	EventContractCreated   EventType = "contract.created"
	EventContractConsumed  EventType = "contract.consumed"
	EventContractExceeded  EventType = "contract.exceeded"
	EventContractCompleted EventType = "contract.completed"
	EventContractCancelled EventType = "contract.cancelled"
	EventContractExpired   EventType = "contract.expired"

	// Approval events
	EventApprovalRequested    EventType = "approval.requested"
	EventApprovalApproved     EventType = "approval.approved"
	EventApprovalDenied       EventType = "approval.denied"
	EventApprovalExpired      EventType = "approval.expired"
	EventApprovalAutoApproved EventType = "approval.auto_approved"
)

// Event represents a single immutable record in an aggregate's history.
// Events are the source of truth for all projected state and enable
// crash recovery and audit through replay.
type Event struct {
	// ID is the globally unique identifier for this event (UUID).
	ID string `json:"id"`

	// AggregateType identifies the kind of entity this event belongs to.
	AggregateType AggregateType `json:"aggregate_type"`

	// AggregateID identifies the entity within its type.
	AggregateID string `json:"aggregate_id"`

	// Type classifies the event (e.g., "task.completed").
	Type EventType `json:"type"`

	// Payload contains the type-specific event data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Version provides strict ordering within an aggregate (1, 2, 3, ...).
	// Versions are gapless and monotonically increasing per aggregate.
	Version int64 `json:"version"`

	// Sequence is the global monotonic order across all aggregates,
	// assigned atomically at append time and never reused.
	Sequence int64 `json:"sequence"`

	// TraceContext carries distributed-tracing identifiers (trace ID,
	// span ID) propagated from the command that produced this event.
	TraceContext map[string]string `json:"trace_context,omitempty"`

	// Metadata holds additional context like correlation and entity IDs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt records when the event was appended.
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the aggregate reference this event belongs to.
func (e Event) Ref() AggregateRef {
	return AggregateRef{Type: e.AggregateType, ID: e.AggregateID}
}
