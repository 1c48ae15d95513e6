package event

import "time"

// TaskCreatedData is the payload for task.created events.
type TaskCreatedData struct {
	DAGID      string `json:"dag_id,omitempty"`
	Name       string `json:"name"`
	Priority   int    `json:"priority,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// TaskAssignedData is the payload for task.assigned events.
type TaskAssignedData struct {
	AgentID string `json:"agent_id"`
}

// TaskCompletedData is the payload for task.completed events.
type TaskCompletedData struct {
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// TaskFailedData is the payload for task.failed events. When WillRetry is
// set the task returns to pending with its retry count incremented and its
// assignment cleared; otherwise the failure is terminal.
type TaskFailedData struct {
	Error     string `json:"error"`
	WillRetry bool   `json:"will_retry"`
}

// TaskCancelledData is the payload for task.cancelled events.
type TaskCancelledData struct {
	Reason string `json:"reason,omitempty"`
}

// AgentRegisteredData is the payload for agent.registered events.
type AgentRegisteredData struct {
	Name    string `json:"name,omitempty"`
	MaxLoad int    `json:"max_load"`
}

// AgentTaskAssignedData is the payload for agent.task_assigned events.
type AgentTaskAssignedData struct {
	TaskID string `json:"task_id"`
}

// AgentTaskReleasedData is the payload for agent.task_released events.
type AgentTaskReleasedData struct {
	TaskID string `json:"task_id"`
}

// AgentOverrideSetData is the payload for agent.override_set events.
// An empty Override clears any explicit override so status becomes
// load-derived again.
type AgentOverrideSetData struct {
	Override string `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DAGCreatedData is the payload for dag.created events.
type DAGCreatedData struct {
	Name string `json:"name,omitempty"`
}

// DAGTaskAddedData is the payload for dag.task_added events.
type DAGTaskAddedData struct {
	TaskID string `json:"task_id"`
}

// DAGEdgeAddedData is the payload for dag.edge_added events.
type DAGEdgeAddedData struct {
	TaskID         string `json:"task_id"`
	DependsOnID    string `json:"depends_on_id"`
	DependencyType string `json:"dependency_type,omitempty"`
}

// DAGStatusChangedData is the payload for dag.status_changed events.
type DAGStatusChangedData struct {
	Status string `json:"status"`
}

// ResourceAmounts carries per-resource quantities, used both for contract
// limits and for consumption deltas.
type ResourceAmounts struct {
	Tokens    int64         `json:"tokens,omitempty"`
	CostCents int64         `json:"cost_cents,omitempty"`
	Time      time.Duration `json:"time_ns,omitempty"`
	APICalls  int64         `json:"api_calls,omitempty"`
	ToolCalls int64         `json:"tool_calls,omitempty"`
}

// ContractCreatedData is the payload for contract.created events.
type ContractCreatedData struct {
	OwnerAgentID     string          `json:"owner_agent_id"`
	TaskID           string          `json:"task_id"`
	ParentContractID string          `json:"parent_contract_id,omitempty"`
	Limits           ResourceAmounts `json:"limits"`
	ExpiresAt        time.Time       `json:"expires_at,omitempty"`
}

// ContractConsumedData is the payload for contract.consumed events.
type ContractConsumedData struct {
	Deltas ResourceAmounts `json:"deltas"`
}

// ContractExceededData is the payload for contract.exceeded events.
type ContractExceededData struct {
	Resource string `json:"resource"`
}

// ApprovalRequestedData is the payload for approval.requested events.
type ApprovalRequestedData struct {
	TaskID     string    `json:"task_id,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// ApprovalDecisionData is the payload for approval.approved and
// approval.denied events.
type ApprovalDecisionData struct {
	DeciderID string `json:"decider_id"`
	Comments  string `json:"comments,omitempty"`
}
