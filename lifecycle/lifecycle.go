// Package lifecycle drives the task, agent, DAG, and approval state
// machines. Every command loads the aggregate's event history, validates
// the transition against the projected state, and appends the resulting
// event with an expected-version precondition, so concurrent commands on
// the same aggregate serialize through optimistic concurrency.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/graph"
	"github.com/lirancohen/keel/project"
)

// Common errors returned by lifecycle commands.
var (
	// ErrInvalidTransition indicates a command that is not legal from
	// the aggregate's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyDecided indicates a decision was issued against an
	// approval that has already been approved, denied, or expired.
	ErrAlreadyDecided = errors.New("approval already decided")

	// ErrAgentUnavailable indicates a task assignment targeted an agent
	// that is overloaded or under an operator override.
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// TransitionError carries the rejected transition for an
// ErrInvalidTransition.
type TransitionError struct {
	Ref  event.AggregateRef
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Ref, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Logger defines the logging interface for the engine. Implementations
// must be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the engine's dependencies.
type Config struct {
	// Events is the event store all state is derived from. Required.
	Events event.EventStore

	// Edges stores dependency edges for cycle validation and readiness
	// queries. Required.
	Edges graph.EdgeStore

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Events == nil {
		return errors.New("lifecycle: config requires an event store")
	}
	if c.Edges == nil {
		return errors.New("lifecycle: config requires an edge store")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// Engine executes lifecycle commands against the event store.
type Engine struct {
	events event.EventStore
	edges  graph.EdgeStore
	graph  *graph.Validator
	log    Logger
}

// New creates an engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Engine{
		events: cfg.Events,
		edges:  cfg.Edges,
		graph:  graph.NewValidator(cfg.Edges),
		log:    cfg.Logger,
	}, nil
}

// loadTask reads a task's history and returns its projected state and
// current version.
func (e *Engine) loadTask(ctx context.Context, taskID string) (project.TaskState, int64, error) {
	ref := event.AggregateRef{Type: event.AggregateTask, ID: taskID}
	events, err := e.events.Read(ctx, ref, 0)
	if err != nil {
		return project.TaskState{}, 0, fmt.Errorf("reading task %s: %w", taskID, err)
	}
	if len(events) == 0 {
		return project.TaskState{}, 0, fmt.Errorf("task %s: %w", taskID, event.ErrNotFound)
	}
	return project.TaskFold(events), events[len(events)-1].Version, nil
}

func (e *Engine) loadAgent(ctx context.Context, agentID string) (project.AgentState, int64, error) {
	ref := event.AggregateRef{Type: event.AggregateAgent, ID: agentID}
	events, err := e.events.Read(ctx, ref, 0)
	if err != nil {
		return project.AgentState{}, 0, fmt.Errorf("reading agent %s: %w", agentID, err)
	}
	if len(events) == 0 {
		return project.AgentState{}, 0, fmt.Errorf("agent %s: %w", agentID, event.ErrNotFound)
	}
	return project.AgentFold(events), events[len(events)-1].Version, nil
}

func (e *Engine) loadDAG(ctx context.Context, dagID string) (project.DAGState, int64, error) {
	ref := event.AggregateRef{Type: event.AggregateDAG, ID: dagID}
	events, err := e.events.Read(ctx, ref, 0)
	if err != nil {
		return project.DAGState{}, 0, fmt.Errorf("reading dag %s: %w", dagID, err)
	}
	if len(events) == 0 {
		return project.DAGState{}, 0, fmt.Errorf("dag %s: %w", dagID, event.ErrNotFound)
	}
	return project.DAGFold(events), events[len(events)-1].Version, nil
}

func (e *Engine) loadApproval(ctx context.Context, approvalID string) (project.ApprovalState, int64, error) {
	ref := event.AggregateRef{Type: event.AggregateApproval, ID: approvalID}
	events, err := e.events.Read(ctx, ref, 0)
	if err != nil {
		return project.ApprovalState{}, 0, fmt.Errorf("reading approval %s: %w", approvalID, err)
	}
	if len(events) == 0 {
		return project.ApprovalState{}, 0, fmt.Errorf("approval %s: %w", approvalID, event.ErrNotFound)
	}
	return project.ApprovalFold(events), events[len(events)-1].Version, nil
}
