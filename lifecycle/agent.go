package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/project"
)

// RegisterAgent registers a new agent with the given concurrency
// capacity. MaxLoad must be positive.
func (e *Engine) RegisterAgent(ctx context.Context, name string, maxLoad int) (project.AgentState, error) {
	if maxLoad <= 0 {
		return project.AgentState{}, fmt.Errorf("agent max load must be positive, got %d", maxLoad)
	}

	id := uuid.NewString()
	payload, err := json.Marshal(event.AgentRegisteredData{Name: name, MaxLoad: maxLoad})
	if err != nil {
		return project.AgentState{}, fmt.Errorf("marshaling agent payload: %w", err)
	}

	registered, err := e.events.Append(ctx, event.AppendRequest{
		Ref:             event.AggregateRef{Type: event.AggregateAgent, ID: id},
		Type:            event.EventAgentRegistered,
		Payload:         payload,
		ExpectedVersion: 0,
	})
	if err != nil {
		return project.AgentState{}, fmt.Errorf("registering agent: %w", err)
	}

	e.log.Info("agent registered", "agent_id", id, "name", name, "max_load", maxLoad)
	return project.AgentFold([]event.Event{registered}), nil
}

// Agent returns the projected state of an agent.
func (e *Engine) Agent(ctx context.Context, agentID string) (project.AgentState, error) {
	state, _, err := e.loadAgent(ctx, agentID)
	return state, err
}

// SetAgentOverride sets or clears an operator override on an agent.
// Valid overrides are error, paused, and offline; the empty string
// clears the override and returns the agent to load-derived status.
// Overrides do not touch existing assignments, only new ones.
func (e *Engine) SetAgentOverride(ctx context.Context, agentID string, override project.AgentStatus, reason string) error {
	switch override {
	case "", project.AgentError, project.AgentPaused, project.AgentOffline:
	default:
		return fmt.Errorf("invalid agent override %q", override)
	}

	_, version, err := e.loadAgent(ctx, agentID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event.AgentOverrideSetData{
		Override: string(override),
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("marshaling override payload: %w", err)
	}
	if err := e.appendRetrying(ctx, event.AggregateRef{Type: event.AggregateAgent, ID: agentID},
		event.EventAgentOverrideSet, payload, version); err != nil {
		return fmt.Errorf("setting override for agent %s: %w", agentID, err)
	}

	e.log.Info("agent override set", "agent_id", agentID, "override", string(override), "reason", reason)
	return nil
}
