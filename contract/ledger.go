package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/keel/event"
)

// Ledger issues and settles resource contracts on top of an event store.
// It holds no state of its own; every operation loads the contract's
// event history, folds it, and appends with an expected-version
// precondition, so concurrent consumers of the same contract serialize
// through optimistic concurrency.
type Ledger struct {
	store event.EventStore
	now   func() time.Time
}

// NewLedger creates a ledger backed by the given event store.
func NewLedger(store event.EventStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// CreateParams describes a new contract.
type CreateParams struct {
	OwnerAgentID string
	TaskID       string

	// ParentContractID links a sub-agent contract to its parent for
	// usage attribution. The parent's own budget is not decremented.
	ParentContractID string

	Limits    event.ResourceAmounts
	ExpiresAt time.Time
}

// Create issues a new active contract and returns its projected state.
// All limits must be positive.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (Contract, error) {
	if err := validateLimits(params.Limits); err != nil {
		return Contract{}, err
	}
	if params.OwnerAgentID == "" {
		return Contract{}, fmt.Errorf("%w: owner agent id is required", ErrInvalidLimits)
	}

	id := uuid.NewString()
	payload, err := json.Marshal(event.ContractCreatedData{
		OwnerAgentID:     params.OwnerAgentID,
		TaskID:           params.TaskID,
		ParentContractID: params.ParentContractID,
		Limits:           params.Limits,
		ExpiresAt:        params.ExpiresAt,
	})
	if err != nil {
		return Contract{}, fmt.Errorf("marshaling contract payload: %w", err)
	}

	e, err := l.store.Append(ctx, event.AppendRequest{
		Ref:             event.AggregateRef{Type: event.AggregateContract, ID: id},
		Type:            event.EventContractCreated,
		Payload:         payload,
		ExpectedVersion: 0,
	})
	if err != nil {
		return Contract{}, fmt.Errorf("creating contract: %w", err)
	}

	return Fold([]event.Event{e}), nil
}

// Get returns the projected state of a contract.
func (l *Ledger) Get(ctx context.Context, contractID string) (Contract, error) {
	events, err := l.store.Read(ctx, l.ref(contractID), 0)
	if err != nil {
		return Contract{}, fmt.Errorf("reading contract %s: %w", contractID, err)
	}
	if len(events) == 0 {
		return Contract{}, fmt.Errorf("contract %s: %w", contractID, event.ErrNotFound)
	}
	return Fold(events), nil
}

// Consume records a usage delta against a contract and returns the
// contract's status after the delta is applied.
//
// Consuming against a non-active contract fails with
// ErrContractNotActive. A delta that meets or crosses a hard limit
// (cost, time, API calls) is still recorded, and the contract
// transitions to exceeded; the same holds for a token delta within the
// grace window. A token delta that would land past the grace window is
// rejected with ErrLimitsExceeded and nothing is recorded. Once
// exceeded, every later Consume fails with ErrContractNotActive.
//
// Concurrent consumers racing on the same contract lose with
// event.ErrConcurrencyConflict; retry by calling Consume again.
func (l *Ledger) Consume(ctx context.Context, contractID string, deltas event.ResourceAmounts) (Status, error) {
	c, err := l.Get(ctx, contractID)
	if err != nil {
		return "", err
	}
	if c.Status != StatusActive {
		return c.Status, fmt.Errorf("contract %s is %s: %w", contractID, c.Status, ErrContractNotActive)
	}
	if !tokenDeltaAllowed(c.Limits.Tokens, c.Used.Tokens, deltas.Tokens) {
		return c.Status, fmt.Errorf("contract %s: token delta %d past grace window: %w",
			contractID, deltas.Tokens, ErrLimitsExceeded)
	}

	payload, err := json.Marshal(event.ContractConsumedData{Deltas: deltas})
	if err != nil {
		return "", fmt.Errorf("marshaling consume payload: %w", err)
	}

	consumed, err := l.store.Append(ctx, event.AppendRequest{
		Ref:             c.ref(),
		Type:            event.EventContractConsumed,
		Payload:         payload,
		ExpectedVersion: c.Version,
	})
	if err != nil {
		return "", fmt.Errorf("recording consumption for contract %s: %w", contractID, err)
	}

	c.Used.Tokens += deltas.Tokens
	c.Used.CostCents += deltas.CostCents
	c.Used.Time += deltas.Time
	c.Used.APICalls += deltas.APICalls
	c.Used.ToolCalls += deltas.ToolCalls
	c.Version = consumed.Version

	resource := exceededResource(c.Limits, c.Used)
	if resource == "" {
		return StatusActive, nil
	}

	if err := l.markExceeded(ctx, contractID, c.Version, resource); err != nil {
		return "", err
	}
	return StatusExceeded, nil
}

// markExceededAttempts bounds marker-append retries. The exceeded status
// is already derivable from the recorded usage by the time this runs, so
// the marker is an audit record, not the source of truth.
const markExceededAttempts = 5

// markExceeded appends the contract.exceeded marker. The delta that
// breached the limit is already durable and Fold derives exceeded from
// it, so a conflicting writer cannot undo the flip; on conflict the
// stream is re-read and the append is skipped if a marker or a terminal
// transition already landed.
func (l *Ledger) markExceeded(ctx context.Context, contractID string, version int64, resource string) error {
	payload, err := json.Marshal(event.ContractExceededData{Resource: resource})
	if err != nil {
		return fmt.Errorf("marshaling exceeded payload: %w", err)
	}

	for attempt := 0; attempt < markExceededAttempts; attempt++ {
		_, err := l.store.Append(ctx, event.AppendRequest{
			Ref:             l.ref(contractID),
			Type:            event.EventContractExceeded,
			Payload:         payload,
			ExpectedVersion: version,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, event.ErrConcurrencyConflict) {
			return fmt.Errorf("marking contract %s exceeded: %w", contractID, err)
		}

		tail, rerr := l.store.Read(ctx, l.ref(contractID), version)
		if rerr != nil {
			return fmt.Errorf("re-reading contract %s: %w", contractID, rerr)
		}
		for _, e := range tail {
			switch e.Type {
			case event.EventContractExceeded, event.EventContractCompleted,
				event.EventContractCancelled, event.EventContractExpired:
				return nil
			}
		}
		if len(tail) > 0 {
			version = tail[len(tail)-1].Version
		}
	}
	return nil
}

// Complete transitions an active contract to completed.
func (l *Ledger) Complete(ctx context.Context, contractID string) error {
	return l.transition(ctx, contractID, event.EventContractCompleted, nil)
}

// Cancel transitions an active contract to cancelled.
func (l *Ledger) Cancel(ctx context.Context, contractID string) error {
	return l.transition(ctx, contractID, event.EventContractCancelled, nil)
}

// Expire transitions an active contract to expired once its deadline has
// passed. Expiring a contract whose deadline is still in the future is a
// no-op, so a scheduled expiry job can run safely even after the
// deadline was extended.
func (l *Ledger) Expire(ctx context.Context, contractID string) error {
	c, err := l.Get(ctx, contractID)
	if err != nil {
		return err
	}
	if c.Status != StatusActive {
		return nil
	}
	if c.ExpiresAt.IsZero() || l.now().Before(c.ExpiresAt) {
		return nil
	}

	_, err = l.store.Append(ctx, event.AppendRequest{
		Ref:             c.ref(),
		Type:            event.EventContractExpired,
		Payload:         json.RawMessage(`{}`),
		ExpectedVersion: c.Version,
	})
	if err != nil {
		if errors.Is(err, event.ErrConcurrencyConflict) {
			return l.Expire(ctx, contractID)
		}
		return fmt.Errorf("expiring contract %s: %w", contractID, err)
	}
	return nil
}

// Limits reports usage as a percentage of each limit for the contract,
// for early-warning checks before any hard limit is reached.
func (l *Ledger) Limits(ctx context.Context, contractID string) (LimitsStatus, error) {
	c, err := l.Get(ctx, contractID)
	if err != nil {
		return LimitsStatus{}, err
	}
	return Percentages(c), nil
}

// ChildUsage sums the recorded usage of the given contracts that name
// parentID as their parent. Attribution only: child usage never
// decrements the parent's own budget.
func (l *Ledger) ChildUsage(ctx context.Context, parentID string, contractIDs []string) (event.ResourceAmounts, error) {
	var total event.ResourceAmounts
	for _, id := range contractIDs {
		c, err := l.Get(ctx, id)
		if err != nil {
			return event.ResourceAmounts{}, err
		}
		if c.ParentContractID != parentID {
			continue
		}
		total.Tokens += c.Used.Tokens
		total.CostCents += c.Used.CostCents
		total.Time += c.Used.Time
		total.APICalls += c.Used.APICalls
		total.ToolCalls += c.Used.ToolCalls
	}
	return total, nil
}

func (l *Ledger) transition(ctx context.Context, contractID string, eventType event.EventType, payload json.RawMessage) error {
	c, err := l.Get(ctx, contractID)
	if err != nil {
		return err
	}
	if c.Status != StatusActive {
		return fmt.Errorf("contract %s is %s: %w", contractID, c.Status, ErrContractNotActive)
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	_, err = l.store.Append(ctx, event.AppendRequest{
		Ref:             c.ref(),
		Type:            eventType,
		Payload:         payload,
		ExpectedVersion: c.Version,
	})
	if err != nil {
		return fmt.Errorf("transitioning contract %s to %s: %w", contractID, eventType, err)
	}
	return nil
}

func (l *Ledger) ref(contractID string) event.AggregateRef {
	return event.AggregateRef{Type: event.AggregateContract, ID: contractID}
}

func (c Contract) ref() event.AggregateRef {
	return event.AggregateRef{Type: event.AggregateContract, ID: c.ID}
}
