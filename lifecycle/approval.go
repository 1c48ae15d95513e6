package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/project"
)

// ApprovalParams describes a new approval request gating a sensitive
// capability or resource.
type ApprovalParams struct {
	TaskID     string
	Capability string
	Resource   string
	ExpiresAt  time.Time
}

// RequestApproval opens a pending approval.
func (e *Engine) RequestApproval(ctx context.Context, params ApprovalParams) (project.ApprovalState, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(event.ApprovalRequestedData{
		TaskID:     params.TaskID,
		Capability: params.Capability,
		Resource:   params.Resource,
		ExpiresAt:  params.ExpiresAt,
	})
	if err != nil {
		return project.ApprovalState{}, fmt.Errorf("marshaling approval payload: %w", err)
	}

	requested, err := e.events.Append(ctx, event.AppendRequest{
		Ref:             event.AggregateRef{Type: event.AggregateApproval, ID: id},
		Type:            event.EventApprovalRequested,
		Payload:         payload,
		ExpectedVersion: 0,
	})
	if err != nil {
		return project.ApprovalState{}, fmt.Errorf("requesting approval: %w", err)
	}

	e.log.Info("approval requested",
		"approval_id", id, "task_id", params.TaskID, "capability", params.Capability)
	return project.ApprovalFold([]event.Event{requested}), nil
}

// Approval returns the projected state of an approval.
func (e *Engine) Approval(ctx context.Context, approvalID string) (project.ApprovalState, error) {
	state, _, err := e.loadApproval(ctx, approvalID)
	return state, err
}

// Approve records an approval decision. A second decision on the same
// approval fails with ErrAlreadyDecided; the first decision stands.
func (e *Engine) Approve(ctx context.Context, approvalID, deciderID, comments string) error {
	return e.decide(ctx, approvalID, event.EventApprovalApproved, deciderID, comments)
}

// Deny records a denial. A second decision on the same approval fails
// with ErrAlreadyDecided; the first decision stands.
func (e *Engine) Deny(ctx context.Context, approvalID, deciderID, comments string) error {
	return e.decide(ctx, approvalID, event.EventApprovalDenied, deciderID, comments)
}

// AutoApprove records a policy-driven approval for a capability that
// needs no human decision.
func (e *Engine) AutoApprove(ctx context.Context, approvalID, policy string) error {
	return e.decide(ctx, approvalID, event.EventApprovalAutoApproved, policy, "")
}

// ExpireApproval expires a pending approval whose deadline has passed.
// Decided approvals and approvals still inside their deadline are left
// untouched.
//
// The expired event is appended at the version the pending state was
// loaded from, never with a blind version refresh: a decision that lands
// in between wins the race, and the conflict resolves to a no-op so the
// decision stands.
func (e *Engine) ExpireApproval(ctx context.Context, approvalID string) error {
	approval, version, err := e.loadApproval(ctx, approvalID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < sideAppendAttempts; attempt++ {
		if approval.Status.Decided() {
			return nil
		}
		if approval.ExpiresAt.IsZero() || time.Now().Before(approval.ExpiresAt) {
			return nil
		}

		_, err = e.events.Append(ctx, event.AppendRequest{
			Ref:             event.AggregateRef{Type: event.AggregateApproval, ID: approvalID},
			Type:            event.EventApprovalExpired,
			Payload:         json.RawMessage(`{}`),
			ExpectedVersion: version,
		})
		if err == nil {
			e.log.Info("approval expired", "approval_id", approvalID)
			return nil
		}
		if !errors.Is(err, event.ErrConcurrencyConflict) {
			return fmt.Errorf("expiring approval %s: %w", approvalID, err)
		}
		lastErr = err

		approval, version, err = e.loadApproval(ctx, approvalID)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("expiring approval %s: %w", approvalID, lastErr)
}

func (e *Engine) decide(ctx context.Context, approvalID string, eventType event.EventType, deciderID, comments string) error {
	approval, version, err := e.loadApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if approval.Status.Decided() {
		return fmt.Errorf("approval %s is %s: %w", approvalID, approval.Status, ErrAlreadyDecided)
	}

	payload, err := json.Marshal(event.ApprovalDecisionData{DeciderID: deciderID, Comments: comments})
	if err != nil {
		return fmt.Errorf("marshaling decision payload: %w", err)
	}

	// No version refresh on conflict: the losing decision must not
	// overwrite the winner. Retrying callers will see ErrAlreadyDecided.
	_, err = e.events.Append(ctx, event.AppendRequest{
		Ref:             event.AggregateRef{Type: event.AggregateApproval, ID: approvalID},
		Type:            eventType,
		Payload:         payload,
		ExpectedVersion: version,
	})
	if err != nil {
		return fmt.Errorf("recording decision for approval %s: %w", approvalID, err)
	}

	e.log.Info("approval decided", "approval_id", approvalID, "decision", string(eventType), "decider", deciderID)
	return nil
}
