// Package contract implements the hierarchical resource-budget ledger:
// per-task budgets for tokens, cost, wall-clock time, and API/tool calls,
// with hard limit enforcement. All usage deltas are durably recorded as
// events on the contract aggregate, so ledger state is fully rebuildable.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/keel/event"
)

// TokenGraceFactor is the soft-enforcement margin for token budgets: the
// delta that crosses the token limit is still recorded up to 10% past the
// limit before enforcement applies, but the contract transitions to
// exceeded as soon as usage passes the base limit.
const TokenGraceFactor = 1.1

// Common errors returned by the ledger.
var (
	// ErrInvalidLimits indicates a contract was created with a
	// non-positive limit.
	ErrInvalidLimits = errors.New("invalid contract limits")

	// ErrContractNotActive indicates a consume or transition was issued
	// against a contract that is no longer active. Terminal for that
	// contract; callers should halt dependent agent work.
	ErrContractNotActive = errors.New("contract not active")

	// ErrLimitsExceeded indicates a hard limit was met or exceeded.
	ErrLimitsExceeded = errors.New("contract limits exceeded")
)

// Status represents the lifecycle state of a contract.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExceeded  Status = "exceeded"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Contract is the projected state of a contract aggregate.
type Contract struct {
	ID               string
	OwnerAgentID     string
	TaskID           string
	ParentContractID string
	Limits           event.ResourceAmounts
	Used             event.ResourceAmounts
	Status           Status
	ExpiresAt        time.Time

	// Version is the aggregate version this state reflects, used as the
	// expected-version precondition for the next append.
	Version int64
}

// Fold projects the current contract state from its event history.
//
// Exceeded is a property of recorded usage, not of the marker event
// alone: an active contract whose recorded usage breaches a limit folds
// to exceeded even before the contract.exceeded marker lands, so the
// status flip is atomic with the consume that caused it.
func Fold(events []event.Event) Contract {
	var c Contract

	for _, e := range events {
		switch e.Type {
		case event.EventContractCreated:
			var data event.ContractCreatedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				c.OwnerAgentID = data.OwnerAgentID
				c.TaskID = data.TaskID
				c.ParentContractID = data.ParentContractID
				c.Limits = data.Limits
				c.ExpiresAt = data.ExpiresAt
			}
			c.ID = e.AggregateID
			c.Status = StatusActive

		case event.EventContractConsumed:
			var data event.ContractConsumedData
			if err := json.Unmarshal(e.Payload, &data); err == nil {
				c.Used.Tokens += data.Deltas.Tokens
				c.Used.CostCents += data.Deltas.CostCents
				c.Used.Time += data.Deltas.Time
				c.Used.APICalls += data.Deltas.APICalls
				c.Used.ToolCalls += data.Deltas.ToolCalls
			}

		case event.EventContractExceeded:
			c.Status = StatusExceeded

		case event.EventContractCompleted:
			c.Status = StatusCompleted

		case event.EventContractCancelled:
			c.Status = StatusCancelled

		case event.EventContractExpired:
			c.Status = StatusExpired
		}

		c.Version = e.Version
	}

	if c.Status == StatusActive && exceededResource(c.Limits, c.Used) != "" {
		c.Status = StatusExceeded
	}

	return c
}

// exceededResource returns the name of the first resource whose usage
// breaches its limit, or "" when the contract is within budget. Cost,
// time, and API-call limits are hard: usage meeting the limit breaches.
// Tokens are soft: only usage strictly past the limit breaches.
func exceededResource(limits, used event.ResourceAmounts) string {
	if limits.CostCents > 0 && used.CostCents >= limits.CostCents {
		return "cost"
	}
	if limits.Time > 0 && used.Time >= limits.Time {
		return "time"
	}
	if limits.APICalls > 0 && used.APICalls >= limits.APICalls {
		return "api_calls"
	}
	if limits.Tokens > 0 && used.Tokens > limits.Tokens {
		return "tokens"
	}
	return ""
}

// tokenDeltaAllowed reports whether a token delta is within the grace
// window. A delta that would land inside limit×TokenGraceFactor is
// recorded even though it crosses the limit.
func tokenDeltaAllowed(limit, used, delta int64) bool {
	if limit <= 0 {
		return true
	}
	grace := int64(float64(limit) * TokenGraceFactor)
	return used+delta <= grace
}

// LimitsStatus reports usage as a percentage of each limit, for
// early-warning checks before a hard limit is reached.
type LimitsStatus struct {
	Tokens   float64
	Cost     float64
	Time     float64
	APICalls float64
}

// Warnings returns the names of resources whose usage percentage meets or
// exceeds threshold (e.g. 80 for an 80% early warning).
func (s LimitsStatus) Warnings(threshold float64) []string {
	var out []string
	if s.Tokens >= threshold {
		out = append(out, "tokens")
	}
	if s.Cost >= threshold {
		out = append(out, "cost")
	}
	if s.Time >= threshold {
		out = append(out, "time")
	}
	if s.APICalls >= threshold {
		out = append(out, "api_calls")
	}
	return out
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

// Percentages computes the usage percentages for a contract.
func Percentages(c Contract) LimitsStatus {
	return LimitsStatus{
		Tokens:   percent(c.Used.Tokens, c.Limits.Tokens),
		Cost:     percent(c.Used.CostCents, c.Limits.CostCents),
		Time:     percent(int64(c.Used.Time), int64(c.Limits.Time)),
		APICalls: percent(c.Used.APICalls, c.Limits.APICalls),
	}
}

func validateLimits(limits event.ResourceAmounts) error {
	if limits.Tokens <= 0 {
		return fmt.Errorf("%w: token limit must be positive", ErrInvalidLimits)
	}
	if limits.CostCents <= 0 {
		return fmt.Errorf("%w: cost limit must be positive", ErrInvalidLimits)
	}
	if limits.Time <= 0 {
		return fmt.Errorf("%w: time limit must be positive", ErrInvalidLimits)
	}
	if limits.APICalls <= 0 {
		return fmt.Errorf("%w: api call limit must be positive", ErrInvalidLimits)
	}
	return nil
}
