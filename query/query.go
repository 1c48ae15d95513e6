// Package query defines optional interfaces for extending EventStore
// implementations with dashboard-specific query capabilities.
//
// Following Rob Pike's principle: "The bigger the interface, the weaker
// the abstraction." Each interface has a single method, allowing stores
// to implement only what they need.
//
// These interfaces are OPTIONAL. Dashboard code should type-assert to
// check if a store implements the desired interface:
//
//	if counter, ok := store.(query.AggregateCounter); ok {
//	    total, err := counter.CountAggregates(ctx, filter)
//	    // use total for pagination
//	}
//
// Stores that don't implement these interfaces can still back a
// dashboard - the dashboard falls back to scanning the global feed and
// counting aggregates directly.
package query

import "context"

// AggregateFilter specifies criteria for counting aggregates.
// All fields are optional; zero values mean "no filter".
type AggregateFilter struct {
	// AggregateType filters by aggregate type (e.g., "task", "contract").
	AggregateType string

	// Limit caps the number of results (0 means no limit).
	Limit int

	// Offset skips the first N results (for pagination).
	Offset int
}

// AggregateCounter enables efficient counting of aggregates matching a
// filter. Implement this to support pagination totals without scanning
// the full event log.
type AggregateCounter interface {
	// CountAggregates returns the number of distinct aggregates matching
	// the filter. The Limit and Offset fields are ignored for counting.
	CountAggregates(ctx context.Context, filter AggregateFilter) (int64, error)
}

// EntityQuerier enables finding aggregates by application-defined
// entity. Entity correlation is stored in Event.Metadata with keys
// "entity_type" and "entity_id".
//
// Example: find all tasks working for a specific customer:
//
//	ids, err := querier.QueryByEntity(ctx, "customer", "cust-123")
type EntityQuerier interface {
	// QueryByEntity returns aggregate IDs correlated to an entity.
	// Returns an empty slice if nothing matches.
	QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error)
}

// ChildQuerier enables finding the sub-contracts issued under a parent
// contract. This is derived from the parent_contract_id recorded at
// contract creation.
type ChildQuerier interface {
	// QueryChildren returns contract IDs whose parent is parentContractID.
	// Returns an empty slice if the parent has no children.
	QueryChildren(ctx context.Context, parentContractID string) ([]string, error)
}
