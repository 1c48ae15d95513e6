package pgstore

import (
	"context"
	"fmt"

	"github.com/lirancohen/keel/query"
)

// CountAggregates implements query.AggregateCounter by counting distinct
// aggregate streams, optionally filtered by aggregate type.
func (s *Store) CountAggregates(ctx context.Context, filter query.AggregateFilter) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT (aggregate_type, aggregate_id))
		FROM keel_events
		WHERE ($1 = '' OR aggregate_type = $1)
	`, filter.AggregateType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count aggregates: %w", err)
	}
	return count, nil
}

// QueryByEntity implements query.EntityQuerier using the entity_type and
// entity_id keys of the event metadata.
func (s *Store) QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT aggregate_id
		FROM keel_events
		WHERE metadata->>'entity_type' = $1
		  AND metadata->>'entity_id' = $2
		ORDER BY aggregate_id
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query by entity: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aggregate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate ids: %w", err)
	}
	return ids, nil
}

// QueryChildren implements query.ChildQuerier by scanning contract
// creation events for the given parent.
func (s *Store) QueryChildren(ctx context.Context, parentContractID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT aggregate_id
		FROM keel_events
		WHERE aggregate_type = 'contract'
		  AND type = 'contract.created'
		  AND payload->>'parent_contract_id' = $1
		ORDER BY sequence
	`, parentContractID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contract id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contract ids: %w", err)
	}
	return ids, nil
}
