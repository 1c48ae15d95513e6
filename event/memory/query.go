package memory

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/query"
)

// CountAggregates implements query.AggregateCounter.
func (s *Store) CountAggregates(ctx context.Context, filter query.AggregateFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, events := range s.events {
		if len(events) == 0 {
			continue
		}
		if filter.AggregateType != "" && string(events[0].AggregateType) != filter.AggregateType {
			continue
		}
		count++
	}
	return count, nil
}

// QueryByEntity implements query.EntityQuerier using the entity_type and
// entity_id keys of the event metadata.
func (s *Store) QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	ids := []string{}
	for _, e := range s.log {
		if e.Metadata["entity_type"] != entityType || e.Metadata["entity_id"] != entityID {
			continue
		}
		if seen[e.AggregateID] {
			continue
		}
		seen[e.AggregateID] = true
		ids = append(ids, e.AggregateID)
	}
	sort.Strings(ids)
	return ids, nil
}

// QueryChildren implements query.ChildQuerier by scanning contract
// creation events for the given parent.
func (s *Store) QueryChildren(ctx context.Context, parentContractID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []string{}
	for _, e := range s.log {
		if e.AggregateType != event.AggregateContract || e.Type != event.EventContractCreated {
			continue
		}
		var data event.ContractCreatedData
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			continue
		}
		if data.ParentContractID == parentContractID {
			ids = append(ids, e.AggregateID)
		}
	}
	return ids, nil
}
