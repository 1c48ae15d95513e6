// Package feed layers live change notifications over an event store.
//
// The feed is a decorator: it forwards every call to the wrapped store
// and, after each successful append, notifies subscribers interested in
// the event's aggregate type. Channel delivery is best effort; a
// subscriber that falls behind misses live sends but never loses data,
// because the global sequence is a durable cursor and Replay reads
// everything from any cursor position. Consumers that track their last
// seen sequence and replay on reconnect get at-least-once delivery.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/lirancohen/keel/event"
)

// replayPageSize is the ReadAll batch size used by Replay.
const replayPageSize = 256

// Store wraps an event store with subscriber notifications.
type Store struct {
	inner event.EventStore

	mu     sync.RWMutex
	subs   map[event.AggregateType]map[int]chan event.Event
	all    map[int]chan event.Event
	nextID int
}

// New wraps the given event store.
func New(inner event.EventStore) *Store {
	return &Store{
		inner: inner,
		subs:  make(map[event.AggregateType]map[int]chan event.Event),
		all:   make(map[int]chan event.Event),
	}
}

// Subscribe registers interest in events for the given aggregate type.
// It returns a receive channel with the given buffer size and a cancel
// function that closes the subscription. Passing an empty aggregate type
// subscribes to all events.
func (s *Store) Subscribe(aggregateType event.AggregateType, buffer int) (<-chan event.Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan event.Event, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if aggregateType == "" {
		s.all[id] = ch
	} else {
		if s.subs[aggregateType] == nil {
			s.subs[aggregateType] = make(map[int]chan event.Event)
		}
		s.subs[aggregateType][id] = ch
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if aggregateType == "" {
			if _, ok := s.all[id]; ok {
				delete(s.all, id)
				close(ch)
			}
			return
		}
		if _, ok := s.subs[aggregateType][id]; ok {
			delete(s.subs[aggregateType], id)
			close(ch)
		}
	}
	return ch, cancel
}

// Append appends through to the wrapped store and notifies subscribers
// on success.
func (s *Store) Append(ctx context.Context, req event.AppendRequest) (event.Event, error) {
	e, err := s.inner.Append(ctx, req)
	if err != nil {
		return event.Event{}, err
	}
	s.notify(e)
	return e, nil
}

// Read delegates to the wrapped store.
func (s *Store) Read(ctx context.Context, ref event.AggregateRef, fromVersion int64) ([]event.Event, error) {
	return s.inner.Read(ctx, ref, fromVersion)
}

// LastVersion delegates to the wrapped store.
func (s *Store) LastVersion(ctx context.Context, ref event.AggregateRef) (int64, error) {
	return s.inner.LastVersion(ctx, ref)
}

// ReadAll delegates to the wrapped store.
func (s *Store) ReadAll(ctx context.Context, fromSequence int64, limit int) ([]event.Event, error) {
	return s.inner.ReadAll(ctx, fromSequence, limit)
}

// Replay invokes fn for every stored event with sequence greater than
// fromSequence, in sequence order. It returns the last sequence
// delivered, which callers persist as their cursor.
func (s *Store) Replay(ctx context.Context, fromSequence int64, fn func(event.Event) error) (int64, error) {
	cursor := fromSequence
	for {
		events, err := s.inner.ReadAll(ctx, cursor, replayPageSize)
		if err != nil {
			return cursor, fmt.Errorf("replaying from sequence %d: %w", cursor, err)
		}
		if len(events) == 0 {
			return cursor, nil
		}
		for _, e := range events {
			if err := fn(e); err != nil {
				return cursor, err
			}
			cursor = e.Sequence
		}
	}
}

// notify sends the event to matching subscribers without blocking. A
// full subscriber channel is skipped; the subscriber recovers the gap
// through Replay.
func (s *Store) notify(e event.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subs[e.AggregateType] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range s.all {
		select {
		case ch <- e:
		default:
		}
	}
}
