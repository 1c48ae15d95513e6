package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/query"
)

func taskRef(id string) event.AggregateRef {
	return event.AggregateRef{Type: event.AggregateTask, ID: id}
}

func mustAppend(t *testing.T, s *Store, ref event.AggregateRef, eventType event.EventType, expectedVersion int64) event.Event {
	t.Helper()
	e, err := s.Append(context.Background(), event.AppendRequest{
		Ref:             ref,
		Type:            eventType,
		Payload:         json.RawMessage(`{}`),
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		t.Fatalf("Append(%s, v%d) failed: %v", ref, expectedVersion, err)
	}
	return e
}

func TestAppendAssignsVersionsAndSequences(t *testing.T) {
	s := New()
	ctx := context.Background()

	e1 := mustAppend(t, s, taskRef("t-1"), event.EventTaskCreated, 0)
	e2 := mustAppend(t, s, taskRef("t-1"), event.EventTaskReady, 1)
	e3 := mustAppend(t, s, taskRef("t-2"), event.EventTaskCreated, 0)

	if e1.Version != 1 || e2.Version != 2 || e3.Version != 1 {
		t.Errorf("versions = %d, %d, %d; want 1, 2, 1", e1.Version, e2.Version, e3.Version)
	}
	if e1.Sequence != 1 || e2.Sequence != 2 || e3.Sequence != 3 {
		t.Errorf("sequences = %d, %d, %d; want 1, 2, 3", e1.Sequence, e2.Sequence, e3.Sequence)
	}
	if e1.ID == "" || e1.ID == e2.ID {
		t.Error("events should get unique non-empty IDs")
	}
	if e1.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	last, err := s.LastVersion(ctx, taskRef("t-1"))
	if err != nil {
		t.Fatalf("LastVersion failed: %v", err)
	}
	if last != 2 {
		t.Errorf("LastVersion = %d, want 2", last)
	}
}

func TestAppendStaleVersionConflicts(t *testing.T) {
	s := New()

	mustAppend(t, s, taskRef("t-1"), event.EventTaskCreated, 0)
	mustAppend(t, s, taskRef("t-1"), event.EventTaskReady, 1)

	_, err := s.Append(context.Background(), event.AppendRequest{
		Ref:             taskRef("t-1"),
		Type:            event.EventTaskAssigned,
		Payload:         json.RawMessage(`{}`),
		ExpectedVersion: 1,
	})
	if !errors.Is(err, event.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	var conflict *event.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.Expected != 1 || conflict.Actual != 2 {
		t.Errorf("conflict = expected %d actual %d; want expected 1 actual 2", conflict.Expected, conflict.Actual)
	}
}

func TestConcurrentAppendsExactlyOneWins(t *testing.T) {
	s := New()
	mustAppend(t, s, taskRef("t-1"), event.EventTaskCreated, 0)

	const writers = 16
	var successes atomic.Int64

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := s.Append(context.Background(), event.AppendRequest{
				Ref:             taskRef("t-1"),
				Type:            event.EventTaskAssigned,
				Payload:         json.RawMessage(`{}`),
				ExpectedVersion: 1,
			})
			if err == nil {
				successes.Add(1)
				return nil
			}
			if !errors.Is(err, event.ErrConcurrencyConflict) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	if got := successes.Load(); got != 1 {
		t.Errorf("%d writers succeeded with the same expected version, want exactly 1", got)
	}
	last, _ := s.LastVersion(context.Background(), taskRef("t-1"))
	if last != 2 {
		t.Errorf("LastVersion = %d, want 2", last)
	}
}

func TestReadFromVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	mustAppend(t, s, taskRef("t-1"), event.EventTaskCreated, 0)
	mustAppend(t, s, taskRef("t-1"), event.EventTaskReady, 1)
	mustAppend(t, s, taskRef("t-1"), event.EventTaskAssigned, 2)

	tests := []struct {
		name        string
		fromVersion int64
		want        int
	}{
		{"all", 0, 3},
		{"tail", 1, 2},
		{"none", 3, 0},
		{"past end", 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.Read(ctx, taskRef("t-1"), tt.fromVersion)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("Read(from=%d) returned %d events, want %d", tt.fromVersion, len(events), tt.want)
			}
			for i := 1; i < len(events); i++ {
				if events[i].Version != events[i-1].Version+1 {
					t.Errorf("versions not gapless ascending: %d then %d", events[i-1].Version, events[i].Version)
				}
			}
		})
	}

	events, err := s.Read(ctx, taskRef("missing"), 0)
	if err != nil {
		t.Fatalf("Read of missing aggregate failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("missing aggregate returned %d events, want 0", len(events))
	}
}

func TestReadAllPagination(t *testing.T) {
	s := New()
	ctx := context.Background()

	mustAppend(t, s, taskRef("t-1"), event.EventTaskCreated, 0)
	mustAppend(t, s, taskRef("t-2"), event.EventTaskCreated, 0)
	mustAppend(t, s, taskRef("t-1"), event.EventTaskReady, 1)
	mustAppend(t, s, taskRef("t-3"), event.EventTaskCreated, 0)

	page, err := s.ReadAll(ctx, 0, 3)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("first page has %d events, want 3", len(page))
	}

	rest, err := s.ReadAll(ctx, page[len(page)-1].Sequence, 0)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("second page has %d events, want 1", len(rest))
	}

	all := append(page, rest...)
	for i, e := range all {
		if e.Sequence != int64(i+1) {
			t.Errorf("event %d has sequence %d, want %d", i, e.Sequence, i+1)
		}
	}
}

func TestQueryByEntity(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Append(ctx, event.AppendRequest{
		Ref:             taskRef("t-1"),
		Type:            event.EventTaskCreated,
		Payload:         json.RawMessage(`{}`),
		ExpectedVersion: 0,
		Metadata:        map[string]string{"entity_type": "customer", "entity_id": "cust-1"},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	mustAppend(t, s, taskRef("t-2"), event.EventTaskCreated, 0)

	ids, err := s.QueryByEntity(ctx, "customer", "cust-1")
	if err != nil {
		t.Fatalf("QueryByEntity failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t-1" {
		t.Errorf("QueryByEntity = %v, want [t-1]", ids)
	}

	count, err := s.CountAggregates(ctx, query.AggregateFilter{AggregateType: "task"})
	if err != nil {
		t.Fatalf("CountAggregates failed: %v", err)
	}
	if count != 2 {
		t.Errorf("CountAggregates = %d, want 2", count)
	}
}
