//go:build integration

package pgstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/event/pgstore"
	"github.com/lirancohen/keel/query"
)

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("keel_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to create pool: %v", err)
	}

	store := pgstore.New(pool)
	if err := store.Setup(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}
	return pool, cleanup
}

func taskRef(id string) event.AggregateRef {
	return event.AggregateRef{Type: event.AggregateTask, ID: id}
}

func mustAppend(t *testing.T, s *pgstore.Store, ref event.AggregateRef, eventType event.EventType, expectedVersion int64) event.Event {
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

func TestStore_Append(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := pgstore.New(pool)

	e1 := mustAppend(t, store, taskRef("t-1"), event.EventTaskCreated, 0)
	e2 := mustAppend(t, store, taskRef("t-1"), event.EventTaskReady, 1)
	e3 := mustAppend(t, store, taskRef("t-2"), event.EventTaskCreated, 0)

	if e1.Version != 1 || e2.Version != 2 || e3.Version != 1 {
		t.Errorf("versions = %d, %d, %d; want 1, 2, 1", e1.Version, e2.Version, e3.Version)
	}
	if !(e1.Sequence < e2.Sequence && e2.Sequence < e3.Sequence) {
		t.Errorf("sequences not strictly increasing: %d, %d, %d", e1.Sequence, e2.Sequence, e3.Sequence)
	}

	// Stale expected version conflicts.
	_, err := store.Append(context.Background(), event.AppendRequest{
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
		t.Errorf("conflict = expected %d actual %d; want 1 and 2", conflict.Expected, conflict.Actual)
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := pgstore.New(pool)

	mustAppend(t, store, taskRef("t-1"), event.EventTaskCreated, 0)

	const writers = 8
	successes := make(chan event.Event, writers)

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			e, err := store.Append(context.Background(), event.AppendRequest{
				Ref:             taskRef("t-1"),
				Type:            event.EventTaskAssigned,
				Payload:         json.RawMessage(`{}`),
				ExpectedVersion: 1,
			})
			if err == nil {
				successes <- e
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
	close(successes)

	var won int
	for range successes {
		won++
	}
	if won != 1 {
		t.Errorf("%d writers succeeded with the same expected version, want exactly 1", won)
	}

	last, err := store.LastVersion(context.Background(), taskRef("t-1"))
	if err != nil {
		t.Fatalf("LastVersion failed: %v", err)
	}
	if last != 2 {
		t.Errorf("LastVersion = %d, want 2", last)
	}
}

func TestStore_Read(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := pgstore.New(pool)
	ctx := context.Background()

	mustAppend(t, store, taskRef("t-1"), event.EventTaskCreated, 0)
	mustAppend(t, store, taskRef("t-1"), event.EventTaskReady, 1)
	mustAppend(t, store, taskRef("t-1"), event.EventTaskAssigned, 2)

	all, err := store.Read(ctx, taskRef("t-1"), 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Read returned %d events, want 3", len(all))
	}
	for i, e := range all {
		if e.Version != int64(i+1) {
			t.Errorf("event %d has version %d, want %d", i, e.Version, i+1)
		}
	}

	tail, err := store.Read(ctx, taskRef("t-1"), 2)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(tail) != 1 || tail[0].Version != 3 {
		t.Errorf("Read(from=2) = %d events, want 1 event at version 3", len(tail))
	}

	missing, err := store.Read(ctx, taskRef("missing"), 0)
	if err != nil {
		t.Fatalf("Read of missing aggregate failed: %v", err)
	}
	if missing == nil {
		t.Fatal("Read of missing aggregate returned nil, want empty slice")
	}
	if len(missing) != 0 {
		t.Errorf("missing aggregate returned %d events, want 0", len(missing))
	}
}

func TestStore_AppendTx(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := pgstore.New(pool)
	ctx := context.Background()

	// Two appends in one transaction land atomically.
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := store.AppendTx(ctx, tx, event.AppendRequest{
		Ref:             taskRef("t-1"),
		Type:            event.EventTaskCreated,
		Payload:         json.RawMessage(`{}`),
		ExpectedVersion: 0,
	}); err != nil {
		t.Fatalf("AppendTx failed: %v", err)
	}
	if _, err := store.AppendTx(ctx, tx, event.AppendRequest{
		Ref:             taskRef("t-1"),
		Type:            event.EventTaskReady,
		Payload:         json.RawMessage(`{}`),
		ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("second AppendTx failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	events, err := store.Read(ctx, taskRef("t-1"), 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Read returned %d events after commit, want 2", len(events))
	}

	// A rolled-back transaction leaves the stream untouched.
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := store.AppendTx(ctx, tx, event.AppendRequest{
		Ref:             taskRef("t-1"),
		Type:            event.EventTaskAssigned,
		Payload:         json.RawMessage(`{}`),
		ExpectedVersion: 2,
	}); err != nil {
		t.Fatalf("AppendTx failed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	last, err := store.LastVersion(ctx, taskRef("t-1"))
	if err != nil {
		t.Fatalf("LastVersion failed: %v", err)
	}
	if last != 2 {
		t.Errorf("LastVersion = %d after rollback, want 2", last)
	}
}

func TestStore_ReadAll(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := pgstore.New(pool)
	ctx := context.Background()

	mustAppend(t, store, taskRef("t-1"), event.EventTaskCreated, 0)
	mustAppend(t, store, taskRef("t-2"), event.EventTaskCreated, 0)
	mustAppend(t, store, taskRef("t-1"), event.EventTaskReady, 1)

	page, err := store.ReadAll(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("first page has %d events, want 2", len(page))
	}

	rest, err := store.ReadAll(ctx, page[len(page)-1].Sequence, 0)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("second page has %d events, want 1", len(rest))
	}

	prev := int64(0)
	for _, e := range append(page, rest...) {
		if e.Sequence <= prev {
			t.Errorf("sequence %d not ascending after %d", e.Sequence, prev)
		}
		prev = e.Sequence
	}
}

func TestStore_Queries(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := pgstore.New(pool)
	ctx := context.Background()

	_, err := store.Append(ctx, event.AppendRequest{
		Ref:             taskRef("t-1"),
		Type:            event.EventTaskCreated,
		Payload:         json.RawMessage(`{}`),
		ExpectedVersion: 0,
		Metadata:        map[string]string{"entity_type": "customer", "entity_id": "cust-1"},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	mustAppend(t, store, taskRef("t-2"), event.EventTaskCreated, 0)

	payload, _ := json.Marshal(event.ContractCreatedData{
		OwnerAgentID:     "a-1",
		ParentContractID: "parent-1",
		Limits:           event.ResourceAmounts{Tokens: 1, CostCents: 1, Time: 1, APICalls: 1},
	})
	_, err = store.Append(ctx, event.AppendRequest{
		Ref:             event.AggregateRef{Type: event.AggregateContract, ID: "child-1"},
		Type:            event.EventContractCreated,
		Payload:         payload,
		ExpectedVersion: 0,
	})
	if err != nil {
		t.Fatalf("Append contract failed: %v", err)
	}

	count, err := store.CountAggregates(ctx, query.AggregateFilter{AggregateType: "task"})
	if err != nil {
		t.Fatalf("CountAggregates failed: %v", err)
	}
	if count != 2 {
		t.Errorf("CountAggregates = %d, want 2", count)
	}

	ids, err := store.QueryByEntity(ctx, "customer", "cust-1")
	if err != nil {
		t.Fatalf("QueryByEntity failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t-1" {
		t.Errorf("QueryByEntity = %v, want [t-1]", ids)
	}

	children, err := store.QueryChildren(ctx, "parent-1")
	if err != nil {
		t.Fatalf("QueryChildren failed: %v", err)
	}
	if len(children) != 1 || children[0] != "child-1" {
		t.Errorf("QueryChildren = %v, want [child-1]", children)
	}
}
