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

	"github.com/lirancohen/keel/event"
	"github.com/lirancohen/keel/snapshot"
	"github.com/lirancohen/keel/snapshot/pgstore"
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

func TestStore_SaveAndLatest(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := pgstore.New(pool)
	ctx := context.Background()

	ref := event.AggregateRef{Type: event.AggregateTask, ID: "t-1"}

	_, err := store.Latest(ctx, ref)
	if !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	for _, v := range []int64{1, 3, 2} {
		state, _ := json.Marshal(map[string]int64{"v": v})
		snap := snapshot.Snapshot{
			AggregateType: ref.Type,
			AggregateID:   ref.ID,
			Version:       v,
			Sequence:      v,
			State:         state,
		}
		if err := store.Save(ctx, snap); err != nil {
			t.Fatalf("Save v%d failed: %v", v, err)
		}
	}

	latest, err := store.Latest(ctx, ref)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("Latest Version = %d, want 3", latest.Version)
	}

	// Saving at an existing version replaces the stored state.
	replacement := snapshot.Snapshot{
		AggregateType: ref.Type,
		AggregateID:   ref.ID,
		Version:       3,
		Sequence:      3,
		State:         json.RawMessage(`{"v":33}`),
	}
	if err := store.Save(ctx, replacement); err != nil {
		t.Fatalf("replacing Save failed: %v", err)
	}
	latest, err = store.Latest(ctx, ref)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if string(latest.State) != `{"v":33}` {
		t.Errorf("State = %s, want {\"v\":33}", latest.State)
	}
}
