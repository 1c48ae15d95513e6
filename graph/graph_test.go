package graph_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lirancohen/keel/graph"
	"github.com/lirancohen/keel/graph/memory"
	"github.com/lirancohen/keel/project"
)

func TestAddEdgeRejectsSelfDependency(t *testing.T) {
	v := graph.NewValidator(memory.New())

	err := v.AddEdge(context.Background(), graph.Edge{TaskID: "t-1", DependsOnID: "t-1"})
	if !errors.Is(err, graph.ErrSelfDependency) {
		t.Fatalf("expected ErrSelfDependency, got %v", err)
	}
}

func TestAddEdgeRejectsDirectCycle(t *testing.T) {
	v := graph.NewValidator(memory.New())
	ctx := context.Background()

	if err := v.AddEdge(ctx, graph.Edge{TaskID: "a", DependsOnID: "b"}); err != nil {
		t.Fatalf("first edge failed: %v", err)
	}

	err := v.AddEdge(ctx, graph.Edge{TaskID: "b", DependsOnID: "a"})
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}

	var cycle *graph.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if cycle.TaskID != "b" || cycle.DependsOnID != "a" {
		t.Errorf("CycleError = %+v, want b depends on a", cycle)
	}
}

func TestAddEdgeRejectsTransitiveCycle(t *testing.T) {
	v := graph.NewValidator(memory.New())
	ctx := context.Background()

	// a -> b -> c; closing c -> a is a cycle.
	if err := v.AddEdge(ctx, graph.Edge{TaskID: "a", DependsOnID: "b"}); err != nil {
		t.Fatalf("edge a->b failed: %v", err)
	}
	if err := v.AddEdge(ctx, graph.Edge{TaskID: "b", DependsOnID: "c"}); err != nil {
		t.Fatalf("edge b->c failed: %v", err)
	}

	err := v.AddEdge(ctx, graph.Edge{TaskID: "c", DependsOnID: "a"})
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestAddEdgeAcceptsLargeDAG(t *testing.T) {
	v := graph.NewValidator(memory.New())
	ctx := context.Background()

	// A 50-node chain plus a diamond at the head is comfortably a DAG.
	for i := 1; i < 50; i++ {
		edge := graph.Edge{
			TaskID:      fmt.Sprintf("t-%d", i),
			DependsOnID: fmt.Sprintf("t-%d", i-1),
		}
		if err := v.AddEdge(ctx, edge); err != nil {
			t.Fatalf("edge %d failed: %v", i, err)
		}
	}
	if err := v.AddEdge(ctx, graph.Edge{TaskID: "t-49", DependsOnID: "side"}); err != nil {
		t.Fatalf("diamond edge failed: %v", err)
	}
	if err := v.AddEdge(ctx, graph.Edge{TaskID: "side", DependsOnID: "t-0"}); err != nil {
		t.Fatalf("diamond closing edge failed: %v", err)
	}

	// The chain end still cannot reach back to its root.
	err := v.AddEdge(ctx, graph.Edge{TaskID: "t-0", DependsOnID: "t-49"})
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected closing the chain, got %v", err)
	}
}

func TestWouldCreateCycleDoesNotInsert(t *testing.T) {
	store := memory.New()
	v := graph.NewValidator(store)
	ctx := context.Background()

	cyclic, err := v.WouldCreateCycle(ctx, "a", "b")
	if err != nil {
		t.Fatalf("WouldCreateCycle failed: %v", err)
	}
	if cyclic {
		t.Error("empty graph cannot contain a cycle")
	}

	edges, err := store.From(ctx, "a")
	if err != nil {
		t.Fatalf("From failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("validation inserted %d edges, want 0", len(edges))
	}
}

func TestReadyTasks(t *testing.T) {
	v := graph.NewValidator(memory.New())
	ctx := context.Background()
	base := time.Now()

	// b and c depend on a; d depends on b and c.
	for _, e := range []graph.Edge{
		{TaskID: "b", DependsOnID: "a"},
		{TaskID: "c", DependsOnID: "a"},
		{TaskID: "d", DependsOnID: "b"},
		{TaskID: "d", DependsOnID: "c"},
	} {
		if err := v.AddEdge(ctx, e); err != nil {
			t.Fatalf("edge %+v failed: %v", e, err)
		}
	}

	tasks := []project.TaskState{
		{ID: "a", DAGID: "d-1", Status: project.TaskCompleted, CreatedAt: base},
		{ID: "b", DAGID: "d-1", Status: project.TaskPending, Priority: 1, CreatedAt: base.Add(time.Second)},
		{ID: "c", DAGID: "d-1", Status: project.TaskPending, Priority: 9, CreatedAt: base.Add(2 * time.Second)},
		{ID: "d", DAGID: "d-1", Status: project.TaskPending, CreatedAt: base.Add(3 * time.Second)},
	}

	ready, err := v.ReadyTasks(ctx, "d-1", tasks)
	if err != nil {
		t.Fatalf("ReadyTasks failed: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("ReadyTasks returned %d tasks, want 2", len(ready))
	}
	// Priority descending: c (9) before b (1). d stays blocked.
	if ready[0].ID != "c" || ready[1].ID != "b" {
		t.Errorf("ready order = [%s %s], want [c b]", ready[0].ID, ready[1].ID)
	}
}

func TestReadyTasksEqualPriorityOrdersByCreation(t *testing.T) {
	v := graph.NewValidator(memory.New())
	base := time.Now()

	tasks := []project.TaskState{
		{ID: "late", DAGID: "d-1", Status: project.TaskPending, CreatedAt: base.Add(time.Minute)},
		{ID: "early", DAGID: "d-1", Status: project.TaskPending, CreatedAt: base},
	}

	ready, err := v.ReadyTasks(context.Background(), "d-1", tasks)
	if err != nil {
		t.Fatalf("ReadyTasks failed: %v", err)
	}
	if len(ready) != 2 || ready[0].ID != "early" {
		t.Errorf("equal priority should order by creation time, got %v", ids(ready))
	}
}

func ids(tasks []project.TaskState) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
