package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunRespectsPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var startOrder []string

	record := func(name string) *TaskDefinition {
		return Define0(name, func(ctx context.Context) (string, error) {
			mu.Lock()
			startOrder = append(startOrder, name)
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			return name, nil
		})
	}

	low := record("low")
	mid := record("mid")
	high := record("high")
	low.Priority, mid.Priority, high.Priority = 0, 5, 10

	flow := NewFlow("priority", func(bc *BuildContext) any {
		low.Build(bc)
		mid.Build(bc)
		return high.Build(bc)
	})

	_, err := flow.Run(context.Background(), RunOptions{MaxConcurrency: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(startOrder) != 3 {
		t.Fatalf("expected 3 starts, got %v", startOrder)
	}
	if startOrder[0] != "high" || startOrder[1] != "mid" || startOrder[2] != "low" {
		t.Fatalf("expected high,mid,low order, got %v", startOrder)
	}
}

type countingMetrics struct {
	NoopMetrics
	dedupJoins int32
}

func (c *countingMetrics) DedupJoined(string) { atomic.AddInt32(&c.dedupJoins, 1) }

func TestFanOutDedupsIdenticalArgs(t *testing.T) {
	var execCount int32
	slow := Define1("slow_shared", func(ctx context.Context, n int) (int, error) {
		atomic.AddInt32(&execCount, 1)
		time.Sleep(30 * time.Millisecond)
		return n, nil
	}, WithCacheTTL(time.Minute))

	source := Define0("ten_identical", func(ctx context.Context) ([]any, error) {
		items := make([]any, 10)
		for i := range items {
			items[i] = 7
		}
		return items, nil
	})

	flow := NewFlow("dedup_fanout", func(bc *BuildContext) any {
		return FanOutOver(bc, slow, source.Build(bc), 0)
	})

	metrics := &countingMetrics{}
	cache := NewMemoryCache(0)
	result, err := flow.Run(context.Background(), RunOptions{MaxConcurrency: 10, Metrics: metrics, Cache: cache})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	values, ok := result.([]any)
	if !ok || len(values) != 10 {
		t.Fatalf("expected 10 results, got %v", result)
	}
	if execCount != 1 {
		t.Fatalf("expected the body to execute once under dedup, ran %d times", execCount)
	}
	if atomic.LoadInt32(&metrics.dedupJoins) < 9 {
		t.Fatalf("expected at least 9 dedup joins, got %d", metrics.dedupJoins)
	}
}

func TestNestedFanOut(t *testing.T) {
	outer := Define0("batches", func(ctx context.Context) ([]any, error) {
		return []any{[]any{1, 2}, []any{3, 4, 5}}, nil
	})
	identity := Define1("batch_identity", func(ctx context.Context, batch any) (any, error) {
		return batch, nil
	})
	sumBatch := Define1("sum_batch", func(ctx context.Context, batch any) (int, error) {
		items, ok := batch.([]any)
		if !ok {
			return 0, errors.New("expected a batch slice")
		}
		total := 0
		for _, it := range items {
			total += it.(int)
		}
		return total, nil
	})

	flow := NewFlow("nested", func(bc *BuildContext) any {
		batches := FanOutOver(bc, identity, outer.Build(bc), 0)
		return FanOutOverFanOut(bc, sumBatch, batches, 0)
	})

	result, err := flow.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		t.Fatalf("expected 2 outer results, got %v", result)
	}
	totals := map[int]bool{}
	for _, v := range values {
		totals[v.(int)] = true
	}
	if !totals[3] || !totals[12] {
		t.Fatalf("expected batch sums 3 and 12, got %v", values)
	}
}

func TestEmptyFanOutProducesNoChildren(t *testing.T) {
	empty := Define0("empty_source", func(ctx context.Context) ([]any, error) {
		return []any{}, nil
	})
	body := Define1("never_called", func(ctx context.Context, n int) (int, error) {
		t.Fatalf("body should never run over an empty fan-out source")
		return n, nil
	})

	flow := NewFlow("empty_fanout", func(bc *BuildContext) any {
		return FanOutOver(bc, body, empty.Build(bc), 0)
	})

	result, err := flow.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	values, ok := result.([]any)
	if !ok || len(values) != 0 {
		t.Fatalf("expected an empty result slice, got %v", result)
	}
}

func TestFanOutOverNonIterableSourceFails(t *testing.T) {
	scalar := Define0("scalar_source", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	body := Define1("consume", func(ctx context.Context, n int) (int, error) {
		return n, nil
	})

	flow := NewFlow("bad_fanout", func(bc *BuildContext) any {
		return FanOutOver(bc, body, scalar.Build(bc), 0)
	})

	_, err := flow.Run(context.Background(), RunOptions{FailurePolicy: Continue})
	if err != nil {
		t.Fatalf("continue policy should not surface a top-level error: %v", err)
	}

	_, err = flow.Run(context.Background(), RunOptions{FailurePolicy: FailFast})
	if err == nil {
		t.Fatalf("expected an error for a non-iterable fan-out source")
	}
	var te *TaskError
	if !errors.As(err, &te) {
		t.Fatalf("expected a *TaskError, got %T: %v", err, err)
	}
}

func TestDescribeShapeMatchesContract(t *testing.T) {
	a := Define0("a", func(ctx context.Context) (int, error) { return 1, nil })
	b := Define1("b", func(ctx context.Context, n int) (int, error) { return n, nil }, WithPersistResult(true), WithRetries(2))
	fanBody := Define1("c", func(ctx context.Context, n int) (int, error) { return n, nil })
	source := Define0("src", func(ctx context.Context) ([]any, error) { return []any{1, 2}, nil })

	flow := NewFlow("described", func(bc *BuildContext) any {
		av := a.Build(bc)
		b.Build(bc, av)
		return FanOutOver(bc, fanBody, source.Build(bc), 3)
	})

	d := flow.Describe()
	if d.Flow != "described" {
		t.Fatalf("expected flow name, got %q", d.Flow)
	}
	if d.Count != len(d.Nodes) {
		t.Fatalf("count %d does not match len(nodes) %d", d.Count, len(d.Nodes))
	}
	if d.DynamicCount != 1 || len(d.DynamicFanOut) != 1 {
		t.Fatalf("expected exactly one dynamic fan-out, got %d/%d", d.DynamicCount, len(d.DynamicFanOut))
	}
	fo := d.DynamicFanOut[0]
	if fo.Type != "dynamic_fanout" {
		t.Fatalf("expected type dynamic_fanout, got %q", fo.Type)
	}
	if fo.MaxConcurrency != 3 {
		t.Fatalf("expected max_concurrency 3, got %d", fo.MaxConcurrency)
	}
	if fo.Source == "" {
		t.Fatalf("expected a non-empty source id")
	}

	var bNode *DescribeNode
	for i := range d.Nodes {
		if d.Nodes[i].Task == "b" {
			bNode = &d.Nodes[i]
		}
	}
	if bNode == nil {
		t.Fatalf("expected to find node for task b")
	}
	if !bNode.Persist || bNode.Retries != 2 {
		t.Fatalf("expected persist=true retries=2 on b, got %+v", bNode)
	}
}
