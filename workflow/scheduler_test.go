package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunSimpleLinearFlow(t *testing.T) {
	double := Define1("double", func(ctx context.Context, n int) (int, error) {
		return n * 2, nil
	})
	addOne := Define1("add_one", func(ctx context.Context, n int) (int, error) {
		return n + 1, nil
	})

	flow := NewFlow("linear", func(bc *BuildContext) any {
		doubled := double.Build(bc, 10)
		return addOne.Build(bc, doubled)
	})

	result, err := flow.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 21 {
		t.Fatalf("expected 21, got %v", result)
	}
}

func TestRunDetectsCycle(t *testing.T) {
	// A flow built with a manually-looped BuildContext: directly poke
	// Upstream to fabricate a cycle, since the public API has no way to
	// build one by accident.
	bc := NewBuildContext()
	a := &Invocation{NodeID: "a:0", Task: Define0("a", func(ctx context.Context) (int, error) { return 1, nil }), Upstream: map[string]struct{}{"b:0": {}}}
	b := &Invocation{NodeID: "b:0", Task: Define0("b", func(ctx context.Context) (int, error) { return 1, nil }), Upstream: map[string]struct{}{"a:0": {}}}
	bc.invocations = append(bc.invocations, a, b)

	d := BuildDAG(bc)
	err := d.ValidateAcyclic()
	if err == nil {
		t.Fatalf("expected a cycle to be detected")
	}
	var cycleErr *CycleDetected
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleDetected, got %T", err)
	}
}

func TestRunParallelFanOut(t *testing.T) {
	var running int32
	var maxRunning int32

	slow := Define1("slow", func(ctx context.Context, n int) (int, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			observed := atomic.LoadInt32(&maxRunning)
			if cur <= observed || atomic.CompareAndSwapInt32(&maxRunning, observed, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return n, nil
	})

	source := Define0("source", func(ctx context.Context) ([]any, error) {
		return []any{1, 2, 3, 4}, nil
	})

	flow := NewFlow("fanout", func(bc *BuildContext) any {
		src := source.Build(bc)
		return FanOutOver(bc, slow, src, 0)
	})

	start := time.Now()
	result, err := flow.Run(context.Background(), RunOptions{MaxConcurrency: 4})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	values, ok := result.([]any)
	if !ok || len(values) != 4 {
		t.Fatalf("expected 4 results, got %v", result)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("expected fan-out children to run concurrently, took %s", elapsed)
	}
	if atomic.LoadInt32(&maxRunning) < 2 {
		t.Fatalf("expected at least 2 concurrent executions, observed %d", maxRunning)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	flaky := Define0("flaky", func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, WithRetries(5), WithRetryBackoff(time.Millisecond))

	flow := NewFlow("retry", func(bc *BuildContext) any {
		return flaky.Build(bc)
	})

	result, err := flow.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRunRetriesExhausted(t *testing.T) {
	alwaysFails := Define0("always_fails", func(ctx context.Context) (string, error) {
		return "", errors.New("permanent")
	}, WithRetries(2), WithRetryBackoff(time.Millisecond))

	flow := NewFlow("exhausted", func(bc *BuildContext) any {
		return alwaysFails.Build(bc)
	})

	_, err := flow.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatalf("expected an error")
	}
	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RetryExhaustedError, got %T: %v", err, err)
	}
}

func TestRunContinuePolicyStoresTaskError(t *testing.T) {
	failing := Define0("failing", func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})
	observe := Define1("observe", func(ctx context.Context, upstream any) (string, error) {
		if _, ok := upstream.(*TaskError); ok {
			return "saw_error", nil
		}
		return "saw_value", nil
	})

	flow := NewFlow("continue_policy", func(bc *BuildContext) any {
		failed := failing.Build(bc)
		return observe.Build(bc, failed)
	})

	result, err := flow.Run(context.Background(), RunOptions{FailurePolicy: Continue})
	if err != nil {
		t.Fatalf("unexpected error under continue policy: %v", err)
	}
	if result != "saw_error" {
		t.Fatalf("expected downstream to observe the TaskError, got %v", result)
	}
}

func TestRunAggregatePolicyCollectsErrors(t *testing.T) {
	failA := Define0("fail_a", func(ctx context.Context) (string, error) { return "", errors.New("a") })
	failB := Define0("fail_b", func(ctx context.Context) (string, error) { return "", errors.New("b") })

	flow := NewFlow("aggregate_policy", func(bc *BuildContext) any {
		failA.Build(bc)
		return failB.Build(bc)
	})

	_, err := flow.Run(context.Background(), RunOptions{FailurePolicy: Aggregate})
	if err == nil {
		t.Fatalf("expected an aggregate error")
	}
	var agg *AggregateTaskError
	if !errors.As(err, &agg) {
		t.Fatalf("expected *AggregateTaskError, got %T", err)
	}
	if len(agg.Errors) != 2 {
		t.Fatalf("expected 2 collected errors, got %d", len(agg.Errors))
	}
}

func TestCacheHitSkipsExecution(t *testing.T) {
	calls := 0
	counted := Define0("counted", func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}, WithCacheTTL(time.Minute))

	cache := NewMemoryCache(0)
	flow := NewFlow("cached", func(bc *BuildContext) any {
		return counted.Build(bc)
	})

	first, err := flow.Run(context.Background(), RunOptions{Cache: cache})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := flow.Run(context.Background(), RunOptions{Cache: cache})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached result to match: %v vs %v", first, second)
	}
	if calls != 1 {
		t.Fatalf("expected task body to run exactly once, ran %d times", calls)
	}
}
