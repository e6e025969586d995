package workflow

import (
	"context"
	"testing"
	"time"
)

func TestUncachedTaskIgnoresCacheAcrossRuns(t *testing.T) {
	calls := 0
	uncached := Define0("uncached", func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	})

	cache := NewMemoryCache(0)
	flow := NewFlow("no_ttl", func(bc *BuildContext) any {
		return uncached.Build(bc)
	})

	first, err := flow.Run(context.Background(), RunOptions{Cache: cache})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := flow.Run(context.Background(), RunOptions{Cache: cache})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected a task without cache_ttl to re-run every time, got %v twice", first)
	}
	if calls != 2 {
		t.Fatalf("expected the body to run twice, ran %d times", calls)
	}
}

func TestPersistResultSubstitutesArtifactRefEverywhere(t *testing.T) {
	produce := Define0("produced", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"total": 42}, nil
	}, WithPersistResult(true))

	var observed any
	observe := Define1("observe", func(ctx context.Context, upstream any) (string, error) {
		observed = upstream
		return "ok", nil
	})

	store := NewMemoryArtifactStore()
	flow := NewFlow("persisted", func(bc *BuildContext) any {
		produced := produce.Build(bc)
		return observe.Build(bc, produced)
	})

	result, err := flow.Run(context.Background(), RunOptions{ArtifactStore: store})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}

	ref, ok := observed.(ArtifactRef)
	if !ok {
		t.Fatalf("expected downstream to observe an ArtifactRef, got %T: %v", observed, observed)
	}
	stored, found := store.Get(ref.NodeID)
	if !found {
		t.Fatalf("expected the artifact store to hold the node's value")
	}
	m, ok := stored.(map[string]any)
	if !ok || m["total"] != 42 {
		t.Fatalf("expected the stored artifact to be the produced value, got %v", stored)
	}
}

func TestPersistResultRefIsAlsoWhatGetsCached(t *testing.T) {
	produce := Define0("cached_artifact", func(ctx context.Context) (int, error) {
		return 7, nil
	}, WithPersistResult(true), WithCacheTTL(time.Minute))

	cache := NewMemoryCache(0)
	store := NewMemoryArtifactStore()
	flow := NewFlow("persisted_cached", func(bc *BuildContext) any {
		return produce.Build(bc)
	})

	result, err := flow.Run(context.Background(), RunOptions{Cache: cache, ArtifactStore: store})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ref, ok := result.(ArtifactRef)
	if !ok {
		t.Fatalf("expected the flow's own result to be an ArtifactRef, got %T: %v", result, result)
	}

	key := produce.cacheKey(nil)
	cached, ok := cache.Get(key)
	if !ok {
		t.Fatalf("expected a cache entry for the persisted task")
	}
	cachedRef, ok := cached.(ArtifactRef)
	if !ok || cachedRef.NodeID != ref.NodeID {
		t.Fatalf("expected the cache to hold the same ArtifactRef, got %v", cached)
	}
}
