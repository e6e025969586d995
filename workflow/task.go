package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// RunMode is the explicit sum type DESIGN NOTES §9 asks for in place of
// a string tag.
type RunMode int

const (
	// Inline runs the body directly on its task handle's goroutine,
	// with no pool admission.
	Inline RunMode = iota
	// OffloadBlocking runs the body on a shared worker pool that
	// tolerates blocking I/O.
	OffloadBlocking
	// OffloadIsolated runs the body in an isolated subprocess worker.
	OffloadIsolated
)

func (m RunMode) String() string {
	switch m {
	case Inline:
		return "inline"
	case OffloadBlocking:
		return "offload_blocking"
	case OffloadIsolated:
		return "offload_isolated"
	default:
		return "unknown"
	}
}

// TaskFunc is the untyped shape every task body is reduced to once
// lifted through Define/Define0/Define1/Define2. args are already
// hydrated (concrete Go values, not ArgNode).
type TaskFunc func(ctx context.Context, args []any) (any, error)

// TaskDefinition is an immutable description of one kind of work:
// identity plus the policy fields of spec §3. It is created once and
// shared across every flow run that references it.
type TaskDefinition struct {
	Name string

	fn TaskFunc

	Retries       int
	RetryBackoff  time.Duration
	RetryJitter   time.Duration
	Timeout       time.Duration
	CacheTTL      time.Duration
	CacheKeyFn    func(name string, args []ArgNode) string
	RunMode       RunMode
	PersistResult bool
	Priority      int
}

// Option configures a TaskDefinition at registration time.
type Option func(*TaskDefinition)

func WithRetries(n int) Option { return func(d *TaskDefinition) { d.Retries = n } }

func WithRetryBackoff(backoff time.Duration) Option {
	return func(d *TaskDefinition) { d.RetryBackoff = backoff }
}

func WithRetryJitter(jitter time.Duration) Option {
	return func(d *TaskDefinition) { d.RetryJitter = jitter }
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *TaskDefinition) { d.Timeout = timeout }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(d *TaskDefinition) { d.CacheTTL = ttl }
}

func WithCacheKeyFn(fn func(name string, args []ArgNode) string) Option {
	return func(d *TaskDefinition) { d.CacheKeyFn = fn }
}

func WithRunMode(mode RunMode) Option { return func(d *TaskDefinition) { d.RunMode = mode } }

func WithPersistResult(persist bool) Option {
	return func(d *TaskDefinition) { d.PersistResult = persist }
}

func WithPriority(p int) Option { return func(d *TaskDefinition) { d.Priority = p } }

// Define registers a TaskDefinition from its untyped body. Most callers
// prefer Define0/Define1/Define2 for a typed call site; Define is the
// primitive they build on, and the right choice when a task's arity is
// itself dynamic.
func Define(name string, fn TaskFunc, opts ...Option) *TaskDefinition {
	d := &TaskDefinition{Name: name, fn: fn, RunMode: OffloadBlocking}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Define1 registers a single-argument typed task.
func Define1[A1, Out any](name string, fn func(context.Context, A1) (Out, error), opts ...Option) *TaskDefinition {
	return Define(name, func(ctx context.Context, args []any) (any, error) {
		var a1 A1
		if len(args) > 0 && args[0] != nil {
			a1, _ = args[0].(A1)
		}
		return fn(ctx, a1)
	}, opts...)
}

// Define2 registers a two-argument typed task.
func Define2[A1, A2, Out any](name string, fn func(context.Context, A1, A2) (Out, error), opts ...Option) *TaskDefinition {
	return Define(name, func(ctx context.Context, args []any) (any, error) {
		var a1 A1
		var a2 A2
		if len(args) > 0 && args[0] != nil {
			a1, _ = args[0].(A1)
		}
		if len(args) > 1 && args[1] != nil {
			a2, _ = args[1].(A2)
		}
		return fn(ctx, a1, a2)
	}, opts...)
}

// Define0 registers a zero-argument typed task.
func Define0[Out any](name string, fn func(context.Context) (Out, error), opts ...Option) *TaskDefinition {
	return Define(name, func(ctx context.Context, args []any) (any, error) {
		return fn(ctx)
	}, opts...)
}

// Build registers an Invocation of d inside bc, discovering dependencies
// by structurally scanning args. This is the "inside an active
// BuildContext" branch of spec §4.2 — always explicit, never ambient
// (DESIGN NOTES §9).
func (d *TaskDefinition) Build(bc *BuildContext, args ...any) *Invocation {
	return bc.invoke(d, args)
}

// Run executes d immediately, honoring its retry, timeout and run-mode
// policy, and returns the concrete result. It runs with no Cache and no
// ArtifactStore, so CacheTTL and PersistResult have no effect here. This
// is the "outside any BuildContext" branch of spec §4.2: the call site
// itself distinguishes build-time from immediate execution, so no
// ambient global state is required.
func (d *TaskDefinition) Run(ctx context.Context, args ...any) (any, error) {
	bc := NewBuildContext()
	inv := bc.invoke(d, args)
	flow := &Flow{name: d.Name, build: func(*BuildContext) any { return inv }}
	result, err := flow.runWithContext(ctx, bc, inv, RunOptions{FailurePolicy: FailFast})
	return result, err
}

func (d *TaskDefinition) cacheKey(args []ArgNode) string {
	if d.CacheKeyFn != nil {
		return d.CacheKeyFn(d.Name, args)
	}
	return defaultCacheKey(d.Name, args)
}

// defaultCacheKey realizes spec §4.2: a SHA-256 over the task name and
// the sorted bound argument map, salted with a library-specific string.
// It mirrors the Python original's default_cache_key (module/qualname +
// sorted args), adapted since Go has no module/qualname pair distinct
// from the task's own stable name.
func defaultCacheKey(name string, args []ArgNode) string {
	h := sha256.New()
	h.Write([]byte("swarmguard/workflow:v1"))
	h.Write([]byte(name))
	enc, err := json.Marshal(canonicalize(args))
	if err == nil {
		h.Write(enc)
	} else {
		h.Write([]byte(fmt.Sprintf("%v", args)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize turns an ArgNode tree into a JSON-marshalable value with
// a stable shape, so two structurally-identical argument trees hash
// identically regardless of concrete Go types.
func canonicalize(nodes []ArgNode) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = canonicalizeNode(n)
	}
	return out
}

func canonicalizeNode(n ArgNode) any {
	switch x := n.(type) {
	case ValueNode:
		return x.V
	case InvocationNode:
		return map[string]string{"$invocation": x.ID}
	case FanOutNode:
		return map[string]string{"$fanout": x.ID}
	case SequenceNode:
		out := make([]any, len(x.Items))
		for i, it := range x.Items {
			out[i] = canonicalizeNode(it)
		}
		return out
	case SetNode:
		out := make([]any, len(x.Items))
		for i, it := range x.Items {
			out[i] = canonicalizeNode(it)
		}
		return map[string]any{"$set": out}
	case MappingNode:
		out := make(map[string]any, len(x.Items))
		for _, e := range x.Items {
			k := fmt.Sprintf("%v", canonicalizeNode(e.Key))
			out[k] = canonicalizeNode(e.Value)
		}
		return out
	default:
		return nil
	}
}
