package workflow

import (
	"time"

	"github.com/google/uuid"
)

// FailurePolicy selects how a run reacts to a task failure (spec §4.5).
type FailurePolicy int

const (
	// FailFast cancels every other in-flight and not-yet-started task
	// as soon as one task fails, and propagates that failure.
	FailFast FailurePolicy = iota
	// Continue stores the failure as the failed node's result and keeps
	// scheduling everything not downstream-blocked by it; downstream
	// consumers see the TaskError as their argument value.
	Continue
	// Aggregate behaves like Continue while the run is in flight, then
	// raises AggregateTaskError once scheduling finishes if anything
	// failed.
	Aggregate
)

// RunOptions configures one Flow.Run call (spec §5).
type RunOptions struct {
	MaxConcurrency int
	FailurePolicy  FailurePolicy
	Cache          Cache
	Middlewares    []Middleware
	EventSink      EventSink
	Metrics        Metrics

	// ArtifactStore receives the authoritative value of every
	// persist_result task; when set, the result cache stores only an
	// ArtifactRef pointing at it (spec §9 Open Question resolution #2).
	ArtifactStore ArtifactStore

	// BlockingPool overrides the process-wide default worker pool that
	// OffloadBlocking task bodies run on; nil uses the shared default.
	BlockingPool *BlockingPool
}

// RunContext carries the identity and shared services of one flow run.
type RunContext struct {
	RunID    string
	FlowName string
	Options  RunOptions
	started  time.Time
}

// NewRunContext constructs a RunContext with a fresh RunID.
func NewRunContext(flowName string, opts RunOptions) *RunContext {
	return &RunContext{
		RunID:    uuid.NewString(),
		FlowName: flowName,
		Options:  opts,
		started:  time.Now(),
	}
}

// Elapsed reports how long this run has been in flight.
func (rc *RunContext) Elapsed() time.Duration { return time.Since(rc.started) }
