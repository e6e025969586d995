package workflow

import "fmt"

// Invocation is one bound call to a TaskDefinition inside a graph: a
// concrete node_id, its task, and its lifted argument tree.
type Invocation struct {
	NodeID string
	Task   *TaskDefinition
	Args   []ArgNode

	// Upstream holds the ids of every real Invocation this node depends
	// on, discovered structurally from Args. It never contains a FanOut
	// id — see collectUpstream in argnode.go.
	Upstream map[string]struct{}

	// FanOutParent is set on a fan-out child to the placeholder that
	// produced it. The scheduler does not read it; fan-out children are
	// bounded only by the run's global concurrency cap.
	FanOutParent *FanOut
}

// BuildContext is the explicit, non-ambient graph-construction arena
// DESIGN NOTES §9 calls for: every TaskDefinition.Build call must be
// given one, and every Invocation/FanOut it produces is only ever valid
// inside that BuildContext.
type BuildContext struct {
	seq map[string]int

	invocations []*Invocation
	fanouts     []*FanOut

	// consumerPlaceholders maps a not-yet-expanded FanOut's id to the
	// Invocations that reference it in their Args, mirroring the
	// original's separate placeholder bookkeeping (see argnode.go).
	consumerPlaceholders map[string][]*Invocation
}

// NewBuildContext returns a fresh, empty graph-construction arena.
func NewBuildContext() *BuildContext {
	return &BuildContext{
		seq:                  map[string]int{},
		consumerPlaceholders: map[string][]*Invocation{},
	}
}

func (bc *BuildContext) nextID(taskName string) string {
	n := bc.seq[taskName]
	bc.seq[taskName] = n + 1
	return fmt.Sprintf("%s:%d", taskName, n)
}

func (bc *BuildContext) invoke(def *TaskDefinition, rawArgs []any) *Invocation {
	args := make([]ArgNode, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = Arg(a)
	}

	inv := &Invocation{
		NodeID:   bc.nextID(def.Name),
		Task:     def,
		Args:     args,
		Upstream: map[string]struct{}{},
	}
	for _, a := range args {
		collectUpstream(a, inv.Upstream)
	}

	fanoutByID := map[string]*FanOut{}
	for _, f := range bc.fanouts {
		fanoutByID[f.ID] = f
	}
	placeholders := map[string]*FanOut{}
	for _, a := range args {
		collectFanOuts(a, fanoutByID, placeholders)
	}
	for id := range placeholders {
		bc.consumerPlaceholders[id] = append(bc.consumerPlaceholders[id], inv)
	}

	bc.invocations = append(bc.invocations, inv)
	return inv
}

// FanOutOver registers a DynamicFanOut placeholder: target will be
// invoked once per element the source Invocation produces at run time.
// maxConcurrency is recorded on the placeholder and reported by
// Describe; the scheduler does not enforce it, so its children are
// limited only by the flow-wide cap.
func FanOutOver(bc *BuildContext, target *TaskDefinition, source *Invocation, maxConcurrency int) *FanOut {
	f := &FanOut{
		ID:             fmt.Sprintf("fanout:%d", len(bc.fanouts)),
		Target:         target,
		Source:         InvocationNode{ID: source.NodeID},
		MaxConcurrency: maxConcurrency,
	}
	bc.fanouts = append(bc.fanouts, f)
	return f
}

// FanOutOverFanOut registers a nested fan-out: target is invoked once
// per child of an already-declared placeholder once every one of its
// children has itself finished and (if it were itself a fan-out
// consumer) expanded.
func FanOutOverFanOut(bc *BuildContext, target *TaskDefinition, source *FanOut, maxConcurrency int) *FanOut {
	f := &FanOut{
		ID:             fmt.Sprintf("fanout:%d", len(bc.fanouts)),
		Target:         target,
		Source:         FanOutNode{ID: source.ID},
		MaxConcurrency: maxConcurrency,
	}
	bc.fanouts = append(bc.fanouts, f)
	return f
}
