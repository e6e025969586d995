package workflow

import (
	"container/heap"
	"fmt"
)

// DAG is the static dependency graph assembled from a BuildContext: one
// node per Invocation plus bookkeeping for not-yet-expanded fan-out
// placeholders. Fan-out expansion mutates a DAG in place as the
// scheduler runs (spec §4.6); it is not meant to be reused across runs.
type DAG struct {
	nodes map[string]*Invocation

	// edges[a] = set of node ids that depend on a (a must finish first).
	edges map[string]map[string]struct{}

	// remaining[a] = number of not-yet-satisfied real dependencies of a.
	remaining map[string]int

	fanouts   []*FanOut
	fanoutByID map[string]*FanOut

	// placeholderBlocks[n] = set of not-yet-expanded placeholder ids
	// referenced in n's Args; n cannot run until this set is empty.
	placeholderBlocks map[string]map[string]struct{}

	// placeholderConsumers[f] = every Invocation referencing placeholder
	// f anywhere in its Args, used to rewire consumers once f expands.
	placeholderConsumers map[string][]*Invocation

	childSeq map[string]int
}

// BuildDAG assembles a DAG from everything registered on bc.
func BuildDAG(bc *BuildContext) *DAG {
	d := &DAG{
		nodes:             map[string]*Invocation{},
		edges:             map[string]map[string]struct{}{},
		remaining:         map[string]int{},
		fanoutByID:           map[string]*FanOut{},
		placeholderBlocks:    map[string]map[string]struct{}{},
		placeholderConsumers: map[string][]*Invocation{},
		childSeq:             map[string]int{},
	}
	for _, f := range bc.fanouts {
		d.fanouts = append(d.fanouts, f)
		d.fanoutByID[f.ID] = f
	}
	for _, inv := range bc.invocations {
		d.nodes[inv.NodeID] = inv
		d.remaining[inv.NodeID] = 0
		d.edges[inv.NodeID] = map[string]struct{}{}
	}
	for _, inv := range bc.invocations {
		for dep := range inv.Upstream {
			if _, ok := d.edges[dep]; !ok {
				d.edges[dep] = map[string]struct{}{}
			}
			d.edges[dep][inv.NodeID] = struct{}{}
			d.remaining[inv.NodeID]++
		}

		blocks := map[string]struct{}{}
		fanoutByID := map[string]*FanOut{}
		for _, f := range bc.fanouts {
			fanoutByID[f.ID] = f
		}
		placeholders := map[string]*FanOut{}
		for _, a := range inv.Args {
			collectFanOuts(a, fanoutByID, placeholders)
		}
		for id := range placeholders {
			blocks[id] = struct{}{}
			d.placeholderConsumers[id] = append(d.placeholderConsumers[id], inv)
		}
		if len(blocks) > 0 {
			d.placeholderBlocks[inv.NodeID] = blocks
		}
	}
	return d
}

// consumersOf returns every Invocation whose Args reference placeholder
// id, in the order they were built.
func (d *DAG) consumersOf(placeholderID string) []*Invocation {
	return d.placeholderConsumers[placeholderID]
}

// freshFanOutChildID mints the next deterministic node id for a child of
// a fan-out targeting taskName, of the form "<task_name>:fanout<seq>"
// from the DAG's own per-task counter. The "fanout" infix keeps it
// apart from BuildContext.nextID's "<task_name>:<seq>" ids, and any id
// already in the DAG is skipped.
func (d *DAG) freshFanOutChildID(taskName string) string {
	n := d.childSeq[taskName]
	for {
		id := fmt.Sprintf("%s:fanout%d", taskName, n)
		if _, exists := d.nodes[id]; !exists {
			d.childSeq[taskName] = n + 1
			return id
		}
		n++
	}
}

// idHeap is a min-heap of node ids, giving the scheduler deterministic
// lexicographic tie-breaking among equally-ready nodes (spec §4.1),
// correcting the LIFO ready.pop() behavior of the engine this package
// is grounded on.
type idHeap []string

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(string)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// ValidateAcyclic runs a dry Kahn's-algorithm pass and returns
// CycleDetected if any node never reaches zero remaining dependencies.
// It ignores placeholder blocks, since those resolve dynamically and
// are not part of the static cycle question.
func (d *DAG) ValidateAcyclic() error {
	remaining := map[string]int{}
	for id, n := range d.remaining {
		remaining[id] = n
	}
	h := &idHeap{}
	for id, n := range remaining {
		if n == 0 {
			heap.Push(h, id)
		}
	}
	visited := 0
	for h.Len() > 0 {
		id := heap.Pop(h).(string)
		visited++
		for next := range d.edges[id] {
			remaining[next]--
			if remaining[next] == 0 {
				heap.Push(h, next)
			}
		}
	}
	if visited != len(d.nodes) {
		var left []string
		for id, n := range remaining {
			if n > 0 {
				left = append(left, id)
			}
		}
		return &CycleDetected{Remaining: left}
	}
	return nil
}

// readyNodes returns every node with remaining == 0, no unresolved
// placeholder blocks, and not already started, in no particular order
// (callers sort it); the result is empty if none qualify right now.
func (d *DAG) readyNodes(remaining map[string]int, started map[string]bool, placeholderBlocks map[string]map[string]struct{}) []string {
	var out []string
	for id := range d.nodes {
		if started[id] {
			continue
		}
		if remaining[id] != 0 {
			continue
		}
		if blocks, ok := placeholderBlocks[id]; ok && len(blocks) > 0 {
			continue
		}
		out = append(out, id)
	}
	return out
}
