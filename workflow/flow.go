package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// BuildFunc assembles a graph inside bc and returns the Invocation (or
// *FanOut) whose hydrated value is the flow's final result.
type BuildFunc func(bc *BuildContext) any

// Flow is a named, reusable graph description (spec §3/§6): calling
// Run assembles a fresh BuildContext and DAG every time, so the same
// Flow can be run concurrently. Run takes no per-run arguments; the
// graph is whatever the BuildFunc builds.
type Flow struct {
	name  string
	build BuildFunc
}

// NewFlow names a BuildFunc so it can be run, described, and registered.
func NewFlow(name string, build BuildFunc) *Flow {
	return &Flow{name: name, build: build}
}

// Name returns the flow's registered name.
func (f *Flow) Name() string { return f.name }

// Run assembles the graph, validates it is acyclic, schedules every
// node to completion under opts, and hydrates the declared final
// result.
func (f *Flow) Run(ctx context.Context, opts RunOptions) (any, error) {
	bc := NewBuildContext()
	root := f.build(bc)
	return f.runWithContext(ctx, bc, root, opts)
}

func (f *Flow) runWithContext(ctx context.Context, bc *BuildContext, root any, opts RunOptions) (any, error) {
	d := BuildDAG(bc)
	if err := d.ValidateAcyclic(); err != nil {
		return nil, err
	}

	rc := NewRunContext(f.name, opts)
	sched := newScheduler(d, rc, opts)
	results, err := sched.run(ctx)
	if err != nil {
		return nil, err
	}

	switch r := root.(type) {
	case *Invocation:
		return results[r.NodeID], nil
	case *FanOut:
		out := make([]any, len(r.children))
		for i, c := range r.children {
			out[i] = results[c.NodeID]
		}
		return out, nil
	default:
		return nil, &ValidationError{Message: "flow build function must return an *Invocation or *FanOut"}
	}
}

// DescribeResult is the JSON shape spec §6's describe() contract names
// exactly: `{flow, nodes, dynamic_fanouts, count, dynamic_count}`. Edges
// are kept as a supplementary field for ExportDOT/diagnostics; they are
// not part of the contract but additive fields never break a consumer
// reading the named ones.
type DescribeResult struct {
	Flow          string           `json:"flow"`
	Nodes         []DescribeNode   `json:"nodes"`
	DynamicFanOut []DescribeFanOut `json:"dynamic_fanouts"`
	Count         int              `json:"count"`
	DynamicCount  int              `json:"dynamic_count"`
	Edges         []DescribeEdge   `json:"edges"`
}

// DescribeNode is one static Invocation as reported by describe(), per
// spec §6's `{id, task, upstream, persist, run_in, retries}` shape.
// Upstream includes any not-yet-expanded fan-out placeholder's barrier
// id (`fanout:<k>`) alongside real node ids, per spec §6's "Placeholders
// appear as explicit barrier nodes ... consumers' upstream includes the
// barrier id."
type DescribeNode struct {
	ID       string   `json:"id"`
	Task     string   `json:"task"`
	Upstream []string `json:"upstream"`
	Persist  bool     `json:"persist"`
	RunIn    string   `json:"run_in"`
	Retries  int      `json:"retries"`
}

// DescribeFanOut is one DynamicFanOut placeholder, per spec §6's
// `{id, type:"dynamic_fanout", task, source, max_concurrency,
// consumers}` shape. DynamicCount supplements the contract with the
// placeholder's expansion width; Describe always builds a fresh,
// unexpanded graph, so it reports 0 there.
type DescribeFanOut struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Target         string   `json:"task"`
	Source         string   `json:"source"`
	MaxConcurrency int      `json:"max_concurrency"`
	Consumers      []string `json:"consumers"`
	DynamicCount   int      `json:"dynamic_count"`
}

// DescribeEdge is one real DAG edge (producer -> consumer).
type DescribeEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Describe assembles the graph without running it and reports its
// static shape, including unexpanded fan-out placeholders rendered as
// explicit barrier nodes (spec §6).
func (f *Flow) Describe() *DescribeResult {
	bc := NewBuildContext()
	f.build(bc)
	d := BuildDAG(bc)

	res := &DescribeResult{Flow: f.name, Count: len(d.nodes), DynamicCount: len(d.fanouts)}
	var ids []string
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		inv := d.nodes[id]
		var upstream []string
		for dep := range inv.Upstream {
			upstream = append(upstream, dep)
		}
		for barrierID := range d.placeholderBlocks[id] {
			upstream = append(upstream, barrierID)
		}
		sort.Strings(upstream)
		res.Nodes = append(res.Nodes, DescribeNode{
			ID:       id,
			Task:     inv.Task.Name,
			Upstream: upstream,
			Persist:  inv.Task.PersistResult,
			RunIn:    inv.Task.RunMode.String(),
			Retries:  inv.Task.Retries,
		})
		for dep := range inv.Upstream {
			res.Edges = append(res.Edges, DescribeEdge{From: dep, To: id})
		}
	}
	sort.Slice(res.Edges, func(i, j int) bool {
		if res.Edges[i].From != res.Edges[j].From {
			return res.Edges[i].From < res.Edges[j].From
		}
		return res.Edges[i].To < res.Edges[j].To
	})

	for _, fo := range d.fanouts {
		var srcID string
		switch s := fo.Source.(type) {
		case InvocationNode:
			srcID = s.ID
		case FanOutNode:
			srcID = s.ID
		}
		var consumers []string
		for _, c := range d.consumersOf(fo.ID) {
			consumers = append(consumers, c.NodeID)
		}
		sort.Strings(consumers)
		res.DynamicFanOut = append(res.DynamicFanOut, DescribeFanOut{
			ID:             fo.ID,
			Type:           "dynamic_fanout",
			Target:         fo.Target.Name,
			Source:         srcID,
			MaxConcurrency: fo.MaxConcurrency,
			Consumers:      consumers,
			DynamicCount:   len(fo.children),
		})
	}
	return res
}

// ExportDOT renders the static graph as Graphviz DOT, with unexpanded
// fan-out placeholders shown as diamond nodes.
func (f *Flow) ExportDOT() string {
	d := f.Describe()
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", d.Flow)
	for _, n := range d.Nodes {
		fmt.Fprintf(&b, "  %q [label=%q];\n", n.ID, n.Task)
	}
	for _, fo := range d.DynamicFanOut {
		fmt.Fprintf(&b, "  %q [shape=diamond label=%q];\n", fo.ID, fo.Target+"[]")
		fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", fo.Source, fo.ID)
	}
	for _, e := range d.Edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.From, e.To)
	}
	b.WriteString("}\n")
	return b.String()
}
