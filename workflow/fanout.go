package workflow

// FanOut is a DynamicFanOut placeholder (spec §3): a promise that, once
// its Source resolves, will expand into one child Invocation of Target
// per element produced. ID is a synthetic barrier identifier used only
// for describe()/reporting and for referencing the placeholder itself
// as another fan-out's Source — it is never a real DAG node.
type FanOut struct {
	ID             string
	Target         *TaskDefinition
	Source         ArgNode // InvocationNode or FanOutNode
	MaxConcurrency int

	expanded bool
	children []*Invocation
}

// Expanded reports whether this placeholder has already produced its
// children.
func (f *FanOut) Expanded() bool { return f.expanded }

// Children returns the child Invocations produced once Expanded is
// true; nil beforehand.
func (f *FanOut) Children() []*Invocation { return f.children }
