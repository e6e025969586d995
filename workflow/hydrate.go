package workflow

// hydrateNode walks an ArgNode tree and resolves it to concrete Go
// values, consulting results for InvocationNode leaves and the fan-out
// table for FanOutNode leaves. It hydrates a task's arguments before
// invocation (via hydrateArgs); a flow's final result is resolved
// separately in Flow.runWithContext, which accepts only a root
// *Invocation or *FanOut.
func hydrateNode(node ArgNode, results map[string]any, fanouts map[string]*FanOut) any {
	switch x := node.(type) {
	case ValueNode:
		return x.V
	case InvocationNode:
		return results[x.ID]
	case FanOutNode:
		f, ok := fanouts[x.ID]
		if !ok || !f.expanded {
			return nil
		}
		out := make([]any, len(f.children))
		for i, child := range f.children {
			out[i] = results[child.NodeID]
		}
		return out
	case SequenceNode:
		out := make([]any, len(x.Items))
		for i, it := range x.Items {
			out[i] = hydrateNode(it, results, fanouts)
		}
		return out
	case SetNode:
		out := make([]any, len(x.Items))
		for i, it := range x.Items {
			out[i] = hydrateNode(it, results, fanouts)
		}
		return out
	case MappingNode:
		out := make(map[any]any, len(x.Items))
		for _, e := range x.Items {
			out[hydrateNode(e.Key, results, fanouts)] = hydrateNode(e.Value, results, fanouts)
		}
		return out
	default:
		return nil
	}
}

// hydrateArgs resolves every argument of an Invocation to concrete
// values, in order.
func hydrateArgs(inv *Invocation, results map[string]any, fanouts map[string]*FanOut) []any {
	out := make([]any, len(inv.Args))
	for i, a := range inv.Args {
		out[i] = hydrateNode(a, results, fanouts)
	}
	return out
}
