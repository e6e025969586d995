package workflow

import (
	"fmt"
	"reflect"
	"sort"
)

// ArgNode is the tagged union DESIGN NOTES §9 calls for: a typed
// representation of an argument tree that may contain nested
// Invocations and DynamicFanOut placeholders inside ordinary sequences,
// sets, and mappings, without the scheduler ever needing reflection to
// walk it at execution time (only at lift time, here).
type ArgNode interface {
	isArgNode()
}

// ValueNode is a leaf: a primitive or any value that is not itself an
// Invocation or FanOut reference.
type ValueNode struct{ V any }

// InvocationNode is a leaf that contributes a dependency on the named
// node.
type InvocationNode struct{ ID string }

// FanOutNode is a leaf that contributes a dependency on the source of
// the named placeholder; once the placeholder is expanded it behaves
// like a Sequence of its children's results (see hydrate.go).
type FanOutNode struct{ ID string }

// SequenceNode models an ordered container (slice/array).
type SequenceNode struct{ Items []ArgNode }

// SetNode models an unordered container. Its items keep the order they
// were given in; a set used as a fan-out source is always accepted and
// ordered by each element's fmt.Sprint form (see asIterable).
type SetNode struct{ Items []ArgNode }

// MapEntry is one key/value pair of a MappingNode, kept in a
// deterministic (sorted-by-key-representation) order.
type MapEntry struct {
	Key   ArgNode
	Value ArgNode
}

// MappingNode models a key/value container.
type MappingNode struct{ Items []MapEntry }

func (ValueNode) isArgNode()      {}
func (InvocationNode) isArgNode() {}
func (FanOutNode) isArgNode()     {}
func (SequenceNode) isArgNode()   {}
func (SetNode) isArgNode()        {}
func (MappingNode) isArgNode()    {}

// SetValue marks a Go value as an unordered collection when passed as a
// task argument, so the structural scanner emits a SetNode instead of
// treating it as an opaque value.
type SetValue struct{ Items []any }

// Set constructs a SetValue from the given items.
func Set(items ...any) SetValue {
	return SetValue{Items: append([]any(nil), items...)}
}

// Arg recursively lifts a Go value into an ArgNode, following the
// structural scan rules of spec §4.2: ordered sequences, sets, and
// mappings recurse; *Invocation and *FanOut are leaves that contribute a
// dependency; everything else is a value leaf.
func Arg(v any) ArgNode {
	switch x := v.(type) {
	case nil:
		return ValueNode{V: nil}
	case *Invocation:
		return InvocationNode{ID: x.NodeID}
	case *FanOut:
		return FanOutNode{ID: x.ID}
	case SetValue:
		items := make([]ArgNode, len(x.Items))
		for i, it := range x.Items {
			items[i] = Arg(it)
		}
		return SetNode{Items: items}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]ArgNode, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = Arg(rv.Index(i).Interface())
		}
		return SequenceNode{Items: items}
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		entries := make([]MapEntry, len(keys))
		for i, k := range keys {
			entries[i] = MapEntry{Key: Arg(k.Interface()), Value: Arg(rv.MapIndex(k).Interface())}
		}
		return MappingNode{Items: entries}
	default:
		return ValueNode{V: v}
	}
}

// collectUpstream walks node collecting the ids of every *real*
// Invocation reachable in the tree. FanOut references are intentionally
// excluded here: like the source this engine is grounded on, placeholder
// dependencies are tracked separately (see consumerPlaceholders in
// invocation.go) until expansion rewires them onto concrete child
// Invocations.
func collectUpstream(node ArgNode, into map[string]struct{}) {
	switch x := node.(type) {
	case InvocationNode:
		into[x.ID] = struct{}{}
	case SequenceNode:
		for _, it := range x.Items {
			collectUpstream(it, into)
		}
	case SetNode:
		for _, it := range x.Items {
			collectUpstream(it, into)
		}
	case MappingNode:
		for _, e := range x.Items {
			collectUpstream(e.Key, into)
			collectUpstream(e.Value, into)
		}
	}
}

// collectFanOuts walks node collecting every FanOut placeholder
// referenced anywhere in the tree. It records the placeholder itself
// and does not descend into an expanded placeholder's children.
func collectFanOuts(node ArgNode, byID map[string]*FanOut, into map[string]*FanOut) {
	switch x := node.(type) {
	case FanOutNode:
		if f, ok := byID[x.ID]; ok {
			into[f.ID] = f
		}
	case SequenceNode:
		for _, it := range x.Items {
			collectFanOuts(it, byID, into)
		}
	case SetNode:
		for _, it := range x.Items {
			collectFanOuts(it, byID, into)
		}
	case MappingNode:
		for _, e := range x.Items {
			collectFanOuts(e.Key, byID, into)
			collectFanOuts(e.Value, byID, into)
		}
	}
}
