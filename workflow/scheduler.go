package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmguard/workflow/internal/config"
)

// taskOutcome is what a task-handle goroutine reports back to the
// scheduler coordinator once its attempt loop finishes, successfully or
// not.
type taskOutcome struct {
	nodeID string
	value  any
	err    error
}

// sharedFuture lets two nodes that hash to the same cache key join a
// single in-flight execution instead of running the task body twice
// (spec §4.3's in-flight dedup).
type sharedFuture struct {
	done  chan struct{}
	value any
	err   error
}

type scheduler struct {
	dag  *DAG
	opts RunOptions
	rc   *RunContext

	mu        sync.Mutex
	remaining map[string]int
	blocks    map[string]map[string]struct{}
	started   map[string]bool
	results   map[string]any
	fanouts   map[string]*FanOut

	inflight map[string]*sharedFuture

	sem  chan struct{}
	out  chan taskOutcome
	logger func(Event)

	cancel context.CancelFunc
}

func newScheduler(d *DAG, rc *RunContext, opts RunOptions) *scheduler {
	remaining := make(map[string]int, len(d.remaining))
	for k, v := range d.remaining {
		remaining[k] = v
	}
	blocks := make(map[string]map[string]struct{}, len(d.placeholderBlocks))
	for k, v := range d.placeholderBlocks {
		cp := make(map[string]struct{}, len(v))
		for id := range v {
			cp[id] = struct{}{}
		}
		blocks[k] = cp
	}
	fanouts := make(map[string]*FanOut, len(d.fanoutByID))
	for k, v := range d.fanoutByID {
		fanouts[k] = v
	}

	// spec §6 Environment: MAX_DYNAMIC_TASKS is the default concurrency
	// cap when the caller does not specify one; otherwise fall back to
	// the number of nodes known before any fan-out expands (minimum 1).
	// Children added by expansion share that same cap.
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = config.Load().MaxDynamicTasks
	}
	if maxConcurrency <= 0 {
		maxConcurrency = len(d.nodes)
		if maxConcurrency == 0 {
			maxConcurrency = 1
		}
	}

	sink := opts.EventSink
	s := &scheduler{
		dag:       d,
		opts:      opts,
		rc:        rc,
		remaining: remaining,
		blocks:    blocks,
		started:   map[string]bool{},
		results:   map[string]any{},
		fanouts:   fanouts,
		inflight:  map[string]*sharedFuture{},
		sem:       make(chan struct{}, maxConcurrency),
		out:       make(chan taskOutcome),
	}
	s.logger = func(e Event) {
		if sink != nil {
			e.RunID = rc.RunID
			sink.Publish(e)
		}
	}
	return s
}

// run drives every Invocation (including those produced by dynamic
// fan-out expansion) to completion, applying the run's FailurePolicy,
// and returns the final results map keyed by node id.
func (s *scheduler) run(parentCtx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel
	defer cancel()

	metrics := s.opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	total := len(s.dag.nodes)
	done := 0
	var aggregated []*TaskError
	var firstFailure error
	failFastTriggered := false

	s.logger(Event{Kind: EventFlowStarted, FlowName: s.rc.FlowName})

	s.launchReady(ctx)

	for done < total {
		select {
		case <-ctx.Done():
			if firstFailure == nil {
				firstFailure = ctx.Err()
			}
			return s.results, firstFailure
		case outcome := <-s.out:
			done++
			s.handleOutcome(outcome, metrics)

			if outcome.err != nil {
				te := &TaskError{TaskName: s.dag.nodes[outcome.nodeID].Task.Name, Cause: outcome.err}
				switch s.opts.FailurePolicy {
				case FailFast:
					if !failFastTriggered {
						failFastTriggered = true
						firstFailure = te
						cancel()
					}
				case Continue:
					// downstream already scheduled against the stored
					// TaskError value; nothing further to do here.
				case Aggregate:
					aggregated = append(aggregated, te)
				}
			}

			if failFastTriggered {
				continue
			}

			newTotal, fanOutFailures := s.expandFanOuts(outcome.nodeID)
			total += newTotal

			for _, te := range fanOutFailures {
				switch s.opts.FailurePolicy {
				case FailFast:
					if !failFastTriggered {
						failFastTriggered = true
						firstFailure = te
						cancel()
					}
				case Continue:
				case Aggregate:
					aggregated = append(aggregated, te)
				}
			}
			if failFastTriggered {
				continue
			}

			s.launchReady(ctx)
		}
	}

	if s.opts.FailurePolicy == Aggregate && len(aggregated) > 0 {
		return s.results, &AggregateTaskError{Errors: aggregated}
	}
	if firstFailure != nil {
		s.logger(Event{Kind: EventFlowFailed, FlowName: s.rc.FlowName, Err: firstFailure})
		return s.results, firstFailure
	}
	s.logger(Event{Kind: EventFlowSucceeded, FlowName: s.rc.FlowName})
	return s.results, nil
}

func (s *scheduler) handleOutcome(outcome taskOutcome, metrics Metrics) {
	s.mu.Lock()
	taskName := s.dag.nodes[outcome.nodeID].Task.Name
	s.results[outcome.nodeID] = valueOrError(outcome, taskName)
	for next := range s.dag.edges[outcome.nodeID] {
		s.remaining[next]--
	}
	s.mu.Unlock()

	if outcome.err != nil {
		metrics.TaskFailed(taskName)
		s.logger(Event{Kind: EventTaskFailed, NodeID: outcome.nodeID, Task: taskName, Err: outcome.err})
	} else {
		metrics.TaskSucceeded(taskName)
		s.logger(Event{Kind: EventTaskSucceeded, NodeID: outcome.nodeID, Task: taskName})
	}
}

// valueOrError stores the TaskError itself as a node's result under
// continue/aggregate policies, so downstream consumers see the error
// object as their argument value per spec §7.
func valueOrError(outcome taskOutcome, taskName string) any {
	if outcome.err != nil {
		return &TaskError{TaskName: taskName, Cause: outcome.err}
	}
	return outcome.value
}

// launchReady starts every currently-runnable, not-yet-started node,
// bounded by the semaphore, in deterministic (priority desc, id asc)
// order.
func (s *scheduler) launchReady(ctx context.Context) {
	s.mu.Lock()
	ready := s.dag.readyNodes(s.remaining, s.started, s.blocks)
	sort.Slice(ready, func(i, j int) bool {
		ni, nj := s.dag.nodes[ready[i]], s.dag.nodes[ready[j]]
		if ni.Task.Priority != nj.Task.Priority {
			return ni.Task.Priority > nj.Task.Priority
		}
		return ready[i] < ready[j]
	})
	for _, id := range ready {
		s.started[id] = true
	}
	fanoutsSnapshot := s.fanouts
	resultsSnapshot := s.results
	s.mu.Unlock()

	for _, id := range ready {
		inv := s.dag.nodes[id]
		args := hydrateArgs(inv, resultsSnapshot, fanoutsSnapshot)
		select {
		case s.sem <- struct{}{}:
			go s.runNode(ctx, inv, args)
		case <-ctx.Done():
			return
		}
	}
}

func (s *scheduler) runNode(ctx context.Context, inv *Invocation, args []any) {
	// The slot is given back before the outcome is reported: the
	// coordinator may be blocked in launchReady waiting for a slot, and
	// only reads s.out once launchReady returns.
	released := false
	release := func() {
		if !released {
			released = true
			<-s.sem
		}
	}
	defer release()

	s.logger(Event{Kind: EventTaskStarted, NodeID: inv.NodeID, Task: inv.Task.Name})

	key := inv.Task.cacheKey(inv.Args)
	// Caching and in-flight dedup are both scoped to tasks that opted in
	// via cache_ttl (spec.md's "When a task with cache_ttl starts..."),
	// matching scheduler.py's `if cache_ttl is not None:` gate around
	// every cache/dedup branch below.
	cacheable := s.opts.Cache != nil && inv.Task.CacheTTL > 0

	if cacheable {
		if cached, ok := s.opts.Cache.Get(key); ok {
			s.logger(Event{Kind: EventCacheHit, NodeID: inv.NodeID, Task: inv.Task.Name})
			if s.opts.Metrics != nil {
				s.opts.Metrics.CacheHit(inv.Task.Name)
			}
			release()
			select {
			case s.out <- taskOutcome{nodeID: inv.NodeID, value: cached}:
			case <-ctx.Done():
			}
			return
		}
	}

	var future *sharedFuture
	leader := true
	if cacheable {
		future, leader = s.joinOrLead(key)
	}
	if !leader {
		<-future.done
		release()
		select {
		case s.out <- taskOutcome{nodeID: inv.NodeID, value: future.value, err: future.err}:
		case <-ctx.Done():
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.DedupJoined(inv.Task.Name)
		}
		s.logger(Event{Kind: EventDedupJoined, NodeID: inv.NodeID, Task: inv.Task.Name})
		return
	}

	start := time.Now()
	value, err := s.execute(ctx, inv, args)
	elapsed := time.Since(start)
	if s.opts.Metrics != nil {
		s.opts.Metrics.TaskDuration(inv.Task.Name, elapsed)
	}

	// persist_result substitutes the artifact reference for the value
	// itself — what every downstream consumer and the flow's final
	// result observe — unconditionally of caching, matching
	// scheduler.py's `value = ref` immediately before `results[name] =
	// value`.
	if err == nil && inv.Task.PersistResult && s.opts.ArtifactStore != nil {
		s.opts.ArtifactStore.Put(inv.NodeID, value)
		value = ArtifactRef{NodeID: inv.NodeID}
	}

	if cacheable {
		s.finishLeader(key, value, err)
	}

	if err == nil && cacheable {
		s.opts.Cache.Set(key, value, inv.Task.CacheTTL)
		if s.opts.Metrics != nil {
			s.opts.Metrics.CacheSet(inv.Task.Name)
		}
	}

	release()
	select {
	case s.out <- taskOutcome{nodeID: inv.NodeID, value: value, err: err}:
	case <-ctx.Done():
	}
}

func (s *scheduler) joinOrLead(key string) (*sharedFuture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.inflight[key]; ok {
		return f, false
	}
	f := &sharedFuture{done: make(chan struct{})}
	s.inflight[key] = f
	return f, true
}

func (s *scheduler) finishLeader(key string, value any, err error) {
	s.mu.Lock()
	f := s.inflight[key]
	delete(s.inflight, key)
	s.mu.Unlock()
	if f != nil {
		f.value, f.err = value, err
		close(f.done)
	}
}

// execute runs inv's body with its full retry/timeout policy applied,
// via the run's middleware chain.
func (s *scheduler) execute(ctx context.Context, inv *Invocation, args []any) (any, error) {
	call := TaskCall{NodeID: inv.NodeID, Task: inv.Task, Args: args}
	body := func(ctx context.Context, call TaskCall) (any, error) {
		switch inv.Task.RunMode {
		case OffloadIsolated:
			return runIsolated(ctx, inv.Task.Name, call.Args)
		case OffloadBlocking:
			pool := s.opts.BlockingPool
			if pool == nil {
				pool = defaultBlockingPool
			}
			return pool.Run(ctx, func() (any, error) { return inv.Task.fn(ctx, call.Args) })
		default: // Inline: runs directly on this task handle's goroutine.
			return inv.Task.fn(ctx, call.Args)
		}
	}
	next := Chain(body, func(call TaskCall, mw int, err error) {
		s.logger(Event{Kind: EventMiddlewareError, NodeID: call.NodeID, Task: call.Task.Name, Err: err})
	}, s.opts.Middlewares...)

	var bo backoff.BackOff
	if inv.Task.Retries > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = inv.Task.RetryBackoff
		if eb.InitialInterval <= 0 {
			eb.InitialInterval = 100 * time.Millisecond
		}
		eb.Multiplier = 2.0
		eb.MaxElapsedTime = 0
		if inv.Task.RetryBackoff > 0 {
			eb.RandomizationFactor = clampFraction(float64(inv.Task.RetryJitter) / float64(inv.Task.RetryBackoff))
		}
		bo = eb
	}

	var lastErr error
	lastWasTimeout := false
	for attempt := 0; attempt <= inv.Task.Retries; attempt++ {
		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if inv.Task.Timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, inv.Task.Timeout)
		}
		value, err := next(attemptCtx, call)
		if cancelAttempt != nil {
			cancelAttempt()
		}
		if err == nil {
			return value, nil
		}

		lastWasTimeout = inv.Task.Timeout > 0 && attemptCtx.Err() == context.DeadlineExceeded
		if lastWasTimeout {
			lastErr = &TimeoutError{TaskName: inv.Task.Name, Cause: err}
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt == inv.Task.Retries {
			break
		}
		s.logger(Event{Kind: EventTaskRetrying, NodeID: inv.NodeID, Task: inv.Task.Name, Err: lastErr, Attempt: attempt + 1, MaxAttempts: inv.Task.Retries + 1})
		if bo != nil {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, lastErr
			}
		}
	}

	if lastWasTimeout {
		return nil, lastErr
	}
	return nil, &RetryExhaustedError{TaskName: inv.Task.Name, LastCause: lastErr}
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// expandFanOuts checks every not-yet-expanded placeholder to see
// whether finishedNodeID just satisfied its Source, and if so creates
// its children, rewires them into the DAG, and returns how many new
// nodes were added (spec §4.6's five-step expansion) plus any
// TaskError produced by a placeholder whose source resolved to a
// non-iterable value (spec §4.6's "source must be iterable" failure).
func (s *scheduler) expandFanOuts(finishedNodeID string) (int, []*TaskError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	var failures []*TaskError
	for _, f := range s.dag.fanouts {
		if f.expanded {
			continue
		}
		if !s.fanOutReadyLocked(f, finishedNodeID) {
			continue
		}

		elements, ready, err := s.fanOutElementsLocked(f)
		if !ready {
			continue
		}
		if err != nil {
			te := &TaskError{TaskName: "dynamic", Cause: err}
			f.expanded = true
			f.children = nil
			for _, consumer := range s.dag.consumersOf(f.ID) {
				consumer.Args = substituteFanOutValue(consumer.Args, f.ID, te)
				if blocks, ok := s.blocks[consumer.NodeID]; ok {
					delete(blocks, f.ID)
				}
			}
			s.logger(Event{Kind: EventTaskFailed, NodeID: f.ID, Task: f.Target.Name, Err: te})
			failures = append(failures, te)
			continue
		}

		children := make([]*Invocation, len(elements))
		for i, el := range elements {
			nodeID := s.dag.freshFanOutChildID(f.Target.Name)
			inv := &Invocation{
				NodeID:       nodeID,
				Task:         f.Target,
				Args:         []ArgNode{Arg(el)},
				Upstream:     map[string]struct{}{},
				FanOutParent: f,
			}
			s.dag.nodes[nodeID] = inv
			s.dag.edges[nodeID] = map[string]struct{}{}
			s.remaining[nodeID] = 0
			children[i] = inv
			added++
		}
		f.children = children
		f.expanded = true

		for _, consumer := range s.dag.consumersOf(f.ID) {
			consumer.Args = substituteFanOut(consumer.Args, f.ID, children)
			for _, child := range children {
				s.dag.edges[child.NodeID][consumer.NodeID] = struct{}{}
				s.remaining[consumer.NodeID]++
			}
			if blocks, ok := s.blocks[consumer.NodeID]; ok {
				delete(blocks, f.ID)
			}
		}

		s.logger(Event{Kind: EventFanOutExpanded, NodeID: f.ID, Task: f.Target.Name, Extra: map[string]any{"count": len(children)}})
	}
	return added, failures
}

func (s *scheduler) fanOutReadyLocked(f *FanOut, finishedNodeID string) bool {
	switch src := f.Source.(type) {
	case InvocationNode:
		return src.ID == finishedNodeID
	case FanOutNode:
		other, ok := s.dag.fanoutByID[src.ID]
		return ok && other.expanded && s.allChildrenDoneLocked(other)
	default:
		return false
	}
}

// allChildrenDoneLocked reports whether every child of an already
// expanded placeholder has a recorded result, so a fan-out nested on
// top of it does not read partial results.
func (s *scheduler) allChildrenDoneLocked(f *FanOut) bool {
	for _, c := range f.children {
		if _, ok := s.results[c.NodeID]; !ok {
			return false
		}
	}
	return true
}

// fanOutElementsLocked materializes f's source value once it is ready.
// The second return value reports whether f's preconditions (§4.6) are
// satisfied yet; when true, err is non-nil iff the materialized source
// was not an iterable and expansion must fail rather than proceed.
func (s *scheduler) fanOutElementsLocked(f *FanOut) ([]any, bool, error) {
	switch src := f.Source.(type) {
	case InvocationNode:
		v := s.results[src.ID]
		if te, ok := v.(*TaskError); ok {
			// an upstream failure feeding a fan-out source under
			// continue/aggregate: the placeholder itself fails rather
			// than silently expanding over the error value.
			return nil, true, te
		}
		elements, err := asIterable(v)
		return elements, true, err
	case FanOutNode:
		other := s.dag.fanoutByID[src.ID]
		if other == nil || !other.expanded || !s.allChildrenDoneLocked(other) {
			return nil, false, nil
		}
		out := make([]any, len(other.children))
		for i, c := range other.children {
			out[i] = s.results[c.NodeID]
		}
		return out, true, nil
	}
	return nil, false, nil
}

// asIterable materializes a fan-out source value into its element
// list per spec §4.6: ordered sequences expand as-is; a SetValue, and a
// map (taken as the set of its keys), is always accepted and put in the
// canonical order of sortedElements; anything else fails expansion.
func asIterable(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.([]any); ok {
		return s, nil
	}
	if s, ok := v.(SetValue); ok {
		return sortedElements(s.Items)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case reflect.Map:
		keys := rv.MapKeys()
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = k.Interface()
		}
		return sortedElements(items)
	default:
		return nil, errors.New("source must be iterable")
	}
}

// sortedElements imposes the canonical (string-representation) order
// spec §9 requires when a fan-out source is an unordered set, so two
// runs over the same set produce the same child ordering.
func sortedElements(items []any) ([]any, error) {
	out := append([]any(nil), items...)
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
	})
	return out, nil
}

// substituteFanOut replaces every FanOutNode leaf matching id with a
// SequenceNode of InvocationNode references to children, rewiring a
// consumer's argument tree once its placeholder has expanded.
func substituteFanOut(args []ArgNode, id string, children []*Invocation) []ArgNode {
	out := make([]ArgNode, len(args))
	for i, a := range args {
		out[i] = substituteFanOutNode(a, id, children)
	}
	return out
}

// substituteFanOutValue replaces every FanOutNode leaf matching id with
// a fixed ValueNode, used when a placeholder's expansion fails (its
// source was not iterable) so every consumer sees the TaskError in
// place of the never-produced child list.
func substituteFanOutValue(args []ArgNode, id string, value any) []ArgNode {
	out := make([]ArgNode, len(args))
	for i, a := range args {
		out[i] = substituteFanOutValueNode(a, id, value)
	}
	return out
}

func substituteFanOutValueNode(node ArgNode, id string, value any) ArgNode {
	switch x := node.(type) {
	case FanOutNode:
		if x.ID != id {
			return x
		}
		return ValueNode{V: value}
	case SequenceNode:
		items := make([]ArgNode, len(x.Items))
		for i, it := range x.Items {
			items[i] = substituteFanOutValueNode(it, id, value)
		}
		return SequenceNode{Items: items}
	case SetNode:
		items := make([]ArgNode, len(x.Items))
		for i, it := range x.Items {
			items[i] = substituteFanOutValueNode(it, id, value)
		}
		return SetNode{Items: items}
	case MappingNode:
		items := make([]MapEntry, len(x.Items))
		for i, e := range x.Items {
			items[i] = MapEntry{Key: substituteFanOutValueNode(e.Key, id, value), Value: substituteFanOutValueNode(e.Value, id, value)}
		}
		return MappingNode{Items: items}
	default:
		return node
	}
}

func substituteFanOutNode(node ArgNode, id string, children []*Invocation) ArgNode {
	switch x := node.(type) {
	case FanOutNode:
		if x.ID != id {
			return x
		}
		items := make([]ArgNode, len(children))
		for i, c := range children {
			items[i] = InvocationNode{ID: c.NodeID}
		}
		return SequenceNode{Items: items}
	case SequenceNode:
		items := make([]ArgNode, len(x.Items))
		for i, it := range x.Items {
			items[i] = substituteFanOutNode(it, id, children)
		}
		return SequenceNode{Items: items}
	case SetNode:
		items := make([]ArgNode, len(x.Items))
		for i, it := range x.Items {
			items[i] = substituteFanOutNode(it, id, children)
		}
		return SetNode{Items: items}
	case MappingNode:
		items := make([]MapEntry, len(x.Items))
		for i, e := range x.Items {
			items[i] = MapEntry{Key: substituteFanOutNode(e.Key, id, children), Value: substituteFanOutNode(e.Value, id, children)}
		}
		return MappingNode{Items: items}
	default:
		return node
	}
}
