package workflow

import (
	"context"
	"log/slog"
	"time"
)

// TaskCall describes one task invocation as seen by middleware: the
// node being run and its already-hydrated arguments.
type TaskCall struct {
	NodeID string
	Task   *TaskDefinition
	Args   []any
}

// Next is the remainder of the middleware chain, terminating in the
// task body itself.
type Next func(ctx context.Context, call TaskCall) (any, error)

// Middleware wraps task execution. Per DESIGN NOTES §9, a middleware
// that returns an error BEFORE calling next is isolated: the chain logs
// a middleware_error event and continues as though that middleware were
// absent, rather than failing the task. An error returned by or after
// next is a genuine task failure and propagates normally.
type Middleware func(ctx context.Context, call TaskCall, next Next) (any, error)

// Chain composes middlewares (outermost first) around a task body,
// enforcing the entered_core isolation rule.
func Chain(body Next, onMiddlewareError func(call TaskCall, mw int, err error), middlewares ...Middleware) Next {
	wrapped := body
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		idx := i
		inner := wrapped
		wrapped = func(ctx context.Context, call TaskCall) (any, error) {
			enteredCore := false
			guardedNext := func(ctx context.Context, call TaskCall) (any, error) {
				enteredCore = true
				return inner(ctx, call)
			}
			result, err := mw(ctx, call, guardedNext)
			if err != nil && !enteredCore {
				if onMiddlewareError != nil {
					onMiddlewareError(call, idx, err)
				}
				return inner(ctx, call)
			}
			return result, err
		}
	}
	return wrapped
}

// LoggingMiddleware logs task start/finish at debug level and failures
// at warn level, grounded on the structured-logging idiom carried
// throughout the ambient stack.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(ctx context.Context, call TaskCall, next Next) (any, error) {
		start := time.Now()
		logger.Debug("task starting", "node_id", call.NodeID, "task", call.Task.Name)
		result, err := next(ctx, call)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn("task failed", "node_id", call.NodeID, "task", call.Task.Name, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		} else {
			logger.Debug("task finished", "node_id", call.NodeID, "task", call.Task.Name, "elapsed_ms", elapsed.Milliseconds())
		}
		return result, err
	}
}
