// Package nats adapts workflow.EventSink onto a NATS subject, grounded
// on the host engine's natsctx helpers (trace-context propagation over
// message headers).
package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	natsgo "github.com/nats-io/nats.go"

	"github.com/swarmguard/workflow"
)

var propagator = propagation.TraceContext{}

// Sink publishes every workflow.Event as a JSON message on Subject.
type Sink struct {
	Conn    *natsgo.Conn
	Subject string
	Logger  *slog.Logger
}

// NewSink constructs a Sink. logger may be nil, in which case
// publish failures are dropped silently, matching the fire-and-forget
// nature of an EventSink.
func NewSink(conn *natsgo.Conn, subject string, logger *slog.Logger) *Sink {
	return &Sink{Conn: conn, Subject: subject, Logger: logger}
}

// Publish implements workflow.EventSink. It never blocks the scheduler
// for more than a single NATS publish call (fire-and-forget, no ack
// wait), matching the EventSink contract's non-blocking requirement.
func (s *Sink) Publish(e workflow.Event) {
	go s.publish(e)
}

func (s *Sink) publish(e workflow.Event) {
	payload := map[string]any{
		"kind":    e.Kind,
		"run_id":  e.RunID,
		"node_id": e.NodeID,
		"task":    e.Task,
	}
	if e.Err != nil {
		payload["error"] = e.Err.Error()
	}
	if e.Attempt > 0 {
		payload["attempt"] = e.Attempt
		payload["max"] = e.MaxAttempts
	}
	if e.Extra != nil {
		payload["extra"] = e.Extra
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logWarn("marshal event", err)
		return
	}

	hdr := natsgo.Header{}
	propagator.Inject(context.Background(), propagation.HeaderCarrier(hdr))
	msg := &natsgo.Msg{Subject: s.Subject, Data: data, Header: hdr}
	if err := s.Conn.PublishMsg(msg); err != nil {
		s.logWarn("publish event", err)
	}
}

func (s *Sink) logWarn(msg string, err error) {
	if s.Logger != nil {
		s.Logger.Warn(msg, "error", err)
	}
}

// Subscribe wraps nc.Subscribe, extracting trace context from message
// headers into the handler's context, for consumers outside this
// engine that want to react to its events.
func Subscribe(nc *natsgo.Conn, subject string, handler func(context.Context, *natsgo.Msg)) (*natsgo.Subscription, error) {
	return nc.Subscribe(subject, func(m *natsgo.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("swarmguard/workflow/events")
		ctx, span := tr.Start(ctx, "events.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
