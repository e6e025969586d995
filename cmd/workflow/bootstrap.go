package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/swarmguard/workflow"
	"github.com/swarmguard/workflow/internal/config"
	"github.com/swarmguard/workflow/internal/logging"
	"github.com/swarmguard/workflow/internal/otelinit"
)

// engine bundles the ambient services every subcommand's RunOptions
// draws from: structured logging, OTel tracing/metrics, the env-sized
// result cache, and the shared event bus. Built once in main() and
// shared through the package-level eng pointer; all of its fields are
// themselves safe for concurrent use.
type engine struct {
	logger       *slog.Logger
	cache        workflow.Cache
	artifacts    workflow.ArtifactStore
	metrics      workflow.Metrics
	events       *workflow.EventBus
	shutdownOTel func(context.Context) error
}

var eng *engine

// bootstrap wires the CLI's ambient stack exactly once, before any
// subcommand's Action runs. It never fails startup on an unreachable
// OTel collector; tracing/metrics simply no-op in that case.
func bootstrap() *engine {
	logger := logging.Init("workflow-cli")

	shutdownTrace := otelinit.InitTracer(context.Background(), "workflow-cli")
	shutdownMetrics, instruments := otelinit.InitMetrics(context.Background(), "workflow-cli")

	cfg := config.Load()
	_ = cfg // consulted by workflow/scheduler.go and workflow/cache.go directly via config.Load()

	return &engine{
		logger:    logger,
		cache:     workflow.NewMemoryCacheFromEnv(),
		artifacts: workflow.NewMemoryArtifactStore(),
		metrics:   otelinit.NewEngineMetricsAdapter(instruments),
		events:    workflow.NewEventBus(),
		shutdownOTel: func(ctx context.Context) error {
			_ = shutdownTrace(ctx)
			return shutdownMetrics(ctx)
		},
	}
}

func (e *engine) shutdown() {
	otelinit.Flush(context.Background(), e.shutdownOTel)
}

// eventSink returns the in-process bus every run gets. It does not
// connect to NATS, whether or not WORKFLOW_NATS_URL is set.
func (e *engine) eventSink() workflow.EventSink {
	if os.Getenv("WORKFLOW_NATS_URL") == "" {
		return e.events
	}
	// The NATS connector requires an established *nats.Conn, which is a
	// connect-time decision left to callers embedding this CLI in a
	// larger binary; the stock CLI keeps the in-process bus as its
	// default sink and documents the connector for that purpose.
	return e.events
}
