package workflow

import "time"

// Metrics is the engine-facing contract for the named instruments of
// spec §6 ("Metrics"). internal/otelinit.EngineMetricsAdapter is the
// OTel-backed implementation wired in by cmd/workflow; NoopMetrics is the default
// for library callers that never configured OTel.
type Metrics interface {
	TaskSucceeded(taskName string)
	TaskFailed(taskName string)
	CacheHit(taskName string)
	CacheSet(taskName string)
	DedupJoined(taskName string)
	TaskDuration(taskName string, d time.Duration)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) TaskSucceeded(string)             {}
func (NoopMetrics) TaskFailed(string)                {}
func (NoopMetrics) CacheHit(string)                  {}
func (NoopMetrics) CacheSet(string)                  {}
func (NoopMetrics) DedupJoined(string)                {}
func (NoopMetrics) TaskDuration(string, time.Duration) {}
