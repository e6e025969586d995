package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/workflow"
)

// CancellationManager tracks every in-flight cron-triggered run, keyed
// by a per-firing run key "<schedule id>@<unix nanos>", adapted from the
// host engine's many-executions cancellation registry (originally keyed
// per ad hoc workflow execution) to one entry per active cron firing.
type CancellationManager struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewCancellationManager constructs an empty registry.
func NewCancellationManager() *CancellationManager {
	return &CancellationManager{active: map[string]context.CancelFunc{}}
}

func (cm *CancellationManager) register(runKey string, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[runKey] = cancel
}

func (cm *CancellationManager) unregister(runKey string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.active, runKey)
}

// Cancel stops the active run for runKey, if any. It returns false if
// no such run is currently in flight.
func (cm *CancellationManager) Cancel(runKey string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cancel, ok := cm.active[runKey]
	if ok {
		cancel()
	}
	return ok
}

// Scheduler drives a Store's persisted Config rows through a
// robfig/cron/v3 dispatcher, resolving each Config's flow name against
// a workflow.Registry and running it with RunOptions supplied by the
// caller.
type Scheduler struct {
	store    *Store
	registry *workflow.Registry
	runOpts  func(Config) workflow.RunOptions
	logger   *slog.Logger

	cron   *cron.Cron
	cancel *CancellationManager

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler constructs a Scheduler. runOpts builds the RunOptions
// (cache, middlewares, metrics, event sink) for each firing; it may
// return the same value every time.
func NewScheduler(store *Store, registry *workflow.Registry, runOpts func(Config) workflow.RunOptions, logger *slog.Logger) *Scheduler {
	if registry == nil {
		registry = workflow.DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		runOpts:  runOpts,
		logger:   logger,
		cron:     cron.New(cron.WithSeconds()),
		cancel:   NewCancellationManager(),
		entries:  map[string]cron.EntryID{},
	}
}

// Start loads every enabled Config from the store and begins
// dispatching cron firings. It does not block; call Stop to drain.
func (s *Scheduler) Start() error {
	configs, err := s.store.List()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := s.addEntry(cfg); err != nil {
				s.logger.Warn("failed to schedule flow", "schedule_id", cfg.ID, "error", err)
			}
		}
	}
	s.cron.Start()
	return nil
}

// Stop drains in-flight firings and stops the dispatcher.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Add persists cfg and, if enabled, schedules it immediately.
func (s *Scheduler) Add(cfg Config) error {
	if err := s.store.Put(cfg); err != nil {
		return err
	}
	if cfg.Enabled {
		return s.addEntry(cfg)
	}
	return nil
}

// Remove stops and deletes a schedule.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.store.Delete(id)
}

func (s *Scheduler) addEntry(cfg Config) error {
	entryID, err := s.cron.AddFunc(cfg.CronExpr, func() { s.fire(cfg) })
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cfg.CronExpr, err)
	}
	s.mu.Lock()
	s.entries[cfg.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire(cfg Config) {
	flow, err := s.registry.Lookup(cfg.Flow)
	if err != nil {
		s.logger.Warn("scheduled flow not found", "schedule_id", cfg.ID, "flow", cfg.Flow, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	runKey := fmt.Sprintf("%s@%d", cfg.ID, time.Now().UnixNano())
	s.cancel.register(runKey, cancel)
	defer func() {
		cancel()
		s.cancel.unregister(runKey)
	}()

	opts := workflow.RunOptions{}
	if s.runOpts != nil {
		opts = s.runOpts(cfg)
	}

	if _, err := flow.Run(ctx, opts); err != nil {
		s.logger.Warn("scheduled flow run failed", "schedule_id", cfg.ID, "flow", cfg.Flow, "error", err)
	}
}
