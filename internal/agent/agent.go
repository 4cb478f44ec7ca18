// Package agent wires the config registry, path matcher, coordinator
// and watcher together and runs the foreground consumer loop. All
// registry and matcher mutation happens here, on one goroutine; the
// background syncer only publishes batches through the coordinator.
package agent

import (
	"context"
	"path/filepath"
	"time"

	"github.com/flowtail/agent/internal/alarm"
	"github.com/flowtail/agent/internal/coordinator"
	"github.com/flowtail/agent/internal/logger"
	"github.com/flowtail/agent/internal/pipeline"
	"github.com/flowtail/agent/internal/remotesync"
	"github.com/flowtail/agent/internal/telemetry"
	"github.com/flowtail/agent/internal/watcher"
)

// DefaultDrainInterval is how often the consumer checks for a pending
// batch.
const DefaultDrainInterval = 500 * time.Millisecond

// PathEventHandler receives filesystem events already resolved to the
// config that covers them.
type PathEventHandler func(ev watcher.Event, cfg *pipeline.Config)

// Agent is the foreground half of the runtime: it owns the registry
// and matcher and is the only goroutine that mutates them.
type Agent struct {
	registry *pipeline.Registry
	matcher  *pipeline.Matcher
	coord    *coordinator.Coordinator
	alarms   *alarm.Sink

	watch   *watcher.Watcher
	handler PathEventHandler
	metrics *telemetry.RegistryMetrics

	drainInterval time.Duration
}

// Option configures an Agent.
type Option func(*Agent)

// WithWatcher attaches a filesystem watcher whose events are resolved
// through the matcher.
func WithWatcher(w *watcher.Watcher) Option {
	return func(a *Agent) {
		a.watch = w
	}
}

// WithPathEventHandler sets the callback for resolved path events.
func WithPathEventHandler(h PathEventHandler) Option {
	return func(a *Agent) {
		a.handler = h
	}
}

// WithRegistryMetrics attaches registry gauges.
func WithRegistryMetrics(m *telemetry.RegistryMetrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithDrainInterval overrides the batch polling cadence.
func WithDrainInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.drainInterval = d
		}
	}
}

// New wires the consumer to its collaborators.
func New(
	registry *pipeline.Registry,
	matcher *pipeline.Matcher,
	coord *coordinator.Coordinator,
	alarms *alarm.Sink,
	opts ...Option,
) *Agent {
	a := &Agent{
		registry:      registry,
		matcher:       matcher,
		coord:         coord,
		alarms:        alarms,
		drainInterval: DefaultDrainInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Registry exposes the config registry for read access.
func (a *Agent) Registry() *pipeline.Registry {
	return a.registry
}

// Matcher exposes the path matcher. Lookup methods are safe only from
// the consumer goroutine.
func (a *Agent) Matcher() *pipeline.Matcher {
	return a.matcher
}

// Seed installs configs recovered from the on-disk store before the
// loops start. Definitions that no longer parse are skipped with an
// alarm; the server re-delivers them on the next heartbeat diff.
func (a *Agent) Seed(ctx context.Context, stored []remotesync.StoredConfig) {
	for _, sc := range stored {
		cfg, err := pipeline.ParseDefinition(sc.Name, sc.Version, sc.Content)
		if err != nil {
			a.alarms.Raise(ctx, alarm.ParseFailure, err.Error())
			continue
		}
		a.install(cfg)
	}
	logger.Infow("config store loaded", "configs", a.registry.Len())
	a.recordGauges(ctx)
}

// Run drains coordinator batches and dispatches watcher events until
// the context is canceled. It blocks.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.drainInterval)
	defer ticker.Stop()

	var events <-chan watcher.Event
	if a.watch != nil {
		events = a.watch.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.drain(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.dispatch(ev)
		}
	}
}

// drain applies one pending batch: ops first, then the deferred-free
// sweep, then the completion handshake that reopens the publish slot.
func (a *Agent) drain(ctx context.Context) {
	batch := a.coord.TakePending()
	if batch == nil {
		return
	}

	for _, op := range batch.Ops {
		switch op.Kind {
		case coordinator.OpUpsert:
			cfg, err := pipeline.ParseDefinition(op.Name, op.Version, op.Definition)
			if err != nil {
				a.alarms.Raise(ctx, alarm.ParseFailure, err.Error())
				continue
			}
			a.install(cfg)
			logger.Infow("config applied", "config", op.Name, "version", op.Version)
		case coordinator.OpRemove:
			if a.watch != nil {
				if prev, ok := a.registry.Get(op.Name); ok {
					a.watch.Unregister(prev.Spec.BasePath)
				}
			}
			a.registry.Remove(op.Name)
			a.matcher.UnregisterPattern(op.Name)
			logger.Infow("config removed", "config", op.Name)
		}
	}

	freed := a.registry.SweepDeferred()
	if freed > 0 {
		logger.Debugw("released retired configs", "count", freed)
	}
	a.registry.AdvanceGeneration()
	a.coord.Complete()
	a.recordGauges(ctx)
}

func (a *Agent) install(cfg *pipeline.Config) {
	prev, replaced := a.registry.Get(cfg.Name)

	a.registry.Upsert(cfg)
	a.matcher.RegisterPattern(cfg)

	if a.watch != nil {
		depth := cfg.Spec.WatchDepth()
		if err := a.watch.Register(cfg.Spec.BasePath, depth); err != nil {
			logger.Warnw("failed to register watch", "config", cfg.Name, "dir", cfg.Spec.BasePath, "error", err)
		}
		// An updated definition may watch a different directory;
		// release the previous version's registration after the new
		// one is in place so a shared directory stays watched.
		if replaced {
			a.watch.Unregister(prev.Spec.BasePath)
		}
	}
}

func (a *Agent) dispatch(ev watcher.Event) {
	if a.handler == nil {
		return
	}
	dir, name := splitEventPath(ev.Path)
	cfg := a.matcher.FindBestMatch(dir, name)
	if cfg == nil {
		return
	}
	a.handler(ev, cfg)
}

func splitEventPath(p string) (dir, name string) {
	return filepath.Dir(p), filepath.Base(p)
}

func (a *Agent) recordGauges(ctx context.Context) {
	a.metrics.RecordConfigsActive(ctx, int64(a.registry.Len()))
}
