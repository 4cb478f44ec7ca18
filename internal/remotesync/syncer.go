package remotesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowtail/agent/internal/alarm"
	"github.com/flowtail/agent/internal/coordinator"
	"github.com/flowtail/agent/internal/logger"
	"github.com/flowtail/agent/internal/pipeline"
	"github.com/flowtail/agent/internal/telemetry"
	"github.com/flowtail/agent/internal/transport"
)

const (
	// tickInterval is how often the loop wakes to check its timers.
	tickInterval = 1 * time.Second

	// DefaultHeartbeatInterval paces the heartbeat/fetch cycle.
	DefaultHeartbeatInterval = 30 * time.Second
)

// AuxRefresher is a secondary data source refreshed on its own
// schedule inside the sync loop, such as host tags.
type AuxRefresher interface {
	Interval() time.Duration
	Refresh(ctx context.Context) error
}

// Syncer runs the background half of config distribution: it
// heartbeats the server with known versions, fetches changed content,
// persists it, and publishes apply batches through the coordinator.
// The foreground consumer owns the registry and matcher; the syncer
// only reads the registry's version snapshot.
type Syncer struct {
	client    ServiceClient
	transport transport.Client
	store     *Store
	coord     *coordinator.Coordinator
	registry  *pipeline.Registry
	alarms    *alarm.Sink
	metrics   *telemetry.SyncMetrics
	aux       AuxRefresher

	heartbeatInterval time.Duration

	// deferred holds a batch the coordinator could not accept. It is
	// retried before any new cycle runs, so batches are never merged.
	deferred *coordinator.Batch

	// mu guards cancel: Start assigns it on the sync goroutine while
	// Stop reads it from the caller's.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithHeartbeatInterval overrides the heartbeat pacing.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithAuxRefresher attaches a secondary refresher to the loop.
func WithAuxRefresher(r AuxRefresher) Option {
	return func(s *Syncer) {
		s.aux = r
	}
}

// WithMetrics attaches sync cycle metrics.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// NewSyncer wires the sync loop to its collaborators.
func NewSyncer(
	client ServiceClient,
	tc transport.Client,
	store *Store,
	coord *coordinator.Coordinator,
	registry *pipeline.Registry,
	alarms *alarm.Sink,
	opts ...Option,
) *Syncer {
	s := &Syncer{
		client:            client,
		transport:         tc,
		store:             store,
		coord:             coord,
		registry:          registry,
		alarms:            alarms,
		heartbeatInterval: DefaultHeartbeatInterval,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sync loop until the context is canceled or Stop is
// called. It blocks.
func (s *Syncer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	defer close(s.done)

	if err := s.client.InitClient(ctx); err != nil {
		return fmt.Errorf("failed to initialize sync client: %w", err)
	}
	if err := s.client.SendMetadata(ctx, s.transport); err != nil {
		logger.Warnw("agent metadata registration failed", "error", err)
	}

	logger.Infow("config sync started", "heartbeatInterval", s.heartbeatInterval)

	// Run one cycle immediately rather than waiting a full interval.
	s.runCycle(ctx)
	lastHeartbeat := time.Now()
	var lastAux time.Time
	if s.aux != nil {
		s.refreshAux(ctx)
		lastAux = time.Now()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("config sync stopped")
			return nil
		case <-ticker.C:
			now := time.Now()
			if now.Sub(lastHeartbeat) >= s.heartbeatInterval {
				s.runCycle(ctx)
				lastHeartbeat = now
			}
			if s.aux != nil && now.Sub(lastAux) >= s.aux.Interval() {
				s.refreshAux(ctx)
				lastAux = now
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.done
}

func (s *Syncer) refreshAux(ctx context.Context) {
	if err := s.aux.Refresh(ctx); err != nil {
		logger.Warnw("auxiliary data refresh failed", "error", err)
	}
}

func (s *Syncer) runCycle(ctx context.Context) {
	start := time.Now()
	err := s.cycle(ctx)
	s.metrics.RecordCycle(ctx, time.Since(start), err == nil)
	if err != nil {
		logger.Warnw("sync cycle aborted", "error", err)
	}
}

func (s *Syncer) cycle(ctx context.Context) error {
	// A deferred batch must land before any new diff is computed.
	// The heartbeat below reports registry versions, and those only
	// move once the consumer applies the pending batch.
	if s.deferred != nil {
		if !s.coord.TryPublish(s.deferred) {
			logger.Debugf("consumer still busy, keeping deferred batch")
			return nil
		}
		s.deferred = nil
		return nil
	}

	results, err := s.sendHeartbeat(ctx)
	if err != nil {
		s.alarms.Raise(ctx, alarm.TransportFailure, err.Error())
		return err
	}

	changed := make([]CheckResult, 0, len(results))
	var toFetch []KnownConfig
	for _, res := range results {
		if res.Status == StatusUnchanged {
			continue
		}
		changed = append(changed, res)
		if res.Status == StatusNew || res.Status == StatusModified {
			toFetch = append(toFetch, KnownConfig{Name: res.Name, Version: res.NewVersion})
		}
	}
	if len(changed) == 0 {
		return nil
	}

	var details map[string][]byte
	if len(toFetch) > 0 {
		details, err = s.fetchConfigs(ctx, toFetch)
		if err != nil {
			s.alarms.Raise(ctx, alarm.TransportFailure, err.Error())
			return err
		}
	}

	batch := s.apply(ctx, changed, details)
	if batch == nil || len(batch.Ops) == 0 {
		return nil
	}
	if !s.coord.TryPublish(batch) {
		logger.Debugw("consumer busy, deferring batch", "ops", len(batch.Ops))
		s.deferred = batch
	}
	return nil
}

func (s *Syncer) sendHeartbeat(ctx context.Context) ([]CheckResult, error) {
	requestID := uuid.NewString()
	known := s.registry.VersionSnapshot()

	body, err := s.send(ctx, requestID, func() (*transport.Request, error) {
		return s.client.GenerateHeartbeatRequest(requestID, known)
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}

	var resp HeartbeatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode heartbeat response: %w", err)
	}
	if resp.RequestID != requestID {
		return nil, fmt.Errorf("discarding heartbeat response with mismatched request ID %q", resp.RequestID)
	}
	return resp.Results, nil
}

func (s *Syncer) fetchConfigs(ctx context.Context, requested []KnownConfig) (map[string][]byte, error) {
	requestID := uuid.NewString()

	body, err := s.send(ctx, requestID, func() (*transport.Request, error) {
		return s.client.GenerateFetchRequest(requestID, requested)
	})
	if err != nil {
		return nil, fmt.Errorf("config fetch failed: %w", err)
	}

	var resp FetchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode fetch response: %w", err)
	}
	if resp.RequestID != requestID {
		return nil, fmt.Errorf("discarding fetch response with mismatched request ID %q", resp.RequestID)
	}

	details := make(map[string][]byte, len(resp.Details))
	for _, d := range resp.Details {
		details[d.Name] = []byte(d.Content)
	}
	return details, nil
}

// send builds, signs and dispatches a request, retrying exactly once
// with refreshed credentials when the server rejects the auth.
func (s *Syncer) send(ctx context.Context, requestID string, build func() (*transport.Request, error)) ([]byte, error) {
	resp, err := s.attempt(ctx, build)
	if err != nil {
		return nil, err
	}

	if isAuthFailure(resp.StatusCode) {
		if !s.client.FlushCredential(ctx) {
			s.alarms.Raise(ctx, alarm.CredentialRefreshFailure,
				fmt.Sprintf("request %s rejected with status %d and credentials could not be refreshed", requestID, resp.StatusCode))
			return nil, fmt.Errorf("request rejected with status %d", resp.StatusCode)
		}
		resp, err = s.attempt(ctx, build)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Syncer) attempt(ctx context.Context, build func() (*transport.Request, error)) (*transport.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	if err := s.client.SignHeader(req); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	return s.transport.Do(ctx, req)
}

func isAuthFailure(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// apply persists each changed config and builds the batch for the
// consumer. Failures are per config: one bad entry never blocks the
// rest.
func (s *Syncer) apply(ctx context.Context, changed []CheckResult, details map[string][]byte) *coordinator.Batch {
	batch := &coordinator.Batch{}

	for _, res := range changed {
		switch res.Status {
		case StatusDeleted:
			if err := s.store.Remove(res.Name, res.OldVersion); err != nil {
				s.alarms.Raise(ctx, alarm.FilesystemFailure, err.Error())
				continue
			}
			batch.Ops = append(batch.Ops, coordinator.Op{
				Kind: coordinator.OpRemove,
				Name: res.Name,
			})

		case StatusModified:
			// A crash or deferred batch can leave the new version
			// already on disk. Applying again would be a no-op, so
			// skip; the registry catches up when the pending batch
			// lands.
			if cur, ok := s.store.CurrentVersion(res.Name); ok && cur == res.NewVersion {
				continue
			}
			s.upsert(ctx, batch, res, details, res.OldVersion)

		case StatusNew:
			s.upsert(ctx, batch, res, details, 0)
		}
	}
	return batch
}

func (s *Syncer) upsert(ctx context.Context, batch *coordinator.Batch, res CheckResult, details map[string][]byte, oldVersion int64) {
	content, ok := details[res.Name]
	if !ok {
		s.alarms.Raise(ctx, alarm.ParseFailure,
			fmt.Sprintf("fetch response missing content for config %s", res.Name))
		return
	}

	// Write the new version before removing the old one so a crash in
	// between leaves both rather than neither.
	if cur, held := s.store.CurrentVersion(res.Name); !held || cur != res.NewVersion {
		if err := s.store.Write(res.Name, res.NewVersion, content); err != nil {
			s.alarms.Raise(ctx, alarm.FilesystemFailure, err.Error())
			return
		}
	}
	if oldVersion > 0 && oldVersion != res.NewVersion {
		if err := s.store.Remove(res.Name, oldVersion); err != nil {
			logger.Warnw("failed to remove superseded config file", "config", res.Name, "version", oldVersion, "error", err)
		}
	}

	batch.Ops = append(batch.Ops, coordinator.Op{
		Kind:       coordinator.OpUpsert,
		Name:       res.Name,
		Version:    res.NewVersion,
		Definition: content,
	})
}
