package remotesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtail/agent/internal/alarm"
	"github.com/flowtail/agent/internal/coordinator"
	"github.com/flowtail/agent/internal/pipeline"
	"github.com/flowtail/agent/internal/transport"
)

// fakeServer is a minimal config service: a fixed desired state diffed
// against whatever the agent reports.
type fakeServer struct {
	t *testing.T

	// desired is the server-side config set; nil content means the
	// config should be reported DELETED when the agent still holds it.
	desired map[string]ConfigDetail

	heartbeats int
	fetches    int

	// rejectNext makes the next request fail with the given status.
	rejectNext int

	// mangleRequestID echoes a wrong request ID in responses.
	mangleRequestID bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(heartbeatPath, f.handleHeartbeat)
	mux.HandleFunc(fetchPath, f.handleFetch)
	mux.HandleFunc(metadataPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *fakeServer) reject(w http.ResponseWriter) bool {
	if f.rejectNext != 0 {
		status := f.rejectNext
		f.rejectNext = 0
		w.WriteHeader(status)
		return true
	}
	return false
}

func (f *fakeServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	f.heartbeats++
	if f.reject(w) {
		return
	}

	var req HeartbeatRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	known := make(map[string]int64, len(req.Known))
	for _, k := range req.Known {
		known[k.Name] = k.Version
	}

	resp := HeartbeatResponse{RequestID: req.RequestID}
	if f.mangleRequestID {
		resp.RequestID = "bogus"
	}
	for name, detail := range f.desired {
		have, held := known[name]
		switch {
		case detail.Content == "" && held:
			resp.Results = append(resp.Results, CheckResult{
				Name: name, Status: StatusDeleted, OldVersion: have,
			})
		case detail.Content == "":
		case !held:
			resp.Results = append(resp.Results, CheckResult{
				Name: name, Status: StatusNew, NewVersion: detail.Version,
			})
		case have != detail.Version:
			resp.Results = append(resp.Results, CheckResult{
				Name: name, Status: StatusModified, OldVersion: have, NewVersion: detail.Version,
			})
		default:
			resp.Results = append(resp.Results, CheckResult{
				Name: name, Status: StatusUnchanged, OldVersion: have, NewVersion: have,
			})
		}
	}
	require.NoError(f.t, json.NewEncoder(w).Encode(resp))
}

func (f *fakeServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	f.fetches++
	if f.reject(w) {
		return
	}

	var req FetchRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	resp := FetchResponse{RequestID: req.RequestID}
	if f.mangleRequestID {
		resp.RequestID = "bogus"
	}
	for _, want := range req.Requested {
		if detail, ok := f.desired[want.Name]; ok && detail.Content != "" {
			resp.Details = append(resp.Details, detail)
		}
	}
	require.NoError(f.t, json.NewEncoder(w).Encode(resp))
}

// flushCountingClient wraps the static client and reports credential
// refreshes as always succeeding.
type flushCountingClient struct {
	ServiceClient
	flushes int
}

func (c *flushCountingClient) FlushCredential(_ context.Context) bool {
	c.flushes++
	return true
}

type syncFixture struct {
	syncer   *Syncer
	store    *Store
	coord    *coordinator.Coordinator
	registry *pipeline.Registry
	server   *fakeServer
	client   *flushCountingClient
}

func newSyncFixture(t *testing.T, desired map[string]ConfigDetail) *syncFixture {
	t.Helper()

	fake := &fakeServer{t: t, desired: desired}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	base, err := NewServiceClient(ProviderStatic, ClientOptions{
		Host:    u.Hostname(),
		Port:    port,
		AgentID: "agent-test",
	}, nil)
	require.NoError(t, err)
	client := &flushCountingClient{ServiceClient: base}

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coord := coordinator.New()
	registry := pipeline.NewRegistry()
	alarms, err := alarm.NewSink(nil)
	require.NoError(t, err)

	return &syncFixture{
		syncer:   NewSyncer(client, transport.NewHTTPClient(), store, coord, registry, alarms),
		store:    store,
		coord:    coord,
		registry: registry,
		server:   fake,
		client:   client,
	}
}

// drainInto applies the pending batch to the fixture's registry the way
// the consumer would, so follow-up heartbeats report updated versions.
func (f *syncFixture) drainInto(t *testing.T) *coordinator.Batch {
	t.Helper()
	batch := f.coord.TakePending()
	if batch == nil {
		return nil
	}
	for _, op := range batch.Ops {
		switch op.Kind {
		case coordinator.OpUpsert:
			cfg, err := pipeline.ParseDefinition(op.Name, op.Version, op.Definition)
			require.NoError(t, err)
			f.registry.Upsert(cfg)
		case coordinator.OpRemove:
			f.registry.Remove(op.Name)
		}
	}
	f.registry.SweepDeferred()
	f.registry.AdvanceGeneration()
	f.coord.Complete()
	return batch
}

func TestSyncerStopHaltsLoop(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, map[string]ConfigDetail{
		"pipeline_a": {Name: "pipeline_a", Version: 1, Content: "path: /var/log/a\n"},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.syncer.Start(context.Background())
	}()

	// Stop runs on this goroutine while the loop owns its own cancel
	// bookkeeping; wait for the loop to arm before stopping it.
	require.Eventually(t, func() bool {
		f.syncer.mu.Lock()
		defer f.syncer.mu.Unlock()
		return f.syncer.cancel != nil
	}, 5*time.Second, 10*time.Millisecond)

	f.syncer.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync loop did not exit after Stop")
	}
}

func TestSyncerDeliversNewConfig(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, map[string]ConfigDetail{
		"pipeline_a": {Name: "pipeline_a", Version: 3, Content: "path: /var/log/a\n"},
	})

	require.NoError(t, f.syncer.cycle(context.Background()))

	// The new version is on disk before the batch reaches the consumer.
	data, err := os.ReadFile(filepath.Join(f.store.Dir(), "pipeline_a@3.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "path: /var/log/a\n", string(data))

	batch := f.drainInto(t)
	require.NotNil(t, batch)
	require.Len(t, batch.Ops, 1)
	assert.Equal(t, coordinator.OpUpsert, batch.Ops[0].Kind)
	assert.Equal(t, "pipeline_a", batch.Ops[0].Name)
	assert.Equal(t, int64(3), batch.Ops[0].Version)

	// Once applied, the next cycle sees UNCHANGED and fetches nothing.
	fetchesBefore := f.server.fetches
	require.NoError(t, f.syncer.cycle(context.Background()))
	assert.Equal(t, fetchesBefore, f.server.fetches)
	assert.Nil(t, f.coord.TakePending())
}

func TestSyncerModifiedAndDeleted(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, map[string]ConfigDetail{
		"keep":   {Name: "keep", Version: 2, Content: "path: /var/log/keep\n"},
		"doomed": {Name: "doomed"},
	})

	// Agent state: keep@1 and doomed@4, both on disk and applied.
	require.NoError(t, f.store.Write("keep", 1, []byte("path: /var/log/keep0\n")))
	require.NoError(t, f.store.Write("doomed", 4, []byte("path: /var/log/doomed\n")))
	for _, nv := range []pipeline.NameVersion{{Name: "keep", Version: 1}, {Name: "doomed", Version: 4}} {
		cfg, err := pipeline.ParseDefinition(nv.Name, nv.Version, []byte("path: /var/log/x\n"))
		require.NoError(t, err)
		f.registry.Upsert(cfg)
	}

	require.NoError(t, f.syncer.cycle(context.Background()))
	batch := f.drainInto(t)
	require.NotNil(t, batch)
	require.Len(t, batch.Ops, 2)

	kinds := map[string]coordinator.OpKind{}
	for _, op := range batch.Ops {
		kinds[op.Name] = op.Kind
	}
	assert.Equal(t, coordinator.OpUpsert, kinds["keep"])
	assert.Equal(t, coordinator.OpRemove, kinds["doomed"])

	// The store reflects the write-before-delete outcome.
	v, ok := f.store.CurrentVersion("keep")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
	_, err := os.Stat(filepath.Join(f.store.Dir(), "keep@1.yaml"))
	assert.True(t, os.IsNotExist(err))
	_, ok = f.store.CurrentVersion("doomed")
	assert.False(t, ok)

	// Replaying the delete is harmless: the registry no longer reports
	// doomed, so the server stops mentioning it.
	require.NoError(t, f.syncer.cycle(context.Background()))
}

func TestSyncerDiscardsMismatchedRequestID(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, map[string]ConfigDetail{
		"a": {Name: "a", Version: 1, Content: "path: /var/log/a\n"},
	})
	f.server.mangleRequestID = true

	err := f.syncer.cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatched request ID")
	assert.Nil(t, f.coord.TakePending())

	_, ok := f.store.CurrentVersion("a")
	assert.False(t, ok)
}

func TestSyncerRetriesOnceAfterAuthFailure(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, map[string]ConfigDetail{
		"a": {Name: "a", Version: 1, Content: "path: /var/log/a\n"},
	})
	f.server.rejectNext = http.StatusUnauthorized

	require.NoError(t, f.syncer.cycle(context.Background()))
	assert.Equal(t, 1, f.client.flushes)
	assert.Equal(t, 2, f.server.heartbeats)

	batch := f.drainInto(t)
	require.NotNil(t, batch)
	require.Len(t, batch.Ops, 1)
}

func TestSyncerAbortsWhenRefreshUnavailable(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, map[string]ConfigDetail{
		"a": {Name: "a", Version: 1, Content: "path: /var/log/a\n"},
	})
	// The bare static client cannot refresh credentials.
	f.syncer.client = f.client.ServiceClient
	f.server.rejectNext = http.StatusForbidden

	err := f.syncer.cycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, f.server.heartbeats)
	assert.Nil(t, f.coord.TakePending())
}

func TestSyncerDefersBatchWhileConsumerBusy(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, map[string]ConfigDetail{
		"a": {Name: "a", Version: 1, Content: "path: /var/log/a\n"},
	})

	// Occupy the publish slot so the cycle's batch cannot land.
	blocker := &coordinator.Batch{Ops: []coordinator.Op{{Kind: coordinator.OpRemove, Name: "z"}}}
	require.True(t, f.coord.TryPublish(blocker))

	require.NoError(t, f.syncer.cycle(context.Background()))
	require.NotNil(t, f.syncer.deferred)

	// While the consumer is busy the syncer keeps the batch and does
	// not heartbeat again.
	heartbeats := f.server.heartbeats
	require.NoError(t, f.syncer.cycle(context.Background()))
	assert.Equal(t, heartbeats, f.server.heartbeats)
	require.NotNil(t, f.syncer.deferred)

	// Consumer drains the blocker; the deferred batch lands on the next
	// cycle without a new heartbeat.
	f.drainInto(t)
	require.NoError(t, f.syncer.cycle(context.Background()))
	assert.Equal(t, heartbeats, f.server.heartbeats)
	assert.Nil(t, f.syncer.deferred)

	batch := f.drainInto(t)
	require.NotNil(t, batch)
	assert.Equal(t, "a", batch.Ops[0].Name)
}

func TestSyncerSkipsRewriteOfCurrentVersion(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, map[string]ConfigDetail{
		"a": {Name: "a", Version: 5, Content: "path: /var/log/a\n"},
	})

	// Disk already holds a@5 but the registry still reports a@4, as
	// after a crash between persist and apply.
	require.NoError(t, f.store.Write("a", 5, []byte("path: /var/log/a\n")))
	cfg, err := pipeline.ParseDefinition("a", 4, []byte("path: /var/log/a\n"))
	require.NoError(t, err)
	f.registry.Upsert(cfg)

	require.NoError(t, f.syncer.cycle(context.Background()))

	// MODIFIED with the new version already persisted is a no-op.
	assert.Nil(t, f.coord.TakePending())
	v, ok := f.store.CurrentVersion("a")
	require.True(t, ok)
	assert.Equal(t, int64(5), v)
}
