package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
)

// NameVersion is one (name, version) pair, as reported in heartbeats.
type NameVersion struct {
	Name    string
	Version int64
}

// Registry owns the active set of configs. All mutation happens in the
// foreground consumer context; the background sync context only reads
// version snapshots, which is why reads take a shared lock while the
// matcher's caches need none.
//
// Removal is deferred: a removed or replaced Config may still be
// referenced by match-cache entries or filesystem-handler bookkeeping
// taken before the current drain began. Such objects are parked on a
// deferred list and only released at the next quiescence point, after the
// following drain completes.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Config

	// version stamps the match caches; every mutation bumps it.
	version atomic.Uint64

	// generation counts completed drains; deferred entries are released
	// once their generation is strictly older than the current one.
	generation uint64
	deferred   []deferredEntry
}

type deferredEntry struct {
	cfg *Config
	gen uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		configs: make(map[string]*Config),
	}
}

// Upsert inserts or replaces the config under its name and returns the
// previous config, if any. The previous object joins the deferred list.
func (r *Registry) Upsert(cfg *Config) *Config {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.configs[cfg.Name]
	r.configs[cfg.Name] = cfg
	if prev != nil {
		r.deferred = append(r.deferred, deferredEntry{cfg: prev, gen: r.generation})
	}
	r.version.Add(1)
	return prev
}

// Remove takes the config out of the active set and parks it on the
// deferred list. Returns the removed config, or nil if the name was not
// registered.
func (r *Registry) Remove(name string) *Config {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[name]
	if !ok {
		return nil
	}
	delete(r.configs, name)
	r.deferred = append(r.deferred, deferredEntry{cfg: cfg, gen: r.generation})
	r.version.Add(1)
	return cfg
}

// Get returns the active config for the name.
func (r *Registry) Get(name string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Len returns the number of active configs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.configs)
}

// Snapshot returns the active configs ordered by name.
func (r *Registry) Snapshot() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VersionSnapshot returns the (name, version) pairs of the active set,
// ordered by name. The sync context uses this to build heartbeats.
func (r *Registry) VersionSnapshot() []NameVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NameVersion, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, NameVersion{Name: cfg.Name, Version: cfg.Version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Version returns the registry version used to stamp match-cache entries.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

// BumpVersion invalidates all stamped caches without changing the set.
// The matcher calls this when patterns change.
func (r *Registry) BumpVersion() {
	r.version.Add(1)
}

// SweepDeferred releases every deferred config whose generation predates
// the current one and returns how many were released. The consumer calls
// this during a drain: at that point no reference from the prior
// generation can still be in use.
func (r *Registry) SweepDeferred() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.deferred[:0]
	released := 0
	for _, e := range r.deferred {
		if e.gen < r.generation {
			released++
			continue
		}
		kept = append(kept, e)
	}
	r.deferred = kept
	return released
}

// AdvanceGeneration marks the completion of a drain. Deferred entries
// created during this drain become releasable at the next one.
func (r *Registry) AdvanceGeneration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
}

// DeferredCount returns the number of configs awaiting release.
func (r *Registry) DeferredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.deferred)
}
