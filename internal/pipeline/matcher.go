package pipeline

import (
	"context"
	"fmt"
	"path"

	"github.com/flowtail/agent/internal/alarm"
)

// maxCacheEntries bounds the per-directory result caches. When the bound
// is hit the whole cache is dropped in O(1); entries repopulate lazily.
const maxCacheEntries = 4096

// Matcher indexes configs by watched path pattern and answers best-match
// and all-match queries for observed paths.
//
// The matcher is single-writer: pattern registration and lookups both run
// in the foreground consumer context, so the caches need no locking. The
// caches are stamped with the registry version at computation time and are
// recomputed lazily on mismatch, which keeps mutation O(1) regardless of
// how many directories have been cached.
type Matcher struct {
	registry *Registry
	alarms   *alarm.Sink

	patterns map[string]*patternEntry
	nextSeq  int

	bestCache map[string]bestEntry
	allCache  map[string]allEntry
}

type patternEntry struct {
	cfg *Config
	// seq is the registration order, the deterministic tie-break.
	seq int
}

type bestEntry struct {
	cfg       *Config
	ambiguous bool
	stamp     uint64
}

type allEntry struct {
	cfgs  []*Config
	stamp uint64
}

// NewMatcher creates a matcher over the given registry.
func NewMatcher(registry *Registry, alarms *alarm.Sink) *Matcher {
	return &Matcher{
		registry:  registry,
		alarms:    alarms,
		patterns:  make(map[string]*patternEntry),
		bestCache: make(map[string]bestEntry),
		allCache:  make(map[string]allEntry),
	}
}

// RegisterPattern indexes the config's derived match spec. Registering a
// name again replaces the pattern but keeps its original tie-break order.
func (m *Matcher) RegisterPattern(cfg *Config) {
	if prev, ok := m.patterns[cfg.Name]; ok {
		prev.cfg = cfg
	} else {
		m.patterns[cfg.Name] = &patternEntry{cfg: cfg, seq: m.nextSeq}
		m.nextSeq++
	}
	m.registry.BumpVersion()
}

// UnregisterPattern removes the config's pattern from the index.
func (m *Matcher) UnregisterPattern(name string) {
	if _, ok := m.patterns[name]; !ok {
		return
	}
	delete(m.patterns, name)
	m.registry.BumpVersion()
}

// FindBestMatch resolves the single best config for a directory path and
// optional file name. Ties in specificity resolve to the earliest
// registered config and raise an ambiguity alarm unless the winner is
// marked force-multi. Returns nil when nothing matches.
func (m *Matcher) FindBestMatch(dir, name string) *Config {
	key := cacheKey(dir, name)
	stamp := m.registry.Version()
	if e, ok := m.bestCache[key]; ok && e.stamp == stamp {
		return e.cfg
	}

	best, ambiguous := m.computeBest(dir, name)
	if ambiguous {
		m.alarms.Raise(context.Background(), alarm.AmbiguousMatch,
			fmt.Sprintf("multiple configs of equal specificity match %s (chose %s)", dir, best.Name))
	}

	if len(m.bestCache) >= maxCacheEntries {
		m.bestCache = make(map[string]bestEntry)
	}
	m.bestCache[key] = bestEntry{cfg: best, ambiguous: ambiguous, stamp: stamp}
	return best
}

// FindAllMatch returns every config whose pattern structurally matches the
// directory (and file name, when given), in registration order.
func (m *Matcher) FindAllMatch(dir, name string) []*Config {
	key := cacheKey(dir, name)
	stamp := m.registry.Version()
	if e, ok := m.allCache[key]; ok && e.stamp == stamp {
		return e.cfgs
	}

	matches := m.computeAll(dir, name)
	cfgs := make([]*Config, len(matches))
	for i, mt := range matches {
		cfgs[i] = mt.entry.cfg
	}

	if len(m.allCache) >= maxCacheEntries {
		m.allCache = make(map[string]allEntry)
	}
	m.allCache[key] = allEntry{cfgs: cfgs, stamp: stamp}
	return cfgs
}

// FindMatchWithForceFlag returns the best match plus every structurally
// matching config marked force-multi. This is the variant collaborators
// use when a path may legitimately feed multiple configs.
func (m *Matcher) FindMatchWithForceFlag(dir, name string) []*Config {
	best := m.FindBestMatch(dir, name)
	if best == nil {
		return nil
	}

	out := []*Config{best}
	for _, cfg := range m.FindAllMatch(dir, name) {
		if cfg.ForceMulti && cfg != best {
			out = append(out, cfg)
		}
	}
	return out
}

// PatternCount returns the number of registered patterns.
func (m *Matcher) PatternCount() int {
	return len(m.patterns)
}

type match struct {
	entry *patternEntry
	spec  specificity
}

// computeAll walks the pattern set and returns matches in registration
// order. Cold-path cost is linear in the number of patterns plausibly
// covering the path; results are cached for the steady state.
func (m *Matcher) computeAll(dir, name string) []match {
	var out []match
	for _, e := range m.patterns {
		spec, ok := e.cfg.Spec.matchDirectory(dir)
		if !ok {
			continue
		}
		if name != "" && !e.cfg.Spec.matchFile(name) {
			continue
		}
		out = append(out, match{entry: e, spec: spec})
	}
	// map iteration order is random; restore registration order
	sortMatches(out)
	return out
}

func (m *Matcher) computeBest(dir, name string) (*Config, bool) {
	matches := m.computeAll(dir, name)
	if len(matches) == 0 {
		return nil, false
	}

	best := matches[0]
	ties := 0
	for _, cand := range matches[1:] {
		switch {
		case cand.spec.beats(best.spec):
			best = cand
			ties = 0
		case cand.spec.equals(best.spec):
			// best keeps the lower seq: matches are in
			// registration order already
			ties++
		}
	}

	ambiguous := ties > 0 && !best.entry.cfg.ForceMulti
	return best.entry.cfg, ambiguous
}

func sortMatches(ms []match) {
	// insertion sort: the candidate set for one directory is tiny
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].entry.seq < ms[j-1].entry.seq; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

func cacheKey(dir, name string) string {
	if name == "" {
		return path.Clean(dir)
	}
	return path.Clean(dir) + "\x00" + name
}
