// Package tags loads host-level tags attached to every collected
// record. The tag file is re-read on its own schedule, faster than the
// config heartbeat, and readers always see a complete snapshot.
package tags

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowtail/agent/internal/coordinator"
	"github.com/flowtail/agent/internal/logger"
)

// DefaultInterval is the tag file refresh cadence.
const DefaultInterval = 10 * time.Second

// Tag is one key/value pair stamped onto collected records.
type Tag struct {
	Key   string
	Value string
}

// Reloader re-reads the tag file and publishes snapshots. The reload
// side runs on the sync goroutine; Tags may be called from anywhere.
type Reloader struct {
	path     string
	interval time.Duration
	cell     coordinator.Cell[[]Tag]
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithInterval overrides the refresh cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewReloader watches the tag file at path.
func NewReloader(path string, opts ...Option) *Reloader {
	r := &Reloader{
		path:     path,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Interval reports the refresh cadence.
func (r *Reloader) Interval() time.Duration {
	return r.interval
}

// Refresh re-reads the tag file and publishes a new snapshot. A
// missing file clears the tags; a malformed file keeps the previous
// snapshot.
func (r *Reloader) Refresh(_ context.Context) error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.cell.Publish(&[]Tag{})
			return nil
		}
		return fmt.Errorf("failed to read tag file %s: %w", r.path, err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse tag file %s: %w", r.path, err)
	}

	tags := make([]Tag, 0, len(raw))
	for k, v := range raw {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })

	r.cell.Publish(&tags)
	logger.Debugw("host tags refreshed", "count", len(tags))
	return nil
}

// Tags returns the current snapshot. The returned slice must not be
// modified.
func (r *Reloader) Tags() []Tag {
	snap := r.cell.Load()
	if snap == nil {
		return nil
	}
	return *snap
}
