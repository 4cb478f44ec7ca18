package coordinator

import "sync/atomic"

// Cell is a single-writer/single-reader snapshot slot for low-frequency
// auxiliary data (tag lists and the like). The writer assembles a complete
// value and publishes it atomically; readers always observe either the
// previous or the new snapshot, never a partial one.
type Cell[T any] struct {
	v atomic.Pointer[T]
}

// Publish replaces the current snapshot. Only one goroutine may publish.
func (c *Cell[T]) Publish(v *T) {
	c.v.Store(v)
}

// Load returns the current snapshot, or nil if none was published yet.
// The returned value must be treated as read-only.
func (c *Cell[T]) Load() *T {
	return c.v.Load()
}
