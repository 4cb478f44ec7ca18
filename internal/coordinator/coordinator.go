// Package coordinator implements the single-producer/single-consumer
// handoff between the background sync context and the foreground consumer
// context. The producer assembles a complete batch off to the side and
// publishes it with one atomic state transition; the consumer observes the
// state, applies the batch at its own cadence, and publishes completion.
// The foreground lookup path never blocks on this handoff.
package coordinator

import "sync/atomic"

// State is the update handshake state.
type State int32

const (
	// StateNormal means no batch is pending; the producer may publish.
	StateNormal State = iota

	// StateUpdating means a published batch awaits the consumer.
	StateUpdating
)

// OpKind identifies a pending registry operation.
type OpKind int

const (
	// OpUpsert inserts or replaces a config by name.
	OpUpsert OpKind = iota

	// OpRemove removes a config by name.
	OpRemove
)

// Op is one pending mutation, applied by the consumer in queue order.
type Op struct {
	Kind       OpKind
	Name       string
	Version    int64
	Definition []byte
}

// Batch is a self-consistent set of operations produced by one sync cycle.
type Batch struct {
	Ops []Op
}

// Coordinator is the handshake cell. Exactly one producer goroutine calls
// TryPublish and exactly one consumer goroutine calls TakePending/Complete.
type Coordinator struct {
	state   atomic.Int32
	pending atomic.Pointer[Batch]
}

// New creates a coordinator in the NORMAL state.
func New() *Coordinator {
	return &Coordinator{}
}

// State returns the current handshake state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// TryPublish hands a batch to the consumer. It fails without side effects
// when a previous batch has not been drained yet; the producer keeps or
// discards the batch and retries on its next interval. Batches are never
// merged: each must stay self-consistent.
func (c *Coordinator) TryPublish(b *Batch) bool {
	if b == nil || len(b.Ops) == 0 {
		return true
	}
	// Winning the NORMAL→UPDATING transition grants exclusive ownership
	// of the pending slot until the consumer calls Complete.
	if !c.state.CompareAndSwap(int32(StateNormal), int32(StateUpdating)) {
		return false
	}
	c.pending.Store(b)
	return true
}

// TakePending returns the published batch, or nil when no batch is ready.
// The state stays UPDATING until Complete is called, which keeps
// back-pressure on the producer while the consumer applies. A nil return
// while UPDATING means the batch store has not landed yet; the polling
// consumer simply retries on its next tick.
func (c *Coordinator) TakePending() *Batch {
	if State(c.state.Load()) != StateUpdating {
		return nil
	}
	return c.pending.Load()
}

// Complete publishes consumption: the consumer has fully applied the
// batch and freed prior-generation deferred objects. Only the consumer
// calls this.
func (c *Coordinator) Complete() {
	c.pending.Store(nil)
	c.state.Store(int32(StateNormal))
}
