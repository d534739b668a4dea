package tracer

import (
	"errors"
	"sync/atomic"

	"roitracer/internal/engine"
	"roitracer/internal/maps"
)

var (
	// ErrThreadRegistered is returned when a thread id is registered twice.
	ErrThreadRegistered = errors.New("thread already registered")
	// ErrRegistryFull is returned when the live thread limit is reached.
	ErrRegistryFull = errors.New("thread registry capacity exhausted")
)

// Registry maps engine thread ids to their ThreadState. Lookups run once per
// traced instruction; registration only happens at thread start and fini.
type Registry struct {
	states   maps.ConcurrentMap[engine.ThreadID, *ThreadState]
	capacity int64
	live     atomic.Int64
}

// NewRegistry creates a registry backed by the named map implementation.
// capacity bounds the number of live threads; zero means unbounded.
func NewRegistry(impl string, capacity int) *Registry {
	return &Registry{
		states:   maps.NewConcurrentMapOf[engine.ThreadID, *ThreadState](impl),
		capacity: int64(capacity),
	}
}

// Register adds st under its thread id.
func (r *Registry) Register(st *ThreadState) error {
	if n := r.live.Add(1); r.capacity > 0 && n > r.capacity {
		r.live.Add(-1)
		return ErrRegistryFull
	}
	if _, loaded := r.states.LoadOrStore(st.tid, func() *ThreadState { return st }); loaded {
		r.live.Add(-1)
		return ErrThreadRegistered
	}
	return nil
}

// Lookup returns the state registered for tid.
func (r *Registry) Lookup(tid engine.ThreadID) (*ThreadState, bool) {
	return r.states.Load(tid)
}

// Unregister removes and returns the state for tid.
func (r *Registry) Unregister(tid engine.ThreadID) (*ThreadState, bool) {
	st, ok := r.states.LoadAndDelete(tid)
	if ok {
		r.live.Add(-1)
	}
	return st, ok
}

// Range calls f for each live thread until f returns false.
func (r *Registry) Range(f func(st *ThreadState) bool) {
	r.states.Range(func(_ engine.ThreadID, st *ThreadState) bool {
		return f(st)
	})
}

// Len returns the number of live threads.
func (r *Registry) Len() int {
	return int(r.live.Load())
}
