package tracer

import (
	"sync/atomic"

	"roitracer/internal/engine"
)

// ThreadState is the per-thread tracing state. It is created at thread start
// and owned by that thread: everything except the atomic counters is only
// touched from callbacks running on the thread itself, or after the thread
// has been removed from the registry.
type ThreadState struct {
	tid  engine.ThreadID
	path string
	out  *stream

	roiActive      bool
	sinceMemAccess uint64
	scratch        []byte

	records     atomic.Uint64
	spans       atomic.Uint64
	writeErrors atomic.Uint64
	firstErr    error

	onWriteError func(st *ThreadState, err error)
}

func newThreadState(tid engine.ThreadID, path string, out *stream, onWriteError func(*ThreadState, error)) *ThreadState {
	return &ThreadState{
		tid:          tid,
		path:         path,
		out:          out,
		scratch:      make([]byte, 0, 256),
		onWriteError: onWriteError,
	}
}

// TID returns the engine thread id.
func (st *ThreadState) TID() engine.ThreadID { return st.tid }

// Path returns the trace file path.
func (st *ThreadState) Path() string { return st.path }

// Recording reports whether the thread is inside a region of interest.
func (st *ThreadState) Recording() bool { return st.roiActive }

// SinceMemoryAccess is the number of instructions executed in the ROI since
// the last memory access was reported.
func (st *ThreadState) SinceMemoryAccess() uint64 { return st.sinceMemAccess }

// Records is the number of instruction records written so far.
func (st *ThreadState) Records() uint64 { return st.records.Load() }

// Spans is the number of regions of interest entered so far.
func (st *ThreadState) Spans() uint64 { return st.spans.Load() }

// WriteErrors is the number of records that could not be written.
func (st *ThreadState) WriteErrors() uint64 { return st.writeErrors.Load() }

// Err returns the first write error seen on the stream.
func (st *ThreadState) Err() error { return st.firstErr }

// emit writes one complete record. Write failures are counted and reported,
// never fatal: the traced program must keep running.
func (st *ThreadState) emit(b []byte) bool {
	if _, err := st.out.Write(b); err != nil {
		st.fail(err)
		return false
	}
	return true
}

func (st *ThreadState) emitRecord(b []byte) {
	if st.emit(b) {
		st.records.Add(1)
	}
}

func (st *ThreadState) fail(err error) {
	st.writeErrors.Add(1)
	if st.firstErr == nil {
		st.firstErr = err
	}
	if st.onWriteError != nil {
		st.onWriteError(st, err)
	}
}
