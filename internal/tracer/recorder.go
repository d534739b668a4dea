package tracer

import (
	"sync/atomic"

	plog "github.com/phuslu/log"

	"roitracer/internal/engine"
	"roitracer/internal/logger"
)

// Recorder instruments every instruction with a single analysis call that
// serializes it while the executing thread is inside a region of interest.
type Recorder struct {
	lookup     func(engine.ThreadID) *ThreadState
	serializer Serializer
	log        plog.Logger

	instrumented atomic.Uint64
}

// NewRecorder creates a recorder. lookup must not return nil; a thread with
// no state is a fatal condition the lookup reports itself.
func NewRecorder(lookup func(engine.ThreadID) *ThreadState, serializer Serializer) *Recorder {
	r := &Recorder{
		lookup:     lookup,
		serializer: serializer,
		log:        logger.NewLoggerWithContext("recorder"),
	}
	r.log.Debug().Str("format", string(serializer.Format())).Msg("- Recorder created")
	return r
}

// Instrument is the engine's instruction instrumentation hook.
func (r *Recorder) Instrument(ins engine.Instruction) {
	p := compilePlan(ins)
	ins.InsertCall(engine.IPointBefore, func(tid engine.ThreadID, ex *engine.Execution) {
		r.record(tid, p, ex)
	})
	r.instrumented.Add(1)
	if r.log.Level <= plog.TraceLevel {
		r.log.Trace().
			Uint64("addr", ins.Address()).
			Str("mnemonic", ins.Mnemonic()).
			Int("reg_reads", len(p.regReads)).
			Int("reg_writes", len(p.regWrites)).
			Int("mem_operands", len(p.memAll)).
			Msg("Instruction instrumented")
	}
}

func (r *Recorder) record(tid engine.ThreadID, p *plan, ex *engine.Execution) {
	st := r.lookup(tid)
	if st == nil || !st.roiActive {
		return
	}
	r.serializer.Instruction(st, p, ex)
}

// Instrumented returns the number of instructions instrumented so far.
func (r *Recorder) Instrumented() uint64 { return r.instrumented.Load() }
