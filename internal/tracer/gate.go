package tracer

import (
	"sync/atomic"

	plog "github.com/phuslu/log"

	"roitracer/internal/engine"
	"roitracer/internal/logger"
)

// Gate switches threads in and out of their region of interest when they
// call the marker routines. The begin transition runs after the begin marker
// returns and the end transition runs before the end marker is entered, so
// neither marker's own instructions are ever traced.
type Gate struct {
	matcher    Matcher
	lookup     func(engine.ThreadID) *ThreadState
	serializer Serializer
	syncOnEnd  bool
	log        plog.Logger

	begins atomic.Uint64
	ends   atomic.Uint64
}

// NewGate creates a gate. See NewRecorder for the lookup contract.
func NewGate(matcher Matcher, lookup func(engine.ThreadID) *ThreadState, serializer Serializer, syncOnEnd bool) *Gate {
	g := &Gate{
		matcher:    matcher,
		lookup:     lookup,
		serializer: serializer,
		syncOnEnd:  syncOnEnd,
		log:        logger.NewLoggerWithContext("gate"),
	}
	g.log.Debug().Bool("sync_on_end", syncOnEnd).Msg("- Gate created")
	return g
}

// InstrumentRoutine is the engine's routine instrumentation hook.
func (g *Gate) InstrumentRoutine(rtn engine.Routine) {
	b := g.matcher.Match(rtn.Name())
	if b.Has(BoundaryBegin) {
		rtn.InsertCall(engine.IPointAfter, g.Begin)
		g.log.Debug().Str("routine", rtn.Name()).Msg("ROI begin marker instrumented")
	}
	if b.Has(BoundaryEnd) {
		rtn.InsertCall(engine.IPointBefore, g.End)
		g.log.Debug().Str("routine", rtn.Name()).Msg("ROI end marker instrumented")
	}
}

// Begin enters the region of interest on tid. Entering twice is a no-op.
func (g *Gate) Begin(tid engine.ThreadID) {
	st := g.lookup(tid)
	if st == nil {
		return
	}
	if st.roiActive {
		g.log.Debug().Uint32("tid", uint32(tid)).Msg("ROI begin while already recording, ignored")
		return
	}
	g.enter(st)
}

// End leaves the region of interest on tid. Leaving twice is a no-op.
func (g *Gate) End(tid engine.ThreadID) {
	st := g.lookup(tid)
	if st == nil {
		return
	}
	if !st.roiActive {
		g.log.Debug().Uint32("tid", uint32(tid)).Msg("ROI end while not recording, ignored")
		return
	}
	g.leave(st)
}

func (g *Gate) enter(st *ThreadState) {
	g.log.Info().Msgf("Thread %d beginning ROI", st.tid)
	g.serializer.BeginRoi(st)
	st.sinceMemAccess = 0
	st.roiActive = true
	st.spans.Add(1)
	g.begins.Add(1)
}

// leave makes everything recorded so far durable before writing the end
// sentinel, so a crash right after the region still leaves a usable trace.
func (g *Gate) leave(st *ThreadState) {
	g.log.Info().Msgf("Thread %d leaving ROI", st.tid)
	if err := st.out.flush(g.syncOnEnd); err != nil {
		st.fail(err)
	}
	g.serializer.EndRoi(st)
	st.roiActive = false
	g.ends.Add(1)
}

// Transitions returns the number of begin and end transitions performed.
func (g *Gate) Transitions() (begins, ends uint64) {
	return g.begins.Load(), g.ends.Load()
}
