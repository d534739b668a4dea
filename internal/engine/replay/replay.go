// Package replay implements engine.Engine by replaying a recorded feed of
// thread, call and instruction events. Every traced thread gets its own
// goroutine locked to an OS thread, so callbacks for one thread run in feed
// order and callbacks for different threads run concurrently, as they would
// under a live instrumentation engine.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	plog "github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"roitracer/internal/engine"
	"roitracer/internal/logger"
	"roitracer/internal/maps"
)

// ExitError is returned by Run when a callback terminated the process
// through ExitProcess.
type ExitError struct {
	Code int32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process terminated by tracer (exit code %d)", e.Code)
}

// exitPanic unwinds the calling thread's goroutine out of ExitProcess.
type exitPanic struct{ code int32 }

// Options configures an Engine.
type Options struct {
	// ChannelSize is the per-thread event queue length (default: 256).
	ChannelSize int
	// Cache selects the maps implementation for the instruction cache.
	Cache string
}

// Engine replays a feed through the registered callbacks.
type Engine struct {
	opts Options
	log  plog.Logger

	threadStart       []engine.ThreadStartFunc
	threadFini        []engine.ThreadFiniFunc
	instrument        []engine.InstrumentFunc
	routineInstrument []engine.RoutineInstrumentFunc
	fini              []engine.FiniFunc

	// Instrumentation happens once per address or name, under instrMu.
	// Lookups are lock-free.
	instrMu      sync.Mutex
	instructions maps.ConcurrentMap[uint64, *instruction]
	routines     *xsync.Map[string, *routine]

	events atomic.Uint64
}

// New creates a replay engine.
func New(opts Options) *Engine {
	if opts.ChannelSize <= 0 {
		opts.ChannelSize = 256
	}
	e := &Engine{
		opts:         opts,
		log:          logger.NewLoggerWithContext("replay"),
		instructions: maps.NewConcurrentMapOf[uint64, *instruction](opts.Cache),
		routines:     xsync.NewMap[string, *routine](),
	}
	e.log.Debug().Int("channel_size", opts.ChannelSize).Str("cache", opts.Cache).Msg("- Replay engine created")
	return e
}

func (e *Engine) AddThreadStartFunction(fn engine.ThreadStartFunc) {
	e.threadStart = append(e.threadStart, fn)
}

func (e *Engine) AddThreadFiniFunction(fn engine.ThreadFiniFunc) {
	e.threadFini = append(e.threadFini, fn)
}

func (e *Engine) AddInstrumentFunction(fn engine.InstrumentFunc) {
	e.instrument = append(e.instrument, fn)
}

func (e *Engine) AddRoutineInstrumentFunction(fn engine.RoutineInstrumentFunc) {
	e.routineInstrument = append(e.routineInstrument, fn)
}

func (e *Engine) AddFiniFunction(fn engine.FiniFunc) {
	e.fini = append(e.fini, fn)
}

// ExitProcess stops the replay. It must be called from a callback; it does
// not return.
func (e *Engine) ExitProcess(code int32) {
	panic(exitPanic{code: code})
}

// Events returns the number of events delivered so far.
func (e *Engine) Events() uint64 { return e.events.Load() }

// Run replays src until it is exhausted, an exit event is read, a callback
// calls ExitProcess or ctx is cancelled. The fini callbacks always run before
// Run returns. The returned code is the exit code handed to them.
func (e *Engine) Run(ctx context.Context, src Source) (int32, error) {
	g, gctx := errgroup.WithContext(ctx)
	threads := make(map[uint32]*thread)
	retired := make(map[uint32]chan struct{})

	spawn := func(tid uint32) *thread {
		t := &thread{events: make(chan Event, e.opts.ChannelSize), done: make(chan struct{})}
		prev := retired[tid]
		delete(retired, tid)
		threads[tid] = t
		g.Go(func() error {
			defer close(t.done)
			if prev != nil {
				// A reused id starts only after the previous thread is gone.
				<-prev
			}
			return e.runThread(gctx, engine.ThreadID(tid), t.events)
		})
		return t
	}
	retire := func(tid uint32) {
		t := threads[tid]
		close(t.events)
		delete(threads, tid)
		retired[tid] = t.done
	}

	code, readErr := e.dispatch(gctx, src, threads, spawn, retire)
	for tid := range threads {
		retire(tid)
	}
	runErr := g.Wait()

	var exitErr *ExitError
	switch {
	case errors.As(runErr, &exitErr):
		code = exitErr.Code
	case runErr != nil:
		code = 1
	case readErr != nil:
		code = 1
	case ctx.Err() != nil:
		runErr = ctx.Err()
		code = 1
	}

	if err := e.runFini(code); err != nil && runErr == nil {
		runErr = err
	}
	e.log.Debug().Uint64("events", e.events.Load()).Int32("code", code).Msg("Replay finished")

	if runErr != nil {
		return code, runErr
	}
	if readErr != nil {
		return code, fmt.Errorf("failed to read event feed: %w", readErr)
	}
	return code, nil
}

type thread struct {
	events chan Event
	done   chan struct{}
}

// dispatch routes events to their thread's queue until the feed ends.
func (e *Engine) dispatch(ctx context.Context, src Source, threads map[uint32]*thread, spawn func(uint32) *thread, retire func(uint32)) (int32, error) {
	for {
		if ctx.Err() != nil {
			return 1, nil
		}
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		if err != nil {
			return 1, err
		}
		if ev.Ev == EvExit {
			return ev.Code, nil
		}

		t, ok := threads[ev.TID]
		if !ok {
			if ev.Ev == EvThreadFini {
				e.log.Warn().Uint32("tid", ev.TID).Msg("Fini for a thread never seen, ignored")
				continue
			}
			t = spawn(ev.TID)
		}
		select {
		case t.events <- ev:
		case <-ctx.Done():
			return 1, nil
		}
		if ev.Ev == EvThreadFini {
			retire(ev.TID)
		}
	}
}

func (e *Engine) runThread(ctx context.Context, tid engine.ThreadID, ch <-chan Event) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		if r := recover(); r != nil {
			ex, ok := r.(exitPanic)
			if !ok {
				panic(r)
			}
			err = &ExitError{Code: ex.code}
		}
	}()

	ex := &engine.Execution{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e.deliver(tid, &ev, ex)
		}
	}
}

func (e *Engine) deliver(tid engine.ThreadID, ev *Event, ex *engine.Execution) {
	e.events.Add(1)
	switch ev.Ev {
	case EvThreadStart:
		c := &engine.Context{OSThreadID: ev.OSTID}
		for _, fn := range e.threadStart {
			fn(tid, c, 0)
		}
	case EvThreadFini:
		c := &engine.Context{OSThreadID: ev.OSTID}
		for _, fn := range e.threadFini {
			fn(tid, c, ev.Code)
		}
	case EvCall:
		rtn := e.routine(ev.Routine)
		for _, fn := range rtn.before {
			fn(tid)
		}
		for _, fn := range rtn.after {
			fn(tid)
		}
	case EvIns:
		ins := e.instruction(ev)
		ex.EffectiveAddress = ex.EffectiveAddress[:0]
		ex.Executed = ex.Executed[:0]
		for _, m := range ev.Mem {
			ex.EffectiveAddress = append(ex.EffectiveAddress, m.EA)
			ex.Executed = append(ex.Executed, m.executed())
		}
		for _, fn := range ins.calls {
			fn(tid, ex)
		}
	}
}

// runFini runs the fini callbacks. ExitProcess from a fini callback stops the
// remaining ones.
func (e *Engine) runFini(code int32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ex, ok := r.(exitPanic)
			if !ok {
				panic(r)
			}
			err = &ExitError{Code: ex.code}
		}
	}()
	for _, fn := range e.fini {
		fn(code)
	}
	return nil
}

// instruction returns the instrumented instruction at ev.Addr, instrumenting
// it on first sight. Later events at the same address reuse the first one's
// static description, like a code cache.
func (e *Engine) instruction(ev *Event) *instruction {
	if ins, ok := e.instructions.Load(ev.Addr); ok {
		return ins
	}
	e.instrMu.Lock()
	defer e.instrMu.Unlock()
	if ins, ok := e.instructions.Load(ev.Addr); ok {
		return ins
	}
	ins := newInstruction(ev)
	for _, fn := range e.instrument {
		fn(ins)
	}
	e.instructions.Store(ev.Addr, ins)
	return ins
}

func (e *Engine) routine(name string) *routine {
	if rtn, ok := e.routines.Load(name); ok {
		return rtn
	}
	e.instrMu.Lock()
	defer e.instrMu.Unlock()
	if rtn, ok := e.routines.Load(name); ok {
		return rtn
	}
	rtn := &routine{name: name}
	for _, fn := range e.routineInstrument {
		fn(rtn)
	}
	e.routines.Store(name, rtn)
	return rtn
}

type instruction struct {
	addr   uint64
	op     uint32
	mn     string
	ops    []engine.Operand
	memOps []engine.MemoryOperand
	calls  []engine.AnalysisFunc
}

func newInstruction(ev *Event) *instruction {
	ins := &instruction{addr: ev.Addr, op: ev.Op, mn: ev.Mn}
	for _, r := range ev.Regs {
		ins.ops = append(ins.ops, engine.Operand{Kind: engine.OperandReg, Reg: r.Reg, Read: r.R, Written: r.W})
	}
	for _, m := range ev.Mem {
		ins.ops = append(ins.ops, engine.Operand{Kind: engine.OperandMem, Read: m.R, Written: m.W})
		ins.memOps = append(ins.memOps, engine.MemoryOperand{Read: m.R, Written: m.W, Predicated: m.Pred})
	}
	return ins
}

func (i *instruction) Address() uint64                        { return i.addr }
func (i *instruction) Opcode() uint32                         { return i.op }
func (i *instruction) Mnemonic() string                       { return i.mn }
func (i *instruction) Operands() []engine.Operand             { return i.ops }
func (i *instruction) MemoryOperands() []engine.MemoryOperand { return i.memOps }

func (i *instruction) InsertCall(point engine.IPoint, fn engine.AnalysisFunc) {
	if point != engine.IPointBefore {
		panic(fmt.Sprintf("replay: instruction calls only support %s, got %s", engine.IPointBefore, point))
	}
	i.calls = append(i.calls, fn)
}

type routine struct {
	name   string
	before []engine.RoutineFunc
	after  []engine.RoutineFunc
}

func (r *routine) Name() string { return r.name }

func (r *routine) InsertCall(point engine.IPoint, fn engine.RoutineFunc) {
	switch point {
	case engine.IPointBefore:
		r.before = append(r.before, fn)
	case engine.IPointAfter:
		r.after = append(r.after, fn)
	}
}
