// Package enginetest provides in-memory doubles of the engine interfaces.
package enginetest

import (
	"fmt"
	"sync"

	"roitracer/internal/engine"
)

// Exit is the panic value raised by Engine.ExitProcess.
type Exit struct {
	Code int32
}

func (e Exit) String() string { return fmt.Sprintf("exit process (code %d)", e.Code) }

// Engine records the registered hooks so tests can drive them by hand.
type Engine struct {
	ThreadStart       []engine.ThreadStartFunc
	ThreadFini        []engine.ThreadFiniFunc
	Instrument        []engine.InstrumentFunc
	RoutineInstrument []engine.RoutineInstrumentFunc
	Fini              []engine.FiniFunc

	mu    sync.Mutex
	exits []int32
}

func (e *Engine) AddThreadStartFunction(fn engine.ThreadStartFunc) {
	e.ThreadStart = append(e.ThreadStart, fn)
}

func (e *Engine) AddThreadFiniFunction(fn engine.ThreadFiniFunc) {
	e.ThreadFini = append(e.ThreadFini, fn)
}

func (e *Engine) AddInstrumentFunction(fn engine.InstrumentFunc) {
	e.Instrument = append(e.Instrument, fn)
}

func (e *Engine) AddRoutineInstrumentFunction(fn engine.RoutineInstrumentFunc) {
	e.RoutineInstrument = append(e.RoutineInstrument, fn)
}

func (e *Engine) AddFiniFunction(fn engine.FiniFunc) {
	e.Fini = append(e.Fini, fn)
}

// ExitProcess records the code and panics with Exit.
func (e *Engine) ExitProcess(code int32) {
	e.mu.Lock()
	e.exits = append(e.exits, code)
	e.mu.Unlock()
	panic(Exit{Code: code})
}

// Exits returns the codes passed to ExitProcess.
func (e *Engine) Exits() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int32(nil), e.exits...)
}

// StartThread fires every thread start hook.
func (e *Engine) StartThread(tid engine.ThreadID) {
	for _, fn := range e.ThreadStart {
		fn(tid, &engine.Context{}, 0)
	}
}

// FiniThread fires every thread fini hook.
func (e *Engine) FiniThread(tid engine.ThreadID, code int32) {
	for _, fn := range e.ThreadFini {
		fn(tid, &engine.Context{}, code)
	}
}

// Exit fires every process fini hook.
func (e *Engine) Exit(code int32) {
	for _, fn := range e.Fini {
		fn(code)
	}
}

// InstrumentInstruction presents ins to every instrumentation hook.
func (e *Engine) InstrumentInstruction(ins *Instruction) *Instruction {
	for _, fn := range e.Instrument {
		fn(ins)
	}
	return ins
}

// InstrumentRoutine presents rtn to every routine instrumentation hook.
func (e *Engine) InstrumentRoutine(rtn *Routine) *Routine {
	for _, fn := range e.RoutineInstrument {
		fn(rtn)
	}
	return rtn
}

// Catch runs fn and returns the Exit it raised, if any.
func Catch(fn func()) (exit *Exit) {
	defer func() {
		if r := recover(); r != nil {
			ex, ok := r.(Exit)
			if !ok {
				panic(r)
			}
			exit = &ex
		}
	}()
	fn()
	return nil
}

// Instruction is a static instruction with its spliced analysis calls.
type Instruction struct {
	Addr   uint64
	Op     uint32
	Mn     string
	Ops    []engine.Operand
	MemOps []engine.MemoryOperand

	Calls []engine.AnalysisFunc
}

func (i *Instruction) Address() uint64                        { return i.Addr }
func (i *Instruction) Opcode() uint32                         { return i.Op }
func (i *Instruction) Mnemonic() string                       { return i.Mn }
func (i *Instruction) Operands() []engine.Operand             { return i.Ops }
func (i *Instruction) MemoryOperands() []engine.MemoryOperand { return i.MemOps }

func (i *Instruction) InsertCall(point engine.IPoint, fn engine.AnalysisFunc) {
	if point != engine.IPointBefore {
		panic("enginetest: instructions only support IPointBefore")
	}
	i.Calls = append(i.Calls, fn)
}

// Execute runs the analysis calls with the given effective addresses. Every
// memory operand is treated as executed.
func (i *Instruction) Execute(tid engine.ThreadID, eas ...uint64) {
	executed := make([]bool, len(eas))
	for k := range executed {
		executed[k] = true
	}
	i.ExecuteWith(tid, &engine.Execution{EffectiveAddress: eas, Executed: executed})
}

// ExecuteWith runs the analysis calls with an explicit execution record.
func (i *Instruction) ExecuteWith(tid engine.ThreadID, ex *engine.Execution) {
	for _, fn := range i.Calls {
		fn(tid, ex)
	}
}

// Routine is a routine with its spliced calls split by insertion point.
type Routine struct {
	Symbol string
	Before []engine.RoutineFunc
	After  []engine.RoutineFunc
}

func (r *Routine) Name() string { return r.Symbol }

func (r *Routine) InsertCall(point engine.IPoint, fn engine.RoutineFunc) {
	switch point {
	case engine.IPointBefore:
		r.Before = append(r.Before, fn)
	case engine.IPointAfter:
		r.After = append(r.After, fn)
	}
}

// Call simulates a call of the routine on tid, with body run between the
// before and after calls.
func (r *Routine) Call(tid engine.ThreadID, body func()) {
	for _, fn := range r.Before {
		fn(tid)
	}
	if body != nil {
		body()
	}
	for _, fn := range r.After {
		fn(tid)
	}
}
