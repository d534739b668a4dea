// Package engine describes the boundary between the tracer and the dynamic
// binary instrumentation engine that hosts it. The engine decides which
// instructions and routines exist, splices the tracer's callbacks into them
// and invokes those callbacks on the thread executing the instrumented code.
//
// The tracer only consumes these types; implementations live elsewhere
// (see the replay sub-package).
package engine

// ThreadID is the opaque thread identifier assigned by the engine at thread
// creation. It is stable for the lifetime of the thread.
type ThreadID uint32

// IPoint selects where a call is spliced relative to the instrumented code.
type IPoint uint8

const (
	// IPointBefore runs the call before the instruction or routine executes.
	IPointBefore IPoint = iota
	// IPointAfter runs the call after the routine returns.
	IPointAfter
)

func (p IPoint) String() string {
	switch p {
	case IPointBefore:
		return "before"
	case IPointAfter:
		return "after"
	default:
		return "unknown"
	}
}

// OperandKind classifies an instruction operand.
type OperandKind uint8

const (
	OperandReg OperandKind = iota
	OperandMem
	OperandImm
)

// Operand is the static description of one instruction operand.
type Operand struct {
	Kind    OperandKind
	Reg     uint32 // register id, valid for OperandReg
	Read    bool
	Written bool
}

// MemoryOperand is the static description of one memory operand. Predicated
// operands may not be accessed at run time; see Execution.Executed.
type MemoryOperand struct {
	Read       bool
	Written    bool
	Predicated bool
}

// Execution carries the run-time values of one instruction execution, indexed
// like Instruction.MemoryOperands. Engines reuse the same Execution per thread,
// analysis calls must not retain it.
type Execution struct {
	EffectiveAddress []uint64
	Executed         []bool
}

// Accessed reports whether memory operand i was actually accessed.
func (e *Execution) Accessed(i int) bool {
	return i < len(e.Executed) && e.Executed[i]
}

// Address returns the effective address of memory operand i.
func (e *Execution) Address(i int) uint64 {
	if i < len(e.EffectiveAddress) {
		return e.EffectiveAddress[i]
	}
	return 0
}

// Context is the engine's view of a thread at start or fini notification.
type Context struct {
	// OSThreadID is the host operating system's id for the thread, if known.
	OSThreadID int
}

// AnalysisFunc runs on the executing thread each time an instrumented
// instruction retires.
type AnalysisFunc func(tid ThreadID, ex *Execution)

// RoutineFunc runs on the executing thread at a routine call site.
type RoutineFunc func(tid ThreadID)

// Instruction is an instruction presented for instrumentation.
type Instruction interface {
	Address() uint64
	Opcode() uint32
	Mnemonic() string
	Operands() []Operand
	MemoryOperands() []MemoryOperand
	// InsertCall splices fn at point. Instructions only support IPointBefore.
	InsertCall(point IPoint, fn AnalysisFunc)
}

// Routine is a callable routine presented for instrumentation.
type Routine interface {
	// Name is the routine's symbol name as found in the target binary.
	Name() string
	InsertCall(point IPoint, fn RoutineFunc)
}

type (
	ThreadStartFunc       func(tid ThreadID, ctx *Context, flags int32)
	ThreadFiniFunc        func(tid ThreadID, ctx *Context, code int32)
	InstrumentFunc        func(ins Instruction)
	RoutineInstrumentFunc func(rtn Routine)
	FiniFunc              func(code int32)
)

// Engine is the registration surface of the instrumentation engine.
type Engine interface {
	AddThreadStartFunction(fn ThreadStartFunc)
	AddThreadFiniFunction(fn ThreadFiniFunc)
	AddInstrumentFunction(fn InstrumentFunc)
	AddRoutineInstrumentFunction(fn RoutineInstrumentFunc)
	AddFiniFunction(fn FiniFunc)
	// ExitProcess terminates the traced process. It does not return to the caller.
	ExitProcess(code int32)
}
