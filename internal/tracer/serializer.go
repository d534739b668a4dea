package tracer

import (
	"fmt"
	"strconv"

	"roitracer/internal/engine"
)

// Format names a trace record layout.
type Format string

const (
	// FormatInstruction writes one record per executed instruction with its
	// opcode, register ids and memory addresses.
	FormatInstruction Format = "instruction"
	// FormatEvent writes the distance between memory-touching instructions
	// followed by one line per memory access.
	FormatEvent Format = "event"
)

// Serializer renders trace records onto a thread's stream.
type Serializer interface {
	Format() Format
	// BeginRoi writes the sentinel marking the start of a region.
	BeginRoi(st *ThreadState)
	// EndRoi writes the sentinel marking the end of a region.
	EndRoi(st *ThreadState)
	// Instruction handles one executed instruction inside a region.
	Instruction(st *ThreadState, p *plan, ex *engine.Execution)
}

// NewSerializer returns the serializer for f.
func NewSerializer(f Format) (Serializer, error) {
	switch f {
	case FormatInstruction:
		return instructionFormat{}, nil
	case FormatEvent:
		return eventFormat{}, nil
	default:
		return nil, fmt.Errorf("unknown trace format %q", f)
	}
}

// plan is what the recorder learns about an instruction at instrumentation
// time, so the analysis call does no operand decoding.
type plan struct {
	opcode    uint32
	regReads  []uint32
	regWrites []uint32
	memReads  []int // indexes into Execution
	memWrites []int
	memAll    []int
	header    []byte // "\n<opcode>;"
}

func compilePlan(ins engine.Instruction) *plan {
	p := &plan{opcode: ins.Opcode()}
	for _, op := range ins.Operands() {
		if op.Kind != engine.OperandReg {
			continue
		}
		if op.Read {
			p.regReads = append(p.regReads, op.Reg)
		}
		if op.Written {
			p.regWrites = append(p.regWrites, op.Reg)
		}
	}
	for i, m := range ins.MemoryOperands() {
		if m.Read {
			p.memReads = append(p.memReads, i)
		}
		if m.Written {
			p.memWrites = append(p.memWrites, i)
		}
		if m.Read || m.Written {
			p.memAll = append(p.memAll, i)
		}
	}
	p.header = append([]byte{'\n'}, strconv.FormatUint(uint64(p.opcode), 10)...)
	p.header = append(p.header, ';')
	return p
}

// touchesMemory reports whether any memory operand was accessed in ex.
func (p *plan) touchesMemory(ex *engine.Execution) bool {
	for _, i := range p.memAll {
		if ex.Accessed(i) {
			return true
		}
	}
	return false
}
