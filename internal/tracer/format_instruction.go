package tracer

import (
	"strconv"

	"roitracer/internal/engine"
)

var (
	instructionBegin = []byte("\nBeginRoi")
	instructionEnd   = []byte("\nEndRoi")
)

// instructionFormat writes, per instruction:
//
//	\n<opcode>;<read EA hex> ...;<read reg> ...;<written reg> ...;<write EA hex> ...;
//
// Each list item is followed by a single space. Addresses have no 0x prefix.
type instructionFormat struct{}

func (instructionFormat) Format() Format { return FormatInstruction }

func (instructionFormat) BeginRoi(st *ThreadState) { st.emit(instructionBegin) }

func (instructionFormat) EndRoi(st *ThreadState) { st.emit(instructionEnd) }

func (instructionFormat) Instruction(st *ThreadState, p *plan, ex *engine.Execution) {
	b := append(st.scratch[:0], p.header...)
	b = appendAddrs(b, p.memReads, ex)
	b = appendRegs(b, p.regReads)
	b = appendRegs(b, p.regWrites)
	b = appendAddrs(b, p.memWrites, ex)
	st.scratch = b
	st.emitRecord(b)
}

func appendAddrs(b []byte, idx []int, ex *engine.Execution) []byte {
	for _, i := range idx {
		if ex.Accessed(i) {
			b = strconv.AppendUint(b, ex.Address(i), 16)
			b = append(b, ' ')
		}
	}
	return append(b, ';')
}

func appendRegs(b []byte, regs []uint32) []byte {
	for _, r := range regs {
		b = strconv.AppendUint(b, uint64(r), 10)
		b = append(b, ' ')
	}
	return append(b, ';')
}
