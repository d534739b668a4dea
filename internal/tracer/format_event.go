package tracer

import (
	"strconv"

	"roitracer/internal/engine"
)

var (
	eventBegin = []byte("BeginRoi\n")
	eventEnd   = []byte("EndRoi\n")
)

// eventFormat only reports instructions that access memory:
//
//	instrCount:<n>
//	R:0x<read EA hex>
//	W:0x<write EA hex>
//
// n counts the instructions executed in the region since the previous report,
// this one included.
type eventFormat struct{}

func (eventFormat) Format() Format { return FormatEvent }

func (eventFormat) BeginRoi(st *ThreadState) { st.emit(eventBegin) }

func (eventFormat) EndRoi(st *ThreadState) { st.emit(eventEnd) }

func (eventFormat) Instruction(st *ThreadState, p *plan, ex *engine.Execution) {
	st.sinceMemAccess++
	if !p.touchesMemory(ex) {
		return
	}
	b := append(st.scratch[:0], "instrCount:"...)
	b = strconv.AppendUint(b, st.sinceMemAccess, 10)
	b = append(b, '\n')
	st.sinceMemAccess = 0
	b = appendAccesses(b, "R:0x", p.memReads, ex)
	b = appendAccesses(b, "W:0x", p.memWrites, ex)
	st.scratch = b
	st.emitRecord(b)
}

func appendAccesses(b []byte, prefix string, idx []int, ex *engine.Execution) []byte {
	for _, i := range idx {
		if ex.Accessed(i) {
			b = append(b, prefix...)
			b = strconv.AppendUint(b, ex.Address(i), 16)
			b = append(b, '\n')
		}
	}
	return b
}
