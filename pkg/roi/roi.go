// Package roi marks regions of interest in a program traced by roitracer.
//
// Wrap the code to trace with Begin and End on the same goroutine, locked to
// its OS thread so the tracer sees one thread for the whole region:
//
//	runtime.LockOSThread()
//	defer runtime.UnlockOSThread()
//	roi.Begin()
//	work()
//	roi.End()
//
// The calls are compiled in only with the pinroi build tag; otherwise Begin
// and End are empty and cost nothing.
package roi

// Symbol names the tracer matches to find the markers. Go qualifies them
// with the package path, which the default substring matching accepts.
const (
	BeginSymbol = "__begin_pin_roi"
	EndSymbol   = "__end_pin_roi"
)

// markerArg gives the markers a little real work so they stay cheap but are
// not trivially foldable.
const markerArg = "pin.roi"

// The markers must stay real, out-of-line calls: the tracer hooks the
// routine itself. Only the name matters.

//go:noinline
func __begin_pin_roi(s string, beg, end *int) string {
	return scanDots(s, beg, end)
}

//go:noinline
func __end_pin_roi(s string, beg, end *int) string {
	return scanDots(s, beg, end)
}

// scanDots stores the positions of the first and last '.' of s, or -1.
func scanDots(s string, beg, end *int) string {
	*beg, *end = -1, -1
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			if *beg < 0 {
				*beg = i
			}
			*end = i
		}
	}
	return s
}
