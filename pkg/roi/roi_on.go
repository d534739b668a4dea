//go:build pinroi

package roi

// Enabled reports whether marker calls are compiled in.
const Enabled = true

// Begin starts a region of interest on the calling thread.
func Begin() {
	var b, e int
	__begin_pin_roi(markerArg, &b, &e)
}

// End ends the region of interest on the calling thread.
func End() {
	var b, e int
	__end_pin_roi(markerArg, &b, &e)
}
