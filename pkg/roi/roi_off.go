//go:build !pinroi

package roi

// Enabled reports whether marker calls are compiled in.
const Enabled = false

// Begin starts a region of interest on the calling thread.
func Begin() {}

// End ends the region of interest on the calling thread.
func End() {}
