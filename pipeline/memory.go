package pipeline

import (
	"runtime"
	"runtime/debug"
)

// ReleaseHostMemory runs a collection and returns freed pages to the OS.
func ReleaseHostMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
