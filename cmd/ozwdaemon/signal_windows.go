//go:build windows

package main

import "os"

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// shutdownSignals returns os.Interrupt only; Windows has no SIGTERM. The
// signal relay itself is unsupported here and startup reports it.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
