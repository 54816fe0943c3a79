//go:build !windows

package main

import (
	"os"
	"syscall"
)

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// shutdownSignals are the signals that end the daemon. SIGHUP is included
// so closing the controlling terminal of a foreground run stops the driver
// cleanly.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
