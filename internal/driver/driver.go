// Package driver owns the lifecycle of the controller driver: it starts the
// driver asynchronously, gates on its one-shot readiness report, and stops
// it exactly once however many shutdown paths ask.
package driver

import (
	"context"
	"errors"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrConfiguration reports missing or invalid configuration, such as an
	// empty serial port with no discovery available. It is returned before
	// any driver is constructed.
	ErrConfiguration = errors.New("invalid driver configuration")
	// ErrInit reports that the driver failed to initialize against the
	// hardware. It is not retried.
	ErrInit = errors.New("driver initialization failed")
	// ErrAlreadyStarted is returned by Start when a driver already exists.
	ErrAlreadyStarted = errors.New("driver already started")
	// ErrStopped is returned by Start once the controller has been stopped.
	ErrStopped = errors.New("driver stopped")
	// ErrNotReady is returned by Exec outside the Ready state.
	ErrNotReady = errors.New("driver not ready")
)

// ///////////////////////////////////////////////
// Config
// ///////////////////////////////////////////////

// Config is the driver's startup configuration.
type Config struct {
	// SerialPort is the controller's device path. Empty asks for discovery.
	SerialPort string
	// ConfigPath is the directory holding the driver's static device
	// database.
	ConfigPath string
	// UserPath is the directory for the driver's runtime data.
	UserPath string
}

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Driver is the hardware controller driver being supervised.
type Driver interface {
	// Start begins initialization and returns without waiting for the
	// hardware. ready must be called exactly once with the outcome, from
	// any goroutine, including when Stop races with initialization.
	Start(ctx context.Context, cfg Config, ready func(ok bool)) error
	// Stop releases the hardware and session resources. It may be called
	// before initialization completes.
	Stop() error
}

// Factory constructs a Driver. The controller calls it only once the
// configuration has been validated.
type Factory func() Driver

// Discoverer finds a controller port when none is configured.
type Discoverer interface {
	Discover() (string, error)
}

// ///////////////////////////////////////////////
// State
// ///////////////////////////////////////////////

// State is the lifecycle state of the supervised driver.
type State int32

const (
	Uninitialized State = iota
	Starting
	Ready
	ShuttingDown
	Stopped
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Starting:      "starting",
	Ready:         "ready",
	ShuttingDown:  "shutting_down",
	Stopped:       "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
