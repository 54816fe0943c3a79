package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ///////////////////////////////////////////////
// Options
// ///////////////////////////////////////////////

// Option configures a Controller.
type Option func(*Controller)

// WithDiscoverer enables port discovery for an empty SerialPort.
func WithDiscoverer(d Discoverer) Option {
	return func(c *Controller) { c.discover = d }
}

// WithPoster sets the function used to run readiness callbacks on the event
// loop. Without it, callbacks run on whichever goroutine the driver used.
func WithPoster(post func(func()) bool) Option {
	return func(c *Controller) { c.post = post }
}

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// ///////////////////////////////////////////////
// Controller
// ///////////////////////////////////////////////

// Controller owns one Driver instance and its lifecycle state.
type Controller struct {
	newDriver Factory
	discover  Discoverer
	post      func(func()) bool
	log       *slog.Logger

	// mu protects everything below. Transitions normally all happen on the
	// event loop, but State may be read from anywhere.
	mu      sync.Mutex
	state   State
	drv     Driver
	port    string
	initErr error
}

// NewController creates a Controller that builds its driver with newDriver.
func NewController(newDriver Factory, opts ...Option) *Controller {
	c := &Controller{
		newDriver: newDriver,
		post:      func(fn func()) bool { fn(); return true },
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start validates cfg, constructs the driver and starts it. It returns once
// the driver has been asked to start; onReady is called later, on the
// poster, with the readiness outcome. onReady is never called if Start
// returns an error.
func (c *Controller) Start(ctx context.Context, cfg Config, onReady func(ok bool)) error {
	c.mu.Lock()
	switch c.state {
	case Uninitialized:
	case ShuttingDown, Stopped:
		c.mu.Unlock()
		return ErrStopped
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, state)
	}

	if cfg.SerialPort == "" {
		if c.discover == nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: serial port is empty and discovery is disabled", ErrConfiguration)
		}
		port, err := c.discover.Discover()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: discover serial port: %w", ErrConfiguration, err)
		}
		c.log.Info("discovered controller port", "port", port)
		cfg.SerialPort = port
	}

	drv := c.newDriver()
	c.drv = drv
	c.port = cfg.SerialPort
	c.state = Starting
	c.mu.Unlock()

	c.log.Info("starting driver", "port", cfg.SerialPort, "config_path", cfg.ConfigPath, "user_path", cfg.UserPath)

	var once sync.Once
	ready := func(ok bool) {
		once.Do(func() {
			c.post(func() { c.handleReady(drv, ok, onReady) })
		})
	}
	if err := drv.Start(ctx, cfg, ready); err != nil {
		// Configuration problems the driver detects itself (a missing
		// config directory, say) keep their classification.
		if !errors.Is(err, ErrConfiguration) {
			err = fmt.Errorf("%w: %w", ErrInit, err)
		}
		c.mu.Lock()
		c.initErr = err
		c.mu.Unlock()
		_ = c.Stop()
		return err
	}
	return nil
}

// handleReady applies a readiness report. Reports for a driver that is no
// longer Starting (stopped, or replaced) are dropped.
func (c *Controller) handleReady(drv Driver, ok bool, onReady func(bool)) {
	c.mu.Lock()
	if c.drv != drv || c.state != Starting {
		state := c.state
		c.mu.Unlock()
		c.log.Debug("dropping late readiness report", "ready", ok, "state", state)
		return
	}
	if ok {
		c.state = Ready
	} else {
		c.initErr = fmt.Errorf("%w: driver reported not ready on %s", ErrInit, c.port)
	}
	port := c.port
	c.mu.Unlock()

	if ok {
		c.log.Info("driver ready", "port", port)
	} else {
		c.log.Error("driver failed to initialize", "port", port)
	}
	if onReady != nil {
		onReady(ok)
	}
}

// Stop releases the driver. It is a no-op when already stopping or stopped,
// and safe before Start or before the driver became ready. The driver's
// release runs at most once for the life of the Controller. There is no
// timeout: a driver that hangs on release hangs Stop.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case ShuttingDown, Stopped:
		c.mu.Unlock()
		return nil
	case Uninitialized:
		c.state = Stopped
		c.mu.Unlock()
		return nil
	}
	c.state = ShuttingDown
	drv, port := c.drv, c.port
	c.mu.Unlock()

	// The driver is released outside the lock; it may report readiness
	// while stopping, and that report is dropped as stale.
	c.log.Warn("releasing driver, shutdown waits for it without a timeout", "port", port)
	err := drv.Stop()

	c.mu.Lock()
	c.state = Stopped
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("driver release reported an error", "error", err)
		return fmt.Errorf("stop driver: %w", err)
	}
	c.log.Info("driver stopped")
	return nil
}

// Exec runs fn against the driver if it is Ready.
func (c *Controller) Exec(fn func(Driver) error) error {
	c.mu.Lock()
	if c.state != Ready {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	drv := c.drv
	c.mu.Unlock()
	return fn(drv)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Port returns the serial port the driver was started on, after discovery.
func (c *Controller) Port() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// InitErr returns the initialization failure reported by the driver, if
// any.
func (c *Controller) InitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initErr
}
