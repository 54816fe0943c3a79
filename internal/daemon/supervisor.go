// Package daemon implements the supervisor that ties the controller driver's
// lifecycle to process termination.
//
// A Supervisor starts the driver, gates its Serving state on the driver's
// readiness report, and turns termination signals (via the self-pipe relay)
// or application-level quit requests into an orderly shutdown on the event
// loop. Only one Supervisor may exist per process because the signal relay
// is process-wide.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"tools.zach/dev/ozwdaemon/internal/driver"
	"tools.zach/dev/ozwdaemon/internal/eventloop"
	"tools.zach/dev/ozwdaemon/internal/sigrelay"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrConfigLocked is returned by the config setters once the driver has
	// been started.
	ErrConfigLocked = errors.New("configuration locked after start")
	// ErrShuttingDown is returned for requests made after quit was
	// requested.
	ErrShuttingDown = errors.New("daemon shutting down")
)

// ///////////////////////////////////////////////
// State
// ///////////////////////////////////////////////

// State is the supervisor's lifecycle state.
type State int32

const (
	Created State = iota
	Starting
	Serving
	Terminating
	Terminated
)

var stateNames = [...]string{
	Created:     "created",
	Starting:    "starting",
	Serving:     "serving",
	Terminating: "terminating",
	Terminated:  "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ///////////////////////////////////////////////
// Options
// ///////////////////////////////////////////////

// DefaultSignals are the termination signals relayed when Options.Signals
// is empty.
var DefaultSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Options configures a Supervisor.
type Options struct {
	// Loop is the event loop every transition runs on. Required.
	Loop *eventloop.Loop
	// NewDriver constructs the driver. Required.
	NewDriver driver.Factory
	// Discoverer resolves an empty serial port. Nil disables discovery.
	Discoverer driver.Discoverer
	// Signals are relayed as termination requests. Defaults to
	// DefaultSignals.
	Signals []os.Signal
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ///////////////////////////////////////////////
// Supervisor
// ///////////////////////////////////////////////

// Supervisor owns the driver lifecycle controller and the signal relay.
type Supervisor struct {
	loop *eventloop.Loop
	log  *slog.Logger
	ctrl *driver.Controller

	ch       *sigrelay.Channel
	relay    *sigrelay.Relay
	notifier *sigrelay.Notifier

	// mu protects the fields below. Transitions run on the loop goroutine;
	// the lock is for readers elsewhere.
	mu            sync.Mutex
	cfg           driver.Config
	state         State
	quitRequested bool
	exitCode      int
	watchers      []func(from, to State)

	closeOnce sync.Once
	closeErr  error
}

// New creates a Supervisor in the Created state. It installs the signal
// relay, so a failure here wraps [sigrelay.ErrInstall] and is fatal to
// startup. Close must be called once the loop has finished.
func New(cfg driver.Config, opts Options) (*Supervisor, error) {
	if opts.Loop == nil {
		return nil, errors.New("daemon: event loop is required")
	}
	if opts.NewDriver == nil {
		return nil, errors.New("daemon: driver factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Signals) == 0 {
		opts.Signals = DefaultSignals
	}

	s := &Supervisor{
		loop: opts.Loop,
		log:  opts.Logger,
		cfg:  cfg,
	}
	ctrlOpts := []driver.Option{
		driver.WithPoster(opts.Loop.Post),
		driver.WithLogger(opts.Logger.With("component", "driver")),
	}
	if opts.Discoverer != nil {
		ctrlOpts = append(ctrlOpts, driver.WithDiscoverer(opts.Discoverer))
	}
	s.ctrl = driver.NewController(opts.NewDriver, ctrlOpts...)

	ch, err := sigrelay.NewChannel()
	if err != nil {
		return nil, fmt.Errorf("create signal channel: %w", err)
	}
	relay, err := sigrelay.Install(ch, opts.Signals...)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("install signal relay: %w", err)
	}
	notifier, err := sigrelay.NewNotifier(ch, opts.Loop.Post, s.HandleShutdownRequest)
	if err != nil {
		relay.Close()
		ch.Close()
		return nil, fmt.Errorf("watch signal channel: %w", err)
	}
	s.ch, s.relay, s.notifier = ch, relay, notifier

	opts.Loop.OnAboutToQuit(s.AboutToQuit)
	s.log.Debug("signal relay installed", "signals", fmt.Sprint(relay.Signals()))
	return s, nil
}

// ///////////////////////////////////////////////
// Configuration
// ///////////////////////////////////////////////

// SetSerialPort sets the controller port. Empty selects discovery.
func (s *Supervisor) SetSerialPort(port string) error {
	return s.setConfig(func(c *driver.Config) { c.SerialPort = port })
}

// SetConfigPath sets the driver's device database directory.
func (s *Supervisor) SetConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: config path is empty", driver.ErrConfiguration)
	}
	return s.setConfig(func(c *driver.Config) { c.ConfigPath = path })
}

// SetUserPath sets the driver's runtime data directory.
func (s *Supervisor) SetUserPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: user path is empty", driver.ErrConfiguration)
	}
	return s.setConfig(func(c *driver.Config) { c.UserPath = path })
}

func (s *Supervisor) setConfig(apply func(*driver.Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Created {
		return fmt.Errorf("%w: state %s", ErrConfigLocked, s.state)
	}
	apply(&s.cfg)
	return nil
}

// Config returns a copy of the current configuration.
func (s *Supervisor) Config() driver.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ///////////////////////////////////////////////
// Lifecycle
// ///////////////////////////////////////////////

// StartDriver starts the driver. It must run on the loop goroutine, and only
// does anything from Created. A configuration error is fatal: the machine
// goes from Created straight to Terminating, the exit status becomes 1 and
// the loop is asked to exit. A driver that fails to start shuts the daemon
// down with status 0.
func (s *Supervisor) StartDriver(ctx context.Context) error {
	s.mu.Lock()
	if s.quitRequested {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if s.state != Created {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: supervisor %s", driver.ErrAlreadyStarted, state)
	}
	cfg := s.cfg
	s.mu.Unlock()

	// The readiness report is posted, so it cannot run before Starting.
	err := s.ctrl.Start(ctx, cfg, s.onReady)
	switch {
	case err == nil:
		s.transition(Starting)
		return nil
	case errors.Is(err, driver.ErrConfiguration):
		s.log.Error("driver configuration rejected", "error", err)
		s.terminate(1)
	default:
		s.log.Error("driver failed to start", "error", err)
		s.transition(Starting)
		s.terminate(0)
	}
	return err
}

// onReady receives the driver's single readiness report on the loop.
func (s *Supervisor) onReady(ready bool) {
	if st := s.State(); st != Starting {
		s.log.Debug("ignoring readiness report", "ready", ready, "state", st)
		return
	}
	if ready {
		s.transition(Serving)
		s.log.Info("daemon serving", "port", s.ctrl.Port())
		return
	}
	s.log.Error("driver not ready, shutting down", "error", s.ctrl.InitErr())
	s.terminate(0)
}

// HandleShutdownRequest stops the driver and asks the loop to exit with the
// current exit status. It runs on the loop and is idempotent: the notifier
// may deliver it once per signal burst.
func (s *Supervisor) HandleShutdownRequest() {
	if s.State() == Terminated {
		return
	}
	s.log.Info("shutdown requested", "state", s.State())
	s.terminate(0)
}

// RequestShutdown asks for a shutdown from any goroutine. It reports false
// when the loop has already finished.
func (s *Supervisor) RequestShutdown() bool {
	return s.loop.Post(s.HandleShutdownRequest)
}

// AboutToQuit runs as the loop's about-to-quit hook. It releases the driver
// in case the loop exited without a shutdown request, such as on context
// cancellation.
func (s *Supervisor) AboutToQuit() {
	s.mu.Lock()
	s.quitRequested = true
	done := s.state == Terminated
	s.mu.Unlock()

	if !done {
		s.transition(Terminating)
	}
	if err := s.ctrl.Stop(); err != nil {
		s.log.Warn("driver release failed during exit", "error", err)
	}
	if !done {
		s.transition(Terminated)
	}
}

// terminate drives the machine through Terminating to Terminated and
// requests loop exit. The first non-zero code recorded wins.
func (s *Supervisor) terminate(code int) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.quitRequested = true
	if s.exitCode == 0 {
		s.exitCode = code
	}
	terminating := s.state != Terminating
	s.mu.Unlock()

	if terminating {
		s.transition(Terminating)
	}
	if err := s.ctrl.Stop(); err != nil {
		s.log.Warn("driver release failed", "error", err)
	}
	s.transition(Terminated)
	s.loop.Exit(s.ExitCode())
}

// transition sets the state and notifies watchers outside the lock.
func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	watchers := s.watchers
	s.mu.Unlock()

	s.log.Debug("state changed", "from", from, "to", to)
	for _, w := range watchers {
		w(from, to)
	}
}

// Close tears down the relay, notifier and channel, in that order. It is
// idempotent.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.relay.Close(), s.notifier.Close(), s.ch.Close())
	})
	return s.closeErr
}

// ///////////////////////////////////////////////
// Accessors
// ///////////////////////////////////////////////

// Exec runs fn against the driver while serving.
func (s *Supervisor) Exec(fn func(driver.Driver) error) error {
	s.mu.Lock()
	quit := s.quitRequested
	s.mu.Unlock()
	if quit {
		return ErrShuttingDown
	}
	return s.ctrl.Exec(fn)
}

// OnStateChange registers fn to be called after each transition, on the
// goroutine that made it.
func (s *Supervisor) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the status the process should exit with.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Controller exposes the driver lifecycle controller.
func (s *Supervisor) Controller() *driver.Controller {
	return s.ctrl
}
