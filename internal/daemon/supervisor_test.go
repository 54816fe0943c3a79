//go:build unix

package daemon

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"tools.zach/dev/ozwdaemon/internal/driver"
	"tools.zach/dev/ozwdaemon/internal/eventloop"
	"tools.zach/dev/ozwdaemon/internal/logger"
	"tools.zach/dev/ozwdaemon/internal/sigrelay"
)

// ///////////////////////////////////////////////
// Test Helpers
// ///////////////////////////////////////////////

type fakeDriver struct {
	mu       sync.Mutex
	stops    int
	ready    func(bool)
	startErr error
}

func (f *fakeDriver) Start(_ context.Context, _ driver.Config, ready func(bool)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
	return f.startErr
}

func (f *fakeDriver) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeDriver) report(ok bool) {
	f.mu.Lock()
	ready := f.ready
	f.mu.Unlock()
	ready(ok)
}

func (f *fakeDriver) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// harness runs a Supervisor on a live event loop. SIGUSR1 stands in for the
// termination signals so a test never sends SIGTERM to itself.
type harness struct {
	loop  *eventloop.Loop
	sup   *Supervisor
	drv   *fakeDriver
	built atomic.Int32
	done  chan int

	mu     sync.Mutex
	states []State
}

var testConfig = driver.Config{SerialPort: "/dev/ttyUSB0", ConfigPath: "/cfg", UserPath: "/user"}

func newHarness(t *testing.T, cfg driver.Config) *harness {
	t.Helper()
	h := &harness{loop: eventloop.New(), drv: &fakeDriver{}, done: make(chan int, 1)}
	sup, err := New(cfg, Options{
		Loop: h.loop,
		NewDriver: func() driver.Driver {
			h.built.Add(1)
			return h.drv
		},
		Signals: []os.Signal{syscall.SIGUSR1},
		Logger:  logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sup = sup
	sup.OnStateChange(func(_, to State) {
		h.mu.Lock()
		h.states = append(h.states, to)
		h.mu.Unlock()
	})
	t.Cleanup(func() { sup.Close() })
	t.Cleanup(func() { h.loop.Exit(0) })
	return h
}

func (h *harness) run(ctx context.Context) {
	go func() { h.done <- h.loop.Run(ctx) }()
}

// onLoop runs fn on the loop goroutine and waits for it.
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if !h.loop.Post(func() { fn(); close(done) }) {
		t.Fatal("loop already finished")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the loop")
	}
}

// sync waits until everything posted so far has run.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	h.onLoop(t, func() {})
}

func (h *harness) wait(t *testing.T) int {
	t.Helper()
	select {
	case code := <-h.done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the loop to exit")
		return -1
	}
}

func (h *harness) sawState(s State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		if st == s {
			return true
		}
	}
	return false
}

func (h *harness) statesSeen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.states)
}

func (h *harness) startDriver(t *testing.T) {
	t.Helper()
	var err error
	h.onLoop(t, func() { err = h.sup.StartDriver(context.Background()) })
	if err != nil {
		t.Fatalf("StartDriver: %v", err)
	}
}

func sendSignal(t *testing.T) {
	t.Helper()
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}
}

// ///////////////////////////////////////////////
// Startup
// ///////////////////////////////////////////////

func TestStartDriver_ReadyServes(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())

	h.startDriver(t)
	if h.sup.State() != Starting {
		t.Fatalf("state = %s, want starting", h.sup.State())
	}
	h.drv.report(true)
	h.sync(t)

	if h.sup.State() != Serving {
		t.Errorf("state = %s, want serving", h.sup.State())
	}
	if h.built.Load() != 1 {
		t.Errorf("drivers built = %d, want 1", h.built.Load())
	}
}

func TestStartDriver_EmptyPortIsFatal(t *testing.T) {
	h := newHarness(t, driver.Config{ConfigPath: "/cfg", UserPath: "/user"})
	h.run(context.Background())

	var err error
	h.loop.Post(func() { err = h.sup.StartDriver(context.Background()) })
	code := h.wait(t)

	if !errors.Is(err, driver.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if h.built.Load() != 0 {
		t.Error("driver constructed despite configuration error")
	}
	if got, want := h.statesSeen(), []State{Terminating, Terminated}; !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if h.sup.State() != Terminated {
		t.Errorf("state = %s, want terminated", h.sup.State())
	}
}

func TestStartDriver_DriverStartFailure(t *testing.T) {
	h := newHarness(t, testConfig)
	h.drv.startErr = errors.New("open /dev/ttyUSB0: no such device")
	h.run(context.Background())

	var err error
	h.loop.Post(func() { err = h.sup.StartDriver(context.Background()) })
	code := h.wait(t)

	if !errors.Is(err, driver.ErrInit) {
		t.Errorf("err = %v, want ErrInit", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if got, want := h.statesSeen(), []State{Starting, Terminating, Terminated}; !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestStartDriver_SecondCallRejected(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.startDriver(t)

	var err error
	h.onLoop(t, func() { err = h.sup.StartDriver(context.Background()) })
	if !errors.Is(err, driver.ErrAlreadyStarted) {
		t.Errorf("err while starting = %v, want ErrAlreadyStarted", err)
	}

	h.drv.report(true)
	h.sync(t)
	h.onLoop(t, func() { err = h.sup.StartDriver(context.Background()) })
	if !errors.Is(err, driver.ErrAlreadyStarted) {
		t.Errorf("err while serving = %v, want ErrAlreadyStarted", err)
	}
	if h.built.Load() != 1 {
		t.Errorf("drivers built = %d, want 1", h.built.Load())
	}
}

func TestStartDriver_AfterShutdown(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.onLoop(t, h.sup.HandleShutdownRequest)
	h.wait(t)

	if err := h.sup.StartDriver(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
	if h.built.Load() != 0 {
		t.Error("driver constructed after shutdown")
	}
}

func TestNotReady_NeverServes(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.startDriver(t)

	h.drv.report(false)
	code := h.wait(t)

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if h.sawState(Serving) {
		t.Error("observed serving after a failed readiness report")
	}
	if h.sup.State() != Terminated {
		t.Errorf("state = %s, want terminated", h.sup.State())
	}
	if h.drv.stopCount() != 1 {
		t.Errorf("driver released %d times, want 1", h.drv.stopCount())
	}
}

// ///////////////////////////////////////////////
// Configuration
// ///////////////////////////////////////////////

func TestSetters_LockedAfterStart(t *testing.T) {
	h := newHarness(t, driver.Config{})
	h.run(context.Background())

	if err := h.sup.SetSerialPort("/dev/ttyACM1"); err != nil {
		t.Fatalf("SetSerialPort: %v", err)
	}
	if err := h.sup.SetConfigPath("/usr/share/openzwave/config"); err != nil {
		t.Fatalf("SetConfigPath: %v", err)
	}
	if err := h.sup.SetUserPath("/var/lib/ozw"); err != nil {
		t.Fatalf("SetUserPath: %v", err)
	}
	if err := h.sup.SetUserPath(""); !errors.Is(err, driver.ErrConfiguration) {
		t.Errorf("empty user path err = %v, want ErrConfiguration", err)
	}

	h.startDriver(t)

	want := driver.Config{SerialPort: "/dev/ttyACM1", ConfigPath: "/usr/share/openzwave/config", UserPath: "/var/lib/ozw"}
	if h.sup.Config() != want {
		t.Errorf("Config() = %+v, want %+v", h.sup.Config(), want)
	}
	for name, set := range map[string]func(string) error{
		"serial": h.sup.SetSerialPort,
		"config": h.sup.SetConfigPath,
		"user":   h.sup.SetUserPath,
	} {
		if err := set("/other"); !errors.Is(err, ErrConfigLocked) {
			t.Errorf("%s setter after start err = %v, want ErrConfigLocked", name, err)
		}
	}
}

// ///////////////////////////////////////////////
// Shutdown
// ///////////////////////////////////////////////

func TestShutdownBeforeReady(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.startDriver(t)

	sendSignal(t)
	code := h.wait(t)

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if h.sup.State() != Terminated {
		t.Errorf("state = %s, want terminated", h.sup.State())
	}
	if h.drv.stopCount() != 1 {
		t.Errorf("driver released %d times, want 1", h.drv.stopCount())
	}

	// The deferred readiness report lands after the loop is gone.
	h.drv.report(true)
	if h.sawState(Serving) {
		t.Error("observed serving after shutdown")
	}
}

func TestShutdownBeforeReady_ReportQueuedBehindShutdown(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.startDriver(t)

	// The readiness callback is queued in the same loop turn that shuts
	// down, so it arrives after the driver was stopped.
	h.loop.Post(func() {
		h.drv.report(true)
		h.sup.HandleShutdownRequest()
	})
	h.wait(t)

	if h.sawState(Serving) {
		t.Error("late readiness moved a terminated supervisor to serving")
	}
	if h.sup.State() != Terminated {
		t.Errorf("state = %s, want terminated", h.sup.State())
	}
	if h.drv.stopCount() != 1 {
		t.Errorf("driver released %d times, want 1", h.drv.stopCount())
	}
}

func TestRepeatedSignalsStopOnce(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.startDriver(t)
	h.drv.report(true)
	h.sync(t)
	if h.sup.State() != Serving {
		t.Fatalf("state = %s, want serving", h.sup.State())
	}

	sendSignal(t)
	sendSignal(t)
	code := h.wait(t)

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if h.drv.stopCount() != 1 {
		t.Errorf("driver released %d times, want 1", h.drv.stopCount())
	}
	if h.sup.State() != Terminated {
		t.Errorf("state = %s, want terminated", h.sup.State())
	}
}

func TestSignalBeforeLoopRuns(t *testing.T) {
	h := newHarness(t, testConfig)
	sendSignal(t)
	h.run(context.Background())

	if code := h.wait(t); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if h.sup.State() != Terminated {
		t.Errorf("state = %s, want terminated", h.sup.State())
	}
}

func TestHandleShutdownRequest_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.startDriver(t)

	h.onLoop(t, func() {
		h.sup.HandleShutdownRequest()
		h.sup.HandleShutdownRequest()
		h.sup.AboutToQuit()
	})
	h.wait(t)

	if h.drv.stopCount() != 1 {
		t.Errorf("driver released %d times, want 1", h.drv.stopCount())
	}
}

func TestRequestShutdown_FromOtherGoroutine(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.startDriver(t)
	h.drv.report(true)

	go h.sup.RequestShutdown()
	h.wait(t)

	if h.sup.State() != Terminated {
		t.Errorf("state = %s, want terminated", h.sup.State())
	}
	if h.sup.RequestShutdown() {
		t.Error("RequestShutdown accepted after the loop finished")
	}
}

func TestContextCancelReleasesDriver(t *testing.T) {
	h := newHarness(t, testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)
	h.startDriver(t)
	h.drv.report(true)
	h.sync(t)

	cancel()
	if code := h.wait(t); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if h.drv.stopCount() != 1 {
		t.Errorf("driver released %d times, want 1", h.drv.stopCount())
	}
	want := []State{Starting, Serving, Terminating, Terminated}
	if got := h.statesSeen(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

// ///////////////////////////////////////////////
// Exec and Setup
// ///////////////////////////////////////////////

func TestExec(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(context.Background())
	h.startDriver(t)

	noop := func(driver.Driver) error { return nil }
	if err := h.sup.Exec(noop); !errors.Is(err, driver.ErrNotReady) {
		t.Errorf("Exec while starting err = %v, want ErrNotReady", err)
	}
	h.drv.report(true)
	h.sync(t)
	if err := h.sup.Exec(noop); err != nil {
		t.Errorf("Exec while serving: %v", err)
	}
	h.onLoop(t, h.sup.HandleShutdownRequest)
	h.wait(t)
	if err := h.sup.Exec(noop); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Exec after shutdown err = %v, want ErrShuttingDown", err)
	}
}

func TestNew_SecondSupervisorRejected(t *testing.T) {
	newHarness(t, testConfig)

	_, err := New(testConfig, Options{
		Loop:      eventloop.New(),
		NewDriver: func() driver.Driver { return &fakeDriver{} },
		Signals:   []os.Signal{syscall.SIGUSR1},
		Logger:    logger.Discard(),
	})
	if !errors.Is(err, sigrelay.ErrInstall) {
		t.Errorf("err = %v, want ErrInstall", err)
	}
}

func TestNew_LogsRelayedSignals(t *testing.T) {
	var buf bytes.Buffer
	sup, err := New(testConfig, Options{
		Loop:      eventloop.New(),
		NewDriver: func() driver.Driver { return &fakeDriver{} },
		Signals:   []os.Signal{syscall.SIGUSR1},
		Logger:    slog.New(logger.NewHandler(&buf, logger.LevelDebug)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sup.Close()

	if want := syscall.SIGUSR1.String(); !strings.Contains(buf.String(), want) {
		t.Errorf("log %q does not name %q", buf.String(), want)
	}
}

func TestNew_RequiresLoopAndFactory(t *testing.T) {
	if _, err := New(testConfig, Options{NewDriver: func() driver.Driver { return &fakeDriver{} }}); err == nil {
		t.Error("New without a loop succeeded")
	}
	if _, err := New(testConfig, Options{Loop: eventloop.New()}); err == nil {
		t.Error("New without a driver factory succeeded")
	}
}

func TestClose_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig)
	if err := h.sup.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.sup.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Created:     "created",
		Starting:    "starting",
		Serving:     "serving",
		Terminating: "terminating",
		Terminated:  "terminated",
		State(-1):   "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
