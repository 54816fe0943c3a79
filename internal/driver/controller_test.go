package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"tools.zach/dev/ozwdaemon/internal/logger"
)

// ///////////////////////////////////////////////
// Test Helpers
// ///////////////////////////////////////////////

// fakeDriver records lifecycle calls and hands its ready callback back to
// the test.
type fakeDriver struct {
	mu       sync.Mutex
	starts   int
	stops    int
	cfg      Config
	ready    func(bool)
	startErr error
	stopErr  error
	// readyOnStop makes Stop report ready(false), as a real driver does when
	// it is stopped mid-initialization.
	readyOnStop bool
}

func (f *fakeDriver) Start(_ context.Context, cfg Config, ready func(bool)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.cfg = cfg
	f.ready = ready
	return f.startErr
}

func (f *fakeDriver) Stop() error {
	f.mu.Lock()
	f.stops++
	ready := f.ready
	f.mu.Unlock()
	if f.readyOnStop && ready != nil {
		ready(false)
	}
	return f.stopErr
}

func (f *fakeDriver) report(ok bool) {
	f.mu.Lock()
	ready := f.ready
	f.mu.Unlock()
	ready(ok)
}

func (f *fakeDriver) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// newTestController returns a controller whose factory always yields drv
// and counts how often it was called.
func newTestController(drv *fakeDriver, opts ...Option) (*Controller, *atomic.Int32) {
	var built atomic.Int32
	factory := func() Driver {
		built.Add(1)
		return drv
	}
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	return NewController(factory, opts...), &built
}

type staticDiscoverer struct {
	port string
	err  error
}

func (d staticDiscoverer) Discover() (string, error) { return d.port, d.err }

var testConfig = Config{SerialPort: "/dev/ttyACM0", ConfigPath: "/cfg", UserPath: "/user"}

// ///////////////////////////////////////////////
// Start
// ///////////////////////////////////////////////

func TestStart_ReadyTransition(t *testing.T) {
	drv := &fakeDriver{}
	c, _ := newTestController(drv)

	var got []bool
	if err := c.Start(context.Background(), testConfig, func(ok bool) { got = append(got, ok) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != Starting {
		t.Fatalf("state after Start = %s, want starting", c.State())
	}
	if drv.cfg != testConfig {
		t.Errorf("driver got config %+v, want %+v", drv.cfg, testConfig)
	}

	drv.report(true)
	if c.State() != Ready {
		t.Errorf("state after ready = %s, want ready", c.State())
	}
	if len(got) != 1 || !got[0] {
		t.Errorf("onReady calls = %v, want [true]", got)
	}
	if c.Port() != "/dev/ttyACM0" {
		t.Errorf("Port() = %q", c.Port())
	}
}

func TestStart_NotReadyRecordsInitErr(t *testing.T) {
	drv := &fakeDriver{}
	c, _ := newTestController(drv)

	var got []bool
	_ = c.Start(context.Background(), testConfig, func(ok bool) { got = append(got, ok) })
	drv.report(false)

	if c.State() != Starting {
		t.Errorf("state after not-ready = %s, want starting until Stop", c.State())
	}
	if !errors.Is(c.InitErr(), ErrInit) {
		t.Errorf("InitErr() = %v, want ErrInit", c.InitErr())
	}
	if len(got) != 1 || got[0] {
		t.Errorf("onReady calls = %v, want [false]", got)
	}
}

func TestStart_ReadyDeliveredOnce(t *testing.T) {
	drv := &fakeDriver{}
	c, _ := newTestController(drv)

	calls := 0
	_ = c.Start(context.Background(), testConfig, func(bool) { calls++ })
	drv.report(true)
	drv.report(false)
	drv.report(true)

	if calls != 1 {
		t.Errorf("onReady called %d times, want 1", calls)
	}
	if c.State() != Ready {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestStart_TwiceConstructsOneDriver(t *testing.T) {
	drv := &fakeDriver{}
	c, built := newTestController(drv)

	if err := c.Start(context.Background(), testConfig, nil); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := c.Start(context.Background(), testConfig, nil)
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}

	drv.report(true)
	err = c.Start(context.Background(), testConfig, nil)
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start while ready err = %v, want ErrAlreadyStarted", err)
	}
	if built.Load() != 1 {
		t.Errorf("factory called %d times, want 1", built.Load())
	}
	if starts, _ := drv.counts(); starts != 1 {
		t.Errorf("driver started %d times, want 1", starts)
	}
}

func TestStart_EmptyPortWithoutDiscovery(t *testing.T) {
	drv := &fakeDriver{}
	c, built := newTestController(drv)

	called := false
	err := c.Start(context.Background(), Config{ConfigPath: "/cfg", UserPath: "/user"}, func(bool) { called = true })
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if built.Load() != 0 {
		t.Error("driver constructed despite configuration error")
	}
	if called {
		t.Error("onReady called despite configuration error")
	}
	if c.State() != Uninitialized {
		t.Errorf("state = %s, want uninitialized", c.State())
	}
}

func TestStart_EmptyPortUsesDiscovery(t *testing.T) {
	drv := &fakeDriver{}
	c, _ := newTestController(drv, WithDiscoverer(staticDiscoverer{port: "/dev/serial/by-id/usb-zwave"}))

	if err := c.Start(context.Background(), Config{ConfigPath: "/cfg"}, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if drv.cfg.SerialPort != "/dev/serial/by-id/usb-zwave" {
		t.Errorf("driver port = %q, want discovered port", drv.cfg.SerialPort)
	}
	if c.Port() != "/dev/serial/by-id/usb-zwave" {
		t.Errorf("Port() = %q", c.Port())
	}
}

func TestStart_DiscoveryFailure(t *testing.T) {
	drv := &fakeDriver{}
	notFound := errors.New("no ports")
	c, built := newTestController(drv, WithDiscoverer(staticDiscoverer{err: notFound}))

	err := c.Start(context.Background(), Config{}, nil)
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, notFound) {
		t.Errorf("err = %v, want ErrConfiguration wrapping discovery error", err)
	}
	if built.Load() != 0 {
		t.Error("driver constructed despite discovery failure")
	}
}

func TestStart_DriverStartError(t *testing.T) {
	openErr := errors.New("open /dev/ttyACM0: no such file")
	drv := &fakeDriver{startErr: openErr}
	c, _ := newTestController(drv)

	err := c.Start(context.Background(), testConfig, nil)
	if !errors.Is(err, ErrInit) || !errors.Is(err, openErr) {
		t.Fatalf("err = %v, want ErrInit wrapping driver error", err)
	}
	if c.State() != Stopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
	if _, stops := drv.counts(); stops != 1 {
		t.Errorf("driver released %d times, want 1", stops)
	}
	if !errors.Is(c.InitErr(), ErrInit) {
		t.Errorf("InitErr() = %v", c.InitErr())
	}
}

func TestStart_AfterStop(t *testing.T) {
	c, built := newTestController(&fakeDriver{})
	_ = c.Stop()

	if err := c.Start(context.Background(), testConfig, nil); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
	if built.Load() != 0 {
		t.Error("driver constructed after Stop")
	}
}

// ///////////////////////////////////////////////
// Stop
// ///////////////////////////////////////////////

func TestStop_ReleasesOnce(t *testing.T) {
	drv := &fakeDriver{}
	c, _ := newTestController(drv)
	_ = c.Start(context.Background(), testConfig, nil)
	drv.report(true)

	for i := 0; i < 3; i++ {
		if err := c.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if _, stops := drv.counts(); stops != 1 {
		t.Errorf("driver released %d times, want 1", stops)
	}
	if c.State() != Stopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

func TestStop_ConcurrentCallersReleaseOnce(t *testing.T) {
	drv := &fakeDriver{}
	c, _ := newTestController(drv)
	_ = c.Start(context.Background(), testConfig, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Stop()
		}()
	}
	wg.Wait()

	if _, stops := drv.counts(); stops != 1 {
		t.Errorf("driver released %d times, want 1", stops)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	c, built := newTestController(&fakeDriver{})

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != Stopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
	if built.Load() != 0 {
		t.Error("Stop constructed a driver")
	}
}

func TestStop_LateReadyIsDropped(t *testing.T) {
	drv := &fakeDriver{}
	c, _ := newTestController(drv)

	calls := 0
	_ = c.Start(context.Background(), testConfig, func(bool) { calls++ })
	_ = c.Stop()
	drv.report(true)

	if calls != 0 {
		t.Errorf("onReady called %d times after Stop, want 0", calls)
	}
	if c.State() != Stopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

func TestStop_ReadyReportedDuringRelease(t *testing.T) {
	drv := &fakeDriver{readyOnStop: true}
	c, _ := newTestController(drv)

	calls := 0
	_ = c.Start(context.Background(), testConfig, func(bool) { calls++ })
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if calls != 0 {
		t.Errorf("onReady called %d times during release, want 0", calls)
	}
	if c.State() != Stopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

func TestStop_ReleaseError(t *testing.T) {
	closeErr := errors.New("close: bad file descriptor")
	drv := &fakeDriver{stopErr: closeErr}
	c, _ := newTestController(drv)
	_ = c.Start(context.Background(), testConfig, nil)

	if err := c.Stop(); !errors.Is(err, closeErr) {
		t.Errorf("err = %v, want wrapped release error", err)
	}
	if c.State() != Stopped {
		t.Errorf("state = %s, want stopped even on release error", c.State())
	}
}

// ///////////////////////////////////////////////
// Poster and Exec
// ///////////////////////////////////////////////

func TestPoster_ReadyRunsOnPoster(t *testing.T) {
	drv := &fakeDriver{}
	var queued []func()
	post := func(fn func()) bool {
		queued = append(queued, fn)
		return true
	}
	c, _ := newTestController(drv, WithPoster(post))

	_ = c.Start(context.Background(), testConfig, nil)
	drv.report(true)

	if c.State() != Starting {
		t.Fatalf("ready applied before the poster ran: state %s", c.State())
	}
	if len(queued) != 1 {
		t.Fatalf("posted %d callbacks, want 1", len(queued))
	}
	queued[0]()
	if c.State() != Ready {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestExec(t *testing.T) {
	drv := &fakeDriver{}
	c, _ := newTestController(drv)

	ran := false
	run := func(Driver) error { ran = true; return nil }

	if err := c.Exec(run); !errors.Is(err, ErrNotReady) {
		t.Errorf("Exec before start err = %v, want ErrNotReady", err)
	}
	_ = c.Start(context.Background(), testConfig, nil)
	if err := c.Exec(run); !errors.Is(err, ErrNotReady) {
		t.Errorf("Exec while starting err = %v, want ErrNotReady", err)
	}
	drv.report(true)
	if err := c.Exec(run); err != nil || !ran {
		t.Errorf("Exec while ready: err=%v ran=%v", err, ran)
	}
	_ = c.Stop()
	if err := c.Exec(run); !errors.Is(err, ErrNotReady) {
		t.Errorf("Exec after stop err = %v, want ErrNotReady", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Uninitialized, "uninitialized"},
		{Starting, "starting"},
		{Ready, "ready"},
		{ShuttingDown, "shutting_down"},
		{Stopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestStart_DriverConfigurationErrorKeepsClass(t *testing.T) {
	drv := &fakeDriver{startErr: fmt.Errorf("%w: config path /missing does not exist", ErrConfiguration)}
	c, _ := newTestController(drv)

	err := c.Start(context.Background(), testConfig, nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if errors.Is(err, ErrInit) {
		t.Errorf("configuration error reclassified as init error: %v", err)
	}
	if c.State() != Stopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}
