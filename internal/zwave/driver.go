// Package zwave is the controller driver: it opens the Z-Wave controller's
// serial port, proves the controller answers with a Serial API version
// handshake, and then keeps the link acknowledged until stopped.
//
// Only the link layer lives here. Network topology, command classes and
// device handling are out of scope.
package zwave

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"tools.zach/dev/ozwdaemon/internal/driver"
	"tools.zach/dev/ozwdaemon/internal/logger"
)

// ///////////////////////////////////////////////
// Port
// ///////////////////////////////////////////////

// Port is an open serial link. *os.File from OpenSerial satisfies it, as
// does net.Conn.
type Port interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// DefaultHandshakeTimeout bounds the version handshake.
const DefaultHandshakeTimeout = 5 * time.Second

// Options configures a Driver.
type Options struct {
	// HandshakeTimeout bounds the wait for the controller's version
	// response. Defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// Open opens the serial port. Defaults to OpenSerial.
	Open func(path string) (Port, error)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Frames counts frames on the link. Nil disables counting.
	Frames FrameCounter
}

// FrameCounter receives one call per data frame sent or received.
// direction is "rx" or "tx"; result is "ok" or "checksum".
type FrameCounter interface {
	IncFrame(direction, result string)
}

type nopFrameCounter struct{}

func (nopFrameCounter) IncFrame(string, string) {}

func openSerialPort(path string) (Port, error) {
	f, err := OpenSerial(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ///////////////////////////////////////////////
// Driver
// ///////////////////////////////////////////////

// Driver implements driver.Driver for a Serial API controller.
type Driver struct {
	opts Options
	log  *slog.Logger

	// mu protects port, stopped and version.
	mu      sync.Mutex
	port    Port
	stopped bool
	version Version

	// wmu serializes writes to the port.
	wmu sync.Mutex

	wg       sync.WaitGroup
	stopOnce sync.Once
	// unwatch detaches the context watcher installed by Start.
	unwatch func() bool
}

var _ driver.Driver = (*Driver)(nil)

// New creates a Driver.
func New(opts Options) *Driver {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Open == nil {
		opts.Open = openSerialPort
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Frames == nil {
		opts.Frames = nopFrameCounter{}
	}
	return &Driver{opts: opts, log: opts.Logger}
}

// Start checks the directories in cfg and begins initialization in the
// background. ConfigPath must be an existing directory; UserPath is created
// if missing. Errors here wrap driver.ErrConfiguration and ready is not
// called. Otherwise ready is called exactly once, also when Stop or ctx
// cancellation interrupts initialization.
func (d *Driver) Start(ctx context.Context, cfg driver.Config, ready func(ok bool)) error {
	if err := checkDirs(cfg); err != nil {
		return err
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return errors.New("zwave driver already stopped")
	}
	d.unwatch = context.AfterFunc(ctx, d.closePort)
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(cfg.SerialPort, ready)
	return nil
}

func checkDirs(cfg driver.Config) error {
	if cfg.ConfigPath == "" {
		return fmt.Errorf("%w: config path is empty", driver.ErrConfiguration)
	}
	info, err := os.Stat(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("%w: config path: %w", driver.ErrConfiguration, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: config path %s is not a directory", driver.ErrConfiguration, cfg.ConfigPath)
	}
	if cfg.UserPath == "" {
		return fmt.Errorf("%w: user path is empty", driver.ErrConfiguration)
	}
	if err := os.MkdirAll(cfg.UserPath, 0o755); err != nil {
		return fmt.Errorf("%w: create user path: %w", driver.ErrConfiguration, err)
	}
	return nil
}

// run opens the port, performs the handshake, reports readiness and then
// serves the link until the port is closed.
func (d *Driver) run(path string, ready func(bool)) {
	defer d.wg.Done()

	port, err := d.opts.Open(path)
	if err != nil {
		d.log.Error("cannot open controller port", "port", path, "error", err)
		ready(false)
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		port.Close()
		ready(false)
		return
	}
	d.port = port
	d.mu.Unlock()

	br := bufio.NewReader(port)
	v, err := d.handshake(port, br)
	if err != nil {
		d.log.Error("controller handshake failed", "port", path, "error", err)
		ready(false)
		return
	}

	d.mu.Lock()
	d.version = v
	d.mu.Unlock()
	d.log.Info("controller answered", "port", path, "library", v.Library, "library_type", v.LibraryType)
	ready(true)

	d.serve(br)
}

// handshake resynchronises the link and asks the controller for its
// version.
func (d *Driver) handshake(port Port, br *bufio.Reader) (Version, error) {
	if err := port.SetReadDeadline(time.Now().Add(d.opts.HandshakeTimeout)); err != nil {
		return Version{}, fmt.Errorf("set handshake deadline: %w", err)
	}
	defer port.SetReadDeadline(time.Time{})

	if err := d.write([]byte{NAK}); err != nil {
		return Version{}, fmt.Errorf("resync: %w", err)
	}
	if err := d.send(Frame{Type: Request, Func: FuncGetVersion}); err != nil {
		return Version{}, fmt.Errorf("send version request: %w", err)
	}
	if err := d.awaitACK(br); err != nil {
		return Version{}, fmt.Errorf("version request: %w", err)
	}

	for {
		b, err := br.ReadByte()
		if err != nil {
			return Version{}, fmt.Errorf("read version response: %w", err)
		}
		if err := controlError(b); err != nil {
			return Version{}, fmt.Errorf("read version response: %w", err)
		}
		f, err := d.receive(br)
		if err != nil {
			return Version{}, fmt.Errorf("read version response: %w", err)
		}
		if f.Type == Response && f.Func == FuncGetVersion {
			return ParseVersion(f.Payload)
		}
	}
}

// awaitACK reads until the controller acknowledges the last frame.
// Unsolicited frames arriving first are acknowledged and skipped.
func (d *Driver) awaitACK(br *bufio.Reader) error {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("wait for ACK: %w", err)
		}
		switch b {
		case ACK:
			return nil
		case SOF:
			if _, err := d.receive(br); err != nil {
				return err
			}
		default:
			return controlError(b)
		}
	}
}

// receive decodes a frame body after SOF and answers it: ACK when valid,
// NAK on a checksum failure.
func (d *Driver) receive(br *bufio.Reader) (Frame, error) {
	f, err := decodeBody(br)
	if errors.Is(err, ErrChecksum) {
		d.opts.Frames.IncFrame("rx", "checksum")
		d.log.Warn("dropping corrupt frame", "error", err)
		if werr := d.write([]byte{NAK}); werr != nil {
			return Frame{}, werr
		}
		return Frame{}, err
	}
	if err != nil {
		return Frame{}, err
	}
	d.opts.Frames.IncFrame("rx", "ok")
	logger.Trace(d.log, "frame received", "frame", f.String())
	if err := d.write([]byte{ACK}); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// serve acknowledges unsolicited frames until the port is closed.
func (d *Driver) serve(br *bufio.Reader) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			if !d.isStopped() {
				d.log.Warn("serial link lost", "error", err)
			}
			return
		}
		if b != SOF {
			logger.Trace(d.log, "ignoring stray control byte", "byte", fmt.Sprintf("0x%02x", b))
			continue
		}
		if _, err := d.receive(br); err != nil && !errors.Is(err, ErrChecksum) && !errors.Is(err, ErrUnexpectedByte) {
			if !d.isStopped() {
				d.log.Warn("serial link lost", "error", err)
			}
			return
		}
	}
}

func (d *Driver) send(f Frame) error {
	frame, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := d.write(frame); err != nil {
		return err
	}
	d.opts.Frames.IncFrame("tx", "ok")
	logger.Trace(d.log, "frame sent", "frame", f.String())
	return nil
}

func (d *Driver) write(b []byte) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return os.ErrClosed
	}

	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := port.Write(b); err != nil {
		return fmt.Errorf("write serial: %w", err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Stop
// ///////////////////////////////////////////////

// Stop closes the port, which unblocks any pending I/O, and waits for the
// driver's goroutines. It is idempotent.
func (d *Driver) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		unwatch := d.unwatch
		d.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}
		err = d.closePortErr()
		d.wg.Wait()
	})
	return err
}

func (d *Driver) closePort() { _ = d.closePortErr() }

func (d *Driver) closePortErr() error {
	d.mu.Lock()
	d.stopped = true
	port := d.port
	d.port = nil
	d.mu.Unlock()
	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("close serial: %w", err)
	}
	return nil
}

func (d *Driver) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Version returns the controller version recorded by the handshake.
func (d *Driver) Version() Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}
