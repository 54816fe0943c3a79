//go:build unix

package sigrelay

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ///////////////////////////////////////////////
// Channel
// ///////////////////////////////////////////////

// wakeByte is the fixed value written per signal. Package-level so the
// relay never allocates.
var wakeByte = [1]byte{'T'}

// Channel is a connected AF_UNIX socket pair. The write end is a raw
// descriptor used only by the relay; the read end is an *os.File registered
// with the runtime poller and read only by the [Notifier].
type Channel struct {
	r *os.File
	w int

	closed atomic.Bool
	once   sync.Once
}

// NewChannel creates the socket pair with both ends non-blocking and
// close-on-exec.
func NewChannel() (*Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socketpair: %w", ErrInstall, err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("%w: set non-blocking: %w", ErrInstall, err)
		}
	}
	// A non-blocking descriptor is picked up by the runtime poller, which
	// is what lets the notifier wait without holding an OS thread.
	return &Channel{r: os.NewFile(uintptr(fds[0]), "sigrelay"), w: fds[1]}, nil
}

// wake writes the wake byte. EINTR is retried; EAGAIN means the buffer is
// full, so a wake-up is already pending and the byte can be dropped. Any
// other error has nowhere to go from the relay and is ignored.
func (c *Channel) wake() {
	if c.closed.Load() {
		return
	}
	for {
		_, err := unix.Write(c.w, wakeByte[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Close closes both ends. It is idempotent.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		if cerr := unix.Close(c.w); cerr != nil {
			err = fmt.Errorf("close write end: %w", cerr)
		}
		// The notifier may already have closed the read end.
		_ = c.r.Close()
	})
	return err
}
