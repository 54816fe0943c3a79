//go:build unix

package sigrelay

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ///////////////////////////////////////////////
// Notifier
// ///////////////////////////////////////////////

// Notifier watches the read end of a Channel and posts a callback onto the
// event loop each time it drains pending wake bytes.
type Notifier struct {
	ch   *Channel
	rc   syscall.RawConn
	post func(func()) bool
	fn   func()

	done chan struct{}
}

// NewNotifier starts watching ch. Each time wake bytes are drained, fn is
// handed to post (normally the event loop's Post) exactly once, however many
// bytes were pending. fn therefore runs at least once per signal burst and
// must be idempotent.
func NewNotifier(ch *Channel, post func(func()) bool, fn func()) (*Notifier, error) {
	rc, err := ch.r.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("%w: watch read end: %w", ErrInstall, err)
	}
	n := &Notifier{
		ch:   ch,
		rc:   rc,
		post: post,
		fn:   fn,
		done: make(chan struct{}),
	}
	go n.watch()
	return n, nil
}

// watch parks on the poller until the read end is readable, drains it, and
// posts fn. It exits when the read end is closed.
func (n *Notifier) watch() {
	defer close(n.done)

	var buf [64]byte
	for {
		drained := 0
		var readErr error
		err := n.rc.Read(func(fd uintptr) bool {
			for {
				m, err := unix.Read(int(fd), buf[:])
				switch {
				case err == unix.EINTR:
					continue
				case err == unix.EAGAIN:
					// Returning false parks on the poller until readable.
					return drained > 0
				case err != nil:
					readErr = err
					return true
				case m == 0:
					readErr = errors.New("write end closed")
					return true
				}
				drained += m
			}
		})
		if drained > 0 {
			n.post(n.fn)
		}
		if err != nil || readErr != nil {
			return
		}
	}
}

// Close stops watching and closes the read end. It is idempotent.
func (n *Notifier) Close() error {
	// Closing the file wakes the goroutine parked in RawConn.Read.
	_ = n.ch.r.Close()
	<-n.done
	return nil
}
