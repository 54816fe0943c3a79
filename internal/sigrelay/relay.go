// Package sigrelay turns OS termination signals into event-loop callbacks
// using the self-pipe trick.
//
// A [Relay] receives the process-wide signal disposition and, for each
// delivered signal, does exactly one thing: write a single byte to the write
// end of a [Channel]. A [Notifier] owns the read end, drains it without
// blocking, and posts the shutdown callback onto the event loop. The byte
// write happening before the read is the only synchronisation between the
// two sides.
//
// Teardown order is Relay, then Notifier, then Channel.
package sigrelay

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrInstall is wrapped by every failure to set up the relay. Startup treats
// it as fatal.
var ErrInstall = errors.New("signal relay install failed")

// ///////////////////////////////////////////////
// Relay
// ///////////////////////////////////////////////

// active is the installed relay. The signal disposition is process-wide, so
// only one relay (and therefore one supervisor) may exist per process.
var (
	installMu sync.Mutex
	active    *Relay
)

// Relay forwards delivered signals to a Channel.
type Relay struct {
	// ch receives one wake byte per delivered signal.
	ch *Channel
	// signals are the dispositions this relay installed.
	signals []os.Signal
	// sigs is the runtime's delivery channel. Buffered to 1: a burst that
	// arrives while a wake byte is being written coalesces.
	sigs chan os.Signal
	// done stops the forwarding goroutine.
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Install registers the process-wide disposition for sigs and starts
// forwarding them to ch. It fails with [ErrInstall] when sigs is empty, ch
// is nil, or another relay is already installed.
func Install(ch *Channel, sigs ...os.Signal) (*Relay, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInstall)
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("%w: no signals given", ErrInstall)
	}

	installMu.Lock()
	defer installMu.Unlock()
	if active != nil {
		return nil, fmt.Errorf("%w: a relay is already installed in this process", ErrInstall)
	}

	r := &Relay{
		ch:      ch,
		signals: append([]os.Signal(nil), sigs...),
		sigs:    make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
	signal.Notify(r.sigs, r.signals...)
	r.wg.Add(1)
	go r.forward()
	active = r
	return r, nil
}

// forward is the restricted context: per signal it writes the wake byte and
// nothing else. No logging, no allocation, no locks.
func (r *Relay) forward() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-r.sigs:
			r.ch.wake()
		}
	}
}

// Signals returns the signals this relay handles.
func (r *Relay) Signals() []os.Signal {
	return append([]os.Signal(nil), r.signals...)
}

// Close restores the default disposition, stops forwarding and frees the
// process-wide slot. It is idempotent.
func (r *Relay) Close() error {
	r.once.Do(func() {
		signal.Stop(r.sigs)
		close(r.done)
		r.wg.Wait()

		installMu.Lock()
		if active == r {
			active = nil
		}
		installMu.Unlock()
	})
	return nil
}
