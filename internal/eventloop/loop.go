// Package eventloop provides the daemon's cooperative event loop.
//
// All application state transitions run on the goroutine that calls
// [Loop.Run]. Other goroutines hand work to it with [Loop.Post]. Exit is
// requested with [Loop.Exit]; once dispatching stops, the hooks registered
// with [Loop.OnAboutToQuit] run on the loop goroutine before Run returns.
package eventloop

import (
	"context"
	"sync"
)

// ///////////////////////////////////////////////
// Loop
// ///////////////////////////////////////////////

// Loop is a single-goroutine dispatcher. The zero value is not usable; call
// [New].
type Loop struct {
	// mu protects queue, hooks, finished and running.
	mu sync.Mutex
	// queue holds posted functions in FIFO order. It is unbounded so Post
	// never blocks, including when called from the loop goroutine itself.
	queue []func()
	// hooks are the about-to-quit callbacks in registration order.
	hooks []func()
	// finished is set once Run has stopped dispatching; later Posts are
	// rejected.
	finished bool
	// running guards against concurrent Run calls.
	running bool

	// wake is buffered to 1 so back-to-back Posts coalesce into one wake-up.
	wake chan struct{}
	// exit is closed by the first Exit call.
	exit     chan struct{}
	exitOnce sync.Once
	code     int
}

// New creates an idle Loop.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		exit: make(chan struct{}),
	}
}

// Post schedules fn to run on the loop goroutine. It is safe to call from any
// goroutine and never blocks. It reports false, dropping fn, once the loop
// has finished.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Exit requests a graceful exit with the given status. Only the first call
// sets the status; later calls are no-ops. Safe from any goroutine, and
// may be called before Run.
func (l *Loop) Exit(code int) {
	l.exitOnce.Do(func() {
		l.code = code
		close(l.exit)
	})
}

// Exiting returns a channel that is closed once exit has been requested.
func (l *Loop) Exiting() <-chan struct{} {
	return l.exit
}

// OnAboutToQuit registers fn to run after dispatching stops and before Run
// returns. Hooks run in registration order.
func (l *Loop) OnAboutToQuit(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Run dispatches posted functions until [Loop.Exit] is called or ctx is
// done (treated as Exit(0)), then runs the about-to-quit hooks and returns
// the exit status. Functions still queued when exit is requested are
// discarded. A Loop runs at most once; a second call returns -1.
func (l *Loop) Run(ctx context.Context) int {
	l.mu.Lock()
	if l.running || l.finished {
		l.mu.Unlock()
		return -1
	}
	l.running = true
	l.mu.Unlock()

	l.dispatch(ctx)

	l.mu.Lock()
	l.finished = true
	l.queue = nil
	hooks := l.hooks
	l.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	return l.code
}

// dispatch runs queued functions until exit is requested.
func (l *Loop) dispatch(ctx context.Context) {
	for {
		select {
		case <-l.exit:
			return
		case <-ctx.Done():
			l.Exit(0)
			return
		case <-l.wake:
		}

		for {
			// Exit requested by a dispatched function takes effect before
			// the next one runs.
			select {
			case <-l.exit:
				return
			default:
			}
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

// next pops the head of the queue.
func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}
