package eventloop

import (
	"context"
	"sync"
	"time"
)

// Timer is a single-shot timer whose callback runs on the loop.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// callback was still pending.
	Stop() bool
}

// Runtime is what the session components need from the loop: ordered
// execution, single-shot timers and a way to run blocking work off-loop.
type Runtime interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Go(fn func())
}

// Loop executes posted functions one at a time, in order, on a single
// goroutine. State owned by code running on the loop needs no locking.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a Loop. Call Run to start consuming.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post appends fn to the queue. Posting to a closed loop is a no-op.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs fn on its own goroutine. Run waits for these before returning.
func (l *Loop) Go(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// AfterFunc schedules fn to be posted after d. A timer stopped from the loop
// never runs fn, even if it already expired and is waiting in the queue.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// Run drains the queue until ctx is done, then closes the loop and waits for
// goroutines started with Go.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		l.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped bool // loop goroutine only
	fired   bool // loop goroutine only
}

func (t *loopTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}
