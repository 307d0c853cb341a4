package eventloop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Runtime for tests. Nothing runs until the test
// asks: Drain runs posted functions, RunAsync runs work queued by Go and
// Advance moves the fake clock, firing due timers. Post may be called from
// any goroutine; everything else belongs to the test goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	queue  []func()
	async  []func()
	timers []*manualTimer
	seq    int
	posted chan struct{}
}

// NewManual creates an idle manual runtime at t=0.
func NewManual() *Manual {
	return &Manual{posted: make(chan struct{}, 1)}
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.posted <- struct{}{}:
	default:
	}
}

func (m *Manual) Go(fn func()) {
	m.mu.Lock()
	m.async = append(m.async, fn)
	m.mu.Unlock()
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{due: m.now + d, fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Drain runs queued functions, including any they post, until the queue is empty.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// RunAsync runs every function handed to Go so far, then drains the queue.
func (m *Manual) RunAsync() {
	for {
		m.mu.Lock()
		if len(m.async) == 0 {
			m.mu.Unlock()
			break
		}
		fn := m.async[0]
		m.async = m.async[1:]
		m.mu.Unlock()
		fn()
	}
	m.Drain()
}

// AwaitPost blocks until something is posted from another goroutine or the
// timeout elapses. It reports whether the queue is non-empty.
func (m *Manual) AwaitPost(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		n := len(m.queue)
		m.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-m.posted:
		case <-deadline:
			return false
		}
	}
}

// PendingAsync reports how many Go functions have not run yet.
func (m *Manual) PendingAsync() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.async)
}

// PendingTimers reports how many timers are armed.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in due order and
// draining the queue after each.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
	for {
		due := m.dueTimers()
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			if t.stopped || t.fired {
				continue
			}
			t.fired = true
			t.fn()
			m.Drain()
		}
	}
}

func (m *Manual) dueTimers() []*manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*manualTimer
	kept := m.timers[:0]
	for _, t := range m.timers {
		if t.stopped || t.fired {
			continue
		}
		if t.due <= m.now {
			due = append(due, t)
			continue
		}
		kept = append(kept, t)
	}
	m.timers = kept
	sort.Slice(due, func(i, j int) bool {
		if due[i].due == due[j].due {
			return due[i].seq < due[j].seq
		}
		return due[i].due < due[j].due
	})
	return due
}

type manualTimer struct {
	due     time.Duration
	fn      func()
	seq     int
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
