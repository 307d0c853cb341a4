package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLoopRunsPostedInOrder(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	var got []int
	finished := make(chan struct{})
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() { close(finished) })

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}
	cancel()
	<-done

	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestLoopStoppedTimerNeverRuns(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var mu sync.Mutex
	ran := false
	stopped := make(chan struct{})
	l.Post(func() {
		tm := l.AfterFunc(10*time.Millisecond, func() {
			mu.Lock()
			ran = true
			mu.Unlock()
		})
		tm.Stop()
		close(stopped)
	})
	<-stopped
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Error("stopped timer callback ran")
	}
}

func TestLoopTimerFiresOnLoop(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{})
	l.Post(func() {
		l.AfterFunc(5*time.Millisecond, func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoopPostAfterCloseIsNoop(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx)

	l.Post(func() { t.Error("posted function ran after close") })
	if len(l.queue) != 0 {
		t.Errorf("queue length = %d, want 0", len(l.queue))
	}
}

func TestManualAdvanceFiresDueTimersOnly(t *testing.T) {
	m := NewManual()
	var fired []string
	m.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	b := m.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "b") })
	m.AfterFunc(300*time.Millisecond, func() { fired = append(fired, "c") })

	m.Advance(150 * time.Millisecond)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("fired = %v, want [a]", fired)
	}

	if !b.Stop() {
		t.Error("Stop() on pending timer = false, want true")
	}
	m.Advance(time.Second)
	if len(fired) != 2 || fired[1] != "c" {
		t.Fatalf("fired = %v, want [a c]", fired)
	}
	if m.PendingTimers() != 0 {
		t.Errorf("PendingTimers() = %d, want 0", m.PendingTimers())
	}
}
