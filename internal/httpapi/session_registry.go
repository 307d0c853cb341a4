package httpapi

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lukasbauer/storyreel/internal/eventloop"
	"github.com/lukasbauer/storyreel/internal/story"
)

var (
	ErrDraining  = errors.New("httpapi: server is draining")
	ErrStoryBusy = errors.New("httpapi: story already has a narrator")
)

// liveSession is a connected narrator. post and stop may be called from any
// goroutine.
type liveSession struct {
	loop    eventloop.Runtime
	session *story.Session
	stop    func() // closes the websocket; the handler then flushes and exits
}

// SessionRegistry tracks connected narrators, at most one per story, and
// supports graceful draining. When draining, new narrators are rejected while
// connected ones are asked to close.
//
// The mu mutex makes the draining check and wg.Add atomic in Add, so no
// session can slip in between StartDraining and Wait.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	sessions map[string]*liveSession
	wg       sync.WaitGroup
	count    atomic.Int64
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*liveSession)}
}

// Add registers the narrator for storyID.
func (sr *SessionRegistry) Add(storyID string, ls *liveSession) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return ErrDraining
	}
	if _, ok := sr.sessions[storyID]; ok {
		return ErrStoryBusy
	}
	sr.sessions[storyID] = ls
	sr.wg.Add(1)
	sr.count.Add(1)
	return nil
}

// Done removes the narrator. Must be called exactly once per successful Add.
func (sr *SessionRegistry) Done(storyID string) {
	sr.mu.Lock()
	delete(sr.sessions, storyID)
	sr.mu.Unlock()
	sr.count.Add(-1)
	sr.wg.Done()
}

// Has reports whether someone is narrating storyID.
func (sr *SessionRegistry) Has(storyID string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	_, ok := sr.sessions[storyID]
	return ok
}

// Post runs fn on the live session's loop. It reports false when nobody is
// narrating storyID.
func (sr *SessionRegistry) Post(storyID string, fn func(*story.Session)) bool {
	sr.mu.Lock()
	ls, ok := sr.sessions[storyID]
	sr.mu.Unlock()
	if !ok {
		return false
	}
	ls.loop.Post(func() { fn(ls.session) })
	return true
}

// StartDraining rejects future narrators and closes the connected ones.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	sr.draining = true
	live := make([]*liveSession, 0, len(sr.sessions))
	for _, ls := range sr.sessions {
		live = append(live, ls)
	}
	sr.mu.Unlock()

	for _, ls := range live {
		if ls.stop != nil {
			ls.stop()
		}
	}
}

// IsDraining reports whether the registry is in draining mode.
func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// ActiveCount returns the number of connected narrators.
func (sr *SessionRegistry) ActiveCount() int64 {
	return sr.count.Load()
}

// Wait blocks until every narrator has flushed and disconnected.
func (sr *SessionRegistry) Wait() {
	sr.wg.Wait()
}
