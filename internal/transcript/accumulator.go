// Package transcript merges live recognition results and manual edits into a
// single authoritative narration text.
//
// An Accumulator is not safe for concurrent use. Every method except
// StreamAudio must be called on the owning event loop; engine callbacks and
// timers are posted onto that same loop.
package transcript

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lukasbauer/storyreel/internal/eventloop"
	"github.com/lukasbauer/storyreel/internal/stt"
)

// ErrRecognizerUnavailable means no speech recognition engine is configured.
var ErrRecognizerUnavailable = errors.New("transcript: speech recognition unavailable")

const (
	DefaultRestartDelay = 300 * time.Millisecond
	DefaultEditDebounce = 800 * time.Millisecond
)

// Config tunes restart behaviour.
type Config struct {
	RestartDelay time.Duration // delay before reopening a session the engine ended
	EditDebounce time.Duration // delay before reopening after a manual edit
}

// Accumulator owns the transcript state and the recognition session lifecycle.
type Accumulator struct {
	ctx        context.Context
	rt         eventloop.Runtime
	recognizer stt.Recognizer
	logger     *log.Logger
	cfg        Config

	base    string
	session string
	interim string

	state        State
	shouldListen bool
	client       stt.Stream
	gen          int // bumped whenever the current session is replaced or aborted
	restartTimer eventloop.Timer
	tap          audioTap

	lastNotified string
	onChange     func(text string)
	onState      func(State)
	onError      func(error)
}

// New creates an Accumulator. A nil recognizer is a missing capability and
// is reported here rather than on every operation.
func New(ctx context.Context, rt eventloop.Runtime, recognizer stt.Recognizer, cfg Config, logger *log.Logger) (*Accumulator, error) {
	if recognizer == nil {
		return nil, ErrRecognizerUnavailable
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.EditDebounce <= 0 {
		cfg.EditDebounce = DefaultEditDebounce
	}
	return &Accumulator{
		ctx:        ctx,
		rt:         rt,
		recognizer: recognizer,
		logger:     logger,
		cfg:        cfg,
		state:      Idle,
	}, nil
}

// OnChange registers the single text-changed handler.
func (a *Accumulator) OnChange(fn func(text string)) { a.onChange = fn }

// OnStateChange registers the single lifecycle handler.
func (a *Accumulator) OnStateChange(fn func(State)) { a.onState = fn }

// OnError registers the handler for terminal session errors.
func (a *Accumulator) OnError(fn func(error)) { a.onError = fn }

// Text returns the current authoritative text.
func (a *Accumulator) Text() string { return a.Snapshot().Text() }

// Snapshot returns a copy of the transcript parts.
func (a *Accumulator) Snapshot() Snapshot {
	return Snapshot{Base: a.base, Session: a.session, Interim: a.interim}
}

// State returns the lifecycle state.
func (a *Accumulator) State() State { return a.state }

// WantsListening reports whether listening was requested and not yet stopped.
func (a *Accumulator) WantsListening() bool { return a.shouldListen }

// StartListening opens a recognition session, aborting any existing one first.
func (a *Accumulator) StartListening() {
	a.shouldListen = true
	a.cancelRestart()
	a.abortSession()
	a.openSession()
}

// StopListening ends the session and drops uncommitted speech. Base is kept.
func (a *Accumulator) StopListening() {
	a.shouldListen = false
	a.cancelRestart()
	a.abortSession()
	a.session = ""
	a.interim = ""
	a.setState(Stopped)
	a.notify()
}

// ManualEdit replaces the transcript with user-typed text. An active session
// is aborted and reopened after the edit debounce, re-armed on every edit.
func (a *Accumulator) ManualEdit(text string) {
	a.base = text
	a.session = ""
	a.interim = ""
	if a.shouldListen {
		a.abortSession()
		a.scheduleRestart(a.cfg.EditDebounce)
	}
	a.notify()
}

// Clear empties the transcript and stops listening.
func (a *Accumulator) Clear() {
	a.shouldListen = false
	a.cancelRestart()
	a.abortSession()
	a.base = ""
	a.session = ""
	a.interim = ""
	a.setState(Idle)
	a.notify()
}

// StreamAudio forwards an audio frame to the open session, if any. Unlike the
// other methods it may be called from the connection reader goroutine.
func (a *Accumulator) StreamAudio(frame []byte) error {
	return a.tap.write(a.ctx, frame)
}

// handleResult applies one recognition event: finals are baked into base,
// interim is replaced wholesale.
func (a *Accumulator) handleResult(finals []string, interim string) {
	for _, chunk := range finals {
		a.base = appendFinal(a.base, chunk)
		a.session = ""
	}
	a.interim = interim
	a.notify()
}

func (a *Accumulator) handleError(err error) {
	switch {
	case errors.Is(err, stt.ErrNoSpeech):
		a.logger.Printf("transcript: no speech detected, continuing")
	case errors.Is(err, stt.ErrPermissionDenied):
		a.logger.Printf("transcript: recognition permission denied, stopping")
		a.shouldListen = false
		a.cancelRestart()
		a.abortSession()
		a.interim = ""
		a.setState(Stopped)
		a.notify()
		if a.onError != nil {
			a.onError(err)
		}
	default:
		a.logger.Printf("transcript: recognition error: %v", err)
	}
}

// handleEnd runs when the engine ends the current session on its own.
func (a *Accumulator) handleEnd() {
	a.abortSession()

	// The engine ended mid-utterance without a final: keep what was heard.
	if strings.TrimSpace(a.session) != "" {
		a.base = appendFinal(a.base, a.session)
	}
	if strings.TrimSpace(a.interim) != "" {
		a.base = appendFinal(a.base, a.interim)
	}
	a.session = ""
	a.interim = ""
	a.notify()

	if a.shouldListen {
		a.scheduleRestart(a.cfg.RestartDelay)
		return
	}
	a.setState(Stopped)
}

func (a *Accumulator) openSession() {
	a.gen++
	gen := a.gen
	a.setState(Listening)

	a.rt.Go(func() {
		client, err := a.recognizer.Open(a.ctx)
		a.rt.Post(func() { a.sessionOpened(gen, client, err) })
	})
}

func (a *Accumulator) sessionOpened(gen int, client stt.Stream, err error) {
	if gen != a.gen || !a.shouldListen {
		if client != nil {
			a.rt.Go(func() { _ = client.Close() })
		}
		return
	}
	if err != nil {
		if errors.Is(err, stt.ErrPermissionDenied) {
			a.handleError(err)
			return
		}
		a.logger.Printf("transcript: failed to open session: %v", err)
		a.scheduleRestart(a.cfg.RestartDelay)
		return
	}

	a.client = client
	a.tap.set(client)
	a.logger.Printf("transcript: session %d listening", gen)
	go a.pump(gen, client)
}

// pump relays engine output for one session onto the loop. It runs on its
// own goroutine for the lifetime of the session.
func (a *Accumulator) pump(gen int, client stt.Stream) {
	post := func(fn func()) {
		a.rt.Post(func() {
			if gen == a.gen {
				fn()
			}
		})
	}
	relay := func(r stt.Result) {
		if r.IsFinal {
			post(func() { a.handleResult([]string{r.Text}, "") })
		} else {
			post(func() { a.handleResult(nil, r.Text) })
		}
	}

	results, errs := client.Results(), client.Errors()
	for {
		select {
		case r, ok := <-results:
			if !ok {
				post(a.handleEnd)
				return
			}
			relay(r)
		case err, ok := <-errs:
			// Results buffered ahead of the error still belong to the session.
			for drained := false; !drained; {
				select {
				case r, ok := <-results:
					if !ok {
						drained = true
						continue
					}
					relay(r)
				default:
					drained = true
				}
			}
			if ok {
				post(func() { a.handleError(err) })
			}
			post(a.handleEnd)
			return
		case <-a.ctx.Done():
			return
		}
	}
}

// abortSession closes the current session and invalidates its pending events.
func (a *Accumulator) abortSession() {
	a.gen++
	a.releaseSession()
}

func (a *Accumulator) releaseSession() {
	a.tap.set(nil)
	if a.client == nil {
		return
	}
	client := a.client
	a.client = nil
	a.rt.Go(func() { _ = client.Close() })
}

// scheduleRestart reopens the session after delay unless listening was
// stopped in the meantime. shouldListen is read when the timer fires.
func (a *Accumulator) scheduleRestart(delay time.Duration) {
	a.cancelRestart()
	a.setState(Restarting)
	a.restartTimer = a.rt.AfterFunc(delay, func() {
		a.restartTimer = nil
		if !a.shouldListen {
			a.setState(Stopped)
			return
		}
		a.openSession()
	})
}

func (a *Accumulator) cancelRestart() {
	if a.restartTimer != nil {
		a.restartTimer.Stop()
		a.restartTimer = nil
	}
}

func (a *Accumulator) setState(s State) {
	if s == a.state {
		return
	}
	if !canTransition(a.state, s) {
		a.logger.Printf("transcript: ignoring illegal transition %s -> %s", a.state, s)
		return
	}
	a.state = s
	if a.onState != nil {
		a.onState(s)
	}
}

func (a *Accumulator) notify() {
	text := a.Text()
	if text == a.lastNotified {
		return
	}
	a.lastNotified = text
	if a.onChange != nil {
		a.onChange(text)
	}
}

// audioTap is the only piece of Accumulator shared with other goroutines.
type audioTap struct {
	mu     sync.Mutex
	client stt.Stream
}

func (t *audioTap) set(c stt.Stream) {
	t.mu.Lock()
	t.client = c
	t.mu.Unlock()
}

func (t *audioTap) write(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Send(ctx, frame)
}
