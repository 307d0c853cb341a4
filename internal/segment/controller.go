// Package segment decides when narrated text becomes a new scene.
//
// The Controller watches the authoritative transcript and keeps a cursor of
// how much of it has already been illustrated. Like the transcript
// accumulator it is confined to one event loop: Observe, Segment, Reset and
// Restore must be called there, and illustration results are posted back.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lukasbauer/storyreel/internal/eventloop"
	"github.com/lukasbauer/storyreel/internal/illustrate"
)

var (
	// ErrTooShort rejects a manual trigger with almost nothing pending.
	ErrTooShort = errors.New("segment: pending narration too short")
	// ErrInFlight rejects a manual trigger while a round is outstanding.
	ErrInFlight = errors.New("segment: segmentation already in flight")
)

const (
	DefaultWordThreshold  = 25
	DefaultPauseDelay     = 3000 * time.Millisecond
	DefaultMinPauseGrowth = 10
	minManualLength       = 3
)

// Illustrator is satisfied by *illustrate.Requester.
type Illustrator interface {
	Illustrate(ctx context.Context, text string) (illustrate.Result, error)
}

// Config tunes the triggering law. Zero values take the defaults.
type Config struct {
	WordThreshold  int
	PauseDelay     time.Duration
	MinPauseGrowth int // characters the text must grow past the cursor before a pause triggers
}

// Trigger names what started a round.
type Trigger string

const (
	TriggerWords  Trigger = "words"
	TriggerPause  Trigger = "pause"
	TriggerManual Trigger = "manual"
)

// Controller owns the segmentation cursor. All lengths are in runes.
type Controller struct {
	ctx         context.Context
	rt          eventloop.Runtime
	illustrator Illustrator
	logger      *log.Logger
	cfg         Config

	text       string
	textLen    int
	processed  int
	inFlight   bool
	epoch      int // bumped by Reset so outstanding rounds are discarded
	pauseTimer eventloop.Timer

	onDispatch func(text string, trigger Trigger)
	onScene    func(illustrate.Result)
	onError    func(error)
}

func New(ctx context.Context, rt eventloop.Runtime, illustrator Illustrator, cfg Config, logger *log.Logger) *Controller {
	if cfg.WordThreshold <= 0 {
		cfg.WordThreshold = DefaultWordThreshold
	}
	if cfg.PauseDelay <= 0 {
		cfg.PauseDelay = DefaultPauseDelay
	}
	if cfg.MinPauseGrowth <= 0 {
		cfg.MinPauseGrowth = DefaultMinPauseGrowth
	}
	return &Controller{
		ctx:         ctx,
		rt:          rt,
		illustrator: illustrator,
		logger:      logger,
		cfg:         cfg,
	}
}

// OnDispatch registers the handler told when a round starts.
func (c *Controller) OnDispatch(fn func(text string, trigger Trigger)) { c.onDispatch = fn }

// OnScene registers the single scene-ready handler.
func (c *Controller) OnScene(fn func(illustrate.Result)) { c.onScene = fn }

// OnError registers the handler for failed rounds.
func (c *Controller) OnError(fn func(error)) { c.onError = fn }

// Processed returns the cursor.
func (c *Controller) Processed() int { return c.processed }

// InFlight reports whether a round is outstanding.
func (c *Controller) InFlight() bool { return c.inFlight }

// Pending returns the narration past the cursor.
func (c *Controller) Pending() string { return runeSuffix(c.text, c.processed) }

// Observe evaluates the triggering law against a new authoritative text.
func (c *Controller) Observe(text string) {
	c.text = text
	c.textLen = utf8.RuneCountInString(text)

	if c.textLen < c.processed {
		c.processed = c.textLen
		c.cancelPause()
		return
	}

	pending := c.Pending()
	if !c.inFlight && WordCount(pending) >= c.cfg.WordThreshold {
		c.dispatch(pending, TriggerWords)
		return
	}
	c.armPause()
}

// Segment asks for a round now, bypassing the automatic triggers.
func (c *Controller) Segment() error {
	pending := c.Pending()
	if utf8.RuneCountInString(strings.TrimSpace(pending)) <= minManualLength {
		return ErrTooShort
	}
	if c.inFlight {
		return ErrInFlight
	}
	c.dispatch(pending, TriggerManual)
	return nil
}

// Reset forgets the cursor, the pause timer and any outstanding round.
func (c *Controller) Reset() {
	c.epoch++
	c.cancelPause()
	c.text = ""
	c.textLen = 0
	c.processed = 0
	c.inFlight = false
}

// Restore seeds the cursor for a resumed story.
func (c *Controller) Restore(text string, processed int) {
	c.text = text
	c.textLen = utf8.RuneCountInString(text)
	c.processed = min(max(processed, 0), c.textLen)
}

func (c *Controller) armPause() {
	c.cancelPause()
	c.pauseTimer = c.rt.AfterFunc(c.cfg.PauseDelay, func() {
		c.pauseTimer = nil
		c.onPause()
	})
}

func (c *Controller) cancelPause() {
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
}

// onPause reads the current text, not the text seen when the timer was armed.
func (c *Controller) onPause() {
	if c.inFlight || c.textLen <= c.processed+c.cfg.MinPauseGrowth {
		return
	}
	pending := c.Pending()
	if strings.TrimSpace(pending) == "" {
		return
	}
	c.dispatch(pending, TriggerPause)
}

func (c *Controller) dispatch(pending string, trigger Trigger) {
	if strings.TrimSpace(pending) == "" {
		return
	}
	c.inFlight = true
	c.cancelPause()

	epoch := c.epoch
	length := utf8.RuneCountInString(pending)
	c.logger.Printf("segment: dispatching %d chars (%s)", length, trigger)
	if c.onDispatch != nil {
		c.onDispatch(pending, trigger)
	}

	c.rt.Go(func() {
		res, err := c.request(pending)
		c.rt.Post(func() { c.complete(epoch, length, res, err) })
	})
}

// request runs off the loop. A panicking illustrator fails the round.
func (c *Controller) request(pending string) (res illustrate.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("segment: illustrator panic: %v", r)
		}
	}()
	return c.illustrator.Illustrate(c.ctx, pending)
}

func (c *Controller) complete(epoch, length int, res illustrate.Result, err error) {
	if epoch != c.epoch {
		return
	}
	defer func() {
		c.inFlight = false
		if err == nil && epoch == c.epoch {
			c.afterCommit()
		}
	}()

	if err != nil {
		c.logger.Printf("segment: illustration failed, cursor stays at %d: %v", c.processed, err)
		if c.onError != nil {
			c.onError(err)
		}
		return
	}

	c.processed = min(c.processed+length, c.textLen)
	if c.onScene != nil {
		c.onScene(res)
	}
}

// afterCommit evaluates narration that arrived while the round was out. A
// full word threshold dispatches at once; anything less waits for a pause.
func (c *Controller) afterCommit() {
	pending := c.Pending()
	switch {
	case WordCount(pending) >= c.cfg.WordThreshold:
		c.dispatch(pending, TriggerWords)
	case strings.TrimSpace(pending) != "":
		c.armPause()
	}
}

// WordCount counts whitespace-delimited non-empty tokens.
func WordCount(s string) int { return len(strings.Fields(s)) }

func runeSuffix(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[pos:]
		}
		i++
	}
	return ""
}
