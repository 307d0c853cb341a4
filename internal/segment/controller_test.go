package segment

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/lukasbauer/storyreel/internal/eventloop"
	"github.com/lukasbauer/storyreel/internal/illustrate"
)

const foxStory = "Once upon a time there was a little fox who loved to dance under the silver moonlight every single night without fail near the oak"

type illustratorFunc func(ctx context.Context, text string) (illustrate.Result, error)

func (f illustratorFunc) Illustrate(ctx context.Context, text string) (illustrate.Result, error) {
	return f(ctx, text)
}

type harness struct {
	c      *Controller
	rt     *eventloop.Manual
	calls  []string
	scenes []illustrate.Result
	errs   []error
	fail   error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{rt: eventloop.NewManual()}
	ill := illustratorFunc(func(_ context.Context, text string) (illustrate.Result, error) {
		h.calls = append(h.calls, text)
		if h.fail != nil {
			return illustrate.Result{}, h.fail
		}
		return illustrate.Result{Ref: "https://img.example/" + text, Narrative: strings.TrimSpace(text)}, nil
	})
	h.c = New(context.Background(), h.rt, ill, Config{}, log.New(io.Discard, "", 0))
	h.c.OnScene(func(r illustrate.Result) { h.scenes = append(h.scenes, r) })
	h.c.OnError(func(err error) { h.errs = append(h.errs, err) })
	return h
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = "word"
	}
	return strings.Join(w, " ")
}

func TestWordCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"fox", 1},
		{"  the   fox\tdanced\n", 3},
		{words(25), 25},
	}
	for _, tt := range tests {
		if got := WordCount(tt.in); got != tt.want {
			t.Errorf("WordCount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWordThresholdBoundary(t *testing.T) {
	h := newHarness(t)

	h.c.Observe(words(24))
	if h.rt.PendingAsync() != 0 || h.c.InFlight() {
		t.Fatal("24 words must not trigger")
	}

	h.c.Observe(words(25))
	if h.rt.PendingAsync() != 1 || !h.c.InFlight() {
		t.Fatal("25 words must trigger immediately")
	}
	h.rt.RunAsync()
	if len(h.calls) != 1 || h.calls[0] != words(25) {
		t.Errorf("calls = %q", h.calls)
	}
}

func TestShrinkClampsWithoutTrigger(t *testing.T) {
	h := newHarness(t)
	h.c.Restore(foxStory, 40)

	h.c.Observe("Once upon a time")
	if got := h.c.Processed(); got != 16 {
		t.Errorf("Processed() = %d, want 16", got)
	}
	if h.rt.PendingAsync() != 0 || h.rt.PendingTimers() != 0 {
		t.Error("shrink must not dispatch or arm the pause timer")
	}

	h.rt.Advance(DefaultPauseDelay)
	h.rt.RunAsync()
	if len(h.calls) != 0 {
		t.Errorf("calls = %q, want none", h.calls)
	}
}

func TestPauseTrigger(t *testing.T) {
	h := newHarness(t)
	text := "the fox ran into the forest and found a shiny stone"

	h.c.Observe(text)
	h.rt.Advance(DefaultPauseDelay - time.Millisecond)
	if h.c.InFlight() {
		t.Fatal("pause fired early")
	}

	h.rt.Advance(time.Millisecond)
	h.rt.RunAsync()
	if len(h.calls) != 1 || h.calls[0] != text {
		t.Fatalf("calls = %q", h.calls)
	}
	if got := h.c.Processed(); got != utf8.RuneCountInString(text) {
		t.Errorf("Processed() = %d", got)
	}
}

func TestPauseTimerResetsOnChange(t *testing.T) {
	h := newHarness(t)
	first := "the fox ran into the forest and found a shiny stone"
	second := first + " then it ran back home to show its mother the shiny stone"

	h.c.Observe(first)
	h.rt.Advance(2 * time.Second)
	h.c.Observe(second)
	h.rt.Advance(2 * time.Second)
	h.rt.RunAsync()
	if len(h.calls) != 0 {
		t.Fatalf("premature trigger: %q", h.calls)
	}

	h.rt.Advance(time.Second)
	h.rt.RunAsync()
	if len(h.calls) != 1 || h.calls[0] != second {
		t.Fatalf("calls = %q, want the full second text", h.calls)
	}
}

func TestPauseNeedsGrowth(t *testing.T) {
	h := newHarness(t)

	h.c.Observe("tiny fox")
	h.rt.Advance(DefaultPauseDelay)
	h.rt.RunAsync()
	if len(h.calls) != 0 {
		t.Errorf("calls = %q, want none for growth <= 10", h.calls)
	}
}

func TestWhitespaceNeverTriggers(t *testing.T) {
	h := newHarness(t)
	h.c.Restore("the fox", 7)

	h.c.Observe("the fox" + strings.Repeat(" ", 30))
	h.rt.Advance(DefaultPauseDelay)
	h.rt.RunAsync()
	if len(h.calls) != 0 {
		t.Errorf("calls = %q", h.calls)
	}
	if err := h.c.Segment(); !errors.Is(err, ErrTooShort) {
		t.Errorf("Segment() = %v, want ErrTooShort", err)
	}
}

func TestInFlightExclusivity(t *testing.T) {
	h := newHarness(t)

	h.c.Observe(words(25))
	h.c.Observe(words(60))
	if h.rt.PendingAsync() != 1 {
		t.Fatalf("PendingAsync() = %d, want 1", h.rt.PendingAsync())
	}
	if err := h.c.Segment(); !errors.Is(err, ErrInFlight) {
		t.Errorf("Segment() = %v, want ErrInFlight", err)
	}

	// The pause timer armed while in flight must not start a second round.
	h.rt.Advance(DefaultPauseDelay)
	if h.rt.PendingAsync() != 1 {
		t.Errorf("PendingAsync() = %d after pause, want 1", h.rt.PendingAsync())
	}
}

func TestCommitPreservesNarrationAddedInFlight(t *testing.T) {
	h := newHarness(t)
	extra := " and then the owl sang"

	h.c.Observe(foxStory)
	h.c.Observe(foxStory + extra)
	h.rt.RunAsync()

	if got, want := h.c.Processed(), utf8.RuneCountInString(foxStory); got != want {
		t.Errorf("Processed() = %d, want %d", got, want)
	}
	if got := h.c.Pending(); got != extra {
		t.Errorf("Pending() = %q, want %q", got, extra)
	}
	if h.c.InFlight() {
		t.Error("in-flight flag not released")
	}

	// The extra narration is picked up by the pause re-armed after commit.
	h.rt.Advance(DefaultPauseDelay)
	h.rt.RunAsync()
	if len(h.calls) != 2 || h.calls[1] != extra {
		t.Errorf("calls = %q", h.calls)
	}
}

func TestCommitDispatchesBacklogAtThreshold(t *testing.T) {
	h := newHarness(t)
	var triggers []Trigger
	h.c.OnDispatch(func(_ string, tr Trigger) { triggers = append(triggers, tr) })

	first := words(25)
	backlog := " " + words(25)
	h.c.Observe(first)
	h.c.Observe(first + backlog)
	h.rt.RunAsync()

	if len(h.scenes) != 1 {
		t.Fatalf("scenes = %d, want 1", len(h.scenes))
	}
	if !h.c.InFlight() || h.rt.PendingAsync() != 1 {
		t.Fatalf("inFlight = %v pending = %d, want the backlog dispatched on commit", h.c.InFlight(), h.rt.PendingAsync())
	}
	if h.rt.PendingTimers() != 0 {
		t.Error("pause timer armed alongside the backlog round")
	}

	h.rt.RunAsync()
	if len(h.calls) != 2 || h.calls[1] != backlog {
		t.Errorf("calls = %q", h.calls)
	}
	if len(triggers) != 2 || triggers[1] != TriggerWords {
		t.Errorf("triggers = %v", triggers)
	}
	if h.c.InFlight() || h.c.Pending() != "" {
		t.Errorf("inFlight = %v pending = %q after second commit", h.c.InFlight(), h.c.Pending())
	}
}

func TestFailureKeepsCursorAndAllowsRetry(t *testing.T) {
	h := newHarness(t)
	h.fail = errors.New("upstream 503")

	h.c.Observe(foxStory)
	h.rt.RunAsync()
	if h.c.Processed() != 0 || h.c.InFlight() {
		t.Fatalf("processed = %d inFlight = %v, want 0 false", h.c.Processed(), h.c.InFlight())
	}
	if len(h.errs) != 1 || len(h.scenes) != 0 {
		t.Fatalf("errs = %v scenes = %v", h.errs, h.scenes)
	}

	// No automatic retry.
	h.rt.Advance(10 * time.Second)
	h.rt.RunAsync()
	if len(h.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(h.calls))
	}

	h.fail = nil
	h.c.Observe(foxStory + " again")
	h.rt.RunAsync()
	if len(h.calls) != 2 || h.calls[1] != foxStory+" again" {
		t.Errorf("calls = %q", h.calls)
	}
	if len(h.scenes) != 1 {
		t.Errorf("scenes = %d, want 1", len(h.scenes))
	}
}

func TestIllustratorPanicReleasesGuard(t *testing.T) {
	rt := eventloop.NewManual()
	c := New(context.Background(), rt, illustratorFunc(func(context.Context, string) (illustrate.Result, error) {
		panic("nil map")
	}), Config{}, log.New(io.Discard, "", 0))
	var errs []error
	c.OnError(func(err error) { errs = append(errs, err) })

	c.Observe(foxStory)
	rt.RunAsync()

	if c.InFlight() {
		t.Error("in-flight flag not released after panic")
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "nil map") {
		t.Errorf("errs = %v", errs)
	}
}

func TestManualTrigger(t *testing.T) {
	h := newHarness(t)

	h.c.Observe("  abc  ")
	if err := h.c.Segment(); !errors.Is(err, ErrTooShort) {
		t.Errorf("Segment() = %v, want ErrTooShort", err)
	}

	h.c.Observe("the fox")
	var dispatched []Trigger
	h.c.OnDispatch(func(_ string, tr Trigger) { dispatched = append(dispatched, tr) })
	if err := h.c.Segment(); err != nil {
		t.Fatalf("Segment() = %v", err)
	}
	h.rt.RunAsync()
	if len(h.scenes) != 1 || h.scenes[0].Narrative != "the fox" {
		t.Errorf("scenes = %+v", h.scenes)
	}
	if len(dispatched) != 1 || dispatched[0] != TriggerManual {
		t.Errorf("dispatched = %v", dispatched)
	}
}

func TestResetDiscardsOutstandingRound(t *testing.T) {
	h := newHarness(t)

	h.c.Observe(foxStory)
	h.c.Reset()
	h.rt.RunAsync()

	if len(h.scenes) != 0 || h.c.Processed() != 0 || h.c.InFlight() {
		t.Fatalf("scenes = %d processed = %d inFlight = %v", len(h.scenes), h.c.Processed(), h.c.InFlight())
	}

	h.c.Observe(words(25))
	h.rt.RunAsync()
	if len(h.scenes) != 1 {
		t.Errorf("scenes = %d after re-narration, want 1", len(h.scenes))
	}
}

func TestEndToEndFoxStory(t *testing.T) {
	h := newHarness(t)

	var dispatched []string
	h.c.OnDispatch(func(text string, tr Trigger) {
		if tr != TriggerWords {
			t.Errorf("trigger = %s, want words", tr)
		}
		dispatched = append(dispatched, text)
	})

	// Narration arrives word by word; only the 25th word triggers.
	fields := strings.Fields(foxStory)
	for i := range fields {
		h.c.Observe(strings.Join(fields[:i+1], " "))
	}
	h.rt.RunAsync()

	if len(dispatched) != 1 || dispatched[0] != foxStory {
		t.Fatalf("dispatched = %q", dispatched)
	}
	if got, want := h.c.Processed(), utf8.RuneCountInString(foxStory); got != want {
		t.Errorf("Processed() = %d, want %d", got, want)
	}
	if len(h.scenes) != 1 || h.scenes[0].Narrative != foxStory {
		t.Errorf("scenes = %+v", h.scenes)
	}
}
