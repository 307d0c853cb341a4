package story

import (
	"context"
	"log"
	"math"
	"sync"

	"github.com/lukasbauer/storyreel/internal/eventloop"
)

type writeKind int

const (
	writeProgress writeKind = iota
	writeScene
	writeClear
)

func (k writeKind) String() string {
	switch k {
	case writeScene:
		return "scene"
	case writeClear:
		return "clear"
	default:
		return "progress"
	}
}

// noCeiling means every scene past the cursor is stored.
const noCeiling = math.MaxInt

// writer runs database writes off the loop. Writes may execute out of order,
// so each carries the sequence number it was submitted with: a progress save
// older than one already applied is dropped, and nothing submitted before a
// clear is applied after it.
//
// A scene that fails to store pins the cursor ceiling at the point the scene
// started. Later writes save at most that cursor, so a resumed story
// re-illustrates the lost narration instead of skipping it.
type writer struct {
	ctx     context.Context
	rt      eventloop.Runtime
	enabled bool
	logger  *log.Logger
	storyID string

	seq int // loop only

	mu        sync.Mutex
	applied   int // highest seq applied
	lastClear int // seq of the last clear applied
	capped    bool
	ceiling   int // valid while capped
}

// write is one database operation. apply receives the highest cursor it may
// persist. start is the cursor a scene write began at.
type write struct {
	kind  writeKind
	start int
	apply func(ctx context.Context, ceiling int) error
}

func (w *writer) submit(op write) {
	if !w.enabled {
		return
	}
	w.seq++
	seq := w.seq
	w.rt.Go(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		if seq < w.lastClear || (op.kind == writeProgress && seq < w.applied) {
			return
		}
		if err := op.apply(context.WithoutCancel(w.ctx), w.cursorCeiling()); err != nil {
			w.logger.Printf("story: %s write for %s failed: %v", op.kind, w.storyID, err)
			if op.kind == writeScene {
				w.ceiling = min(w.cursorCeiling(), op.start)
				w.capped = true
			}
			return
		}
		w.applied = max(w.applied, seq)
		if op.kind == writeClear {
			w.lastClear = seq
			w.capped = false
		}
	})
}

func (w *writer) cursorCeiling() int {
	if !w.capped {
		return noCeiling
	}
	return w.ceiling
}
