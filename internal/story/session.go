// Package story runs one live narration session: the transcript accumulator
// feeds the segmentation controller, whose scenes land in the scene store and
// in Postgres. Everything except StreamAudio and Post runs on the session's
// event loop.
package story

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/storyreel/internal/costs"
	"github.com/lukasbauer/storyreel/internal/eventlog"
	"github.com/lukasbauer/storyreel/internal/eventloop"
	"github.com/lukasbauer/storyreel/internal/illustrate"
	"github.com/lukasbauer/storyreel/internal/scene"
	"github.com/lukasbauer/storyreel/internal/segment"
	"github.com/lukasbauer/storyreel/internal/store"
	"github.com/lukasbauer/storyreel/internal/stt"
	"github.com/lukasbauer/storyreel/internal/transcript"
)

const DefaultSaveInterval = 2 * time.Second

// Persistence is the slice of *store.Store a session writes through.
type Persistence interface {
	SaveProgress(ctx context.Context, id, transcript string, processed int) error
	CommitScene(ctx context.Context, sc store.Scene, transcript string, processed int) error
	ClearStory(ctx context.Context, id string) error
}

// Alerter is told about failures operators should see.
type Alerter interface {
	NotifyRecognitionDenied(ctx context.Context, storyID string)
}

// Deps wires a session to its collaborators.
type Deps struct {
	Recognizer  stt.Recognizer
	Illustrator segment.Illustrator
	Persistence Persistence // optional
	Events      *eventlog.Logger
	Alerter     Alerter // optional
	Logger      *log.Logger

	Transcript   transcript.Config
	Segment      segment.Config
	SaveInterval time.Duration
	Pricing      costs.Pricing
	Now          func() time.Time // defaults to time.Now
}

// Session is one connected narrator working on one story.
type Session struct {
	id      string
	ctx     context.Context
	rt      eventloop.Runtime
	acc     *transcript.Accumulator
	seg     *segment.Controller
	scenes  *scene.Store
	persist Persistence
	events  *eventlog.Logger
	alerter Alerter
	logger  *log.Logger
	send    func(Message)

	writes       *writer
	roundStart   int // cursor when the outstanding round was dispatched
	saveInterval time.Duration
	saveTimer    eventloop.Timer
	closed       bool

	pricing     costs.Pricing
	now         func() time.Time
	listenSince time.Time
	listened    time.Duration
	images      int
}

// New builds a session for storyID. send receives every outbound message on
// the loop and must not block.
func New(ctx context.Context, rt eventloop.Runtime, storyID string, deps Deps, send func(Message)) (*Session, error) {
	acc, err := transcript.New(ctx, rt, deps.Recognizer, deps.Transcript, deps.Logger)
	if err != nil {
		return nil, err
	}
	interval := deps.SaveInterval
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{
		id:           storyID,
		ctx:          ctx,
		rt:           rt,
		acc:          acc,
		seg:          segment.New(ctx, rt, deps.Illustrator, deps.Segment, deps.Logger),
		scenes:       scene.NewStore(),
		persist:      deps.Persistence,
		events:       deps.Events,
		alerter:      deps.Alerter,
		logger:       deps.Logger,
		send:         send,
		saveInterval: interval,
		pricing:      deps.Pricing,
		now:          now,
	}
	s.writes = &writer{
		ctx:     ctx,
		rt:      rt,
		enabled: deps.Persistence != nil,
		logger:  deps.Logger,
		storyID: storyID,
	}

	acc.OnChange(s.onTextChange)
	acc.OnStateChange(s.onStateChange)
	acc.OnError(s.onRecognitionError)
	s.seg.OnDispatch(s.onDispatch)
	s.seg.OnScene(s.onScene)
	s.seg.OnError(s.onSegmentError)

	s.events.LogAsync(storyID, eventlog.EventSessionStarted, nil)
	return s, nil
}

// ID returns the story id.
func (s *Session) ID() string { return s.id }

// Post runs fn on the session loop. Safe from any goroutine.
func (s *Session) Post(fn func()) { s.rt.Post(fn) }

// StreamAudio forwards one audio frame. Safe from any goroutine.
func (s *Session) StreamAudio(frame []byte) error { return s.acc.StreamAudio(frame) }

// Scenes returns the scenes produced or restored in this session.
func (s *Session) Scenes() []scene.Scene { return s.scenes.List() }

// Text returns the authoritative transcript.
func (s *Session) Text() string { return s.acc.Text() }

// Processed returns the segmentation cursor.
func (s *Session) Processed() int { return s.seg.Processed() }

// Resume restores a persisted story. The cursor is seeded before the text so
// committed narration is not illustrated again.
func (s *Session) Resume(st *store.Story, scenes []store.Scene) {
	restored := make([]scene.Scene, 0, len(scenes))
	for _, sc := range scenes {
		restored = append(restored, scene.Scene{
			ID:              sc.ID,
			Index:           sc.Seq,
			IllustrationRef: sc.IllustrationRef,
			Narrative:       sc.Narrative,
			CreatedAt:       sc.CreatedAt,
		})
	}
	s.scenes.Load(restored)
	s.seg.Restore(st.Transcript, st.ProcessedLength)
	s.acc.ManualEdit(st.Transcript)

	s.send(Message{Type: TypeTranscript, Text: s.acc.Text(), State: s.acc.State().String()})
	for i := range restored {
		s.send(Message{Type: TypeScene, Scene: &restored[i]})
	}
}

func (s *Session) Start() {
	s.acc.StartListening()
	s.events.LogAsync(s.id, eventlog.EventListeningStarted, nil)
}

func (s *Session) Stop() {
	s.acc.StopListening()
	s.events.LogAsync(s.id, eventlog.EventListeningStopped, nil)
}

// Edit replaces the transcript with typed text.
func (s *Session) Edit(text string) {
	s.acc.ManualEdit(text)
	s.events.LogAsync(s.id, eventlog.EventManualEdit, map[string]any{"length": len(text)})
}

// Segment asks for a scene from the pending narration now.
func (s *Session) Segment() error {
	err := s.seg.Segment()
	if err != nil {
		s.events.LogAsync(s.id, eventlog.EventSegmentRejected, map[string]any{"reason": ErrorKind(err)})
	}
	return err
}

// Clear wipes transcript, cursor and scenes, here and in the database.
func (s *Session) Clear() {
	s.acc.Clear()
	s.seg.Reset()
	s.scenes.Clear()
	s.cancelSave()
	s.events.LogAsync(s.id, eventlog.EventStoryCleared, nil)

	id := s.id
	s.writes.submit(write{kind: writeClear, apply: func(ctx context.Context, _ int) error {
		return s.persist.ClearStory(ctx, id)
	}})
}

// Usage reports how long recognition ran and how many images became scenes.
func (s *Session) Usage() costs.SessionUsage {
	listened := s.listened
	if !s.listenSince.IsZero() {
		listened += s.now().Sub(s.listenSince)
	}
	return costs.SessionUsage{Listening: listened, Images: s.images}
}

// Close stops listening and flushes progress. Later events are ignored.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.acc.StopListening()
	s.cancelSave()
	s.saveNow()
	s.trackListening(transcript.Stopped)
	s.closed = true

	usage := s.Usage()
	spent := s.pricing.Session(usage)
	s.events.LogAsync(s.id, eventlog.EventSessionEnded, map[string]any{
		"scenes":            s.scenes.Len(),
		"images":            usage.Images,
		"listening_seconds": int(usage.Listening.Seconds()),
		"cost_cents":        spent.TotalCents,
	})
}

func (s *Session) onTextChange(text string) {
	if s.closed {
		return
	}
	s.seg.Observe(text)
	s.send(Message{Type: TypeTranscript, Text: text, State: s.acc.State().String()})
	s.scheduleSave()
}

func (s *Session) onStateChange(st transcript.State) {
	if s.closed {
		return
	}
	s.trackListening(st)
	s.send(Message{Type: TypeTranscript, Text: s.acc.Text(), State: st.String()})
}

func (s *Session) onRecognitionError(err error) {
	s.send(ErrorMessage(err))
	if errors.Is(err, stt.ErrPermissionDenied) {
		s.events.LogAsync(s.id, eventlog.EventRecognitionDenied, map[string]any{"error": err.Error()})
		if s.alerter != nil {
			s.alerter.NotifyRecognitionDenied(s.ctx, s.id)
		}
	}
}

func (s *Session) onDispatch(text string, trigger segment.Trigger) {
	s.roundStart = s.seg.Processed()
	s.send(Message{Type: TypeSegmenting, Text: text, Trigger: string(trigger)})
	s.events.LogAsync(s.id, eventlog.EventSegmentDispatched, map[string]any{
		"trigger": string(trigger),
		"length":  len(text),
	})
}

func (s *Session) onScene(res illustrate.Result) {
	sc, err := s.scenes.Append(res.Ref, res.Narrative)
	if err != nil {
		s.logger.Printf("story: append scene: %v", err)
		return
	}
	s.images++
	s.send(Message{Type: TypeScene, Scene: &sc})
	s.events.LogAsync(s.id, eventlog.EventSceneCreated, map[string]any{
		"scene_id": sc.ID,
		"index":    sc.Index,
		"prompt":   res.Prompt,
	})

	row := store.Scene{
		ID:              sc.ID,
		StoryID:         s.id,
		Seq:             sc.Index,
		IllustrationRef: sc.IllustrationRef,
		Narrative:       sc.Narrative,
		CreatedAt:       sc.CreatedAt,
	}
	text, start, processed := s.acc.Text(), s.roundStart, s.seg.Processed()
	s.writes.submit(write{kind: writeScene, start: start, apply: func(ctx context.Context, ceiling int) error {
		return s.persist.CommitScene(ctx, row, text, min(processed, ceiling))
	}})
}

func (s *Session) onSegmentError(err error) {
	s.send(ErrorMessage(err))
	s.events.LogAsync(s.id, eventlog.EventIllustrationFailed, map[string]any{"error": err.Error()})
	if errors.Is(err, illustrate.ErrInputTooShort) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("story_id", s.id)
		scope.SetTag("component", "illustrate")
		sentry.CaptureException(err)
	})
}

// trackListening accumulates the time a recognition stream was wanted.
// Restarting counts as listening.
func (s *Session) trackListening(st transcript.State) {
	switch st {
	case transcript.Listening, transcript.Restarting:
		if s.listenSince.IsZero() {
			s.listenSince = s.now()
		}
	default:
		if !s.listenSince.IsZero() {
			s.listened += s.now().Sub(s.listenSince)
			s.listenSince = time.Time{}
		}
	}
}

// scheduleSave throttles progress writes to one per save interval.
func (s *Session) scheduleSave() {
	if s.persist == nil || s.saveTimer != nil {
		return
	}
	s.saveTimer = s.rt.AfterFunc(s.saveInterval, func() {
		s.saveTimer = nil
		s.saveNow()
	})
}

func (s *Session) cancelSave() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
}

func (s *Session) saveNow() {
	id, text, processed := s.id, s.acc.Text(), s.seg.Processed()
	s.writes.submit(write{kind: writeProgress, apply: func(ctx context.Context, ceiling int) error {
		return s.persist.SaveProgress(ctx, id, text, min(processed, ceiling))
	}})
}
