package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/storyreel/internal/eventloop"
	"github.com/lukasbauer/storyreel/internal/store"
	"github.com/lukasbauer/storyreel/internal/story"
	"github.com/lukasbauer/storyreel/internal/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait    = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// audioFormats lists the encodings a narrator may stream. The empty encoding
// means containerized audio (webm/opus from MediaRecorder).
var audioFormats = map[string]bool{
	"":         true,
	"opus":     true,
	"linear16": true,
	"mulaw":    true,
}

// audioConfigurable recognizers can be retargeted per connection.
type audioConfigurable interface {
	ForAudio(encoding string, sampleRate int) stt.Recognizer
}

// narration is one narrator's websocket bound to a story session.
type narration struct {
	storyID string
	conn    *websocket.Conn
	loop    *eventloop.Loop
	session *story.Session
	out     chan story.Message
	logger  *log.Logger

	mu      sync.Mutex // guards conn handoff and stopped against stop
	stopped bool
}

func (r *Router) handleNarrateWS(w http.ResponseWriter, req *http.Request) {
	claims := getStoryClaims(req.Context())
	if claims == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if r.recognizer == nil || r.illustrator == nil {
		r.logger.Printf("narrate: recognition or illustration not configured")
		captureError(req, fmt.Errorf("narration not configured"), "narrate: configuration error")
		http.Error(w, `{"error": "narration not configured"}`, http.StatusServiceUnavailable)
		return
	}

	recognizer, err := r.recognizerFor(req)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusBadRequest)
		return
	}

	st, err := r.store.GetStory(req.Context(), claims.StoryID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "story not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Printf("narrate: failed to load story %s: %v", claims.StoryID, err)
		captureError(req, err, "narrate: load story")
		http.Error(w, `{"error": "failed to load story"}`, http.StatusInternalServerError)
		return
	}
	scenes, err := r.store.ListScenes(req.Context(), st.ID)
	if err != nil {
		r.logger.Printf("narrate: failed to load scenes for %s: %v", st.ID, err)
		captureError(req, err, "narrate: load scenes")
		http.Error(w, `{"error": "failed to load story"}`, http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	defer cancel()

	n := &narration{
		storyID: st.ID,
		loop:    eventloop.New(),
		out:     make(chan story.Message, r.cfg.SendBuffer),
		logger:  r.logger,
	}
	session, err := story.New(ctx, n.loop, st.ID, story.Deps{
		Recognizer:   recognizer,
		Illustrator:  r.illustrator,
		Persistence:  r.store,
		Events:       r.eventLog,
		Alerter:      r.alerter,
		Logger:       r.logger,
		Transcript:   r.cfg.Transcript,
		Segment:      r.cfg.Segment,
		SaveInterval: r.cfg.SaveInterval,
		Pricing:      r.cfg.Pricing,
	}, n.send)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusServiceUnavailable)
		return
	}
	n.session = session

	live := &liveSession{loop: n.loop, session: session, stop: n.stop}
	if err := r.sessions.Add(st.ID, live); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrStoryBusy) {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), status)
		return
	}
	defer r.sessions.Done(st.ID)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("narrate: upgrade failed: %v", err)
		return
	}
	n.mu.Lock()
	n.conn = conn
	stopped := n.stopped
	n.mu.Unlock()
	if stopped {
		n.goAway()
	}

	r.logger.Printf("narrate: story %s connected (%d scenes)", st.ID, len(scenes))
	n.run(ctx, cancel, st, scenes)
	r.logger.Printf("narrate: story %s disconnected", st.ID)
}

// recognizerFor applies the encoding and sample_rate query parameters.
func (r *Router) recognizerFor(req *http.Request) (stt.Recognizer, error) {
	q := req.URL.Query()
	encoding := q.Get("encoding")
	if !audioFormats[encoding] {
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	sampleRate := 0
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 48000 {
			return nil, fmt.Errorf("sample_rate must be between 8000 and 48000")
		}
		sampleRate = n
	}
	if encoding == "linear16" && sampleRate == 0 {
		sampleRate = 16000
	}
	if rc, ok := r.recognizer.(audioConfigurable); ok && (encoding != "" || sampleRate != 0) {
		return rc.ForAudio(encoding, sampleRate), nil
	}
	return r.recognizer, nil
}

func (n *narration) run(ctx context.Context, cancel context.CancelFunc, st *store.Story, scenes []store.Scene) {
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		n.loop.Run(ctx)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		n.writeLoop()
	}()

	n.loop.Post(func() { n.session.Resume(st, scenes) })
	n.readLoop()

	// Flush on the loop, then stop it. Run waits for outstanding writes.
	flushed := make(chan struct{})
	n.loop.Post(func() {
		n.session.Close()
		close(flushed)
	})
	select {
	case <-flushed:
	case <-time.After(closeTimeout):
		n.logger.Printf("narrate: story %s did not flush within %v", n.storyID, closeTimeout)
	}
	cancel()
	<-loopDone

	close(n.out)
	<-writerDone
	_ = n.conn.Close()
}

func (n *narration) readLoop() {
	for {
		msgType, msg, err := n.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				n.logger.Printf("narrate: connection closed for story %s", n.storyID)
			} else {
				n.logger.Printf("narrate: read error for story %s: %v", n.storyID, err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := n.session.StreamAudio(msg); err != nil {
				n.logger.Printf("narrate: audio forward failed for story %s: %v", n.storyID, err)
			}
		case websocket.TextMessage:
			var cmd story.Command
			if err := json.Unmarshal(msg, &cmd); err != nil {
				n.logger.Printf("narrate: failed to parse command: %v", err)
				n.loop.Post(func() {
					n.send(story.ErrorMessage(fmt.Errorf("%w: %v", story.ErrUnknownCommand, err)))
				})
				continue
			}
			n.loop.Post(func() {
				if err := n.session.Apply(cmd); err != nil {
					n.send(story.ErrorMessage(err))
				}
			})
		}
	}
}

// send runs on the loop and never blocks it.
func (n *narration) send(m story.Message) {
	select {
	case n.out <- m:
	default:
		n.logger.Printf("narrate: outbound buffer full for story %s, dropping %s message", n.storyID, m.Type)
	}
}

func (n *narration) writeLoop() {
	failed := false
	for m := range n.out {
		if failed {
			continue
		}
		_ = n.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := n.conn.WriteJSON(m); err != nil {
			n.logger.Printf("narrate: write failed for story %s: %v", n.storyID, err)
			failed = true
		}
	}
}

// stop asks the client to go away; the read loop then ends the session.
// Called by the registry before the upgrade completes, it takes effect as
// soon as the connection exists.
func (n *narration) stop() {
	n.mu.Lock()
	already := n.stopped
	n.stopped = true
	hasConn := n.conn != nil
	n.mu.Unlock()
	if !already && hasConn {
		n.goAway()
	}
}

func (n *narration) goAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = n.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = n.conn.SetReadDeadline(time.Now().Add(closeTimeout))
}
