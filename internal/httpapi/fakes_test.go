package httpapi

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/storyreel/internal/illustrate"
	"github.com/lukasbauer/storyreel/internal/store"
)

const testSecret = "test-secret-key"

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	nextID   int
	stories  map[string]*store.Story
	scenes   map[string][]store.Scene
	exports  map[string]*store.VideoExport
	tokens   map[string][]store.DevicePushToken
	cleared  []string
	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		stories: map[string]*store.Story{},
		scenes:  map[string][]store.Scene{},
		exports: map[string]*store.VideoExport{},
		tokens:  map[string][]store.DevicePushToken{},
	}
}

func (m *memStore) err() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memStore) CreateStory(_ context.Context, title string) (*store.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return nil, err
	}
	m.nextID++
	now := time.Now()
	st := &store.Story{ID: fmt.Sprintf("story-%d", m.nextID), Title: title, CreatedAt: now, UpdatedAt: now}
	m.stories[st.ID] = st
	return st, nil
}

func (m *memStore) GetStory(_ context.Context, id string) (*store.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return nil, err
	}
	st, ok := m.stories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *memStore) SaveProgress(_ context.Context, id, transcript string, processed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stories[id]
	if !ok {
		return store.ErrNotFound
	}
	st.Transcript = transcript
	st.ProcessedLength = processed
	return nil
}

func (m *memStore) CommitScene(_ context.Context, sc store.Scene, transcript string, processed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stories[sc.StoryID]
	if !ok {
		return store.ErrNotFound
	}
	m.scenes[sc.StoryID] = append(m.scenes[sc.StoryID], sc)
	st.Transcript = transcript
	st.ProcessedLength = processed
	return nil
}

func (m *memStore) ListScenes(_ context.Context, storyID string) ([]store.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return nil, err
	}
	return append([]store.Scene(nil), m.scenes[storyID]...), nil
}

func (m *memStore) ClearStory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return err
	}
	delete(m.scenes, id)
	if st, ok := m.stories[id]; ok {
		st.Transcript = ""
		st.ProcessedLength = 0
	}
	m.cleared = append(m.cleared, id)
	return nil
}

func (m *memStore) QueueExport(_ context.Context, storyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.exports[storyID]; ok && (e.Status == store.ExportQueued || e.Status == store.ExportRendering) {
		return false, nil
	}
	m.exports[storyID] = &store.VideoExport{StoryID: storyID, Status: store.ExportQueued, UpdatedAt: time.Now()}
	return true, nil
}

func (m *memStore) GetExport(_ context.Context, storyID string) (*store.VideoExport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exports[storyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) RegisterPushToken(_ context.Context, storyID, token, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[storyID] = append(m.tokens[storyID], store.DevicePushToken{StoryID: storyID, Token: token, Platform: platform})
	return nil
}

func (m *memStore) UnregisterPushToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, list := range m.tokens {
		kept := list[:0]
		for _, t := range list {
			if t.Token != token {
				kept = append(kept, t)
			}
		}
		m.tokens[id] = kept
	}
	return nil
}

func (m *memStore) GetStoryPushTokens(_ context.Context, storyID string) ([]store.DevicePushToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.DevicePushToken(nil), m.tokens[storyID]...), nil
}

type illustratorFunc func(ctx context.Context, text string) (illustrate.Result, error)

func (f illustratorFunc) Illustrate(ctx context.Context, text string) (illustrate.Result, error) {
	return f(ctx, text)
}

var echoIllustrator = illustratorFunc(func(_ context.Context, text string) (illustrate.Result, error) {
	return illustrate.Result{Ref: "https://img.example/scene.png", Narrative: strings.TrimSpace(text)}, nil
})

type kickCounter struct {
	mu    sync.Mutex
	kicks int
}

func (k *kickCounter) Kick() {
	k.mu.Lock()
	k.kicks++
	k.mu.Unlock()
}

func testRouter(t *testing.T, deps Deps) *Router {
	t.Helper()
	if deps.Store == nil {
		deps.Store = newMemStore()
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionRegistry()
	}
	return &Router{
		cfg:         RouterConfig{JWTSecret: testSecret, JWTExpiry: time.Hour, SendBuffer: 64},
		logger:      log.New(io.Discard, "", 0),
		store:       deps.Store,
		recognizer:  deps.Recognizer,
		illustrator: deps.Illustrator,
		exports:     deps.Exports,
		apns:        deps.APNs,
		sessions:    deps.Sessions,
		mux:         http.NewServeMux(),
	}
}

// tokenFor signs a story token with the test secret.
func tokenFor(t *testing.T, r *Router, storyID string) string {
	t.Helper()
	tok, _, err := r.generateStoryToken(storyID)
	if err != nil {
		t.Fatalf("generateStoryToken: %v", err)
	}
	return tok
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
