// Package scene holds the ordered scene sequence of one story.
package scene

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scene is one illustrated narrative segment. Scenes are immutable.
type Scene struct {
	ID              string    `json:"id"`
	Index           int       `json:"index"` // 1-based position in the story
	IllustrationRef string    `json:"illustration_ref"`
	Narrative       string    `json:"narrative"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is append-only. One goroutine writes; any number may read.
type Store struct {
	mu     sync.RWMutex
	scenes []Scene
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// Append adds a scene with a fresh time-ordered id.
func (s *Store) Append(ref, narrative string) (Scene, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Scene{}, fmt.Errorf("scene id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sc := Scene{
		ID:              id.String(),
		Index:           len(s.scenes) + 1,
		IllustrationRef: ref,
		Narrative:       narrative,
		CreatedAt:       s.now().UTC(),
	}
	s.scenes = append(s.scenes, sc)
	return sc, nil
}

// Load replaces the sequence with previously persisted scenes, in order.
func (s *Store) Load(scenes []Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes = append([]Scene(nil), scenes...)
}

// List returns a copy in creation order.
func (s *Store) List() []Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Scene(nil), s.scenes...)
}

// Latest returns the most recent scene.
func (s *Store) Latest() (Scene, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.scenes) == 0 {
		return Scene{}, false
	}
	return s.scenes[len(s.scenes)-1], true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scenes)
}

// Clear drops every scene.
func (s *Store) Clear() {
	s.mu.Lock()
	s.scenes = nil
	s.mu.Unlock()
}
