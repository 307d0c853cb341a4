// Package eventlog records what happened to a story: sessions, scenes,
// rejected segmentations and exports.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EventType string

const (
	EventSessionStarted     EventType = "session_started"
	EventSessionEnded       EventType = "session_ended"
	EventListeningStarted   EventType = "listening_started"
	EventListeningStopped   EventType = "listening_stopped"
	EventRecognitionDenied  EventType = "recognition_denied"
	EventManualEdit         EventType = "manual_edit"
	EventSegmentDispatched  EventType = "segment_dispatched"
	EventSegmentRejected    EventType = "segment_rejected"
	EventSceneCreated       EventType = "scene_created"
	EventIllustrationFailed EventType = "illustration_failed"
	EventStoryCleared       EventType = "story_cleared"
	EventExportQueued       EventType = "export_queued"
	EventExportCompleted    EventType = "export_completed"
	EventExportFailed       EventType = "export_failed"
)

const asyncWriteTimeout = 2 * time.Second

// Event is one stored row.
type Event struct {
	ID        int64           `json:"id" db:"id"`
	StoryID   string          `json:"story_id" db:"story_id"`
	Type      EventType       `json:"type" db:"event_type"`
	Data      json.RawMessage `json:"data" db:"event_data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Logger writes story events. A nil Logger, or one without a pool, drops
// everything.
type Logger struct {
	db      *pgxpool.Pool
	pending sync.WaitGroup
}

func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

func (l *Logger) enabled() bool { return l != nil && l.db != nil }

// Log writes an event synchronously.
func (l *Logger) Log(ctx context.Context, storyID string, eventType EventType, data map[string]any) error {
	if !l.enabled() || storyID == "" {
		return nil
	}
	payload := []byte("{}")
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("eventlog: marshal %s: %w", eventType, err)
		}
		payload = b
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO story_events (story_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, storyID, string(eventType), payload)
	if err != nil {
		return fmt.Errorf("eventlog: insert %s: %w", eventType, err)
	}
	return nil
}

// LogAsync writes an event in the background. Callers on a session loop use
// this so a slow database never stalls narration.
func (l *Logger) LogAsync(storyID string, eventType EventType, data map[string]any) {
	if !l.enabled() || storyID == "" {
		return
	}
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		defer cancel()
		_ = l.Log(ctx, storyID, eventType, data)
	}()
}

// Flush waits for background writes, up to timeout. It reports whether all
// of them finished.
func (l *Logger) Flush(timeout time.Duration) bool {
	if l == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// List returns a story's most recent events, newest first.
func (l *Logger) List(ctx context.Context, storyID string, limit int) ([]Event, error) {
	if !l.enabled() {
		return []Event{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.Query(ctx, `
		SELECT id, story_id, event_type, event_data, created_at
		FROM story_events
		WHERE story_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, storyID, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToStructByName[Event])
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	return events, nil
}
