package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Export states.
const (
	ExportQueued    = "queued"
	ExportRendering = "rendering"
	ExportReady     = "ready"
	ExportFailed    = "failed"
)

// VideoExport tracks the latest video export of a story.
type VideoExport struct {
	StoryID   string    `json:"story_id"`
	Status    string    `json:"status"`
	Error     *string   `json:"error,omitempty"`
	Path      *string   `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueExport marks a story for export. It reports false when an export is
// already queued or rendering.
func (s *Store) QueueExport(ctx context.Context, storyID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO video_exports (story_id, status, error, path, updated_at)
		VALUES ($1, 'queued', NULL, NULL, NOW())
		ON CONFLICT (story_id) DO UPDATE SET
			status = 'queued', error = NULL, path = NULL, updated_at = NOW()
		WHERE video_exports.status NOT IN ('queued', 'rendering')
	`, storyID)
	if err != nil {
		return false, fmt.Errorf("queue export: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimExport moves the oldest queued export to rendering and returns it.
// It returns ErrNotFound when the queue is empty.
func (s *Store) ClaimExport(ctx context.Context) (*VideoExport, error) {
	var e VideoExport
	err := s.db.QueryRow(ctx, `
		UPDATE video_exports SET status = 'rendering', updated_at = NOW()
		WHERE story_id = (
			SELECT story_id FROM video_exports
			WHERE status = 'queued'
			ORDER BY updated_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING story_id, status, error, path, updated_at
	`).Scan(&e.StoryID, &e.Status, &e.Error, &e.Path, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim export: %w", err)
	}
	return &e, nil
}

func (s *Store) CompleteExport(ctx context.Context, storyID, path string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE video_exports SET status = 'ready', path = $2, error = NULL, updated_at = NOW()
		WHERE story_id = $1
	`, storyID, path)
	return err
}

func (s *Store) FailExport(ctx context.Context, storyID, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE video_exports SET status = 'failed', error = $2, updated_at = NOW()
		WHERE story_id = $1
	`, storyID, reason)
	return err
}

// RequeueStaleExports returns renders abandoned by a crashed worker to the queue.
func (s *Store) RequeueStaleExports(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE video_exports SET status = 'queued', updated_at = NOW()
		WHERE status = 'rendering' AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetExport(ctx context.Context, storyID string) (*VideoExport, error) {
	var e VideoExport
	err := s.db.QueryRow(ctx, `
		SELECT story_id, status, error, path, updated_at
		FROM video_exports
		WHERE story_id = $1
	`, storyID).Scan(&e.StoryID, &e.Status, &e.Error, &e.Path, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get export: %w", err)
	}
	return &e, nil
}
