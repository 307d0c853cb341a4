package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a story does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Story is one narrated story and its segmentation progress.
type Story struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Transcript      string    `json:"transcript"`
	ProcessedLength int       `json:"processed_length"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Scene is a persisted scene row.
type Scene struct {
	ID              string    `json:"id" db:"id"`
	StoryID         string    `json:"story_id" db:"story_id"`
	Seq             int       `json:"seq" db:"seq"`
	IllustrationRef string    `json:"illustration_ref" db:"illustration_ref"`
	Narrative       string    `json:"narrative" db:"narrative"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

func (s *Store) CreateStory(ctx context.Context, title string) (*Story, error) {
	var st Story
	err := s.db.QueryRow(ctx, `
		INSERT INTO stories (title)
		VALUES ($1)
		RETURNING id, title, transcript, processed_length, created_at, updated_at
	`, title).Scan(&st.ID, &st.Title, &st.Transcript, &st.ProcessedLength, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create story: %w", err)
	}
	return &st, nil
}

func (s *Store) GetStory(ctx context.Context, id string) (*Story, error) {
	var st Story
	err := s.db.QueryRow(ctx, `
		SELECT id, title, transcript, processed_length, created_at, updated_at
		FROM stories
		WHERE id = $1
	`, id).Scan(&st.ID, &st.Title, &st.Transcript, &st.ProcessedLength, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return &st, nil
}

// SaveProgress stores the transcript and the segmentation cursor together so
// a resumed story never re-illustrates committed narration.
func (s *Store) SaveProgress(ctx context.Context, id, transcript string, processed int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE stories
		SET transcript = $2, processed_length = $3, updated_at = NOW()
		WHERE id = $1
	`, id, transcript, processed)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitScene stores a scene together with the transcript and cursor that
// produced it, so the cursor never passes a scene the database lacks.
func (s *Store) CommitScene(ctx context.Context, sc Scene, transcript string, processed int) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO scenes (id, story_id, seq, illustration_ref, narrative, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, sc.ID, sc.StoryID, sc.Seq, sc.IllustrationRef, sc.Narrative, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scene: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE stories
		SET transcript = $2, processed_length = $3, updated_at = NOW()
		WHERE id = $1
	`, sc.StoryID, transcript, processed)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// ListScenes returns a story's scenes in creation order.
func (s *Store) ListScenes(ctx context.Context, storyID string) ([]Scene, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, story_id, seq, illustration_ref, narrative, created_at
		FROM scenes
		WHERE story_id = $1
		ORDER BY seq ASC
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	scenes, err := pgx.CollectRows(rows, pgx.RowToStructByName[Scene])
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	return scenes, nil
}

// ClearStory deletes every scene and empties the transcript and cursor in
// one transaction.
func (s *Store) ClearStory(ctx context.Context, id string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM scenes WHERE story_id = $1`, id); err != nil {
		return fmt.Errorf("delete scenes: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE stories
		SET transcript = '', processed_length = 0, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("reset story: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}
