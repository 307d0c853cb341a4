package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// getTestDB returns a database pool for testing.
// Skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestStoryLifecycle(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	story, err := s.CreateStory(ctx, "The Dancing Fox")
	if err != nil {
		t.Fatalf("CreateStory failed: %v", err)
	}
	if story.ID == "" || story.Title != "The Dancing Fox" {
		t.Fatalf("story = %+v", story)
	}
	if story.Transcript != "" || story.ProcessedLength != 0 {
		t.Errorf("new story should be empty, got %+v", story)
	}

	if err := s.SaveProgress(ctx, story.ID, "Once upon a time", 16); err != nil {
		t.Fatalf("SaveProgress failed: %v", err)
	}

	for i, narrative := range []string{"Once upon", "a time"} {
		id, _ := uuid.NewV7()
		err := s.CommitScene(ctx, Scene{
			ID:              id.String(),
			StoryID:         story.ID,
			Seq:             i + 1,
			IllustrationRef: "https://img.example/" + narrative,
			Narrative:       narrative,
			CreatedAt:       time.Now().UTC(),
		}, "Once upon a time", 9+i*7)
		if err != nil {
			t.Fatalf("CommitScene failed: %v", err)
		}
	}

	scenes, err := s.ListScenes(ctx, story.ID)
	if err != nil {
		t.Fatalf("ListScenes failed: %v", err)
	}
	if len(scenes) != 2 || scenes[0].Narrative != "Once upon" || scenes[1].Seq != 2 {
		t.Errorf("scenes = %+v", scenes)
	}

	got, err := s.GetStory(ctx, story.ID)
	if err != nil {
		t.Fatalf("GetStory failed: %v", err)
	}
	if got.Transcript != "Once upon a time" || got.ProcessedLength != 16 {
		t.Errorf("story = %+v", got)
	}

	if err := s.ClearStory(ctx, story.ID); err != nil {
		t.Fatalf("ClearStory failed: %v", err)
	}
	scenes, _ = s.ListScenes(ctx, story.ID)
	got, _ = s.GetStory(ctx, story.ID)
	if len(scenes) != 0 || got.Transcript != "" || got.ProcessedLength != 0 {
		t.Errorf("after clear: scenes = %d story = %+v", len(scenes), got)
	}
}

func TestGetStoryNotFound(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	id, _ := uuid.NewV7()
	if _, err := s.GetStory(context.Background(), id.String()); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.SaveProgress(context.Background(), id.String(), "x", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveProgress err = %v, want ErrNotFound", err)
	}
}

func TestExportQueue(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	story, err := s.CreateStory(ctx, "export")
	if err != nil {
		t.Fatalf("CreateStory failed: %v", err)
	}

	queued, err := s.QueueExport(ctx, story.ID)
	if err != nil || !queued {
		t.Fatalf("QueueExport = %v, %v", queued, err)
	}
	queued, err = s.QueueExport(ctx, story.ID)
	if err != nil || queued {
		t.Errorf("second QueueExport = %v, %v; want false while queued", queued, err)
	}

	claimed, err := s.ClaimExport(ctx)
	if err != nil {
		t.Fatalf("ClaimExport failed: %v", err)
	}
	if claimed.Status != ExportRendering {
		t.Errorf("claimed status = %q", claimed.Status)
	}

	if err := s.CompleteExport(ctx, claimed.StoryID, "/tmp/story.mp4"); err != nil {
		t.Fatalf("CompleteExport failed: %v", err)
	}
	e, err := s.GetExport(ctx, story.ID)
	if err != nil {
		t.Fatalf("GetExport failed: %v", err)
	}
	if e.Status != ExportReady || e.Path == nil || *e.Path != "/tmp/story.mp4" {
		t.Errorf("export = %+v", e)
	}
}

func TestPushTokens(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	story, err := s.CreateStory(ctx, "push")
	if err != nil {
		t.Fatalf("CreateStory failed: %v", err)
	}
	if err := s.RegisterPushToken(ctx, story.ID, "device-token-1", "ios"); err != nil {
		t.Fatalf("RegisterPushToken failed: %v", err)
	}
	if err := s.RegisterPushToken(ctx, story.ID, "device-token-1", "ios"); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	tokens, err := s.GetStoryPushTokens(ctx, story.ID)
	if err != nil {
		t.Fatalf("GetStoryPushTokens failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0].Token != "device-token-1" {
		t.Errorf("tokens = %+v", tokens)
	}

	if err := s.UnregisterPushToken(ctx, "device-token-1"); err != nil {
		t.Fatalf("UnregisterPushToken failed: %v", err)
	}
	tokens, _ = s.GetStoryPushTokens(ctx, story.ID)
	if len(tokens) != 0 {
		t.Errorf("tokens after unregister = %d", len(tokens))
	}
}
