package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// ValidPlatform reports whether p is a platform devices may register for.
func ValidPlatform(p string) bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// DevicePushToken is a device waiting to hear that a story's video is ready.
type DevicePushToken struct {
	ID        string    `json:"id" db:"id"`
	StoryID   string    `json:"story_id" db:"story_id"`
	Token     string    `json:"token" db:"token"`
	Platform  string    `json:"platform" db:"platform"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RegisterPushToken is idempotent per (story, token); re-registering moves
// the device to the new platform and refreshes its timestamp.
func (s *Store) RegisterPushToken(ctx context.Context, storyID, token, platform string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_push_tokens (story_id, token, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (story_id, token) DO UPDATE
		SET platform = EXCLUDED.platform, created_at = NOW()
	`, storyID, token, platform)
	if err != nil {
		return fmt.Errorf("register push token: %w", err)
	}
	return nil
}

// UnregisterPushToken forgets a device for every story it listened to.
func (s *Store) UnregisterPushToken(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM device_push_tokens WHERE token = $1`, token); err != nil {
		return fmt.Errorf("unregister push token: %w", err)
	}
	return nil
}

// GetStoryPushTokens lists a story's devices, oldest registration first.
func (s *Store) GetStoryPushTokens(ctx context.Context, storyID string) ([]DevicePushToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, story_id, token, platform, created_at
		FROM device_push_tokens
		WHERE story_id = $1
		ORDER BY created_at
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list push tokens: %w", err)
	}
	tokens, err := pgx.CollectRows(rows, pgx.RowToStructByName[DevicePushToken])
	if err != nil {
		return nil, fmt.Errorf("list push tokens: %w", err)
	}
	return tokens, nil
}
