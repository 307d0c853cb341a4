package notifications

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// ErrTokenGone means Apple no longer accepts the device token and it should
// be forgotten.
var ErrTokenGone = errors.New("apns: device token no longer valid")

type APNsConfig struct {
	KeyPath    string // .p8 auth key
	KeyID      string
	TeamID     string
	BundleID   string
	Production bool
}

// APNsClient sends story notifications to iOS devices. A nil client is valid
// and sends nothing.
type APNsClient struct {
	client   *apns2.Client
	bundleID string
	logger   *log.Logger
}

// NewAPNsClient returns nil, nil when APNs is not configured.
func NewAPNsClient(cfg APNsConfig, logger *log.Logger) (*APNsClient, error) {
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" {
		logger.Println("apns: not configured, push notifications disabled")
		return nil, nil
	}

	authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load apns auth key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Printf("apns: ready (production=%v, topic=%s)", cfg.Production, cfg.BundleID)
	return &APNsClient{client: client, bundleID: cfg.BundleID, logger: logger}, nil
}

// VideoReady describes a finished story video.
type VideoReady struct {
	StoryID    string
	StoryTitle string
	SceneCount int
}

func videoReadyPayload(v VideoReady) *payload.Payload {
	title := "Your story video is ready"
	if v.StoryTitle != "" {
		title = fmt.Sprintf("%q is ready to watch", v.StoryTitle)
	}
	scenes := "1 illustrated scene"
	if v.SceneCount != 1 {
		scenes = fmt.Sprintf("%d illustrated scenes", v.SceneCount)
	}
	return payload.NewPayload().
		AlertTitle(title).
		AlertBody(scenes+", captions included.").
		Sound("default").
		ThreadID("story-"+v.StoryID).
		Custom("notification_type", "video_ready").
		Custom("story_id", v.StoryID)
}

// SendVideoReady tells a device that a story's video finished rendering.
// A re-export replaces the earlier notification for the same story.
func (c *APNsClient) SendVideoReady(deviceToken string, v VideoReady) error {
	if c == nil {
		return nil
	}
	return c.push(&apns2.Notification{
		DeviceToken: deviceToken,
		CollapseID:  "video-" + v.StoryID,
		Payload:     videoReadyPayload(v),
		Expiration:  time.Now().Add(24 * time.Hour),
	})
}

// SendTestNotification checks a freshly registered device end to end.
func (c *APNsClient) SendTestNotification(deviceToken, message string) error {
	if c == nil {
		return nil
	}
	return c.push(&apns2.Notification{
		DeviceToken: deviceToken,
		Payload:     payload.NewPayload().AlertTitle("Storyreel").AlertBody(message).Sound("default"),
		Expiration:  time.Now().Add(time.Hour),
	})
}

func (c *APNsClient) push(n *apns2.Notification) error {
	n.Topic = c.bundleID
	n.PushType = apns2.PushTypeAlert

	res, err := c.client.Push(n)
	if err != nil {
		return fmt.Errorf("apns push: %w", err)
	}
	if !res.Sent() {
		c.logger.Printf("apns: %s... rejected (status=%d, reason=%s)", tokenPrefix(n.DeviceToken), res.StatusCode, res.Reason)
		if tokenGone(res.Reason) {
			return ErrTokenGone
		}
		return fmt.Errorf("apns rejected notification: %s", res.Reason)
	}
	c.logger.Printf("apns: sent to %s... (id=%s)", tokenPrefix(n.DeviceToken), res.ApnsID)
	return nil
}

func tokenGone(reason string) bool {
	switch reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}

func tokenPrefix(t string) string {
	if len(t) > 16 {
		return t[:16]
	}
	return t
}
