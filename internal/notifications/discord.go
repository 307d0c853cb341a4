package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// DefaultAlertCooldown limits how often the same kind of alert is posted.
const DefaultAlertCooldown = 10 * time.Minute

const (
	colorFailure = 0xE74C3C
	colorWarning = 0xF39C12
)

// Discord posts operator alerts to a webhook. Posting is fire-and-forget and
// a disabled or nil notifier does nothing.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
	cooldown   time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
		cooldown:   DefaultAlertCooldown,
		lastSent:   map[string]time.Time{},
	}
}

func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

func storyEmbed(title, description string, color int, storyID string) discordEmbed {
	return discordEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Fields:      []embedField{{Name: "Story", Value: fmt.Sprintf("`%s`", storyID), Inline: true}},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// allow reports whether an alert with this key may go out now.
func (d *Discord) allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

func (d *Discord) post(ctx context.Context, msg discordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		d.logger.Printf("discord: marshal: %v", err)
		return
	}
	ctx = context.WithoutCancel(ctx)

	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: webhook: %v", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned %s", resp.Status)
		}
	}()
}

// NotifyExportFailed alerts operators that a video render failed. Each story
// alerts at most once per cooldown.
func (d *Discord) NotifyExportFailed(ctx context.Context, storyID string, reason string) {
	if !d.Enabled() || !d.allow("export:"+storyID) {
		return
	}
	if len(reason) > 900 {
		reason = reason[:900] + "..."
	}
	d.post(ctx, discordMessage{Embeds: []discordEmbed{
		storyEmbed("Video export failed", fmt.Sprintf("```%s```", reason), colorFailure, storyID),
	}})
}

// NotifyRecognitionDenied alerts operators that the speech provider refused a
// session. A bad key fails every story, so this alerts once per cooldown
// regardless of story.
func (d *Discord) NotifyRecognitionDenied(ctx context.Context, storyID string) {
	if !d.Enabled() || !d.allow("recognition-denied") {
		return
	}
	d.post(ctx, discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{
			storyEmbed("Speech recognition denied", "The recognition provider refused the session. Check DEEPGRAM_API_KEY.", colorWarning, storyID),
		},
	})
}
