package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/storyreel/internal/eventlog"
	"github.com/lukasbauer/storyreel/internal/imageproxy"
	"github.com/lukasbauer/storyreel/internal/notifications"
	"github.com/lukasbauer/storyreel/internal/store"
	"github.com/lukasbauer/storyreel/internal/video"
)

// ExportStore is the part of *store.Store the export job needs.
type ExportStore interface {
	ClaimExport(ctx context.Context) (*store.VideoExport, error)
	CompleteExport(ctx context.Context, storyID, path string) error
	FailExport(ctx context.Context, storyID, reason string) error
	RequeueStaleExports(ctx context.Context, olderThan time.Duration) (int64, error)
	GetStory(ctx context.Context, id string) (*store.Story, error)
	ListScenes(ctx context.Context, storyID string) ([]store.Scene, error)
	GetStoryPushTokens(ctx context.Context, storyID string) ([]store.DevicePushToken, error)
	UnregisterPushToken(ctx context.Context, token string) error
}

type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) (imageproxy.Image, error)
}

type Compiler interface {
	Compile(ctx context.Context, frames []video.Frame) ([]byte, error)
}

type Pusher interface {
	SendVideoReady(deviceToken string, v notifications.VideoReady) error
}

type FailureAlerter interface {
	NotifyExportFailed(ctx context.Context, storyID, reason string)
}

// VideoExportConfig controls where videos land and how the queue is polled.
type VideoExportConfig struct {
	OutputDir     string
	Interval      time.Duration // poll interval (default 10s)
	StaleAfter    time.Duration // rendering rows older than this are requeued (default 10m)
	RenderTimeout time.Duration // per export (default 5m)
}

// VideoExportJob renders queued story exports into mp4 files.
// It polls the video_exports table and can be woken early with Kick.
type VideoExportJob struct {
	store    ExportStore
	fetcher  ImageFetcher
	compiler Compiler
	pusher   Pusher
	alerter  FailureAlerter
	events   *eventlog.Logger
	logger   *log.Logger
	cfg      VideoExportConfig

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewVideoExportJob(s ExportStore, fetcher ImageFetcher, compiler Compiler, pusher Pusher, alerter FailureAlerter, events *eventlog.Logger, logger *log.Logger, cfg VideoExportConfig) *VideoExportJob {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.RenderTimeout == 0 {
		cfg.RenderTimeout = 5 * time.Minute
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "storyreel-exports")
	}
	return &VideoExportJob{
		store:    s,
		fetcher:  fetcher,
		compiler: compiler,
		pusher:   pusher,
		alerter:  alerter,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background job.
func (j *VideoExportJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("export: started (interval=%v, dir=%s)", j.cfg.Interval, j.cfg.OutputDir)
}

// Stop waits for the current render to finish.
func (j *VideoExportJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("export: stopped")
}

// Kick wakes the worker without waiting for the next tick. Never blocks.
func (j *VideoExportJob) Kick() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Path returns where a story's finished video is written.
func (j *VideoExportJob) Path(storyID string) string {
	return filepath.Join(j.cfg.OutputDir, storyID+".mp4")
}

func (j *VideoExportJob) run() {
	defer j.wg.Done()

	j.processAll(context.Background())

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.processAll(context.Background())
		case <-j.wake:
			j.processAll(context.Background())
		case <-j.stopCh:
			return
		}
	}
}

// processAll drains the queue. Returns the number of exports handled.
func (j *VideoExportJob) processAll(ctx context.Context) int {
	if n, err := j.store.RequeueStaleExports(ctx, j.cfg.StaleAfter); err != nil {
		j.logger.Printf("export: failed to requeue stale exports: %v", err)
	} else if n > 0 {
		j.logger.Printf("export: requeued %d stale exports", n)
	}

	handled := 0
	for {
		select {
		case <-j.stopCh:
			return handled
		default:
		}

		exp, err := j.store.ClaimExport(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return handled
		}
		if err != nil {
			j.logger.Printf("export: failed to claim export: %v", err)
			return handled
		}
		j.process(ctx, exp.StoryID)
		handled++
	}
}

func (j *VideoExportJob) process(ctx context.Context, storyID string) {
	start := time.Now()
	renderCtx, cancel := context.WithTimeout(ctx, j.cfg.RenderTimeout)
	defer cancel()

	st, scenes, err := j.render(renderCtx, storyID)
	if err != nil {
		j.fail(ctx, storyID, err)
		return
	}

	j.logger.Printf("export: story %s rendered %d scenes in %v", storyID, len(scenes), time.Since(start).Round(time.Millisecond))
	j.events.LogAsync(storyID, eventlog.EventExportCompleted, map[string]any{
		"scenes":      len(scenes),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	j.notifyReady(ctx, st, len(scenes))
}

func (j *VideoExportJob) render(ctx context.Context, storyID string) (*store.Story, []store.Scene, error) {
	st, err := j.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, nil, fmt.Errorf("load story: %w", err)
	}
	scenes, err := j.store.ListScenes(ctx, storyID)
	if err != nil {
		return nil, nil, fmt.Errorf("list scenes: %w", err)
	}

	frames := make([]video.Frame, 0, len(scenes))
	for _, sc := range scenes {
		img, err := j.fetcher.Fetch(ctx, sc.IllustrationRef)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch scene %d: %w", sc.Seq, err)
		}
		frames = append(frames, video.Frame{Image: img.Data, Caption: sc.Narrative})
	}

	data, err := j.compiler.Compile(ctx, frames)
	if err != nil {
		return nil, nil, err
	}

	path, err := j.write(storyID, data)
	if err != nil {
		return nil, nil, err
	}
	if err := j.store.CompleteExport(ctx, storyID, path); err != nil {
		return nil, nil, fmt.Errorf("mark complete: %w", err)
	}
	return st, scenes, nil
}

// write replaces the story's video atomically so downloads never see a
// partial file.
func (j *VideoExportJob) write(storyID string, data []byte) (string, error) {
	if err := os.MkdirAll(j.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := j.Path(storyID)
	tmp, err := os.CreateTemp(j.cfg.OutputDir, storyID+"-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write video: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write video: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("move video: %w", err)
	}
	return path, nil
}

func (j *VideoExportJob) fail(ctx context.Context, storyID string, err error) {
	j.logger.Printf("export: story %s failed: %v", storyID, err)
	if ferr := j.store.FailExport(ctx, storyID, err.Error()); ferr != nil {
		j.logger.Printf("export: failed to mark story %s failed: %v", storyID, ferr)
	}
	j.events.LogAsync(storyID, eventlog.EventExportFailed, map[string]any{"error": err.Error()})

	if errors.Is(err, video.ErrNoFrames) {
		return
	}
	if j.alerter != nil {
		j.alerter.NotifyExportFailed(ctx, storyID, err.Error())
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("story_id", storyID)
		scope.SetTag("component", "export")
		sentry.CaptureException(err)
	})
}

func (j *VideoExportJob) notifyReady(ctx context.Context, st *store.Story, sceneCount int) {
	if j.pusher == nil {
		return
	}
	tokens, err := j.store.GetStoryPushTokens(ctx, st.ID)
	if err != nil {
		j.logger.Printf("export: failed to get push tokens for story %s: %v", st.ID, err)
		return
	}
	ready := notifications.VideoReady{StoryID: st.ID, StoryTitle: st.Title, SceneCount: sceneCount}
	for _, t := range tokens {
		if t.Platform != store.PlatformIOS {
			continue
		}
		err := j.pusher.SendVideoReady(t.Token, ready)
		switch {
		case errors.Is(err, notifications.ErrTokenGone):
			if err := j.store.UnregisterPushToken(ctx, t.Token); err != nil {
				j.logger.Printf("export: forget stale token for story %s: %v", st.ID, err)
			}
		case err != nil:
			j.logger.Printf("export: push to story %s failed: %v", st.ID, err)
		}
	}
}
