package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/storyreel/internal/costs"
	"github.com/lukasbauer/storyreel/internal/eventlog"
	"github.com/lukasbauer/storyreel/internal/imageproxy"
	"github.com/lukasbauer/storyreel/internal/notifications"
	"github.com/lukasbauer/storyreel/internal/segment"
	"github.com/lukasbauer/storyreel/internal/store"
	"github.com/lukasbauer/storyreel/internal/story"
	"github.com/lukasbauer/storyreel/internal/stt"
	"github.com/lukasbauer/storyreel/internal/transcript"
)

type RouterConfig struct {
	// JWT story tokens
	JWTSecret string
	JWTExpiry time.Duration

	// Narration tuning, zero values take the package defaults
	Transcript   transcript.Config
	Segment      segment.Config
	SaveInterval time.Duration
	Pricing      costs.Pricing

	// Outbound websocket buffer per narrator
	SendBuffer int
}

// Store is the persistence the HTTP layer needs. *store.Store satisfies it.
type Store interface {
	story.Persistence
	CreateStory(ctx context.Context, title string) (*store.Story, error)
	GetStory(ctx context.Context, id string) (*store.Story, error)
	ListScenes(ctx context.Context, storyID string) ([]store.Scene, error)
	QueueExport(ctx context.Context, storyID string) (bool, error)
	GetExport(ctx context.Context, storyID string) (*store.VideoExport, error)
	RegisterPushToken(ctx context.Context, storyID, token, platform string) error
	UnregisterPushToken(ctx context.Context, token string) error
	GetStoryPushTokens(ctx context.Context, storyID string) ([]store.DevicePushToken, error)
}

// ExportQueue is woken after an export is queued.
type ExportQueue interface {
	Kick()
}

// Deps are the collaborators behind the routes. Recognizer and Illustrator
// may be nil, in which case narration is refused.
type Deps struct {
	Store       Store
	Events      *eventlog.Logger
	Recognizer  stt.Recognizer
	Illustrator segment.Illustrator
	Alerter     story.Alerter
	Images      *imageproxy.Fetcher
	Exports     ExportQueue
	APNs        *notifications.APNsClient
	Sessions    *SessionRegistry
}

type Router struct {
	cfg         RouterConfig
	logger      *log.Logger
	store       Store
	eventLog    *eventlog.Logger
	recognizer  stt.Recognizer
	illustrator segment.Illustrator
	alerter     story.Alerter
	exports     ExportQueue
	apns        *notifications.APNsClient
	sessions    *SessionRegistry
	mux         *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, deps Deps) http.Handler {
	if cfg.JWTExpiry <= 0 {
		cfg.JWTExpiry = 30 * 24 * time.Hour
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	images := deps.Images
	if images == nil {
		images = imageproxy.NewFetcher(imageproxy.Config{})
	}

	r := &Router{
		cfg:         cfg,
		logger:      logger,
		store:       deps.Store,
		eventLog:    deps.Events,
		recognizer:  deps.Recognizer,
		illustrator: deps.Illustrator,
		alerter:     deps.Alerter,
		exports:     deps.Exports,
		apns:        deps.APNs,
		sessions:    sessions,
		mux:         http.NewServeMux(),
	}

	r.routes(imageproxy.NewHandler(images, logger))
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes(images http.Handler) {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Public
	r.mux.HandleFunc("POST /api/stories", r.handleCreateStory)
	r.mux.Handle("GET /api/proxy/image", images)

	// Narration websocket (token in query string)
	r.mux.HandleFunc("GET /narrate", r.withAuth(r.handleNarrateWS))

	// Story endpoints (token must match {id})
	r.mux.HandleFunc("GET /api/stories/{id}", r.withStory(r.handleGetStory))
	r.mux.HandleFunc("GET /api/stories/{id}/scenes", r.withStory(r.handleListScenes))
	r.mux.HandleFunc("DELETE /api/stories/{id}/scenes", r.withStory(r.handleClearScenes))
	r.mux.HandleFunc("GET /api/stories/{id}/events", r.withStory(r.handleListEvents))

	// Video export
	r.mux.HandleFunc("POST /api/stories/{id}/export", r.withStory(r.handleQueueExport))
	r.mux.HandleFunc("GET /api/stories/{id}/export", r.withStory(r.handleGetExport))
	r.mux.HandleFunc("GET /api/stories/{id}/video", r.withStory(r.handleDownloadVideo))

	// Push notifications
	r.mux.HandleFunc("POST /api/push/register", r.withAuth(r.handlePushRegister))
	r.mux.HandleFunc("POST /api/push/unregister", r.withAuth(r.handlePushUnregister))
	r.mux.HandleFunc("POST /api/push/test", r.withAuth(r.handlePushTest))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz fails while draining so the load balancer stops sending narrators.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
