package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lukasbauer/storyreel/internal/eventlog"
	"github.com/lukasbauer/storyreel/internal/store"
	"github.com/lukasbauer/storyreel/internal/story"
)

const maxTitleLength = 200

// handleCreateStory creates an empty story and returns its access token.
func (r *Router) handleCreateStory(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(body.Title)
	if utf8.RuneCountInString(title) > maxTitleLength {
		http.Error(w, `{"error": "title too long"}`, http.StatusBadRequest)
		return
	}

	st, err := r.store.CreateStory(req.Context(), title)
	if err != nil {
		r.logger.Printf("story: failed to create story: %v", err)
		captureError(req, err, "story: create")
		http.Error(w, `{"error": "failed to create story"}`, http.StatusInternalServerError)
		return
	}

	token, expiresAt, err := r.generateStoryToken(st.ID)
	if err != nil {
		r.logger.Printf("story: failed to sign token: %v", err)
		captureError(req, err, "story: sign token")
		http.Error(w, `{"error": "failed to create story"}`, http.StatusInternalServerError)
		return
	}

	r.logger.Printf("story: created %s", st.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"story":      st,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (r *Router) handleGetStory(w http.ResponseWriter, req *http.Request) {
	st, ok := r.loadStory(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"story":     st,
		"narrating": r.sessions.Has(st.ID),
	})
}

func (r *Router) handleListScenes(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	scenes, err := r.store.ListScenes(req.Context(), id)
	if err != nil {
		r.logger.Printf("story: failed to list scenes for %s: %v", id, err)
		captureError(req, err, "story: list scenes")
		http.Error(w, `{"error": "failed to list scenes"}`, http.StatusInternalServerError)
		return
	}
	if scenes == nil {
		scenes = []store.Scene{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": scenes})
}

func (r *Router) handleListEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.eventLog.List(req.Context(), id, limit)
	if err != nil {
		r.logger.Printf("story: failed to list events for %s: %v", id, err)
		captureError(req, err, "story: list events")
		http.Error(w, `{"error": "failed to list events"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleClearScenes wipes the story's transcript and scene history. A live
// narration is cleared on its own loop so its cursor resets too.
func (r *Router) handleClearScenes(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if r.sessions.Post(id, func(s *story.Session) { s.Clear() }) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := r.store.ClearStory(req.Context(), id); err != nil {
		r.logger.Printf("story: failed to clear %s: %v", id, err)
		captureError(req, err, "story: clear")
		http.Error(w, `{"error": "failed to clear story"}`, http.StatusInternalServerError)
		return
	}
	r.eventLog.LogAsync(id, eventlog.EventStoryCleared, map[string]any{"source": "api"})
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) loadStory(w http.ResponseWriter, req *http.Request) (*store.Story, bool) {
	id := req.PathValue("id")
	st, err := r.store.GetStory(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "story not found"}`, http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		r.logger.Printf("story: failed to load %s: %v", id, err)
		captureError(req, err, "story: load")
		http.Error(w, `{"error": "failed to load story"}`, http.StatusInternalServerError)
		return nil, false
	}
	return st, true
}
