package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lukasbauer/storyreel/internal/eventlog"
	"github.com/lukasbauer/storyreel/internal/store"
)

// handleQueueExport queues a video render. Queuing while one is already
// queued or rendering is a no-op that reports the current status.
func (r *Router) handleQueueExport(w http.ResponseWriter, req *http.Request) {
	st, ok := r.loadStory(w, req)
	if !ok {
		return
	}
	scenes, err := r.store.ListScenes(req.Context(), st.ID)
	if err != nil {
		r.logger.Printf("export: failed to list scenes for %s: %v", st.ID, err)
		captureError(req, err, "export: list scenes")
		http.Error(w, `{"error": "failed to queue export"}`, http.StatusInternalServerError)
		return
	}
	if len(scenes) == 0 {
		http.Error(w, `{"error": "story has no scenes to export"}`, http.StatusConflict)
		return
	}

	queued, err := r.store.QueueExport(req.Context(), st.ID)
	if err != nil {
		r.logger.Printf("export: failed to queue %s: %v", st.ID, err)
		captureError(req, err, "export: queue")
		http.Error(w, `{"error": "failed to queue export"}`, http.StatusInternalServerError)
		return
	}
	if queued {
		r.eventLog.LogAsync(st.ID, eventlog.EventExportQueued, map[string]any{"scenes": len(scenes)})
		if r.exports != nil {
			r.exports.Kick()
		}
		r.logger.Printf("export: queued story %s (%d scenes)", st.ID, len(scenes))
	}

	exp, err := r.store.GetExport(req.Context(), st.ID)
	if err != nil {
		r.logger.Printf("export: failed to read status for %s: %v", st.ID, err)
		http.Error(w, `{"error": "failed to read export status"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, exportResponse(exp))
}

func (r *Router) handleGetExport(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	exp, err := r.store.GetExport(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "no export for this story"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Printf("export: failed to read status for %s: %v", id, err)
		captureError(req, err, "export: status")
		http.Error(w, `{"error": "failed to read export status"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse(exp))
}

func (r *Router) handleDownloadVideo(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	exp, err := r.store.GetExport(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "no export for this story"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Printf("export: failed to read status for %s: %v", id, err)
		captureError(req, err, "export: download")
		http.Error(w, `{"error": "failed to read export status"}`, http.StatusInternalServerError)
		return
	}
	if exp.Status != store.ExportReady || exp.Path == nil {
		http.Error(w, fmt.Sprintf(`{"error": "video is %s"}`, exp.Status), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="story-%s.mp4"`, id))
	http.ServeFile(w, req, *exp.Path)
}

func exportResponse(exp *store.VideoExport) map[string]any {
	resp := map[string]any{"export": exp}
	if exp.Status == store.ExportReady {
		resp["video_url"] = fmt.Sprintf("/api/stories/%s/video", exp.StoryID)
	}
	return resp
}
