package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lukasbauer/storyreel/internal/notifications"
	"github.com/lukasbauer/storyreel/internal/store"
)

type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// decodePushToken reads the request body and writes the 400 itself.
func decodePushToken(w http.ResponseWriter, req *http.Request) (pushTokenRequest, bool) {
	var body pushTokenRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return body, false
	}
	if body.Token == "" {
		http.Error(w, `{"error": "token is required"}`, http.StatusBadRequest)
		return body, false
	}
	return body, true
}

// handlePushRegister subscribes a device to the story's "video ready" push.
func (r *Router) handlePushRegister(w http.ResponseWriter, req *http.Request) {
	claims := getStoryClaims(req.Context())
	if claims == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	body, ok := decodePushToken(w, req)
	if !ok {
		return
	}
	if !store.ValidPlatform(body.Platform) {
		http.Error(w, `{"error": "platform must be 'ios' or 'android'"}`, http.StatusBadRequest)
		return
	}

	if err := r.store.RegisterPushToken(req.Context(), claims.StoryID, body.Token, body.Platform); err != nil {
		r.logger.Printf("push: story %s: %v", claims.StoryID, err)
		captureError(req, err, "register push token")
		http.Error(w, `{"error": "failed to register token"}`, http.StatusInternalServerError)
		return
	}
	r.logger.Printf("push: story %s registered a %s device", claims.StoryID, body.Platform)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (r *Router) handlePushUnregister(w http.ResponseWriter, req *http.Request) {
	claims := getStoryClaims(req.Context())
	if claims == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	body, ok := decodePushToken(w, req)
	if !ok {
		return
	}

	if err := r.store.UnregisterPushToken(req.Context(), body.Token); err != nil {
		r.logger.Printf("push: story %s: %v", claims.StoryID, err)
		http.Error(w, `{"error": "failed to unregister token"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handlePushTest sends a test alert to the story's iOS devices. Tokens Apple
// rejects as gone are forgotten.
func (r *Router) handlePushTest(w http.ResponseWriter, req *http.Request) {
	claims := getStoryClaims(req.Context())
	if claims == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if r.apns == nil {
		http.Error(w, `{"error": "push notifications not configured"}`, http.StatusServiceUnavailable)
		return
	}

	tokens, err := r.store.GetStoryPushTokens(req.Context(), claims.StoryID)
	if err != nil {
		r.logger.Printf("push: story %s: %v", claims.StoryID, err)
		http.Error(w, `{"error": "failed to list tokens"}`, http.StatusInternalServerError)
		return
	}

	var sent, removed int
	for _, t := range tokens {
		if t.Platform != store.PlatformIOS {
			continue
		}
		err := r.apns.SendTestNotification(t.Token, "Notifications are working.")
		switch {
		case errors.Is(err, notifications.ErrTokenGone):
			if err := r.store.UnregisterPushToken(req.Context(), t.Token); err == nil {
				removed++
			}
		case err != nil:
			r.logger.Printf("push: test to story %s failed: %v", claims.StoryID, err)
		default:
			sent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent, "removed": removed})
}
