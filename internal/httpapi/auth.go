package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const storyContextKey contextKey = "story"

// StoryClaims grants access to exactly one story. Tokens are handed out when
// the story is created; there is no user account behind them.
type StoryClaims struct {
	jwt.RegisteredClaims
	StoryID string `json:"story_id"`
}

// withAuth requires a valid story token, from the Authorization header or,
// for websockets which cannot set headers from a browser, the token query
// parameter.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tokenString, ok := bearerToken(req)
		if !ok {
			http.Error(w, `{"error": "missing authorization"}`, http.StatusUnauthorized)
			return
		}

		claims, err := r.parseStoryToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(req.Context(), storyContextKey, claims)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// withStory is withAuth plus a check that the token belongs to the {id} in
// the path.
func (r *Router) withStory(next http.HandlerFunc) http.HandlerFunc {
	return r.withAuth(func(w http.ResponseWriter, req *http.Request) {
		claims := getStoryClaims(req.Context())
		if claims == nil || claims.StoryID != req.PathValue("id") {
			http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func bearerToken(req *http.Request) (string, bool) {
	if authHeader := req.Header.Get("Authorization"); authHeader != "" {
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if t := req.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

const tokenIssuer = "storyreel"

var errNoStory = errors.New("token names no story")

func (r *Router) parseStoryToken(raw string) (*StoryClaims, error) {
	claims := &StoryClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(r.cfg.JWTSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.StoryID == "" {
		return nil, errNoStory
	}
	return claims, nil
}

func getStoryClaims(ctx context.Context) *StoryClaims {
	claims, _ := ctx.Value(storyContextKey).(*StoryClaims)
	return claims
}

// generateStoryToken signs a token that opens storyID until the configured
// expiry.
func (r *Router) generateStoryToken(storyID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(r.cfg.JWTExpiry)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, StoryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   storyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		StoryID: storyID,
	}).SignedString([]byte(r.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign story token: %w", err)
	}
	return signed, expiresAt, nil
}
