package worker

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/thebtf/substrate/pkg/models"
)

// UserIDHeader carries the caller's identity, set by the authenticating web tier.
const UserIDHeader = "X-User-ID"

type (
	requestIDKey struct{}
	userIDKey    struct{}
)

// workspaceIDPattern validates workspace identifiers taken from the URL.
var workspaceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// SecurityHeaders adds security headers and answers CORS for the given origins.
// Origins are matched exactly.
func SecurityHeaders(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy", "default-src 'none'")
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

			origin := r.Header.Get("Origin")
			if allowed[origin] {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+UserIDHeader)
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySize limits the size of incoming request bodies.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeErrorStatus(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// CronAuth requires `Authorization: Bearer <secret>`. An empty secret rejects
// every request, so an unconfigured deployment never exposes cron routes.
func CronAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if secret == "" || !found || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeError(w, fmt.Errorf("invalid or missing bearer token: %w", models.ErrUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser reads the caller from the X-User-ID header; requests without one get 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" || len(userID) > 128 {
			writeError(w, fmt.Errorf("missing %s: %w", UserIDHeader, models.ErrUnauthorized))
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the caller set by RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// RequestID adds a request ID to the context and the response headers,
// reusing the client's X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			idBytes := make([]byte, 8)
			if _, err := rand.Read(idBytes); err == nil {
				requestID = hex.EncodeToString(idBytes)
			} else {
				requestID = fmt.Sprintf("%d", time.Now().UnixNano())
			}
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequireJSONContentType rejects POST/PUT/PATCH bodies that are not JSON.
func RequireJSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			// Allow empty Content-Type for requests without body
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				writeErrorStatus(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateWorkspaceID checks a workspace identifier taken from the path.
func ValidateWorkspaceID(id string) error {
	if id == "" {
		return &models.ValidationError{Field: "workspace_id", Message: "required"}
	}
	if len(id) > 128 {
		return &models.ValidationError{Field: "workspace_id", Message: "too long (max 128 chars)"}
	}
	if strings.Contains(id, "..") || !workspaceIDPattern.MatchString(id) {
		return &models.ValidationError{Field: "workspace_id", Message: "only letters, digits, dot, dash and underscore allowed"}
	}
	return nil
}
