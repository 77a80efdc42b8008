package worker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/thebtf/substrate/internal/config"
	"github.com/thebtf/substrate/pkg/models"
)

// adminStatsKey is the cache key for the admin dashboard snapshot.
const adminStatsKey = "admin_stats"

// handleHealth answers 200 immediately, even during init, so load balancers can
// connect quickly. Use /api/ready for a full readiness check.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "starting",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.ready.Load() {
		resp["status"] = "ready"
		if h := s.currentDeps().Health; h != nil {
			resp["database"] = h.HealthCheck(r.Context())
		}
		resp["chat_limiter"] = s.chatLimiter.Stats()
	} else if err := s.GetInitError(); err != nil {
		resp["status"] = "error"
	}
	writeJSON(w, resp)
}

// handleVersion returns the worker version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

// handleReady returns 200 only when fully initialized, 503 otherwise.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			writeErrorStatus(w, http.StatusInternalServerError, "init_failed", err.Error())
			return
		}
		writeErrorStatus(w, http.StatusServiceUnavailable, "initializing", "service initializing")
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 if the service isn't ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				writeErrorStatus(w, http.StatusInternalServerError, "init_failed", "service initialization failed: "+err.Error())
				return
			}
			writeErrorStatus(w, http.StatusServiceUnavailable, "initializing", "service initializing")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) currentDeps() Deps {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.deps
}

// requireWorkspace rejects malformed {ws} path segments before any handler runs.
func requireWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := ValidateWorkspaceID(chi.URLParam(r, "ws")); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAdminStats serves the dashboard snapshot, cached for StatsCacheTTL.
func (s *Service) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	s.initMu.RLock()
	loader := s.statsLoader
	s.initMu.RUnlock()
	stats := s.currentDeps().Stats

	body, err := loader.Fetch(r.Context(), adminStatsKey, s.config.StatsCacheTTL, func(ctx context.Context) ([]byte, error) {
		snapshot, err := stats.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(snapshot)
	})
	if err != nil {
		writeError(w, fmt.Errorf("collect stats: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleProcessWork runs one pass of the work queue. ?limit= bounds the batch.
func (s *Service) handleProcessWork(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, &models.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = min(n, config.MaxProcessBatchSize)
	}

	summary, err := s.currentDeps().Processor.ProcessBatch(r.Context(), limit)
	if err != nil {
		writeError(w, fmt.Errorf("process batch: %w", err))
		return
	}
	writeJSON(w, summary)
}

