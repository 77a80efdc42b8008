package worker

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/substrate/internal/chat"
	"github.com/thebtf/substrate/internal/chatstream"
	"github.com/thebtf/substrate/internal/db/gorm"
	"github.com/thebtf/substrate/pkg/models"
)

// Handler defaults
const (
	// DefaultMessagesLimit is the number of messages returned without ?limit.
	DefaultMessagesLimit = 100

	// DefaultTransactionsLimit is the number of ledger lines shown with a balance.
	DefaultTransactionsLimit = 20

	// ChatKeepAlive is how often a started chat stream that has gone idle gets
	// a comment frame.
	ChatKeepAlive = 15 * time.Second
)

// ChatRequest is the body of POST /api/sessions/{id}/chat.
type ChatRequest struct {
	Content string `json:"content"`
}

// SceneCompleteRequest is the image service's callback body.
type SceneCompleteRequest struct {
	Status   models.SceneStatus `json:"status"`
	ImageURL string             `json:"image_url"`
}

// GrantRequest is the body of POST /api/admin/sparks/grant.
type GrantRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
	Amount int    `json:"amount"`
}

// SparksResponse is a balance plus recent ledger lines.
type SparksResponse struct {
	Balance      *models.SparkBalance       `json:"balance"`
	Transactions []*models.SparkTransaction `json:"transactions"`
}

// ownedSession loads a session and hides it from anyone but its player.
func (s *Service) ownedSession(r *http.Request, id string) (*models.Session, error) {
	session, err := s.currentDeps().Sessions.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if session.UserID != UserID(r.Context()) {
		return nil, models.ErrNotFound
	}
	return session, nil
}

// handleStartSession opens (or resumes) the caller's playthrough of an episode.
func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	deps := s.currentDeps()
	episode, err := deps.Episodes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if episode.Status != models.PublishPublished {
		writeError(w, fmt.Errorf("episode is not published: %w", models.ErrConflict))
		return
	}
	series, err := deps.Series.Get(r.Context(), episode.SeriesID)
	if err != nil {
		writeError(w, fmt.Errorf("load series: %w", err))
		return
	}

	session, created, err := deps.Sessions.Start(r.Context(), UserID(r.Context()), episode, series.CharacterID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, session)
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.currentDeps().Sessions.ListByUser(r.Context(), UserID(r.Context()), gorm.ParsePaginationParams(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, session)
}

func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := min(gorm.ParseLimitParam(r, DefaultMessagesLimit), gorm.MaxPaginationLimit)
	msgs, err := s.currentDeps().Messages.ListBySession(r.Context(), session.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, msgs)
}

// handleChat runs one chat turn and streams its events. Errors found before
// the first event are plain JSON errors; needs_sparks streams with status 402.
func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sw, err := chatstream.NewWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	// mu serializes the director's events with keep-alive comments.
	var (
		mu       sync.Mutex
		lastType chatstream.EventType
	)
	emit := func(ev chatstream.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.Type == chatstream.EventNeedsSparks {
			sw.SetStatus(http.StatusPaymentRequired)
		}
		lastType = ev.Type
		return sw.Write(ev)
	}

	// Keep idle proxies from closing a stream that has gone quiet mid-reply.
	// Nothing is sent before the first event: an early frame would commit a 200
	// and a later needs_sparks could no longer answer 402.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(ChatKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				mu.Lock()
				if sw.Started() {
					_ = sw.Comment("keep-alive")
				}
				mu.Unlock()
			}
		}
	}()

	err = s.currentDeps().Director.Send(r.Context(), chat.SendRequest{
		UserID:    UserID(r.Context()),
		SessionID: chi.URLParam(r, "id"),
		Text:      req.Content,
	}, emit)

	mu.Lock()
	defer mu.Unlock()
	if err == nil {
		return
	}
	if !sw.Started() {
		writeError(w, err)
		return
	}
	if lastType == chatstream.EventError || lastType == chatstream.EventNeedsSparks || r.Context().Err() != nil {
		return
	}
	log.Error().Err(err).Str("session", chi.URLParam(r, "id")).Msg("Chat turn failed after streaming started")
	_ = sw.Write(chatstream.Event{Type: chatstream.EventError, Error: "internal error"})
}

func (s *Service) handleListScenes(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	scenes, err := s.currentDeps().Scenes.ListBySession(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, scenes)
}

func (s *Service) handleGetScene(w http.ResponseWriter, r *http.Request) {
	scene, err := s.currentDeps().Scenes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedSession(r, scene.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, scene)
}

// handleCompleteScene is the image service's callback: status ready with an
// image URL, or failed.
func (s *Service) handleCompleteScene(w http.ResponseWriter, r *http.Request) {
	var req SceneCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	scenes := s.currentDeps().Scenes
	id := chi.URLParam(r, "id")
	var (
		scene *models.Scene
		err   error
	)
	switch req.Status {
	case models.SceneReady:
		url := strings.TrimSpace(req.ImageURL)
		if url == "" {
			writeError(w, &models.ValidationError{Field: "image_url", Message: "required when status is ready"})
			return
		}
		scene, err = scenes.MarkReady(r.Context(), id, url)
	case models.SceneFailed:
		scene, err = scenes.MarkFailed(r.Context(), id)
	default:
		writeError(w, &models.ValidationError{Field: "status", Message: "must be ready or failed"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, scene)
}

func (s *Service) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	list, err := s.currentDeps().Relationships.ListByUser(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (s *Service) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	deps := s.currentDeps()
	c, err := deps.Characters.Get(r.Context(), chi.URLParam(r, "characterID"))
	if err != nil {
		writeError(w, err)
		return
	}
	rel, err := deps.Relationships.Get(r.Context(), UserID(r.Context()), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rel)
}

func (s *Service) handleGetSparks(w http.ResponseWriter, r *http.Request) {
	deps := s.currentDeps()
	userID := UserID(r.Context())
	balance, err := deps.Sparks.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := min(gorm.ParseLimitParam(r, DefaultTransactionsLimit), gorm.MaxPaginationLimit)
	txns, err := deps.Sparks.Transactions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, SparksResponse{Balance: balance, Transactions: txns})
}

// handleGrantSparks credits a user, e.g. after a purchase.
func (s *Service) handleGrantSparks(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	switch {
	case req.UserID == "":
		writeError(w, &models.ValidationError{Field: "user_id", Message: "required"})
		return
	case req.Amount <= 0:
		writeError(w, &models.ValidationError{Field: "amount", Message: "must be positive"})
		return
	}
	if req.Reason == "" {
		req.Reason = "grant"
	}

	balance, err := s.currentDeps().Sparks.Grant(r.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, balance)
}
