package worker

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/substrate/internal/db/gorm"
	"github.com/thebtf/substrate/pkg/models"
)

// CreateTicketRequest is the body of POST /api/work/tickets.
type CreateTicketRequest struct {
	WorkspaceID string           `json:"workspace_id"`
	AgentType   models.AgentType `json:"agent_type"`
	Title       string           `json:"title"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Priority    int              `json:"priority"`
}

// ContextRequest is the body of POST /api/workspaces/{ws}/context.
type ContextRequest struct {
	EntryType models.ContextEntryType `json:"entry_type"`
	Title     string                  `json:"title"`
	Data      json.RawMessage         `json:"data,omitempty"`
	Tags      []string                `json:"tags"`
}

// contextPatch is the body of PATCH /api/workspaces/{ws}/context/{id}. The
// entry type is fixed at creation.
type contextPatch struct {
	Title *string          `json:"title"`
	Data  *json.RawMessage `json:"data"`
	Tags  *[]string        `json:"tags"`
}

// Tickets

func (s *Service) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := gorm.TicketFilter{
		WorkspaceID: q.Get("workspace_id"),
		Status:      models.TicketStatus(q.Get("status")),
		AgentType:   models.AgentType(q.Get("agent_type")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, &models.ValidationError{Field: "status", Message: "unknown status " + string(filter.Status)})
		return
	}
	if filter.WorkspaceID != "" {
		if err := ValidateWorkspaceID(filter.WorkspaceID); err != nil {
			writeError(w, err)
			return
		}
	}

	tickets, err := s.currentDeps().Tickets.List(r.Context(), filter, gorm.ParsePaginationParams(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, tickets)
}

func (s *Service) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req CreateTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := ValidateWorkspaceID(req.WorkspaceID); err != nil {
		writeError(w, err)
		return
	}

	ticket, err := s.currentDeps().Tickets.Create(r.Context(), &models.WorkTicket{
		WorkspaceID: req.WorkspaceID,
		AgentType:   req.AgentType,
		Title:       req.Title,
		Payload:     req.Payload,
		Priority:    req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, ticket)
}

func (s *Service) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.currentDeps().Tickets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ticket)
}

// handleCancelTicket cancels a pending ticket. Anything else is a conflict.
func (s *Service) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.currentDeps().Tickets.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.sseBroadcaster.TicketStatus(ticket.ID, ticket.Status)
	writeJSON(w, ticket)
}

// handleRetryTicket puts a failed ticket back in the queue.
func (s *Service) handleRetryTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.currentDeps().Tickets.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.sseBroadcaster.TicketStatus(ticket.ID, ticket.Status)
	writeJSON(w, ticket)
}

// Workspace context

func (s *Service) handleListContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := gorm.ContextFilter{
		EntryType:       models.ContextEntryType(q.Get("type")),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if filter.EntryType != "" && !filter.EntryType.Valid() {
		writeError(w, &models.ValidationError{Field: "type", Message: "unknown entry type " + string(filter.EntryType)})
		return
	}

	entries, err := s.currentDeps().Context.List(r.Context(), chi.URLParam(r, "ws"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Service) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	entry, err := s.currentDeps().Context.Create(r.Context(), &models.ContextEntry{
		WorkspaceID: chi.URLParam(r, "ws"),
		EntryType:   req.EntryType,
		Title:       req.Title,
		Data:        req.Data,
		Tags:        req.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, entry)
}

func (s *Service) handleGetContext(w http.ResponseWriter, r *http.Request) {
	entry, err := s.currentDeps().Context.Get(r.Context(), chi.URLParam(r, "ws"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, entry)
}

func (s *Service) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var patch contextPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	store := s.currentDeps().Context
	entry, err := store.Get(r.Context(), chi.URLParam(r, "ws"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	setIf(&entry.Title, patch.Title)
	setIf(&entry.Data, patch.Data)
	setIf(&entry.Tags, patch.Tags)

	updated, err := store.Update(r.Context(), entry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, updated)
}

func (s *Service) handleArchiveContext(w http.ResponseWriter, r *http.Request) {
	if err := s.currentDeps().Context.Archive(r.Context(), chi.URLParam(r, "ws"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
