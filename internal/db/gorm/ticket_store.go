package gorm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// StaleTicketError is recorded on running tickets that never reported back.
const StaleTicketError = "stale: no completion recorded"

// TicketStore provides work-queue database operations using GORM.
type TicketStore struct {
	db *gorm.DB
}

// NewTicketStore creates a new ticket store.
func NewTicketStore(store *Store) *TicketStore {
	return &TicketStore{db: store.DB}
}

// TicketFilter narrows List.
type TicketFilter struct {
	WorkspaceID string
	Status      models.TicketStatus
	AgentType   models.AgentType
}

// Create validates and enqueues a ticket as pending.
func (s *TicketStore) Create(ctx context.Context, t *models.WorkTicket) (*models.WorkTicket, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	row := &WorkTicket{
		WorkspaceID: t.WorkspaceID,
		AgentType:   string(t.AgentType),
		Title:       t.Title,
		Priority:    t.Priority,
		Status:      string(models.TicketPending),
		Payload:     jsonColumn(t.Payload),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelTicket(row), nil
}

// Get fetches a ticket by ID.
func (s *TicketStore) Get(ctx context.Context, id string) (*models.WorkTicket, error) {
	if !isUUID(id) {
		return nil, models.ErrNotFound
	}
	var row WorkTicket
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelTicket(&row), nil
}

// List returns tickets newest first.
func (s *TicketStore) List(ctx context.Context, f TicketFilter, page PaginationParams) ([]*models.WorkTicket, error) {
	var rows []WorkTicket
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if f.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.AgentType != "" {
		q = q.Where("agent_type = ?", string(f.AgentType))
	}
	if err := paginate(q, page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return toModelTickets(rows), nil
}

// ListPending returns up to limit pending tickets, highest priority first and
// oldest first within a priority.
func (s *TicketStore) ListPending(ctx context.Context, limit int) ([]*models.WorkTicket, error) {
	var rows []WorkTicket
	err := s.db.WithContext(ctx).
		Where("status = ?", string(models.TicketPending)).
		Order("priority DESC").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending tickets: %w", err)
	}
	return toModelTickets(rows), nil
}

// Claim moves a ticket from pending to running. It reports false, without error,
// when the ticket is no longer pending because another claimant won.
func (s *TicketStore) Claim(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&WorkTicket{}).
		Where("id = ? AND status = ?", id, string(models.TicketPending)).
		Updates(map[string]any{
			"status":     string(models.TicketRunning),
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
			"error":      "",
			"updated_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("claim ticket %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Complete records a successful run of a running ticket.
func (s *TicketStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now()
	return s.finish(ctx, id, map[string]any{
		"status":       string(models.TicketCompleted),
		"result":       jsonColumn(result),
		"completed_at": now,
		"updated_at":   now,
	})
}

// Fail records a failed run of a running ticket.
func (s *TicketStore) Fail(ctx context.Context, id, message string) error {
	now := time.Now()
	return s.finish(ctx, id, map[string]any{
		"status":       string(models.TicketFailed),
		"error":        message,
		"completed_at": now,
		"updated_at":   now,
	})
}

func (s *TicketStore) finish(ctx context.Context, id string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&WorkTicket{}).
		Where("id = ? AND status = ?", id, string(models.TicketRunning)).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("finish ticket %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("ticket %s is not running: %w", id, models.ErrConflict)
	}
	return nil
}

// Cancel cancels a pending ticket.
func (s *TicketStore) Cancel(ctx context.Context, id string) (*models.WorkTicket, error) {
	return s.transition(ctx, id, models.TicketPending, map[string]any{
		"status":     string(models.TicketCancelled),
		"updated_at": time.Now(),
	})
}

// Retry puts a failed ticket back in the queue.
func (s *TicketStore) Retry(ctx context.Context, id string) (*models.WorkTicket, error) {
	return s.transition(ctx, id, models.TicketFailed, map[string]any{
		"status":       string(models.TicketPending),
		"error":        "",
		"claimed_at":   nil,
		"completed_at": nil,
		"updated_at":   time.Now(),
	})
}

// transition applies updates when the ticket is in state from. A missing ticket is
// ErrNotFound; a ticket in any other state is ErrConflict.
func (s *TicketStore) transition(ctx context.Context, id string, from models.TicketStatus, updates map[string]any) (*models.WorkTicket, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).
		Model(&WorkTicket{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("ticket %s is %s, not %s: %w", id, current.Status, from, models.ErrConflict)
	}
	return s.Get(ctx, id)
}

// ReapStale fails running tickets claimed before cutoff and returns how many were reaped.
func (s *TicketStore) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&WorkTicket{}).
		Where("status = ? AND claimed_at < ?", string(models.TicketRunning), cutoff).
		Updates(map[string]any{
			"status":       string(models.TicketFailed),
			"error":        StaleTicketError,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("reap stale tickets: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountByStatus returns ticket counts for every status, zero-filled.
func (s *TicketStore) CountByStatus(ctx context.Context) (map[models.TicketStatus]int64, error) {
	return countTicketsByStatus(ctx, s.db)
}

func countTicketsByStatus(ctx context.Context, db *gorm.DB) (map[models.TicketStatus]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := db.WithContext(ctx).
		Model(&WorkTicket{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count tickets: %w", err)
	}
	counts := make(map[models.TicketStatus]int64, len(models.AllTicketStatuses))
	for _, st := range models.AllTicketStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[models.TicketStatus(r.Status)] = r.Count
	}
	return counts, nil
}

func toModelTickets(rows []WorkTicket) []*models.WorkTicket {
	out := make([]*models.WorkTicket, 0, len(rows))
	for i := range rows {
		out = append(out, toModelTicket(&rows[i]))
	}
	return out
}
