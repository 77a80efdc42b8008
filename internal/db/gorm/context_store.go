package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// ContextStore provides workspace context-entry operations using GORM.
type ContextStore struct {
	db *gorm.DB
}

// NewContextStore creates a new context store.
func NewContextStore(store *Store) *ContextStore {
	return &ContextStore{db: store.DB}
}

// ContextFilter narrows List.
type ContextFilter struct {
	EntryType       models.ContextEntryType
	IncludeArchived bool
}

// Create adds an entry to a workspace. A second unarchived entry of a singleton
// type (problem, customer, vision, brand) is a conflict.
func (s *ContextStore) Create(ctx context.Context, e *models.ContextEntry) (*models.ContextEntry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	row := &ContextEntry{
		WorkspaceID: e.WorkspaceID,
		EntryType:   string(e.EntryType),
		Title:       e.Title,
		Data:        jsonColumn(e.Data),
		Tags:        pq.StringArray(e.Tags),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if e.EntryType.IsSingleton() {
			var n int64
			err := tx.Model(&ContextEntry{}).
				Where("workspace_id = ? AND entry_type = ? AND NOT archived", e.WorkspaceID, string(e.EntryType)).
				Count(&n).Error
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("workspace already has a %s entry: %w", e.EntryType, models.ErrConflict)
			}
		}
		return tx.Create(row).Error
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		return nil, translateError(err)
	}
	return toModelContextEntry(row), nil
}

// Get fetches an entry within a workspace.
func (s *ContextStore) Get(ctx context.Context, workspaceID, id string) (*models.ContextEntry, error) {
	if !isUUID(id) {
		return nil, models.ErrNotFound
	}
	var row ContextEntry
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", id, workspaceID).
		First(&row).Error
	if err != nil {
		return nil, translateError(err)
	}
	return toModelContextEntry(&row), nil
}

// List returns a workspace's entries, most recently updated first.
func (s *ContextStore) List(ctx context.Context, workspaceID string, f ContextFilter) ([]*models.ContextEntry, error) {
	var rows []ContextEntry
	q := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if f.EntryType != "" {
		q = q.Where("entry_type = ?", string(f.EntryType))
	}
	if !f.IncludeArchived {
		q = q.Where("NOT archived")
	}
	if err := q.Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list context entries: %w", err)
	}
	out := make([]*models.ContextEntry, 0, len(rows))
	for i := range rows {
		out = append(out, toModelContextEntry(&rows[i]))
	}
	return out, nil
}

// Update writes title, data and tags of an existing entry. The type is immutable.
func (s *ContextStore) Update(ctx context.Context, e *models.ContextEntry) (*models.ContextEntry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).
		Model(&ContextEntry{}).
		Where("id = ? AND workspace_id = ?", e.ID, e.WorkspaceID).
		Updates(map[string]any{
			"title":      e.Title,
			"data":       jsonColumn(e.Data),
			"tags":       pq.StringArray(e.Tags),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, models.ErrNotFound
	}
	return s.Get(ctx, e.WorkspaceID, e.ID)
}

// Archive hides an entry from default listings and frees its singleton slot.
func (s *ContextStore) Archive(ctx context.Context, workspaceID, id string) error {
	if !isUUID(id) {
		return models.ErrNotFound
	}
	result := s.db.WithContext(ctx).
		Model(&ContextEntry{}).
		Where("id = ? AND workspace_id = ?", id, workspaceID).
		Updates(map[string]any{
			"archived":   true,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}
