package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// CharacterStore provides character-related database operations using GORM.
type CharacterStore struct {
	db *gorm.DB
}

// NewCharacterStore creates a new character store.
func NewCharacterStore(store *Store) *CharacterStore {
	return &CharacterStore{db: store.DB}
}

// Create inserts a validated character. A duplicate slug is a conflict.
func (s *CharacterStore) Create(ctx context.Context, c *models.Character) (*models.Character, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	row := fromModelCharacter(c)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelCharacter(row), nil
}

// Get fetches a character by UUID or slug.
func (s *CharacterStore) Get(ctx context.Context, idOrSlug string) (*models.Character, error) {
	var row Character
	q := s.db.WithContext(ctx)
	if isUUID(idOrSlug) {
		q = q.Where("id = ?", idOrSlug)
	} else {
		q = q.Where("slug = ?", idOrSlug)
	}
	if err := q.First(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelCharacter(&row), nil
}

// List returns characters newest first, optionally filtered by status.
func (s *CharacterStore) List(ctx context.Context, status models.CharacterStatus, page PaginationParams) ([]*models.Character, error) {
	var rows []Character
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := paginate(q, page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	out := make([]*models.Character, 0, len(rows))
	for i := range rows {
		out = append(out, toModelCharacter(&rows[i]))
	}
	return out, nil
}

// Update writes every mutable field of c. The character must exist.
func (s *CharacterStore) Update(ctx context.Context, c *models.Character) (*models.Character, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).
		Model(&Character{}).
		Where("id = ?", c.ID).
		Updates(map[string]any{
			"slug":          c.Slug,
			"name":          c.Name,
			"archetype":     c.Archetype,
			"personality":   c.Personality,
			"backstory":     c.Backstory,
			"system_prompt": c.SystemPrompt,
			"greeting":      c.Greeting,
			"avatar_url":    c.AvatarURL,
			"status":        string(c.Status),
			"gallery":       pq.StringArray(c.Gallery),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return nil, translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, models.ErrNotFound
	}
	return s.Get(ctx, c.ID)
}

// Delete archives a character. Sessions and relationships keep referencing it.
func (s *CharacterStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&Character{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(models.CharacterArchived),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
