package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// SeriesStore provides series and episode database operations using GORM.
type SeriesStore struct {
	db *gorm.DB
}

// NewSeriesStore creates a new series store.
func NewSeriesStore(store *Store) *SeriesStore {
	return &SeriesStore{db: store.DB}
}

// Create inserts a validated series.
func (s *SeriesStore) Create(ctx context.Context, series *models.Series) (*models.Series, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	row := &Series{
		ID:          series.ID,
		Slug:        series.Slug,
		Title:       series.Title,
		Description: series.Description,
		Genre:       series.Genre,
		CharacterID: series.CharacterID,
		Status:      string(series.Status),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelSeries(row), nil
}

// Get fetches a series by UUID or slug.
func (s *SeriesStore) Get(ctx context.Context, idOrSlug string) (*models.Series, error) {
	var row Series
	q := s.db.WithContext(ctx)
	if isUUID(idOrSlug) {
		q = q.Where("id = ?", idOrSlug)
	} else {
		q = q.Where("slug = ?", idOrSlug)
	}
	if err := q.First(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelSeries(&row), nil
}

// List returns series newest first, optionally filtered by character and status.
func (s *SeriesStore) List(ctx context.Context, characterID string, status models.PublishStatus, page PaginationParams) ([]*models.Series, error) {
	var rows []Series
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if characterID != "" {
		q = q.Where("character_id = ?", characterID)
	}
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := paginate(q, page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	out := make([]*models.Series, 0, len(rows))
	for i := range rows {
		out = append(out, toModelSeries(&rows[i]))
	}
	return out, nil
}

// Update writes every mutable field of series.
func (s *SeriesStore) Update(ctx context.Context, series *models.Series) (*models.Series, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).
		Model(&Series{}).
		Where("id = ?", series.ID).
		Updates(map[string]any{
			"slug":         series.Slug,
			"title":        series.Title,
			"description":  series.Description,
			"genre":        series.Genre,
			"character_id": series.CharacterID,
			"status":       string(series.Status),
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return nil, translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, models.ErrNotFound
	}
	return s.Get(ctx, series.ID)
}

// Delete removes a series and its episodes in one transaction.
func (s *SeriesStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("series_id = ?", id).Delete(&Episode{}).Error; err != nil {
			return fmt.Errorf("delete episodes: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&Series{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrNotFound
		}
		return nil
	})
}
