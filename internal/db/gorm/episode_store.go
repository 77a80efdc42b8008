package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// EpisodeStore provides episode-related database operations using GORM.
type EpisodeStore struct {
	db *gorm.DB
}

// NewEpisodeStore creates a new episode store.
func NewEpisodeStore(store *Store) *EpisodeStore {
	return &EpisodeStore{db: store.DB}
}

// Create inserts a validated episode. A duplicate (series, number) is a conflict.
func (s *EpisodeStore) Create(ctx context.Context, e *models.Episode) (*models.Episode, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	row := &Episode{
		ID:               e.ID,
		SeriesID:         e.SeriesID,
		Number:           e.Number,
		Title:            e.Title,
		Situation:        e.Situation,
		DramaticQuestion: e.DramaticQuestion,
		Instructions:     e.Instructions,
		TurnBudget:       e.TurnBudget,
		Status:           string(e.Status),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelEpisode(row), nil
}

// Get fetches an episode by ID.
func (s *EpisodeStore) Get(ctx context.Context, id string) (*models.Episode, error) {
	if !isUUID(id) {
		return nil, models.ErrNotFound
	}
	var row Episode
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelEpisode(&row), nil
}

// ListBySeries returns a series' episodes ordered by number.
func (s *EpisodeStore) ListBySeries(ctx context.Context, seriesID string, publishedOnly bool) ([]*models.Episode, error) {
	var rows []Episode
	q := s.db.WithContext(ctx).Where("series_id = ?", seriesID)
	if publishedOnly {
		q = q.Where("status = ?", string(models.PublishPublished))
	}
	if err := q.Order("number ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	out := make([]*models.Episode, 0, len(rows))
	for i := range rows {
		out = append(out, toModelEpisode(&rows[i]))
	}
	return out, nil
}

// Update writes every mutable field of e.
func (s *EpisodeStore) Update(ctx context.Context, e *models.Episode) (*models.Episode, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).
		Model(&Episode{}).
		Where("id = ?", e.ID).
		Updates(map[string]any{
			"number":            e.Number,
			"title":             e.Title,
			"situation":         e.Situation,
			"dramatic_question": e.DramaticQuestion,
			"instructions":      e.Instructions,
			"turn_budget":       e.TurnBudget,
			"status":            string(e.Status),
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return nil, translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, models.ErrNotFound
	}
	return s.Get(ctx, e.ID)
}

// Delete removes an episode.
func (s *EpisodeStore) Delete(ctx context.Context, id string) error {
	if !isUUID(id) {
		return models.ErrNotFound
	}
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Episode{})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Next returns the published episode that follows e in its series, or nil when e is the last one.
func (s *EpisodeStore) Next(ctx context.Context, e *models.Episode) (*models.Episode, error) {
	var row Episode
	err := s.db.WithContext(ctx).
		Where("series_id = ? AND number > ? AND status = ?", e.SeriesID, e.Number, string(models.PublishPublished)).
		Order("number ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelEpisode(&row), nil
}
