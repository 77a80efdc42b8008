package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// SceneStore provides scene visual database operations using GORM.
type SceneStore struct {
	db *gorm.DB
}

// NewSceneStore creates a new scene store.
func NewSceneStore(store *Store) *SceneStore {
	return &SceneStore{db: store.DB}
}

// CreatePending records a scene whose image has been requested but not delivered.
func (s *SceneStore) CreatePending(ctx context.Context, sessionID string, turn int, prompt string) (*models.Scene, error) {
	row := &Scene{
		SessionID: sessionID,
		TurnIndex: turn,
		Prompt:    prompt,
		Status:    string(models.ScenePending),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelScene(row), nil
}

// Get fetches a scene by ID.
func (s *SceneStore) Get(ctx context.Context, id string) (*models.Scene, error) {
	if !isUUID(id) {
		return nil, models.ErrNotFound
	}
	var row Scene
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelScene(&row), nil
}

// ListBySession returns a session's scenes in turn order.
func (s *SceneStore) ListBySession(ctx context.Context, sessionID string) ([]*models.Scene, error) {
	var rows []Scene
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	out := make([]*models.Scene, 0, len(rows))
	for i := range rows {
		out = append(out, toModelScene(&rows[i]))
	}
	return out, nil
}

// MarkReady attaches the generated image to a pending scene.
func (s *SceneStore) MarkReady(ctx context.Context, id, imageURL string) (*models.Scene, error) {
	return s.resolve(ctx, id, map[string]any{
		"status":    string(models.SceneReady),
		"image_url": imageURL,
	})
}

// MarkFailed records that image generation for a pending scene failed.
func (s *SceneStore) MarkFailed(ctx context.Context, id string) (*models.Scene, error) {
	return s.resolve(ctx, id, map[string]any{
		"status": string(models.SceneFailed),
	})
}

// resolve applies updates only while the scene is pending; a resolved scene is a conflict.
func (s *SceneStore) resolve(ctx context.Context, id string, updates map[string]any) (*models.Scene, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).
		Model(&Scene{}).
		Where("id = ? AND status = ?", id, string(models.ScenePending)).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("scene %s already resolved: %w", id, models.ErrConflict)
	}
	return s.Get(ctx, id)
}
