package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/substrate/pkg/models"
)

// Progress points awarded per chat turn and per finished episode.
const (
	ProgressPerMessage = 1
	ProgressPerEpisode = 5
)

// RelationshipStore provides user↔character relationship operations using GORM.
type RelationshipStore struct {
	db *gorm.DB
}

// NewRelationshipStore creates a new relationship store.
func NewRelationshipStore(store *Store) *RelationshipStore {
	return &RelationshipStore{db: store.DB}
}

// Get fetches the relationship between a user and a character.
func (s *RelationshipStore) Get(ctx context.Context, userID, characterID string) (*models.Relationship, error) {
	var row Relationship
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ?", userID, characterID).
		First(&row).Error
	if err != nil {
		return nil, translateError(err)
	}
	return toModelRelationship(&row), nil
}

// ListByUser returns a user's relationships, most recent interaction first.
func (s *RelationshipStore) ListByUser(ctx context.Context, userID string) ([]*models.Relationship, error) {
	var rows []Relationship
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_interaction_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	out := make([]*models.Relationship, 0, len(rows))
	for i := range rows {
		out = append(out, toModelRelationship(&rows[i]))
	}
	return out, nil
}

// RecordInteraction counts one chat turn (two messages) towards the relationship.
func (s *RelationshipStore) RecordInteraction(ctx context.Context, userID, characterID string) (*models.Relationship, error) {
	return s.bump(ctx, userID, characterID, ProgressPerMessage, 2, 0)
}

// RecordSessionComplete counts a finished episode towards the relationship.
func (s *RelationshipStore) RecordSessionComplete(ctx context.Context, userID, characterID string) (*models.Relationship, error) {
	return s.bump(ctx, userID, characterID, ProgressPerEpisode, 0, 1)
}

// bump upserts the relationship row, incrementing counters atomically, then
// recomputes the stage from the new progress.
func (s *RelationshipStore) bump(ctx context.Context, userID, characterID string, progress, messages, sessions int) (*models.Relationship, error) {
	var out *models.Relationship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		row := &Relationship{
			UserID:            userID,
			CharacterID:       characterID,
			Stage:             string(models.StageForProgress(progress)),
			Progress:          progress,
			TotalMessages:     messages,
			TotalSessions:     sessions,
			LastInteractionAt: now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "character_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"progress":            gorm.Expr("relationships.progress + ?", progress),
				"total_messages":      gorm.Expr("relationships.total_messages + ?", messages),
				"total_sessions":      gorm.Expr("relationships.total_sessions + ?", sessions),
				"last_interaction_at": now,
			}),
		}).Create(row).Error
		if err != nil {
			return fmt.Errorf("upsert relationship: %w", err)
		}

		var current Relationship
		if err := tx.Where("user_id = ? AND character_id = ?", userID, characterID).First(&current).Error; err != nil {
			return err
		}
		stage := string(models.StageForProgress(current.Progress))
		if stage != current.Stage {
			if err := tx.Model(&Relationship{}).Where("id = ?", current.ID).Update("stage", stage).Error; err != nil {
				return fmt.Errorf("update stage: %w", err)
			}
			current.Stage = stage
		}
		out = toModelRelationship(&current)
		return nil
	})
	return out, err
}
