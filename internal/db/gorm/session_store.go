package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// SessionStore provides episode-playthrough database operations using GORM.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{db: store.DB}
}

// Start opens a playthrough of episode for userID. If the user already has an
// active session for that episode it is returned instead (created=false).
func (s *SessionStore) Start(ctx context.Context, userID string, episode *models.Episode, characterID string) (*models.Session, bool, error) {
	if existing, err := s.findActive(ctx, userID, episode.ID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	row := &Session{
		UserID:      userID,
		EpisodeID:   episode.ID,
		CharacterID: characterID,
		Status:      string(models.SessionActive),
		StartedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		err = translateError(err)
		if errors.Is(err, models.ErrConflict) {
			// Lost a race against a concurrent Start: the partial unique index
			// guarantees the winner's row is there.
			existing, findErr := s.findActive(ctx, userID, episode.ID)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return toModelSession(row), true, nil
}

func (s *SessionStore) findActive(ctx context.Context, userID, episodeID string) (*models.Session, error) {
	var row Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND episode_id = ? AND status = ?", userID, episodeID, string(models.SessionActive)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelSession(&row), nil
}

// Get fetches a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if !isUUID(id) {
		return nil, models.ErrNotFound
	}
	var row Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelSession(&row), nil
}

// ListByUser returns a user's sessions, most recently started first.
func (s *SessionStore) ListByUser(ctx context.Context, userID string, page PaginationParams) ([]*models.Session, error) {
	var rows []Session
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("started_at DESC")
	if err := paginate(q, page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*models.Session, 0, len(rows))
	for i := range rows {
		out = append(out, toModelSession(&rows[i]))
	}
	return out, nil
}

// IncrementTurn bumps the turn counter of an active session and returns the new value.
// Uses a single UPDATE ... RETURNING so concurrent turns never lose an increment.
func (s *SessionStore) IncrementTurn(ctx context.Context, id string) (int, error) {
	var turns []int
	err := s.db.WithContext(ctx).Raw(`
		UPDATE episode_sessions
		SET turn_count = turn_count + 1
		WHERE id = ? AND status = ?
		RETURNING turn_count
	`, id, string(models.SessionActive)).Scan(&turns).Error
	if err != nil {
		return 0, fmt.Errorf("increment turn: %w", err)
	}
	if len(turns) == 0 {
		return 0, fmt.Errorf("session %s is not active: %w", id, models.ErrConflict)
	}
	return turns[0], nil
}

// Complete marks an active session completed. A session that is not active is a conflict.
func (s *SessionStore) Complete(ctx context.Context, id string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND status = ?", id, string(models.SessionActive)).
		Updates(map[string]any{
			"status":       string(models.SessionCompleted),
			"completed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %s is not active: %w", id, models.ErrConflict)
	}
	return nil
}
