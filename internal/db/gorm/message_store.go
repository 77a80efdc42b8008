package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// MessageStore provides chat message database operations using GORM.
type MessageStore struct {
	db *gorm.DB
}

// NewMessageStore creates a new message store.
func NewMessageStore(store *Store) *MessageStore {
	return &MessageStore{db: store.DB}
}

// Append stores a message and returns it with ID and timestamp filled in.
func (s *MessageStore) Append(ctx context.Context, m *models.Message) (*models.Message, error) {
	row := &Message{
		SessionID:  m.SessionID,
		Role:       string(m.Role),
		Content:    m.Content,
		TokenCount: m.TokenCount,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelMessage(row), nil
}

// ListBySession returns the newest limit messages of a session in chronological order.
// A limit <= 0 returns the whole transcript.
func (s *MessageStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	var rows []Message
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]*models.Message, len(rows))
	for i := range rows {
		out[len(rows)-1-i] = toModelMessage(&rows[i])
	}
	return out, nil
}

// CountBySession returns the number of messages in a session.
func (s *MessageStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Message{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}
