package gorm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// TopCharacterLimit bounds the "top characters" table in admin stats.
const TopCharacterLimit = 10

// StatsStore aggregates admin analytics.
type StatsStore struct {
	db *gorm.DB
}

// NewStatsStore creates a new stats store.
func NewStatsStore(store *Store) *StatsStore {
	return &StatsStore{db: store.DB}
}

// Collect runs the admin aggregates concurrently and assembles AdminStats.
func (s *StatsStore) Collect(ctx context.Context) (*models.AdminStats, error) {
	stats := &models.AdminStats{GeneratedAt: time.Now()}
	g, ctx := errgroup.WithContext(ctx)
	db := s.db.WithContext(ctx)

	g.Go(func() error {
		return db.Model(&Session{}).Distinct("user_id").Count(&stats.Users).Error
	})
	g.Go(func() error {
		return db.Model(&Session{}).Count(&stats.Sessions).Error
	})
	g.Go(func() error {
		return db.Model(&Session{}).Where("status = ?", string(models.SessionActive)).Count(&stats.ActiveSessions).Error
	})
	g.Go(func() error {
		return db.Model(&Session{}).Where("status = ?", string(models.SessionCompleted)).Count(&stats.CompletedSessions).Error
	})
	g.Go(func() error {
		return db.Model(&Message{}).Count(&stats.Messages).Error
	})
	g.Go(func() error {
		return db.Model(&SparkBalance{}).Select("COALESCE(SUM(lifetime_spent), 0)").Scan(&stats.SparksSpent).Error
	})
	g.Go(func() error {
		counts, err := countTicketsByStatus(ctx, s.db)
		stats.TicketsByStatus = counts
		return err
	})
	g.Go(func() error {
		top, err := s.topCharacters(ctx)
		stats.TopCharacters = top
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collect admin stats: %w", err)
	}
	return stats, nil
}

func (s *StatsStore) topCharacters(ctx context.Context) ([]models.CharacterStat, error) {
	var rows []models.CharacterStat
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.id AS character_id, c.name AS name,
		       COUNT(DISTINCT es.id) AS sessions,
		       COUNT(m.id) AS messages
		FROM characters c
		JOIN episode_sessions es ON es.character_id = c.id
		LEFT JOIN messages m ON m.session_id = es.id
		GROUP BY c.id, c.name
		ORDER BY sessions DESC, messages DESC
		LIMIT ?
	`, TopCharacterLimit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.CharacterStat{}
	}
	return rows, nil
}
