package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/substrate/pkg/models"
)

// SparkStore provides spark balance and ledger operations using GORM.
type SparkStore struct {
	db       *gorm.DB
	starting int
}

// NewSparkStore creates a new spark store. New users receive starting sparks on first access.
func NewSparkStore(store *Store, starting int) *SparkStore {
	return &SparkStore{db: store.DB, starting: starting}
}

// Balance returns a user's balance, creating it with the starting grant on first read.
func (s *SparkStore) Balance(ctx context.Context, userID string) (*models.SparkBalance, error) {
	if err := ensureSparkBalance(ctx, s.db, userID, s.starting); err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	var row SparkBalance
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return toModelBalance(&row), nil
}

// Spend deducts cost from the user's balance. The deduction is a single conditional
// UPDATE, so two concurrent spends can never take the balance negative. When the
// balance is short the returned error wraps models.ErrInsufficientSparks and the
// current balance is returned alongside it.
func (s *SparkStore) Spend(ctx context.Context, userID string, cost int, reason string) (*models.SparkBalance, error) {
	if cost <= 0 {
		return s.Balance(ctx, userID)
	}
	if err := ensureSparkBalance(ctx, s.db, userID, s.starting); err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}

	var out *models.SparkBalance
	var short bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []SparkBalance
		err := tx.Raw(`
			UPDATE spark_balances
			SET balance = balance - ?, lifetime_spent = lifetime_spent + ?, updated_at = ?
			WHERE user_id = ? AND balance >= ?
			RETURNING user_id, balance, lifetime_spent, updated_at
		`, cost, cost, time.Now(), userID, cost).Scan(&rows).Error
		if err != nil {
			return fmt.Errorf("spend sparks: %w", err)
		}
		if len(rows) == 0 {
			short = true
			return nil
		}
		if err := tx.Create(&SparkTransaction{UserID: userID, Delta: -cost, Reason: reason}).Error; err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}
		out = toModelBalance(&rows[0])
		return nil
	})
	if err != nil {
		return nil, err
	}
	if short {
		bal, err := s.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return bal, models.ErrInsufficientSparks
	}
	return out, nil
}

// Grant adds sparks to a user's balance and records the transaction.
func (s *SparkStore) Grant(ctx context.Context, userID string, amount int, reason string) (*models.SparkBalance, error) {
	return s.credit(ctx, userID, amount, reason, map[string]any{
		"balance": gorm.Expr("balance + ?", amount),
	})
}

// Refund returns sparks for a turn that produced no reply. Unlike Grant it
// also takes the amount back out of lifetime_spent, which counts net spend.
func (s *SparkStore) Refund(ctx context.Context, userID string, amount int, reason string) (*models.SparkBalance, error) {
	return s.credit(ctx, userID, amount, reason, map[string]any{
		"balance":        gorm.Expr("balance + ?", amount),
		"lifetime_spent": gorm.Expr("GREATEST(lifetime_spent - ?, 0)", amount),
	})
}

func (s *SparkStore) credit(ctx context.Context, userID string, amount int, reason string, updates map[string]any) (*models.SparkBalance, error) {
	if amount <= 0 {
		return nil, &models.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if err := ensureSparkBalance(ctx, s.db, userID, s.starting); err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	updates["updated_at"] = time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&SparkBalance{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return fmt.Errorf("credit sparks: %w", err)
		}
		return tx.Create(&SparkTransaction{UserID: userID, Delta: amount, Reason: reason}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.Balance(ctx, userID)
}

// Transactions returns a user's ledger, newest first.
func (s *SparkStore) Transactions(ctx context.Context, userID string, limit int) ([]*models.SparkTransaction, error) {
	var rows []SparkTransaction
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]*models.SparkTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.SparkTransaction{
			ID:        r.ID,
			UserID:    r.UserID,
			Delta:     r.Delta,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func toModelBalance(b *SparkBalance) *models.SparkBalance {
	return &models.SparkBalance{
		UserID:        b.UserID,
		Balance:       b.Balance,
		LifetimeSpent: b.LifetimeSpent,
		UpdatedAt:     b.UpdatedAt,
	}
}
