package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"daily-planner/internal/model"
)

// LockRepository persists generation locks.
type LockRepository struct {
	db *gorm.DB
}

func NewLockRepository(db *gorm.DB) *LockRepository {
	return &LockRepository{db: db}
}

// Acquire inserts a lock row for ownerKey unless a live one exists. A row whose expiry is not
// after now is removed first. The primary key on owner_key arbitrates concurrent callers:
// the loser gets a unique violation and acquired=false.
func (r *LockRepository) Acquire(ctx context.Context, ownerKey, token string, now time.Time, ttl time.Duration) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_key = ? AND expires_at <= ?", ownerKey, now).
			Delete(&model.GenerationLock{}).Error; err != nil {
			return fmt.Errorf("purge stale lock: %w", err)
		}
		return tx.Create(&model.GenerationLock{
			OwnerKey:   ownerKey,
			Token:      token,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}).Error
	})
	switch {
	case err == nil:
		return true, nil
	case IsUniqueViolation(err):
		return false, nil
	default:
		return false, fmt.Errorf("acquire lock %q: %w", ownerKey, err)
	}
}

// Release deletes the lock row only when token matches. It reports whether a row was removed.
func (r *LockRepository) Release(ctx context.Context, ownerKey, token string) (bool, error) {
	res := r.db.WithContext(ctx).Where("owner_key = ? AND token = ?", ownerKey, token).
		Delete(&model.GenerationLock{})
	if res.Error != nil {
		return false, fmt.Errorf("release lock %q: %w", ownerKey, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *LockRepository) Get(ctx context.Context, ownerKey string) (*model.GenerationLock, error) {
	var l model.GenerationLock
	if err := r.db.WithContext(ctx).Where("owner_key = ?", ownerKey).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}
