package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"daily-planner/internal/repository"
)

var (
	// ErrLockBusy means a live lock is held by someone else.
	ErrLockBusy = errors.New("generation lock busy")
	// ErrLockNotHeld means the token does not own the lock (never did, or it expired and was taken over).
	ErrLockNotHeld = errors.New("generation lock not held")
)

// GenerationLock is a store-backed, TTL-bounded mutex keyed by owner.
// It never queues: a busy lock is reported immediately.
type GenerationLock struct {
	locks *repository.LockRepository
	now   func() time.Time
}

func NewGenerationLock(locks *repository.LockRepository) *GenerationLock {
	return &GenerationLock{locks: locks, now: time.Now}
}

// UserLockKey is the owner key of a user's generation pass.
func UserLockKey(userID uint) string {
	return fmt.Sprintf("generation:user:%d", userID)
}

// Acquire takes the lock for ttl and returns the holder token, or ErrLockBusy.
func (l *GenerationLock) Acquire(ctx context.Context, ownerKey string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	token := uuid.NewString()
	ok, err := l.locks.Acquire(ctx, ownerKey, token, l.now().UTC(), ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockBusy
	}
	return token, nil
}

// Release frees the lock if token still owns it, otherwise it returns ErrLockNotHeld.
func (l *GenerationLock) Release(ctx context.Context, ownerKey, token string) error {
	ok, err := l.locks.Release(ctx, ownerKey, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotHeld
	}
	return nil
}
