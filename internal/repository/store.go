package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles the repositories bound to one gorm handle, either the pool or an open transaction.
type Store struct {
	db *gorm.DB

	Users       *UserRepository
	Projects    *ProjectRepository
	Tags        *TagRepository
	Tasks       *TaskRepository
	Events      *EventRepository
	Completions *CompletionRepository
	Locks       *LockRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:          db,
		Users:       NewUserRepository(db),
		Projects:    NewProjectRepository(db),
		Tags:        NewTagRepository(db),
		Tasks:       NewTaskRepository(db),
		Events:      NewEventRepository(db),
		Completions: NewCompletionRepository(db),
		Locks:       NewLockRepository(db),
	}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a store bound to a transaction. Called on a store that is
// already transactional it opens a savepoint, so a failing fn only rolls back its own writes.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
