package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"daily-planner/internal/model"
)

// ProjectRepository manages task projects.
type ProjectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) GetOrCreate(ctx context.Context, userID uint, name string) (*model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	var project model.Project
	db := r.db.WithContext(ctx)
	err := db.Where("user_id = ? AND name = ?", userID, name).First(&project).Error
	switch {
	case err == nil:
		return &project, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		project = model.Project{UserID: userID, Name: name}
		if err := db.Create(&project).Error; err != nil {
			return nil, fmt.Errorf("create project: %w", err)
		}
		return &project, nil
	default:
		return nil, fmt.Errorf("find project: %w", err)
	}
}

func (r *ProjectRepository) ListByUser(ctx context.Context, userID uint) ([]model.Project, error) {
	var projects []model.Project
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("name ASC").Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// TagRepository manages task tags.
type TagRepository struct {
	db *gorm.DB
}

func NewTagRepository(db *gorm.DB) *TagRepository {
	return &TagRepository{db: db}
}

// GetOrCreateMany resolves tag names to rows, creating the missing ones.
func (r *TagRepository) GetOrCreateMany(ctx context.Context, userID uint, names []string) ([]model.Tag, error) {
	seen := make(map[string]struct{}, len(names))
	tags := make([]model.Tag, 0, len(names))
	db := r.db.WithContext(ctx)
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		tag := model.Tag{UserID: userID, Name: name}
		if err := db.Where("user_id = ? AND name = ?", userID, name).FirstOrCreate(&tag).Error; err != nil {
			return nil, fmt.Errorf("get or create tag %q: %w", name, err)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}
