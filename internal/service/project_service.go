package service

import (
	"context"

	"daily-planner/internal/model"
	"daily-planner/internal/repository"
)

// ProjectService provides helpers around projects.
type ProjectService struct {
	repo *repository.ProjectRepository
}

func NewProjectService(repo *repository.ProjectRepository) *ProjectService {
	return &ProjectService{repo: repo}
}

func (s *ProjectService) List(ctx context.Context, user *model.User) ([]model.Project, error) {
	return s.repo.ListByUser(ctx, user.ID)
}
