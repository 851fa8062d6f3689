// Package httpapi exposes the planner over HTTP for administration and integrations.
package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"daily-planner/internal/repository"
	"daily-planner/internal/service"
)

// Handler serves the planner API.
type Handler struct {
	users        *repository.UserRepository
	tasks        *service.TaskService
	orchestrator *service.Orchestrator
	horizonDays  int
	log          *slog.Logger
}

func NewHandler(users *repository.UserRepository, tasks *service.TaskService, orchestrator *service.Orchestrator, horizonDays int, log *slog.Logger) *Handler {
	return &Handler{
		users:        users,
		tasks:        tasks,
		orchestrator: orchestrator,
		horizonDays:  horizonDays,
		log:          log,
	}
}

// SetupRouter registers the API routes.
func SetupRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log))

	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	api.POST("/users", h.CreateUser)

	user := api.Group("/users/:userID", h.loadUser)
	user.GET("", h.GetUser)
	user.POST("/generate", h.Generate)
	user.POST("/tasks", h.CreateTask)
	user.GET("/tasks", h.ListTasks)
	user.GET("/templates", h.ListTemplates)
	user.GET("/tasks/:taskID", h.GetTask)
	user.POST("/tasks/:taskID/status", h.ChangeStatus)
	user.POST("/tasks/:taskID/skip", h.Skip)
	user.PUT("/tasks/:taskID/recurrence", h.UpdateRecurrence)
	user.GET("/tasks/:taskID/completions", h.Completions)
	user.GET("/tasks/:taskID/events", h.Events)

	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
