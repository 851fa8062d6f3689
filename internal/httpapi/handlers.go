package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"daily-planner/internal/model"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/repository"
	"daily-planner/internal/service"
)

const userKey = "user"

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown timezone " + strconv.Quote(tz)})
		return
	}

	user := &model.User{FirstName: req.FirstName, LastName: req.LastName, Timezone: tz}
	if err := h.users.Create(c.Request.Context(), user); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newUserResponse(user))
}

func (h *Handler) GetUser(c *gin.Context) {
	c.JSON(http.StatusOK, newUserResponse(currentUser(c)))
}

// Generate runs a generation pass for the user. The horizon query parameter defaults to
// today plus the configured number of days in the user's timezone.
func (h *Handler) Generate(c *gin.Context) {
	user := currentUser(c)

	horizon := h.orchestrator.Horizon(*user, h.horizonDays)
	if raw := c.Query("horizon"); raw != "" {
		d, err := recurrence.ParseDate(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "horizon must be YYYY-MM-DD"})
			return
		}
		horizon = d
	}

	res, err := h.orchestrator.RunForUser(c.Request.Context(), user.ID, horizon)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, generationResponse{
		UserID:           res.UserID,
		Horizon:          horizon.Format(time.DateOnly),
		Busy:             res.Busy,
		InstancesCreated: newTaskResponses(res.InstancesCreated),
		Failures:         res.Failures,
	})
}

func (h *Handler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input, err := req.input()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.tasks.CreateTask(c.Request.Context(), currentUser(c), input)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTaskResponse(task))
}

func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.tasks.ListActive(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponses(tasks))
}

func (h *Handler) ListTemplates(c *gin.Context) {
	tasks, err := h.tasks.ListTemplates(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponses(tasks))
}

func (h *Handler) GetTask(c *gin.Context) {
	taskID, ok := pathID(c, "taskID")
	if !ok {
		return
	}
	task, err := h.tasks.GetTask(c.Request.Context(), currentUser(c), taskID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(task))
}

func (h *Handler) ChangeStatus(c *gin.Context) {
	taskID, ok := pathID(c, "taskID")
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	change, err := h.tasks.ChangeStatus(c.Request.Context(), currentUser(c), taskID, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTransitionResponse(change))
}

func (h *Handler) Skip(c *gin.Context) {
	taskID, ok := pathID(c, "taskID")
	if !ok {
		return
	}
	change, err := h.tasks.SkipOccurrence(c.Request.Context(), currentUser(c), taskID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTransitionResponse(change))
}

func (h *Handler) UpdateRecurrence(c *gin.Context) {
	taskID, ok := pathID(c, "taskID")
	if !ok {
		return
	}
	var req recurrenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input, err := req.input()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.tasks.UpdateRecurrence(c.Request.Context(), currentUser(c), taskID, input)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(task))
}

func (h *Handler) Completions(c *gin.Context) {
	taskID, ok := pathID(c, "taskID")
	if !ok {
		return
	}
	history, err := h.tasks.History(c.Request.Context(), currentUser(c), taskID)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]completionResponse, 0, len(history))
	for _, row := range history {
		out = append(out, newCompletionResponse(row))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Events(c *gin.Context) {
	taskID, ok := pathID(c, "taskID")
	if !ok {
		return
	}
	events, err := h.tasks.Events(c.Request.Context(), currentUser(c), taskID)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, newEventResponse(e))
	}
	c.JSON(http.StatusOK, out)
}

// loadUser resolves :userID and stores the user in the context.
func (h *Handler) loadUser(c *gin.Context) {
	userID, ok := pathID(c, "userID")
	if !ok {
		c.Abort()
		return
	}
	user, err := h.users.FindByID(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		c.Abort()
		return
	}
	c.Set(userKey, user)
	c.Next()
}

func currentUser(c *gin.Context) *model.User {
	return c.MustGet(userKey).(*model.User)
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrOccurrenceResolved):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrInvalidTask),
		errors.Is(err, service.ErrNotInstance),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, model.ErrShapeViolation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func newUserResponse(u *model.User) userResponse {
	return userResponse{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Timezone: u.Timezone}
}
