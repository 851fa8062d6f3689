package httpapi

import (
	"fmt"
	"time"

	"daily-planner/internal/model"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/service"
)

type createUserRequest struct {
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name"`
	Timezone  string `json:"timezone"`
}

type userResponse struct {
	ID        uint   `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Timezone  string `json:"timezone"`
}

type recurrenceRequest struct {
	Type            model.RecurrenceType `json:"type" binding:"required"`
	Interval        int                  `json:"interval"`
	Weekday         *int                 `json:"weekday"`
	MonthDay        *int                 `json:"month_day"`
	WeekOfMonth     *int                 `json:"week_of_month"`
	EndDate         string               `json:"end_date"`
	CompletionBased bool                 `json:"completion_based"`
}

type createTaskRequest struct {
	Name       string             `json:"name" binding:"required"`
	Note       string             `json:"note"`
	Project    string             `json:"project"`
	Tags       []string           `json:"tags"`
	Priority   model.Priority     `json:"priority"`
	DueDate    string             `json:"due_date"`
	Recurrence *recurrenceRequest `json:"recurrence"`
}

type statusRequest struct {
	Status model.Status `json:"status" binding:"required"`
}

func (r createTaskRequest) input() (service.TaskInput, error) {
	in := service.TaskInput{
		Name:     r.Name,
		Note:     r.Note,
		Project:  r.Project,
		Tags:     r.Tags,
		Priority: r.Priority,
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return in, fmt.Errorf("unknown priority %q", in.Priority)
	}
	due, err := optionalDate(r.DueDate)
	if err != nil {
		return in, fmt.Errorf("due_date: %w", err)
	}
	in.DueDate = due
	if r.Recurrence != nil {
		rec, err := r.Recurrence.input()
		if err != nil {
			return in, err
		}
		in.Recurrence = &rec
	}
	return in, nil
}

func (r recurrenceRequest) input() (service.RecurrenceInput, error) {
	if !r.Type.Valid() {
		return service.RecurrenceInput{}, fmt.Errorf("unknown recurrence type %q", r.Type)
	}
	end, err := optionalDate(r.EndDate)
	if err != nil {
		return service.RecurrenceInput{}, fmt.Errorf("end_date: %w", err)
	}
	return service.RecurrenceInput{
		Type:            r.Type,
		Interval:        r.Interval,
		Weekday:         r.Weekday,
		MonthDay:        r.MonthDay,
		WeekOfMonth:     r.WeekOfMonth,
		EndDate:         end,
		CompletionBased: r.CompletionBased,
	}, nil
}

func optionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := recurrence.ParseDate(s)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	return &d, nil
}

type taskResponse struct {
	ID                uint                `json:"id"`
	UID               string              `json:"uid"`
	Kind              string              `json:"kind"`
	Name              string              `json:"name"`
	Note              string              `json:"note,omitempty"`
	Status            model.Status        `json:"status"`
	Priority          model.Priority      `json:"priority"`
	ProjectID         *uint               `json:"project_id,omitempty"`
	Tags              []string            `json:"tags,omitempty"`
	DueDate           string              `json:"due_date,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	RecurringParentID *uint               `json:"recurring_parent_id,omitempty"`
	Recurrence        *recurrenceResponse `json:"recurrence,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

type recurrenceResponse struct {
	Type              model.RecurrenceType `json:"type"`
	Interval          int                  `json:"interval"`
	Weekday           *int                 `json:"weekday,omitempty"`
	MonthDay          *int                 `json:"month_day,omitempty"`
	WeekOfMonth       *int                 `json:"week_of_month,omitempty"`
	EndDate           string               `json:"end_date,omitempty"`
	CompletionBased   bool                 `json:"completion_based"`
	LastGeneratedDate string               `json:"last_generated_date,omitempty"`
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

func newTaskResponse(t *model.Task) taskResponse {
	resp := taskResponse{
		ID:                t.ID,
		UID:               t.UID,
		Kind:              t.Kind().String(),
		Name:              t.Name,
		Note:              t.Note,
		Status:            t.Status,
		Priority:          t.Priority,
		ProjectID:         t.ProjectID,
		DueDate:           formatDate(t.DueDate),
		CompletedAt:       t.CompletedAt,
		RecurringParentID: t.RecurringParentID,
		CreatedAt:         t.CreatedAt,
	}
	for _, tag := range t.Tags {
		resp.Tags = append(resp.Tags, tag.Name)
	}
	if t.IsTemplate() {
		resp.Recurrence = &recurrenceResponse{
			Type:              t.RecurrenceType,
			Interval:          t.RecurrenceInterval,
			Weekday:           t.RecurrenceWeekday,
			MonthDay:          t.RecurrenceMonthDay,
			WeekOfMonth:       t.RecurrenceWeekOfMonth,
			EndDate:           formatDate(t.RecurrenceEndDate),
			CompletionBased:   t.CompletionBased,
			LastGeneratedDate: formatDate(t.LastGeneratedDate),
		}
	}
	return resp
}

func newTaskResponses(tasks []model.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, newTaskResponse(&tasks[i]))
	}
	return out
}

type generationResponse struct {
	UserID           uint                      `json:"user_id"`
	Horizon          string                    `json:"horizon"`
	Busy             bool                      `json:"busy"`
	InstancesCreated []taskResponse            `json:"instances_created"`
	Failures         []service.TemplateFailure `json:"failures,omitempty"`
}

type transitionResponse struct {
	Task        taskResponse        `json:"task"`
	Completion  *completionResponse `json:"completion,omitempty"`
	Next        *taskResponse       `json:"next,omitempty"`
	NextCreated bool                `json:"next_created"`
}

func newTransitionResponse(change *service.StatusChange) transitionResponse {
	resp := transitionResponse{Task: newTaskResponse(change.Task)}
	if tr := change.Transition; tr != nil {
		if tr.Completion != nil {
			c := newCompletionResponse(*tr.Completion)
			resp.Completion = &c
		}
		if tr.Next != nil {
			next := newTaskResponse(tr.Next)
			resp.Next = &next
		}
		resp.NextCreated = tr.NextCreated
	}
	return resp
}

type completionResponse struct {
	ID              uint      `json:"id"`
	TemplateID      uint      `json:"template_id"`
	InstanceID      *uint     `json:"instance_id,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
	OriginalDueDate string    `json:"original_due_date,omitempty"`
	Skipped         bool      `json:"skipped"`
}

func newCompletionResponse(c model.RecurrenceCompletion) completionResponse {
	return completionResponse{
		ID:              c.ID,
		TemplateID:      c.TaskID,
		InstanceID:      c.InstanceID,
		CompletedAt:     c.CompletedAt,
		OriginalDueDate: formatDate(c.OriginalDueDate),
		Skipped:         c.Skipped,
	}
}

type eventResponse struct {
	ID        uint            `json:"id"`
	TaskID    uint            `json:"task_id"`
	ActorID   uint            `json:"actor_id"`
	EventType model.EventType `json:"event_type"`
	FieldName string          `json:"field_name,omitempty"`
	OldValue  string          `json:"old_value,omitempty"`
	NewValue  string          `json:"new_value,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newEventResponse(e model.TaskEvent) eventResponse {
	return eventResponse{
		ID:        e.ID,
		TaskID:    e.TaskID,
		ActorID:   e.UserID,
		EventType: e.EventType,
		FieldName: e.FieldName,
		OldValue:  e.OldValue,
		NewValue:  e.NewValue,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
	}
}
