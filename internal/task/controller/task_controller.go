package controller

import (
	"errors"
	"net/http"
	"time"

	"inloop/internal/common/http/middleware"
	"inloop/internal/task/model"
	"inloop/internal/task/repository"
	pkgerrors "inloop/pkg/errors"
	"inloop/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// TaskController serves the published task catalog and the staff reload.
type TaskController struct {
	repo    repository.TaskRepository
	trigger LoadTrigger
	now     func() time.Time
}

func NewTaskController(repo repository.TaskRepository, trigger LoadTrigger) *TaskController {
	return &TaskController{repo: repo, trigger: trigger, now: time.Now}
}

// List returns the published tasks visible to the caller.
func (h *TaskController) List(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	tasks, err := h.repo.List(c.Request.Context(), nil)
	if err != nil {
		response.Error(c, pkgerrors.Wrap(err, pkgerrors.DatabaseError))
		return
	}
	now := h.now()
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		if !principal.IsStaff() && (!t.IsPublished(now) || !t.VisibleTo(principal.Groups)) {
			continue
		}
		out = append(out, toSummary(t, now))
	}
	response.Success(c, out)
}

// Get returns one task with its file templates.
func (h *TaskController) Get(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	ctx := c.Request.Context()
	task, err := h.repo.GetBySlug(ctx, nil, c.Param("slug"))
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			response.Error(c, pkgerrors.New(pkgerrors.TaskNotFound))
			return
		}
		response.Error(c, pkgerrors.Wrap(err, pkgerrors.DatabaseError))
		return
	}
	now := h.now()
	if !principal.IsStaff() && (!task.IsPublished(now) || !task.VisibleTo(principal.Groups)) {
		response.Error(c, pkgerrors.New(pkgerrors.TaskNotFound))
		return
	}
	templates, err := h.repo.ListTemplates(ctx, nil, task.ID)
	if err != nil {
		response.Error(c, pkgerrors.Wrap(err, pkgerrors.DatabaseError))
		return
	}
	if templates == nil {
		templates = []model.FileTemplate{}
	}
	response.Success(c, TaskDetail{TaskSummary: toSummary(task, now), Description: task.Description, Templates: templates})
}

// LoadTasks starts a loader run for staff.
func (h *TaskController) LoadTasks(c *gin.Context) {
	h.trigger.Trigger(c.Request.Context())
	c.JSON(http.StatusAccepted, response.Response{
		Code:    pkgerrors.Success,
		Message: "load_tasks scheduled",
	})
}

// TaskSummary is the list view of a task.
type TaskSummary struct {
	Slug       string     `json:"slug"`
	SystemName string     `json:"system_name"`
	Title      string     `json:"title"`
	Category   string     `json:"category"`
	Pubdate    time.Time  `json:"pubdate"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Expired    bool       `json:"expired"`
	Group      string     `json:"group,omitempty"`
}

// TaskDetail adds the description and templates.
type TaskDetail struct {
	TaskSummary
	Description string               `json:"description"`
	Templates   []model.FileTemplate `json:"templates"`
}

func toSummary(t model.Task, now time.Time) TaskSummary {
	return TaskSummary{
		Slug:       t.Slug,
		SystemName: t.SystemName,
		Title:      t.Title,
		Category:   t.CategoryName,
		Pubdate:    t.Pubdate,
		Deadline:   t.Deadline,
		Expired:    t.IsExpired(now, 0),
		Group:      t.Group,
	}
}
