package api

import (
	"errors"
	"net/http"

	"transferd/config"
	"transferd/task"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	manager *task.Manager
	cfg     *config.Config
}

func NewHandler(m *task.Manager, cfg *config.Config) *Handler {
	return &Handler{
		manager: m,
		cfg:     cfg,
	}
}

type SubmitRequest struct {
	Kind        string `json:"kind" binding:"required,oneof=download upload download_upload"`
	Source      string `json:"source" binding:"required"`
	Destination string `json:"destination"`
	Owner       string `json:"owner" binding:"required"`
	Listener    string `json:"listener"`
}

type ControlRequest struct {
	Requester string `json:"requester" binding:"required"`
}

// handleCreateTask accepts a new transfer job.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := task.Kind(req.Kind)
	if kind != task.KindDownload && req.Destination == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "destination is required for upload tasks"})
		return
	}

	listener := req.Listener
	if listener == "" {
		listener = req.Owner
	}

	t, err := h.manager.Submit(task.Spec{
		Kind:        kind,
		Owner:       req.Owner,
		Source:      req.Source,
		Destination: req.Destination,
		Listeners:   []string{listener},
	})
	if err != nil {
		if errors.Is(err, task.ErrCapacity) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID, "state": t.State})
}

// handleListTasks lists all tasks, or one owner's tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks := h.manager.List(c.Query("owner"))
	c.JSON(http.StatusOK, tasks)
}

func (h *Handler) handleGetTask(c *gin.Context) {
	t, found := h.manager.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.manager.Cancel(c.Request.Context(), c.Param("taskId"), req.Requester)
	if err != nil {
		h.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

func (h *Handler) handlePauseTask(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Pause(c.Request.Context(), c.Param("taskId"), req.Requester); err != nil {
		h.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task paused"})
}

func (h *Handler) handleResumeTask(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Resume(c.Request.Context(), c.Param("taskId"), req.Requester); err != nil {
		h.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task resumed"})
}

// handleStatusView renders the aggregate status as plain text.
func (h *Handler) handleStatusView(c *gin.Context) {
	c.String(http.StatusOK, h.manager.RenderStatus(c.Query("owner")))
}

func (h *Handler) controlError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrUnsupported):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
