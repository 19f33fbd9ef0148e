package api

import (
	"transferd/config"
	"transferd/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(m *task.Manager, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(m, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.PATCH("/tasks/:taskId/pause", h.handlePauseTask)
		v1.PATCH("/tasks/:taskId/resume", h.handleResumeTask)

		// Rendered text view, same content the scheduler pushes.
		v1.GET("/status", h.handleStatusView)
	}
	return r
}
