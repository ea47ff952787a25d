// Package api exposes the dispatch core over HTTP for dashboards and
// scripting. Agents use the MCP tool surface instead.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/queue"
	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Handler contains the HTTP handlers for the dispatch API.
type Handler struct {
	queue  *queue.Queue
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(q *queue.Queue, log *logger.Logger) *Handler {
	return &Handler{queue: q, logger: log}
}

// RegisterRoutes adds the API routes to the Gin engine.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	api.GET("/tasks", h.ListTasks)
	api.POST("/tasks", h.CreateTask)
	api.GET("/tasks/history", h.TaskHistory)
	api.GET("/tasks/:taskId", h.GetTask)
	api.GET("/tasks/:taskId/messages", h.GetMessages)
	api.POST("/tasks/:taskId/cancel", h.CancelTask)
	api.POST("/tasks/:taskId/retry", h.RetryTask)
	api.POST("/tasks/:taskId/answer", h.AnswerTask)
	api.GET("/agents", h.ListAgents)
	api.GET("/stats", h.Stats)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "dispatchd",
	})
}

// CreateTask enqueues a new task.
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req v1.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("bad_request", "%s", err.Error()))
		return
	}

	task, err := h.queue.Enqueue(c.Request.Context(), models.TaskFromEnqueueRequest(&req))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task.ToAPI())
}

// ListTasks returns all non-terminal tasks.
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.queue.GetActiveTasks(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": toAPITasks(tasks), "count": len(tasks)})
}

// GetTask retrieves a task by id.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.queue.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task.ToAPI())
}

// GetMessages returns a task's message log.
// GET /api/v1/tasks/:taskId/messages
func (h *Handler) GetMessages(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, err := h.queue.GetTask(c.Request.Context(), taskID); err != nil {
		h.writeError(c, err)
		return
	}
	messages, err := h.queue.GetMessages(c.Request.Context(), taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

// CancelTask cancels a task.
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.queue.CancelTask(c.Request.Context(), taskID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": taskID})
}

// RetryTask forces a task back to the queue.
// POST /api/v1/tasks/:taskId/retry
func (h *Handler) RetryTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.queue.ForceRetry(c.Request.Context(), taskID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": taskID})
}

type answerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// AnswerTask answers a blocked task's question.
// POST /api/v1/tasks/:taskId/answer
func (h *Handler) AnswerTask(c *gin.Context) {
	taskID := c.Param("taskId")
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("answer_required", "answer is required"))
		return
	}
	if err := h.queue.AnswerTask(c.Request.Context(), taskID, req.Answer); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": taskID})
}

// TaskHistory returns past tasks, newest first.
// GET /api/v1/tasks/history?status=&agent_id=&limit=&offset=
func (h *Handler) TaskHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	tasks, err := h.queue.GetTaskHistory(c.Request.Context(), models.HistoryFilter{
		Status:  v1.TaskStatus(c.Query("status")),
		AgentID: c.Query("agent_id"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": toAPITasks(tasks), "count": len(tasks)})
}

// ListAgents returns registered agents with live statuses.
// GET /api/v1/agents?capability=
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.queue.ListAgents(c.Request.Context(), c.Query("capability"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// Stats summarizes queue contents by status.
// GET /api/v1/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.queue.GetStats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// errorBody is the JSON shape of API errors.
type errorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindPermission:
		status = http.StatusForbidden
	case apperr.KindTimeout:
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": errorBody{
		Kind:    kind,
		Reason:  apperr.ReasonOf(err),
		Message: err.Error(),
	}})
}

func toAPITasks(tasks []*models.Task) []*v1.Task {
	out := make([]*v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ToAPI())
	}
	return out
}
