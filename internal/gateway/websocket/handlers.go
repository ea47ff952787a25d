package websocket

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/queue"
	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
	ws "github.com/dispatchd/dispatchd/pkg/websocket"
)

// taskRef is the payload for actions addressing a single task.
type taskRef struct {
	TaskID string `json:"task_id"`
}

type answerRequest struct {
	TaskID string `json:"task_id"`
	Answer string `json:"answer"`
}

type historyRequest struct {
	Status  string `json:"status,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

type agentListRequest struct {
	Capability string `json:"capability,omitempty"`
}

type evictRequest struct {
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
}

// RegisterDispatchHandlers wires the queue-backed request/response actions.
func RegisterDispatchHandlers(d *ws.Dispatcher, q *queue.Queue) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "dispatchd",
		})
	})

	d.RegisterFunc(ws.ActionTaskList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		tasks, err := q.GetActiveTasks(ctx)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"tasks": apiTasks(tasks),
			"count": len(tasks),
		})
	})

	d.RegisterFunc(ws.ActionTaskGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req taskRef
		if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		}
		task, err := q.GetTask(ctx, req.TaskID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, task.ToAPI())
	})

	d.RegisterFunc(ws.ActionTaskCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req v1.EnqueueRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		created, err := q.Enqueue(ctx, models.TaskFromEnqueueRequest(&req))
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, created.ToAPI())
	})

	d.RegisterFunc(ws.ActionTaskCancel, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req taskRef
		if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		}
		if err := q.CancelTask(ctx, req.TaskID); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success": true,
			"task_id": req.TaskID,
		})
	})

	d.RegisterFunc(ws.ActionTaskRetry, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req taskRef
		if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		}
		if err := q.ForceRetry(ctx, req.TaskID); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success": true,
			"task_id": req.TaskID,
		})
	})

	d.RegisterFunc(ws.ActionTaskAnswer, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req answerRequest
		if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		}
		if err := q.AnswerTask(ctx, req.TaskID, req.Answer); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success": true,
			"task_id": req.TaskID,
		})
	})

	d.RegisterFunc(ws.ActionTaskHistory, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req historyRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		tasks, err := q.GetTaskHistory(ctx, models.HistoryFilter{
			Status:  v1.TaskStatus(req.Status),
			AgentID: req.AgentID,
			Limit:   req.Limit,
			Offset:  req.Offset,
		})
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"tasks": apiTasks(tasks),
			"count": len(tasks),
		})
	})

	d.RegisterFunc(ws.ActionTaskStats, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		stats, err := q.GetStats(ctx)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, stats)
	})

	d.RegisterFunc(ws.ActionAgentList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req agentListRequest
		_ = msg.ParsePayload(&req)
		agents, err := q.ListAgents(ctx, req.Capability)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"agents": agents,
			"count":  len(agents),
		})
	})

	d.RegisterFunc(ws.ActionAgentEvict, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req evictRequest
		if err := msg.ParsePayload(&req); err != nil || req.AgentID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "agent_id is required", nil)
		}
		if err := q.EvictAgent(ctx, req.AgentID, req.Reason, v1.EvictionAction(req.Action)); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success":  true,
			"agent_id": req.AgentID,
		})
	})
}

func apiTasks(tasks []*models.Task) []*v1.Task {
	out := make([]*v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ToAPI())
	}
	return out
}
