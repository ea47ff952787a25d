package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	agentmodels "github.com/dispatchd/dispatchd/internal/agent/models"
	agentrepo "github.com/dispatchd/dispatchd/internal/agent/repository"
	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/queue"
	taskmodels "github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// handlers holds the dependencies shared by every tool handler.
type handlers struct {
	queue  *queue.Queue
	agents agentrepo.AgentRepository
	log    *logger.Logger
}

// resultJSON marshals v and wraps it as a successful tool result.
func resultJSON(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// timeoutResult is what long-poll tools return when nothing arrived in time.
// A timeout is a normal outcome; callers are expected to poll again.
func timeoutResult() (*mcp.CallToolResult, error) {
	return resultJSON(map[string]string{"status": "TIMEOUT"})
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func pollTimeout(req mcp.CallToolRequest) time.Duration {
	secs := req.GetFloat("timeout", 0)
	return time.Duration(secs * float64(time.Second))
}

func (h *handlers) registerAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	agent := &agentmodels.Agent{
		ID:           req.GetString("agent_id", ""),
		DisplayName:  req.GetString("display_name", ""),
		Capabilities: stringSliceArg(args, "capabilities"),
		Source:       v1.AgentSource(req.GetString("source", "")),
	}
	if repoID := req.GetString("workspace_repo_id", ""); repoID != "" {
		agent.WorkspaceContext = &v1.WorkspaceContext{
			Type:   v1.WorkspaceGitHub,
			RepoID: repoID,
			Branch: req.GetString("workspace_branch", ""),
			Path:   req.GetString("workspace_path", ""),
		}
	}
	registered, err := h.queue.RegisterAgent(ctx, agent)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	h.log.Info("agent registered via mcp",
		zap.String("agent_id", registered.ID),
		zap.String("display_name", registered.DisplayName))
	return resultJSON(registered.ToAPI())
}

func (h *handlers) waitForPrompt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// The poll only names the agent; capabilities and workspace come from
	// the registration record.
	agent, err := h.agents.GetByID(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	delivery, err := h.queue.WaitForTask(ctx, agentID, agent.Capabilities, agent.WorkspaceContext, pollTimeout(req))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if delivery == nil {
		return timeoutResult()
	}
	if delivery.Signal != nil {
		return resultJSON(delivery.Signal)
	}
	return resultJSON(delivery.Task.ToAPI())
}

func (h *handlers) ackTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := h.queue.AckTask(ctx, taskID, agentID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]string{"status": "acknowledged", "task_id": taskID})
}

func (h *handlers) sendResponse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()
	var response *v1.TaskResponse
	message := req.GetString("message", "")
	artifacts := stringSliceArg(args, "artifacts")
	diff := req.GetString("diff", "")
	if message != "" || len(artifacts) > 0 || diff != "" {
		response = &v1.TaskResponse{Message: message, Artifacts: artifacts, Diff: diff}
	}

	err = h.queue.SendResponse(ctx, taskID, v1.TaskStatus(status), response, req.GetString("blocked_reason", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]string{"status": status, "task_id": taskID})
}

func (h *handlers) updateProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var percentage *int
	if raw, ok := req.GetArguments()["percentage"].(float64); ok {
		p := int(raw)
		percentage = &p
	}

	err = h.queue.UpdateProgress(ctx, taskID, agentID, req.GetString("phase", ""), message, percentage)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]string{"status": "recorded", "task_id": taskID})
}

func (h *handlers) assignTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()
	enqueue := &v1.EnqueueRequest{
		Prompt:               prompt,
		WorkspaceID:          req.GetString("workspace_id", ""),
		TargetAgentID:        req.GetString("target_agent_id", ""),
		RequiredCapabilities: stringSliceArg(args, "required_capabilities"),
		Dependencies:         stringSliceArg(args, "dependencies"),
		Priority:             v1.Priority(req.GetString("priority", "")),
		SourceAgentID:        req.GetString("source_agent_id", ""),
	}
	if taskCtx, ok := args["context"].(map[string]interface{}); ok {
		enqueue.Context = taskCtx
	}
	task := taskmodels.TaskFromEnqueueRequest(enqueue)
	if enqueue.SourceAgentID != "" {
		if agent, err := h.agents.GetByID(ctx, enqueue.SourceAgentID); err == nil {
			task.From.Name = agent.DisplayName
		}
	}

	created, err := h.queue.Enqueue(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(created.ToAPI())
}

func (h *handlers) waitForTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := h.queue.WaitForTaskCompletion(ctx, taskID, pollTimeout(req))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindTimeout {
			return timeoutResult()
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(task.ToAPI())
}

func (h *handlers) blockTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason, err := req.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()
	err = h.queue.BlockTask(ctx, taskID, reason, question,
		req.GetString("summary", ""), req.GetString("notes", ""), stringSliceArg(args, "files"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]string{"status": "blocked", "task_id": taskID})
}

func (h *handlers) answerTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	answer, err := req.RequireString("answer")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := h.queue.AnswerTask(ctx, taskID, answer); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]string{"status": "requeued", "task_id": taskID})
}

func (h *handlers) getTaskContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskCtx, err := h.queue.GetTaskContext(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(taskCtx)
}

func (h *handlers) listAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := h.queue.ListAgents(ctx, req.GetString("capability", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]interface{}{"agents": infos, "count": len(infos)})
}

func (h *handlers) adminUpdateAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	patch := &agentmodels.Agent{
		ID:           agentID,
		DisplayName:  req.GetString("display_name", ""),
		Capabilities: stringSliceArg(req.GetArguments(), "capabilities"),
		Color:        req.GetString("color", ""),
	}
	updated, err := h.queue.UpdateAgent(ctx, patch)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(updated.ToAPI())
}

func (h *handlers) adminEvictAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	err = h.queue.EvictAgent(ctx, agentID, req.GetString("reason", ""), v1.EvictionAction(action))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	h.log.Info("agent eviction requested",
		zap.String("agent_id", agentID), zap.String("action", action))
	return resultJSON(map[string]string{"status": "eviction_requested", "agent_id": agentID})
}

func (h *handlers) submitReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()
	var comments []*taskmodels.ReviewComment
	if raw, ok := args["comments"].([]interface{}); ok {
		for _, item := range raw {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			comment := &taskmodels.ReviewComment{
				Content:  stringArg(entry, "content"),
				FilePath: stringArg(entry, "file_path"),
				ThreadID: stringArg(entry, "thread_id"),
			}
			if line, ok := entry["line_number"].(float64); ok {
				comment.LineNo = int(line)
			}
			comments = append(comments, comment)
		}
	}

	err = h.queue.SubmitReview(ctx, taskID, req.GetString("reviewer", ""), approved, comments)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	return resultJSON(map[string]string{"status": verdict, "task_id": taskID})
}

func (h *handlers) broadcastSystemPrompt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	count, err := h.queue.BroadcastSystemPrompt(ctx, prompt)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]interface{}{"status": "broadcast", "agents": count})
}

func (h *handlers) getReviewComments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	comments, err := h.queue.GetReviewComments(ctx, taskID, req.GetBool("unread_only", false))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]interface{}{"comments": comments, "count": len(comments)})
}

func (h *handlers) resolveReviewComment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	commentID, err := req.RequireString("comment_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := h.queue.ResolveReviewComment(ctx, commentID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]string{"status": "resolved", "comment_id": commentID})
}
