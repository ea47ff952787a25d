package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// sendResponseStatuses is the set of statuses an agent may report.
var sendResponseStatuses = map[v1.TaskStatus]struct{}{
	v1.TaskStatusInProgress: {},
	v1.TaskStatusInReview:   {},
	v1.TaskStatusApproved:   {},
	v1.TaskStatusCompleted:  {},
	v1.TaskStatusFailed:     {},
	v1.TaskStatusBlocked:    {},
}

// blockReasons are the accepted reasons for block_task.
var blockReasons = map[string]struct{}{
	"clarification": {},
	"dependency":    {},
	"decision":      {},
}

// AckTask confirms receipt of a delivered task. The pending-ack entry must
// exist and name the same agent.
func (q *Queue) AckTask(ctx context.Context, taskID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.pendingAcks[taskID]
	if !ok {
		if _, err := q.tasks.GetByID(ctx, taskID); err != nil {
			return apperr.Validation("not_found", "task not found: %s", taskID)
		}
		return apperr.Validation("not_pending", "task %s has no pending delivery", taskID)
	}
	if entry.AgentID != agentID {
		return apperr.Validation("wrong_agent", "task %s was delivered to a different agent", taskID)
	}

	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	delete(q.pendingAcks, taskID)
	task.AssignedTo = agentID
	task.Status = v1.TaskStatusAssigned
	if err := q.tasks.Update(ctx, task); err != nil {
		return apperr.Internal(err, "failed to assign task")
	}
	q.heartbeat(ctx, agentID)
	q.publishTaskEvent(ctx, events.TaskUpdated, task)
	q.log.WithTaskID(taskID).WithAgentID(agentID).Info("task acked")
	return nil
}

// UpdateProgress appends a progress message, refreshes the agent heartbeat
// and moves an ASSIGNED task to IN_PROGRESS.
func (q *Queue) UpdateProgress(ctx context.Context, taskID, agentID, phase, message string, percentage *int) error {
	q.heartbeat(ctx, agentID)

	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.AssignedTo != "" && task.AssignedTo != agentID {
		return apperr.Validation("wrong_agent", "task %s is assigned to a different agent", taskID)
	}

	metadata := map[string]interface{}{}
	if phase != "" {
		metadata["phase"] = phase
	}
	if percentage != nil {
		metadata["percentage"] = *percentage
	}
	msg := &models.TaskMessage{
		TaskID:   taskID,
		Role:     models.RoleAgent,
		Content:  message,
		Metadata: metadata,
		Type:     models.MessageTypeProgress,
		IsRead:   true,
	}
	if err := q.tasks.AddMessage(ctx, msg); err != nil {
		return apperr.Internal(err, "failed to store progress message")
	}

	if task.Status == v1.TaskStatusAssigned {
		if err := q.tasks.UpdateStatus(ctx, taskID, v1.TaskStatusInProgress); err != nil {
			return apperr.Internal(err, "failed to transition task")
		}
		task.Status = v1.TaskStatusInProgress
	}
	q.publishTaskEvent(ctx, events.TaskUpdated, task)
	return nil
}

// SendResponse applies an agent-reported status transition and attaches the
// response payload. BLOCKED requires a non-empty blockedReason.
func (q *Queue) SendResponse(ctx context.Context, taskID string, status v1.TaskStatus, response *v1.TaskResponse, blockedReason string) error {
	if _, ok := sendResponseStatuses[status]; !ok {
		return apperr.Validation("invalid_status", "status %q cannot be reported by an agent", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if !v1.CanTransition(task.Status, status) {
		return apperr.Validation("illegal_transition", "cannot transition task from %s to %s", task.Status, status)
	}
	if status == v1.TaskStatusBlocked && blockedReason == "" {
		return apperr.Validation("blocked_reason_required", "BLOCKED requires a blockedReason")
	}

	msg := &models.TaskMessage{
		TaskID:  taskID,
		Role:    models.RoleSystem,
		Content: fmt.Sprintf("status changed from %s to %s", task.Status, status),
		Type:    models.MessageTypeStatus,
		IsRead:  true,
	}
	if status == v1.TaskStatusBlocked {
		msg.Type = models.MessageTypeBlockEvent
		msg.Content = blockedReason
		msg.Metadata = map[string]interface{}{
			"type":   string(models.MessageTypeBlockEvent),
			"reason": blockedReason,
		}
	}
	if err := q.tasks.AddMessage(ctx, msg); err != nil {
		return apperr.Internal(err, "failed to store status message")
	}

	task.Status = status
	if response != nil {
		task.Response = response
	}
	if status.IsTerminal() && task.CompletedAt == nil {
		now := q.now()
		task.CompletedAt = &now
	}
	if err := q.tasks.Update(ctx, task); err != nil {
		return apperr.Internal(err, "failed to store task response")
	}

	q.publishTaskEvent(ctx, events.TaskUpdated, task)
	if status.IsTerminal() {
		q.publishTaskEvent(ctx, events.TaskCompleted, task)
	}
	q.log.WithTaskID(taskID).Info("task response recorded",
		zap.String("status", string(status)))
	return nil
}

// BlockTask flips the task to BLOCKED with a structured block event.
func (q *Queue) BlockTask(ctx context.Context, taskID, reason, question, summary, notes string, files []string) error {
	if _, ok := blockReasons[reason]; !ok {
		return apperr.Validation("invalid_block_reason", "unknown block reason %q", reason)
	}
	if question == "" {
		return apperr.Validation("question_required", "block_task requires a question")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if !v1.CanTransition(task.Status, v1.TaskStatusBlocked) {
		return apperr.Validation("illegal_transition", "cannot block task in status %s", task.Status)
	}

	metadata := map[string]interface{}{
		"type":     string(models.MessageTypeBlockEvent),
		"reason":   reason,
		"question": question,
		"summary":  summary,
	}
	if notes != "" {
		metadata["notes"] = notes
	}
	if len(files) > 0 {
		metadata["files"] = files
	}
	msg := &models.TaskMessage{
		TaskID:   taskID,
		Role:     models.RoleAgent,
		Content:  question,
		Metadata: metadata,
		Type:     models.MessageTypeBlockEvent,
		IsRead:   false,
	}
	if err := q.tasks.AddMessage(ctx, msg); err != nil {
		return apperr.Internal(err, "failed to store block event")
	}
	if err := q.tasks.UpdateStatus(ctx, taskID, v1.TaskStatusBlocked); err != nil {
		return apperr.Internal(err, "failed to block task")
	}
	task.Status = v1.TaskStatusBlocked
	q.publishTaskEvent(ctx, events.TaskUpdated, task)
	q.log.WithTaskID(taskID).Info("task blocked", zap.String("reason", reason))
	return nil
}

// AnswerTask appends the producer's answer and returns a BLOCKED task to the
// queue, immediately retrying the match.
func (q *Queue) AnswerTask(ctx context.Context, taskID, answer string) error {
	if answer == "" {
		return apperr.Validation("answer_required", "answer must not be empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != v1.TaskStatusBlocked {
		return apperr.Validation("not_blocked", "task %s is not blocked", taskID)
	}

	msg := &models.TaskMessage{
		TaskID:  taskID,
		Role:    models.RoleUser,
		Content: answer,
		Type:    models.MessageTypeMessage,
		IsRead:  false,
	}
	if err := q.tasks.AddMessage(ctx, msg); err != nil {
		return apperr.Internal(err, "failed to store answer")
	}
	if err := q.tasks.UpdateStatus(ctx, taskID, v1.TaskStatusQueued); err != nil {
		return apperr.Internal(err, "failed to requeue task")
	}
	task.Status = v1.TaskStatusQueued
	q.publishTaskEvent(ctx, events.TaskUpdated, task)
	q.tryMatchLocked(ctx, task)
	return nil
}

// ForceRetry returns a task to QUEUED from any state except COMPLETED,
// clearing its assignment and any pending delivery, then retries the match.
func (q *Queue) ForceRetry(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.forceRetryLocked(ctx, taskID)
}

func (q *Queue) forceRetryLocked(ctx context.Context, taskID string) error {
	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == v1.TaskStatusCompleted {
		return apperr.Validation("already_completed", "completed task %s cannot be retried", taskID)
	}

	delete(q.pendingAcks, taskID)
	task.AssignedTo = ""
	task.Status = v1.TaskStatusQueued
	task.CompletedAt = nil
	if err := q.tasks.Update(ctx, task); err != nil {
		return apperr.Internal(err, "failed to requeue task")
	}
	q.publishTaskEvent(ctx, events.TaskUpdated, task)
	q.tryMatchLocked(ctx, task)
	q.log.WithTaskID(taskID).Info("task force-retried")
	return nil
}

// CancelTask transitions a non-terminal task to CANCELLED. Cancelling an
// already-cancelled task is a no-op.
func (q *Queue) CancelTask(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == v1.TaskStatusCancelled {
		return nil
	}
	if task.Status.IsTerminal() {
		return apperr.Validation("illegal_transition", "cannot cancel task in terminal status %s", task.Status)
	}

	delete(q.pendingAcks, taskID)
	if err := q.tasks.UpdateStatus(ctx, taskID, v1.TaskStatusCancelled); err != nil {
		return apperr.Internal(err, "failed to cancel task")
	}
	task.Status = v1.TaskStatusCancelled
	q.publishTaskEvent(ctx, events.TaskUpdated, task)
	q.publishTaskEvent(ctx, events.TaskCompleted, task)
	q.log.WithTaskID(taskID).Info("task cancelled")
	return nil
}
