package queue

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// GetTask returns the task by id.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return q.tasks.GetByID(ctx, taskID)
}

// GetActiveTasks returns all non-terminal tasks.
func (q *Queue) GetActiveTasks(ctx context.Context) ([]*models.Task, error) {
	return q.tasks.GetActive(ctx)
}

// GetTaskHistory returns tasks filtered by status and/or agent, newest
// first.
func (q *Queue) GetTaskHistory(ctx context.Context, filter models.HistoryFilter) ([]*models.Task, error) {
	return q.tasks.GetHistory(ctx, filter)
}

// GetStats returns per-status task counts.
func (q *Queue) GetStats(ctx context.Context) (*v1.TaskStats, error) {
	return q.tasks.GetStats(ctx)
}

// GetMessages returns the full message log of a task.
func (q *Queue) GetMessages(ctx context.Context, taskID string) ([]*models.TaskMessage, error) {
	return q.tasks.GetMessages(ctx, taskID)
}

// GetWaitingAgents returns a snapshot of the waiting registry.
func (q *Queue) GetWaitingAgents() map[string]WaitingEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.snapshot()
}

// IsAgentWaiting reports whether the agent is currently parked.
func (q *Queue) IsAgentWaiting(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.waiting.get(agentID)
	return ok
}

// GetPendingAcks returns a snapshot of delivered-but-unconfirmed tasks,
// keyed by task id.
func (q *Queue) GetPendingAcks() map[string]PendingAck {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]PendingAck, len(q.pendingAcks))
	for id, entry := range q.pendingAcks {
		out[id] = *entry
	}
	return out
}

// GetAssignedTasksForAgent returns the agent's non-terminal assigned tasks.
func (q *Queue) GetAssignedTasksForAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	tasks, err := q.tasks.GetByAssignedTo(ctx, agentID)
	if err != nil {
		return nil, err
	}
	active := tasks[:0]
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			active = append(active, task)
		}
	}
	return active, nil
}
