package queue

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// TaskContext is the full working context of a task as handed to an agent
// or inspected by a producer.
type TaskContext struct {
	TaskID            string                 `json:"task_id"`
	Prompt            string                 `json:"prompt"`
	Status            v1.TaskStatus          `json:"status"`
	Messages          []*models.TaskMessage  `json:"messages"`
	Context           map[string]interface{} `json:"context,omitempty"`
	DependencyOutputs map[string]interface{} `json:"dependency_outputs,omitempty"`
}

// GetTaskContext returns the task's prompt, status, message log and the
// outputs of its completed dependencies.
func (q *Queue) GetTaskContext(ctx context.Context, taskID string) (*TaskContext, error) {
	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	messages, err := q.tasks.GetMessages(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskContext{
		TaskID:            task.ID,
		Prompt:            task.Prompt,
		Status:            task.Status,
		Messages:          messages,
		Context:           task.Context,
		DependencyOutputs: q.DependencyOutputs(ctx, task),
	}, nil
}

// WaitForTaskCompletion blocks until the task reaches a terminal status or
// the timeout elapses. Used by producers coordinating on dependencies.
func (q *Queue) WaitForTaskCompletion(ctx context.Context, taskID string, timeout time.Duration) (*models.Task, error) {
	timeout = q.clampTimeout(timeout)

	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	done := make(chan *models.Task, 1)
	sub, err := q.bus.Subscribe(events.BuildTaskSubject(events.TaskUpdated, taskID),
		func(handlerCtx context.Context, event *bus.Event) error {
			current, err := q.tasks.GetByID(handlerCtx, taskID)
			if err != nil || !current.Status.IsTerminal() {
				return err
			}
			select {
			case done <- current:
			default:
			}
			return nil
		})
	if err != nil {
		return nil, apperr.Internal(err, "failed to subscribe to task updates")
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Re-check after subscribing; the terminal transition may have landed
	// between the first read and the subscription.
	task, err = q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case task := <-done:
		return task, nil
	case <-timer.C:
		return nil, apperr.Timeout("task %s did not complete within %s", taskID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
