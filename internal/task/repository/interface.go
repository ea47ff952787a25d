// Package repository defines the task storage contract.
package repository

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// TaskRepository is the durable store surface for tasks, their message logs
// and review comments. Reads return deep copies.
type TaskRepository interface {
	Insert(ctx context.Context, task *models.Task) error
	Update(ctx context.Context, task *models.Task) error
	UpdateStatus(ctx context.Context, id string, status v1.TaskStatus) error

	GetByID(ctx context.Context, id string) (*models.Task, error)
	GetByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error)
	GetByStatuses(ctx context.Context, statuses []v1.TaskStatus) ([]*models.Task, error)
	GetByAssignedTo(ctx context.Context, agentID string) ([]*models.Task, error)
	GetActive(ctx context.Context) ([]*models.Task, error)
	GetHistory(ctx context.Context, filter models.HistoryFilter) ([]*models.Task, error)
	GetStats(ctx context.Context) (*v1.TaskStats, error)

	AddMessage(ctx context.Context, msg *models.TaskMessage) error
	GetMessages(ctx context.Context, taskID string) ([]*models.TaskMessage, error)
	GetTaskLastProgress(ctx context.Context, taskID string) (*time.Time, error)

	AddReviewComment(ctx context.Context, comment *models.ReviewComment) error
	GetReviewComments(ctx context.Context, taskID string) ([]*models.ReviewComment, error)
	GetUnreadComments(ctx context.Context, taskID string) ([]*models.ReviewComment, error)
	MarkCommentsAsRead(ctx context.Context, taskID string) error
	ResolveReviewComment(ctx context.Context, commentID string) error

	ClearAll(ctx context.Context) error
	Close() error
}
