package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// SubmitReview records a review verdict on a task in IN_REVIEW. Approval
// moves it to APPROVED; rejection stores the comments (unread, so the agent
// picks them up) and returns the task to IN_PROGRESS.
func (q *Queue) SubmitReview(ctx context.Context, taskID, reviewer string, approved bool, comments []*models.ReviewComment) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != v1.TaskStatusInReview {
		return apperr.Validation("not_in_review", "task %s is not awaiting review", taskID)
	}

	for _, comment := range comments {
		comment.TaskID = taskID
		if comment.Author == "" {
			comment.Author = reviewer
		}
		comment.IsRead = false
		if err := q.tasks.AddReviewComment(ctx, comment); err != nil {
			return apperr.Internal(err, "failed to store review comment")
		}
	}

	next := v1.TaskStatusApproved
	if !approved {
		next = v1.TaskStatusInProgress
	}
	if err := q.tasks.UpdateStatus(ctx, taskID, next); err != nil {
		return apperr.Internal(err, "failed to apply review verdict")
	}
	task.Status = next
	q.publishTaskEvent(ctx, events.TaskUpdated, task)
	q.log.WithTaskID(taskID).Info("review submitted",
		zap.Bool("approved", approved), zap.Int("comments", len(comments)))
	return nil
}

// GetReviewComments returns the task's review comments. With unreadOnly the
// returned comments are also marked read, so each is handed out once.
func (q *Queue) GetReviewComments(ctx context.Context, taskID string, unreadOnly bool) ([]*models.ReviewComment, error) {
	if _, err := q.tasks.GetByID(ctx, taskID); err != nil {
		return nil, err
	}
	if !unreadOnly {
		return q.tasks.GetReviewComments(ctx, taskID)
	}
	comments, err := q.tasks.GetUnreadComments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(comments) > 0 {
		if err := q.tasks.MarkCommentsAsRead(ctx, taskID); err != nil {
			return nil, err
		}
	}
	return comments, nil
}

// ResolveReviewComment marks a comment thread resolved.
func (q *Queue) ResolveReviewComment(ctx context.Context, commentID string) error {
	return q.tasks.ResolveReviewComment(ctx, commentID)
}
