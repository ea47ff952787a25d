package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

const reviewColumns = `id, task_id, author, content, file_path, line_number, thread_id, resolved, is_read, created_at`

// AddReviewComment stores a review comment, assigning an id when missing.
func (r *Repository) AddReviewComment(ctx context.Context, comment *models.ReviewComment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO review_comments (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), comment.ID, comment.TaskID, comment.Author, comment.Content,
		comment.FilePath, comment.LineNo, comment.ThreadID, comment.Resolved,
		comment.IsRead, comment.CreatedAt)
	return err
}

// GetReviewComments returns every comment on the task, oldest first.
func (r *Repository) GetReviewComments(ctx context.Context, taskID string) ([]*models.ReviewComment, error) {
	return r.queryComments(ctx, `
		SELECT `+reviewColumns+` FROM review_comments
		WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
}

// GetUnreadComments returns comments on the task the assigned agent has not
// yet fetched.
func (r *Repository) GetUnreadComments(ctx context.Context, taskID string) ([]*models.ReviewComment, error) {
	return r.queryComments(ctx, `
		SELECT `+reviewColumns+` FROM review_comments
		WHERE task_id = ? AND is_read = ? ORDER BY created_at ASC
	`, taskID, false)
}

// MarkCommentsAsRead flags all comments on the task as fetched.
func (r *Repository) MarkCommentsAsRead(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE review_comments SET is_read = ? WHERE task_id = ?
	`), true, taskID)
	return err
}

// ResolveReviewComment marks a comment and its whole thread resolved.
func (r *Repository) ResolveReviewComment(ctx context.Context, commentID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE review_comments SET resolved = ?
		WHERE id = ? OR thread_id = ?
	`), true, commentID, commentID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("review comment not found: %s", commentID)
	}
	return nil
}

func (r *Repository) queryComments(ctx context.Context, query string, args ...interface{}) ([]*models.ReviewComment, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var comments []*models.ReviewComment
	for rows.Next() {
		c := &models.ReviewComment{}
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Content,
			&c.FilePath, &c.LineNo, &c.ThreadID, &c.Resolved, &c.IsRead,
			&c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
