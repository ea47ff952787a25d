package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

const taskColumns = `id, title, prompt, origin, routing, priority, status, assigned_to, dependencies, context, response, created_at, completed_at`

// Insert persists a new task. Missing id, title, priority and status are
// filled with defaults; created_at is set to now.
func (r *Repository) Insert(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Title == "" {
		task.Title = models.DeriveTitle(task.Prompt)
	}
	if task.Priority == "" {
		task.Priority = v1.PriorityNormal
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusQueued
	}
	task.CreatedAt = time.Now().UTC()

	origin, routing, deps, taskCtx, response, err := marshalTaskBlobs(task)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Title, task.Prompt, origin, routing, task.Priority, task.Status,
		task.AssignedTo, deps, taskCtx, response, task.CreatedAt, task.CompletedAt)
	return err
}

// Update rewrites every mutable column of the task row.
func (r *Repository) Update(ctx context.Context, task *models.Task) error {
	origin, routing, deps, taskCtx, response, err := marshalTaskBlobs(task)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET
			title = ?, prompt = ?, origin = ?, routing = ?, priority = ?,
			status = ?, assigned_to = ?, dependencies = ?, context = ?,
			response = ?, completed_at = ?
		WHERE id = ?
	`), task.Title, task.Prompt, origin, routing, task.Priority, task.Status,
		task.AssignedTo, deps, taskCtx, response, task.CompletedAt, task.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(result, task.ID)
}

// UpdateStatus atomically sets the status, stamping completed_at when the
// new status is terminal and the task had not completed before.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status v1.TaskStatus) error {
	var result sql.Result
	var err error
	if status.IsTerminal() {
		result, err = r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE tasks SET status = ?,
				completed_at = COALESCE(completed_at, ?)
			WHERE id = ?
		`), status, time.Now().UTC(), id)
	} else {
		result, err = r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE tasks SET status = ?, completed_at = NULL WHERE id = ?
		`), status, id)
	}
	if err != nil {
		return err
	}
	return requireRowAffected(result, id)
}

// GetByID returns the task or a NOT_FOUND error.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("task not found: %s", id)
	}
	return task, err
}

// GetByStatus returns all tasks in the given status, oldest first.
func (r *Repository) GetByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC`, status)
}

// GetByStatuses returns all tasks whose status is in the given set.
func (r *Repository) GetByStatuses(ctx context.Context, statuses []v1.TaskStatus) ([]*models.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = s
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY created_at ASC`
	return r.queryTasks(ctx, query, args...)
}

// GetByAssignedTo returns all tasks assigned to the agent, oldest first.
func (r *Repository) GetByAssignedTo(ctx context.Context, agentID string) ([]*models.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assigned_to = ? ORDER BY created_at ASC`, agentID)
}

// GetActive returns all non-terminal tasks.
func (r *Repository) GetActive(ctx context.Context) ([]*models.Task, error) {
	return r.GetByStatuses(ctx, []v1.TaskStatus{
		v1.TaskStatusQueued, v1.TaskStatusPendingAck, v1.TaskStatusAssigned,
		v1.TaskStatusInProgress, v1.TaskStatusInReview, v1.TaskStatusApproved,
		v1.TaskStatusBlocked,
	})
}

// GetHistory returns tasks newest first, filtered by status and/or assignee.
func (r *Repository) GetHistory(ctx context.Context, filter models.HistoryFilter) ([]*models.Task, error) {
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		conds = append(conds, "assigned_to = ?")
		args = append(args, filter.AgentID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	return r.queryTasks(ctx, query, args...)
}

// ClearAll wipes every task, message and review comment. Admin only.
func (r *Repository) ClearAll(ctx context.Context) error {
	for _, table := range []string{"task_messages", "review_comments", "tasks"} {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func marshalTaskBlobs(task *models.Task) (origin, routing, deps, taskCtx string, response interface{}, err error) {
	originB, err := json.Marshal(task.From)
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("failed to serialize origin: %w", err)
	}
	routingB, err := json.Marshal(task.To)
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("failed to serialize routing: %w", err)
	}
	depsB, err := json.Marshal(nonNil(task.Dependencies))
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("failed to serialize dependencies: %w", err)
	}
	ctxB, err := json.Marshal(task.Context)
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("failed to serialize context: %w", err)
	}
	if task.Context == nil {
		ctxB = []byte("{}")
	}
	if task.Response != nil {
		respB, err := json.Marshal(task.Response)
		if err != nil {
			return "", "", "", "", nil, fmt.Errorf("failed to serialize response: %w", err)
		}
		response = string(respB)
	}
	return string(originB), string(routingB), string(depsB), string(ctxB), response, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var origin, routing, deps, taskCtx string
	var response sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.Title, &task.Prompt, &origin, &routing,
		&task.Priority, &task.Status, &task.AssignedTo, &deps, &taskCtx,
		&response, &task.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(origin), &task.From); err != nil {
		return nil, fmt.Errorf("failed to deserialize origin: %w", err)
	}
	if err := json.Unmarshal([]byte(routing), &task.To); err != nil {
		return nil, fmt.Errorf("failed to deserialize routing: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &task.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to deserialize dependencies: %w", err)
	}
	if taskCtx != "" && taskCtx != "{}" {
		if err := json.Unmarshal([]byte(taskCtx), &task.Context); err != nil {
			return nil, fmt.Errorf("failed to deserialize context: %w", err)
		}
	}
	if response.Valid && response.String != "" {
		task.Response = &v1.TaskResponse{}
		if err := json.Unmarshal([]byte(response.String), task.Response); err != nil {
			return nil, fmt.Errorf("failed to deserialize response: %w", err)
		}
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		task.CompletedAt = &at
	}
	task.CreatedAt = task.CreatedAt.UTC()
	return task, nil
}

func requireRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("task not found: %s", id)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
