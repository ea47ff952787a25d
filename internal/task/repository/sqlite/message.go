package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dispatchd/dispatchd/internal/db/dialect"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// AddMessage appends a message to the task's log and fills msg.ID.
func (r *Repository) AddMessage(ctx context.Context, msg *models.TaskMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeMessage
	}
	metadata := []byte("{}")
	if msg.Metadata != nil {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize metadata: %w", err)
		}
		metadata = b
	}

	if dialect.IsPostgres(r.db.DriverName()) {
		return r.db.QueryRowContext(ctx, r.db.Rebind(`
			INSERT INTO task_messages (task_id, role, content, metadata, message_type, reply_to, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id
		`), msg.TaskID, msg.Role, msg.Content, string(metadata), msg.Type,
			msg.ReplyTo, msg.IsRead, msg.Timestamp).Scan(&msg.ID)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_messages (task_id, role, content, metadata, message_type, reply_to, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.TaskID, msg.Role, msg.Content, string(metadata), msg.Type,
		msg.ReplyTo, msg.IsRead, msg.Timestamp)
	if err != nil {
		return err
	}
	msg.ID, err = result.LastInsertId()
	return err
}

// GetMessages returns the task's full message log in insertion order.
func (r *Repository) GetMessages(ctx context.Context, taskID string) ([]*models.TaskMessage, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, role, content, metadata, message_type, reply_to, is_read, created_at
		FROM task_messages WHERE task_id = ? ORDER BY id ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.TaskMessage
	for rows.Next() {
		msg := &models.TaskMessage{}
		var metadata string
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.Role, &msg.Content,
			&metadata, &msg.Type, &msg.ReplyTo, &msg.IsRead, &msg.Timestamp); err != nil {
			return nil, err
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
			}
		}
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetTaskLastProgress returns the timestamp of the most recent message that
// carries a progress percentage, or nil when the task has reported none.
func (r *Repository) GetTaskLastProgress(ctx context.Context, taskID string) (*time.Time, error) {
	query := `
		SELECT created_at FROM task_messages
		WHERE task_id = ? AND ` + dialect.JSONExtractIsNotNull(r.ro.DriverName(), "metadata", "percentage") + `
		ORDER BY id DESC LIMIT 1`

	var last time.Time
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(query), taskID).Scan(&last); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	at := last.UTC()
	return &at, nil
}
