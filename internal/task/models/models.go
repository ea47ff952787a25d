// Package models holds the persisted task entities.
package models

import (
	"strings"
	"time"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// maxTitleLen is the cap applied to auto-derived task titles.
const maxTitleLen = 80

// Task is a unit of work dispatched to an agent.
type Task struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Prompt       string                 `json:"prompt"`
	From         v1.Origin              `json:"from"`
	To           v1.RoutingHints        `json:"to"`
	Priority     v1.Priority            `json:"priority"`
	Status       v1.TaskStatus          `json:"status"`
	AssignedTo   string                 `json:"assigned_to,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Response     *v1.TaskResponse       `json:"response,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a deep copy. Repository reads hand out clones so callers may
// mutate freely.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.To.RequiredCapabilities = append([]string(nil), t.To.RequiredCapabilities...)
	clone.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Context != nil {
		clone.Context = make(map[string]interface{}, len(t.Context))
		for k, v := range t.Context {
			clone.Context[k] = v
		}
	}
	if t.Response != nil {
		resp := *t.Response
		resp.Artifacts = append([]string(nil), t.Response.Artifacts...)
		clone.Response = &resp
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}

// ToAPI converts the task to its wire representation.
func (t *Task) ToAPI() *v1.Task {
	c := t.Clone()
	return &v1.Task{
		ID:           c.ID,
		Title:        c.Title,
		Prompt:       c.Prompt,
		From:         c.From,
		To:           c.To,
		Priority:     c.Priority,
		Status:       c.Status,
		AssignedTo:   c.AssignedTo,
		Dependencies: c.Dependencies,
		Context:      c.Context,
		Response:     c.Response,
		CreatedAt:    c.CreatedAt,
		CompletedAt:  c.CompletedAt,
	}
}

// DeriveTitle returns the first line of the prompt, trimmed and truncated to
// 80 runes with a trailing ellipsis when cut.
func DeriveTitle(prompt string) string {
	line := prompt
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) <= maxTitleLen {
		return line
	}
	return string(runes[:maxTitleLen]) + "…"
}

// TaskFromEnqueueRequest builds a task from the wire creation payload. Tasks
// created this way default to a user origin; SourceAgentID marks delegation.
func TaskFromEnqueueRequest(req *v1.EnqueueRequest) *Task {
	task := &Task{
		Title:  req.Title,
		Prompt: req.Prompt,
		From:   v1.Origin{Kind: v1.OriginUser},
		To: v1.RoutingHints{
			AgentID:              req.TargetAgentID,
			RequiredCapabilities: req.RequiredCapabilities,
			WorkspaceID:          req.WorkspaceID,
		},
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		Context:      req.Context,
	}
	if req.SourceAgentID != "" {
		task.From = v1.Origin{Kind: v1.OriginAgent, ID: req.SourceAgentID}
	}
	return task
}

// MessageRole identifies who authored a task message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// MessageType classifies task messages.
type MessageType string

const (
	MessageTypeMessage    MessageType = "message"
	MessageTypeProgress   MessageType = "progress"
	MessageTypeStatus     MessageType = "status"
	MessageTypeBlockEvent MessageType = "block_event"
	MessageTypeReview     MessageType = "review_comment"
)

// TaskMessage is one entry in a task's append-only message log.
type TaskMessage struct {
	ID        int64                  `json:"id"`
	TaskID    string                 `json:"task_id"`
	Role      MessageRole            `json:"role"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Type      MessageType            `json:"type"`
	ReplyTo   string                 `json:"reply_to,omitempty"`
	IsRead    bool                   `json:"is_read"`
	Timestamp time.Time              `json:"timestamp"`
}

// HasProgress reports whether the message carries a progress percentage.
func (m *TaskMessage) HasProgress() bool {
	if m.Metadata == nil {
		return false
	}
	_, ok := m.Metadata["percentage"]
	return ok
}

// ReviewComment is a review annotation on a task, optionally anchored to a
// file and line. Comments without a ThreadID are roots; replies carry the
// root's id.
type ReviewComment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	FilePath  string    `json:"file_path,omitempty"`
	LineNo    int       `json:"line_number,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Resolved  bool      `json:"resolved"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryFilter selects tasks for getHistory.
type HistoryFilter struct {
	Status  v1.TaskStatus
	AgentID string
	Limit   int
	Offset  int
}
