package v1

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusPendingAck TaskStatus = "PENDING_ACK"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusInReview   TaskStatus = "IN_REVIEW"
	TaskStatusApproved   TaskStatus = "APPROVED"
	TaskStatusBlocked    TaskStatus = "BLOCKED"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// IsTerminal returns true for statuses that end a task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsValid returns true if s is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusPendingAck, TaskStatusAssigned,
		TaskStatusInProgress, TaskStatusInReview, TaskStatusApproved,
		TaskStatusBlocked, TaskStatusCompleted, TaskStatusFailed,
		TaskStatusCancelled:
		return true
	}
	return false
}

// transitions is the set of legal status transitions. Cancellation from any
// non-terminal state and forced requeue are handled separately by the queue.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:     {TaskStatusPendingAck, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusPendingAck: {TaskStatusAssigned, TaskStatusQueued, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusInProgress, TaskStatusInReview, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusInReview:   {TaskStatusApproved, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusApproved:   {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusBlocked:    {TaskStatusQueued, TaskStatusCancelled},
}

// CanTransition reports whether moving a task from one status to another is
// legal under the task state machine. Terminal states allow no transitions.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority is a task's scheduling priority.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a numeric rank for ordering; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// IsValid returns true if p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// OriginKind identifies who created a task.
type OriginKind string

const (
	OriginUser   OriginKind = "user"
	OriginAgent  OriginKind = "agent"
	OriginSystem OriginKind = "system"
)

// Origin describes the producer of a task.
type Origin struct {
	Kind OriginKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
	Name string     `json:"name,omitempty"`
}

// RoutingHints constrain which agents may receive a task.
type RoutingHints struct {
	AgentID              string   `json:"agent_id,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	WorkspaceID          string   `json:"workspace_id,omitempty"`
}

// TaskResponse is a task's terminal result.
type TaskResponse struct {
	Message   string   `json:"message"`
	Artifacts []string `json:"artifacts,omitempty"`
	Diff      string   `json:"diff,omitempty"`
}

// Task is the wire representation of a task.
type Task struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Prompt       string                 `json:"prompt"`
	From         Origin                 `json:"from"`
	To           RoutingHints           `json:"to"`
	Priority     Priority               `json:"priority"`
	Status       TaskStatus             `json:"status"`
	AssignedTo   string                 `json:"assigned_to,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Response     *TaskResponse          `json:"response,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// ControlSignalKind is a non-task payload delivered through a long-poll.
type ControlSignalKind string

const (
	ControlSignalEvict        ControlSignalKind = "EVICT"
	ControlSignalSystemPrompt ControlSignalKind = "SYSTEM_PROMPT"
)

// ControlSignal carries an out-of-band instruction to a waiting agent.
type ControlSignal struct {
	Kind    ControlSignalKind `json:"control_signal"`
	Payload string            `json:"payload,omitempty"`
}

// EnqueueRequest is the payload for creating a task.
type EnqueueRequest struct {
	Prompt               string                 `json:"prompt" binding:"required"`
	Title                string                 `json:"title,omitempty"`
	WorkspaceID          string                 `json:"workspace_id,omitempty"`
	TargetAgentID        string                 `json:"target_agent_id,omitempty"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	Priority             Priority               `json:"priority,omitempty"`
	Context              map[string]interface{} `json:"context,omitempty"`
	SourceAgentID        string                 `json:"source_agent_id,omitempty"`
}

// TaskStats summarizes queue contents.
type TaskStats struct {
	Total     int                `json:"total"`
	ByStatus  map[TaskStatus]int `json:"by_status"`
	Completed int                `json:"completed"`
}
