package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Task actions (client -> server)
	ActionTaskList    = "task.list"
	ActionTaskGet     = "task.get"
	ActionTaskCreate  = "task.create"
	ActionTaskCancel  = "task.cancel"
	ActionTaskRetry   = "task.retry"
	ActionTaskAnswer  = "task.answer"
	ActionTaskHistory = "task.history"
	ActionTaskStats   = "task.stats"

	// Agent actions (client -> server)
	ActionAgentList  = "agent.list"
	ActionAgentEvict = "agent.evict"

	// Subscription actions
	ActionTaskSubscribe   = "task.subscribe"
	ActionTaskUnsubscribe = "task.unsubscribe"

	// Notification actions (server -> client)
	ActionTaskCreated     = "task.created"
	ActionTaskUpdated     = "task.updated"
	ActionTaskCompleted   = "task.completed"
	ActionTaskDelegated   = "task.delegated"
	ActionAgentRegistered = "agent.registered"
	ActionAgentHeartbeat  = "agent.heartbeat"
	ActionAgentSnapshot   = "agent.snapshot"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
