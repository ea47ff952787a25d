// Package events defines the event subjects published by the dispatch core.
package events

// Event subjects for tasks.
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskCompleted = "task.completed"
	TaskDelegated = "task.delegated"
)

// Event subjects for agents.
const (
	AgentRegistered = "agent.registered"
	AgentHeartbeat  = "agent.heartbeat"
	AgentList       = "agent.list"
)

// BuildTaskSubject returns the per-task subject used by waiters that watch a
// single task id, e.g. task.updated.<id>.
func BuildTaskSubject(base, taskID string) string {
	return base + "." + taskID
}

// BuildTaskWildcardSubject subscribes to a base subject for all tasks.
func BuildTaskWildcardSubject(base string) string {
	return base + ".*"
}
