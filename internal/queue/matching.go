package queue

import (
	"context"
	"sort"

	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// hasCapabilities reports whether every required tag is present.
func hasCapabilities(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// agentMatches checks the routing constraints of a task against an agent.
// Workspace is only compared when both sides declare one.
func agentMatches(task *models.Task, agentID string, capabilities []string, ws *v1.WorkspaceContext) bool {
	if task.To.AgentID != "" {
		if task.To.AgentID != agentID {
			return false
		}
	} else if !hasCapabilities(capabilities, task.To.RequiredCapabilities) {
		return false
	}
	if task.To.WorkspaceID != "" && ws != nil && ws.RepoID != "" {
		if task.To.WorkspaceID != ws.RepoID {
			return false
		}
	}
	return true
}

// dependenciesSatisfied reports whether every dependency of the task is
// COMPLETED. Unknown ids count as satisfied.
func (q *Queue) dependenciesSatisfied(ctx context.Context, task *models.Task) bool {
	for _, depID := range task.Dependencies {
		dep, err := q.tasks.GetByID(ctx, depID)
		if err != nil || dep == nil {
			continue
		}
		if dep.Status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// eligible is the full matching predicate for a QUEUED task and an agent.
func (q *Queue) eligible(ctx context.Context, task *models.Task, agentID string, capabilities []string, ws *v1.WorkspaceContext) bool {
	if task.Status != v1.TaskStatusQueued {
		return false
	}
	if !agentMatches(task, agentID, capabilities, ws) {
		return false
	}
	return q.dependenciesSatisfied(ctx, task)
}

// sortByDispatchOrder orders tasks highest priority first, then oldest
// first.
func sortByDispatchOrder(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() > tasks[j].Priority.Rank()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
