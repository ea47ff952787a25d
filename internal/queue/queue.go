// Package queue implements the task queue core: enqueue, long-poll
// rendezvous with waiting agents, the ack handshake and the task lifecycle
// transitions. A single mutex guards every status mutation, the pending-ack
// map and the waiting registry so that matching decisions are atomic with
// respect to concurrent enqueues.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	agentrepo "github.com/dispatchd/dispatchd/internal/agent/repository"
	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/task/models"
	taskrepo "github.com/dispatchd/dispatchd/internal/task/repository"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// PendingAck records a task delivered to an agent that has not confirmed
// receipt yet. The scheduler reclaims entries older than the ack timeout.
type PendingAck struct {
	TaskID  string
	AgentID string
	SentAt  time.Time
}

// Queue is the dispatch core shared by the RPC surface, the HTTP API and
// the scheduler.
type Queue struct {
	mu sync.Mutex

	tasks  taskrepo.TaskRepository
	agents agentrepo.AgentRepository
	bus    bus.EventBus
	cfg    config.QueueConfig
	log    *logger.Logger

	waiting       *registry
	pendingAcks   map[string]*PendingAck
	systemPrompts map[string]string

	// now is replaceable in tests.
	now func() time.Time
}

// New creates the queue over its repositories and event bus.
func New(tasks taskrepo.TaskRepository, agents agentrepo.AgentRepository, eventBus bus.EventBus, cfg config.QueueConfig, log *logger.Logger) *Queue {
	return &Queue{
		tasks:         tasks,
		agents:        agents,
		bus:           eventBus,
		cfg:           cfg,
		log:           log,
		waiting:       newRegistry(),
		pendingAcks:   make(map[string]*PendingAck),
		systemPrompts: make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates and persists a new task, then tries to hand it to a
// waiting agent. The task is visible in the store before task.created fires.
// At most one waiting agent is selected.
func (q *Queue) Enqueue(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task.Prompt == "" {
		return nil, apperr.Validation("prompt_required", "task prompt must not be empty")
	}
	if task.Priority != "" && !task.Priority.IsValid() {
		return nil, apperr.Validation("invalid_priority", "unknown priority %q", task.Priority)
	}
	if task.To.AgentID != "" {
		resolved, err := q.resolveAgentRef(ctx, task.To.AgentID)
		if err != nil {
			return nil, err
		}
		task.To.AgentID = resolved
	}

	task.Status = v1.TaskStatusQueued
	if err := q.tasks.Insert(ctx, task); err != nil {
		return nil, apperr.Internal(err, "failed to persist task")
	}

	q.mu.Lock()
	matched := q.tryMatchLocked(ctx, task)
	q.mu.Unlock()

	q.publishTaskEvent(ctx, events.TaskCreated, task)
	if task.From.Kind == v1.OriginAgent {
		q.publishTaskEvent(ctx, events.TaskDelegated, task)
	}
	if matched {
		q.publishTaskEvent(ctx, events.TaskUpdated, task)
	}

	q.log.WithTaskID(task.ID).Info("task enqueued",
		zap.String("priority", string(task.Priority)),
		zap.Bool("matched", matched))
	return task.Clone(), nil
}

// resolveAgentRef resolves a target that may be an agent id or a display
// name (with or without a leading @).
func (q *Queue) resolveAgentRef(ctx context.Context, ref string) (string, error) {
	if _, err := q.agents.GetByID(ctx, ref); err == nil {
		return ref, nil
	}
	agent, err := q.agents.GetByDisplayName(ctx, ref)
	if err != nil {
		return "", apperr.Internal(err, "failed to resolve agent %q", ref)
	}
	if agent == nil {
		return "", apperr.Validation("unknown_agent", "target agent %q is not registered", ref)
	}
	return agent.ID, nil
}

// tryMatchLocked hands the task to the longest-waiting eligible agent.
// Caller holds q.mu. Mutates task to PENDING_ACK on match.
func (q *Queue) tryMatchLocked(ctx context.Context, task *models.Task) bool {
	if task.Status != v1.TaskStatusQueued {
		return false
	}
	entry := q.waiting.oldestEligible(func(e *WaitingEntry) bool {
		return q.eligible(ctx, task, e.AgentID, e.Capabilities, e.WorkspaceContext)
	})
	if entry == nil {
		return false
	}
	if err := q.tasks.UpdateStatus(ctx, task.ID, v1.TaskStatusPendingAck); err != nil {
		q.log.WithTaskID(task.ID).WithError(err).Error("failed to mark task pending ack")
		return false
	}
	task.Status = v1.TaskStatusPendingAck
	q.pendingAcks[task.ID] = &PendingAck{TaskID: task.ID, AgentID: entry.AgentID, SentAt: q.now()}
	q.waiting.deliver(entry, Delivery{Task: q.serveTask(ctx, task)})
	q.log.WithTaskID(task.ID).WithAgentID(entry.AgentID).Info("task delivered to waiting agent")
	return true
}

// serveTask prepares the copy of a task handed to an agent: outputs of
// completed dependencies are injected under context.dependencyOutputs.
func (q *Queue) serveTask(ctx context.Context, task *models.Task) *models.Task {
	served := task.Clone()
	outputs := q.DependencyOutputs(ctx, served)
	if len(outputs) > 0 {
		if served.Context == nil {
			served.Context = make(map[string]interface{})
		}
		served.Context["dependencyOutputs"] = outputs
	}
	return served
}

// DependencyOutputs collects the responses of the task's completed
// dependencies, keyed by dependency id.
func (q *Queue) DependencyOutputs(ctx context.Context, task *models.Task) map[string]interface{} {
	outputs := make(map[string]interface{})
	for _, depID := range task.Dependencies {
		dep, err := q.tasks.GetByID(ctx, depID)
		if err != nil || dep == nil || dep.Status != v1.TaskStatusCompleted || dep.Response == nil {
			continue
		}
		outputs[depID] = map[string]interface{}{
			"message":   dep.Response.Message,
			"artifacts": dep.Response.Artifacts,
		}
	}
	return outputs
}

// WaitForTask parks the agent until an eligible task or control signal is
// available, up to timeout (clamped to the configured bounds). A nil
// Delivery with nil error means the poll timed out.
func (q *Queue) WaitForTask(ctx context.Context, agentID string, capabilities []string, ws *v1.WorkspaceContext, timeout time.Duration) (*Delivery, error) {
	if agentID == "" {
		return nil, apperr.Validation("agent_id_required", "agentId must not be empty")
	}
	timeout = q.clampTimeout(timeout)
	q.heartbeat(ctx, agentID)

	q.mu.Lock()
	// Synchronous path: an eligible QUEUED task is handed over immediately.
	if task := q.findEligibleLocked(ctx, agentID, capabilities, ws); task != nil {
		served := q.serveTask(ctx, task)
		q.mu.Unlock()
		q.publishTaskEvent(ctx, events.TaskUpdated, task)
		return &Delivery{Task: served}, nil
	}
	if signal := q.pendingSignalLocked(ctx, agentID); signal != nil {
		q.mu.Unlock()
		return &Delivery{Signal: signal}, nil
	}
	entry := q.waiting.add(agentID, capabilities, ws, q.now())
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-entry.delivery:
		if !ok {
			// Entry was replaced by a newer wait from the same agent.
			return nil, nil
		}
		q.heartbeat(ctx, agentID)
		return &payload, nil

	case <-timer.C:
		q.mu.Lock()
		removed := q.waiting.remove(entry)
		q.mu.Unlock()
		if !removed {
			// Delivery raced the timeout; prefer the payload.
			if payload, ok := <-entry.delivery; ok {
				q.heartbeat(ctx, agentID)
				return &payload, nil
			}
		}
		return nil, nil

	case <-ctx.Done():
		// Connection dropped mid-wait: the entry must not leak. A task
		// already delivered stays PENDING_ACK for the scheduler to reclaim.
		q.mu.Lock()
		q.waiting.remove(entry)
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

// findEligibleLocked picks the highest-priority, oldest eligible QUEUED task
// for the agent and transitions it to PENDING_ACK. Caller holds q.mu.
func (q *Queue) findEligibleLocked(ctx context.Context, agentID string, capabilities []string, ws *v1.WorkspaceContext) *models.Task {
	queued, err := q.tasks.GetByStatus(ctx, v1.TaskStatusQueued)
	if err != nil {
		q.log.WithError(err).Error("failed to load queued tasks")
		return nil
	}
	sortByDispatchOrder(queued)
	for _, task := range queued {
		if !q.eligible(ctx, task, agentID, capabilities, ws) {
			continue
		}
		if err := q.tasks.UpdateStatus(ctx, task.ID, v1.TaskStatusPendingAck); err != nil {
			q.log.WithTaskID(task.ID).WithError(err).Error("failed to mark task pending ack")
			continue
		}
		task.Status = v1.TaskStatusPendingAck
		q.pendingAcks[task.ID] = &PendingAck{TaskID: task.ID, AgentID: agentID, SentAt: q.now()}
		return task
	}
	return nil
}

// pendingSignalLocked returns a pending eviction or system prompt for the
// agent, consuming it. Caller holds q.mu.
func (q *Queue) pendingSignalLocked(ctx context.Context, agentID string) *v1.ControlSignal {
	eviction, err := q.agents.CheckEviction(ctx, agentID)
	if err != nil {
		q.log.WithAgentID(agentID).WithError(err).Error("failed to check eviction")
	} else if eviction != nil {
		return &v1.ControlSignal{Kind: v1.ControlSignalEvict, Payload: eviction.Reason}
	}
	if prompt, ok := q.systemPrompts[agentID]; ok {
		delete(q.systemPrompts, agentID)
		return &v1.ControlSignal{Kind: v1.ControlSignalSystemPrompt, Payload: prompt}
	}
	return nil
}

func (q *Queue) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = q.cfg.DefaultPollTimeoutDuration()
	}
	if min := q.cfg.MinPollTimeoutDuration(); timeout < min {
		timeout = min
	}
	if max := q.cfg.MaxPollTimeoutDuration(); timeout > max {
		timeout = max
	}
	return timeout
}

func (q *Queue) heartbeat(ctx context.Context, agentID string) {
	if err := q.agents.Heartbeat(ctx, agentID); err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			q.log.WithAgentID(agentID).WithError(err).Warn("heartbeat failed")
		}
		return
	}
	event := bus.NewEvent(events.AgentHeartbeat, "queue", map[string]interface{}{
		"agentId":  agentID,
		"lastSeen": time.Now().UTC().UnixMilli(),
	})
	if err := q.bus.Publish(ctx, events.AgentHeartbeat, event); err != nil {
		q.log.WithAgentID(agentID).WithError(err).Warn("failed to publish agent.heartbeat")
	}
}

// MatchQueuedTasks sweeps all QUEUED tasks against the waiting registry in
// dispatch order (priority desc, oldest first). Matching is greedy: each
// reserved agent leaves the waiting set for the rest of the sweep. Returns
// the number of deliveries made.
func (q *Queue) MatchQueuedTasks(ctx context.Context) int {
	q.mu.Lock()
	queued, err := q.tasks.GetByStatus(ctx, v1.TaskStatusQueued)
	if err != nil {
		q.mu.Unlock()
		q.log.WithError(err).Error("failed to load queued tasks")
		return 0
	}
	sortByDispatchOrder(queued)

	var matched []*models.Task
	for _, task := range queued {
		if q.tryMatchLocked(ctx, task) {
			matched = append(matched, task)
		}
	}
	q.mu.Unlock()

	for _, task := range matched {
		q.publishTaskEvent(ctx, events.TaskUpdated, task)
	}
	return len(matched)
}

// publishTaskEvent publishes on the per-task subject (<base>.<taskId>) so
// both single-task waiters and wildcard subscribers see it.
func (q *Queue) publishTaskEvent(ctx context.Context, base string, task *models.Task) {
	event := bus.NewEvent(base, "queue", map[string]interface{}{
		"taskId":     task.ID,
		"title":      task.Title,
		"status":     string(task.Status),
		"priority":   string(task.Priority),
		"assignedTo": task.AssignedTo,
	})
	if err := q.bus.Publish(ctx, events.BuildTaskSubject(base, task.ID), event); err != nil {
		q.log.WithTaskID(task.ID).WithError(err).Warn(fmt.Sprintf("failed to publish %s", base))
	}
}
