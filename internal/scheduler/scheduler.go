// Package scheduler runs the periodic maintenance cycle that heals every
// category of stuck state: unacknowledged deliveries, dependency-blocked
// tasks, unmatched queued tasks, silent assignees and offline agents.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	agentrepo "github.com/dispatchd/dispatchd/internal/agent/repository"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/queue"
	taskrepo "github.com/dispatchd/dispatchd/internal/task/repository"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Scheduler owns the tick loop. Each tick runs the five sweeps in order;
// a failing sweep is logged and does not abort the others. Ticks are
// serialized and idempotent: two back-to-back ticks with no external events
// produce the same state.
type Scheduler struct {
	queue  *queue.Queue
	tasks  taskrepo.TaskRepository
	agents agentrepo.AgentRepository
	cfg    config.SchedulerConfig
	log    *logger.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastTick time.Time
}

// New creates a scheduler over the queue and its repositories.
func New(q *queue.Queue, tasks taskrepo.TaskRepository, agents agentrepo.AgentRepository, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:  q,
		tasks:  tasks,
		agents: agents,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the tick loop. Stop or cancelling the parent context ends
// it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	interval := s.cfg.TickIntervalDuration()
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunTick(ctx)
			}
		}
	}()
	s.log.Info("scheduler started", zap.Duration("tick_interval", interval))
}

// Stop ends the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

// RunTick executes one full maintenance cycle. Exported so tests and admin
// tooling can drive the scheduler without the timer.
func (s *Scheduler) RunTick(ctx context.Context) {
	s.mu.Lock()
	s.lastTick = s.now()
	s.mu.Unlock()

	s.requeueStuckTasks(ctx)
	s.checkBlockedTasks(ctx)
	s.assignPendingTasks(ctx)
	s.rebalanceStaleTasks(ctx)
	s.rebalanceOrphanedTasks(ctx)
	s.cleanupStaleAgents(ctx)
}

// requeueStuckTasks reclaims deliveries whose ack never arrived: the agent
// died or the network lost the payload between waitForTask and ack_task.
func (s *Scheduler) requeueStuckTasks(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.AckTimeoutDuration())
	for taskID, entry := range s.queue.GetPendingAcks() {
		if entry.SentAt.After(cutoff) {
			continue
		}
		s.log.WithTaskID(taskID).WithAgentID(entry.AgentID).Warn("reclaiming unacknowledged delivery")
		if err := s.queue.ForceRetry(ctx, taskID); err != nil {
			s.log.WithTaskID(taskID).WithError(err).Error("failed to requeue stuck task")
		}
	}
}

// checkBlockedTasks unblocks dependency-blocked tasks whose dependencies
// have all completed. BLOCKED tasks without dependencies are waiting on a
// human and are left alone.
func (s *Scheduler) checkBlockedTasks(ctx context.Context) {
	blocked, err := s.tasks.GetByStatus(ctx, v1.TaskStatusBlocked)
	if err != nil {
		s.log.WithError(err).Error("failed to load blocked tasks")
		return
	}
	for _, task := range blocked {
		if len(task.Dependencies) == 0 {
			continue
		}
		if !s.dependenciesCompleted(ctx, task.Dependencies) {
			continue
		}
		s.log.WithTaskID(task.ID).Info("dependencies satisfied, unblocking task")
		if err := s.queue.ForceRetry(ctx, task.ID); err != nil {
			s.log.WithTaskID(task.ID).WithError(err).Error("failed to unblock task")
		}
	}
}

// dependenciesCompleted reports whether every dependency id is COMPLETED.
// Unknown ids count as satisfied.
func (s *Scheduler) dependenciesCompleted(ctx context.Context, deps []string) bool {
	for _, depID := range deps {
		dep, err := s.tasks.GetByID(ctx, depID)
		if err != nil || dep == nil {
			continue
		}
		if dep.Status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// assignPendingTasks sweeps QUEUED tasks against the waiting registry.
func (s *Scheduler) assignPendingTasks(ctx context.Context) {
	if n := s.queue.MatchQueuedTasks(ctx); n > 0 {
		s.log.Info("assigned queued tasks", zap.Int("count", n))
	}
}

// rebalanceStaleTasks requeues assigned work whose agent has gone silent:
// no progress message within the staleness threshold.
func (s *Scheduler) rebalanceStaleTasks(ctx context.Context) {
	active, err := s.tasks.GetByStatuses(ctx, []v1.TaskStatus{
		v1.TaskStatusAssigned, v1.TaskStatusInProgress,
	})
	if err != nil {
		s.log.WithError(err).Error("failed to load assigned tasks")
		return
	}
	cutoff := s.now().Add(-s.cfg.StaleTaskTimeoutDuration())
	for _, task := range active {
		lastActivity := task.CreatedAt
		if progress, err := s.tasks.GetTaskLastProgress(ctx, task.ID); err == nil && progress != nil && progress.After(lastActivity) {
			lastActivity = *progress
		}
		if lastActivity.After(cutoff) {
			continue
		}
		s.log.WithTaskID(task.ID).WithAgentID(task.AssignedTo).Warn("requeueing stale task",
			zap.Time("last_activity", lastActivity))
		if err := s.queue.ForceRetry(ctx, task.ID); err != nil {
			s.log.WithTaskID(task.ID).WithError(err).Error("failed to requeue stale task")
		}
	}
}

// rebalanceOrphanedTasks requeues tasks whose assignee has not been seen
// within the orphan threshold (or no longer exists).
func (s *Scheduler) rebalanceOrphanedTasks(ctx context.Context) {
	active, err := s.tasks.GetByStatuses(ctx, []v1.TaskStatus{
		v1.TaskStatusAssigned, v1.TaskStatusInProgress,
	})
	if err != nil {
		s.log.WithError(err).Error("failed to load assigned tasks")
		return
	}
	cutoff := s.now().Add(-s.cfg.OrphanTimeoutDuration())

	offline := make(map[string]bool)
	for _, task := range active {
		if task.AssignedTo == "" {
			continue
		}
		isOffline, checked := offline[task.AssignedTo]
		if !checked {
			agent, err := s.agents.GetByID(ctx, task.AssignedTo)
			isOffline = err != nil || agent.LastSeen.Before(cutoff)
			offline[task.AssignedTo] = isOffline
		}
		if !isOffline {
			continue
		}
		s.log.WithTaskID(task.ID).WithAgentID(task.AssignedTo).Warn("requeueing orphaned task")
		if err := s.queue.ForceRetry(ctx, task.ID); err != nil {
			s.log.WithTaskID(task.ID).WithError(err).Error("failed to requeue orphaned task")
		}
	}
}

// cleanupStaleAgents removes agents not seen for the cleanup threshold,
// sparing any agent that is parked in the registry or still holds active
// tasks.
func (s *Scheduler) cleanupStaleAgents(ctx context.Context) {
	threshold := s.cfg.AgentCleanupAfterDuration()
	if threshold <= 0 {
		return
	}

	keep := make(map[string]struct{})
	for agentID := range s.queue.GetWaitingAgents() {
		keep[agentID] = struct{}{}
	}
	active, err := s.tasks.GetActive(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to load active tasks")
		return
	}
	for _, task := range active {
		if task.AssignedTo != "" {
			keep[task.AssignedTo] = struct{}{}
		}
	}

	deleted, err := s.agents.Cleanup(ctx, threshold, keep)
	if err != nil {
		s.log.WithError(err).Error("agent cleanup failed")
		return
	}
	if len(deleted) > 0 {
		s.log.Info("removed stale agents", zap.Strings("agent_ids", deleted))
	}
}
