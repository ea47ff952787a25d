package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/agent/models"
	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// RegisterAgent registers or refreshes an agent. A missing id is assigned as
// agent-<timestamp>.
func (q *Queue) RegisterAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if agent.ID == "" {
		agent.ID = fmt.Sprintf("agent-%d", time.Now().UnixMilli())
	}
	if agent.DisplayName == "" {
		agent.DisplayName = agent.ID
	}

	stored, err := q.agents.Register(ctx, agent)
	if err != nil {
		return nil, err
	}

	event := bus.NewEvent(events.AgentRegistered, "queue", map[string]interface{}{
		"agentId":      stored.ID,
		"displayName":  stored.DisplayName,
		"capabilities": stored.Capabilities,
	})
	if err := q.bus.Publish(ctx, events.AgentRegistered, event); err != nil {
		q.log.WithAgentID(stored.ID).WithError(err).Warn("failed to publish agent.registered")
	}
	q.log.WithAgentID(stored.ID).Info("agent registered",
		zap.String("display_name", stored.DisplayName),
		zap.Strings("capabilities", stored.Capabilities))
	return stored, nil
}

// ListAgents returns every registered agent with its live status: WAITING
// when parked in the registry, PROCESSING when it holds active tasks,
// OFFLINE otherwise. An optional capability filters the result.
func (q *Queue) ListAgents(ctx context.Context, capability string) ([]*v1.AgentInfo, error) {
	agents, err := q.agents.List(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	waiting := q.waiting.snapshot()
	q.mu.Unlock()

	infos := make([]*v1.AgentInfo, 0, len(agents))
	for _, agent := range agents {
		if capability != "" && !agent.HasCapabilities([]string{capability}) {
			continue
		}
		info := &v1.AgentInfo{Agent: *agent.ToAPI(), Status: v1.AgentStatusOffline}
		if _, ok := waiting[agent.ID]; ok {
			info.Status = v1.AgentStatusWaiting
		} else {
			active, err := q.GetAssignedTasksForAgent(ctx, agent.ID)
			if err != nil {
				return nil, err
			}
			if len(active) > 0 {
				info.Status = v1.AgentStatusProcessing
				info.CurrentTask = active[0].ID
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// UpdateAgent applies an admin edit to a registered agent.
func (q *Queue) UpdateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	current, err := q.agents.GetByID(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if agent.DisplayName == "" {
		agent.DisplayName = current.DisplayName
	}
	if agent.Capabilities == nil {
		agent.Capabilities = current.Capabilities
	}
	if agent.Color == "" {
		agent.Color = current.Color
	}
	if agent.WorkspaceContext == nil {
		agent.WorkspaceContext = current.WorkspaceContext
	}
	if agent.Source == "" {
		agent.Source = current.Source
	}
	agent.CreatedAt = current.CreatedAt
	agent.LastSeen = current.LastSeen

	if err := q.agents.Update(ctx, agent); err != nil {
		return nil, err
	}
	return agent.Clone(), nil
}

// EvictAgent files an eviction. A waiting agent receives the EVICT signal
// immediately through its delivery channel; otherwise the signal is picked
// up on the agent's next long-poll.
func (q *Queue) EvictAgent(ctx context.Context, agentID, reason string, action v1.EvictionAction) error {
	if action != v1.EvictionRestart && action != v1.EvictionKill {
		return apperr.Validation("invalid_action", "unknown eviction action %q", action)
	}
	if err := q.agents.RequestEviction(ctx, agentID, reason, action); err != nil {
		return err
	}

	q.mu.Lock()
	if entry, ok := q.waiting.get(agentID); ok {
		if eviction, err := q.agents.CheckEviction(ctx, agentID); err == nil && eviction != nil {
			q.waiting.deliver(entry, Delivery{Signal: &v1.ControlSignal{
				Kind:    v1.ControlSignalEvict,
				Payload: eviction.Reason,
			}})
		}
	}
	q.mu.Unlock()

	q.log.WithAgentID(agentID).Info("agent eviction requested",
		zap.String("action", string(action)), zap.String("reason", reason))
	return nil
}

// BroadcastSystemPrompt queues a SYSTEM_PROMPT signal for every registered
// agent. Waiting agents receive it immediately; the rest on their next
// long-poll. Returns the number of agents reached or queued.
func (q *Queue) BroadcastSystemPrompt(ctx context.Context, prompt string) (int, error) {
	if prompt == "" {
		return 0, apperr.Validation("prompt_required", "system prompt must not be empty")
	}
	agents, err := q.agents.List(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, agent := range agents {
		if entry, ok := q.waiting.get(agent.ID); ok {
			q.waiting.deliver(entry, Delivery{Signal: &v1.ControlSignal{
				Kind:    v1.ControlSignalSystemPrompt,
				Payload: prompt,
			}})
		} else {
			q.systemPrompts[agent.ID] = prompt
		}
		count++
	}
	q.log.Info("system prompt broadcast", zap.Int("agents", count))
	return count, nil
}
