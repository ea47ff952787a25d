package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/queue"
)

// snapshotInterval is how often the agent roster is pushed to dashboards.
const snapshotInterval = 10 * time.Second

// AgentSnapshotPublisher periodically publishes the full agent roster with
// live statuses on the event bus. Dashboards receive it through the
// broadcaster, so they converge even when individual events are missed.
type AgentSnapshotPublisher struct {
	queue  *queue.Queue
	bus    bus.EventBus
	logger *logger.Logger
}

func NewAgentSnapshotPublisher(q *queue.Queue, eventBus bus.EventBus, log *logger.Logger) *AgentSnapshotPublisher {
	return &AgentSnapshotPublisher{
		queue:  q,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws-agent-snapshot")),
	}
}

// Run publishes snapshots until the context is cancelled.
func (p *AgentSnapshotPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *AgentSnapshotPublisher) publish(ctx context.Context) {
	agents, err := p.queue.ListAgents(ctx, "")
	if err != nil {
		p.logger.Error("failed to list agents for snapshot", zap.Error(err))
		return
	}

	event := bus.NewEvent(events.AgentList, "gateway", map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
	if err := p.bus.Publish(ctx, events.AgentList, event); err != nil {
		p.logger.Error("failed to publish agent snapshot", zap.Error(err))
	}
}
