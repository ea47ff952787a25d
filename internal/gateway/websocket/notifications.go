package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	ws "github.com/dispatchd/dispatchd/pkg/websocket"
)

// TaskEventBroadcaster relays bus events to connected dashboard clients.
// Task events arrive on per-task subjects; clients subscribed to a task id
// get targeted delivery, everyone else gets the broadcast stream.
type TaskEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

func RegisterTaskNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *TaskEventBroadcaster {
	b := &TaskEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-task-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskCreated), ws.ActionTaskCreated)
	b.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskUpdated), ws.ActionTaskUpdated)
	b.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskCompleted), ws.ActionTaskCompleted)
	b.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskDelegated), ws.ActionTaskDelegated)
	b.subscribe(eventBus, events.AgentRegistered, ws.ActionAgentRegistered)
	b.subscribe(eventBus, events.AgentHeartbeat, ws.ActionAgentHeartbeat)
	b.subscribe(eventBus, events.AgentList, ws.ActionAgentSnapshot)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

func (b *TaskEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *TaskEventBroadcaster) subscribe(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}

		if taskID, _ := event.Data["taskId"].(string); taskID != "" {
			b.hub.BroadcastTaskEvent(taskID, msg)
		} else {
			b.hub.Broadcast(msg)
		}
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
