package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/queue"
	ws "github.com/dispatchd/dispatchd/pkg/websocket"
)

// Gateway bundles the WebSocket hub, dispatcher and connection handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler

	broadcaster *TaskEventBroadcaster
	snapshots   *AgentSnapshotPublisher
	logger      *logger.Logger
}

// NewGateway creates the WebSocket gateway with all components initialized.
func NewGateway(q *queue.Queue, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterDispatchHandlers(dispatcher, q)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		snapshots:  NewAgentSnapshotPublisher(q, eventBus, log),
		logger:     log,
	}
}

// Run starts the hub, the event broadcaster and the snapshot publisher, and
// blocks until the context is cancelled.
func (g *Gateway) Run(ctx context.Context, eventBus bus.EventBus) {
	g.broadcaster = RegisterTaskNotifications(ctx, eventBus, g.Hub, g.logger)
	go g.snapshots.Run(ctx)
	g.Hub.Run(ctx)
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
