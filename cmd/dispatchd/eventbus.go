package main

import (
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

// newEventBus selects the event bus backend: NATS when a URL is configured,
// the in-memory bus otherwise.
func newEventBus(cfg *config.Config, log *logger.Logger) bus.EventBus {
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus")
		return natsBus
	}
	log.Info("Using in-memory event bus")
	return bus.NewMemoryEventBus(log)
}
