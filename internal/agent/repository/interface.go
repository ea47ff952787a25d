// Package repository defines the agent storage contract.
package repository

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/agent/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// AgentRepository is the durable store surface for registered agents and
// their pending eviction signals. Reads return deep copies.
type AgentRepository interface {
	// Register upserts by id and returns the stored agent. Registering a
	// display name already owned by a different agent fails with a
	// VALIDATION error.
	Register(ctx context.Context, agent *models.Agent) (*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	GetByDisplayName(ctx context.Context, name string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)

	// Heartbeat bumps last_seen to now.
	Heartbeat(ctx context.Context, id string) error

	// RequestEviction stores a pending eviction; CheckEviction returns and
	// clears it, or returns nil when none is pending.
	RequestEviction(ctx context.Context, id, reason string, action v1.EvictionAction) error
	CheckEviction(ctx context.Context, id string) (*models.EvictionRequest, error)

	// Cleanup deletes agents whose last_seen predates the threshold and whose
	// id is not in keep. Returns the deleted ids.
	Cleanup(ctx context.Context, olderThan time.Duration, keep map[string]struct{}) ([]string, error)

	ClearAll(ctx context.Context) error
	Close() error
}
