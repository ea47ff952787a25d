// Package models holds the persisted agent entities.
package models

import (
	"time"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Agent is a registered coding agent.
type Agent struct {
	ID               string               `json:"id"`
	DisplayName      string               `json:"display_name"`
	Capabilities     []string             `json:"capabilities,omitempty"`
	Color            string               `json:"color,omitempty"`
	WorkspaceContext *v1.WorkspaceContext `json:"workspace_context,omitempty"`
	Source           v1.AgentSource       `json:"source,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	LastSeen         time.Time            `json:"last_seen"`
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Capabilities = append([]string(nil), a.Capabilities...)
	if a.WorkspaceContext != nil {
		wc := *a.WorkspaceContext
		clone.WorkspaceContext = &wc
	}
	return &clone
}

// HasCapabilities reports whether the agent advertises every required tag.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// ToAPI converts the agent to its wire representation.
func (a *Agent) ToAPI() *v1.Agent {
	c := a.Clone()
	return &v1.Agent{
		ID:               c.ID,
		DisplayName:      c.DisplayName,
		Capabilities:     c.Capabilities,
		Color:            c.Color,
		WorkspaceContext: c.WorkspaceContext,
		Source:           c.Source,
		CreatedAt:        c.CreatedAt,
		LastSeen:         c.LastSeen,
	}
}

// EvictionRequest is a pending control signal for an agent supervisor.
type EvictionRequest struct {
	AgentID   string            `json:"agent_id"`
	Reason    string            `json:"reason"`
	Action    v1.EvictionAction `json:"action"`
	CreatedAt time.Time         `json:"created_at"`
}
