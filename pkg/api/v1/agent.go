package v1

import "time"

// AgentSource identifies how an agent connects.
type AgentSource string

const (
	AgentSourceCLI AgentSource = "CLI"
	AgentSourceIDE AgentSource = "IDE"
)

// WorkspaceKind identifies the kind of workspace an agent operates against.
type WorkspaceKind string

const (
	WorkspaceLocal  WorkspaceKind = "local"
	WorkspaceGitHub WorkspaceKind = "github"
)

// WorkspaceContext is the repository identity an agent operates against.
type WorkspaceContext struct {
	Type   WorkspaceKind `json:"type,omitempty"`
	RepoID string        `json:"repo_id,omitempty"`
	Branch string        `json:"branch,omitempty"`
	Path   string        `json:"path,omitempty"`
}

// Agent is the wire representation of a registered agent.
type Agent struct {
	ID               string            `json:"id"`
	DisplayName      string            `json:"display_name"`
	Capabilities     []string          `json:"capabilities"`
	Color            string            `json:"color,omitempty"`
	WorkspaceContext *WorkspaceContext `json:"workspace_context,omitempty"`
	Source           AgentSource       `json:"source,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	LastSeen         time.Time         `json:"last_seen"`
}

// AgentStatus is the live status of an agent as seen by list_agents.
type AgentStatus string

const (
	AgentStatusOffline    AgentStatus = "OFFLINE"
	AgentStatusWaiting    AgentStatus = "WAITING"
	AgentStatusProcessing AgentStatus = "PROCESSING"
)

// AgentInfo is the list_agents entry: a registered agent plus live state.
type AgentInfo struct {
	Agent
	Status      AgentStatus `json:"status"`
	CurrentTask string      `json:"current_task,omitempty"`
}

// RegisterAgentRequest is the payload for register_agent.
type RegisterAgentRequest struct {
	ID               string            `json:"id,omitempty"`
	DisplayName      string            `json:"display_name,omitempty"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	Color            string            `json:"color,omitempty"`
	WorkspaceContext *WorkspaceContext `json:"workspace_context,omitempty"`
	Source           AgentSource       `json:"source,omitempty"`
}

// EvictionAction tells an agent supervisor what to do with the process.
type EvictionAction string

const (
	EvictionRestart EvictionAction = "RESTART"
	EvictionKill    EvictionAction = "KILL"
)
