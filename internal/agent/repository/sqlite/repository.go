// Package sqlite provides the SQL-backed agent repository. Like the task
// repository it runs against PostgreSQL as well through the dialect helpers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/agent/models"
	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// last_seen lives in agent_heartbeats; reads join it in, falling back to the
// registration time for agents that never heartbeated.
const agentSelect = `
	SELECT a.id, a.display_name, a.capabilities, a.color, a.workspace, a.source,
		a.created_at, COALESCE(h.last_seen, a.created_at) AS last_seen
	FROM agents a
	LEFT JOIN agent_heartbeats h ON h.agent_id = a.id`

// Repository provides durable agent storage operations.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a repository over the shared connection pool and initializes
// the schema.
func New(pool *db.Pool) (*Repository, error) {
	repo := &Repository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agent schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *Repository) Close() error { return nil }

func (r *Repository) initSchema() error {
	driver := r.db.DriverName()

	if _, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		color TEXT NOT NULL DEFAULT '',
		workspace TEXT,
		source TEXT NOT NULL DEFAULT '',
		created_at %s NOT NULL
	)`, dialect.Timestamp(driver))); err != nil {
		return err
	}

	if _, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS agent_heartbeats (
		agent_id TEXT PRIMARY KEY,
		last_seen %s NOT NULL
	)`, dialect.Timestamp(driver))); err != nil {
		return err
	}

	if _, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS eviction_requests (
		agent_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		created_at %s NOT NULL
	)`, dialect.Timestamp(driver))); err != nil {
		return err
	}

	_, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_agents_display_name ON agents(display_name)`)
	return err
}

// Register upserts the agent by id. A display name already owned by a
// different agent is rejected.
func (r *Repository) Register(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.DisplayName == "" {
		return nil, apperr.Validation("display_name_required", "agent display name must not be empty")
	}

	existing, err := r.GetByDisplayName(ctx, agent.DisplayName)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ID != agent.ID {
		return nil, apperr.Validation("display_name_taken",
			"display name %q is already registered to agent %s", agent.DisplayName, existing.ID)
	}

	now := time.Now().UTC()
	agent.LastSeen = now
	caps, workspace, err := marshalAgentBlobs(agent)
	if err != nil {
		return nil, err
	}

	prev, err := r.GetByID(ctx, agent.ID)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	if prev == nil {
		agent.CreatedAt = now
		_, err = r.db.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO agents (id, display_name, capabilities, color, workspace, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), agent.ID, agent.DisplayName, caps, agent.Color, workspace,
			agent.Source, agent.CreatedAt)
	} else {
		agent.CreatedAt = prev.CreatedAt
		_, err = r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE agents SET display_name = ?, capabilities = ?, color = ?,
				workspace = ?, source = ?
			WHERE id = ?
		`), agent.DisplayName, caps, agent.Color, workspace, agent.Source,
			agent.ID)
	}
	if err != nil {
		return nil, err
	}
	if err := r.touchHeartbeat(ctx, agent.ID, agent.LastSeen); err != nil {
		return nil, err
	}
	return agent.Clone(), nil
}

// Update rewrites the agent row. Used by admin updates; the same display-name
// uniqueness rule applies.
func (r *Repository) Update(ctx context.Context, agent *models.Agent) error {
	existing, err := r.GetByDisplayName(ctx, agent.DisplayName)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != agent.ID {
		return apperr.Validation("display_name_taken",
			"display name %q is already registered to agent %s", agent.DisplayName, existing.ID)
	}

	caps, workspace, err := marshalAgentBlobs(agent)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET display_name = ?, capabilities = ?, color = ?,
			workspace = ?, source = ?
		WHERE id = ?
	`), agent.DisplayName, caps, agent.Color, workspace, agent.Source,
		agent.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("agent not found: %s", agent.ID)
	}
	return nil
}

// GetByID returns the agent or a NOT_FOUND error.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(agentSelect+` WHERE a.id = ?`), id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("agent not found: %s", id)
	}
	return agent, err
}

// GetByDisplayName resolves an agent by name, case-insensitively and
// ignoring a leading "@". Returns nil without error when no agent matches.
func (r *Repository) GetByDisplayName(ctx context.Context, name string) (*models.Agent, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(agentSelect+` WHERE LOWER(a.display_name) = LOWER(?)`), name)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return agent, err
}

// List returns all registered agents, oldest registration first.
func (r *Repository) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, agentSelect+` ORDER BY a.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// Heartbeat records the agent's last_seen timestamp.
func (r *Repository) Heartbeat(ctx context.Context, id string) error {
	var one int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT 1 FROM agents WHERE id = ?`), id).Scan(&one)
	if err == sql.ErrNoRows {
		return apperr.NotFound("agent not found: %s", id)
	}
	if err != nil {
		return err
	}
	return r.touchHeartbeat(ctx, id, time.Now().UTC())
}

func (r *Repository) touchHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_heartbeats (agent_id, last_seen) VALUES (?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET last_seen = excluded.last_seen
	`), id, at)
	return err
}

// RequestEviction stores a pending eviction, replacing any earlier one.
func (r *Repository) RequestEviction(ctx context.Context, id, reason string, action v1.EvictionAction) error {
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM eviction_requests WHERE agent_id = ?
	`), id); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO eviction_requests (agent_id, reason, action, created_at)
		VALUES (?, ?, ?, ?)
	`), id, reason, action, time.Now().UTC())
	return err
}

// CheckEviction returns the pending eviction for the agent and clears it, or
// nil when none is pending.
func (r *Repository) CheckEviction(ctx context.Context, id string) (*models.EvictionRequest, error) {
	req := &models.EvictionRequest{}
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT agent_id, reason, action, created_at
		FROM eviction_requests WHERE agent_id = ?
	`), id).Scan(&req.AgentID, &req.Reason, &req.Action, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM eviction_requests WHERE agent_id = ?
	`), id); err != nil {
		return nil, err
	}
	req.CreatedAt = req.CreatedAt.UTC()
	return req, nil
}

// Cleanup deletes agents not seen within olderThan whose id is not in keep.
// Returns the ids it removed.
func (r *Repository) Cleanup(ctx context.Context, olderThan time.Duration, keep map[string]struct{}) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT a.id FROM agents a
		LEFT JOIN agent_heartbeats h ON h.agent_id = a.id
		WHERE COALESCE(h.last_seen, a.created_at) < ?
	`), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, active := keep[id]; !active {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id); err != nil {
			return nil, err
		}
		if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agent_heartbeats WHERE agent_id = ?`), id); err != nil {
			return nil, err
		}
		if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM eviction_requests WHERE agent_id = ?`), id); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

// ClearAll wipes all agents and pending evictions. Admin only.
func (r *Repository) ClearAll(ctx context.Context) error {
	for _, table := range []string{"eviction_requests", "agent_heartbeats", "agents"} {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	return nil
}

func marshalAgentBlobs(agent *models.Agent) (caps string, workspace interface{}, err error) {
	capsB, err := json.Marshal(nonNil(agent.Capabilities))
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialize capabilities: %w", err)
	}
	if agent.WorkspaceContext != nil {
		wsB, err := json.Marshal(agent.WorkspaceContext)
		if err != nil {
			return "", nil, fmt.Errorf("failed to serialize workspace: %w", err)
		}
		workspace = string(wsB)
	}
	return string(capsB), workspace, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var caps string
	var workspace sql.NullString

	err := row.Scan(&agent.ID, &agent.DisplayName, &caps, &agent.Color,
		&workspace, &agent.Source, &agent.CreatedAt, &agent.LastSeen)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to deserialize capabilities: %w", err)
	}
	if workspace.Valid && workspace.String != "" {
		agent.WorkspaceContext = &v1.WorkspaceContext{}
		if err := json.Unmarshal([]byte(workspace.String), agent.WorkspaceContext); err != nil {
			return nil, fmt.Errorf("failed to deserialize workspace: %w", err)
		}
	}
	agent.CreatedAt = agent.CreatedAt.UTC()
	agent.LastSeen = agent.LastSeen.UTC()
	return agent, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
