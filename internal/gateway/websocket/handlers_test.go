package websocket

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/dispatchd/dispatchd/internal/agent/models"
	agentsqlite "github.com/dispatchd/dispatchd/internal/agent/repository/sqlite"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/queue"
	tasksqlite "github.com/dispatchd/dispatchd/internal/task/repository/sqlite"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
	ws "github.com/dispatchd/dispatchd/pkg/websocket"
)

func setupDispatcher(t *testing.T) (*ws.Dispatcher, *queue.Queue) {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	tasks, err := tasksqlite.New(pool)
	require.NoError(t, err)
	agents, err := agentsqlite.New(pool)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	q := queue.New(tasks, agents, eventBus,
		config.QueueConfig{DefaultPollTimeout: 290, MinPollTimeout: 1, MaxPollTimeout: 300},
		logger.Default())

	d := ws.NewDispatcher()
	RegisterDispatchHandlers(d, q)
	return d, q
}

func dispatch(t *testing.T, d *ws.Dispatcher, action string, payload interface{}) *ws.Message {
	t.Helper()
	req, err := ws.NewRequest("req-1", action, payload)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func TestHealthCheckAction(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := dispatch(t, d, ws.ActionHealthCheck, nil)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)

	var payload map[string]interface{}
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestTaskCreateAndGetActions(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := dispatch(t, d, ws.ActionTaskCreate, v1.EnqueueRequest{
		Prompt:   "Fix the flaky integration test",
		Priority: v1.PriorityHigh,
	})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	var created v1.Task
	require.NoError(t, resp.ParsePayload(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, v1.TaskStatusQueued, created.Status)
	assert.Equal(t, v1.PriorityHigh, created.Priority)

	resp = dispatch(t, d, ws.ActionTaskGet, taskRef{TaskID: created.ID})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	var fetched v1.Task
	require.NoError(t, resp.ParsePayload(&fetched))
	assert.Equal(t, created.ID, fetched.ID)
}

func TestTaskCreateValidationError(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := dispatch(t, d, ws.ActionTaskCreate, v1.EnqueueRequest{})
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeValidation, payload.Code)
}

func TestTaskCancelAction(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := dispatch(t, d, ws.ActionTaskCreate, v1.EnqueueRequest{Prompt: "Ship it"})
	var created v1.Task
	require.NoError(t, resp.ParsePayload(&created))

	resp = dispatch(t, d, ws.ActionTaskCancel, taskRef{TaskID: created.ID})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	resp = dispatch(t, d, ws.ActionTaskGet, taskRef{TaskID: created.ID})
	var fetched v1.Task
	require.NoError(t, resp.ParsePayload(&fetched))
	assert.Equal(t, v1.TaskStatusCancelled, fetched.Status)
}

func TestTaskStatsAction(t *testing.T) {
	d, _ := setupDispatcher(t)

	dispatch(t, d, ws.ActionTaskCreate, v1.EnqueueRequest{Prompt: "one"})
	dispatch(t, d, ws.ActionTaskCreate, v1.EnqueueRequest{Prompt: "two"})

	resp := dispatch(t, d, ws.ActionTaskStats, nil)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	var stats v1.TaskStats
	require.NoError(t, resp.ParsePayload(&stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[v1.TaskStatusQueued])
}

func TestAgentListAction(t *testing.T) {
	d, q := setupDispatcher(t)

	_, err := q.RegisterAgent(context.Background(), &agentmodels.Agent{
		ID:           "gw-agent-1",
		DisplayName:  "gw-agent",
		Capabilities: []string{"code-review"},
	})
	require.NoError(t, err)

	resp := dispatch(t, d, ws.ActionAgentList, agentListRequest{})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	var payload struct {
		Agents []*v1.AgentInfo `json:"agents"`
		Count  int             `json:"count"`
	}
	require.NoError(t, resp.ParsePayload(&payload))
	require.Equal(t, 1, payload.Count)
	assert.Equal(t, "gw-agent-1", payload.Agents[0].ID)
	assert.Equal(t, v1.AgentStatusOffline, payload.Agents[0].Status)
}

func TestUnknownAction(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := dispatch(t, d, "task.explode", nil)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeUnknownAction, payload.Code)
}
