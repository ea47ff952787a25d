package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
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
)

func setupRouter(t *testing.T) (*gin.Engine, *queue.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	router := gin.New()
	NewHandler(q, logger.Default()).RegisterRoutes(router)
	return router, q
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAndGetTask(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.EnqueueRequest{
		Prompt:   "Add rate limiting to the outbound client",
		Priority: v1.PriorityCritical,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, v1.TaskStatusQueued, created.Status)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var fetched v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, v1.PriorityCritical, fetched.Priority)
}

func TestCreateTaskValidation(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelAndRetryTask(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.EnqueueRequest{Prompt: "cancel me"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	var cancelled v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, v1.TaskStatusCancelled, cancelled.Status)

	// Anything except COMPLETED can be forced back to the queue.
	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	var retried v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &retried))
	assert.Equal(t, v1.TaskStatusQueued, retried.Status)
}

func TestTaskHistoryEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	for _, prompt := range []string{"first", "second", "third"} {
		w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.EnqueueRequest{Prompt: prompt})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Tasks []*v1.Task `json:"tasks"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestStatsAndAgentsEndpoints(t *testing.T) {
	router, q := setupRouter(t)

	_, err := q.RegisterAgent(context.Background(), &agentmodels.Agent{
		ID:           "api-agent-1",
		DisplayName:  "api-agent",
		Capabilities: []string{"docs"},
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.EnqueueRequest{Prompt: "count me"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats v1.TaskStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)

	w = doJSON(t, router, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agents struct {
		Agents []*v1.AgentInfo `json:"agents"`
		Count  int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Equal(t, 1, agents.Count)
	assert.Equal(t, "api-agent-1", agents.Agents[0].ID)
}

func TestAnswerEndpointValidation(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.EnqueueRequest{Prompt: "block me"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// Missing answer body.
	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.ID+"/answer", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Task is not blocked.
	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.ID+"/answer", map[string]string{"answer": "use the v2 API"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
