package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := New(pool)
	require.NoError(t, err)
	return repo
}

func newTestTask(prompt string) *models.Task {
	return &models.Task{
		Prompt: prompt,
		From:   v1.Origin{Kind: v1.OriginUser, ID: "user-1"},
		To:     v1.RoutingHints{RequiredCapabilities: []string{"code"}},
	}
}

func TestInsertFillsDefaults(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task := newTestTask("Fix the login bug\nIt happens on Safari only.")
	require.NoError(t, repo.Insert(ctx, task))

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "Fix the login bug", task.Title)
	assert.Equal(t, v1.PriorityNormal, task.Priority)
	assert.Equal(t, v1.TaskStatusQueued, task.Status)
	assert.False(t, task.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "Fix the login bug", got.Title)
	assert.Equal(t, []string{"code"}, got.To.RequiredCapabilities)
	assert.Nil(t, got.Response)
	assert.Nil(t, got.CompletedAt)
}

func TestGetByIDNotFound(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestUpdateRoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task := newTestTask("do the thing")
	task.Dependencies = []string{"dep-1", "dep-2"}
	task.Context = map[string]interface{}{"branch": "main"}
	require.NoError(t, repo.Insert(ctx, task))

	task.Status = v1.TaskStatusInProgress
	task.AssignedTo = "agent-1"
	task.Response = &v1.TaskResponse{Message: "halfway", Artifacts: []string{"a.txt"}}
	require.NoError(t, repo.Update(ctx, task))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInProgress, got.Status)
	assert.Equal(t, "agent-1", got.AssignedTo)
	assert.Equal(t, []string{"dep-1", "dep-2"}, got.Dependencies)
	assert.Equal(t, "main", got.Context["branch"])
	require.NotNil(t, got.Response)
	assert.Equal(t, "halfway", got.Response.Message)
	assert.Equal(t, []string{"a.txt"}, got.Response.Artifacts)
}

func TestUpdateStatusSetsCompletedAt(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task := newTestTask("finish me")
	require.NoError(t, repo.Insert(ctx, task))

	require.NoError(t, repo.UpdateStatus(ctx, task.ID, v1.TaskStatusCompleted))
	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	first := *got.CompletedAt

	// A second terminal update must not move the completion timestamp.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repo.UpdateStatus(ctx, task.ID, v1.TaskStatusCancelled))
	got, err = repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, first, *got.CompletedAt)

	// Moving back to a non-terminal status clears it.
	require.NoError(t, repo.UpdateStatus(ctx, task.ID, v1.TaskStatusQueued))
	got, err = repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)
}

func TestUpdateStatusNotFound(t *testing.T) {
	repo := setupRepo(t)

	err := repo.UpdateStatus(context.Background(), "missing", v1.TaskStatusQueued)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestGetByStatuses(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i, status := range []v1.TaskStatus{
		v1.TaskStatusQueued, v1.TaskStatusQueued,
		v1.TaskStatusInProgress, v1.TaskStatusCompleted,
	} {
		task := newTestTask("task")
		task.Status = status
		require.NoError(t, repo.Insert(ctx, task))
		_ = i
	}

	queued, err := repo.GetByStatus(ctx, v1.TaskStatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	active, err := repo.GetActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	both, err := repo.GetByStatuses(ctx, []v1.TaskStatus{v1.TaskStatusInProgress, v1.TaskStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, both, 2)

	none, err := repo.GetByStatuses(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetHistoryFilters(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := newTestTask("old task")
		task.Status = v1.TaskStatusCompleted
		task.AssignedTo = "agent-1"
		require.NoError(t, repo.Insert(ctx, task))
	}
	other := newTestTask("other")
	other.Status = v1.TaskStatusFailed
	other.AssignedTo = "agent-2"
	require.NoError(t, repo.Insert(ctx, other))

	byAgent, err := repo.GetHistory(ctx, models.HistoryFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 3)

	byStatus, err := repo.GetHistory(ctx, models.HistoryFilter{Status: v1.TaskStatusFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, other.ID, byStatus[0].ID)

	limited, err := repo.GetHistory(ctx, models.HistoryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMessageLogOrderAndProgress(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task := newTestTask("report progress")
	require.NoError(t, repo.Insert(ctx, task))

	msgs := []*models.TaskMessage{
		{TaskID: task.ID, Role: models.RoleUser, Content: "go"},
		{TaskID: task.ID, Role: models.RoleAgent, Content: "working",
			Type: models.MessageTypeProgress, Metadata: map[string]interface{}{"percentage": 40}},
		{TaskID: task.ID, Role: models.RoleAgent, Content: "almost",
			Type: models.MessageTypeProgress, Metadata: map[string]interface{}{"percentage": 90}},
		{TaskID: task.ID, Role: models.RoleSystem, Content: "note"},
	}
	for _, msg := range msgs {
		require.NoError(t, repo.AddMessage(ctx, msg))
		assert.NotZero(t, msg.ID)
	}

	got, err := repo.GetMessages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "go", got[0].Content)
	assert.Equal(t, "note", got[3].Content)
	assert.True(t, got[1].HasProgress())
	assert.False(t, got[0].HasProgress())

	last, err := repo.GetTaskLastProgress(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, msgs[2].Timestamp.Truncate(time.Millisecond), last.Truncate(time.Millisecond))

	// A task with no progress messages has no last-progress timestamp.
	bare := newTestTask("quiet")
	require.NoError(t, repo.Insert(ctx, bare))
	last, err = repo.GetTaskLastProgress(ctx, bare.ID)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestReviewCommentLifecycle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task := newTestTask("review me")
	require.NoError(t, repo.Insert(ctx, task))

	root := &models.ReviewComment{
		TaskID: task.ID, Author: "user-1", Content: "rename this",
		FilePath: "main.go", LineNo: 12,
	}
	require.NoError(t, repo.AddReviewComment(ctx, root))
	reply := &models.ReviewComment{
		TaskID: task.ID, Author: "agent-1", Content: "done", ThreadID: root.ID,
	}
	require.NoError(t, repo.AddReviewComment(ctx, reply))

	unread, err := repo.GetUnreadComments(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	require.NoError(t, repo.MarkCommentsAsRead(ctx, task.ID))
	unread, err = repo.GetUnreadComments(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, unread)

	// Resolving the root resolves the whole thread.
	require.NoError(t, repo.ResolveReviewComment(ctx, root.ID))
	all, err := repo.GetReviewComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, c := range all {
		assert.True(t, c.Resolved)
	}

	err = repo.ResolveReviewComment(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestGetStats(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for _, status := range []v1.TaskStatus{
		v1.TaskStatusQueued, v1.TaskStatusQueued,
		v1.TaskStatusCompleted, v1.TaskStatusFailed,
	} {
		task := newTestTask("t")
		task.Status = status
		require.NoError(t, repo.Insert(ctx, task))
	}

	stats, err := repo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[v1.TaskStatusQueued])
	assert.Equal(t, 1, stats.Completed)
}

func TestClearAll(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task := newTestTask("wipe me")
	require.NoError(t, repo.Insert(ctx, task))
	require.NoError(t, repo.AddMessage(ctx, &models.TaskMessage{TaskID: task.ID, Role: models.RoleUser, Content: "hi"}))

	require.NoError(t, repo.ClearAll(ctx))

	_, err := repo.GetByID(ctx, task.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	msgs, err := repo.GetMessages(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
