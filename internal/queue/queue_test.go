package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/dispatchd/dispatchd/internal/agent/models"
	agentsqlite "github.com/dispatchd/dispatchd/internal/agent/repository/sqlite"
	"github.com/dispatchd/dispatchd/internal/common/apperr"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/task/models"
	tasksqlite "github.com/dispatchd/dispatchd/internal/task/repository/sqlite"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{DefaultPollTimeout: 290, MinPollTimeout: 1, MaxPollTimeout: 300}
}

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	q, _ := setupQueueWithBus(t)
	return q
}

func setupQueueWithBus(t *testing.T) (*Queue, bus.EventBus) {
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

	return New(tasks, agents, eventBus, testQueueConfig(), logger.Default()), eventBus
}

func registerAgent(t *testing.T, q *Queue, id string, capabilities ...string) *agentmodels.Agent {
	t.Helper()
	agent, err := q.RegisterAgent(context.Background(), &agentmodels.Agent{
		ID:           id,
		DisplayName:  "name-" + id,
		Capabilities: capabilities,
	})
	require.NoError(t, err)
	return agent
}

func enqueue(t *testing.T, q *Queue, prompt string, mutate func(*models.Task)) *models.Task {
	t.Helper()
	task := &models.Task{
		Prompt: prompt,
		From:   v1.Origin{Kind: v1.OriginUser, ID: "user-1"},
	}
	if mutate != nil {
		mutate(task)
	}
	stored, err := q.Enqueue(context.Background(), task)
	require.NoError(t, err)
	return stored
}

func TestEnqueueValidation(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &models.Task{})
	assert.Equal(t, "prompt_required", apperr.ReasonOf(err))

	_, err = q.Enqueue(ctx, &models.Task{Prompt: "x", Priority: "urgent"})
	assert.Equal(t, "invalid_priority", apperr.ReasonOf(err))

	_, err = q.Enqueue(ctx, &models.Task{Prompt: "x", To: v1.RoutingHints{AgentID: "ghost"}})
	assert.Equal(t, "unknown_agent", apperr.ReasonOf(err))
}

func TestEnqueueResolvesDisplayName(t *testing.T) {
	q := setupQueue(t)
	registerAgent(t, q, "agent-1", "code")

	task := enqueue(t, q, "targeted", func(task *models.Task) {
		task.To.AgentID = "@name-agent-1"
	})
	assert.Equal(t, "agent-1", task.To.AgentID)
}

func TestWaitForTaskSynchronousPath(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	task := enqueue(t, q, "already queued", nil)

	delivery, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.NotNil(t, delivery.Task)
	assert.Equal(t, task.ID, delivery.Task.ID)

	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPendingAck, stored.Status)
	assert.Contains(t, q.GetPendingAcks(), task.ID)
}

func TestWaitForTaskPublishesHeartbeatEvent(t *testing.T) {
	q, eventBus := setupQueueWithBus(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")
	enqueue(t, q, "work", nil)

	received := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe(events.AgentHeartbeat, func(ctx context.Context, event *bus.Event) error {
		select {
		case received <- event:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	_, err = q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "agent-1", event.Data["agentId"])
		assert.NotNil(t, event.Data["lastSeen"])
	case <-time.After(time.Second):
		t.Fatal("no agent.heartbeat event observed")
	}
}

func TestWaitForTaskParksAndReceivesEnqueue(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	type result struct {
		delivery *Delivery
		err      error
	}
	got := make(chan result, 1)
	go func() {
		d, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, 5*time.Second)
		got <- result{d, err}
	}()

	require.Eventually(t, func() bool { return q.IsAgentWaiting("agent-1") },
		time.Second, 5*time.Millisecond)

	task := enqueue(t, q, "parked delivery", nil)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.NotNil(t, r.delivery)
		require.NotNil(t, r.delivery.Task)
		assert.Equal(t, task.ID, r.delivery.Task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("parked wait never returned")
	}
	assert.False(t, q.IsAgentWaiting("agent-1"))
}

func TestWaitForTaskTimeout(t *testing.T) {
	q := setupQueue(t)
	registerAgent(t, q, "agent-1", "code")

	start := time.Now()
	delivery, err := q.WaitForTask(context.Background(), "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	assert.Nil(t, delivery)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.False(t, q.IsAgentWaiting("agent-1"))
}

func TestWaitForTaskCancellation(t *testing.T) {
	q := setupQueue(t)
	registerAgent(t, q, "agent-1", "code")

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, 10*time.Second)
		errs <- err
	}()
	require.Eventually(t, func() bool { return q.IsAgentWaiting("agent-1") },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled wait never returned")
	}
	assert.False(t, q.IsAgentWaiting("agent-1"))
}

// Each waiting agent appears in the registry at most once: a second wait
// from the same agent replaces the first.
func TestWaitForTaskSingleEntryPerAgent(t *testing.T) {
	q := setupQueue(t)
	registerAgent(t, q, "agent-1", "code")

	first := make(chan *Delivery, 1)
	go func() {
		d, _ := q.WaitForTask(context.Background(), "agent-1", []string{"code"}, nil, 5*time.Second)
		first <- d
	}()
	require.Eventually(t, func() bool { return q.IsAgentWaiting("agent-1") },
		time.Second, 5*time.Millisecond)

	second := make(chan *Delivery, 1)
	go func() {
		d, _ := q.WaitForTask(context.Background(), "agent-1", []string{"code"}, nil, 5*time.Second)
		second <- d
	}()

	// The replaced poll returns empty.
	select {
	case d := <-first:
		assert.Nil(t, d)
	case <-time.After(2 * time.Second):
		t.Fatal("replaced wait never returned")
	}
	waiting := q.GetWaitingAgents()
	assert.Len(t, waiting, 1)

	task := enqueue(t, q, "single delivery", nil)
	select {
	case d := <-second:
		require.NotNil(t, d)
		require.NotNil(t, d.Task)
		assert.Equal(t, task.ID, d.Task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("active wait never returned")
	}
}

func TestAckTaskLifecycle(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")
	registerAgent(t, q, "agent-2", "code")

	task := enqueue(t, q, "ack me", nil)
	_, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)

	err = q.AckTask(ctx, task.ID, "agent-2")
	assert.Equal(t, "wrong_agent", apperr.ReasonOf(err))

	require.NoError(t, q.AckTask(ctx, task.ID, "agent-1"))
	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, stored.Status)
	assert.Equal(t, "agent-1", stored.AssignedTo)
	assert.NotContains(t, q.GetPendingAcks(), task.ID)

	err = q.AckTask(ctx, task.ID, "agent-1")
	assert.Equal(t, "not_pending", apperr.ReasonOf(err))

	err = q.AckTask(ctx, "missing", "agent-1")
	assert.Equal(t, "not_found", apperr.ReasonOf(err))
}

// Round-trip: the full happy path produces exactly the transition history
// QUEUED, PENDING_ACK, ASSIGNED, IN_PROGRESS, COMPLETED.
func TestRoundTripStatusHistory(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	task := enqueue(t, q, "full lifecycle", nil)

	delivery, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery.Task)

	require.NoError(t, q.AckTask(ctx, task.ID, "agent-1"))
	pct := 50
	require.NoError(t, q.UpdateProgress(ctx, task.ID, "agent-1", "build", "wiring", &pct))
	require.NoError(t, q.SendResponse(ctx, task.ID, v1.TaskStatusCompleted,
		&v1.TaskResponse{Message: "done", Artifacts: []string{"src/login.go"}}, ""))

	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.Response)
	assert.Equal(t, "done", stored.Response.Message)

	taskCtx, err := q.GetTaskContext(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, taskCtx.Status)
	require.Len(t, taskCtx.Messages, 2)
	assert.Equal(t, models.MessageTypeProgress, taskCtx.Messages[0].Type)
	assert.Equal(t, models.MessageTypeStatus, taskCtx.Messages[1].Type)
}

func TestSendResponseValidation(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	task := enqueue(t, q, "validate", nil)

	err := q.SendResponse(ctx, task.ID, v1.TaskStatusQueued, nil, "")
	assert.Equal(t, "invalid_status", apperr.ReasonOf(err))

	// QUEUED -> COMPLETED skips the machine.
	err = q.SendResponse(ctx, task.ID, v1.TaskStatusCompleted, nil, "")
	assert.Equal(t, "illegal_transition", apperr.ReasonOf(err))

	err = q.SendResponse(ctx, task.ID, v1.TaskStatusBlocked, nil, "")
	assert.Equal(t, "blocked_reason_required", apperr.ReasonOf(err))
}

func TestBlockAndAnswer(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	task := enqueue(t, q, "needs clarification", nil)

	err := q.BlockTask(ctx, task.ID, "guesswork", "what?", "", "", nil)
	assert.Equal(t, "invalid_block_reason", apperr.ReasonOf(err))

	require.NoError(t, q.BlockTask(ctx, task.ID, "clarification",
		"which auth provider?", "ambiguous requirement", "", nil))
	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusBlocked, stored.Status)

	require.NoError(t, q.AnswerTask(ctx, task.ID, "use oauth"))
	stored, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, stored.Status)

	messages, err := q.GetMessages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.MessageTypeBlockEvent, messages[0].Type)
	assert.Equal(t, "clarification", messages[0].Metadata["reason"])
	assert.Equal(t, models.RoleUser, messages[1].Role)
}

// forceRetry of a PENDING_ACK task: the original agent's ack then fails
// with not_pending.
func TestForceRetryInvalidatesPendingAck(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	task := enqueue(t, q, "retry me", nil)
	_, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.Contains(t, q.GetPendingAcks(), task.ID)

	require.NoError(t, q.ForceRetry(ctx, task.ID))
	assert.NotContains(t, q.GetPendingAcks(), task.ID)

	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, stored.Status)
	assert.Empty(t, stored.AssignedTo)

	err = q.AckTask(ctx, task.ID, "agent-1")
	assert.Equal(t, "not_pending", apperr.ReasonOf(err))
}

func TestForceRetryCompletedTask(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	task := enqueue(t, q, "done already", nil)
	require.NoError(t, q.tasks.UpdateStatus(ctx, task.ID, v1.TaskStatusCompleted))

	err := q.ForceRetry(ctx, task.ID)
	assert.Equal(t, "already_completed", apperr.ReasonOf(err))
}

func TestCancelTaskIdempotent(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	task := enqueue(t, q, "cancel me", nil)
	require.NoError(t, q.CancelTask(ctx, task.ID))

	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	// Cancelling again is a no-op.
	require.NoError(t, q.CancelTask(ctx, task.ID))

	require.NoError(t, q.tasks.UpdateStatus(ctx, task.ID, v1.TaskStatusCompleted))
	err = q.CancelTask(ctx, task.ID)
	assert.Equal(t, "illegal_transition", apperr.ReasonOf(err))
}

// Pre-parking N matching agents and enqueueing N eligible tasks delivers
// exactly N distinct assignments.
func TestFanOutDistinctAssignments(t *testing.T) {
	q := setupQueue(t)
	const n = 5

	deliveries := make(chan *Delivery, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		registerAgent(t, q, "agent-"+id, "code")
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			d, err := q.WaitForTask(context.Background(), agentID, []string{"code"}, nil, 5*time.Second)
			assert.NoError(t, err)
			deliveries <- d
		}("agent-" + id)
	}
	require.Eventually(t, func() bool { return len(q.GetWaitingAgents()) == n },
		2*time.Second, 5*time.Millisecond)

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		enqueue(t, q, "fan out", nil)
	}
	wg.Wait()
	close(deliveries)
	for d := range deliveries {
		require.NotNil(t, d)
		require.NotNil(t, d.Task)
		assert.False(t, seen[d.Task.ID], "task %s delivered twice", d.Task.ID)
		seen[d.Task.ID] = true
	}
	assert.Len(t, seen, n)
}

// Two concurrent waiters racing one enqueue: exactly one receives the task.
func TestTwoWaitersOneTask(t *testing.T) {
	q := setupQueue(t)
	registerAgent(t, q, "agent-1", "code")
	registerAgent(t, q, "agent-2", "code")

	results := make(chan *Delivery, 2)
	for _, id := range []string{"agent-1", "agent-2"} {
		go func(agentID string) {
			d, _ := q.WaitForTask(context.Background(), agentID, []string{"code"}, nil, time.Second)
			results <- d
		}(id)
	}
	require.Eventually(t, func() bool { return len(q.GetWaitingAgents()) == 2 },
		time.Second, 5*time.Millisecond)

	enqueue(t, q, "one winner", nil)

	var delivered int
	for i := 0; i < 2; i++ {
		if d := <-results; d != nil && d.Task != nil {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)
}

// FIFO among waiting agents: the longest-parked eligible agent wins.
func TestEnqueuePrefersLongestWaiting(t *testing.T) {
	q := setupQueue(t)
	registerAgent(t, q, "early", "code")
	registerAgent(t, q, "late", "code")

	early := make(chan *Delivery, 1)
	go func() {
		d, _ := q.WaitForTask(context.Background(), "early", []string{"code"}, nil, 5*time.Second)
		early <- d
	}()
	require.Eventually(t, func() bool { return q.IsAgentWaiting("early") },
		time.Second, 5*time.Millisecond)

	late := make(chan *Delivery, 1)
	go func() {
		d, _ := q.WaitForTask(context.Background(), "late", []string{"code"}, nil, 5*time.Second)
		late <- d
	}()
	require.Eventually(t, func() bool { return q.IsAgentWaiting("late") },
		time.Second, 5*time.Millisecond)

	task := enqueue(t, q, "fifo", nil)

	select {
	case d := <-early:
		require.NotNil(t, d)
		require.NotNil(t, d.Task)
		assert.Equal(t, task.ID, d.Task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("earliest waiter did not receive the task")
	}
	assert.True(t, q.IsAgentWaiting("late"))
}

func TestWorkspaceMismatch(t *testing.T) {
	q := setupQueue(t)
	registerAgent(t, q, "agent-f", "code")
	registerAgent(t, q, "agent-g", "code")

	wsA := &v1.WorkspaceContext{Type: v1.WorkspaceGitHub, RepoID: "org/a"}
	wsB := &v1.WorkspaceContext{Type: v1.WorkspaceGitHub, RepoID: "org/b"}

	enqueue(t, q, "workspace bound", func(task *models.Task) {
		task.To.WorkspaceID = "org/b"
		task.To.RequiredCapabilities = []string{"code"}
	})

	d, err := q.WaitForTask(context.Background(), "agent-f", []string{"code"}, wsA, time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = q.WaitForTask(context.Background(), "agent-g", []string{"code"}, wsB, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NotNil(t, d.Task)
}

func TestDependencyGatesEligibility(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	dep := enqueue(t, q, "the dependency", nil)
	dependent := enqueue(t, q, "the dependent", func(task *models.Task) {
		task.Dependencies = []string{dep.ID}
	})

	// The dependency itself is handed out, not the dependent.
	d, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, dep.ID, d.Task.ID)

	require.NoError(t, q.AckTask(ctx, dep.ID, "agent-1"))
	require.NoError(t, q.SendResponse(ctx, dep.ID, v1.TaskStatusCompleted,
		&v1.TaskResponse{Message: "dep output"}, ""))

	// Once the dependency completes the dependent becomes eligible, and its
	// delivery carries the dependency output.
	d, err = q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NotNil(t, d.Task)
	assert.Equal(t, dependent.ID, d.Task.ID)
	outputs, ok := d.Task.Context["dependencyOutputs"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, outputs, dep.ID)
}

func TestWaitForTaskPicksHighestPriority(t *testing.T) {
	q := setupQueue(t)
	registerAgent(t, q, "agent-1", "code")

	normal := enqueue(t, q, "normal older", nil)
	critical := enqueue(t, q, "critical newer", func(task *models.Task) {
		task.Priority = v1.PriorityCritical
	})

	d, err := q.WaitForTask(context.Background(), "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, critical.ID, d.Task.ID)

	stored, err := q.GetTask(context.Background(), normal.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, stored.Status)
}

func TestEvictionDeliveredOnPoll(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	require.NoError(t, q.EvictAgent(ctx, "agent-1", "runaway", v1.EvictionRestart))

	d, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NotNil(t, d.Signal)
	assert.Equal(t, v1.ControlSignalEvict, d.Signal.Kind)
	assert.Equal(t, "runaway", d.Signal.Payload)

	// The signal is consumed.
	d, err = q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestEvictionInterruptsParkedAgent(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	got := make(chan *Delivery, 1)
	go func() {
		d, _ := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, 5*time.Second)
		got <- d
	}()
	require.Eventually(t, func() bool { return q.IsAgentWaiting("agent-1") },
		time.Second, 5*time.Millisecond)

	require.NoError(t, q.EvictAgent(ctx, "agent-1", "redeploy", v1.EvictionKill))

	select {
	case d := <-got:
		require.NotNil(t, d)
		require.NotNil(t, d.Signal)
		assert.Equal(t, v1.ControlSignalEvict, d.Signal.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("parked agent did not receive eviction")
	}
}

func TestBroadcastSystemPrompt(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "parked", "code")
	registerAgent(t, q, "away", "code")

	got := make(chan *Delivery, 1)
	go func() {
		d, _ := q.WaitForTask(ctx, "parked", []string{"code"}, nil, 5*time.Second)
		got <- d
	}()
	require.Eventually(t, func() bool { return q.IsAgentWaiting("parked") },
		time.Second, 5*time.Millisecond)

	count, err := q.BroadcastSystemPrompt(ctx, "new rules")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	select {
	case d := <-got:
		require.NotNil(t, d)
		require.NotNil(t, d.Signal)
		assert.Equal(t, v1.ControlSignalSystemPrompt, d.Signal.Kind)
		assert.Equal(t, "new rules", d.Signal.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("parked agent did not receive system prompt")
	}

	// The absent agent receives it on its next poll.
	d, err := q.WaitForTask(ctx, "away", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NotNil(t, d.Signal)
	assert.Equal(t, v1.ControlSignalSystemPrompt, d.Signal.Kind)
}

func TestWaitForTaskCompletion(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	task := enqueue(t, q, "watch me", nil)

	done := make(chan *models.Task, 1)
	go func() {
		completed, err := q.WaitForTaskCompletion(ctx, task.ID, 5*time.Second)
		assert.NoError(t, err)
		done <- completed
	}()

	_, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.AckTask(ctx, task.ID, "agent-1"))
	require.NoError(t, q.SendResponse(ctx, task.ID, v1.TaskStatusCompleted,
		&v1.TaskResponse{Message: "all done"}, ""))

	select {
	case completed := <-done:
		assert.Equal(t, v1.TaskStatusCompleted, completed.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("completion waiter never returned")
	}
}

func TestWaitForTaskCompletionTimeout(t *testing.T) {
	q := setupQueue(t)
	task := enqueue(t, q, "never finishes", nil)

	_, err := q.WaitForTaskCompletion(context.Background(), task.ID, time.Second)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
}

func TestSubmitReviewFlow(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	registerAgent(t, q, "agent-1", "code")

	task := enqueue(t, q, "review flow", nil)
	_, err := q.WaitForTask(ctx, "agent-1", []string{"code"}, nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.AckTask(ctx, task.ID, "agent-1"))
	require.NoError(t, q.SendResponse(ctx, task.ID, v1.TaskStatusInReview,
		&v1.TaskResponse{Message: "please review", Diff: "---"}, ""))

	// Rejection stores comments and bounces the task back to the agent.
	require.NoError(t, q.SubmitReview(ctx, task.ID, "reviewer", false, []*models.ReviewComment{
		{Content: "missing tests", FilePath: "main.go", LineNo: 3},
	}))
	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInProgress, stored.Status)

	unread, err := q.GetReviewComments(ctx, task.ID, true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "reviewer", unread[0].Author)

	// Unread comments are handed out once.
	unread, err = q.GetReviewComments(ctx, task.ID, true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	require.NoError(t, q.SendResponse(ctx, task.ID, v1.TaskStatusInReview,
		&v1.TaskResponse{Message: "fixed"}, ""))
	require.NoError(t, q.SubmitReview(ctx, task.ID, "reviewer", true, nil))
	stored, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusApproved, stored.Status)
}
