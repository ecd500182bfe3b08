package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/guard"
)

func TestAddTaskDefaults(t *testing.T) {
	s := NewMemoryStore()
	task, err := s.AddTask(context.Background(), AddTaskParams{Name: "n", Type: TypeScript})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 10, task.Priority)
	assert.Equal(t, 3, task.MaxRetries)
	assert.NotEmpty(t, task.ID)
}

func TestGetNextPendingOrdersByPriorityThenFIFO(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	low, err := s.AddTask(context.Background(), AddTaskParams{Name: "low", Type: TypeScript, Priority: 20})
	require.NoError(t, err)
	first, err := s.AddTask(context.Background(), AddTaskParams{Name: "first", Type: TypeScript, Priority: 5})
	require.NoError(t, err)
	second, err := s.AddTask(context.Background(), AddTaskParams{Name: "second", Type: TypeScript, Priority: 5})
	require.NoError(t, err)

	next, err := s.GetNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.ID, "lower priority value runs first")

	require.NoError(t, s.StartTask(context.Background(), first.ID))
	next, err = s.GetNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.ID, next.ID, "equal priority dispatches FIFO")

	require.NoError(t, s.StartTask(context.Background(), second.ID))
	next, err = s.GetNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, low.ID, next.ID)
}

func TestScheduledTaskNotDueIsSkipped(t *testing.T) {
	s := NewMemoryStore()
	future := time.Now().UTC().Add(time.Hour)
	_, err := s.AddTask(context.Background(), AddTaskParams{Name: "later", Type: TypeScript, ScheduledFor: &future})
	require.NoError(t, err)

	next, err := s.GetNextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestChildWaitsForParentCompletion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	parent, err := s.AddTask(ctx, AddTaskParams{Name: "parent", Type: TypeScript, Priority: 20})
	require.NoError(t, err)
	child, err := s.AddTask(ctx, AddTaskParams{Name: "child", Type: TypeScript, Priority: 1, ParentID: &parent.ID})
	require.NoError(t, err)

	// Child has better priority but is gated on the parent.
	next, err := s.GetNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, next.ID)

	require.NoError(t, s.StartTask(ctx, parent.ID))
	require.NoError(t, s.CompleteTask(ctx, parent.ID, "done"))

	next, err = s.GetNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, child.ID, next.ID)
}

func TestFailTaskRetryCycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task, err := s.AddTask(ctx, AddTaskParams{Name: "flaky", Type: TypeScript, MaxRetries: 3})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, s.StartTask(ctx, task.ID))
		require.NoError(t, s.FailTask(ctx, task.ID, fmt.Sprintf("attempt %d", attempt), true))
		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.RetryCount)
		if attempt < 3 {
			assert.Equal(t, StatusPending, got.Status)
		} else {
			assert.Equal(t, StatusFailed, got.Status, "FAILED exactly when retry_count reaches max_retries")
		}
	}
}

func TestFailTaskNonRetryable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task, err := s.AddTask(ctx, AddTaskParams{Name: "bad", Type: TypeScript})
	require.NoError(t, err)
	require.NoError(t, s.StartTask(ctx, task.ID))
	require.NoError(t, s.FailTask(ctx, task.ID, "security rejection", false))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestCancelOnlyFromPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	queued, err := s.AddTask(ctx, AddTaskParams{Name: "queued", Type: TypeScript})
	require.NoError(t, err)
	require.NoError(t, s.CancelTask(ctx, queued.ID))
	got, err := s.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	running, err := s.AddTask(ctx, AddTaskParams{Name: "running", Type: TypeScript})
	require.NoError(t, err)
	require.NoError(t, s.StartTask(ctx, running.ID))
	require.Error(t, s.CancelTask(ctx, running.ID), "in-flight work runs to completion")
	got, err = s.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestHumanInputCycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task, err := s.AddTask(ctx, AddTaskParams{Name: "review", Type: TypeCodeGeneration})
	require.NoError(t, err)

	require.NoError(t, s.RequestHumanInput(ctx, task.ID, "please review", "code_review"))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForHuman, got.Status)
	require.NotNil(t, got.HumanRequest)
	assert.Equal(t, "please review", *got.HumanRequest)

	decision := "approve"
	require.NoError(t, s.ProvideHumanInput(ctx, task.ID, "looks fine", &decision, nil))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.HumanDecision)
	assert.Equal(t, "approve", *got.HumanDecision)
}

func newTestExecutor(t *testing.T) (*Executor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewExecutor(store, guard.New(nil, nil)), store
}

func TestExecutorRunsScriptTask(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	var gotArgs []any
	e.RegisterScript("collectors.run_monthly", func(ctx context.Context, args []any, kwargs map[string]any) (string, error) {
		gotArgs = args
		return "12 records", nil
	})

	task, err := store.AddTask(ctx, AddTaskParams{
		Name: "monthly", Type: TypeScript,
		Payload: map[string]any{"function": "collectors.run_monthly", "args": []any{2024, 8}},
	})
	require.NoError(t, err)

	worked, err := e.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []any{2024, 8}, gotArgs)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "12 records", *got.Result)

	logs, err := store.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
}

func TestExecutorGuardRejectionIsNonRetryable(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	task, err := store.AddTask(ctx, AddTaskParams{
		Name: "evil", Type: TypeScript,
		Payload: map[string]any{"command": "rm -rf /data"},
	})
	require.NoError(t, err)

	worked, err := e.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount, "security rejections never cycle back to PENDING")
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "security rejection")
}

func TestExecutorRetriesRetryableScriptFailures(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	e.RegisterScript("flaky", func(ctx context.Context, args []any, kwargs map[string]any) (string, error) {
		return "", errors.New("upstream 503")
	})
	task, err := store.AddTask(ctx, AddTaskParams{
		Name: "flaky", Type: TypeScript, MaxRetries: 2,
		Payload: map[string]any{"function": "flaky"},
	})
	require.NoError(t, err)

	// First failure returns to PENDING, second lands in FAILED.
	_, err = e.Step(ctx)
	require.NoError(t, err)
	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = e.Step(ctx)
	require.NoError(t, err)
	got, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

type cannedGateway struct{ completion string }

func (g cannedGateway) Complete(ctx context.Context, prompt string) (string, error) {
	return g.completion, nil
}

func TestCodeGenerationParksForReview(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()
	e.UseModelGateway(cannedGateway{completion: "func main() {}"})

	task, err := store.AddTask(ctx, AddTaskParams{
		Name: "gen", Type: TypeCodeGeneration,
		Payload: map[string]any{"prompt": "write a main"},
	})
	require.NoError(t, err)

	_, err = e.Step(ctx)
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForHuman, got.Status)
	require.NotNil(t, got.HumanRequest)
	assert.Equal(t, "func main() {}", *got.HumanRequest)
}

type recordingSender struct{ to, subject string }

func (s *recordingSender) Send(ctx context.Context, to, subject, body string) error {
	s.to, s.subject = to, subject
	return nil
}

func TestEmailTaskDelivers(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()
	sender := &recordingSender{}
	e.UseEmailSender(sender)

	task, err := store.AddTask(ctx, AddTaskParams{
		Name: "digest", Type: TypeEmail,
		Payload: map[string]any{"to": "ops@example.com", "subject": "weekly digest", "body": "all green"},
	})
	require.NoError(t, err)

	_, err = e.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", sender.to)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestExecutorStats(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()
	e.RegisterScript("noop", func(ctx context.Context, args []any, kwargs map[string]any) (string, error) {
		return "", nil
	})
	_, err := store.AddTask(ctx, AddTaskParams{Name: "a", Type: TypeScript, Payload: map[string]any{"function": "noop"}})
	require.NoError(t, err)
	_, err = e.Step(ctx)
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalExecuted)
	assert.Equal(t, 1, stats.TotalSucceeded)
	assert.Equal(t, 1, stats.Counts[StatusCompleted])
}
