package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/events"
	"github.com/autoedit/tate-api/internal/service"
	"github.com/autoedit/tate-api/internal/store"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []events.TaskChangeEvent
}

func (h *recordingHandler) HandleChange(ctx context.Context, event events.TaskChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHandler) all() []events.TaskChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.TaskChangeEvent, len(h.events))
	copy(out, h.events)
	return out
}

func newTestService(t *testing.T) (service.TaskService, *fakeTaskRepo, *recordingHandler) {
	t.Helper()
	repo := newFakeTaskRepo()
	handler := &recordingHandler{}
	emitter := events.NewInMemoryChangeEmitter(slog.Default())
	emitter.RegisterHandler(handler)
	svc, err := service.NewTaskService(repo, emitter, slog.Default())
	require.NoError(t, err)
	return svc, repo, handler
}

func mustCreate(t *testing.T, svc service.TaskService, taskType string) *domain.Task {
	t.Helper()
	task, err := svc.Create(context.Background(), service.CreateTaskCommand{Type: taskType})
	require.NoError(t, err)
	return task
}

func TestTaskService_Create(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	t.Run("creates pending task with defaults", func(t *testing.T) {
		task, err := svc.Create(ctx, service.CreateTaskCommand{Type: "video_edit"})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, task.Status)
		assert.Equal(t, domain.DefaultPriority, task.Priority)
		assert.Zero(t, task.Progress)
		assert.NotEmpty(t, task.TaskID)
		assert.Nil(t, task.StartedAt)
		assert.Nil(t, task.CompletedAt)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := svc.Create(ctx, service.CreateTaskCommand{Type: "mystery"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("rejects out-of-range priority", func(t *testing.T) {
		_, err := svc.Create(ctx, service.CreateTaskCommand{Type: "video_edit", Priority: 11})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("rejects oversized input payload", func(t *testing.T) {
		big, err := json.Marshal(map[string]string{"blob": strings.Repeat("x", domain.MaxPayloadBytes)})
		require.NoError(t, err)
		_, err = svc.Create(ctx, service.CreateTaskCommand{Type: "video_edit", InputData: big})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestTaskService_CreateBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates all specs in order", func(t *testing.T) {
		svc, repo, _ := newTestService(t)
		cmds := []service.CreateTaskCommand{
			{Type: "video_edit"},
			{Type: "transcription", Priority: 9},
			{Type: "analysis"},
		}
		tasks, err := svc.CreateBatch(ctx, cmds)
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, domain.TaskTypeTranscription, tasks[1].Type)
		assert.Len(t, repo.tasks, 3)
	})

	t.Run("rejects oversized batch without touching storage", func(t *testing.T) {
		svc, repo, _ := newTestService(t)
		cmds := make([]service.CreateTaskCommand, service.MaxBatchSize+1)
		for i := range cmds {
			cmds[i] = service.CreateTaskCommand{Type: "analysis"}
		}
		_, err := svc.CreateBatch(ctx, cmds)
		assert.ErrorIs(t, err, domain.ErrBatchTooLarge)
		assert.Empty(t, repo.tasks)
	})

	t.Run("one invalid spec fails the whole batch", func(t *testing.T) {
		svc, repo, _ := newTestService(t)
		cmds := []service.CreateTaskCommand{
			{Type: "video_edit"},
			{Type: "not_a_type"},
		}
		_, err := svc.CreateBatch(ctx, cmds)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Empty(t, repo.tasks)
	})

	t.Run("storage failure admits nothing", func(t *testing.T) {
		svc, repo, _ := newTestService(t)
		repo.createErr = fmt.Errorf("disk on fire")
		_, err := svc.CreateBatch(ctx, []service.CreateTaskCommand{{Type: "video_edit"}})
		require.Error(t, err)
		assert.Empty(t, repo.tasks)
	})
}

func TestTaskService_Transition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pending to processing sets started_at once", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")

		got, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		require.NoError(t, err)
		require.NotNil(t, got.StartedAt)
		first := *got.StartedAt

		// Self-transition is an idempotent no-op.
		again, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, first, *again.StartedAt)
	})

	t.Run("completion records completed_at and actual_time", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "transcription")

		_, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		require.NoError(t, err)
		got, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusCompleted)
		require.NoError(t, err)

		require.NotNil(t, got.CompletedAt)
		require.NotNil(t, got.ActualTime)
		assert.GreaterOrEqual(t, *got.ActualTime, 0.0)
	})

	t.Run("pending cannot complete directly", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "analysis")
		_, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusCompleted)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("terminal task rejects restart", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "analysis")
		_, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)
		_, err = svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("unknown task", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.Transition(ctx, "nope", domain.TaskStatusProcessing)
		assert.ErrorIs(t, err, service.ErrTaskNotFound)
	})
}

func TestTaskService_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("cancels a pending task", func(t *testing.T) {
		svc, _, handler := newTestService(t)
		task := mustCreate(t, svc, "video_edit")

		got, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
		require.NotNil(t, got.CompletedAt)

		evts := handler.all()
		require.NotEmpty(t, evts)
		assert.Equal(t, domain.TaskStatusCancelled, evts[len(evts)-1].Status)
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		svc, _, handler := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)
		before := len(handler.all())

		got, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
		// The no-op repeat emits no event.
		assert.Len(t, handler.all(), before)
	})

	t.Run("completed task cannot be cancelled", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		require.NoError(t, err)
		_, err = svc.Transition(ctx, task.TaskID, domain.TaskStatusCompleted)
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, task.TaskID)
		assert.ErrorIs(t, err, domain.ErrIllegalCancellation)
	})

	t.Run("failed task cannot be cancelled", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		require.NoError(t, err)
		_, err = svc.Transition(ctx, task.TaskID, domain.TaskStatusFailed)
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, task.TaskID)
		assert.ErrorIs(t, err, domain.ErrIllegalCancellation)
	})
}

func TestTaskService_SetProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 42.5, 42.5},
		{"below zero clamps to zero", -10, 0},
		{"above hundred clamps to hundred", 150, 100},
		{"exact bounds pass through", 100, 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := mustCreate(t, svc, "audio_process")
			got, err := svc.SetProgress(ctx, task.TaskID, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Progress)
		})
	}

	t.Run("terminal task ignores late progress", func(t *testing.T) {
		task := mustCreate(t, svc, "audio_process")
		_, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)

		got, err := svc.SetProgress(ctx, task.TaskID, 50)
		require.NoError(t, err)
		assert.Zero(t, got.Progress)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	})
}

func TestTaskService_SetSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	t.Run("derives progress from counters", func(t *testing.T) {
		task := mustCreate(t, svc, "image_process")
		got, err := svc.SetSteps(ctx, task.TaskID, 3, 4)
		require.NoError(t, err)
		assert.Equal(t, 3, got.CompletedSteps)
		assert.Equal(t, 4, got.TotalSteps)
		assert.InDelta(t, 75.0, got.Progress, 1e-9)
	})

	t.Run("completed beyond total is rejected", func(t *testing.T) {
		task := mustCreate(t, svc, "image_process")
		_, err := svc.SetSteps(ctx, task.TaskID, 5, 4)
		assert.ErrorIs(t, err, domain.ErrInvalidStepCount)
	})

	t.Run("zero total leaves progress untouched", func(t *testing.T) {
		task := mustCreate(t, svc, "image_process")
		_, err := svc.SetProgress(ctx, task.TaskID, 30)
		require.NoError(t, err)
		got, err := svc.SetSteps(ctx, task.TaskID, 7, 0)
		require.NoError(t, err)
		assert.InDelta(t, 30.0, got.Progress, 1e-9)
		assert.Equal(t, 7, got.CompletedSteps)
	})

	t.Run("step regression is allowed", func(t *testing.T) {
		task := mustCreate(t, svc, "image_process")
		_, err := svc.SetSteps(ctx, task.TaskID, 3, 4)
		require.NoError(t, err)
		got, err := svc.SetSteps(ctx, task.TaskID, 1, 4)
		require.NoError(t, err)
		assert.InDelta(t, 25.0, got.Progress, 1e-9)
	})
}

func TestTaskService_Update(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	strptr := func(s string) *string { return &s }
	fptr := func(v float64) *float64 { return &v }
	iptr := func(v int) *int { return &v }

	t.Run("step counters override manual progress in one update", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")

		got, err := svc.Update(ctx, task.TaskID, service.UpdateTaskCommand{
			Progress:       fptr(10),
			TotalSteps:     iptr(10),
			CompletedSteps: iptr(5),
		})
		require.NoError(t, err)
		assert.InDelta(t, 50.0, got.Progress, 1e-9)
	})

	t.Run("single event per update", func(t *testing.T) {
		svc, _, handler := newTestService(t)
		task := mustCreate(t, svc, "video_edit")

		_, err := svc.Update(ctx, task.TaskID, service.UpdateTaskCommand{
			Status:      strptr("processing"),
			Progress:    fptr(5),
			CurrentStep: strptr("parsing timeline"),
		})
		require.NoError(t, err)
		assert.Len(t, handler.all(), 1)
	})

	t.Run("late worker update on terminal task is a silent no-op", func(t *testing.T) {
		svc, _, handler := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)
		before := len(handler.all())

		got, err := svc.Update(ctx, task.TaskID, service.UpdateTaskCommand{
			Progress:    fptr(80),
			CurrentStep: strptr("rendering"),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
		assert.Zero(t, got.Progress)
		assert.Empty(t, got.CurrentStep)
		assert.Len(t, handler.all(), before)
	})

	t.Run("terminal task rejects a different status", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)

		_, err = svc.Update(ctx, task.TaskID, service.UpdateTaskCommand{Status: strptr("processing")})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("terminal self-status in update stays a no-op", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)

		got, err := svc.Update(ctx, task.TaskID, service.UpdateTaskCommand{Status: strptr("cancelled")})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	})

	t.Run("oversized current step rejected", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		long := strings.Repeat("s", domain.MaxCurrentStepLen+1)
		_, err := svc.Update(ctx, task.TaskID, service.UpdateTaskCommand{CurrentStep: &long})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestTaskService_FinishAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success sets progress and output", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		require.NoError(t, err)

		out := json.RawMessage(`{"clips":12}`)
		got, err := svc.FinishAttempt(ctx, task.TaskID, service.AttemptOutcome{Succeeded: true, Output: out})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
		assert.Equal(t, 100.0, got.Progress)
		assert.JSONEq(t, `{"clips":12}`, string(got.OutputData))
	})

	t.Run("failure records error message", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		require.NoError(t, err)

		got, err := svc.FinishAttempt(ctx, task.TaskID, service.AttemptOutcome{ErrorMessage: "codec not found"})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusFailed, got.Status)
		assert.Equal(t, "codec not found", got.ErrorMessage)
	})

	t.Run("late report against a cancelled task is dropped", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Cancel(ctx, task.TaskID)
		require.NoError(t, err)

		got, err := svc.FinishAttempt(ctx, task.TaskID, service.AttemptOutcome{Succeeded: true})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
		assert.Zero(t, got.Progress)
	})
}

func TestTaskService_Logs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	t.Run("appends and lists newest first", func(t *testing.T) {
		task := mustCreate(t, svc, "transcription")
		for i := 0; i < 3; i++ {
			_, err := svc.AddLog(ctx, task.TaskID, service.AddLogCommand{
				Level:   "INFO",
				Message: fmt.Sprintf("step %d", i),
			})
			require.NoError(t, err)
		}

		logs, total, err := svc.ListLogs(ctx, task.TaskID, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, logs, 3)
		assert.Equal(t, "step 2", logs[0].Message)
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		task := mustCreate(t, svc, "transcription")
		_, err := svc.AddLog(ctx, task.TaskID, service.AddLogCommand{Level: "LOUD", Message: "hi"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("rejects oversized message", func(t *testing.T) {
		task := mustCreate(t, svc, "transcription")
		_, err := svc.AddLog(ctx, task.TaskID, service.AddLogCommand{
			Level:   "INFO",
			Message: strings.Repeat("m", domain.MaxLogMessageLen+1),
		})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := svc.AddLog(ctx, "missing", service.AddLogCommand{Level: "INFO", Message: "hi"})
		assert.ErrorIs(t, err, service.ErrTaskNotFound)
	})
}

func TestTaskService_ListAndSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	low := mustCreate(t, svc, "analysis")
	high, err := svc.Create(ctx, service.CreateTaskCommand{Type: "video_edit", Priority: 9})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, high.TaskID, domain.TaskStatusProcessing)
	require.NoError(t, err)
	done := mustCreate(t, svc, "transcription")
	_, err = svc.Transition(ctx, done.TaskID, domain.TaskStatusProcessing)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, done.TaskID, domain.TaskStatusCompleted)
	require.NoError(t, err)

	t.Run("list filters by status", func(t *testing.T) {
		page, err := svc.List(ctx, service.ListTasksQuery{Status: "pending", IncludeCount: true})
		require.NoError(t, err)
		require.Len(t, page.Tasks, 1)
		assert.Equal(t, low.TaskID, page.Tasks[0].TaskID)
		assert.Equal(t, 1, page.Total)
	})

	t.Run("list rejects bad status filter", func(t *testing.T) {
		_, err := svc.List(ctx, service.ListTasksQuery{Status: "limbo"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("summary aggregates population", func(t *testing.T) {
		summary, err := svc.Summary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, summary.TotalTasks)
		assert.Equal(t, 1, summary.StatusCounts[domain.TaskStatusPending])
		assert.Equal(t, 1, summary.StatusCounts[domain.TaskStatusProcessing])
		assert.Equal(t, 1, summary.StatusCounts[domain.TaskStatusCompleted])
		require.Len(t, summary.RecentCompleted, 1)
		assert.Equal(t, done.TaskID, summary.RecentCompleted[0].TaskID)
	})

	t.Run("active tasks excludes terminal", func(t *testing.T) {
		active, err := svc.ActiveTasks(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})
}

func TestTaskService_ErrorMapping(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	t.Run("store not-found maps to service sentinel", func(t *testing.T) {
		_, err := svc.Get(ctx, "gone")
		assert.ErrorIs(t, err, service.ErrTaskNotFound)
	})

	t.Run("opaque store errors are wrapped", func(t *testing.T) {
		task := mustCreate(t, svc, "analysis")
		repo.saveErr = errors.New("connection reset")
		defer func() { repo.saveErr = nil }()

		_, err := svc.SetProgress(ctx, task.TaskID, 10)
		require.Error(t, err)
		var svcErr *service.TaskServiceError
		assert.ErrorAs(t, err, &svcErr)
		assert.NotErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestTaskService_ConcurrentProgressAndCompletion(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// A progress write racing a terminal transition must never revert the
	// terminal status, and the terminal bookkeeping must survive intact.
	for i := 0; i < 100; i++ {
		task := mustCreate(t, svc, "video_edit")
		_, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusProcessing)
		require.NoError(t, err)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			if _, err := svc.SetProgress(ctx, task.TaskID, 30); err != nil {
				t.Errorf("SetProgress: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if _, err := svc.Transition(ctx, task.TaskID, domain.TaskStatusCompleted); err != nil {
				t.Errorf("Transition: %v", err)
			}
		}()
		close(start)
		wg.Wait()

		got, err := svc.Get(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.ActualTime)
		assert.False(t, got.CompletedAt.Before(*got.StartedAt))
		// Progress is 30 if the write landed first, otherwise the late
		// write was dropped against the terminal status.
		assert.Contains(t, []float64{0, 30}, got.Progress)
	}
}
