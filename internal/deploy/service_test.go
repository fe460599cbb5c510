package deploy

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	"foreman/internal/queue"
	"foreman/internal/task"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "service.db")
	cfg.QueuePollInterval = 50 * time.Millisecond
	cfg.SchedulerPollInterval = 50 * time.Millisecond

	svc, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func TestInitializeOnStartupIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	report, err := svc.InitializeOnStartup(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.PausedTasks)

	report, err = svc.InitializeOnStartup(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.PausedTasks)
}

func TestStartStop(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.SetExecutor(func(ctx context.Context, item queue.Item) error { return nil })
	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.Running())

	// Second Start is a no-op, not an error.
	require.NoError(t, svc.Start(ctx))

	require.NoError(t, svc.Stop())
	assert.False(t, svc.Running())
}

func TestEndToEndDestructiveDeployment(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.InitializeOnStartup(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterTask(ctx, task.RegisterParams{
		TaskID: "agent-1", TaskType: "analysis", Subagent: "researcher",
		InitialState: json.RawMessage(`{"phase":"collect"}`),
	}))

	deployed := make(chan struct{})
	svc.SetExecutor(func(ctx context.Context, item queue.Item) error {
		// No worker may still be running when a destructive action fires.
		views, err := svc.ActiveTasks(ctx, task.Filter{})
		require.NoError(t, err)
		for _, v := range views {
			assert.NotEqual(t, task.StatusRunning, v.Task.Status)
		}
		close(deployed)
		return nil
	})

	require.NoError(t, svc.Start(ctx))

	id, err := svc.QueueDeployment(ctx, queue.AddParams{
		Type: queue.TypeRedeploy, TargetService: "api", RequestedBy: "alice",
	})
	require.NoError(t, err)

	// The queue gate holds while the worker is running.
	select {
	case <-deployed:
		t.Fatal("deployment ran while a worker was active")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, svc.UnregisterTask(ctx, "agent-1", nil))

	select {
	case <-deployed:
	case <-time.After(5 * time.Second):
		t.Fatal("deployment never ran after workers drained")
	}

	require.Eventually(t, func() bool {
		item, err := svc.GetQueueItem(ctx, id)
		return err == nil && item.Status == queue.StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	records, err := svc.Notifications(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestCleanupStaleThroughFacade(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.InitializeOnStartup(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterTask(ctx, task.RegisterParams{TaskID: "t", TaskType: "x", Subagent: "y"}))

	failed, purged, err := svc.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, purged)
}

func TestProjectOperations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.InitializeOnStartup(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.SetProject(ctx, "alpha", "/srv/alpha"))
	require.NoError(t, svc.SetProject(ctx, "beta", "/srv/beta"))
	require.NoError(t, svc.ActivateProject(ctx, "beta"))

	active, err := svc.ActiveProject(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "beta", active.Name)

	projects, err := svc.Projects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}

func TestWaitForQuiet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.InitializeOnStartup(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.WaitForQuiet(ctx, time.Second))

	require.NoError(t, svc.RegisterTask(ctx, task.RegisterParams{TaskID: "busy", TaskType: "x", Subagent: "y"}))
	err = svc.WaitForQuiet(ctx, 200*time.Millisecond)
	assert.Error(t, err)
}
