package coordinator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/queue"
	"foreman/internal/store"
	"foreman/internal/task"
)

func newRecoveryFixture(t *testing.T) (*Recovery, *store.DB, *task.Tracker, *queue.Manager) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		SQLitePath: filepath.Join(t.TempDir(), "recovery.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))

	tracker := task.NewTracker(db, task.TrackerOptions{})
	queueMgr := queue.NewManager(db, queue.ManagerOptions{})
	return NewRecovery(db, tracker, nil), db, tracker, queueMgr
}

func TestRecoveryPausesOrphanedTasks(t *testing.T) {
	recovery, _, tracker, _ := newRecoveryFixture(t)
	ctx := context.Background()

	require.NoError(t, tracker.Register(ctx, task.RegisterParams{
		TaskID: "orphan", TaskType: "analysis", Subagent: "researcher",
		InitialState: json.RawMessage(`{"step":9}`),
	}))
	require.NoError(t, tracker.Register(ctx, task.RegisterParams{
		TaskID: "stateless", TaskType: "x", Subagent: "y",
	}))

	report, err := recovery.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.PausedTasks, 2)

	byID := map[string]RecoveredTask{}
	for _, rec := range report.PausedTasks {
		byID[rec.TaskID] = rec
	}
	assert.True(t, byID["orphan"].Checkpointed)
	assert.False(t, byID["stateless"].Checkpointed)

	row, err := tracker.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, row.Status)

	cp, err := tracker.LatestCheckpoint(ctx, "orphan")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, task.CheckpointRecovery, cp.Type)
	assert.JSONEq(t, `{"step":9}`, cp.SerializedState)

	// Paused work can be picked up again.
	require.NoError(t, tracker.Resume(ctx, "orphan"))
	state, err := tracker.State(ctx, "orphan")
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":9}`, string(state))
}

func TestRecoveryCheckpointPairedWithPause(t *testing.T) {
	recovery, db, tracker, _ := newRecoveryFixture(t)
	ctx := context.Background()

	require.NoError(t, tracker.Register(ctx, task.RegisterParams{
		TaskID: "orphan", TaskType: "x", Subagent: "y",
		InitialState: json.RawMessage(`{"step":1}`),
	}))

	_, err := recovery.Run(ctx)
	require.NoError(t, err)

	// Exactly one active recovery checkpoint, and the task is paused: the
	// two writes commit together or not at all.
	var count int
	require.NoError(t, db.GetContext(ctx, &count, db.Rebind(
		`SELECT COUNT(*) FROM task_checkpoints WHERE task_id = ? AND is_active = ?`), "orphan", true))
	assert.Equal(t, 1, count)

	row, err := tracker.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, row.Status)

	// A second pass adds nothing.
	_, err = recovery.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, db.GetContext(ctx, &count, db.Rebind(
		`SELECT COUNT(*) FROM task_checkpoints WHERE task_id = ?`), "orphan"))
	assert.Equal(t, 1, count)
}

func TestRecoveryFailsInterruptedDeployments(t *testing.T) {
	recovery, db, _, queueMgr := newRecoveryFixture(t)
	ctx := context.Background()

	id, err := queueMgr.Add(ctx, queue.AddParams{Type: queue.TypeRedeploy, TargetService: "api"})
	require.NoError(t, err)
	require.NoError(t, queueMgr.UpdateStatus(ctx, id, queue.StatusProcessing, ""))

	exhaustedID, err := queueMgr.Add(ctx, queue.AddParams{Type: queue.TypeDeploy, TargetService: "web"})
	require.NoError(t, err)
	require.NoError(t, queueMgr.UpdateStatus(ctx, exhaustedID, queue.StatusProcessing, ""))
	_, err = db.ExecContext(ctx, db.Rebind(`UPDATE deployment_queue SET retry_count = max_retries WHERE id = ?`), exhaustedID)
	require.NoError(t, err)

	report, err := recovery.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.InterruptedDeployments, 2)

	byID := map[int64]InterruptedDeployment{}
	for _, dep := range report.InterruptedDeployments {
		byID[dep.ID] = dep
	}
	assert.True(t, byID[id].Retryable)
	assert.False(t, byID[exhaustedID].Retryable)

	item, err := queueMgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, item.Status)
	require.NotNil(t, item.ErrorMessage)
	assert.Equal(t, "Deployment interrupted by system restart", *item.ErrorMessage)
	assert.NotNil(t, item.CompletedAt)
}

func TestRecoveryLeavesSettledStateAlone(t *testing.T) {
	recovery, _, tracker, queueMgr := newRecoveryFixture(t)
	ctx := context.Background()

	require.NoError(t, tracker.Register(ctx, task.RegisterParams{TaskID: "done", TaskType: "x", Subagent: "y"}))
	require.NoError(t, tracker.Unregister(ctx, "done", nil))

	id, err := queueMgr.Add(ctx, queue.AddParams{Type: queue.TypeDeploy, TargetService: "api"})
	require.NoError(t, err)

	report, err := recovery.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.PausedTasks)
	assert.Empty(t, report.InterruptedDeployments)
	assert.Equal(t, "recovery: nothing to do", report.String())

	item, err := queueMgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
}

func TestRecoveryIdempotent(t *testing.T) {
	recovery, _, tracker, queueMgr := newRecoveryFixture(t)
	ctx := context.Background()

	require.NoError(t, tracker.Register(ctx, task.RegisterParams{TaskID: "orphan", TaskType: "x", Subagent: "y"}))
	id, err := queueMgr.Add(ctx, queue.AddParams{Type: queue.TypeRestart, TargetService: "api"})
	require.NoError(t, err)
	require.NoError(t, queueMgr.UpdateStatus(ctx, id, queue.StatusProcessing, ""))

	first, err := recovery.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, first.PausedTasks, 1)
	assert.Len(t, first.InterruptedDeployments, 1)

	second, err := recovery.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.PausedTasks)
	assert.Empty(t, second.InterruptedDeployments)
}
