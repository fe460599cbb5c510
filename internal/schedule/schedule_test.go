package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		SQLitePath: filepath.Join(t.TempDir(), "schedule.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return NewEngine(db, nil), db
}

func TestNextAfter(t *testing.T) {
	anchor := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	next, err := NextAfter("0 2 * * *", anchor)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), next)

	// Strictly after: an anchor exactly on a fire time advances to the next one.
	onTheDot := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	next, err = NextAfter("0 2 * * *", onTheDot)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), next)

	next, err = NextAfter("*/15 * * * *", anchor)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 45, 0, 0, time.UTC), next)

	// Evaluation is UTC regardless of the anchor's zone.
	est := time.FixedZone("EST", -5*3600)
	next, err = NextAfter("0 2 * * *", time.Date(2026, 3, 10, 23, 0, 0, 0, est))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 12, 2, 0, 0, 0, time.UTC), next)
}

func TestNextAfterRejectsInvalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"61 * * * *",
		"* * * * * *",
		"CRON_TZ=America/New_York 0 2 * * *",
		"not a cron",
	} {
		_, err := NextAfter(expr, time.Now())
		assert.ErrorIs(t, err, ErrInvalidCron, "expr %q", expr)
	}
}

func TestRegisterUpsert(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Register(ctx, RegisterParams{JobID: "nightly", Name: "Nightly", CronExpr: "0 2 * * *"})
	require.NoError(t, err)

	job, err := engine.Get(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, job.IsEnabled)
	require.NotNil(t, job.NextRun)
	assert.True(t, job.NextRun.After(time.Now().UTC()))

	// Re-registering updates in place.
	id2, err := engine.Register(ctx, RegisterParams{JobID: "nightly", Name: "Nightly v2", CronExpr: "30 3 * * *", AutoResume: true})
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	job, err = engine.Get(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "Nightly v2", job.Name)
	assert.Equal(t, "30 3 * * *", job.CronExpression)
	assert.True(t, job.AutoResume)

	_, err = engine.Register(ctx, RegisterParams{JobID: "bad", Name: "Bad", CronExpr: "not valid"})
	assert.ErrorIs(t, err, ErrInvalidCron)
}

func TestDueAndRunCycle(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Register(ctx, RegisterParams{JobID: "cycle", Name: "Cycle", CronExpr: "*/5 * * * *"})
	require.NoError(t, err)

	// Freshly registered jobs point at the future and are not due.
	due, err := engine.Due(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = db.ExecContext(ctx, db.Rebind(`UPDATE scheduled_jobs SET next_run = ? WHERE job_id = ?`), past, "cycle")
	require.NoError(t, err)

	due, err = engine.Due(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "cycle", due[0].JobID)

	require.NoError(t, engine.MarkRunning(ctx, "cycle"))

	// In-flight jobs are never due, even with next_run in the past.
	due, err = engine.Due(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	checkpointID := int64(7)
	require.NoError(t, engine.Complete(ctx, "cycle", true, &checkpointID))

	job, err := engine.Get(ctx, "cycle")
	require.NoError(t, err)
	assert.False(t, job.IsRunning)
	require.NotNil(t, job.LastStatus)
	assert.Equal(t, string(RunSuccess), *job.LastStatus)
	require.NotNil(t, job.LastCheckpointID)
	assert.Equal(t, checkpointID, *job.LastCheckpointID)
	require.NotNil(t, job.NextRun)
	require.NotNil(t, job.LastRun)
	assert.True(t, job.NextRun.After(*job.LastRun))
}

func TestCompleteFailure(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Register(ctx, RegisterParams{JobID: "flaky", Name: "Flaky", CronExpr: "0 * * * *"})
	require.NoError(t, err)
	require.NoError(t, engine.MarkRunning(ctx, "flaky"))
	require.NoError(t, engine.Complete(ctx, "flaky", false, nil))

	job, err := engine.Get(ctx, "flaky")
	require.NoError(t, err)
	require.NotNil(t, job.LastStatus)
	assert.Equal(t, string(RunFailed), *job.LastStatus)
	assert.NotNil(t, job.NextRun)
}

func TestSuspendedJobStaysDormant(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Register(ctx, RegisterParams{JobID: "broken", Name: "Broken", CronExpr: "*/5 * * * *"})
	require.NoError(t, err)

	// The expression is corrupted after registration, as happens when a
	// row is edited out-of-band.
	past := time.Now().UTC().Add(-time.Minute)
	_, err = db.ExecContext(ctx, db.Rebind(
		`UPDATE scheduled_jobs SET cron_expression = ?, next_run = ? WHERE job_id = ?`),
		"not a cron", past, "broken")
	require.NoError(t, err)

	due, err := engine.Due(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, engine.MarkRunning(ctx, "broken"))
	require.NoError(t, engine.Complete(ctx, "broken", true, nil))

	job, err := engine.Get(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, job.IsRunning)
	assert.Nil(t, job.NextRun)

	// Suspended means suspended: the job never comes due again on its own.
	due, err = engine.Due(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Re-registering with a valid expression revives it.
	_, err = engine.Register(ctx, RegisterParams{JobID: "broken", Name: "Broken", CronExpr: "0 2 * * *"})
	require.NoError(t, err)
	job, err = engine.Get(ctx, "broken")
	require.NoError(t, err)
	assert.NotNil(t, job.NextRun)
}

func TestSetEnabledAndDelete(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Register(ctx, RegisterParams{JobID: "toggle", Name: "Toggle", CronExpr: "* * * * *"})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = db.ExecContext(ctx, db.Rebind(`UPDATE scheduled_jobs SET next_run = ? WHERE job_id = ?`), past, "toggle")
	require.NoError(t, err)

	require.NoError(t, engine.SetEnabled(ctx, "toggle", false))
	due, err := engine.Due(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, engine.Delete(ctx, "toggle"))
	_, err = engine.Get(ctx, "toggle")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.ErrorIs(t, engine.SetEnabled(ctx, "ghost", true), ErrJobNotFound)
	assert.ErrorIs(t, engine.Delete(ctx, "ghost"), ErrJobNotFound)
	assert.ErrorIs(t, engine.MarkRunning(ctx, "ghost"), ErrJobNotFound)
}
