package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"foreman/internal/logging"
	"foreman/internal/store"
)

const (
	// heartbeatCacheWindow suppresses redundant heartbeat UPDATEs arriving
	// within this window. Advisory only; correctness lives in the DB.
	heartbeatCacheWindow = time.Second
	heartbeatCacheSize   = 1024
)

const taskColumns = `id, task_id, task_type, subagent_name, status, started_at,
	last_heartbeat, progress_percentage, current_state, project_id, description`

const checkpointColumns = `id, task_id, deployment_queue_id, serialized_state,
	checkpoint_type, created_at, is_active`

// Tracker is the durable task registry. All mutations run in a single
// transaction per call; row-level mutual exclusion comes from the database.
type Tracker struct {
	db        *store.DB
	logger    logging.Logger
	warnAfter time.Duration
	hbCache   *lru.Cache[string, time.Time]
}

// TrackerOptions configure a Tracker.
type TrackerOptions struct {
	// WarnAfter flags tasks in ActiveTasks views that have been alive longer
	// than this. Zero disables the flag.
	WarnAfter time.Duration
	Logger    logging.Logger
}

// NewTracker creates a Tracker over the given store.
func NewTracker(db *store.DB, opts TrackerOptions) *Tracker {
	cache, _ := lru.New[string, time.Time](heartbeatCacheSize)
	return &Tracker{
		db:        db,
		logger:    logging.OrNop(opts.Logger),
		warnAfter: opts.WarnAfter,
		hbCache:   cache,
	}
}

// RegisterParams holds the inputs for Register.
type RegisterParams struct {
	TaskID       string
	TaskType     string
	Subagent     string
	ProjectID    string
	Description  string
	InitialState json.RawMessage
}

// Register creates a new running task row. Returns ErrDuplicateTask when
// the task identifier is already registered.
func (t *Tracker) Register(ctx context.Context, p RegisterParams) error {
	if p.TaskID == "" {
		return fmt.Errorf("task: task_id is required")
	}
	now := time.Now().UTC()
	query := t.db.Rebind(`INSERT INTO active_tasks
		(task_id, task_type, subagent_name, status, started_at, last_heartbeat,
		 progress_percentage, current_state, project_id, description)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`)
	_, err := t.db.ExecContext(ctx, query,
		p.TaskID, p.TaskType, p.Subagent, StatusRunning, now, now,
		nullableJSON(p.InitialState), nullable(p.ProjectID), nullable(p.Description))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("task %q: %w", p.TaskID, ErrDuplicateTask)
		}
		return fmt.Errorf("task: register %q: %w", p.TaskID, err)
	}
	t.logger.Info("registered task %s (%s/%s)", p.TaskID, p.TaskType, p.Subagent)
	return nil
}

// Unregister marks the task completed, optionally overwriting its state.
func (t *Tracker) Unregister(ctx context.Context, taskID string, finalState json.RawMessage) error {
	var (
		query string
		args  []any
	)
	if len(finalState) > 0 {
		query = `UPDATE active_tasks SET status = ?, current_state = ? WHERE task_id = ?`
		args = []any{StatusCompleted, string(finalState), taskID}
	} else {
		query = `UPDATE active_tasks SET status = ? WHERE task_id = ?`
		args = []any{StatusCompleted, taskID}
	}
	res, err := t.db.ExecContext(ctx, t.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("task: unregister %q: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	t.hbCache.Remove(taskID)
	t.logger.Info("unregistered task %s", taskID)
	return nil
}

// Heartbeat bumps last_heartbeat to now. Calls inside the cache window are
// coalesced and succeed without touching the database.
func (t *Tracker) Heartbeat(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	if last, ok := t.hbCache.Get(taskID); ok && now.Sub(last) < heartbeatCacheWindow {
		return nil
	}
	query := t.db.Rebind(`UPDATE active_tasks SET last_heartbeat = ? WHERE task_id = ?`)
	res, err := t.db.ExecContext(ctx, query, now, taskID)
	if err != nil {
		return fmt.Errorf("task: heartbeat %q: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	t.hbCache.Add(taskID, now)
	return nil
}

// UpdateProgress writes the task's progress percentage, clamped to [0,100].
func (t *Tracker) UpdateProgress(ctx context.Context, taskID string, pct float64) error {
	query := t.db.Rebind(`UPDATE active_tasks SET progress_percentage = ? WHERE task_id = ?`)
	res, err := t.db.ExecContext(ctx, query, clampProgress(pct), taskID)
	if err != nil {
		return fmt.Errorf("task: progress %q: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// UpdateState replaces the task's opaque state blob.
func (t *Tracker) UpdateState(ctx context.Context, taskID string, state json.RawMessage) error {
	query := t.db.Rebind(`UPDATE active_tasks SET current_state = ? WHERE task_id = ?`)
	res, err := t.db.ExecContext(ctx, query, string(state), taskID)
	if err != nil {
		return fmt.Errorf("task: update state %q: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// State returns the task's opaque state blob, nil when unset.
func (t *Tracker) State(ctx context.Context, taskID string) (json.RawMessage, error) {
	var state *string
	query := t.db.Rebind(`SELECT current_state FROM active_tasks WHERE task_id = ?`)
	if err := t.db.GetContext(ctx, &state, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("task: get state %q: %w", taskID, err)
	}
	if state == nil || *state == "" {
		return nil, nil
	}
	return json.RawMessage(*state), nil
}

// Get returns the full task row.
func (t *Tracker) Get(ctx context.Context, taskID string) (*Task, error) {
	var row Task
	query := t.db.Rebind(`SELECT ` + taskColumns + ` FROM active_tasks WHERE task_id = ?`)
	if err := t.db.GetContext(ctx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("task: get %q: %w", taskID, err)
	}
	return &row, nil
}

// CreateCheckpoint appends a new active checkpoint and returns its id.
func (t *Tracker) CreateCheckpoint(ctx context.Context, taskID string, state json.RawMessage, cpType CheckpointType) (int64, error) {
	if cpType == "" {
		cpType = CheckpointManual
	}
	id, err := t.insertCheckpoint(ctx, t.db, taskID, string(state), cpType, nil)
	if err != nil {
		return 0, fmt.Errorf("task: checkpoint %q: %w", taskID, err)
	}
	return id, nil
}

func (t *Tracker) insertCheckpoint(ctx context.Context, q sqlx.ExtContext, taskID, state string, cpType CheckpointType, queueID *int64) (int64, error) {
	return t.db.InsertID(ctx, q, `INSERT INTO task_checkpoints
		(task_id, deployment_queue_id, serialized_state, checkpoint_type, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, queueID, state, cpType, time.Now().UTC(), true)
}

// LatestCheckpoint returns the newest active checkpoint for the task, or
// nil when none exists. Rows are compared in memory so the result does not
// depend on engine-specific timestamp collation.
func (t *Tracker) LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	query := t.db.Rebind(`SELECT ` + checkpointColumns + `
		FROM task_checkpoints WHERE task_id = ? AND is_active = ?`)
	var rows []Checkpoint
	if err := t.db.SelectContext(ctx, &rows, query, taskID, true); err != nil {
		return nil, fmt.Errorf("task: latest checkpoint %q: %w", taskID, err)
	}
	return newestCheckpoint(rows), nil
}

// CheckpointByID fetches a checkpoint regardless of its active flag.
func (t *Tracker) CheckpointByID(ctx context.Context, id int64) (*Checkpoint, error) {
	var row Checkpoint
	query := t.db.Rebind(`SELECT ` + checkpointColumns + ` FROM task_checkpoints WHERE id = ?`)
	if err := t.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("task: checkpoint #%d: %w", id, err)
	}
	return &row, nil
}

func newestCheckpoint(rows []Checkpoint) *Checkpoint {
	var best *Checkpoint
	for i := range rows {
		cp := &rows[i]
		if best == nil || cp.CreatedAt.After(best.CreatedAt) ||
			(cp.CreatedAt.Equal(best.CreatedAt) && cp.ID > best.ID) {
			best = cp
		}
	}
	return best
}

// Pause transitions a running task to paused, writing a pre_deploy
// checkpoint first when the task carries state. Atomic per task.
func (t *Tracker) Pause(ctx context.Context, taskID string) error {
	return t.pauseTask(ctx, taskID, nil)
}

func (t *Tracker) pauseTask(ctx context.Context, taskID string, queueID *int64) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("task: pause %q: %w", taskID, err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := getTaskTx(ctx, t.db, tx, taskID)
	if err != nil {
		return err
	}
	if row.Status != StatusRunning {
		return fmt.Errorf("task %q in state %s: %w", taskID, row.Status, ErrNotRunning)
	}

	if row.CurrentState != nil && *row.CurrentState != "" {
		if _, err := t.insertCheckpoint(ctx, tx, taskID, *row.CurrentState, CheckpointPreDeploy, queueID); err != nil {
			return fmt.Errorf("task: pause checkpoint %q: %w", taskID, err)
		}
	}

	update := t.db.Rebind(`UPDATE active_tasks SET status = ? WHERE task_id = ?`)
	if _, err := tx.ExecContext(ctx, update, StatusPaused, taskID); err != nil {
		return fmt.Errorf("task: pause %q: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("task: pause %q: %w", taskID, err)
	}
	t.logger.Info("paused task %s", taskID)
	return nil
}

// Resume transitions a paused task back to running, restoring the latest
// active checkpoint into current_state and retiring that checkpoint.
func (t *Tracker) Resume(ctx context.Context, taskID string) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("task: resume %q: %w", taskID, err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := getTaskTx(ctx, t.db, tx, taskID)
	if err != nil {
		return err
	}
	if row.Status != StatusPaused {
		return fmt.Errorf("task %q in state %s: %w", taskID, row.Status, ErrNotPaused)
	}

	var rows []Checkpoint
	sel := t.db.Rebind(`SELECT ` + checkpointColumns + `
		FROM task_checkpoints WHERE task_id = ? AND is_active = ?`)
	if err := sqlx.SelectContext(ctx, tx, &rows, sel, taskID, true); err != nil {
		return fmt.Errorf("task: resume %q: %w", taskID, err)
	}

	if cp := newestCheckpoint(rows); cp != nil {
		restore := t.db.Rebind(`UPDATE active_tasks SET current_state = ? WHERE task_id = ?`)
		if _, err := tx.ExecContext(ctx, restore, cp.SerializedState, taskID); err != nil {
			return fmt.Errorf("task: resume restore %q: %w", taskID, err)
		}
		retire := t.db.Rebind(`UPDATE task_checkpoints SET is_active = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, retire, false, cp.ID); err != nil {
			return fmt.Errorf("task: resume retire checkpoint %q: %w", taskID, err)
		}
	}

	update := t.db.Rebind(`UPDATE active_tasks SET status = ? WHERE task_id = ?`)
	if _, err := tx.ExecContext(ctx, update, StatusRunning, taskID); err != nil {
		return fmt.Errorf("task: resume %q: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("task: resume %q: %w", taskID, err)
	}
	t.logger.Info("resumed task %s", taskID)
	return nil
}

func getTaskTx(ctx context.Context, db *store.DB, tx *sqlx.Tx, taskID string) (*Task, error) {
	var row Task
	query := db.Rebind(`SELECT ` + taskColumns + ` FROM active_tasks WHERE task_id = ?`)
	if err := sqlx.GetContext(ctx, tx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("task: get %q: %w", taskID, err)
	}
	return &row, nil
}

// PauseAllActive pauses every running task, each in its own transaction.
// queueID, when non-nil, is stamped onto the pre_deploy checkpoints so they
// can be traced back to the deployment that caused them. Returns the number
// of tasks paused.
func (t *Tracker) PauseAllActive(ctx context.Context, queueID *int64) (int, error) {
	ids, err := t.taskIDsByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}
	paused := 0
	for _, id := range ids {
		if err := t.pauseTask(ctx, id, queueID); err != nil {
			// A task finishing between the list and the pause is expected.
			t.logger.Warn("pause %s skipped: %v", id, err)
			continue
		}
		paused++
	}
	return paused, nil
}

// ResumeAllPaused resumes every paused task. Returns the number resumed.
func (t *Tracker) ResumeAllPaused(ctx context.Context) (int, error) {
	ids, err := t.taskIDsByStatus(ctx, StatusPaused)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		if err := t.Resume(ctx, id); err != nil {
			t.logger.Warn("resume %s skipped: %v", id, err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

func (t *Tracker) taskIDsByStatus(ctx context.Context, status Status) ([]string, error) {
	var ids []string
	query := t.db.Rebind(`SELECT task_id FROM active_tasks WHERE status = ?`)
	if err := t.db.SelectContext(ctx, &ids, query, status); err != nil {
		return nil, fmt.Errorf("task: list by status %s: %w", status, err)
	}
	return ids, nil
}

// ActiveTasks returns non-terminal tasks as view records, optionally
// filtered by project or subagent.
func (t *Tracker) ActiveTasks(ctx context.Context, filter Filter) ([]View, error) {
	query := `SELECT ` + taskColumns + ` FROM active_tasks WHERE status IN (?, ?)`
	args := []any{StatusRunning, StatusPaused}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Subagent != "" {
		query += ` AND subagent_name = ?`
		args = append(args, filter.Subagent)
	}
	var rows []Task
	if err := t.db.SelectContext(ctx, &rows, t.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("task: active tasks: %w", err)
	}

	now := time.Now().UTC()
	views := make([]View, 0, len(rows))
	for _, row := range rows {
		elapsed := now.Sub(row.StartedAt)
		views = append(views, View{
			Task:           row,
			ElapsedSeconds: elapsed.Seconds(),
			Warning:        t.warnAfter > 0 && elapsed > t.warnAfter,
		})
	}
	return views, nil
}

// ActiveCount returns the number of tasks with status running.
func (t *Tracker) ActiveCount(ctx context.Context) (int, error) {
	var count int
	query := t.db.Rebind(`SELECT COUNT(*) FROM active_tasks WHERE status = ?`)
	if err := t.db.GetContext(ctx, &count, query, StatusRunning); err != nil {
		return 0, fmt.Errorf("task: active count: %w", err)
	}
	return count, nil
}

// CleanupStale fails running tasks whose heartbeat is strictly older than
// now minus maxAge. A heartbeat exactly at the bound is considered fresh.
// Ages are compared in Go to stay portable across engines.
func (t *Tracker) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	var rows []Task
	query := t.db.Rebind(`SELECT ` + taskColumns + ` FROM active_tasks WHERE status = ?`)
	if err := t.db.SelectContext(ctx, &rows, query, StatusRunning); err != nil {
		return 0, fmt.Errorf("task: cleanup stale: %w", err)
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var stale []string
	for _, row := range rows {
		if row.LastHeartbeat.Before(cutoff) {
			stale = append(stale, row.TaskID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`UPDATE active_tasks SET status = ? WHERE task_id IN (?)`, StatusFailed, stale)
	if err != nil {
		return 0, fmt.Errorf("task: cleanup stale: %w", err)
	}
	if _, err := t.db.ExecContext(ctx, t.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("task: cleanup stale: %w", err)
	}
	for _, id := range stale {
		t.hbCache.Remove(id)
	}
	t.logger.Warn("failed %d stale task(s): %v", len(stale), stale)
	return len(stale), nil
}

// PurgeCheckpoints deletes checkpoints older than the retention window and
// returns the number removed.
func (t *Tracker) PurgeCheckpoints(ctx context.Context, retention time.Duration) (int, error) {
	type cpAge struct {
		ID        int64     `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	var rows []cpAge
	if err := t.db.SelectContext(ctx, &rows, `SELECT id, created_at FROM task_checkpoints`); err != nil {
		return 0, fmt.Errorf("task: purge checkpoints: %w", err)
	}

	cutoff := time.Now().UTC().Add(-retention)
	var old []int64
	for _, row := range rows {
		if row.CreatedAt.Before(cutoff) {
			old = append(old, row.ID)
		}
	}
	if len(old) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM task_checkpoints WHERE id IN (?)`, old)
	if err != nil {
		return 0, fmt.Errorf("task: purge checkpoints: %w", err)
	}
	if _, err := t.db.ExecContext(ctx, t.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("task: purge checkpoints: %w", err)
	}
	t.logger.Info("purged %d checkpoint(s) older than %s", len(old), cutoff.Format(time.RFC3339))
	return len(old), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
