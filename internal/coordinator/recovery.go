package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"foreman/internal/logging"
	"foreman/internal/queue"
	"foreman/internal/store"
	"foreman/internal/task"
)

// interruptedMessage is recorded on deployments that were mid-flight when
// the process died.
const interruptedMessage = "Deployment interrupted by system restart"

// RecoveredTask describes one task moved to paused during startup recovery.
type RecoveredTask struct {
	TaskID       string
	TaskType     string
	Subagent     string
	Checkpointed bool
	HeartbeatAge time.Duration
	ProgressPct  float64
}

// InterruptedDeployment describes one queue item failed during recovery.
type InterruptedDeployment struct {
	ID            int64
	Type          queue.DeploymentType
	TargetService string
	Retryable     bool
}

// RecoveryReport summarizes what startup recovery changed.
type RecoveryReport struct {
	PausedTasks            []RecoveredTask
	InterruptedDeployments []InterruptedDeployment
}

// String renders the report for operators. Empty reports say so.
func (r *RecoveryReport) String() string {
	if len(r.PausedTasks) == 0 && len(r.InterruptedDeployments) == 0 {
		return "recovery: nothing to do"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "recovery: paused %d task(s), failed %d interrupted deployment(s)\n",
		len(r.PausedTasks), len(r.InterruptedDeployments))
	for _, t := range r.PausedTasks {
		fmt.Fprintf(&b, "  task %s (%s/%s) heartbeat age %s checkpointed=%t\n",
			t.TaskID, t.TaskType, t.Subagent, t.HeartbeatAge.Round(time.Second), t.Checkpointed)
	}
	for _, d := range r.InterruptedDeployments {
		fmt.Fprintf(&b, "  deployment #%d (%s of %s) retryable=%t\n",
			d.ID, d.Type, d.TargetService, d.Retryable)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Recovery reconciles persisted state with reality after a restart: tasks
// still marked running belong to dead processes and are paused with a
// recovery checkpoint; deployments stuck in processing are failed.
type Recovery struct {
	db      *store.DB
	tracker *task.Tracker
	logger  logging.Logger
}

// NewRecovery creates a Recovery over the given store.
func NewRecovery(db *store.DB, tracker *task.Tracker, logger logging.Logger) *Recovery {
	return &Recovery{db: db, tracker: tracker, logger: logging.OrNop(logger)}
}

// Run performs startup recovery. Idempotent: a second call on a recovered
// database finds nothing to do.
func (r *Recovery) Run(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	paused, err := r.pauseOrphanedTasks(ctx)
	if err != nil {
		return nil, err
	}
	report.PausedTasks = paused

	failed, err := r.failInterruptedDeployments(ctx)
	if err != nil {
		return nil, err
	}
	report.InterruptedDeployments = failed

	if len(paused) > 0 || len(failed) > 0 {
		r.logger.Warn("%s", report.String())
	} else {
		r.logger.Info("recovery: clean start, nothing to reconcile")
	}
	return report, nil
}

func (r *Recovery) pauseOrphanedTasks(ctx context.Context) ([]RecoveredTask, error) {
	query := r.db.Rebind(`SELECT id, task_id, task_type, subagent_name, status, started_at,
		last_heartbeat, progress_percentage, current_state, project_id, description
		FROM active_tasks WHERE status = ?`)
	var rows []task.Task
	if err := r.db.SelectContext(ctx, &rows, query, task.StatusRunning); err != nil {
		return nil, fmt.Errorf("recovery: list running tasks: %w", err)
	}

	now := time.Now().UTC()
	recovered := make([]RecoveredTask, 0, len(rows))
	for _, row := range rows {
		checkpointed, err := r.pauseWithCheckpoint(ctx, row)
		if err != nil {
			return nil, err
		}
		recovered = append(recovered, RecoveredTask{
			TaskID:       row.TaskID,
			TaskType:     row.TaskType,
			Subagent:     row.Subagent,
			Checkpointed: checkpointed,
			HeartbeatAge: now.Sub(row.LastHeartbeat),
			ProgressPct:  row.Progress,
		})
	}
	return recovered, nil
}

// pauseWithCheckpoint pauses one orphaned task, writing its recovery
// checkpoint in the same transaction so a crash mid-recovery cannot leave
// a checkpoint for a task that is still marked running.
func (r *Recovery) pauseWithCheckpoint(ctx context.Context, row task.Task) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("recovery: pause %q: %w", row.TaskID, err)
	}
	defer func() { _ = tx.Rollback() }()

	checkpointed := false
	if row.CurrentState != nil && *row.CurrentState != "" {
		_, err := r.db.InsertID(ctx, tx, `INSERT INTO task_checkpoints
			(task_id, serialized_state, checkpoint_type, created_at, is_active)
			VALUES (?, ?, ?, ?, ?)`,
			row.TaskID, *row.CurrentState, task.CheckpointRecovery, time.Now().UTC(), true)
		if err != nil {
			return false, fmt.Errorf("recovery: checkpoint %q: %w", row.TaskID, err)
		}
		checkpointed = true
	}

	update := r.db.Rebind(`UPDATE active_tasks SET status = ? WHERE task_id = ?`)
	if _, err := tx.ExecContext(ctx, update, task.StatusPaused, row.TaskID); err != nil {
		return false, fmt.Errorf("recovery: pause %q: %w", row.TaskID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("recovery: pause %q: %w", row.TaskID, err)
	}
	return checkpointed, nil
}

func (r *Recovery) failInterruptedDeployments(ctx context.Context) ([]InterruptedDeployment, error) {
	query := r.db.Rebind(`SELECT id, deployment_type, target_service, priority, status,
		requested_by, reason, created_at, scheduled_at, started_at, completed_at,
		requires_state_pause, error_message, retry_count, max_retries
		FROM deployment_queue WHERE status = ?`)
	var rows []queue.Item
	if err := r.db.SelectContext(ctx, &rows, query, queue.StatusProcessing); err != nil {
		return nil, fmt.Errorf("recovery: list processing deployments: %w", err)
	}

	now := time.Now().UTC()
	failed := make([]InterruptedDeployment, 0, len(rows))
	for _, row := range rows {
		update := r.db.Rebind(`UPDATE deployment_queue
			SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`)
		if _, err := r.db.ExecContext(ctx, update, queue.StatusFailed, interruptedMessage, now, row.ID); err != nil {
			return nil, fmt.Errorf("recovery: fail deployment #%d: %w", row.ID, err)
		}
		failed = append(failed, InterruptedDeployment{
			ID:            row.ID,
			Type:          row.Type,
			TargetService: row.TargetService,
			Retryable:     row.RetryCount < row.MaxRetries,
		})
	}
	return failed, nil
}
