// Package task implements the durable registry of active agent work:
// registration, heartbeats, progress, opaque state blobs, checkpoints, and
// the pause/resume cycle used by destructive deployments.
package task

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of an active task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CheckpointType classifies why a checkpoint was written.
type CheckpointType string

const (
	CheckpointManual    CheckpointType = "manual"
	CheckpointAuto      CheckpointType = "auto"
	CheckpointPreDeploy CheckpointType = "pre_deploy"
	CheckpointRecovery  CheckpointType = "recovery"
)

// Task is one row of the active task registry. TaskID is the externally
// supplied identifier; ID is the surrogate key.
type Task struct {
	ID            int64     `db:"id"`
	TaskID        string    `db:"task_id"`
	TaskType      string    `db:"task_type"`
	Subagent      string    `db:"subagent_name"`
	Status        Status    `db:"status"`
	StartedAt     time.Time `db:"started_at"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	Progress      float64   `db:"progress_percentage"`
	CurrentState  *string   `db:"current_state"`
	ProjectID     *string   `db:"project_id"`
	Description   *string   `db:"description"`
}

// Checkpoint is an immutable snapshot of a task's serialized state.
type Checkpoint struct {
	ID                int64          `db:"id"`
	TaskID            string         `db:"task_id"`
	DeploymentQueueID *int64         `db:"deployment_queue_id"`
	SerializedState   string         `db:"serialized_state"`
	Type              CheckpointType `db:"checkpoint_type"`
	CreatedAt         time.Time      `db:"created_at"`
	IsActive          bool           `db:"is_active"`
}

// View is the read model returned by ActiveTasks: the task row plus
// derived fields for operators.
type View struct {
	Task
	ElapsedSeconds float64
	Warning        bool
}

// Filter narrows ActiveTasks results.
type Filter struct {
	ProjectID string
	Subagent  string
}

var (
	// ErrTaskNotFound is returned when no row exists for the task identifier.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned by Register when the identifier is taken.
	ErrDuplicateTask = errors.New("task already registered")
	// ErrNotRunning is returned by Pause when the task is not running.
	ErrNotRunning = errors.New("task is not running")
	// ErrNotPaused is returned by Resume when the task is not paused.
	ErrNotPaused = errors.New("task is not paused")
)

// clampProgress bounds a progress percentage to [0,100].
func clampProgress(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
