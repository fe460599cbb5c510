// Package schedule implements the cron-triggered recurring job engine:
// registration with validated five-field expressions, due-job selection,
// and next-fire advancement anchored on the last run.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"foreman/internal/logging"
	"foreman/internal/store"
)

// RunStatus is the outcome of a job's most recent fire.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunRunning RunStatus = "running"
)

// Job is one row of the scheduled job table.
type Job struct {
	ID               int64      `db:"id"`
	JobID            string     `db:"job_id"`
	Name             string     `db:"job_name"`
	CronExpression   string     `db:"cron_expression"`
	IsEnabled        bool       `db:"is_enabled"`
	IsRunning        bool       `db:"is_running"`
	LastRun          *time.Time `db:"last_run"`
	NextRun          *time.Time `db:"next_run"`
	LastStatus       *string    `db:"last_status"`
	LastCheckpointID *int64     `db:"last_checkpoint_id"`
	AutoResume       bool       `db:"auto_resume"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

var (
	// ErrInvalidCron is returned when an expression fails to parse.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrJobNotFound is returned when no job matches the identifier.
	ErrJobNotFound = errors.New("scheduled job not found")
)

const jobColumns = `id, job_id, job_name, cron_expression, is_enabled, is_running,
	last_run, next_run, last_status, last_checkpoint_id, auto_resume,
	created_at, updated_at`

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextAfter returns the first fire time strictly after anchor for the
// expression, evaluated in UTC.
func NextAfter(expr string, anchor time.Time) (time.Time, error) {
	if strings.Contains(expr, "=") {
		// TZ/CRON_TZ overrides are not part of the contract.
		return time.Time{}, fmt.Errorf("%q: %w", expr, ErrInvalidCron)
	}
	sched, err := cronParser.Parse("CRON_TZ=UTC " + expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q: %w", expr, ErrInvalidCron)
	}
	return sched.Next(anchor.UTC()), nil
}

// ValidateExpression checks a five-field cron expression.
func ValidateExpression(expr string) error {
	_, err := NextAfter(expr, time.Now())
	return err
}

// Engine persists and advances scheduled jobs. Execution bodies live
// outside this package; the coordinator injects them.
type Engine struct {
	db     *store.DB
	logger logging.Logger
}

// NewEngine creates an Engine over the given store.
func NewEngine(db *store.DB, logger logging.Logger) *Engine {
	return &Engine{db: db, logger: logging.OrNop(logger)}
}

// RegisterParams holds the inputs for Register.
type RegisterParams struct {
	JobID      string
	Name       string
	CronExpr   string
	AutoResume bool
}

// Register upserts a scheduled job by job_id, validating the cron
// expression and precomputing next_run from now.
func (e *Engine) Register(ctx context.Context, p RegisterParams) (int64, error) {
	if p.JobID == "" {
		return 0, fmt.Errorf("schedule: job_id is required")
	}
	next, err := NextAfter(p.CronExpr, time.Now())
	if err != nil {
		return 0, fmt.Errorf("schedule: register %q: %w", p.JobID, err)
	}

	now := time.Now().UTC()
	if existing, err := e.Get(ctx, p.JobID); err == nil {
		update := e.db.Rebind(`UPDATE scheduled_jobs
			SET job_name = ?, cron_expression = ?, auto_resume = ?, next_run = ?, updated_at = ?
			WHERE job_id = ?`)
		if _, err := e.db.ExecContext(ctx, update, p.Name, p.CronExpr, p.AutoResume, next, now, p.JobID); err != nil {
			return 0, fmt.Errorf("schedule: update %q: %w", p.JobID, err)
		}
		return existing.ID, nil
	} else if !errors.Is(err, ErrJobNotFound) {
		return 0, err
	}

	id, err := e.db.InsertID(ctx, e.db, `INSERT INTO scheduled_jobs
		(job_id, job_name, cron_expression, is_enabled, is_running, next_run,
		 auto_resume, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.JobID, p.Name, p.CronExpr, true, false, next, p.AutoResume, now, now)
	if err != nil {
		return 0, fmt.Errorf("schedule: register %q: %w", p.JobID, err)
	}
	e.logger.Info("registered job %s (%s) next run %s", p.JobID, p.CronExpr, next.Format(time.RFC3339))
	return id, nil
}

// Get returns the job with the given job_id.
func (e *Engine) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := e.db.Rebind(`SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE job_id = ?`)
	if err := e.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %q: %w", jobID, ErrJobNotFound)
		}
		return nil, fmt.Errorf("schedule: get %q: %w", jobID, err)
	}
	return &job, nil
}

// List returns every scheduled job.
func (e *Engine) List(ctx context.Context) ([]Job, error) {
	var jobs []Job
	if err := e.db.SelectContext(ctx, &jobs, `SELECT `+jobColumns+` FROM scheduled_jobs`); err != nil {
		return nil, fmt.Errorf("schedule: list: %w", err)
	}
	return jobs, nil
}

// Due returns jobs eligible to fire now: enabled, not already running,
// with next_run reached. A job with no next_run is suspended (its
// expression stopped parsing) and stays dormant until re-registered.
// Times are compared in Go.
func (e *Engine) Due(ctx context.Context) ([]Job, error) {
	query := e.db.Rebind(`SELECT ` + jobColumns + `
		FROM scheduled_jobs WHERE is_enabled = ? AND is_running = ?`)
	var jobs []Job
	if err := e.db.SelectContext(ctx, &jobs, query, true, false); err != nil {
		return nil, fmt.Errorf("schedule: due: %w", err)
	}
	now := time.Now().UTC()
	due := jobs[:0]
	for _, job := range jobs {
		if job.NextRun != nil && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	return due, nil
}

// MarkRunning flags the job as in flight and stamps last_run.
func (e *Engine) MarkRunning(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	query := e.db.Rebind(`UPDATE scheduled_jobs
		SET is_running = ?, last_run = ?, last_status = ?, updated_at = ?
		WHERE job_id = ?`)
	res, err := e.db.ExecContext(ctx, query, true, now, string(RunRunning), now, jobID)
	if err != nil {
		return fmt.Errorf("schedule: mark running %q: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Complete records the run outcome and advances next_run from the last_run
// anchor. An expression that no longer parses leaves next_run unset and
// suspends the job until it is edited.
func (e *Engine) Complete(ctx context.Context, jobID string, ok bool, checkpointID *int64) error {
	job, err := e.Get(ctx, jobID)
	if err != nil {
		return err
	}

	anchor := time.Now().UTC()
	if job.LastRun != nil {
		anchor = *job.LastRun
	}
	var next *time.Time
	if n, err := NextAfter(job.CronExpression, anchor); err != nil {
		e.logger.Error("job %s has invalid cron %q; suspending until edited: %v",
			jobID, job.CronExpression, err)
	} else {
		next = &n
	}

	status := RunSuccess
	if !ok {
		status = RunFailed
	}

	now := time.Now().UTC()
	query := `UPDATE scheduled_jobs
		SET is_running = ?, last_status = ?, next_run = ?, updated_at = ?`
	args := []any{false, string(status), next, now}
	if checkpointID != nil {
		query += `, last_checkpoint_id = ?`
		args = append(args, *checkpointID)
	}
	query += ` WHERE job_id = ?`
	args = append(args, jobID)

	if _, err := e.db.ExecContext(ctx, e.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("schedule: complete %q: %w", jobID, err)
	}
	return nil
}

// SetEnabled toggles whether the job may fire.
func (e *Engine) SetEnabled(ctx context.Context, jobID string, enabled bool) error {
	query := e.db.Rebind(`UPDATE scheduled_jobs SET is_enabled = ?, updated_at = ? WHERE job_id = ?`)
	res, err := e.db.ExecContext(ctx, query, enabled, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("schedule: set enabled %q: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Delete removes the job.
func (e *Engine) Delete(ctx context.Context, jobID string) error {
	query := e.db.Rebind(`DELETE FROM scheduled_jobs WHERE job_id = ?`)
	res, err := e.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("schedule: delete %q: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", jobID, ErrJobNotFound)
	}
	return nil
}
