package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"foreman/internal/logging"
	"foreman/internal/notify"
	"foreman/internal/store"
)

const itemColumns = `id, deployment_type, target_service, priority, status,
	requested_by, reason, created_at, scheduled_at, started_at, completed_at,
	requires_state_pause, error_message, retry_count, max_retries`

// WorkerCounter reports the number of currently running tasks. Injected by
// the facade so the queue stays decoupled from the task tracker.
type WorkerCounter func(ctx context.Context) (int, error)

// Manager owns the deployment queue. A process-local mutex serializes its
// mutating calls on top of the per-statement DB atomicity.
type Manager struct {
	db          *store.DB
	logger      logging.Logger
	notifier    *notify.Notifier
	workerCount WorkerCounter
	maxRetries  int

	mu sync.Mutex
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// MaxRetries is stamped onto new items. Zero means the default of 3.
	MaxRetries int
	Notifier   *notify.Notifier
	Logger     logging.Logger
}

// NewManager creates a queue Manager over the given store.
func NewManager(db *store.DB, opts ManagerOptions) *Manager {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Manager{
		db:         db,
		logger:     logging.OrNop(opts.Logger),
		notifier:   opts.Notifier,
		maxRetries: maxRetries,
	}
}

// SetWorkerCounter installs the live-worker callback. A nil counter falls
// back to a direct query on the active task table.
func (m *Manager) SetWorkerCounter(fn WorkerCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerCount = fn
}

// AddParams holds the inputs for Add.
type AddParams struct {
	Type          DeploymentType
	TargetService string
	RequestedBy   string
	Reason        string
	// Priority zero means "pick the policy default": high for destructive
	// actions, normal otherwise.
	Priority    Priority
	ScheduledAt *time.Time
}

// Add enqueues a deployment request and returns its queue id.
func (m *Manager) Add(ctx context.Context, p AddParams) (int64, error) {
	if !p.Type.IsValid() {
		return 0, fmt.Errorf("queue: %q: %w", p.Type, ErrInvalidDeploymentType)
	}
	if p.TargetService == "" {
		return 0, fmt.Errorf("queue: target service is required")
	}

	destructive := p.Type.IsDestructive()
	priority := p.Priority
	if priority == 0 {
		if destructive {
			priority = PriorityHigh
		} else {
			priority = PriorityNormal
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.db.InsertID(ctx, m.db, `INSERT INTO deployment_queue
		(deployment_type, target_service, priority, status, requested_by, reason,
		 created_at, scheduled_at, requires_state_pause, retry_count, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		p.Type, p.TargetService, priority, StatusPending,
		nullable(p.RequestedBy), nullable(p.Reason),
		time.Now().UTC(), p.ScheduledAt, destructive, m.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("queue: add: %w", err)
	}

	m.logger.Info("queued %s of %s as #%d (priority=%s destructive=%t)",
		p.Type, p.TargetService, id, priority, destructive)

	if destructive {
		m.notifier.Send(ctx, p.RequestedBy,
			fmt.Sprintf("Deployment queued: %s of %s (#%d). Active tasks will be paused before it runs.",
				p.Type, p.TargetService, id),
			notify.EventQueueAdded, &id)
	}
	return id, nil
}

// Get returns the queue item with the given id.
func (m *Manager) Get(ctx context.Context, id int64) (*Item, error) {
	var item Item
	query := m.db.Rebind(`SELECT ` + itemColumns + ` FROM deployment_queue WHERE id = ?`)
	if err := m.db.GetContext(ctx, &item, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queue item #%d: %w", id, ErrItemNotFound)
		}
		return nil, fmt.Errorf("queue: get #%d: %w", id, err)
	}
	return &item, nil
}

// NextPending returns the next item eligible to run, or nil when the queue
// has none. Eligible means pending (or parked waiting for workers) with no
// scheduled_at in the future. Ordering is priority descending, then
// created_at descending: newer high-priority items preempt older ones.
func (m *Manager) NextPending(ctx context.Context) (*Item, error) {
	items, err := m.eligibleItems(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	sortItems(items)
	return &items[0], nil
}

func (m *Manager) eligibleItems(ctx context.Context) ([]Item, error) {
	query := m.db.Rebind(`SELECT ` + itemColumns + `
		FROM deployment_queue WHERE status IN (?, ?)`)
	var rows []Item
	if err := m.db.SelectContext(ctx, &rows, query, StatusPending, StatusWaitingForWorkers); err != nil {
		return nil, fmt.Errorf("queue: pending: %w", err)
	}
	now := time.Now().UTC()
	eligible := rows[:0]
	for _, item := range rows {
		if item.ScheduledAt != nil && item.ScheduledAt.After(now) {
			continue
		}
		eligible = append(eligible, item)
	}
	return eligible, nil
}

// Snapshot returns every queue item, open items first in serving order,
// then terminal items newest first.
func (m *Manager) Snapshot(ctx context.Context) ([]Item, error) {
	var rows []Item
	if err := m.db.SelectContext(ctx, &rows, `SELECT `+itemColumns+` FROM deployment_queue`); err != nil {
		return nil, fmt.Errorf("queue: snapshot: %w", err)
	}
	var open, done []Item
	for _, item := range rows {
		if item.Status.IsTerminal() {
			done = append(done, item)
		} else {
			open = append(open, item)
		}
	}
	sortItems(open)
	sortItems(done)
	return append(open, done...), nil
}

// UpdateStatus transitions the item, stamping started_at when it enters
// processing and completed_at when it reaches a terminal status. The error
// message is recorded on failure and cleared otherwise.
func (m *Manager) UpdateStatus(ctx context.Context, id int64, status Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusLocked(ctx, id, status, errMsg)
}

func (m *Manager) updateStatusLocked(ctx context.Context, id int64, status Status, errMsg string) error {
	now := time.Now().UTC()
	query := `UPDATE deployment_queue SET status = ?`
	args := []any{status}
	if status == StatusProcessing {
		query += `, started_at = ?`
		args = append(args, now)
	}
	if status.IsTerminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	if status == StatusFailed {
		if errMsg != "" {
			query += `, error_message = ?`
			args = append(args, errMsg)
		}
	} else {
		query += `, error_message = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := m.db.ExecContext(ctx, m.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("queue: update #%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item #%d: %w", id, ErrItemNotFound)
	}
	m.logger.Debug("queue item #%d -> %s", id, status)
	return nil
}

// Cancel marks the item cancelled. Honored only while the item has not
// started processing.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := m.db.Rebind(`UPDATE deployment_queue
		SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`)
	res, err := m.db.ExecContext(ctx, query,
		StatusCancelled, time.Now().UTC(), id, StatusPending, StatusWaitingForWorkers)
	if err != nil {
		return fmt.Errorf("queue: cancel #%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := m.getLocked(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("queue item #%d: %w", id, ErrNotCancellable)
	}
	m.logger.Info("cancelled queue item #%d", id)
	return nil
}

func (m *Manager) getLocked(ctx context.Context, id int64) (*Item, error) {
	var item Item
	query := m.db.Rebind(`SELECT ` + itemColumns + ` FROM deployment_queue WHERE id = ?`)
	if err := m.db.GetContext(ctx, &item, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queue item #%d: %w", id, ErrItemNotFound)
		}
		return nil, fmt.Errorf("queue: get #%d: %w", id, err)
	}
	return &item, nil
}

// CheckCanProceed decides whether the item may enter processing. Returns
// false with a reason when the item is missing, already past pending, or
// destructive while workers are still running; in the latter case the item
// is parked as waiting_for_workers as a side effect.
func (m *Manager) CheckCanProceed(ctx context.Context, id int64) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.getLocked(ctx, id)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return false, "item not found", nil
		}
		return false, "", err
	}
	if item.Status != StatusPending && item.Status != StatusWaitingForWorkers {
		return false, fmt.Sprintf("item is %s, not pending", item.Status), nil
	}

	if item.RequiresStatePause {
		workers, err := m.countWorkers(ctx)
		if err != nil {
			return false, "", fmt.Errorf("queue: worker count: %w", err)
		}
		if workers > 0 {
			if item.Status == StatusPending {
				if err := m.updateStatusLocked(ctx, id, StatusWaitingForWorkers, ""); err != nil {
					return false, "", err
				}
			}
			return false, fmt.Sprintf("%d active worker(s) still running", workers), nil
		}
	}
	return true, "", nil
}

func (m *Manager) countWorkers(ctx context.Context) (int, error) {
	if m.workerCount != nil {
		return m.workerCount(ctx)
	}
	// Fallback: query the task table directly.
	var count int
	query := m.db.Rebind(`SELECT COUNT(*) FROM active_tasks WHERE status = ?`)
	if err := m.db.GetContext(ctx, &count, query, "running"); err != nil {
		return 0, err
	}
	return count, nil
}

// RetryFailed resets failed items that still have retry budget back to
// pending, clearing their error and incrementing retry_count. Returns the
// number of items resurrected.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := m.db.Rebind(`UPDATE deployment_queue
		SET status = ?, error_message = NULL, retry_count = retry_count + 1,
		    started_at = NULL, completed_at = NULL
		WHERE status = ? AND retry_count < max_retries`)
	res, err := m.db.ExecContext(ctx, query, StatusPending, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("queue: retry failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.logger.Info("reset %d failed deployment(s) to pending", n)
	}
	return int(n), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
