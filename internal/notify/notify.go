// Package notify routes orchestrator events to an external chat or alerting
// channel and records every delivery in an append-only audit log.
package notify

import (
	"context"
	"fmt"
	"time"

	"foreman/internal/logging"
	"foreman/internal/store"
)

// Handler delivers a message to a user on an external channel.
// Fire-and-forget; errors are the handler's problem.
type Handler func(ctx context.Context, userID, message string)

// Event types recorded in the notification log.
const (
	EventQueueAdded       = "queue_added"
	EventDeployStarted    = "deployment_started"
	EventDeployCompleted  = "deployment_completed"
	EventDeployFailed     = "deployment_failed"
	EventScheduledJobDone = "scheduled_job"
)

// Record is one row of the notification audit log.
type Record struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	Message   string    `db:"message"`
	EventType string    `db:"event_type"`
	QueueID   *int64    `db:"queue_id"`
	CreatedAt time.Time `db:"created_at"`
}

// Notifier combines the delivery handler with the audit log. A nil handler
// is tolerated; deliveries are then log-only.
type Notifier struct {
	db      *store.DB
	handler Handler
	logger  logging.Logger
}

// New creates a Notifier over the given store.
func New(db *store.DB, handler Handler, logger logging.Logger) *Notifier {
	return &Notifier{db: db, handler: handler, logger: logging.OrNop(logger)}
}

// SetHandler swaps the delivery handler.
func (n *Notifier) SetHandler(handler Handler) {
	n.handler = handler
}

// Send delivers the message to userID (when a handler is wired and userID
// is non-empty) and appends an audit record either way.
func (n *Notifier) Send(ctx context.Context, userID, message, eventType string, queueID *int64) {
	if n == nil {
		return
	}
	if n.handler != nil && userID != "" {
		n.handler(ctx, userID, message)
	}
	if err := n.log(ctx, userID, message, eventType, queueID); err != nil {
		n.logger.Warn("notification log write failed: %v", err)
	}
}

func (n *Notifier) log(ctx context.Context, userID, message, eventType string, queueID *int64) error {
	if n.db == nil {
		return nil
	}
	query := n.db.Rebind(`INSERT INTO notification_log
		(user_id, message, event_type, queue_id, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := n.db.ExecContext(ctx, query, userID, message, eventType, queueID, time.Now().UTC())
	return err
}

// Recent returns the newest audit records, most recent first.
func (n *Notifier) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := n.db.Rebind(`SELECT id, user_id, message, event_type, queue_id, created_at
		FROM notification_log ORDER BY id DESC LIMIT ?`)
	var rows []Record
	if err := n.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("notify: recent: %w", err)
	}
	return rows, nil
}
