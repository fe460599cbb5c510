// Package project keeps the small registry of named project directories.
// At most one project is active at a time.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foreman/internal/logging"
	"foreman/internal/store"
)

// Context is one named project directory.
type Context struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	RootPath  string    `db:"root_path"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// ErrProjectNotFound is returned when no project matches the name.
var ErrProjectNotFound = errors.New("project not found")

// Registry persists project contexts.
type Registry struct {
	db     *store.DB
	logger logging.Logger
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(db *store.DB, logger logging.Logger) *Registry {
	return &Registry{db: db, logger: logging.OrNop(logger)}
}

// Set creates or updates a project's root path.
func (r *Registry) Set(ctx context.Context, name, rootPath string) error {
	if name == "" || rootPath == "" {
		return fmt.Errorf("project: name and root path are required")
	}
	update := r.db.Rebind(`UPDATE project_contexts SET root_path = ? WHERE name = ?`)
	res, err := r.db.ExecContext(ctx, update, rootPath, name)
	if err != nil {
		return fmt.Errorf("project: set %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	insert := r.db.Rebind(`INSERT INTO project_contexts (name, root_path, is_active, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, insert, name, rootPath, false, time.Now().UTC()); err != nil {
		if store.IsUniqueViolation(err) {
			// Raced with a concurrent Set; the row exists now.
			return nil
		}
		return fmt.Errorf("project: set %q: %w", name, err)
	}
	return nil
}

// Activate makes the named project the single active one.
func (r *Registry) Activate(ctx context.Context, name string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("project: activate %q: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	deactivate := r.db.Rebind(`UPDATE project_contexts SET is_active = ? WHERE is_active = ?`)
	if _, err := tx.ExecContext(ctx, deactivate, false, true); err != nil {
		return fmt.Errorf("project: activate %q: %w", name, err)
	}
	activate := r.db.Rebind(`UPDATE project_contexts SET is_active = ? WHERE name = ?`)
	res, err := tx.ExecContext(ctx, activate, true, name)
	if err != nil {
		return fmt.Errorf("project: activate %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %q: %w", name, ErrProjectNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("project: activate %q: %w", name, err)
	}
	r.logger.Info("activated project %s", name)
	return nil
}

// Active returns the active project, or nil when none is active.
func (r *Registry) Active(ctx context.Context) (*Context, error) {
	var row Context
	query := r.db.Rebind(`SELECT id, name, root_path, is_active, created_at
		FROM project_contexts WHERE is_active = ? LIMIT 1`)
	if err := r.db.GetContext(ctx, &row, query, true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("project: active: %w", err)
	}
	return &row, nil
}

// List returns every project context.
func (r *Registry) List(ctx context.Context) ([]Context, error) {
	var rows []Context
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, name, root_path, is_active, created_at FROM project_contexts`)
	if err != nil {
		return nil, fmt.Errorf("project: list: %w", err)
	}
	return rows, nil
}
