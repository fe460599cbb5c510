// Package store owns the relational database handle shared by every
// orchestrator component. It supports Postgres (pgx) and SQLite (modernc)
// behind a single sqlx.DB with dialect-aware schema bootstrap.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"foreman/internal/logging"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Dialect identifies the backing engine.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps the sqlx handle with the dialect it was opened against.
type DB struct {
	*sqlx.DB
	dialect Dialect
	logger  logging.Logger
}

// Options configure Open.
type Options struct {
	// DatabaseURL selects Postgres when it carries a postgres scheme;
	// otherwise SQLitePath (or the URL itself) is opened with SQLite.
	DatabaseURL string
	SQLitePath  string
	Logger      logging.Logger
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, opts Options) (*DB, error) {
	logger := logging.OrNop(opts.Logger)

	driver, dsn, dialect := resolveDriver(opts)
	if dsn == "" {
		return nil, fmt.Errorf("store: no database configured")
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// Concurrent loop + API writers need the serialized write path.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}

	logger.Info("connected to %s store", dialect)
	return &DB{DB: db, dialect: dialect, logger: logger}, nil
}

func resolveDriver(opts Options) (driver, dsn string, dialect Dialect) {
	url := strings.TrimSpace(opts.DatabaseURL)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, DialectPostgres
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://"), DialectSQLite
	case url != "":
		return "sqlite", url, DialectSQLite
	default:
		return "sqlite", strings.TrimSpace(opts.SQLitePath), DialectSQLite
	}
}

// Dialect reports the engine this handle was opened against.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// EnsureSchema creates every orchestrator table if it does not exist.
// Safe to call repeatedly.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("store: not initialized")
	}
	for _, stmt := range schemaStatements(d.dialect) {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// InsertID runs an INSERT written with ? placeholders and returns the new
// row's id, using RETURNING on Postgres and LastInsertId on SQLite. The
// execer may be the DB itself or an open transaction.
func (d *DB) InsertID(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (int64, error) {
	if d.dialect == DialectPostgres {
		var id int64
		bound := d.Rebind(query + " RETURNING id")
		if err := sqlx.GetContext(ctx, q, &id, bound, args...); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// IsUniqueViolation reports whether err is a unique-constraint failure on
// either engine.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func schemaStatements(dialect Dialect) []string {
	serial := "BIGSERIAL PRIMARY KEY"
	ts := "TIMESTAMPTZ"
	if dialect == DialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "TIMESTAMP"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS deployment_queue (
    id %s,
    deployment_type TEXT NOT NULL,
    target_service TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 2,
    status TEXT NOT NULL DEFAULT 'pending',
    requested_by TEXT,
    reason TEXT,
    created_at %s NOT NULL,
    scheduled_at %s,
    started_at %s,
    completed_at %s,
    requires_state_pause BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3
);`, serial, ts, ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_deployment_queue_status ON deployment_queue (status);`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS active_tasks (
    id %s,
    task_id TEXT NOT NULL UNIQUE,
    task_type TEXT NOT NULL,
    subagent_name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    started_at %s NOT NULL,
    last_heartbeat %s NOT NULL,
    progress_percentage REAL NOT NULL DEFAULT 0,
    current_state TEXT,
    project_id TEXT,
    description TEXT
);`, serial, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_active_tasks_status ON active_tasks (status);`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_checkpoints (
    id %s,
    task_id TEXT NOT NULL,
    deployment_queue_id BIGINT REFERENCES deployment_queue(id),
    serialized_state TEXT NOT NULL,
    checkpoint_type TEXT NOT NULL DEFAULT 'manual',
    created_at %s NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);`, serial, ts),
		`CREATE INDEX IF NOT EXISTS idx_task_checkpoints_task_id ON task_checkpoints (task_id);`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id %s,
    job_id TEXT NOT NULL UNIQUE,
    job_name TEXT NOT NULL,
    cron_expression TEXT NOT NULL,
    is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    is_running BOOLEAN NOT NULL DEFAULT FALSE,
    last_run %s,
    next_run %s,
    last_status TEXT,
    last_checkpoint_id BIGINT,
    auto_resume BOOLEAN NOT NULL DEFAULT FALSE,
    created_at %s NOT NULL,
    updated_at %s NOT NULL
);`, serial, ts, ts, ts, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS notification_log (
    id %s,
    user_id TEXT NOT NULL,
    message TEXT NOT NULL,
    event_type TEXT NOT NULL,
    queue_id BIGINT,
    created_at %s NOT NULL
);`, serial, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS project_contexts (
    id %s,
    name TEXT NOT NULL UNIQUE,
    root_path TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT FALSE,
    created_at %s NOT NULL
);`, serial, ts),
	}
}
