// Package sqlite provides the SQL-backed task repository. Despite the
// package name it also runs against PostgreSQL through the shared dialect
// helpers; SQLite is the default deployment.
package sqlite

import (
	"fmt"

	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
	"github.com/jmoiron/sqlx"
)

// Repository provides durable task storage operations.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a repository over the shared connection pool and initializes
// the schema.
func New(pool *db.Pool) (*Repository, error) {
	repo := &Repository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *Repository) Close() error { return nil }

func (r *Repository) initSchema() error {
	driver := r.db.DriverName()

	if _, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '{}',
		routing TEXT NOT NULL DEFAULT '{}',
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL,
		assigned_to TEXT NOT NULL DEFAULT '',
		dependencies TEXT NOT NULL DEFAULT '[]',
		context TEXT NOT NULL DEFAULT '{}',
		response TEXT,
		created_at %[1]s NOT NULL,
		completed_at %[1]s
	)`, dialect.Timestamp(driver))); err != nil {
		return err
	}

	if _, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS task_messages (
		id %s,
		task_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		message_type TEXT NOT NULL DEFAULT 'message',
		reply_to TEXT NOT NULL DEFAULT '',
		is_read INTEGER NOT NULL DEFAULT 1,
		created_at %s NOT NULL
	)`, dialect.AutoIncrementPK(driver), dialect.Timestamp(driver))); err != nil {
		return err
	}

	if _, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS review_comments (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		line_number INTEGER NOT NULL DEFAULT 0,
		thread_id TEXT NOT NULL DEFAULT '',
		resolved INTEGER NOT NULL DEFAULT 0,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at %s NOT NULL
	)`, dialect.Timestamp(driver))); err != nil {
		return err
	}

	return r.initIndexes()
}

func (r *Repository) initIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to)`,
		`CREATE INDEX IF NOT EXISTS idx_task_messages_task_id ON task_messages(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_review_comments_task_id ON review_comments(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
