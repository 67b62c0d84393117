package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend implements Store on a SQLite database in WAL mode. The
// daemon is the only writer, so the pool holds a single connection.
type SQLiteBackend struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once

	saveStmt   *sql.Stmt
	deleteStmt *sql.Stmt
	listStmt   *sql.Stmt
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. Its directory is created if missing.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend opens (or creates) the database at cfg.Path.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{db: db, path: cfg.Path}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := backend.prepareStatements(); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return backend, nil
}

func (s *SQLiteBackend) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			seq      INTEGER PRIMARY KEY AUTOINCREMENT,
			root     TEXT    NOT NULL UNIQUE,
			name     TEXT    NOT NULL DEFAULT '',
			added_at INTEGER NOT NULL
		)
	`)
	return err
}

func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.saveStmt, err = s.db.Prepare(`
		INSERT INTO projects (root, name, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(root) DO UPDATE SET
			name = excluded.name
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM projects WHERE root = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`SELECT root, name, added_at FROM projects ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	return nil
}

// Save inserts or updates p.
func (s *SQLiteBackend) Save(ctx context.Context, p Project) error {
	if p.Root == "" {
		return errEmptyRoot
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now()
	}

	if _, err := s.saveStmt.ExecContext(ctx, p.Root, p.Name, p.AddedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// Delete removes the project added from root.
func (s *SQLiteBackend) Delete(ctx context.Context, root string) error {
	if root == "" {
		return errEmptyRoot
	}
	if _, err := s.deleteStmt.ExecContext(ctx, root); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// List returns the projects in insertion order.
func (s *SQLiteBackend) List(ctx context.Context) ([]Project, error) {
	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var (
			p       Project
			addedAt int64
		)
		if err := rows.Scan(&p.Root, &p.Name, &addedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		p.AddedAt = time.Unix(0, addedAt)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return projects, nil
}

// Ping checks the database connection.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file.
func (s *SQLiteBackend) Path() string { return s.path }

// Close checkpoints the WAL and closes the database. It is idempotent.
func (s *SQLiteBackend) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.saveStmt, s.deleteStmt, s.listStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})

	return closeErr
}
