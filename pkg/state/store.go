package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portless-dev/portless/pkg/config"
)

// Project is one entry of the persisted project list.
type Project struct {
	// Root is the working directory the project was added from. It is the
	// key of the list.
	Root string `json:"root"`

	// Name is the project_name read from the project config when added.
	Name string `json:"name"`

	// AddedAt is when the project was first added.
	AddedAt time.Time `json:"added_at"`
}

// Store persists the project list. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save inserts or updates the project keyed by its root. The original
	// AddedAt of an existing entry is kept.
	Save(ctx context.Context, p Project) error

	// Delete removes the project added from root. Deleting an unknown root
	// is not an error.
	Delete(ctx context.Context, root string) error

	// List returns every project in the order they were added.
	List(ctx context.Context) ([]Project, error)

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

var errEmptyRoot = errors.New("project root cannot be empty")

// Open creates the backend selected by cfg. Relative SQLite paths are
// resolved against home.
func Open(cfg config.StateConfig, home string) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryBackend(), nil
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = config.DefaultStateSQLitePath
		}
		return NewSQLiteBackend(SQLiteConfig{
			Path:        config.ResolvePath(home, path),
			BusyTimeout: cfg.BusyTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
