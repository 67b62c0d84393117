package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"portless-dev/portless/pkg/config"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteBackend(SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "state.db")})
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}
}

func roots(projects []Project) []string {
	out := make([]string, len(projects))
	for i, p := range projects {
		out[i] = p.Root
	}
	return out
}

func TestStore(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Ping(ctx); err != nil {
				t.Fatalf("Ping() error = %v", err)
			}

			added := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			for _, p := range []Project{
				{Root: "/src/shop", Name: "shop", AddedAt: added},
				{Root: "/src/blog", Name: "blog"},
				{Root: "/src/api", Name: "api"},
			} {
				if err := store.Save(ctx, p); err != nil {
					t.Fatalf("Save(%s) error = %v", p.Root, err)
				}
			}

			// Re-saving keeps the position and the original AddedAt.
			if err := store.Save(ctx, Project{Root: "/src/shop", Name: "shop-renamed"}); err != nil {
				t.Fatal(err)
			}
			if err := store.Delete(ctx, "/src/blog"); err != nil {
				t.Fatal(err)
			}
			if err := store.Delete(ctx, "/src/unknown"); err != nil {
				t.Errorf("Delete(unknown) error = %v", err)
			}

			got, err := store.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].Root != "/src/shop" || got[1].Root != "/src/api" {
				t.Fatalf("List() = %v", roots(got))
			}
			if got[0].Name != "shop-renamed" {
				t.Errorf("Name = %q, want the updated name", got[0].Name)
			}
			if !got[0].AddedAt.Equal(added) {
				t.Errorf("AddedAt = %v, want %v", got[0].AddedAt, added)
			}
			if got[1].AddedAt.IsZero() {
				t.Error("AddedAt not set on insert")
			}

			if err := store.Save(ctx, Project{}); err == nil {
				t.Error("expected error for empty root")
			}
		})
	}
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	first, err := NewSQLiteBackend(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Save(ctx, Project{Root: "/src/shop", Name: "shop"}); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	second, err := NewSQLiteBackend(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	got, err := second.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Root != "/src/shop" {
		t.Errorf("List() after reopen = %v", roots(got))
	}
}

func TestOpen(t *testing.T) {
	home := t.TempDir()

	tests := []struct {
		name    string
		cfg     config.StateConfig
		want    string
		wantErr bool
	}{
		{"memory", config.StateConfig{Backend: "memory"}, "*state.MemoryBackend", false},
		{"sqlite relative path", config.StateConfig{Backend: "sqlite", SQLitePath: "state.db"}, "*state.SQLiteBackend", false},
		{"unknown backend", config.StateConfig{Backend: "redis"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(tt.cfg, home)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer store.Close()

			switch s := store.(type) {
			case *MemoryBackend:
				if tt.want != "*state.MemoryBackend" {
					t.Errorf("got memory backend, want %s", tt.want)
				}
			case *SQLiteBackend:
				if tt.want != "*state.SQLiteBackend" {
					t.Errorf("got sqlite backend, want %s", tt.want)
				}
				if s.Path() != filepath.Join(home, "state.db") {
					t.Errorf("Path() = %q, want it under home", s.Path())
				}
			}
		})
	}
}
