package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend implements Store in memory. Nothing survives the process.
type MemoryBackend struct {
	mu       sync.RWMutex
	projects map[string]Project
	seq      map[string]int
	next     int
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		projects: make(map[string]Project),
		seq:      make(map[string]int),
	}
}

// Save inserts or updates p.
func (m *MemoryBackend) Save(_ context.Context, p Project) error {
	if p.Root == "" {
		return errEmptyRoot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.projects[p.Root]; ok {
		p.AddedAt = old.AddedAt
	} else {
		if p.AddedAt.IsZero() {
			p.AddedAt = time.Now()
		}
		m.next++
		m.seq[p.Root] = m.next
	}
	m.projects[p.Root] = p
	return nil
}

// Delete removes the project added from root.
func (m *MemoryBackend) Delete(_ context.Context, root string) error {
	if root == "" {
		return errEmptyRoot
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, root)
	delete(m.seq, root)
	return nil
}

// List returns the projects in insertion order.
func (m *MemoryBackend) List(_ context.Context) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].Root] < m.seq[out[j].Root]
	})
	return out, nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
