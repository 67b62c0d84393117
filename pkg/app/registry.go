package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"portless-dev/portless/pkg/state"
)

// Registry is the table of apps run by the daemon, keyed by the working
// directory they were added from.
type Registry struct {
	deps   Dependencies
	store  state.Store
	logger *slog.Logger

	mu    sync.Mutex
	apps  map[string]*Controller
	order []string
}

// NewRegistry creates an empty registry. store may be nil, in which case
// nothing is persisted.
func NewRegistry(deps Dependencies, store state.Store) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:   deps,
		store:  store,
		logger: deps.Logger.With("component", "app"),
		apps:   make(map[string]*Controller),
	}
}

// SetDaemonAddr sets the address tunnels of apps added from now on
// forward to. The daemon knows it only once its listeners are bound.
func (r *Registry) SetDaemonAddr(addr string) {
	r.mu.Lock()
	r.deps.DaemonAddr = addr
	r.mu.Unlock()
}

// Add starts the project found from cwd and persists it. It fails with
// ErrAppExists when cwd already has an app.
func (r *Registry) Add(ctx context.Context, cwd string) (*Controller, error) {
	cwd = filepath.Clean(cwd)

	r.mu.Lock()
	if _, ok := r.apps[cwd]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAppExists, cwd)
	}
	c := NewController(cwd, r.deps)
	// Reserve the slot so a concurrent Add for cwd fails fast.
	r.apps[cwd] = c
	r.order = append(r.order, cwd)
	r.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		r.forget(cwd)
		return nil, err
	}

	r.persist(ctx, c)
	r.updateGauge()
	return c, nil
}

// Remove stops the app of cwd and drops it from the persisted list.
func (r *Registry) Remove(ctx context.Context, cwd string) error {
	cwd = filepath.Clean(cwd)
	c, ok := r.Get(cwd)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAppNotFound, cwd)
	}

	err := c.Stop(ctx)
	r.forget(cwd)

	if r.store != nil {
		if derr := r.store.Delete(ctx, cwd); derr != nil {
			r.logger.Warn("failed to update project list", "cwd", cwd, "error", derr)
		}
	}
	r.updateGauge()
	return err
}

// Restart stops and starts the app of cwd again.
func (r *Registry) Restart(ctx context.Context, cwd string) error {
	c, ok := r.Get(filepath.Clean(cwd))
	if !ok {
		return fmt.Errorf("%w: %s", ErrAppNotFound, cwd)
	}
	err := c.Restart(ctx)
	if err == nil {
		r.persist(ctx, c)
	}
	r.updateGauge()
	return err
}

// Get returns the app added from cwd.
func (r *Registry) Get(cwd string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.apps[filepath.Clean(cwd)]
	return c, ok
}

// GetByFile returns the running app whose project config is file.
func (r *Registry) GetByFile(file string) (*Controller, bool) {
	for _, c := range r.controllers() {
		if p := c.Project(); p != nil && p.File == file {
			return c, true
		}
	}
	return nil, false
}

// List returns a snapshot of every app in the order they were added.
func (r *Registry) List() []Info {
	controllers := r.controllers()
	out := make([]Info, len(controllers))
	for i, c := range controllers {
		out[i] = c.Info()
	}
	return out
}

// StopAll stops every app without touching the persisted list, so they
// are restored on the next boot.
func (r *Registry) StopAll(ctx context.Context) error {
	controllers := r.controllers()

	var errs []error
	for _, c := range controllers {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Cwd(), err))
		}
	}

	r.mu.Lock()
	r.apps = make(map[string]*Controller)
	r.order = nil
	r.mu.Unlock()

	r.updateGauge()
	return errors.Join(errs...)
}

// Restore adds every persisted project. Failures are logged and skipped;
// the number of restored apps is returned.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	projects, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load project list: %w", err)
	}

	restored := 0
	for _, p := range projects {
		if _, err := r.Add(ctx, p.Root); err != nil {
			r.logger.Error("failed to restore app", "cwd", p.Root, "name", p.Name, "error", err)
			continue
		}
		restored++
	}

	r.logger.Info("apps restored", "restored", restored, "persisted", len(projects))
	return restored, nil
}

func (r *Registry) controllers() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Controller, 0, len(r.order))
	for _, cwd := range r.order {
		out = append(out, r.apps[cwd])
	}
	return out
}

func (r *Registry) forget(cwd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apps, cwd)
	for i, c := range r.order {
		if c == cwd {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) persist(ctx context.Context, c *Controller) {
	if r.store == nil {
		return
	}
	name := ""
	if p := c.Project(); p != nil {
		name = p.ProjectName
	}
	err := r.store.Save(ctx, state.Project{Root: c.Cwd(), Name: name, AddedAt: time.Now()})
	if err != nil {
		r.logger.Warn("failed to update project list", "cwd", c.Cwd(), "error", err)
	}
}

func (r *Registry) updateGauge() {
	running := 0
	for _, c := range r.controllers() {
		if c.State() == StateRunning {
			running++
		}
	}
	r.deps.Metrics.SetAppsRunning(running)
}
