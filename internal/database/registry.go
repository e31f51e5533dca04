package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the central pool and the per-application pools.
type Registry struct {
	mu      sync.Mutex
	central *Store
	apps    map[string]*Store
	lookup  LookupFunc
	open    func(context.Context, Settings) (*Store, error)
}

// NewRegistry wraps an open central pool. Application settings are read
// through lookup, or the process environment when lookup is nil.
func NewRegistry(central *Store, lookup LookupFunc) *Registry {
	return &Registry{
		central: central,
		apps:    make(map[string]*Store),
		lookup:  lookup,
		open:    Open,
	}
}

func (r *Registry) Central() *Store { return r.central }

// AppSettings checks the application name and reads its <APP>_DB_* settings.
func AppSettings(app string, lookup LookupFunc) (Settings, error) {
	if !appNamePattern.MatchString(app) {
		return Settings{}, fmt.Errorf("invalid application name %q", app)
	}
	s, err := FromEnv(strings.ToUpper(app), app, lookup)
	if err != nil {
		return Settings{}, fmt.Errorf("application %s: %w", app, err)
	}
	return s, nil
}

// App returns the pool for app, opening it from <APP>_DB_* on first use.
func (r *Registry) App(ctx context.Context, app string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.apps[app]; ok {
		return s, nil
	}
	settings, err := AppSettings(app, r.lookup)
	if err != nil {
		return nil, err
	}
	s, err := r.open(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("application %s: %w", app, err)
	}
	r.apps[app] = s
	return s, nil
}

// Apps lists the applications with an open pool.
func (r *Registry) Apps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedAppsLocked()
}

// Ping checks the central pool and every application pool.
func (r *Registry) Ping(ctx context.Context) error {
	r.mu.Lock()
	stores := make([]*Store, 0, len(r.apps)+1)
	if r.central != nil {
		stores = append(stores, r.central)
	}
	for _, name := range r.sortedAppsLocked() {
		stores = append(stores, r.apps[name])
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range stores {
		if err := s.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every pool, application pools first.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, name := range r.sortedAppsLocked() {
		if err := r.apps[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.apps = make(map[string]*Store)
	if r.central != nil {
		if err := r.central.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close central: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) sortedAppsLocked() []string {
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
