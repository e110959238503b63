package algorithm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/storage"
	"github.com/seantiz/crucible/internal/store"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Name  string
	Major *uint64
	Minor *uint64
}

// Registry holds deployed algorithm descriptors. Reads go straight to the
// store so separate worker processes sharing it see the same registry.
// Deploy and decommission are serialized by mu.
type Registry struct {
	store   store.AlgorithmStore
	objects storage.ObjectStore
	logger  *slog.Logger

	mu     sync.Mutex
	hookMu sync.RWMutex
	hooks  []func(algorithmID string)
}

// NewRegistry creates a registry over the given descriptor store and the
// object store holding module and asset artifacts.
func NewRegistry(st store.AlgorithmStore, objects storage.ObjectStore, logger *slog.Logger) *Registry {
	return &Registry{
		store:   st,
		objects: objects,
		logger:  logger.With("component", "registry"),
	}
}

// OnDecommission registers fn to run, while the registry lock is held, for
// every algorithm removed from the registry.
func (r *Registry) OnDecommission(fn func(algorithmID string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Get returns the descriptor with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*model.Algorithm, error) {
	a, err := r.store.GetAlgorithm(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("algorithm %s: %w", id, model.ErrAlgorithmNotFound)
	}
	return a, err
}

// Lookup returns the descriptor for name and version. The version is
// canonicalized first, so "1.0" finds "1.0.0".
func (r *Registry) Lookup(ctx context.Context, name, version string) (*model.Algorithm, error) {
	if v, err := semver.NewVersion(version); err == nil {
		version = v.String()
	}
	a, err := r.store.GetAlgorithmByName(ctx, name, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("algorithm %s@%s: %w", name, version, model.ErrAlgorithmNotFound)
	}
	return a, err
}

// List returns descriptors matching f.
func (r *Registry) List(ctx context.Context, f Filter) ([]*model.Algorithm, error) {
	all, err := r.store.ListAlgorithms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Algorithm, 0, len(all))
	for _, a := range all {
		if f.Name != "" && a.Name != f.Name {
			continue
		}
		if f.Major != nil || f.Minor != nil {
			v, err := semver.NewVersion(a.Version)
			if err != nil {
				continue
			}
			if f.Major != nil && v.Major() != *f.Major {
				continue
			}
			if f.Minor != nil && v.Minor() != *f.Minor {
				continue
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// Decommission removes the named version, deletes artifacts no remaining
// descriptor references and evicts cached instances through the
// OnDecommission hooks.
func (r *Registry) Decommission(ctx context.Context, name, version string) (*model.Algorithm, error) {
	a, err := r.Lookup(ctx, name, version)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.decommissionLocked(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Registry) decommissionLocked(ctx context.Context, a *model.Algorithm) error {
	if err := r.store.DeleteAlgorithm(ctx, a.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("algorithm %s: %w", a.Key(), model.ErrAlgorithmNotFound)
		}
		return fmt.Errorf("delete descriptor: %w", err)
	}
	r.retireLocked(ctx, a)
	return nil
}

// retireLocked runs the decommission hooks for a, whose descriptor is
// already gone, and deletes artifacts no registered descriptor references.
func (r *Registry) retireLocked(ctx context.Context, a *model.Algorithm) {
	r.hookMu.RLock()
	for _, fn := range r.hooks {
		fn(a.ID)
	}
	r.hookMu.RUnlock()

	modules, assets, err := r.referencedKeys(ctx)
	if err != nil {
		r.logger.Error("artifact cleanup skipped", "algorithm", a.Key(), "error", err)
		return
	}
	if a.ModuleID != "" && !modules[a.ModuleID] {
		if err := r.objects.Delete(ctx, storage.CollectionModules, a.ModuleID); err != nil {
			r.logger.Error("delete module", "algorithm", a.Key(), "error", err)
		}
	}
	var orphaned []string
	for _, key := range a.Assets {
		if !assets[key] {
			orphaned = append(orphaned, key)
		}
	}
	if len(orphaned) > 0 {
		if err := r.objects.Delete(ctx, storage.CollectionAssets, orphaned...); err != nil {
			r.logger.Error("delete assets", "algorithm", a.Key(), "error", err)
		}
	}

	r.logger.Info("algorithm decommissioned", "algorithm", a.Key(), "id", a.ID)
}

// referencedKeys returns the module and asset object keys still referenced
// by registered descriptors.
func (r *Registry) referencedKeys(ctx context.Context) (modules, assets map[string]bool, err error) {
	all, err := r.store.ListAlgorithms(ctx)
	if err != nil {
		return nil, nil, err
	}
	modules = make(map[string]bool)
	assets = make(map[string]bool)
	for _, a := range all {
		modules[a.ModuleID] = true
		for _, key := range a.Assets {
			assets[key] = true
		}
	}
	return modules, assets, nil
}

// Module returns the stored module archive for a.
func (r *Registry) Module(ctx context.Context, a *model.Algorithm) ([]byte, error) {
	data, err := r.objects.Get(ctx, storage.CollectionModules, a.ModuleID)
	if err != nil {
		return nil, fmt.Errorf("get module of %s: %w", a.Key(), err)
	}
	return data, nil
}

// Asset returns one stored asset of a by its package-relative path.
func (r *Registry) Asset(ctx context.Context, a *model.Algorithm, path string) ([]byte, error) {
	key, ok := a.Assets[path]
	if !ok {
		return nil, fmt.Errorf("asset %q of %s: %w", path, a.Key(), storage.ErrNotFound)
	}
	data, err := r.objects.Get(ctx, storage.CollectionAssets, key)
	if err != nil {
		return nil, fmt.Errorf("get asset %q of %s: %w", path, a.Key(), err)
	}
	return data, nil
}
