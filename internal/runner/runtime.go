package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/crucible/internal/model"
)

// Runtime creates programs for descriptors of one runtime kind.
type Runtime interface {
	// Instantiate creates a program for a on device from its stored module.
	Instantiate(ctx context.Context, a *model.Algorithm, module []byte, device string) (Program, error)
	// Probe loads the module in isolation and reports whether it exposes the
	// full stage contract.
	Probe(ctx context.Context, a *model.Algorithm, module []byte) error
	// Describe reports what the runtime can run.
	Describe() RuntimeInfo
}

// RuntimeInfo describes a registered runtime.
type RuntimeInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Entrypoints []string `json:"entrypoints,omitempty"`
}

// Runtimes holds registered runtimes and resolves the one a descriptor needs.
type Runtimes struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRuntimes creates an empty runtime registry.
func NewRuntimes() *Runtimes {
	return &Runtimes{
		runtimes: make(map[string]Runtime),
	}
}

// Register adds a runtime under the given name.
func (r *Runtimes) Register(name string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[name] = rt
}

// Resolve returns the runtime registered under name.
func (r *Runtimes) Resolve(name string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("runtime %q is not registered", name)
	}
	return rt, nil
}

// Supports reports whether a runtime named name is registered.
func (r *Runtimes) Supports(name string) bool {
	_, err := r.Resolve(name)
	return err == nil
}

// Probe dispatches to the descriptor's runtime.
func (r *Runtimes) Probe(ctx context.Context, a *model.Algorithm, module []byte) error {
	rt, err := r.Resolve(a.Runtime)
	if err != nil {
		return err
	}
	return rt.Probe(ctx, a, module)
}

// List returns information about all registered runtimes, sorted by name
// for a stable API response.
func (r *Runtimes) List() []RuntimeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RuntimeInfo, 0, len(r.runtimes))
	for name, rt := range r.runtimes {
		info := rt.Describe()
		info.Name = name
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
