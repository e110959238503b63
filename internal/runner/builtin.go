package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/crucible/internal/model"
)

// Factory creates a fresh program instance.
type Factory func() Program

// Builtin is the runtime for algorithms compiled into the server. The
// descriptor's entrypoint names a registered factory.
type Builtin struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var _ Runtime = (*Builtin)(nil)

// NewBuiltin creates an empty builtin catalog.
func NewBuiltin() *Builtin {
	return &Builtin{factories: make(map[string]Factory)}
}

// Register adds a factory under entrypoint.
func (b *Builtin) Register(entrypoint string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[entrypoint] = f
}

func (b *Builtin) factory(entrypoint string) (Factory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.factories[entrypoint]
	if !ok {
		return nil, fmt.Errorf("builtin entrypoint %q is not registered", entrypoint)
	}
	return f, nil
}

// Instantiate creates a new program from the entrypoint's factory. The
// module archive is not needed since the code is part of the binary.
func (b *Builtin) Instantiate(_ context.Context, a *model.Algorithm, _ []byte, _ string) (Program, error) {
	f, err := b.factory(a.Entrypoint)
	if err != nil {
		return nil, err
	}
	p := f()
	if p == nil {
		return nil, fmt.Errorf("builtin entrypoint %q returned no program", a.Entrypoint)
	}
	return p, nil
}

// Probe checks that the entrypoint exists and builds a program.
func (b *Builtin) Probe(ctx context.Context, a *model.Algorithm, module []byte) error {
	_, err := b.Instantiate(ctx, a, module, a.DefaultDevice)
	return err
}

func (b *Builtin) Describe() RuntimeInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return RuntimeInfo{
		Description: "Go algorithms compiled into the server",
		Entrypoints: names,
	}
}
