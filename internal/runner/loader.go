package runner

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// ArtifactSource reads stored package artifacts. The algorithm registry
// implements it.
type ArtifactSource interface {
	Module(ctx context.Context, a *model.Algorithm) ([]byte, error)
	Asset(ctx context.Context, a *model.Algorithm, path string) ([]byte, error)
}

// Loader builds ready-to-use programs: it instantiates the descriptor's
// runtime and runs the one-time asset load.
type Loader struct {
	runtimes  *Runtimes
	artifacts ArtifactSource
	logger    *slog.Logger
}

// NewLoader creates a loader over the given runtimes and artifact source.
func NewLoader(runtimes *Runtimes, artifacts ArtifactSource, logger *slog.Logger) *Loader {
	return &Loader{runtimes: runtimes, artifacts: artifacts, logger: logger}
}

// Load has the signature of LoadFunc.
func (l *Loader) Load(ctx context.Context, a *model.Algorithm, device string) (Program, error) {
	start := time.Now()

	rt, err := l.runtimes.Resolve(a.Runtime)
	if err != nil {
		return nil, err
	}
	module, err := l.artifacts.Module(ctx, a)
	if err != nil {
		return nil, err
	}
	p, err := rt.Instantiate(ctx, a, module, device)
	if err != nil {
		return nil, err
	}

	if al, ok := p.(AssetLoader); ok {
		src := &assetSource{artifacts: l.artifacts, algorithm: a, device: device}
		if err := al.LoadAssets(ctx, src); err != nil {
			if c, ok := p.(io.Closer); ok {
				c.Close()
			}
			return nil, err
		}
	}

	l.logger.Info("algorithm loaded",
		"algorithm", a.Key(),
		"device", device,
		"runtime", a.Runtime,
		"duration", time.Since(start),
	)
	return p, nil
}

type assetSource struct {
	artifacts ArtifactSource
	algorithm *model.Algorithm
	device    string
}

func (s *assetSource) Device() string { return s.device }

func (s *assetSource) Paths() []string {
	paths := make([]string, 0, len(s.algorithm.Assets))
	for p := range s.algorithm.Assets {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

func (s *assetSource) Open(ctx context.Context, path string) ([]byte, error) {
	return s.artifacts.Asset(ctx, s.algorithm, path)
}
