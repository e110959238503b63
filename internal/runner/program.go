package runner

import (
	"context"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/storage"
)

// Env is the task handle passed into every stage call. It is the only way
// for a program to log, report progress or touch task data.
type Env interface {
	TaskID() string
	Device() string
	Log(level, msg string)
	// SetProgress records progress in [0,1]. Only updates made during
	// compute are kept.
	SetProgress(p float64)
	// Fetch loads input datasets using the algorithm's input schema. It is
	// only permitted during prepare.
	Fetch(ctx context.Context, ids []string) ([]storage.Record, error)
	// Store writes output datasets using the algorithm's output schema. It is
	// only permitted during finalize.
	Store(ctx context.Context, records []storage.Record) ([]string, error)
	// Scratch returns data shared by tasks of the same client session, or
	// nil when the task has no session token.
	Scratch() Scratch
}

// Scratch is a small key-value area scoped to one client session token.
type Scratch interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// Program is the executable form of one algorithm. A single program may be
// used by several tasks at once and must keep per-task state in the values
// it passes between stages.
type Program interface {
	Prepare(ctx context.Context, env Env, inputIDs []string, params model.Params) (any, error)
	Compute(ctx context.Context, env Env, prepared any, params model.Params) (any, error)
	Finalize(ctx context.Context, env Env, computed any, params model.Params) ([]string, error)
}

// AssetLoader is implemented by programs with a one-time initialization
// step. The cache calls it exactly once per instance before first use.
type AssetLoader interface {
	LoadAssets(ctx context.Context, assets AssetSource) error
}

// AssetSource gives a loading program access to its packaged asset files.
type AssetSource interface {
	Device() string
	Paths() []string
	Open(ctx context.Context, path string) ([]byte, error)
}

// brokenReporter is implemented by programs that can become unusable, for
// example when their process exits. Broken instances are dropped on release.
type brokenReporter interface {
	Broken() bool
}
