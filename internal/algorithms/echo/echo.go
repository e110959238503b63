// Package echo returns its inputs unchanged. It is used for smoke tests of
// a deployment.
package echo

import (
	"context"
	"fmt"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/storage"
)

// Entrypoint is the builtin catalog name.
const Entrypoint = "echo"

const callsKey = "echo.calls"

// Echo copies generic records. With a session token it counts the calls
// made in that client session.
type Echo struct{}

// New returns an echo program.
func New() runner.Program { return &Echo{} }

func (e *Echo) Prepare(ctx context.Context, env runner.Env, inputIDs []string, _ model.Params) (any, error) {
	return env.Fetch(ctx, inputIDs)
}

func (e *Echo) Compute(_ context.Context, env runner.Env, prepared any, params model.Params) (any, error) {
	records := prepared.([]storage.Record)
	message, _ := params.String("message")
	if message != "" {
		env.Log(model.LevelInfo, message)
	}
	if s := env.Scratch(); s != nil {
		calls, _ := s.Get(callsKey)
		n, _ := calls.(int)
		n++
		s.Set(callsKey, n)
		env.Log(model.LevelDebug, fmt.Sprintf("call %d in this session", n))
	}
	env.SetProgress(1)
	return records, nil
}

func (e *Echo) Finalize(ctx context.Context, env runner.Env, computed any, _ model.Params) ([]string, error) {
	return env.Store(ctx, computed.([]storage.Record))
}
