// Package algorithms collects the Go algorithms compiled into the server.
package algorithms

import (
	"github.com/seantiz/crucible/internal/algorithms/denoise"
	"github.com/seantiz/crucible/internal/algorithms/echo"
	"github.com/seantiz/crucible/internal/algorithms/threshold"
	"github.com/seantiz/crucible/internal/runner"
)

// Register adds every builtin algorithm to b under its entrypoint name.
func Register(b *runner.Builtin) {
	b.Register(denoise.Entrypoint, denoise.New)
	b.Register(echo.Entrypoint, echo.New)
	b.Register(threshold.Entrypoint, threshold.New)
}
