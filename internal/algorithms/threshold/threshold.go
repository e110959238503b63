// Package threshold segments an image into a binary mask.
package threshold

import (
	"context"
	"fmt"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/storage"
)

// Entrypoint is the builtin catalog name.
const Entrypoint = "threshold"

// Thresholder marks pixels at or above level with 1 and the rest with 0,
// or the reverse when invert is set.
type Thresholder struct{}

// New returns a threshold program.
func New() runner.Program { return &Thresholder{} }

func (t *Thresholder) Prepare(ctx context.Context, env runner.Env, inputIDs []string, _ model.Params) (any, error) {
	records, err := env.Fetch(ctx, inputIDs)
	if err != nil {
		return nil, err
	}
	images := make([][][]float64, len(records))
	for i, rec := range records {
		img, err := storage.Matrix(rec["image"])
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", inputIDs[i], err)
		}
		images[i] = img
	}
	return images, nil
}

func (t *Thresholder) Compute(ctx context.Context, env runner.Env, prepared any, params model.Params) (any, error) {
	images := prepared.([][][]float64)
	level, err := params.Float("level")
	if err != nil {
		return nil, err
	}
	invert, err := params.Bool("invert")
	if err != nil {
		return nil, err
	}

	masks := make([][][]int, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		masks[i] = Mask(img, level, invert)
		env.SetProgress(float64(i+1) / float64(len(images)))
	}
	return masks, nil
}

func (t *Thresholder) Finalize(ctx context.Context, env runner.Env, computed any, _ model.Params) ([]string, error) {
	masks := computed.([][][]int)
	records := make([]storage.Record, len(masks))
	for i, m := range masks {
		records[i] = storage.Record{"mask": m}
	}
	return env.Store(ctx, records)
}

// Mask thresholds img at level.
func Mask(img [][]float64, level float64, invert bool) [][]int {
	out := make([][]int, len(img))
	for y, row := range img {
		out[y] = make([]int, len(row))
		for x, v := range row {
			if (v >= level) != invert {
				out[y][x] = 1
			}
		}
	}
	return out
}
