// Package denoise implements a mean-filter image denoiser.
package denoise

import (
	"context"
	"fmt"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/storage"
)

// Entrypoint is the builtin catalog name.
const Entrypoint = "denoise"

// Denoiser blends each pixel with the mean of its 3x3 neighbourhood.
// Parameters: weight (blend factor in [0,1]) and passes (repetitions).
type Denoiser struct{}

var _ runner.Program = (*Denoiser)(nil)

// New returns a denoiser program.
func New() runner.Program { return &Denoiser{} }

func (d *Denoiser) Prepare(ctx context.Context, env runner.Env, inputIDs []string, _ model.Params) (any, error) {
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
	env.Log(model.LevelInfo, fmt.Sprintf("loaded %d images", len(images)))
	return images, nil
}

func (d *Denoiser) Compute(ctx context.Context, env runner.Env, prepared any, params model.Params) (any, error) {
	images := prepared.([][][]float64)
	weight, err := params.Float("weight")
	if err != nil {
		return nil, err
	}
	passes, err := params.Int("passes")
	if err != nil {
		return nil, err
	}

	out := make([][][]float64, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for range passes {
			img = Filter(img, weight)
		}
		out[i] = img
		env.SetProgress(float64(i+1) / float64(len(images)))
	}
	return out, nil
}

func (d *Denoiser) Finalize(ctx context.Context, env runner.Env, computed any, _ model.Params) ([]string, error) {
	images := computed.([][][]float64)
	records := make([]storage.Record, len(images))
	for i, img := range images {
		records[i] = storage.Record{"image": img}
	}
	return env.Store(ctx, records)
}

// Filter returns img with every pixel replaced by
// (1-weight)*pixel + weight*mean(3x3 neighbourhood). Edges use the
// neighbours that exist.
func Filter(img [][]float64, weight float64) [][]float64 {
	out := make([][]float64, len(img))
	for y := range img {
		out[y] = make([]float64, len(img[y]))
		for x := range img[y] {
			var sum float64
			var n int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					yy, xx := y+dy, x+dx
					if yy < 0 || yy >= len(img) || xx < 0 || xx >= len(img[yy]) {
						continue
					}
					sum += img[yy][xx]
					n++
				}
			}
			out[y][x] = (1-weight)*img[y][x] + weight*sum/float64(n)
		}
	}
	return out
}
