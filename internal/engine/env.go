package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/session"
	"github.com/seantiz/crucible/internal/storage"
)

// ErrStageScope is returned when a program touches task data outside the
// stage allowed to do so.
var ErrStageScope = errors.New("operation not allowed in this stage")

// DataGateway is the part of the Storage Gateway the pipeline needs.
type DataGateway interface {
	Fetch(ctx context.Context, ids []string, schema string) ([]storage.Record, error)
	Store(ctx context.Context, records []storage.Record, schema string) ([]string, error)
}

// stageEnv is the runner.Env handed to a program for one task. Input may
// only be fetched in prepare, progress only reported in compute and output
// only stored in finalize.
type stageEnv struct {
	sess      *session.Session
	algorithm *model.Algorithm
	device    string
	data      DataGateway
	scratch   runner.Scratch

	mu    sync.RWMutex
	stage string
}

var _ runner.Env = (*stageEnv)(nil)

func newStageEnv(sess *session.Session, a *model.Algorithm, device string, data DataGateway, scratch *session.ScratchArea) *stageEnv {
	env := &stageEnv{
		sess:      sess,
		algorithm: a,
		device:    device,
		data:      data,
	}
	if scratch != nil {
		env.scratch = scratch
	}
	return env
}

func (e *stageEnv) setStage(stage string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stage = stage
}

func (e *stageEnv) currentStage() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stage
}

func (e *stageEnv) TaskID() string          { return e.sess.ID() }
func (e *stageEnv) Device() string          { return e.device }
func (e *stageEnv) Scratch() runner.Scratch { return e.scratch }

func (e *stageEnv) Log(level, msg string) {
	switch level {
	case model.LevelDebug, model.LevelInfo, model.LevelWarning, model.LevelError:
	default:
		level = model.LevelInfo
	}
	e.sess.Log(level, msg)
}

func (e *stageEnv) SetProgress(p float64) {
	if e.currentStage() != model.StageCompute {
		return
	}
	e.sess.SetProgress(p)
}

func (e *stageEnv) Fetch(ctx context.Context, ids []string) ([]storage.Record, error) {
	if stage := e.currentStage(); stage != model.StagePrepare {
		return nil, fmt.Errorf("fetch during %s: %w", stage, ErrStageScope)
	}
	return e.data.Fetch(ctx, ids, e.algorithm.InputSchema)
}

func (e *stageEnv) Store(ctx context.Context, records []storage.Record) ([]string, error) {
	if stage := e.currentStage(); stage != model.StageFinalize {
		return nil, fmt.Errorf("store during %s: %w", stage, ErrStageScope)
	}
	return e.data.Store(ctx, records, e.algorithm.OutputSchema)
}
