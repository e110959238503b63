package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/crucible/internal/algorithm"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/session"
	"github.com/seantiz/crucible/internal/telemetry"
)

// AlgorithmSource resolves descriptors by id.
type AlgorithmSource interface {
	Get(ctx context.Context, id string) (*model.Algorithm, error)
}

// Handler drives one task through resolve, load, prepare, compute and
// finalize, recording every step on the task's session.
type Handler struct {
	algorithms AlgorithmSource
	cache      *runner.Cache
	data       DataGateway
	devices    []string
	scratch    *session.ScratchCache
	logger     *slog.Logger
}

// NewHandler creates a handler. devices lists the compute devices present
// on this host; cpu is always assumed. A nil scratch disables per-token
// scratch areas.
func NewHandler(algorithms AlgorithmSource, cache *runner.Cache, data DataGateway, devices []string, scratch *session.ScratchCache, logger *slog.Logger) *Handler {
	if !slices.Contains(devices, model.DeviceCPU) {
		devices = append(slices.Clone(devices), model.DeviceCPU)
	}
	return &Handler{
		algorithms: algorithms,
		cache:      cache,
		data:       data,
		devices:    devices,
		scratch:    scratch,
		logger:     logger,
	}
}

// Run executes req on sess. It returns once the session is terminal; the
// outcome is on the session, not in a return value.
func (h *Handler) Run(ctx context.Context, sess *session.Session, req model.TaskRequest) {
	start := time.Now()
	tasksInFlight.Inc()
	defer tasksInFlight.Dec()

	ctx, span := telemetry.StartSpan(ctx, "task.run",
		attribute.String("task.id", sess.ID()),
		attribute.String("algorithm.id", req.AlgorithmID),
	)
	defer span.End()

	if req.TimeoutS != nil && *req.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*req.TimeoutS)*time.Second)
		defer cancel()
	}

	stage, err := h.run(ctx, sess, req)
	status := model.StatusSucceeded
	if err != nil {
		status = model.StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.fail(sess, stage, err)
	}
	taskDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// run returns the stage that failed alongside the error.
func (h *Handler) run(ctx context.Context, sess *session.Session, req model.TaskRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return model.StageResolve, err
	}
	a, err := h.algorithms.Get(ctx, req.AlgorithmID)
	if err != nil {
		return model.StageResolve, err
	}

	device, err := h.resolveDevice(sess, a, req.Device)
	if err != nil {
		return model.StageResolve, err
	}
	if err := sess.SetDevice(device); err != nil {
		return model.StageResolve, err
	}

	params, err := algorithm.ValidateParams(a.Parameters, req.Parameters)
	if err != nil {
		return model.StageResolve, err
	}
	if err := ctx.Err(); err != nil {
		return model.StageResolve, err
	}

	if err := sess.Transition(model.StatusPreparing); err != nil {
		return model.StageLoad, err
	}
	inst, err := h.cache.Acquire(ctx, a, device)
	if err != nil {
		return model.StageLoad, err
	}
	defer h.cache.Release(inst)

	var area *session.ScratchArea
	if h.scratch != nil {
		area = h.scratch.Area(req.SessionToken)
	}
	env := newStageEnv(sess, a, device, h.data, area)
	program := inst.Program()

	sess.Log(model.LevelInfo, fmt.Sprintf("running %s on %s", a.Key(), device))

	var prepared any
	err = h.runStage(ctx, env, model.StagePrepare, func(ctx context.Context) (err error) {
		prepared, err = program.Prepare(ctx, env, req.InputDatasetIDs, params)
		return err
	})
	if err != nil {
		return model.StagePrepare, err
	}

	if err := h.advance(ctx, sess, model.StatusComputing); err != nil {
		return model.StageCompute, err
	}
	var computed any
	err = h.runStage(ctx, env, model.StageCompute, func(ctx context.Context) (err error) {
		computed, err = program.Compute(ctx, env, prepared, params)
		return err
	})
	if err != nil {
		return model.StageCompute, err
	}

	if err := h.advance(ctx, sess, model.StatusFinalizing); err != nil {
		return model.StageFinalize, err
	}
	var resultIDs []string
	err = h.runStage(ctx, env, model.StageFinalize, func(ctx context.Context) (err error) {
		resultIDs, err = program.Finalize(ctx, env, computed, params)
		return err
	})
	if err != nil {
		return model.StageFinalize, err
	}

	if err := sess.Succeed(resultIDs); err != nil {
		return model.StageFinalize, err
	}
	tasksTotal.WithLabelValues(model.StatusSucceeded, "").Inc()
	h.logger.Info("task succeeded", "task_id", sess.ID(), "algorithm", a.Key(), "results", len(resultIDs))
	return "", nil
}

// advance checks for cancellation between stages and moves the session on.
func (h *Handler) advance(ctx context.Context, sess *session.Session, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sess.Transition(to)
}

// runStage runs fn as stage, converting errors and panics into StageError.
func (h *Handler) runStage(ctx context.Context, env *stageEnv, stage string, fn func(context.Context) error) (err error) {
	env.setStage(stage)
	defer env.setStage("")

	ctx, span := telemetry.StartSpan(ctx, "task."+stage, attribute.String("stage", stage))
	start := time.Now()
	defer func() {
		stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("stage panicked", "task_id", env.TaskID(), "stage", stage, "panic", r)
			err = &model.StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := fn(ctx); err != nil {
		// A stage that returns after the task was cancelled reports the
		// cancellation rather than whatever error it surfaced.
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return &model.StageError{Stage: stage, Err: err}
	}
	return nil
}

// resolveDevice picks the device a task runs on. An empty or unsupported
// request uses the algorithm's default; a device missing from this host
// falls back to cpu when the algorithm supports it.
func (h *Handler) resolveDevice(sess *session.Session, a *model.Algorithm, requested string) (string, error) {
	device := requested
	switch {
	case device == "":
		device = a.DefaultDevice
	case !a.SupportsDevice(device):
		sess.Log(model.LevelWarning, fmt.Sprintf("device %s not supported by %s, using %s", device, a.Key(), a.DefaultDevice))
		device = a.DefaultDevice
	}

	if slices.Contains(h.devices, device) {
		return device, nil
	}
	if device != model.DeviceCPU && a.SupportsDevice(model.DeviceCPU) {
		sess.Log(model.LevelWarning, fmt.Sprintf("device %s not available on this host, using %s", device, model.DeviceCPU))
		return model.DeviceCPU, nil
	}
	return "", &model.ValidationError{Param: "device", Message: fmt.Sprintf("no usable device for %s: %s is not available", a.Key(), device)}
}

// fail records err as the task's terminal failure.
func (h *Handler) fail(sess *session.Session, stage string, err error) {
	taskErr := &model.TaskError{
		Kind:    model.ClassifyError(err),
		Stage:   stage,
		Message: err.Error(),
	}
	if ferr := sess.Fail(taskErr); ferr != nil {
		h.logger.Warn("task already finished", "task_id", sess.ID(), "error", err)
		return
	}
	tasksTotal.WithLabelValues(model.StatusFailed, taskErr.Kind).Inc()
	h.logger.Info("task failed",
		"task_id", sess.ID(),
		"kind", taskErr.Kind,
		"stage", stage,
		"error", err,
	)
}
