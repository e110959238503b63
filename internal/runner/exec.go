package runner

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/storage"
)

// ErrProcessExited is returned for calls on an instance whose process is gone.
var ErrProcessExited = errors.New("algorithm process exited")

// requiredStages lists the operations a probed process must advertise.
var requiredStages = []string{OpPrepare, OpCompute, OpFinalize}

// Exec is the runtime for algorithms shipped as executable packages. Each
// instance is one long-lived child process speaking the framed protocol on
// stdin and stdout. Anything written to stderr is logged.
type Exec struct {
	workRoot     string
	probeTimeout time.Duration
	stopTimeout  time.Duration
	logger       *slog.Logger
}

var _ Runtime = (*Exec)(nil)

// NewExec creates the exec runtime. Instances extract their module below
// workRoot, or the system temp dir when workRoot is empty.
func NewExec(workRoot string, logger *slog.Logger) *Exec {
	return &Exec{
		workRoot:     workRoot,
		probeTimeout: 30 * time.Second,
		stopTimeout:  2 * time.Second,
		logger:       logger,
	}
}

func (e *Exec) Describe() RuntimeInfo {
	return RuntimeInfo{Description: "external processes speaking the framed JSON protocol on stdio"}
}

// Instantiate extracts the module and starts its process.
func (e *Exec) Instantiate(_ context.Context, a *model.Algorithm, module []byte, device string) (Program, error) {
	return e.start(a, module, device)
}

// Probe starts the module in a throwaway process and checks that it
// answers the probe request with all three stages.
func (e *Exec) Probe(ctx context.Context, a *model.Algorithm, module []byte) error {
	p, err := e.start(a, module, a.DefaultDevice)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	res, err := p.call(ctx, HostMessage{Op: OpProbe, Device: a.DefaultDevice}, callbacks{log: p.logLine})
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	for _, stage := range requiredStages {
		if !slices.Contains(res.Stages, stage) {
			return fmt.Errorf("probe: module does not provide the %s stage", stage)
		}
	}
	return nil
}

func (e *Exec) start(a *model.Algorithm, module []byte, device string) (*execProgram, error) {
	if len(a.Command) == 0 {
		return nil, fmt.Errorf("algorithm %s has no command", a.Key())
	}
	if e.workRoot != "" {
		if err := os.MkdirAll(e.workRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create work root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(e.workRoot, "crucible-"+a.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	if err := validatePath(dir, a.Entrypoint); err != nil {
		cleanup()
		return nil, fmt.Errorf("invalid entrypoint: %w", err)
	}
	if err := extractArchive(dir, module); err != nil {
		cleanup()
		return nil, fmt.Errorf("extract module: %w", err)
	}

	argv := append(slices.Clone(a.Command), filepath.Join(dir, a.Entrypoint))
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"CRUCIBLE_DEVICE="+device,
		"CRUCIBLE_ALGORITHM="+a.Key(),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// The read end stays with us so Wait never closes it under a reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderrR, stderrW := io.Pipe()
	cmd.Stderr = stderrW

	logger := e.logger.With("algorithm", a.Key(), "device", device)
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		cleanup()
		return nil, fmt.Errorf("start command: %w", err)
	}
	stdoutW.Close()

	p := &execProgram{
		dir:         dir,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdoutR,
		exited:      make(chan struct{}),
		stopTimeout: e.stopTimeout,
		logger:      logger,
	}
	go streamLines(stderrR, p.logLine)
	go func() {
		p.waitErr = cmd.Wait()
		stderrW.Close()
		p.broken.Store(true)
		close(p.exited)
	}()

	logger.Info("algorithm process started", "pid", cmd.Process.Pid, "dir", dir)
	return p, nil
}

// callbacks answers child requests made during one operation. A nil
// function means the request is not allowed during that operation.
type callbacks struct {
	log      func(level, line string)
	progress func(p float64)
	fetch    func(ctx context.Context, ids []string) ([]storage.Record, error)
	store    func(ctx context.Context, records []storage.Record) ([]string, error)
	asset    func(ctx context.Context, path string) ([]byte, error)
}

func envCallbacks(env Env) callbacks {
	return callbacks{
		log:      env.Log,
		progress: env.SetProgress,
		fetch:    env.Fetch,
		store:    env.Store,
	}
}

type execProgram struct {
	dir         string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      *os.File
	stopTimeout time.Duration
	logger      *slog.Logger

	// mu serializes operations; the protocol has one request in flight.
	mu        sync.Mutex
	broken    atomic.Bool
	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
}

func (p *execProgram) logLine(level, line string) {
	switch level {
	case model.LevelDebug:
		p.logger.Debug(line)
	case model.LevelWarning:
		p.logger.Warn(line)
	case model.LevelError:
		p.logger.Error(line)
	default:
		p.logger.Info(line)
	}
}

func (p *execProgram) Prepare(ctx context.Context, env Env, inputIDs []string, params model.Params) (any, error) {
	res, err := p.call(ctx, HostMessage{
		Op:     OpPrepare,
		TaskID: env.TaskID(),
		Device: env.Device(),
		Inputs: inputIDs,
		Params: params,
	}, envCallbacks(env))
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

func (p *execProgram) Compute(ctx context.Context, env Env, prepared any, params model.Params) (any, error) {
	payload, err := rawPayload(prepared)
	if err != nil {
		return nil, err
	}
	res, err := p.call(ctx, HostMessage{
		Op:      OpCompute,
		TaskID:  env.TaskID(),
		Device:  env.Device(),
		Params:  params,
		Payload: payload,
	}, envCallbacks(env))
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

func (p *execProgram) Finalize(ctx context.Context, env Env, computed any, params model.Params) ([]string, error) {
	payload, err := rawPayload(computed)
	if err != nil {
		return nil, err
	}
	res, err := p.call(ctx, HostMessage{
		Op:      OpFinalize,
		TaskID:  env.TaskID(),
		Device:  env.Device(),
		Params:  params,
		Payload: payload,
	}, envCallbacks(env))
	if err != nil {
		return nil, err
	}
	return res.IDs, nil
}

// LoadAssets hands the process the list of asset paths. The process pulls
// the ones it needs with asset messages.
func (p *execProgram) LoadAssets(ctx context.Context, assets AssetSource) error {
	_, err := p.call(ctx, HostMessage{
		Op:     OpLoadAssets,
		Device: assets.Device(),
		Assets: assets.Paths(),
	}, callbacks{log: p.logLine, asset: assets.Open})
	return err
}

// Broken reports whether the process has exited or was killed.
func (p *execProgram) Broken() bool {
	return p.broken.Load()
}

// Close stops the process and removes its work directory. Closing stdin
// asks the process to exit; it is killed if it does not.
func (p *execProgram) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(p.stopTimeout):
			p.kill()
			<-p.exited
		}
		p.stdout.Close()
		os.RemoveAll(p.dir)
		p.logger.Info("algorithm process stopped")
	})
	return nil
}

func (p *execProgram) kill() {
	p.broken.Store(true)
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// call sends one operation and services child messages until its result.
// Cancelling ctx kills the process, which leaves the instance broken.
func (p *execProgram) call(ctx context.Context, req HostMessage, cb callbacks) (*ChildMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken.Load() {
		return nil, ErrProcessExited
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, p.kill)
	defer stop()

	if err := WriteMessage(p.stdin, &req); err != nil {
		p.broken.Store(true)
		return nil, p.transportErr(ctx, err)
	}

	for {
		var msg ChildMessage
		if err := ReadMessage(p.stdout, &msg); err != nil {
			p.broken.Store(true)
			return nil, p.transportErr(ctx, err)
		}

		var reply *HostMessage
		switch msg.Type {
		case MsgTypeLog:
			if cb.log != nil {
				cb.log(msg.Level, msg.Line)
			}
		case MsgTypeProgress:
			if cb.progress != nil {
				cb.progress(msg.Progress)
			}
		case MsgTypeFetch:
			reply = &HostMessage{Op: OpReply}
			if cb.fetch == nil {
				reply.Error = "fetch is not available during " + req.Op
			} else if recs, err := cb.fetch(ctx, msg.IDs); err != nil {
				reply.Error = err.Error()
			} else {
				reply.Records = recs
			}
		case MsgTypeStore:
			reply = &HostMessage{Op: OpReply}
			if cb.store == nil {
				reply.Error = "store is not available during " + req.Op
			} else if ids, err := cb.store(ctx, msg.Records); err != nil {
				reply.Error = err.Error()
			} else {
				reply.IDs = ids
			}
		case MsgTypeAsset:
			reply = &HostMessage{Op: OpReply}
			if cb.asset == nil {
				reply.Error = "asset is not available during " + req.Op
			} else if data, err := cb.asset(ctx, msg.Path); err != nil {
				reply.Error = err.Error()
			} else {
				reply.Data = data
			}
		case MsgTypeResult:
			if msg.Error != "" {
				return &msg, errors.New(msg.Error)
			}
			return &msg, nil
		default:
			p.kill()
			return nil, fmt.Errorf("unexpected message type %q", msg.Type)
		}

		if reply != nil {
			if err := WriteMessage(p.stdin, reply); err != nil {
				p.broken.Store(true)
				return nil, p.transportErr(ctx, err)
			}
		}
	}
}

// transportErr prefers the context error so cancellation is reported as
// such rather than as a broken pipe.
func (p *execProgram) transportErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	select {
	case <-p.exited:
		if p.waitErr != nil {
			return fmt.Errorf("%w: %v", ErrProcessExited, p.waitErr)
		}
		return ErrProcessExited
	default:
	}
	return fmt.Errorf("algorithm process: %w", err)
}

func rawPayload(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode stage payload: %w", err)
		}
		return data, nil
	}
}

// streamLines reads lines from r and hands each to logLine until r closes.
func streamLines(r io.Reader, logLine func(level, line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logLine(model.LevelInfo, scanner.Text())
	}
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	full := filepath.Join(absBase, relPath)
	cleaned := filepath.Clean(full)
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes work directory", relPath)
	}
	return nil
}

// extractArchive unpacks a tar.gz module into dir. Each entry is validated
// to prevent path traversal (zip-slip).
func extractArchive(dir string, data []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(absDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) && target != absDir {
			return fmt.Errorf("archive entry %q escapes extraction directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o755|0o600)
			if err != nil {
				return fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(f, io.LimitReader(tr, MaxMessageSize)); err != nil {
				f.Close()
				return fmt.Errorf("write file %s: %w", target, err)
			}
			f.Close()
		}
	}

	return nil
}
