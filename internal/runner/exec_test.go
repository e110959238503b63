package runner

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/storage"
)

// TestHelperProcess is not a real test. It is the child side of the exec
// runtime tests, started by them with CRUCIBLE_HELPER_PROCESS=1.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("CRUCIBLE_HELPER_PROCESS") != "1" {
		return
	}
	serveHelper(os.Stdin, os.Stdout, os.Getenv("CRUCIBLE_HELPER_MODE"))
	os.Exit(0)
}

// serveHelper answers host operations. The prepare stage fetches its inputs,
// compute scales each record's "value" by the factor parameter, and
// finalize stores the results.
func serveHelper(r io.Reader, w io.Writer, mode string) {
	send := func(m ChildMessage) { WriteMessage(w, &m) }
	ask := func(m ChildMessage) HostMessage {
		send(m)
		var reply HostMessage
		ReadMessage(r, &reply)
		return reply
	}

	for {
		var req HostMessage
		if err := ReadMessage(r, &req); err != nil {
			return
		}
		switch req.Op {
		case OpProbe:
			stages := requiredStages
			if mode == "no-finalize" {
				stages = stages[:2]
			}
			send(ChildMessage{Type: MsgTypeResult, Stages: stages})

		case OpLoadAssets:
			total := 0
			for _, p := range req.Assets {
				reply := ask(ChildMessage{Type: MsgTypeAsset, Path: p})
				total += len(reply.Data)
			}
			fmt.Fprintf(os.Stderr, "loaded %d asset bytes on %s\n", total, req.Device)
			send(ChildMessage{Type: MsgTypeResult})

		case OpPrepare:
			send(ChildMessage{Type: MsgTypeLog, Level: model.LevelInfo, Line: "preparing"})
			reply := ask(ChildMessage{Type: MsgTypeFetch, IDs: req.Inputs})
			if reply.Error != "" {
				send(ChildMessage{Type: MsgTypeResult, Error: reply.Error})
				continue
			}
			payload, _ := json.Marshal(reply.Records)
			send(ChildMessage{Type: MsgTypeResult, Payload: payload})

		case OpCompute:
			send(ChildMessage{Type: MsgTypeProgress, Progress: 0.5})
			switch mode {
			case "crash":
				os.Exit(3)
			case "hang":
				time.Sleep(time.Hour)
			case "fail":
				send(ChildMessage{Type: MsgTypeResult, Error: "boom"})
				continue
			case "early-store":
				reply := ask(ChildMessage{Type: MsgTypeStore, Records: []storage.Record{{"value": 1}}})
				send(ChildMessage{Type: MsgTypeResult, Error: reply.Error})
				continue
			}
			var records []storage.Record
			json.Unmarshal(req.Payload, &records)
			factor, _ := req.Params.Float("factor")
			for _, rec := range records {
				rec["value"] = rec["value"].(float64) * factor
			}
			payload, _ := json.Marshal(records)
			send(ChildMessage{Type: MsgTypeResult, Payload: payload})

		case OpFinalize:
			var records []storage.Record
			json.Unmarshal(req.Payload, &records)
			reply := ask(ChildMessage{Type: MsgTypeStore, Records: records})
			send(ChildMessage{Type: MsgTypeResult, IDs: reply.IDs, Error: reply.Error})
		}
	}
}

// testEnv is an in-memory Env enforcing the stage rules on data access.
type testEnv struct {
	mu       sync.Mutex
	stage    string
	records  map[string]storage.Record
	stored   []storage.Record
	logs     []string
	progress []float64
}

func newTestEnv() *testEnv {
	return &testEnv{records: make(map[string]storage.Record)}
}

func (e *testEnv) TaskID() string   { return "task-1" }
func (e *testEnv) Device() string   { return model.DeviceCPU }
func (e *testEnv) Scratch() Scratch { return nil }

func (e *testEnv) Log(level, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, level+":"+msg)
}

func (e *testEnv) SetProgress(p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = append(e.progress, p)
}

func (e *testEnv) Fetch(_ context.Context, ids []string) ([]storage.Record, error) {
	if e.stage != model.StagePrepare {
		return nil, errors.New("fetch outside prepare")
	}
	out := make([]storage.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := e.records[id]
		if !ok {
			return nil, fmt.Errorf("dataset %s: %w", id, storage.ErrNotFound)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *testEnv) Store(_ context.Context, records []storage.Record) ([]string, error) {
	if e.stage != model.StageFinalize {
		return nil, errors.New("store outside finalize")
	}
	ids := make([]string, len(records))
	for i, rec := range records {
		e.stored = append(e.stored, rec)
		ids[i] = fmt.Sprintf("out-%d", i)
	}
	return ids, nil
}

func helperModule(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("# started through the test binary\n")
	if err := tw.WriteHeader(&tar.Header{Name: "main.py", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tw.Write(body)
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func helperAlgorithm() *model.Algorithm {
	return &model.Algorithm{
		ID:            "01J0ALGO",
		Name:          "scale",
		Version:       "1.0.0",
		Runtime:       model.RuntimeExec,
		Entrypoint:    "main.py",
		Command:       []string{os.Args[0], "-test.run=^TestHelperProcess$", "--"},
		DefaultDevice: model.DeviceCPU,
		Assets:        map[string]string{"weights.bin": "k1"},
	}
}

func startHelper(t *testing.T, mode string) *execProgram {
	t.Helper()
	t.Setenv("CRUCIBLE_HELPER_PROCESS", "1")
	t.Setenv("CRUCIBLE_HELPER_MODE", mode)

	rt := NewExec(t.TempDir(), testLogger())
	p, err := rt.Instantiate(context.Background(), helperAlgorithm(), helperModule(t), model.DeviceCPU)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	ep := p.(*execProgram)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestExecProbe(t *testing.T) {
	t.Setenv("CRUCIBLE_HELPER_PROCESS", "1")
	rt := NewExec(t.TempDir(), testLogger())

	t.Setenv("CRUCIBLE_HELPER_MODE", "")
	if err := rt.Probe(context.Background(), helperAlgorithm(), helperModule(t)); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	t.Setenv("CRUCIBLE_HELPER_MODE", "no-finalize")
	err := rt.Probe(context.Background(), helperAlgorithm(), helperModule(t))
	if err == nil || !strings.Contains(err.Error(), "finalize") {
		t.Fatalf("Probe = %v, want missing finalize stage", err)
	}
}

func TestExecProbeMissingCommand(t *testing.T) {
	rt := NewExec(t.TempDir(), testLogger())
	a := helperAlgorithm()
	a.Command = nil
	if err := rt.Probe(context.Background(), a, helperModule(t)); err == nil {
		t.Fatal("expected error without command")
	}
}

func TestExecStages(t *testing.T) {
	p := startHelper(t, "")
	ctx := context.Background()

	src := &assetSource{
		artifacts: &memArtifacts{assets: map[string][]byte{"weights.bin": []byte("0123456789")}},
		algorithm: helperAlgorithm(),
		device:    model.DeviceCPU,
	}
	if err := p.LoadAssets(ctx, src); err != nil {
		t.Fatalf("LoadAssets: %v", err)
	}

	env := newTestEnv()
	env.records["in-1"] = storage.Record{"value": 2.0}
	env.records["in-2"] = storage.Record{"value": 3.0}
	params := model.Params{"factor": 10.0}

	env.stage = model.StagePrepare
	prepared, err := p.Prepare(ctx, env, []string{"in-1", "in-2"}, params)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	env.stage = model.StageCompute
	computed, err := p.Compute(ctx, env, prepared, params)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	env.stage = model.StageFinalize
	ids, err := p.Finalize(ctx, env, computed, params)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if len(ids) != 2 || ids[0] != "out-0" || ids[1] != "out-1" {
		t.Errorf("ids = %v", ids)
	}
	if len(env.stored) != 2 || env.stored[0]["value"] != 20.0 || env.stored[1]["value"] != 30.0 {
		t.Errorf("stored = %v", env.stored)
	}
	if len(env.logs) != 1 || env.logs[0] != "info:preparing" {
		t.Errorf("logs = %v", env.logs)
	}
	if len(env.progress) != 1 || env.progress[0] != 0.5 {
		t.Errorf("progress = %v", env.progress)
	}
	if p.Broken() {
		t.Error("healthy process reported broken")
	}
}

func TestExecMissingInputIsReported(t *testing.T) {
	p := startHelper(t, "")
	env := newTestEnv()
	env.stage = model.StagePrepare

	_, err := p.Prepare(context.Background(), env, []string{"nope"}, nil)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("Prepare = %v, want missing dataset error", err)
	}
	if p.Broken() {
		t.Error("stage error broke the process")
	}
}

func TestExecStageErrorKeepsProcess(t *testing.T) {
	p := startHelper(t, "fail")
	env := newTestEnv()
	env.stage = model.StageCompute

	_, err := p.Compute(context.Background(), env, nil, nil)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("Compute = %v, want boom", err)
	}
	if p.Broken() {
		t.Error("stage error broke the process")
	}
}

func TestExecStoreOutsideFinalizeRefused(t *testing.T) {
	p := startHelper(t, "early-store")
	env := newTestEnv()
	env.stage = model.StageCompute

	_, err := p.Compute(context.Background(), env, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "outside finalize") {
		t.Fatalf("Compute = %v, want refused store", err)
	}
}

func TestExecCrashBreaksInstance(t *testing.T) {
	p := startHelper(t, "crash")
	env := newTestEnv()

	if _, err := p.Compute(context.Background(), env, nil, nil); err == nil {
		t.Fatal("expected error from crashed process")
	}
	if !p.Broken() {
		t.Error("crashed process not reported broken")
	}
	if _, err := p.Compute(context.Background(), env, nil, nil); !errors.Is(err, ErrProcessExited) {
		t.Errorf("second call = %v, want ErrProcessExited", err)
	}
}

func TestExecCancelKillsProcess(t *testing.T) {
	p := startHelper(t, "hang")
	env := newTestEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := p.Compute(ctx, env, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Compute = %v, want context.DeadlineExceeded", err)
	}
	if !p.Broken() {
		t.Error("killed process not reported broken")
	}
}

func TestExecCloseRemovesWorkDir(t *testing.T) {
	p := startHelper(t, "")
	dir := p.dir
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("work dir missing while running: %v", err)
	}
	p.Close()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("work dir still present after Close: %v", err)
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("x")
	tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg})
	tw.Write(body)
	tw.Close()
	gz.Close()

	err := extractArchive(t.TempDir(), buf.Bytes())
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("extractArchive = %v, want traversal error", err)
	}
}

func TestValidatePath(t *testing.T) {
	base := t.TempDir()
	if err := validatePath(base, "main.py"); err != nil {
		t.Errorf("validatePath(main.py): %v", err)
	}
	if err := validatePath(base, "../../etc/passwd"); err == nil {
		t.Error("validatePath accepted a path outside the base")
	}
}
