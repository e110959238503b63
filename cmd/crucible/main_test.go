package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// run executes the CLI with args and returns what it wrote to stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"crucible"}, args...))
	return out.String(), err
}

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CRUCIBLE_CONFIG", "")
	t.Setenv("CRUCIBLE_DB_PATH", filepath.Join(t.TempDir(), "crucible.db"))
	t.Setenv("CRUCIBLE_STORAGE_PROVIDER", "memory")
	t.Setenv("CRUCIBLE_LOG_LEVEL", "error")
}

func TestDeployListDecommission(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "deploy", "../../algorithms/echo", "../../algorithms/threshold")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	for _, want := range []string{"deployed echo@1.0.0", "deployed threshold@1.0.0"} {
		if !strings.Contains(out, want) {
			t.Errorf("deploy output %q missing %q", out, want)
		}
	}

	out, err = run(t, "algorithms")
	if err != nil {
		t.Fatalf("algorithms: %v", err)
	}
	if !strings.Contains(out, "echo") || !strings.Contains(out, "threshold") {
		t.Errorf("listing %q missing a deployed algorithm", out)
	}

	out, err = run(t, "algorithms", "--name", "echo")
	if err != nil {
		t.Fatalf("algorithms --name: %v", err)
	}
	if strings.Contains(out, "threshold") {
		t.Errorf("filtered listing %q includes threshold", out)
	}

	if _, err := run(t, "deploy", "../../algorithms/echo"); err == nil {
		t.Error("redeploying the same version succeeded, want an error")
	}
	if _, err := run(t, "deploy", "--replace", "../../algorithms/echo"); err != nil {
		t.Errorf("deploy --replace: %v", err)
	}

	out, err = run(t, "decommission", "echo", "1.0.0")
	if err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if !strings.Contains(out, "decommissioned echo@1.0.0") {
		t.Errorf("decommission output = %q", out)
	}

	out, _ = run(t, "algorithms", "--name", "echo")
	if lines := strings.Count(strings.TrimSpace(out), "\n"); lines != 0 {
		t.Errorf("echo still listed after decommission:\n%s", out)
	}
}

func TestDeployRejectsInvalidPackage(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "deploy", t.TempDir())
	if err == nil {
		t.Fatal("deploying a directory without a manifest succeeded")
	}
	if !strings.Contains(err.Error(), "1 of 1") {
		t.Errorf("error = %v, want a failure count", err)
	}
}

func TestWorkerNeedsRedis(t *testing.T) {
	setupEnv(t)
	t.Setenv("CRUCIBLE_BROKER", "memory")

	if _, err := run(t, "worker"); err == nil || !strings.Contains(err.Error(), "redis") {
		t.Errorf("worker with a memory broker: err = %v, want a redis error", err)
	}
}

func TestRequeueInterval(t *testing.T) {
	tests := []struct {
		visibility time.Duration
		want       time.Duration
	}{
		{time.Minute, 15 * time.Second},
		{2 * time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := requeueInterval(tt.visibility); got != tt.want {
			t.Errorf("requeueInterval(%v) = %v, want %v", tt.visibility, got, tt.want)
		}
	}
}
