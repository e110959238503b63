package api

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/storage"
)

func TestSubmitExecutionWait(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, echoManifest)
	input := env.putGeneric(t, map[string]any{"k": "v"})

	task := env.submit(t, "/v1/executions?wait=true", model.TaskRequest{
		AlgorithmID:     algID,
		InputDatasetIDs: []string{input},
	}, http.StatusOK)

	if task.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (error %+v)", task.Status, task.Error)
	}
	if task.Device != model.DeviceCPU {
		t.Errorf("device = %q, want cpu", task.Device)
	}
	if task.Progress != 1 {
		t.Errorf("progress = %v, want 1", task.Progress)
	}
	if len(task.ResultIDs) != 1 {
		t.Fatalf("result_ids = %v, want one", task.ResultIDs)
	}

	resp := env.do(t, "GET", "/v1/datasets/"+task.ResultIDs[0], nil)
	wantStatus(t, resp, http.StatusOK)
	var ds storage.Dataset
	decodeJSON(t, resp, &ds)
	if ds.Schema != model.SchemaGeneric {
		t.Errorf("result schema = %q, want generic", ds.Schema)
	}
}

func TestSubmitExecutionAsync(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, echoManifest)

	task := env.submit(t, "/v1/executions", model.TaskRequest{
		AlgorithmID:     algID,
		InputDatasetIDs: []string{env.putGeneric(t, 1)},
	}, http.StatusAccepted)
	if task.ID == "" {
		t.Fatal("task id is empty")
	}

	final := env.waitTask(t, task.ID)
	if final.Status != model.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", final.Status)
	}

	resp := env.do(t, "GET", "/v1/executions/"+task.ID, nil)
	wantStatus(t, resp, http.StatusOK)
	var got model.Task
	decodeJSON(t, resp, &got)
	if got.Status != model.StatusSucceeded {
		t.Errorf("GET status = %s, want succeeded", got.Status)
	}
	if len(got.Logs) == 0 {
		t.Error("GET returned no logs")
	}
}

func TestSubmitExecutionBadRequests(t *testing.T) {
	env := newTestEnv(t)
	negative := -1

	tests := []struct {
		name string
		body any
	}{
		{"missing algorithm", model.TaskRequest{InputDatasetIDs: []string{"a"}}},
		{"negative timeout", model.TaskRequest{AlgorithmID: "x", TimeoutS: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/v1/executions", tt.body)
			wantStatus(t, resp, http.StatusBadRequest)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(env.ts.URL+"/v1/executions", "application/json", bytes.NewBufferString("{"))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		wantStatus(t, resp, http.StatusBadRequest)
	})
}

func TestSubmitExecutionInvalidParameter(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, echoManifest)

	task := env.submit(t, "/v1/executions?wait=true", model.TaskRequest{
		AlgorithmID:     algID,
		InputDatasetIDs: []string{env.putGeneric(t, 1)},
		Parameters:      map[string]any{"message": 42},
	}, http.StatusOK)

	if task.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.Error == nil || task.Error.Kind != model.KindValidation {
		t.Errorf("error = %+v, want kind %s", task.Error, model.KindValidation)
	}
}

func TestSubmitExecutionUnknownAlgorithm(t *testing.T) {
	env := newTestEnv(t)

	task := env.submit(t, "/v1/executions?wait=true", model.TaskRequest{
		AlgorithmID: "does-not-exist",
	}, http.StatusOK)

	if task.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.Error == nil || task.Error.Kind != model.KindNotFound {
		t.Errorf("error = %+v, want kind %s", task.Error, model.KindNotFound)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/v1/executions/nonexistent", nil)
	wantStatus(t, resp, http.StatusNotFound)
}

func TestListExecutions(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, echoManifest)
	input := env.putGeneric(t, 1)
	for range 3 {
		env.submit(t, "/v1/executions?wait=true", model.TaskRequest{
			AlgorithmID:     algID,
			InputDatasetIDs: []string{input},
		}, http.StatusOK)
	}

	resp := env.do(t, "GET", "/v1/executions?limit=2", nil)
	wantStatus(t, resp, http.StatusOK)

	var body listExecutionsResponse
	decodeJSON(t, resp, &body)
	if body.Total != 3 {
		t.Errorf("total = %d, want 3", body.Total)
	}
	if len(body.Executions) != 2 {
		t.Errorf("got %d executions, want 2", len(body.Executions))
	}
	if body.Limit != 2 {
		t.Errorf("limit = %d, want 2", body.Limit)
	}
}

func TestCancelExecution(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, gateManifest)

	task := env.submit(t, "/v1/executions", model.TaskRequest{
		AlgorithmID:     algID,
		InputDatasetIDs: []string{env.putGeneric(t, 1)},
	}, http.StatusAccepted)

	// Wait until the program is blocked in compute.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := env.do(t, "GET", "/v1/executions/"+task.ID, nil)
		var cur model.Task
		decodeJSON(t, resp, &cur)
		if cur.Status == model.StatusComputing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached computing, status %s", cur.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := env.do(t, "POST", "/v1/executions/"+task.ID+"/cancel", nil)
	wantStatus(t, resp, http.StatusAccepted)

	final := env.waitTask(t, task.ID)
	if final.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Error == nil || final.Error.Kind != model.KindCanceled {
		t.Errorf("error = %+v, want kind %s", final.Error, model.KindCanceled)
	}

	resp = env.do(t, "POST", "/v1/executions/"+task.ID+"/cancel", nil)
	wantStatus(t, resp, http.StatusConflict)
}

func TestCancelExecutionNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/v1/executions/nonexistent/cancel", nil)
	wantStatus(t, resp, http.StatusNotFound)
}
