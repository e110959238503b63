package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

type sseEvent struct {
	id    string
	event string
	data  string
}

// readEvents parses server-sent events from r until the "done" event or EOF.
func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event == "" {
				continue
			}
			events = append(events, cur)
			if cur.event == "done" {
				return events
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func logMessages(t *testing.T, events []sseEvent) []string {
	t.Helper()
	var msgs []string
	for _, e := range events {
		if e.event != "log" {
			continue
		}
		var entry model.LogEntry
		if err := json.Unmarshal([]byte(e.data), &entry); err != nil {
			t.Fatalf("decode log event %q: %v", e.data, err)
		}
		if strconv.Itoa(entry.Seq) != e.id {
			t.Errorf("event id = %s, want seq %d", e.id, entry.Seq)
		}
		msgs = append(msgs, entry.Message)
	}
	return msgs
}

func containsMessage(msgs []string, want string) bool {
	for _, m := range msgs {
		if strings.Contains(m, want) {
			return true
		}
	}
	return false
}

func TestStreamLogsNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/v1/executions/nonexistent/logs", nil)
	wantStatus(t, resp, http.StatusNotFound)
}

func TestStreamLogsCompletedTask(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, echoManifest)
	task := env.submit(t, "/v1/executions?wait=true", model.TaskRequest{
		AlgorithmID:     algID,
		InputDatasetIDs: []string{env.putGeneric(t, "x")},
		Parameters:      map[string]any{"message": "hello from echo"},
	}, http.StatusOK)
	if task.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (error %+v)", task.Status, task.Error)
	}

	resp := env.do(t, "GET", "/v1/executions/"+task.ID+"/logs", nil)
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readEvents(t, resp.Body)
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if last.event != "done" || last.data != model.StatusSucceeded {
		t.Errorf("last event = %+v, want done/succeeded", last)
	}
	if msgs := logMessages(t, events); !containsMessage(msgs, "hello from echo") {
		t.Errorf("log messages %v missing the echo message", msgs)
	}
}

func TestStreamLogsFollowsRunningTask(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, gateManifest)
	task := env.submit(t, "/v1/executions", model.TaskRequest{
		AlgorithmID:     algID,
		InputDatasetIDs: []string{env.putGeneric(t, 1)},
	}, http.StatusAccepted)

	resp := env.do(t, "GET", "/v1/executions/"+task.ID+"/logs", nil)
	wantStatus(t, resp, http.StatusOK)

	done := make(chan []sseEvent, 1)
	go func() { done <- readEvents(t, resp.Body) }()

	// The stream must stay open while the task is blocked.
	select {
	case events := <-done:
		t.Fatalf("stream ended before the task finished: %+v", events)
	case <-time.After(100 * time.Millisecond):
	}
	close(env.gate)

	var events []sseEvent
	select {
	case events = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the task finished")
	}

	msgs := logMessages(t, events)
	for _, want := range []string{"waiting at gate", "gate opened"} {
		if !containsMessage(msgs, want) {
			t.Errorf("log messages %v missing %q", msgs, want)
		}
	}
	if last := events[len(events)-1]; last.event != "done" || last.data != model.StatusSucceeded {
		t.Errorf("last event = %+v, want done/succeeded", last)
	}
}

func TestStreamLogsResumesAfterLastEventID(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, echoManifest)
	task := env.submit(t, "/v1/executions?wait=true", model.TaskRequest{
		AlgorithmID:     algID,
		InputDatasetIDs: []string{env.putGeneric(t, "x")},
		Parameters:      map[string]any{"message": "resume"},
	}, http.StatusOK)

	full := readEvents(t, env.do(t, "GET", "/v1/executions/"+task.ID+"/logs", nil).Body)
	all := logMessages(t, full)
	if len(all) < 2 {
		t.Fatalf("need at least 2 log entries, got %v", all)
	}

	req, _ := http.NewRequest("GET", env.ts.URL+"/v1/executions/"+task.ID+"/logs", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	rest := logMessages(t, readEvents(t, resp.Body))
	if len(rest) != len(all)-1 {
		t.Errorf("resumed stream sent %d entries, want %d", len(rest), len(all)-1)
	}
}

func TestGetLogHistory(t *testing.T) {
	env := newTestEnv(t)
	algID := env.deploy(t, echoManifest)
	task := env.submit(t, "/v1/executions?wait=true", model.TaskRequest{
		AlgorithmID:     algID,
		InputDatasetIDs: []string{env.putGeneric(t, "x")},
		Parameters:      map[string]any{"message": "history"},
	}, http.StatusOK)

	resp := env.do(t, "GET", "/v1/executions/"+task.ID+"/logs/history", nil)
	wantStatus(t, resp, http.StatusOK)

	var body logHistoryResponse
	decodeJSON(t, resp, &body)
	if body.TaskID != task.ID {
		t.Errorf("task_id = %q, want %q", body.TaskID, task.ID)
	}
	if len(body.Entries) == 0 {
		t.Fatal("no entries")
	}
	for i, e := range body.Entries {
		if e.Seq != i+1 {
			t.Errorf("entries[%d].seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	resp = env.do(t, "GET", "/v1/executions/"+task.ID+"/logs/history?since="+strconv.Itoa(len(body.Entries)), nil)
	wantStatus(t, resp, http.StatusOK)
	var tail logHistoryResponse
	decodeJSON(t, resp, &tail)
	if len(tail.Entries) != 0 {
		t.Errorf("entries after the last seq = %d, want 0", len(tail.Entries))
	}
}

func TestGetLogHistoryNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/v1/executions/nonexistent/logs/history", nil)
	wantStatus(t, resp, http.StatusNotFound)
}
