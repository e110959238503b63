package model

import "time"

// Task status constants.
const (
	StatusPending    = "pending"
	StatusPreparing  = "preparing"
	StatusComputing  = "computing"
	StatusFinalizing = "finalizing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Stage names. StageLoad and StageResolve are not algorithm stages but are
// reported as the failing stage when a task dies before prepare runs.
const (
	StageResolve  = "resolve"
	StageLoad     = "load"
	StagePrepare  = "prepare"
	StageCompute  = "compute"
	StageFinalize = "finalize"
)

// Log levels accepted on task log entries.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// validTransitions maps each status to the set of statuses it may transition to.
// The pipeline only moves forward; any non-terminal status may fail.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusPreparing: true,
		StatusFailed:    true,
	},
	StatusPreparing: {
		StatusComputing: true,
		StatusFailed:    true,
	},
	StatusComputing: {
		StatusFinalizing: true,
		StatusFailed:     true,
	},
	StatusFinalizing: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final task status.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// LogEntry is a single leveled log line emitted while a task runs.
type LogEntry struct {
	TaskID    string    `json:"task_id,omitempty"`
	Seq       int       `json:"seq"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskError describes why a task failed.
type TaskError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// TaskRequest is what a caller submits to run an algorithm.
type TaskRequest struct {
	AlgorithmID     string         `json:"algorithm_id"`
	InputDatasetIDs []string       `json:"input_dataset_ids"`
	Device          string         `json:"device,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	SessionToken    string         `json:"session_token,omitempty"`
	TimeoutS        *int           `json:"timeout_s,omitempty"`
}

// Task is the persisted and caller-visible record of one execution.
type Task struct {
	ID              string         `json:"id"`
	AlgorithmID     string         `json:"algorithm_id"`
	Device          string         `json:"device"`
	Status          string         `json:"status"`
	Progress        float64        `json:"progress"`
	InputDatasetIDs []string       `json:"input_dataset_ids"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	SessionToken    string         `json:"session_token,omitempty"`
	TimeoutS        *int           `json:"timeout_s,omitempty"`
	ResultIDs       []string       `json:"result_ids,omitempty"`
	Error           *TaskError     `json:"error,omitempty"`
	Logs            []LogEntry     `json:"logs,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// NewTask builds a pending task record for req.
func NewTask(req TaskRequest) *Task {
	inputs := append([]string(nil), req.InputDatasetIDs...)
	return &Task{
		ID:              NewID(),
		AlgorithmID:     req.AlgorithmID,
		Device:          req.Device,
		Status:          StatusPending,
		InputDatasetIDs: inputs,
		Parameters:      req.Parameters,
		SessionToken:    req.SessionToken,
		TimeoutS:        req.TimeoutS,
		CreatedAt:       time.Now().UTC(),
	}
}

// Request reconstructs the submission that produced t.
func (t *Task) Request() TaskRequest {
	return TaskRequest{
		AlgorithmID:     t.AlgorithmID,
		InputDatasetIDs: append([]string(nil), t.InputDatasetIDs...),
		Device:          t.Device,
		Parameters:      t.Parameters,
		SessionToken:    t.SessionToken,
		TimeoutS:        t.TimeoutS,
	}
}
