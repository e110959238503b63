package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Failure kinds recorded on TaskError.
const (
	KindValidation  = "validation"
	KindNotFound    = "not_found"
	KindLoad        = "load"
	KindStage       = "stage"
	KindStorage     = "storage"
	KindCanceled    = "canceled"
	KindTimeout     = "timeout"
	KindWorkerLost  = "worker_lost"
	KindUnavailable = "unavailable"
)

// DeploymentError reports why a package could not be registered. Problems
// holds one entry per offending field or check.
type DeploymentError struct {
	Package  string
	Problems []error
}

func (e *DeploymentError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return fmt.Sprintf("deploy %s: %s", e.Package, strings.Join(msgs, "; "))
}

func (e *DeploymentError) Unwrap() []error { return e.Problems }

// FieldError is a single metadata problem found during deployment.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// LoadError reports a failed one-time asset load for an algorithm instance.
type LoadError struct {
	Key string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError reports a request parameter that violates its definition.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Message)
}

// StageError wraps a failure raised inside prepare, compute or finalize.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StorageError reports a failed fetch or store against the Storage Gateway.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrAlgorithmNotFound is returned when a task references an unknown algorithm.
var ErrAlgorithmNotFound = errors.New("algorithm not found")

// ClassifyError maps err to the failure kind recorded on a task.
func ClassifyError(err error) string {
	var (
		verr *ValidationError
		lerr *LoadError
		serr *StorageError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &verr):
		return KindValidation
	case errors.Is(err, ErrAlgorithmNotFound):
		return KindNotFound
	case errors.As(err, &lerr):
		return KindLoad
	case errors.As(err, &serr):
		return KindStorage
	default:
		return KindStage
	}
}
