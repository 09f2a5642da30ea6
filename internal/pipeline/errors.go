package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected means a frame arrived while a cycle was in flight and was
	// dropped. It is backpressure, not a failure.
	ErrAdmissionRejected = errors.New("admission rejected: inference in flight")
	ErrInferenceTimeout  = errors.New("inference timed out")
	ErrNotRunning        = errors.New("pipeline not running")
	ErrAlreadyRunning    = errors.New("pipeline already running")
)

// InferenceError wraps a failure reported by the inference collaborator.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
