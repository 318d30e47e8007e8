package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a run is requested before the model is loaded.
	ErrNotReady = errors.New("model not ready")

	// ErrServiceClosed is the load failure recorded when Close won the race
	// against Initialize.
	ErrServiceClosed = errors.New("service closed")

	// ErrEmptyMessage is returned for a run without a user message.
	ErrEmptyMessage = errors.New("message is required")

	// ErrEmptyArtifact is the fail-fast policy's verdict on blank stage output.
	ErrEmptyArtifact = errors.New("stage produced no output")
)

// StageExecutionError reports the stage that failed a run and why.
// No stage after it was started.
type StageExecutionError struct {
	Stage State
	Cause error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Cause
}

// FailedStage returns the stage recorded in err, if err is a StageExecutionError.
func FailedStage(err error) (State, bool) {
	var stageErr *StageExecutionError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}
