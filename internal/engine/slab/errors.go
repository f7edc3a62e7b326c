package slab

import (
	"errors"
	"fmt"
	"time"

	"github.com/terrpan/slabrunner/internal/engine"
)

// Sentinel errors for errors.Is checks.
var (
	ErrSubmission   = errors.New("job submission failed")
	ErrTaskFailed   = errors.New("task failed")
	ErrTaskTimeout  = errors.New("task polling budget exhausted")
	ErrParse        = errors.New("malformed orchestrator response")
	ErrHousekeeping = errors.New("task housekeeping failed")
)

// SubmissionError is returned when the orchestrator rejects a job
// submission or cannot be reached.  StatusCode is 0 for transport errors.
// Accepted is set when the orchestrator answered 2xx but the answer was
// unusable; such an error also matches engine.ErrAccepted.
type SubmissionError struct {
	Command    string
	StatusCode int
	Body       string
	Accepted   bool
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request rejected (HTTP %d): %s", e.Command, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s request failed: %v", e.Command, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmission || (e.Accepted && target == engine.ErrAccepted)
}

// TaskFailedError reports a task whose terminal status is failed.
type TaskFailedError struct {
	TaskID  string
	Kind    engine.TaskKind
	Details string
}

func (e *TaskFailedError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s task %s failed", e.Kind, e.TaskID)
	}
	return fmt.Sprintf("%s task %s failed: %s", e.Kind, e.TaskID, e.Details)
}

func (e *TaskFailedError) Is(target error) bool { return target == ErrTaskFailed }

// TimeoutError reports a task that never became terminal within the
// poller's budget.
type TimeoutError struct {
	TaskID   string
	Kind     engine.TaskKind
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s task %s not finished after %d polls (%s)",
		e.Kind, e.TaskID, e.Attempts, e.Elapsed.Round(time.Second))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTaskTimeout }

// ParseError reports a task status body that does not match the typed
// shape for its kind.
type ParseError struct {
	Kind engine.TaskKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s task status: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// HousekeepingError wraps a failed acknowledge or delete call.  It is
// logged by the controller and never returned to workflow callers.
type HousekeepingError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *HousekeepingError) Error() string {
	return fmt.Sprintf("%s task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *HousekeepingError) Unwrap() error { return e.Err }

func (e *HousekeepingError) Is(target error) bool { return target == ErrHousekeeping }

// statusError is a non-2xx answer from a non-submission endpoint.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.StatusCode, e.Body)
}
