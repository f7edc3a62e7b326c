// Package engine defines the contract between the lifecycle workflows and
// the backend that actually provisions and terminates runner instances.
// The backend is remote: every call submits or inspects an asynchronous
// task at the orchestrator, so the rest of the system stays provider
// agnostic.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// ErrAccepted is matched by submission errors raised after the
// orchestrator already accepted the job, such as an unreadable answer.
// Such a submission must not be repeated: the job may be running.
var ErrAccepted = errors.New("job accepted by the orchestrator")

// Engine is the Instance Controller contract.
//
// The full lifecycle of one instance is:
//
//	RequestStart → WaitForTask(start) → (runner registers) → RequestStop → WaitForTask(stop)
//
// RequestStart and RequestStop perform exactly one outbound request and
// never retry; retries are the caller's responsibility.  WaitForTask
// blocks until the task is terminal or its polling budget is exhausted.
type Engine interface {
	// RequestStart submits a start task for a new instance.  The returned
	// acknowledgement carries the runner handle that correlates every
	// later call for this instance.
	RequestStart(ctx context.Context, req StartRequest) (*StartAck, error)

	// RequestStop submits a stop task for the runner identified by h.
	RequestStop(ctx context.Context, h RunnerHandle) (*StopAck, error)

	// WaitForTask polls the task until it is done, failed or out of
	// budget.  For start tasks it also performs post-completion
	// acknowledgement and cleanup; failures there are logged only.
	WaitForTask(ctx context.Context, taskID string, kind TaskKind) (*TaskResult, error)
}

// TaskKind names the orchestrator task family.  It is also the key under
// which the orchestrator reports the task's status.
type TaskKind string

const (
	TaskStart                    TaskKind = "start"
	TaskStop                     TaskKind = "stop"
	TaskGitHubConfigurationFetch TaskKind = "github-configuration-fetch"
	TaskGitHubRunnerUnregister   TaskKind = "github-runner-unregister"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskStart, TaskStop, TaskGitHubConfigurationFetch, TaskGitHubRunnerUnregister:
		return true
	}
	return false
}

// TaskStatus is the orchestrator-side state of a task.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusDone    TaskStatus = "done"
	StatusFailed  TaskStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Placement is the raw cloud placement used when no orchestrator profile
// is selected.
type Placement struct {
	Region           string
	ImageID          string
	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
}

// StartRequest describes the instance to provision.  It is built once per
// start invocation and never modified.
type StartRequest struct {
	Provider string
	// Profile selects an orchestrator-side profile.  Mutually exclusive
	// with Placement.
	Profile        string
	Placement      *Placement
	SHA            string
	Ref            string
	CreateWatchdog bool
}

// StartAck is the orchestrator's answer to a start submission.
type StartAck struct {
	TaskID  string
	Runner  RunnerHandle
	Details json.RawMessage
}

// StopAck is the orchestrator's answer to a stop submission.
type StopAck struct {
	TaskID string
}

// TaskResult is the terminal, successful projection of a task.
type TaskResult struct {
	TaskID     string
	Kind       TaskKind
	Status     TaskStatus
	InstanceID string
	Details    json.RawMessage
	// Attempts is the number of status fetches performed.
	Attempts int
}

// RunnerHandle identifies a runner either by its label (name) or by the
// platform-assigned numeric id.  It is constructed once and threaded
// through unchanged; callers never inspect which form it holds except to
// serialize it.
type RunnerHandle struct {
	name string
	id   int64
}

// HandleFromName returns a handle for a runner known by its label.
func HandleFromName(name string) RunnerHandle { return RunnerHandle{name: name} }

// HandleFromID returns a handle for a runner known by its platform id.
func HandleFromID(id int64) RunnerHandle { return RunnerHandle{id: id} }

// IsZero reports whether the handle identifies nothing.
func (h RunnerHandle) IsZero() bool { return h.name == "" && h.id == 0 }

// Name returns the runner label, or "" when the handle holds an id.
func (h RunnerHandle) Name() string { return h.name }

// ID returns the platform id, or 0 when the handle holds a label.
func (h RunnerHandle) ID() int64 { return h.id }

func (h RunnerHandle) String() string {
	if h.name != "" {
		return h.name
	}
	if h.id != 0 {
		return strconv.FormatInt(h.id, 10)
	}
	return ""
}
