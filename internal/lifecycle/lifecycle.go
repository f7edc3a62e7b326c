// Package lifecycle drives one runner instance through its start or stop
// workflow.  It composes the engine (job submission and task polling) with
// the runner registration watcher, retries the initial submission a fixed
// number of times, and issues a compensating stop whenever a start fails
// after the orchestrator accepted it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/slabrunner/internal/engine"
	"github.com/terrpan/slabrunner/internal/github"
)

// DefaultSubmitAttempts is the number of tries for the initial job
// submission.
const DefaultSubmitAttempts = 3

// Mode selects the workflow.
type Mode string

const (
	ModeStart Mode = "start"
	ModeStop  Mode = "stop"
)

// State is a workflow state.  Terminal states are Ready, Stopped and the
// Failed* states.
type State string

const (
	StateIdle                State = "IDLE"
	StateSubmitting          State = "SUBMITTING"
	StateSubmitted           State = "SUBMITTED"
	StateWaitingInstance     State = "WAITING_INSTANCE"
	StateWaitingRegistration State = "WAITING_REGISTRATION"
	StateCompensating        State = "COMPENSATING"
	StateReady               State = "READY"
	StateStopped             State = "STOPPED"
	StateFailedSubmit        State = "FAILED_SUBMIT"
	StateFailedStart         State = "FAILED_START"
	StateFailedStop          State = "FAILED_STOP"
)

// ErrWorkflow is matched by every *WorkflowError.
var ErrWorkflow = errors.New("workflow failed")

// WorkflowError is the single terminal failure of a workflow.  State
// names the failed stage; Err is the error that caused it.
type WorkflowError struct {
	Mode  Mode
	State State
	Err   error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s workflow ended in %s: %v", e.Mode, e.State, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

func (e *WorkflowError) Is(target error) bool { return target == ErrWorkflow }

// RegistrationWatcher waits for a runner to come online.
type RegistrationWatcher interface {
	WaitForOnline(ctx context.Context, label string) (*github.Runner, error)
}

// RunnerRegistry finds and removes runner registrations.
type RunnerRegistry interface {
	FindRunner(ctx context.Context, label string) (*github.Runner, error)
	RemoveRunner(ctx context.Context, id int64) error
}

// Outputs is what a successful start publishes.
type Outputs struct {
	Label      string
	RunnerID   int64
	InstanceID string
}

// Config holds the workflow collaborators.
type Config struct {
	Engine  engine.Engine
	Watcher RegistrationWatcher
	// Registry, when set, is used after a successful stop to remove a
	// registration the instance left behind.
	Registry       RunnerRegistry
	SubmitAttempts int
	Logger         *slog.Logger
}

// Orchestrator runs start and stop workflows.  One workflow runs at a
// time; State may be read concurrently (health endpoint).
type Orchestrator struct {
	engine         engine.Engine
	watcher        RegistrationWatcher
	registry       RunnerRegistry
	submitAttempts int
	logger         *slog.Logger

	mu    sync.Mutex
	state State

	tracer trace.Tracer
	meter  metric.Meter

	compensations    metric.Int64Counter
	submitRetries    metric.Int64Counter
	workflowDuration metric.Float64Histogram
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = DefaultSubmitAttempts
	}

	o := &Orchestrator{
		engine:         cfg.Engine,
		watcher:        cfg.Watcher,
		registry:       cfg.Registry,
		submitAttempts: cfg.SubmitAttempts,
		logger:         cfg.Logger,
		state:          StateIdle,
		tracer:         otel.Tracer("slabrunner/lifecycle"),
		meter:          otel.Meter("slabrunner/lifecycle"),
	}

	var err error
	o.compensations, err = o.meter.Int64Counter(
		"slabrunner.compensations",
		metric.WithDescription("Compensating stop requests issued after a failed start"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create compensations counter", slog.String("error", err.Error()))
	}

	o.submitRetries, err = o.meter.Int64Counter(
		"slabrunner.submission.retries",
		metric.WithDescription("Job submissions retried after a failure"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create submission retries counter", slog.String("error", err.Error()))
	}

	o.workflowDuration, err = o.meter.Float64Histogram(
		"slabrunner.workflow.duration",
		metric.WithDescription("Wall time of a start or stop workflow (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create workflow duration histogram", slog.String("error", err.Error()))
	}

	return o
}

// State returns the current workflow state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("workflow state", slog.String("from", string(prev)), slog.String("to", string(s)))
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

// Start provisions an instance and waits until its runner is online.
// Once the orchestrator has accepted the start job, any later failure,
// including cancellation of ctx, triggers a single best-effort stop of
// the retained runner before the error is returned.
func (o *Orchestrator) Start(ctx context.Context, req engine.StartRequest) (*Outputs, error) {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Start")
	defer span.End()
	defer o.recordDuration(ctx, ModeStart, time.Now())

	o.setState(StateSubmitting)
	var ack *engine.StartAck
	err := o.submit(ctx, engine.TaskStart, func(ctx context.Context) error {
		a, err := o.engine.RequestStart(ctx, req)
		if err != nil {
			return err
		}
		ack = a
		return nil
	})
	if err != nil {
		return nil, o.fail(span, ModeStart, StateFailedSubmit, err)
	}

	// From here on the runner handle is the only key for cleanup.
	comp := &compensator{
		engine: o.engine,
		runner: ack.Runner,
		logger: o.logger,
	}
	o.setState(StateSubmitted)
	span.SetAttributes(
		attribute.String("runner.name", ack.Runner.String()),
		attribute.String("slab.task_id", ack.TaskID),
	)
	if len(ack.Details) > 0 {
		o.logger.Info("instance details",
			slog.String("runner", ack.Runner.String()),
			slog.String("details", string(ack.Details)),
		)
	}

	o.setState(StateWaitingInstance)
	res, err := o.engine.WaitForTask(ctx, ack.TaskID, engine.TaskStart)
	if err != nil {
		return nil, o.compensateAndFail(ctx, span, comp, fmt.Errorf("waiting for instance: %w", err))
	}
	o.logger.Info("instance started",
		slog.String("runner", ack.Runner.String()),
		slog.String("instanceID", res.InstanceID),
	)

	o.setState(StateWaitingRegistration)
	runner, err := o.watcher.WaitForOnline(ctx, ack.Runner.Name())
	if err != nil {
		return nil, o.compensateAndFail(ctx, span, comp, fmt.Errorf("waiting for runner registration: %w", err))
	}

	o.setState(StateReady)
	span.SetAttributes(attribute.Int64("runner.id", runner.ID))
	return &Outputs{
		Label:      ack.Runner.Name(),
		RunnerID:   runner.ID,
		InstanceID: res.InstanceID,
	}, nil
}

func (o *Orchestrator) compensateAndFail(ctx context.Context, span trace.Span, comp *compensator, cause error) error {
	o.setState(StateCompensating)
	// The caller's context may already be cancelled (operator interrupt);
	// the stop request must still go out.
	result := comp.run(context.WithoutCancel(ctx), cause)
	if o.compensations != nil {
		o.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	return o.fail(span, ModeStart, StateFailedStart, cause)
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

// Stop requests termination of the runner identified by h and waits for
// the stop task.  There is nothing to compensate: a failed wait is
// reported as FAILED_STOP.
func (o *Orchestrator) Stop(ctx context.Context, h engine.RunnerHandle) error {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Stop")
	defer span.End()
	defer o.recordDuration(ctx, ModeStop, time.Now())

	span.SetAttributes(attribute.String("runner.handle", h.String()))

	o.setState(StateSubmitting)
	var ack *engine.StopAck
	err := o.submit(ctx, engine.TaskStop, func(ctx context.Context) error {
		a, err := o.engine.RequestStop(ctx, h)
		if err != nil {
			return err
		}
		ack = a
		return nil
	})
	if err != nil {
		return o.fail(span, ModeStop, StateFailedSubmit, err)
	}
	o.setState(StateSubmitted)

	o.setState(StateWaitingInstance)
	if _, err := o.engine.WaitForTask(ctx, ack.TaskID, engine.TaskStop); err != nil {
		return o.fail(span, ModeStop, StateFailedStop, fmt.Errorf("waiting for instance stop: %w", err))
	}

	o.unregister(ctx, h)

	o.setState(StateStopped)
	o.logger.Info("instance successfully stopped", slog.String("runner", h.String()))
	return nil
}

// unregister removes a registration the terminated instance did not
// clean up.  Failures are logged only.
func (o *Orchestrator) unregister(ctx context.Context, h engine.RunnerHandle) {
	if o.registry == nil {
		return
	}

	id := h.ID()
	if id == 0 {
		r, err := o.registry.FindRunner(ctx, h.Name())
		if err != nil {
			o.logger.Warn("could not check runner registration after stop",
				slog.String("runner", h.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		if r == nil {
			return
		}
		id = r.ID
	}

	if err := o.registry.RemoveRunner(ctx, id); err != nil {
		o.logger.Warn("failed to unregister runner",
			slog.String("runner", h.String()),
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	o.logger.Info("runner registration removed",
		slog.String("runner", h.String()),
		slog.Int64("id", id),
	)
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// submit runs fn up to submitAttempts times with no delay between tries.
// Cancellation ends the retries immediately, and so does an error the
// engine reports after the job was accepted.
func (o *Orchestrator) submit(ctx context.Context, kind engine.TaskKind, fn func(context.Context) error) error {
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(o.submitAttempts-1)),
		ctx,
	)
	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && (ctx.Err() != nil || errors.Is(err, engine.ErrAccepted)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if o.submitRetries != nil {
			o.submitRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		}
		o.logger.Warn("submission failed, retrying",
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", o.submitAttempts),
			slog.String("error", err.Error()),
		)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("%s request failed after %d attempts: %w", kind, attempt, err)
	}
	return nil
}

func (o *Orchestrator) fail(span trace.Span, mode Mode, state State, err error) error {
	o.setState(state)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(state))
	o.logger.Error("workflow failed",
		slog.String("mode", string(mode)),
		slog.String("state", string(state)),
		slog.String("error", err.Error()),
	)
	return &WorkflowError{Mode: mode, State: state, Err: err}
}

func (o *Orchestrator) recordDuration(ctx context.Context, mode Mode, start time.Time) {
	if o.workflowDuration == nil {
		return
	}
	o.workflowDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("state", string(o.State())),
	))
}
