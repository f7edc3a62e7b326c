// Package slab implements engine.Engine on top of the Slab orchestrator's
// HTTP API.  Start and stop requests are submitted as signed jobs; the
// resulting asynchronous tasks are polled until they become terminal.
//
// The orchestrator authenticates callers with an HMAC-SHA256 signature of
// the request body keyed by a shared job secret (see Sign).
package slab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/slabrunner/internal/engine"
)

// Config holds orchestrator-specific settings.
type Config struct {
	// URL is the orchestrator base URL (required).
	URL string

	// Secret is the shared job secret used to sign submissions (required).
	Secret string

	// Repository is the "owner/repo" the runners are registered for.
	Repository string

	// SHA and Ref are sent with stop requests.
	SHA string
	Ref string

	// Polling bounds every WaitForTask call.
	Polling PollConfig

	// Acknowledge and DeleteTask enable post-completion hygiene.
	Acknowledge bool
	DeleteTask  bool

	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
}

// Controller is the Instance Controller.
type Controller struct {
	client *Client
	poller *Poller
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	submissions  metric.Int64Counter
	taskPolls    metric.Int64Counter
	housekeeping metric.Int64Counter
}

// Compile-time check that Controller satisfies the engine.Engine interface.
var _ engine.Engine = (*Controller)(nil)

// startResponse is the job endpoint's answer to start_instance.
type startResponse struct {
	TaskID     string          `json:"task_id"`
	RunnerName string          `json:"runner_name"`
	Details    json.RawMessage `json:"details"`
}

// stopResponse is the job endpoint's answer to stop_instance.
type stopResponse struct {
	TaskID string `json:"task_id"`
}

type startPayload struct {
	Details startDetails `json:"details"`
	SHA     string       `json:"sha"`
	GitRef  string       `json:"git_ref"`
}

type startDetails struct {
	Backend backendParams `json:"backend"`
}

type backendParams struct {
	Provider           string   `json:"provider"`
	Profile            string   `json:"profile,omitempty"`
	Region             string   `json:"region,omitempty"`
	ImageID            string   `json:"image_id,omitempty"`
	InstanceType       string   `json:"instance_type,omitempty"`
	SubnetID           string   `json:"subnet_id,omitempty"`
	SecurityGroupIDs   []string `json:"security_group_ids,omitempty"`
	CreateWatchdogTask bool     `json:"create_watchdog_task"`
}

type stopPayload struct {
	RunnerName string `json:"runner_name,omitempty"`
	RunnerID   int64  `json:"runner_id,omitempty"`
	Action     string `json:"action"`
	SHA        string `json:"sha"`
	GitRef     string `json:"git_ref"`
}

// New creates a Controller for the configured orchestrator.
func New(cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.URL == "" {
		return nil, errors.New("slab: URL is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("slab: secret is required")
	}
	client, err := NewClient(cfg.URL, cfg.Secret, cfg.Repository, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("slab: %w", err)
	}
	return newController(client, client, cfg, logger), nil
}

func newController(client *Client, source TaskSource, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("slabrunner/engine/slab"),
		meter:  otel.Meter("slabrunner/engine/slab"),
	}

	var err error
	c.submissions, err = c.meter.Int64Counter(
		"slabrunner.submissions",
		metric.WithDescription("Job submissions sent to the orchestrator"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create submissions counter", slog.String("error", err.Error()))
	}

	c.taskPolls, err = c.meter.Int64Counter(
		"slabrunner.task.polls",
		metric.WithDescription("Task status fetches"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create task polls counter", slog.String("error", err.Error()))
	}

	c.housekeeping, err = c.meter.Int64Counter(
		"slabrunner.task.housekeeping",
		metric.WithDescription("Task acknowledge and delete calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create housekeeping counter", slog.String("error", err.Error()))
	}

	c.poller = NewPoller(source, cfg.Polling, logger, c.taskPolls)
	return c
}

// RequestStart submits a start_instance job.
func (c *Controller) RequestStart(ctx context.Context, req engine.StartRequest) (*engine.StartAck, error) {
	ctx, span := c.tracer.Start(ctx, "engine.slab.RequestStart")
	defer span.End()

	backend := backendParams{
		Provider:           req.Provider,
		Profile:            req.Profile,
		CreateWatchdogTask: req.CreateWatchdog,
	}
	if p := req.Placement; p != nil {
		backend.Region = p.Region
		backend.ImageID = p.ImageID
		backend.InstanceType = p.InstanceType
		backend.SubnetID = p.SubnetID
		backend.SecurityGroupIDs = p.SecurityGroupIDs
	}
	payload := startPayload{
		Details: startDetails{Backend: backend},
		SHA:     req.SHA,
		GitRef:  req.Ref,
	}

	span.SetAttributes(
		attribute.String("slab.provider", req.Provider),
		attribute.String("slab.profile", req.Profile),
		attribute.String("git.sha", req.SHA),
	)

	c.logger.Info("requesting instance start",
		slog.String("provider", req.Provider),
		slog.String("profile", req.Profile),
		slog.String("sha", req.SHA),
	)

	var resp startResponse
	err := c.client.Submit(ctx, CommandStartInstance, payload, &resp)
	if err == nil {
		switch {
		case resp.TaskID == "":
			err = &SubmissionError{Command: CommandStartInstance, Accepted: true, Err: &ParseError{Kind: engine.TaskStart, Err: errors.New("response has no task_id")}}
		case resp.RunnerName == "":
			err = &SubmissionError{Command: CommandStartInstance, Accepted: true, Err: &ParseError{Kind: engine.TaskStart, Err: errors.New("response has no runner_name")}}
		}
	}
	c.countSubmission(ctx, CommandStartInstance, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start submission failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("slab.task_id", resp.TaskID),
		attribute.String("runner.name", resp.RunnerName),
	)
	c.logger.Info("instance start requested",
		slog.String("task", resp.TaskID),
		slog.String("runner", resp.RunnerName),
	)

	return &engine.StartAck{
		TaskID:  resp.TaskID,
		Runner:  engine.HandleFromName(resp.RunnerName),
		Details: resp.Details,
	}, nil
}

// RequestStop submits a stop_instance job for h.
func (c *Controller) RequestStop(ctx context.Context, h engine.RunnerHandle) (*engine.StopAck, error) {
	ctx, span := c.tracer.Start(ctx, "engine.slab.RequestStop")
	defer span.End()

	if h.IsZero() {
		return nil, &SubmissionError{Command: CommandStopInstance, Err: errors.New("empty runner handle")}
	}

	payload := stopPayload{
		RunnerName: h.Name(),
		RunnerID:   h.ID(),
		Action:     "terminate",
		SHA:        c.cfg.SHA,
		GitRef:     c.cfg.Ref,
	}

	span.SetAttributes(attribute.String("runner.handle", h.String()))
	c.logger.Info("requesting instance stop", slog.String("runner", h.String()))

	var resp stopResponse
	err := c.client.Submit(ctx, CommandStopInstance, payload, &resp)
	if err == nil && resp.TaskID == "" {
		err = &SubmissionError{Command: CommandStopInstance, Accepted: true, Err: &ParseError{Kind: engine.TaskStop, Err: errors.New("response has no task_id")}}
	}
	c.countSubmission(ctx, CommandStopInstance, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stop submission failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("slab.task_id", resp.TaskID))
	c.logger.Info("instance stop requested",
		slog.String("task", resp.TaskID),
		slog.String("runner", h.String()),
	)
	return &engine.StopAck{TaskID: resp.TaskID}, nil
}

// WaitForTask polls the task to a terminal state.  Once a task is done
// its record is acknowledged (start tasks only) and deleted; failures of
// those calls are logged and do not affect the result.
func (c *Controller) WaitForTask(ctx context.Context, taskID string, kind engine.TaskKind) (*engine.TaskResult, error) {
	ctx, span := c.tracer.Start(ctx, "engine.slab.WaitForTask")
	defer span.End()

	span.SetAttributes(
		attribute.String("slab.task_id", taskID),
		attribute.String("slab.task_kind", string(kind)),
	)

	c.logger.Info("waiting for task",
		slog.String("task", taskID),
		slog.String("kind", string(kind)),
		slog.Duration("interval", c.poller.cfg.Interval),
		slog.Int("maxAttempts", c.poller.cfg.MaxAttempts),
	)

	task, attempts, err := c.poller.PollUntilTerminal(ctx, taskID, kind)
	span.SetAttributes(attribute.Int("slab.poll_attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task did not complete")
		return nil, err
	}

	if kind == engine.TaskStart && c.cfg.Acknowledge {
		c.runHousekeeping(ctx, "acknowledge", taskID, c.client.Acknowledge)
	}
	if c.cfg.DeleteTask {
		c.runHousekeeping(ctx, "delete", taskID, c.client.DeleteTask)
	}

	return &engine.TaskResult{
		TaskID:     task.ID,
		Kind:       task.Kind,
		Status:     task.Status,
		InstanceID: task.InstanceID,
		Details:    task.Details,
		Attempts:   attempts,
	}, nil
}

func (c *Controller) runHousekeeping(ctx context.Context, op, taskID string, fn func(context.Context, string) error) {
	result := "ok"
	if err := fn(ctx, taskID); err != nil {
		result = "error"
		herr := &HousekeepingError{Op: op, TaskID: taskID, Err: err}
		c.logger.Error("task housekeeping failed",
			slog.String("op", op),
			slog.String("task", taskID),
			slog.String("error", herr.Error()),
		)
	}
	if c.housekeeping != nil {
		c.housekeeping.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("result", result),
		))
	}
}

func (c *Controller) countSubmission(ctx context.Context, command string, err error) {
	if c.submissions == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("result", result),
	))
}
