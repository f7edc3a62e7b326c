package slab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/slabrunner/internal/engine"
)

// Default task polling budget: 30 polls, 15s apart.
const (
	DefaultPollInterval    = 15 * time.Second
	DefaultPollMaxAttempts = 30
)

// TaskSource fetches the raw status body of a task.
type TaskSource interface {
	FetchTask(ctx context.Context, taskID string) ([]byte, error)
}

// PollConfig bounds a polling loop.  At least one of MaxAttempts and
// Timeout must be positive; both may be set, whichever is hit first ends
// the loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// Poller waits for orchestrator tasks to become terminal.
type Poller struct {
	source TaskSource
	cfg    PollConfig
	logger *slog.Logger

	polls metric.Int64Counter
}

// NewPoller returns a Poller over source.  An unbounded cfg falls back to
// the default attempt budget.
func NewPoller(source TaskSource, cfg PollConfig, logger *slog.Logger, polls metric.Int64Counter) *Poller {
	if cfg.MaxAttempts <= 0 && cfg.Timeout <= 0 {
		cfg.MaxAttempts = DefaultPollMaxAttempts
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	return &Poller{source: source, cfg: cfg, logger: logger, polls: polls}
}

// PollUntilTerminal sleeps, fetches and inspects the task until it is
// done (returned), failed (*TaskFailedError) or the budget is spent
// (*TimeoutError).  Transport errors and non-200 answers count as a
// pending round.  A malformed body fails immediately with *ParseError.
func (p *Poller) PollUntilTerminal(ctx context.Context, taskID string, kind engine.TaskKind) (*Task, int, error) {
	start := time.Now()
	attempts := 0

	timeout := func() error {
		return &TimeoutError{
			TaskID:   taskID,
			Kind:     kind,
			Attempts: attempts,
			Elapsed:  time.Since(start),
		}
	}

	for {
		if p.exhausted(attempts, time.Since(start)) {
			return nil, attempts, timeout()
		}

		if err := sleep(ctx, p.cfg.Interval); err != nil {
			return nil, attempts, fmt.Errorf("waiting for %s task %s: %w", kind, taskID, err)
		}
		// The sleep may have crossed the time budget.
		if p.exhausted(attempts, time.Since(start)) {
			return nil, attempts, timeout()
		}

		attempts++
		if p.polls != nil {
			p.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		}

		body, err := p.source.FetchTask(ctx, taskID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, attempts, fmt.Errorf("waiting for %s task %s: %w", kind, taskID, ctxErr)
			}
			p.logger.Warn("task status fetch failed, will retry",
				slog.String("task", taskID),
				slog.String("kind", string(kind)),
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()),
			)
			continue
		}

		task, err := ParseTask(taskID, kind, body)
		if err != nil {
			return nil, attempts, err
		}

		switch task.Status {
		case engine.StatusDone:
			p.logger.Debug("task done",
				slog.String("task", taskID),
				slog.String("kind", string(kind)),
				slog.Int("attempts", attempts),
			)
			return task, attempts, nil
		case engine.StatusFailed:
			return nil, attempts, &TaskFailedError{
				TaskID:  taskID,
				Kind:    kind,
				Details: detailsText(task.Details),
			}
		default:
			p.logger.Debug("task pending",
				slog.String("task", taskID),
				slog.String("kind", string(kind)),
				slog.Int("attempt", attempts),
			)
		}
	}
}

func (p *Poller) exhausted(attempts int, elapsed time.Duration) bool {
	if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
		return true
	}
	return p.cfg.Timeout > 0 && elapsed >= p.cfg.Timeout
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
