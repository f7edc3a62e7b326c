package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default registration budget.
const (
	DefaultQuietPeriod = 30 * time.Second
	DefaultInterval    = 10 * time.Second
	DefaultTimeout     = 30 * time.Minute
)

// ErrRegistrationTimeout is matched by *RegistrationTimeoutError.
var ErrRegistrationTimeout = errors.New("runner registration timed out")

// RegistrationTimeoutError reports a runner that never came online.
type RegistrationTimeoutError struct {
	Label    string
	Attempts int
	Elapsed  time.Duration
	// LastStatus is the last observed status, empty if never listed.
	LastStatus RunnerStatus
}

func (e *RegistrationTimeoutError) Error() string {
	seen := "never listed"
	if e.LastStatus != "" {
		seen = "last seen " + string(e.LastStatus)
	}
	return fmt.Sprintf("runner %s not online after %s (%d checks, %s)",
		e.Label, e.Elapsed.Round(time.Second), e.Attempts, seen)
}

func (e *RegistrationTimeoutError) Is(target error) bool { return target == ErrRegistrationTimeout }

// RunnerSource lists the repository's runners across all pages.
type RunnerSource interface {
	ListRunners(ctx context.Context) ([]Runner, error)
}

// WatchConfig bounds a registration wait.
type WatchConfig struct {
	// QuietPeriod is slept once before the first check; registration
	// never happens right after boot.
	QuietPeriod time.Duration
	Interval    time.Duration
	// Timeout bounds the checks after the quiet period (required).
	Timeout time.Duration
}

// Watcher waits for a runner to register and come online.
type Watcher struct {
	source RunnerSource
	cfg    WatchConfig
	logger *slog.Logger

	tracer trace.Tracer
	polls  metric.Int64Counter
}

// NewWatcher returns a Watcher over source.  A non-positive timeout is
// replaced by DefaultTimeout so the wait is always finite.
func NewWatcher(source RunnerSource, cfg WatchConfig, logger *slog.Logger) *Watcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	w := &Watcher{
		source: source,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("slabrunner/github"),
	}

	var err error
	w.polls, err = otel.Meter("slabrunner/github").Int64Counter(
		"slabrunner.registration.polls",
		metric.WithDescription("Runner registry checks while waiting for registration"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create registration polls counter", slog.String("error", err.Error()))
	}
	return w
}

// WaitForOnline sleeps the quiet period, then checks the runner list
// every interval until a runner named (or labelled) label is online.
// Listing errors count as "not found this round".
func (w *Watcher) WaitForOnline(ctx context.Context, label string) (*Runner, error) {
	ctx, span := w.tracer.Start(ctx, "github.WaitForOnline")
	defer span.End()
	span.SetAttributes(attribute.String("runner.label", label))

	w.logger.Info("waiting for runner registration",
		slog.String("runner", label),
		slog.Duration("quietPeriod", w.cfg.QuietPeriod),
	)
	if err := sleep(ctx, w.cfg.QuietPeriod); err != nil {
		return nil, fmt.Errorf("waiting for runner %s: %w", label, err)
	}

	w.logger.Info("checking runner registration",
		slog.String("runner", label),
		slog.Duration("interval", w.cfg.Interval),
		slog.Duration("timeout", w.cfg.Timeout),
	)

	start := time.Now()
	attempts := 0
	var last RunnerStatus

	for time.Since(start) < w.cfg.Timeout {
		attempts++
		if w.polls != nil {
			w.polls.Add(ctx, 1)
		}

		runners, err := w.source.ListRunners(ctx)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("waiting for runner %s: %w", label, ctxErr)
			}
			w.logger.Warn("listing runners failed, will retry",
				slog.String("runner", label),
				slog.String("error", err.Error()),
			)
		default:
			if r := findRunner(runners, label); r != nil {
				last = r.Status
				if r.Status == RunnerOnline {
					span.SetAttributes(attribute.Int64("runner.id", r.ID), attribute.Int("registration.checks", attempts))
					w.logger.Info("runner is registered and online",
						slog.String("runner", r.Name),
						slog.Int64("id", r.ID),
					)
					return r, nil
				}
				w.logger.Debug("runner registered but not online",
					slog.String("runner", label),
					slog.String("status", string(r.Status)),
				)
			} else {
				w.logger.Debug("runner not registered yet", slog.String("runner", label))
			}
		}

		if err := sleep(ctx, w.cfg.Interval); err != nil {
			return nil, fmt.Errorf("waiting for runner %s: %w", label, err)
		}
	}

	return nil, &RegistrationTimeoutError{
		Label:      label,
		Attempts:   attempts,
		Elapsed:    time.Since(start),
		LastStatus: last,
	}
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
