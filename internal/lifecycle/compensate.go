package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/terrpan/slabrunner/internal/engine"
)

// compensator owns the runner handle retained after a start submission
// and issues at most one stop request for it.
type compensator struct {
	engine engine.Engine
	runner engine.RunnerHandle
	logger *slog.Logger

	once   sync.Once
	result string
}

// run requests a stop of the retained runner once.  It never returns an
// error: a failed compensation is logged so that it cannot hide cause.
func (c *compensator) run(ctx context.Context, cause error) string {
	c.once.Do(func() {
		c.logger.Info("cleaning up after failed start, stopping instance",
			slog.String("runner", c.runner.String()),
			slog.String("cause", cause.Error()),
		)
		ack, err := c.engine.RequestStop(ctx, c.runner)
		if err != nil {
			c.result = "error"
			c.logger.Error("compensating stop request failed",
				slog.String("runner", c.runner.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		c.result = "ok"
		c.logger.Info("compensating stop requested",
			slog.String("runner", c.runner.String()),
			slog.String("task", ack.TaskID),
		)
	})
	return c.result
}
