package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/go-tick/dispatch"
)

const (
	targetNoop  = "builtin.noop"
	targetLog   = "builtin.log"
	targetSleep = "builtin.sleep"
)

// builtinTargets registers the job functions every dispatchd binary knows.
// Jobs that point elsewhere are removed by reconciliation.
func builtinTargets(logger *zap.SugaredLogger) *dispatch.TargetRegistry {
	targets := dispatch.NewTargetRegistry()

	targets.MustRegister(targetNoop, func(context.Context, []any, map[string]any) error {
		return nil
	})

	targets.MustRegister(targetLog, func(_ context.Context, args []any, kwargs map[string]any) error {
		logger.Infow("builtin.log", "args", args, "kwargs", kwargs)
		return nil
	})

	targets.MustRegister(targetSleep, sleep)

	return targets
}

// sleep waits for kwargs["duration"], a Go duration string.
func sleep(ctx context.Context, _ []any, kwargs map[string]any) error {
	raw, ok := kwargs["duration"].(string)
	if !ok {
		return errors.New("builtin.sleep needs a duration kwarg such as \"30s\"")
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrap(err, "builtin.sleep")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
