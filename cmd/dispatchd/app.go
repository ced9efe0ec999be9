package main

import (
	"context"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/go-tick/dispatch"
	"github.com/go-tick/dispatch/api"
	"github.com/go-tick/dispatch/internal/config"
	"github.com/go-tick/dispatch/redislease"
)

const storeConnectTimeout = time.Minute

// app holds the stores and targets shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	store   dispatch.Store
	leases  dispatch.LeaseStore
	targets *dispatch.TargetRegistry
	closers []func() error
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	a := &app{
		cfg:     opts.cfg,
		logger:  opts.logger,
		targets: builtinTargets(opts.logger),
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.leases = store

	if a.cfg.Lease.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)

		if err := client.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, errors.Mark(errors.Wrapf(err, "ping redis at %s", a.cfg.Redis.Addr), dispatch.ErrStoreUnavailable)
		}
		a.leases = redislease.New(client)
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) (dispatch.Store, error) {
	if a.cfg.Store.Driver == "memory" {
		a.logger.Warnw("using the in-memory store, jobs are lost on exit and are not shared with other workers")
		return dispatch.NewMemoryStore(), nil
	}

	var store *dispatch.SqlStore
	connect := func() error {
		var err error
		store, err = dispatch.NewSqlStore(ctx, dispatch.DefaultSqlConfig(
			dispatch.WithDriver(a.cfg.Store.Driver),
			dispatch.WithConn(a.cfg.Store.DSN),
		))
		if err != nil && !errors.Is(err, dispatch.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = storeConnectTimeout
	notify := func(err error, wait time.Duration) {
		a.logger.Warnw("connecting to job store failed, retrying",
			"driver", a.cfg.Store.Driver,
			"error", err,
			"retry_in", wait.String(),
		)
	}

	if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	return store, nil
}

func (a *app) newScheduler(options ...dispatch.Option[dispatch.SchedulerConfig]) (*dispatch.Scheduler, error) {
	base := []dispatch.Option[dispatch.SchedulerConfig]{
		dispatch.WithStore(a.store),
		dispatch.WithLeaseStore(a.leases),
		dispatch.WithTargets(a.targets),
		dispatch.WithLogger(a.logger),
		dispatch.WithPollInterval(a.cfg.Scheduler.PollInterval),
		dispatch.WithReconcileInterval(a.cfg.Scheduler.ReconcileInterval),
		dispatch.WithLeaseTTL(a.cfg.Lease.TTL),
		dispatch.WithWorkers(a.cfg.Scheduler.Workers),
		dispatch.WithBatchSize(a.cfg.Scheduler.BatchSize),
		dispatch.WithTombstoneRetention(a.cfg.Scheduler.TombstoneRetention),
	}
	if a.cfg.Worker.ID != "" {
		base = append(base, dispatch.WithWorkerID(a.cfg.Worker.ID))
	}

	return dispatch.NewScheduler(dispatch.DefaultSchedulerConfig(append(base, options...)...))
}

// registry returns a job registry over a scheduler that is never started, for
// the management subcommands.
func (a *app) registry() (*api.Registry, error) {
	s, err := a.newScheduler()
	if err != nil {
		return nil, err
	}
	return api.NewRegistry(s), nil
}

func (a *app) Close() error {
	var errs error
	for _, closer := range slices.Backward(a.closers) {
		errs = multierr.Append(errs, closer())
	}
	a.closers = nil
	return errs
}

// withRegistry opens the stores, runs fn against a registry and closes them.
func withRegistry(ctx context.Context, opts *rootOptions, fn func(*api.Registry) error) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	registry, err := a.registry()
	if err != nil {
		return err
	}

	return fn(registry)
}
