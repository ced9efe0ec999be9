package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-tick/dispatch"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a scheduler worker until interrupted",
		Long: `Run a scheduler worker in the foreground.

The worker reconciles the store at startup, then polls for due jobs and runs
them under leases. On SIGINT or SIGTERM it stops dispatching and waits for
running jobs to finish, up to --shutdown-timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, opts, shutdownTimeout)
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running jobs on shutdown")

	return cmd
}

func serve(ctx context.Context, opts *rootOptions, shutdownTimeout time.Duration) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := a.newScheduler(dispatch.WithMetrics(dispatch.NewMetrics(reg)))
	if err != nil {
		return err
	}
	log := a.logger.With("worker_id", s.WorkerID())

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Infow("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := s.Start(gctx); err != nil {
		return err
	}
	log.Infow("worker started",
		"store", a.cfg.Store.Driver,
		"lease_backend", a.cfg.Lease.Backend,
		"targets", a.targets.Refs(),
	)

	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down, waiting for running jobs", "timeout", shutdownTimeout.String())

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil {
			return errors.Wrap(err, "running jobs did not finish in time")
		}

		log.Infow("worker stopped")
		return nil
	})

	return g.Wait()
}
