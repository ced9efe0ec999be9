package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	ua "go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const maxMutationAttempts = 5

var liveStates = []JobState{StateScheduled, StateRunning, StatePaused}

// Scheduler runs the dispatch loop for one worker process. Any number of
// schedulers may share a store; leases keep them from running the same job
// concurrently.
type Scheduler struct {
	cfg     *SchedulerConfig
	jobs    JobStore
	events  EventStore
	leases  *LeaseManager
	targets TargetResolver
	logger  *zap.SugaredLogger
	metrics *Metrics

	pool    *semaphore.Weighted
	started ua.Bool
	runNow  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	loopWg sync.WaitGroup
	runWg  sync.WaitGroup
}

func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("missing scheduler config")
	case cfg.jobStore == nil:
		return nil, errors.New("missing job store")
	case cfg.leaseStore == nil:
		return nil, errors.New("missing lease store")
	case cfg.targets == nil:
		return nil, errors.New("missing target resolver")
	case cfg.workerID == "":
		return nil, errors.New("missing worker id")
	case cfg.pollInterval <= 0 || cfg.reconcileInterval <= 0:
		return nil, errors.New("poll and reconcile intervals must be positive")
	case cfg.leaseTTL <= 0:
		return nil, errors.New("lease ttl must be positive")
	case cfg.workers < 1 || cfg.batchSize < 1:
		return nil, errors.New("workers and batch size must be positive")
	}

	return &Scheduler{
		cfg:     cfg,
		jobs:    cfg.jobStore,
		events:  cfg.eventStore,
		leases:  NewLeaseManager(cfg.leaseStore, cfg.workerID, cfg.clock),
		targets: cfg.targets,
		logger:  cfg.logger.With("worker_id", cfg.workerID),
		metrics: cfg.metrics,
		pool:    semaphore.NewWeighted(int64(cfg.workers)),
		runNow:  make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler) WorkerID() string {
	return s.cfg.workerID
}

func (s *Scheduler) now() time.Time {
	return s.cfg.clock().UTC().Truncate(time.Millisecond)
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSchedulerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if _, err := s.Reconcile(runCtx); err != nil {
		s.logger.Warnw("startup reconciliation failed", "error", err)
	}

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.loop(runCtx)
	}()

	return nil
}

// Stop ends the dispatch loop and waits for in-flight jobs to finish or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.started.CompareAndSwap(true, false) {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.loopWg.Wait()
		s.runWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wakeup asks the dispatch loop to run a cycle now instead of waiting for the
// next poll.
func (s *Scheduler) Wakeup() {
	select {
	case s.runNow <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	s.logger.Infow("dispatch loop running",
		"poll_interval", s.cfg.pollInterval.String(),
		"reconcile_interval", s.cfg.reconcileInterval.String(),
		"lease_ttl", s.cfg.leaseTTL.String(),
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.pollInterval
	b.MaxInterval = s.cfg.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	reconcile := time.NewTicker(s.cfg.reconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("dispatch loop received shutdown, waiting for jobs to finish")
			return
		case <-reconcile.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Warnw("reconciliation failed", "error", err)
			}
			continue
		case <-timer.C:
		case <-s.runNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := s.cfg.pollInterval
		if _, err := s.DispatchOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait = b.NextBackOff()
			s.logger.Errorw("dispatch cycle failed, backing off", "error", err, "retry_in", wait.String())
		} else {
			b.Reset()
		}

		timer.Reset(wait)
	}
}

// DispatchOnce runs one dispatch cycle and returns how many job invocations it
// started. A store failure aborts the cycle; due jobs stay due.
func (s *Scheduler) DispatchOnce(ctx context.Context) (int, error) {
	s.metrics.Cycles.Inc()

	now := s.now()
	due, err := s.jobs.ListJobs(ctx, JobFilter{
		States:    []JobState{StateScheduled},
		DueBefore: &now,
		Limit:     s.cfg.batchSize,
	})
	if err != nil {
		s.metrics.CycleErrors.Inc()
		return 0, err
	}

	started := 0
	for i := range due {
		ok, err := s.dispatch(ctx, &due[i], now)
		if errors.Is(err, ErrStoreUnavailable) {
			s.metrics.CycleErrors.Inc()
			return started, err
		}
		if err != nil {
			s.logger.Errorw("dispatching job failed", "job_id", due[i].ID, "error", err)
			continue
		}
		if ok {
			started++
		}
	}

	return started, nil
}

func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) (bool, error) {
	fn, ok := s.targets.Resolve(job.Target.Ref)
	if !ok {
		_, err := s.markStale(ctx, job, now)
		return false, err
	}

	scheduledAt := *job.NextRunTime
	if job.MisfireGraceTime != nil && now.Sub(scheduledAt) > *job.MisfireGraceTime {
		return false, s.skipMisfire(ctx, job, scheduledAt, now)
	}

	lockKey, err := job.LockKey()
	if err != nil {
		return false, err
	}

	if !s.pool.TryAcquire(1) {
		s.metrics.PoolSaturated.Inc()
		s.logger.Debugw("worker pool full, leaving job due", "job_id", job.ID)
		return false, nil
	}

	acquired, err := s.leases.Acquire(ctx, lockKey, s.cfg.leaseTTL)
	if err != nil {
		s.pool.Release(1)
		return false, err
	}
	if !acquired {
		s.pool.Release(1)
		s.metrics.LeaseContended.Inc()
		s.logger.Debugw("lease held elsewhere, skipping job", "job_id", job.ID, "lock_key", lockKey)
		return false, nil
	}

	// the listing may be stale; only fire if the job is still scheduled and due
	ok, err = s.jobs.TransitionJob(ctx, Transition{
		JobID:       job.ID,
		From:        StateScheduled,
		To:          StateRunning,
		NextRunTime: job.NextRunTime,
		DueBy:       &now,
		At:          now,
	})
	if err != nil || !ok {
		s.releaseLease(context.WithoutCancel(ctx), job.ID, lockKey)
		s.pool.Release(1)
		return false, err
	}

	s.runWg.Add(1)
	s.metrics.RunningJobs.Inc()
	go func() {
		defer s.runWg.Done()
		defer s.pool.Release(1)
		defer s.metrics.RunningJobs.Dec()

		s.run(ctx, job, fn, lockKey, scheduledAt)
		s.Wakeup()
	}()

	return true, nil
}

func (s *Scheduler) run(ctx context.Context, job *Job, fn JobFunc, lockKey string, scheduledAt time.Time) {
	bookkeeping := context.WithoutCancel(ctx)
	s.emit(bookkeeping, newEvent(EventFired, job, s.cfg.workerID, &scheduledAt, s.now()))

	started := time.Now()
	err := s.invoke(ctx, job, fn)
	elapsed := time.Since(started)
	s.metrics.JobDuration.Observe(elapsed.Seconds())

	finished := s.now()
	event := newEvent(EventExecuted, job, s.cfg.workerID, &scheduledAt, finished)
	if err != nil {
		event.Type = EventErrored
		event.Exception = err.Error()
		s.logger.Errorw("job failed", "job_id", job.ID, "error", err)
	}
	s.emit(bookkeeping, event)

	if elapsed > s.cfg.leaseTTL {
		s.metrics.LeaseTTLOverrun.Inc()
		s.logger.Warnw("job outlived its lease, another worker may have run it concurrently",
			"job_id", job.ID,
			"lock_key", lockKey,
			"elapsed", elapsed.String(),
			"lease_ttl", s.cfg.leaseTTL.String(),
		)
	}

	s.complete(bookkeeping, job.ID, scheduledAt, finished)
	s.releaseLease(bookkeeping, job.ID, lockKey)
}

func (s *Scheduler) invoke(ctx context.Context, job *Job, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &JobError{JobID: job.ID, Panic: r}
		}
	}()

	if err := fn(ctx, job.Target.Args, job.Target.Kwargs); err != nil {
		return &JobError{JobID: job.ID, Err: err}
	}

	return nil
}

// complete moves a finished job back to scheduled, or to removed when its
// trigger is exhausted. Jobs paused or removed during the run are left alone.
func (s *Scheduler) complete(ctx context.Context, jobID string, scheduledAt, now time.Time) {
	current, err := s.jobs.FindJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return
	}
	if err != nil {
		s.logger.Errorw("loading job after run failed", "job_id", jobID, "error", err)
		return
	}
	if current.State != StateRunning {
		return
	}

	next, err := current.nextAfterRun(scheduledAt, now)
	if err != nil {
		s.logger.Errorw("computing next run time failed, removing job", "job_id", jobID, "error", err)
		next = nil
	}

	to := StateScheduled
	if next == nil {
		to = StateRemoved
	}

	ok, err := s.jobs.TransitionJob(ctx, Transition{
		JobID:       jobID,
		From:        StateRunning,
		To:          to,
		NextRunTime: next,
		At:          now,
	})
	if err != nil {
		s.logger.Errorw("rescheduling job failed", "job_id", jobID, "error", err)
		return
	}
	if ok && to == StateRemoved {
		s.logger.Infow("job trigger exhausted, removing", "job_id", jobID)
		s.emit(ctx, newEvent(EventRemoved, current, s.cfg.workerID, nil, now))
	}
}

func (s *Scheduler) skipMisfire(ctx context.Context, job *Job, scheduledAt, now time.Time) error {
	next, err := job.nextAfterRun(scheduledAt, now)
	if err != nil {
		return err
	}

	to := StateScheduled
	if next == nil {
		to = StateRemoved
	}

	ok, err := s.jobs.TransitionJob(ctx, Transition{
		JobID:       job.ID,
		From:        StateScheduled,
		To:          to,
		NextRunTime: next,
		DueBy:       &now,
		At:          now,
	})
	if err != nil || !ok {
		return err
	}

	s.logger.Warnw("run missed its grace time, skipping",
		"job_id", job.ID,
		"scheduled_run_time", scheduledAt,
		"grace_time", job.MisfireGraceTime.String(),
	)
	s.emit(ctx, newEvent(EventMissed, job, s.cfg.workerID, &scheduledAt, now))
	if to == StateRemoved {
		s.emit(ctx, newEvent(EventRemoved, job, s.cfg.workerID, nil, now))
	}

	return nil
}

func (s *Scheduler) markStale(ctx context.Context, job *Job, now time.Time) (bool, error) {
	ok, err := s.jobs.TransitionJob(ctx, Transition{
		JobID:   job.ID,
		From:    job.State,
		To:      StateRemoved,
		Version: &job.UpdatedAt,
		At:      now,
	})
	if err != nil || !ok {
		return false, err
	}

	s.metrics.StaleJobs.Inc()
	s.logger.Warnw("job target cannot be resolved, removing job", "job_id", job.ID, "target", job.Target.Ref)

	event := newEvent(EventRemoved, job, s.cfg.workerID, nil, now)
	event.Exception = errors.Wrapf(ErrTargetUnresolvable, "target %q", job.Target.Ref).Error()
	s.emit(ctx, event)

	return true, nil
}

func (s *Scheduler) releaseLease(ctx context.Context, jobID, lockKey string) {
	if err := s.leases.Release(ctx, lockKey); err != nil {
		s.logger.Errorw("releasing lease failed", "job_id", jobID, "lock_key", lockKey, "error", err)
	}
}

func (s *Scheduler) emit(ctx context.Context, event Event) {
	s.metrics.JobEvents.WithLabelValues(string(event.Type)).Inc()

	for _, listener := range s.cfg.listeners {
		listener.OnEvent(event)
	}

	if s.events == nil {
		return
	}
	if err := s.events.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warnw("recording event failed", "job_id", event.JobID, "event", event.Type, "error", err)
	}
}
