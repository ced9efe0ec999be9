package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

type ReconcileResult struct {
	Stale     int
	Recovered int
	Purged    int
}

// Reconcile removes jobs whose target no longer resolves, returns running
// jobs that have no valid lease to scheduled, and purges old tombstones.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	jobs, err := s.jobs.ListJobs(ctx, JobFilter{States: liveStates})
	if err != nil {
		return result, err
	}

	now := s.now()
	for i := range jobs {
		job := &jobs[i]

		if _, ok := s.targets.Resolve(job.Target.Ref); !ok {
			removed, err := s.markStale(ctx, job, now)
			if err != nil {
				return result, err
			}
			if removed {
				result.Stale++
			}
			continue
		}

		if job.State != StateRunning {
			continue
		}

		recovered, err := s.recoverOrphan(ctx, job, now)
		if err != nil {
			return result, err
		}
		if recovered {
			result.Recovered++
		}
	}

	purged, err := s.purgeTombstones(ctx, now)
	result.Purged = purged

	return result, err
}

func (s *Scheduler) recoverOrphan(ctx context.Context, job *Job, now time.Time) (bool, error) {
	lockKey, err := job.LockKey()
	if err != nil {
		return false, err
	}

	active, err := s.leases.Active(ctx, lockKey)
	if err != nil || active {
		return false, err
	}

	next := job.NextRunTime
	if next == nil {
		next = &now
	}

	ok, err := s.jobs.TransitionJob(ctx, Transition{
		JobID:       job.ID,
		From:        StateRunning,
		To:          StateScheduled,
		NextRunTime: next,
		Version:     &job.UpdatedAt,
		At:          now,
	})
	if err != nil || !ok {
		return false, err
	}

	s.metrics.RecoveredJobs.Inc()
	s.logger.Warnw("running job has no valid lease, returning it to scheduled",
		"job_id", job.ID,
		"lock_key", lockKey,
		"next_run_time", next,
	)

	return true, nil
}

func (s *Scheduler) purgeTombstones(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.tombstoneRetention <= 0 {
		return 0, nil
	}

	removed, err := s.jobs.ListJobs(ctx, JobFilter{States: []JobState{StateRemoved}})
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-s.cfg.tombstoneRetention)
	purged := 0
	for _, job := range removed {
		if job.UpdatedAt.After(cutoff) {
			continue
		}

		err := s.jobs.DeleteJob(ctx, job.ID)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return purged, err
		}
		purged++
	}

	return purged, nil
}
