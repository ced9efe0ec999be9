package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Add persists a new job and returns its id. With ReplaceExisting a live job
// holding the same id is overwritten; otherwise ErrDuplicateJobID is returned.
func (s *Scheduler) Add(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxInstances == 0 {
		job.MaxInstances = 1
	}
	if job.MisfirePolicy == "" {
		job.MisfirePolicy = MisfireCoalesce
	}
	if err := job.validate(); err != nil {
		return "", err
	}
	if _, ok := s.targets.Resolve(job.Target.Ref); !ok {
		return "", errors.Wrapf(ErrTargetUnresolvable, "target %q", job.Target.Ref)
	}

	now := s.now()
	next, err := NextFireTime(job.Trigger, now)
	if err != nil {
		return "", err
	}
	if next == nil {
		return "", invalidTrigger("%s never fires after %s", job.Trigger.Description(), now.Format(time.RFC3339))
	}

	job.NextRunTime = next
	job.State = StateScheduled
	job.CreatedAt = now
	job.UpdatedAt = now

	eventType := EventAdded
	err = s.jobs.InsertJob(ctx, job)
	if errors.Is(err, ErrDuplicateJobID) && job.ReplaceExisting {
		eventType = EventModified
		err = s.replace(ctx, job)
	}
	if err != nil {
		return "", err
	}

	s.logger.Infow("job added", "job_id", job.ID, "trigger", job.Trigger.Description(), "next_run_time", next)
	s.emit(ctx, newEvent(eventType, &job, s.cfg.workerID, nil, now))
	s.Wakeup()

	return job.ID, nil
}

func (s *Scheduler) replace(ctx context.Context, job Job) error {
	for range maxMutationAttempts {
		existing, err := s.jobs.FindJob(ctx, job.ID)
		if errors.Is(err, ErrJobNotFound) {
			if err := s.jobs.InsertJob(ctx, job); !errors.Is(err, ErrDuplicateJobID) {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		// a running instance keeps its state so its completion can reschedule
		replacement := job
		if existing.State == StateRunning {
			replacement.State = StateRunning
		}

		ok, err := s.jobs.ReplaceJob(ctx, replacement, existing.State)
		if err != nil || ok {
			return err
		}
	}

	return errors.Newf("job %s changed concurrently, giving up after %d attempts", job.ID, maxMutationAttempts)
}

// mutate applies fn to the current definition of a live job and writes it
// back with a compare-and-swap on its state. fn reports false to skip the
// write.
func (s *Scheduler) mutate(ctx context.Context, jobID string, fn func(job *Job, now time.Time) (bool, error)) (*Job, bool, error) {
	for range maxMutationAttempts {
		job, err := s.jobs.FindJob(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		if job.State == StateRemoved {
			return nil, false, ErrJobNotFound
		}

		expected := job.State
		now := s.now()
		changed, err := fn(job, now)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return job, false, nil
		}

		job.UpdatedAt = now
		ok, err := s.jobs.ReplaceJob(ctx, *job, expected)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return job, true, nil
		}
	}

	return nil, false, errors.Newf("job %s changed concurrently, giving up after %d attempts", jobID, maxMutationAttempts)
}

// Remove tombstones a job. An instance that is already running is not
// interrupted.
func (s *Scheduler) Remove(ctx context.Context, jobID string) error {
	job, _, err := s.mutate(ctx, jobID, func(job *Job, _ time.Time) (bool, error) {
		job.State = StateRemoved
		job.NextRunTime = nil
		return true, nil
	})
	if err != nil {
		return err
	}

	s.logger.Infow("job removed", "job_id", jobID)
	s.emit(ctx, newEvent(EventRemoved, job, s.cfg.workerID, nil, job.UpdatedAt))

	return nil
}

// RemoveAll removes every live job and returns how many were removed.
func (s *Scheduler) RemoveAll(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListJobs(ctx, JobFilter{States: liveStates})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range jobs {
		err := s.Remove(ctx, job.ID)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// Update replaces the trigger, and optionally the target, of a job and
// recomputes its next run time. A running instance is not affected.
func (s *Scheduler) Update(ctx context.Context, jobID string, update JobUpdate) (*Job, error) {
	if update.Trigger == nil {
		return nil, invalidTrigger("update needs a trigger")
	}
	if update.Target != nil {
		if update.Target.Ref == "" {
			return nil, errors.Wrap(ErrInvalidJob, "job has no target reference")
		}
		if _, ok := s.targets.Resolve(update.Target.Ref); !ok {
			return nil, errors.Wrapf(ErrTargetUnresolvable, "target %q", update.Target.Ref)
		}
	}

	job, _, err := s.mutate(ctx, jobID, func(job *Job, now time.Time) (bool, error) {
		next, err := NextFireTime(update.Trigger, now)
		if err != nil {
			return false, err
		}
		if next == nil {
			return false, invalidTrigger("%s never fires after %s", update.Trigger.Description(), now.Format(time.RFC3339))
		}

		job.Trigger = update.Trigger
		if update.Target != nil {
			job.Target = *update.Target
		}
		if job.State != StatePaused {
			job.NextRunTime = next
		}

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("job modified", "job_id", jobID, "trigger", job.Trigger.Description(), "next_run_time", job.NextRunTime)
	s.emit(ctx, newEvent(EventModified, job, s.cfg.workerID, nil, job.UpdatedAt))
	s.Wakeup()

	return job, nil
}

// UpdateAll applies update to every live job and returns the affected ids.
func (s *Scheduler) UpdateAll(ctx context.Context, update JobUpdate) ([]string, error) {
	jobs, err := s.jobs.ListJobs(ctx, JobFilter{States: liveStates})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		_, err := s.Update(ctx, job.ID, update)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, job.ID)
	}

	return ids, nil
}

func (s *Scheduler) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.jobs.FindJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State == StateRemoved {
		return nil, ErrJobNotFound
	}

	return job, nil
}

// List returns live jobs ordered by next run time, never-firing jobs last,
// ties broken by id.
func (s *Scheduler) List(ctx context.Context) ([]Job, error) {
	return s.jobs.ListJobs(ctx, JobFilter{States: liveStates})
}

func (s *Scheduler) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	if s.events == nil {
		return []Event{}, nil
	}

	return s.events.ListEvents(ctx, filter)
}

// Pause stops a job from being scheduled until it is resumed. Pausing a
// paused job is a no-op.
func (s *Scheduler) Pause(ctx context.Context, jobID string) (*Job, error) {
	job, changed, err := s.mutate(ctx, jobID, func(job *Job, _ time.Time) (bool, error) {
		if job.State == StatePaused {
			return false, nil
		}
		job.State = StatePaused
		job.NextRunTime = nil
		return true, nil
	})
	if err != nil || !changed {
		return job, err
	}

	s.logger.Infow("job paused", "job_id", jobID)
	s.emit(ctx, newEvent(EventPaused, job, s.cfg.workerID, nil, job.UpdatedAt))

	return job, nil
}

// Resume reschedules a paused job from now. A job whose trigger has no future
// fire time is removed instead.
func (s *Scheduler) Resume(ctx context.Context, jobID string) (*Job, error) {
	job, changed, err := s.mutate(ctx, jobID, func(job *Job, now time.Time) (bool, error) {
		if job.State != StatePaused {
			return false, nil
		}

		next, err := NextFireTime(job.Trigger, now)
		if err != nil {
			return false, err
		}

		job.NextRunTime = next
		job.State = StateScheduled
		if next == nil {
			job.State = StateRemoved
		}

		return true, nil
	})
	if err != nil || !changed {
		return job, err
	}

	if job.State == StateRemoved {
		s.logger.Infow("resumed job has no future run, removing", "job_id", jobID)
		s.emit(ctx, newEvent(EventRemoved, job, s.cfg.workerID, nil, job.UpdatedAt))
		return job, nil
	}

	s.logger.Infow("job resumed", "job_id", jobID, "next_run_time", job.NextRunTime)
	s.emit(ctx, newEvent(EventResumed, job, s.cfg.workerID, nil, job.UpdatedAt))
	s.Wakeup()

	return job, nil
}
