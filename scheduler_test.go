package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type schedulerFixture struct {
	store   Store
	clock   *fakeClock
	targets *TargetRegistry
	calls   *invocations
}

func newSchedulerFixture(t *testing.T, store Store) *schedulerFixture {
	f := &schedulerFixture{
		store:   store,
		clock:   newFakeClock(epoch),
		targets: NewTargetRegistry(),
		calls:   &invocations{},
	}
	require.NoError(t, f.targets.Register("record", f.calls.fn))
	return f
}

func (f *schedulerFixture) scheduler(t *testing.T, workerID string, options ...Option[SchedulerConfig]) *Scheduler {
	t.Helper()

	options = append([]Option[SchedulerConfig]{
		WithStore(f.store),
		WithTargets(f.targets),
		WithWorkerID(workerID),
		WithClock(f.clock.Now),
	}, options...)

	s, err := NewScheduler(DefaultSchedulerConfig(options...))
	require.NoError(t, err)

	return s
}

func (f *schedulerFixture) events(t *testing.T, jobID string, types ...EventType) []Event {
	t.Helper()

	events, err := f.store.ListEvents(context.Background(), EventFilter{JobID: jobID, Types: types})
	require.NoError(t, err)

	return events
}

func recordJob(t *testing.T, id string, period time.Duration) Job {
	return Job{
		ID:      id,
		Name:    id,
		Trigger: mustInterval(t, period),
		Target:  Target{Ref: "record", Kwargs: map[string]any{"job": id}},
	}
}

func TestSchedulerAddShouldRejectDuplicateIDs(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))
			require.NoError(t, f.targets.Register("other", f.calls.fn))
			s := f.scheduler(t, "w1")

			id, err := s.Add(ctx, recordJob(t, "X", time.Minute))
			require.NoError(t, err)
			assert.Equal(t, "X", id)

			duplicate := recordJob(t, "X", time.Hour)
			duplicate.Target.Ref = "other"
			_, err = s.Add(ctx, duplicate)
			assert.ErrorIs(t, err, ErrDuplicateJobID)

			duplicate.ReplaceExisting = true
			_, err = s.Add(ctx, duplicate)
			require.NoError(t, err)

			jobs, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, "X", jobs[0].ID)
			assert.Equal(t, "other", jobs[0].Target.Ref)
			assert.Equal(t, epoch.Add(time.Hour), *jobs[0].NextRunTime)

			assert.Len(t, f.events(t, "X", EventAdded), 1)
			assert.Len(t, f.events(t, "X", EventModified), 1)
		})
	}
}

func TestSchedulerAddShouldValidate(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1")

	tests := []struct {
		name string
		job  func() Job
		err  error
	}{
		{
			name: "no trigger",
			job: func() Job {
				job := recordJob(t, "a", time.Minute)
				job.Trigger = nil
				return job
			},
			err: ErrInvalidTriggerSpec,
		},
		{
			name: "date in the past",
			job: func() Job {
				job := recordJob(t, "a", time.Minute)
				job.Trigger = NewDateTrigger(epoch.Add(-time.Hour))
				return job
			},
			err: ErrInvalidTriggerSpec,
		},
		{
			name: "unknown target",
			job: func() Job {
				job := recordJob(t, "a", time.Minute)
				job.Target.Ref = "missing"
				return job
			},
			err: ErrTargetUnresolvable,
		},
		{
			name: "negative max instances",
			job: func() Job {
				job := recordJob(t, "a", time.Minute)
				job.MaxInstances = -1
				return job
			},
			err: ErrInvalidJob,
		},
		{
			name: "unknown misfire policy",
			job: func() Job {
				job := recordJob(t, "a", time.Minute)
				job.MisfirePolicy = "skip"
				return job
			},
			err: ErrInvalidJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Add(ctx, tt.job())
			assert.ErrorIs(t, err, tt.err)
		})
	}

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSchedulerAddShouldGenerateIDs(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1")

	job := recordJob(t, "", time.Minute)
	id, err := s.Add(ctx, job)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stored, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MaxInstances)
	assert.Equal(t, MisfireCoalesce, stored.MisfirePolicy)
	assert.Equal(t, StateScheduled, stored.State)
}

func TestSchedulerDispatchShouldRunDueJobs(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))
			s := f.scheduler(t, "w1")

			_, err := s.Add(ctx, recordJob(t, "a", time.Minute))
			require.NoError(t, err)

			started, err := s.DispatchOnce(ctx)
			require.NoError(t, err)
			assert.Zero(t, started, "not due yet")

			f.clock.Advance(time.Minute)
			started, err = s.DispatchOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, started)
			drain(t, s)

			assert.Equal(t, 1, f.calls.count())
			assert.Equal(t, map[string]any{"job": "a"}, f.calls.calls[0])

			job, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, StateScheduled, job.State)
			assert.Equal(t, epoch.Add(2*time.Minute), *job.NextRunTime)

			fired := f.events(t, "a", EventFired)
			require.Len(t, fired, 1)
			assert.Equal(t, "w1", fired[0].WorkerID)
			assert.Equal(t, epoch.Add(time.Minute), *fired[0].ScheduledRunTime)
			assert.Len(t, f.events(t, "a", EventExecuted), 1)

			lockKey, err := job.LockKey()
			require.NoError(t, err)
			lease, err := f.store.FindLease(ctx, lockKey)
			require.NoError(t, err)
			assert.Nil(t, lease, "lease released after the run")
		})
	}
}

func TestSchedulerConcurrentDispatchShouldFireOnce(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))

			release := make(chan struct{})
			var once sync.Once
			entered := make(chan struct{})
			require.NoError(t, f.targets.Register("blocking", func(ctx context.Context, args []any, kwargs map[string]any) error {
				once.Do(func() { close(entered) })
				<-release
				return nil
			}))

			first := f.scheduler(t, "w1")
			second := f.scheduler(t, "w2")

			job := recordJob(t, "race", time.Minute)
			job.Target.Ref = "blocking"
			_, err := first.Add(ctx, job)
			require.NoError(t, err)
			f.clock.Advance(5 * time.Minute)

			var g errgroup.Group
			var mu sync.Mutex
			total := 0
			for _, s := range []*Scheduler{first, second} {
				g.Go(func() error {
					n, err := s.DispatchOnce(ctx)
					mu.Lock()
					total += n
					mu.Unlock()
					return err
				})
			}
			require.NoError(t, g.Wait())
			<-entered

			// a cycle while the winner is still running must not fire again
			for _, s := range []*Scheduler{first, second} {
				n, err := s.DispatchOnce(ctx)
				require.NoError(t, err)
				total += n
			}

			close(release)
			drain(t, first)
			drain(t, second)

			assert.Equal(t, 1, total)

			fired := f.events(t, "race", EventFired)
			require.Len(t, fired, 1)

			loser := "w2"
			if fired[0].WorkerID == "w2" {
				loser = "w1"
			}
			events, err := f.store.ListEvents(ctx, EventFilter{JobID: "race", WorkerID: loser, Types: []EventType{EventFired, EventExecuted, EventErrored}})
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestSchedulerShouldSkipContendedLease(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1")

	_, err := s.Add(ctx, recordJob(t, "a", time.Minute))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	job, err := s.Get(ctx, "a")
	require.NoError(t, err)
	lockKey, err := job.LockKey()
	require.NoError(t, err)

	ok, err := NewLeaseManager(f.store, "elsewhere", f.clock.Now).Acquire(ctx, lockKey, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
	drain(t, s)

	job, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, job.State)
	assert.Equal(t, epoch.Add(time.Minute), *job.NextRunTime, "still due")
	assert.Empty(t, f.events(t, "a", EventFired))
}

func TestSchedulerMisfireShouldCoalesce(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))
			s := f.scheduler(t, "w1")

			_, err := s.Add(ctx, recordJob(t, "a", time.Minute))
			require.NoError(t, err)

			// the worker was down for ten intervals
			f.clock.Advance(11 * time.Minute)

			started, err := s.DispatchOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, started)
			drain(t, s)

			started, err = s.DispatchOnce(ctx)
			require.NoError(t, err)
			assert.Zero(t, started)
			drain(t, s)

			assert.Equal(t, 1, f.calls.count())

			job, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, f.clock.Now().Add(time.Minute), *job.NextRunTime)
		})
	}
}

func TestSchedulerMisfireShouldCatchUp(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1")

	job := recordJob(t, "a", time.Minute)
	job.MisfirePolicy = MisfireCatchUp
	_, err := s.Add(ctx, job)
	require.NoError(t, err)

	f.clock.Advance(3*time.Minute + 30*time.Second)

	for range 5 {
		_, err := s.DispatchOnce(ctx)
		require.NoError(t, err)
		drain(t, s)
	}

	assert.Equal(t, 3, f.calls.count())

	stored, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(4*time.Minute), *stored.NextRunTime)
}

func TestSchedulerShouldSkipRunsPastGraceTime(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1")

	grace := 30 * time.Second
	job := recordJob(t, "a", time.Minute)
	job.MisfireGraceTime = &grace
	_, err := s.Add(ctx, job)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)

	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
	drain(t, s)

	assert.Zero(t, f.calls.count())
	missed := f.events(t, "a", EventMissed)
	require.Len(t, missed, 1)
	assert.Equal(t, epoch.Add(time.Minute), *missed[0].ScheduledRunTime)

	stored, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *stored.NextRunTime)

	f.clock.Advance(time.Minute + 10*time.Second)
	started, err = s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	drain(t, s)
	assert.Equal(t, 1, f.calls.count())
}

func TestSchedulerShouldRecordJobFailures(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	require.NoError(t, f.targets.Register("fails", func(context.Context, []any, map[string]any) error {
		return errors.New("boom")
	}))
	require.NoError(t, f.targets.Register("panics", func(context.Context, []any, map[string]any) error {
		panic("kaboom")
	}))
	s := f.scheduler(t, "w1")

	for _, ref := range []string{"fails", "panics"} {
		job := recordJob(t, ref, time.Minute)
		job.Target.Ref = ref
		_, err := s.Add(ctx, job)
		require.NoError(t, err)
	}
	_, err := s.Add(ctx, recordJob(t, "ok", time.Minute))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, started)
	drain(t, s)

	assert.Equal(t, 1, f.calls.count(), "a failing job does not stop the others")

	errored := f.events(t, "fails", EventErrored)
	require.Len(t, errored, 1)
	assert.Contains(t, errored[0].Exception, "boom")

	errored = f.events(t, "panics", EventErrored)
	require.Len(t, errored, 1)
	assert.Contains(t, errored[0].Exception, "kaboom")

	for _, id := range []string{"fails", "panics"} {
		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateScheduled, job.State)
		assert.Equal(t, epoch.Add(2*time.Minute), *job.NextRunTime)
	}
}

func TestSchedulerShouldRemoveExhaustedDateJobs(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1")

	job := recordJob(t, "once", time.Minute)
	job.Trigger = NewDateTrigger(epoch.Add(time.Minute))
	_, err := s.Add(ctx, job)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	drain(t, s)

	assert.Equal(t, 1, f.calls.count())
	_, err = s.Get(ctx, "once")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Len(t, f.events(t, "once", EventRemoved), 1)
}

func TestSchedulerShouldFireSubMillisecondDateJobsOnce(t *testing.T) {
	for _, policy := range []MisfirePolicy{MisfireCoalesce, MisfireCatchUp} {
		t.Run(string(policy), func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, NewMemoryStore())
			s := f.scheduler(t, "w1")

			job := recordJob(t, "once", time.Minute)
			job.Trigger = NewDateTrigger(epoch.Add(time.Minute + 500*time.Microsecond))
			job.MisfirePolicy = policy
			_, err := s.Add(ctx, job)
			require.NoError(t, err)

			f.clock.Advance(time.Minute)
			for range 5 {
				_, err := s.DispatchOnce(ctx)
				require.NoError(t, err)
				drain(t, s)
			}

			assert.Equal(t, 1, f.calls.count())
			_, err = s.Get(ctx, "once")
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}

func TestSchedulerShouldRespectWorkerPool(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())

	release := make(chan struct{})
	require.NoError(t, f.targets.Register("blocking", func(context.Context, []any, map[string]any) error {
		<-release
		return nil
	}))
	metrics := NewMetrics(nil)
	s := f.scheduler(t, "w1", WithWorkers(1), WithMetrics(metrics))

	for _, id := range []string{"a", "b"} {
		job := recordJob(t, id, time.Minute)
		job.Target.Ref = "blocking"
		_, err := s.Add(ctx, job)
		require.NoError(t, err)
	}

	f.clock.Advance(time.Minute)
	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	b, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, b.State)
	assert.Equal(t, epoch.Add(time.Minute), *b.NextRunTime, "left due for the next cycle")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PoolSaturated))

	close(release)
	drain(t, s)

	started, err = s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	drain(t, s)
}

func TestSchedulerRemove(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))
			s := f.scheduler(t, "w1")

			removed, err := s.RemoveAll(ctx)
			require.NoError(t, err)
			assert.Zero(t, removed)

			assert.ErrorIs(t, s.Remove(ctx, "missing"), ErrJobNotFound)

			for _, id := range []string{"a", "b", "c"} {
				_, err := s.Add(ctx, recordJob(t, id, time.Minute))
				require.NoError(t, err)
			}

			require.NoError(t, s.Remove(ctx, "a"))
			assert.ErrorIs(t, s.Remove(ctx, "a"), ErrJobNotFound)
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrJobNotFound)

			removed, err = s.RemoveAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			jobs, err := s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, jobs)

			// removed ids can be reused
			_, err = s.Add(ctx, recordJob(t, "a", time.Minute))
			require.NoError(t, err)

			f.clock.Advance(time.Minute)
			started, err := s.DispatchOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, started)
			drain(t, s)
		})
	}
}

func TestSchedulerRemoveShouldNotInterruptRunningJob(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())

	release := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, f.targets.Register("blocking", func(context.Context, []any, map[string]any) error {
		<-release
		close(finished)
		return nil
	}))
	s := f.scheduler(t, "w1")

	job := recordJob(t, "a", time.Minute)
	job.Target.Ref = "blocking"
	_, err := s.Add(ctx, job)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, started)

	require.NoError(t, s.Remove(ctx, "a"))
	close(release)
	drain(t, s)

	<-finished
	assert.Len(t, f.events(t, "a", EventExecuted), 1)

	stored, err := f.store.FindJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, stored.State)
	assert.Nil(t, stored.NextRunTime)
}

func TestSchedulerUpdate(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))
			require.NoError(t, f.targets.Register("other", f.calls.fn))
			s := f.scheduler(t, "w1")

			_, err := s.Update(ctx, "missing", JobUpdate{Trigger: mustInterval(t, time.Hour)})
			assert.ErrorIs(t, err, ErrJobNotFound)

			_, err = s.Add(ctx, recordJob(t, "a", time.Minute))
			require.NoError(t, err)
			_, err = s.Add(ctx, recordJob(t, "b", time.Minute))
			require.NoError(t, err)

			f.clock.Advance(30 * time.Second)
			job, err := s.Update(ctx, "a", JobUpdate{
				Trigger: mustInterval(t, time.Hour),
				Target:  &Target{Ref: "other"},
			})
			require.NoError(t, err)
			assert.Equal(t, "other", job.Target.Ref)
			assert.Equal(t, f.clock.Now().Add(time.Hour), *job.NextRunTime)

			_, err = s.Update(ctx, "a", JobUpdate{Trigger: NewDateTrigger(epoch)})
			assert.ErrorIs(t, err, ErrInvalidTriggerSpec)

			_, err = s.Update(ctx, "a", JobUpdate{Trigger: mustInterval(t, time.Hour), Target: &Target{Ref: "missing"}})
			assert.ErrorIs(t, err, ErrTargetUnresolvable)

			ids, err := s.UpdateAll(ctx, JobUpdate{Trigger: mustInterval(t, 2*time.Hour)})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, ids)

			jobs, err := s.List(ctx)
			require.NoError(t, err)
			for _, job := range jobs {
				assert.Equal(t, f.clock.Now().Add(2*time.Hour), *job.NextRunTime)
			}

			assert.Len(t, f.events(t, "a", EventModified), 2)
		})
	}
}

func TestSchedulerUpdateShouldApplyAfterRunningInstance(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())

	release := make(chan struct{})
	require.NoError(t, f.targets.Register("blocking", func(context.Context, []any, map[string]any) error {
		<-release
		return nil
	}))
	s := f.scheduler(t, "w1")

	job := recordJob(t, "a", time.Minute)
	job.Target.Ref = "blocking"
	_, err := s.Add(ctx, job)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, started)

	updated, err := s.Update(ctx, "a", JobUpdate{Trigger: mustInterval(t, time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, updated.State)

	close(release)
	drain(t, s)

	stored, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, stored.State)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *stored.NextRunTime)
}

func TestSchedulerPauseResume(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))
			s := f.scheduler(t, "w1")

			_, err := s.Pause(ctx, "missing")
			assert.ErrorIs(t, err, ErrJobNotFound)

			_, err = s.Add(ctx, recordJob(t, "a", time.Minute))
			require.NoError(t, err)

			job, err := s.Pause(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, StatePaused, job.State)
			assert.Nil(t, job.NextRunTime)

			_, err = s.Pause(ctx, "a")
			require.NoError(t, err)
			assert.Len(t, f.events(t, "a", EventPaused), 1)

			f.clock.Advance(time.Hour)
			started, err := s.DispatchOnce(ctx)
			require.NoError(t, err)
			assert.Zero(t, started)

			job, err = s.Resume(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, StateScheduled, job.State)
			assert.Equal(t, f.clock.Now().Add(time.Minute), *job.NextRunTime)
			assert.Len(t, f.events(t, "a", EventResumed), 1)

			jobs, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
		})
	}
}

func TestSchedulerResumeShouldRemoveExhaustedJob(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1")

	job := recordJob(t, "once", time.Minute)
	job.Trigger = NewDateTrigger(epoch.Add(time.Minute))
	_, err := s.Add(ctx, job)
	require.NoError(t, err)

	_, err = s.Pause(ctx, "once")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	resumed, err := s.Resume(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, resumed.State)

	_, err = s.Get(ctx, "once")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSchedulerListShouldOrderByNextRunTime(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1")

	for id, period := range map[string]time.Duration{"slow": time.Hour, "fast": time.Minute, "mid": 10 * time.Minute, "also-fast": time.Minute} {
		_, err := s.Add(ctx, recordJob(t, id, period))
		require.NoError(t, err)
	}
	_, err := s.Pause(ctx, "fast")
	require.NoError(t, err)

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"also-fast", "mid", "slow", "fast"}, jobIDs(jobs))
}

func TestSchedulerReconcileShouldRemoveStaleJobs(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))
			require.NoError(t, f.targets.Register("retired", f.calls.fn))
			s := f.scheduler(t, "w1")

			job := recordJob(t, "stale", time.Minute)
			job.Target.Ref = "retired"
			_, err := s.Add(ctx, job)
			require.NoError(t, err)
			_, err = s.Add(ctx, recordJob(t, "fresh", time.Minute))
			require.NoError(t, err)

			f.targets.Unregister("retired")

			result, err := s.Reconcile(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Stale)

			_, err = s.Get(ctx, "stale")
			assert.ErrorIs(t, err, ErrJobNotFound)
			_, err = s.Get(ctx, "fresh")
			assert.NoError(t, err)

			removed := f.events(t, "stale", EventRemoved)
			require.Len(t, removed, 1)
			assert.Contains(t, removed[0].Exception, "retired")

			result, err = s.Reconcile(ctx)
			require.NoError(t, err)
			assert.Zero(t, result.Stale)
		})
	}
}

func TestSchedulerDispatchShouldRemoveStaleDueJobs(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	require.NoError(t, f.targets.Register("retired", f.calls.fn))
	s := f.scheduler(t, "w1")

	job := recordJob(t, "stale", time.Minute)
	job.Target.Ref = "retired"
	_, err := s.Add(ctx, job)
	require.NoError(t, err)

	f.targets.Unregister("retired")
	f.clock.Advance(time.Minute)

	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Zero(t, f.calls.count())

	_, err = s.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSchedulerReconcileShouldRecoverOrphanedRuns(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, factory.new(t))
			s := f.scheduler(t, "w1")

			for _, id := range []string{"orphan", "alive"} {
				_, err := s.Add(ctx, recordJob(t, id, time.Minute))
				require.NoError(t, err)
			}
			f.clock.Advance(time.Minute)

			// simulate workers that crashed mid-run; one lease is still valid
			for _, id := range []string{"orphan", "alive"} {
				ok, err := f.store.TransitionJob(ctx, Transition{
					JobID: id, From: StateScheduled, To: StateRunning,
					NextRunTime: ptr(epoch.Add(time.Minute)), At: f.clock.Now(),
				})
				require.NoError(t, err)
				require.True(t, ok)
			}

			alive, err := s.Get(ctx, "alive")
			require.NoError(t, err)
			lockKey, err := alive.LockKey()
			require.NoError(t, err)
			ok, err := NewLeaseManager(f.store, "crashed", f.clock.Now).Acquire(ctx, lockKey, time.Hour)
			require.NoError(t, err)
			require.True(t, ok)

			result, err := s.Reconcile(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Recovered)

			orphan, err := s.Get(ctx, "orphan")
			require.NoError(t, err)
			assert.Equal(t, StateScheduled, orphan.State)

			alive, err = s.Get(ctx, "alive")
			require.NoError(t, err)
			assert.Equal(t, StateRunning, alive.State)

			started, err := s.DispatchOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, started)
			drain(t, s)
		})
	}
}

// leaseHookStore runs afterFindLease once, after the first lease lookup.
type leaseHookStore struct {
	Store
	once           sync.Once
	afterFindLease func()
}

func (s *leaseHookStore) FindLease(ctx context.Context, lockKey string) (*Lease, error) {
	lease, err := s.Store.FindLease(ctx, lockKey)
	s.once.Do(s.afterFindLease)
	return lease, err
}

func TestSchedulerReconcileShouldNotResetNewerRun(t *testing.T) {
	for _, factory := range storeFactories {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			store := &leaseHookStore{Store: factory.new(t)}
			f := newSchedulerFixture(t, store)
			s := f.scheduler(t, "w1")

			_, err := s.Add(ctx, recordJob(t, "a", time.Minute))
			require.NoError(t, err)
			f.clock.Advance(time.Minute)

			// first run is in flight when reconciliation lists the job
			ok, err := store.TransitionJob(ctx, Transition{
				JobID: "a", From: StateScheduled, To: StateRunning,
				NextRunTime: ptr(epoch.Add(time.Minute)), At: f.clock.Now(),
			})
			require.NoError(t, err)
			require.True(t, ok)

			// it finishes and the next run starts between the lease lookup and the reset
			second := epoch.Add(2 * time.Minute)
			store.afterFindLease = func() {
				f.clock.Advance(time.Minute)
				ok, err := store.Store.TransitionJob(ctx, Transition{
					JobID: "a", From: StateRunning, To: StateScheduled,
					NextRunTime: &second, At: f.clock.Now(),
				})
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = store.Store.TransitionJob(ctx, Transition{
					JobID: "a", From: StateScheduled, To: StateRunning,
					NextRunTime: &second, DueBy: ptr(f.clock.Now()), At: f.clock.Now().Add(time.Millisecond),
				})
				require.NoError(t, err)
				require.True(t, ok)
			}

			result, err := s.Reconcile(ctx)
			require.NoError(t, err)
			assert.Zero(t, result.Recovered)

			job, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, StateRunning, job.State)
			require.NotNil(t, job.NextRunTime)
			assert.Equal(t, second, *job.NextRunTime)
		})
	}
}

func TestSchedulerReconcileShouldPurgeOldTombstones(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())
	s := f.scheduler(t, "w1", WithTombstoneRetention(time.Hour))

	_, err := s.Add(ctx, recordJob(t, "a", time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "a"))

	result, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Purged)

	f.clock.Advance(time.Hour)
	result, err = s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Purged)

	_, err = f.store.FindJob(ctx, "a")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	if s.fail {
		return nil, storeUnavailable(errors.New("connection refused"), "list jobs")
	}
	return s.MemoryStore.ListJobs(ctx, filter)
}

func TestSchedulerDispatchShouldSurfaceStoreFailures(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	f := newSchedulerFixture(t, store)
	s := f.scheduler(t, "w1")

	_, err := s.Add(ctx, recordJob(t, "a", time.Minute))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	store.fail = true
	_, err = s.DispatchOnce(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	store.fail = false
	started, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	drain(t, s)
}

func TestSchedulerStartStop(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore())

	var mu sync.Mutex
	var seen []Event
	listener := EventListenerFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	})

	s, err := NewScheduler(DefaultSchedulerConfig(
		WithStore(f.store),
		WithTargets(f.targets),
		WithWorkerID("w1"),
		WithPollInterval(10*time.Millisecond),
		WithListeners(listener),
	))
	require.NoError(t, err)

	_, err = s.Add(ctx, recordJob(t, "a", 20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrSchedulerRunning)

	require.Eventually(t, func() bool { return f.calls.count() >= 2 }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	count := f.calls.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, f.calls.count(), "no runs after stop")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, EventAdded, seen[0].Type)
}

func TestNewSchedulerShouldValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		options []Option[SchedulerConfig]
	}{
		{name: "no store"},
		{name: "no lease store", options: []Option[SchedulerConfig]{WithJobStore(NewMemoryStore())}},
		{name: "empty worker id", options: []Option[SchedulerConfig]{WithStore(NewMemoryStore()), WithWorkerID("")}},
		{name: "zero ttl", options: []Option[SchedulerConfig]{WithStore(NewMemoryStore()), WithLeaseTTL(0)}},
		{name: "zero workers", options: []Option[SchedulerConfig]{WithStore(NewMemoryStore()), WithWorkers(0)}},
		{name: "zero poll interval", options: []Option[SchedulerConfig]{WithStore(NewMemoryStore()), WithPollInterval(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler(DefaultSchedulerConfig(tt.options...))
			assert.Error(t, err)
		})
	}
}
