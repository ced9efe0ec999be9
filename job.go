package dispatch

import (
	"time"

	"github.com/cockroachdb/errors"
)

type JobState string

const (
	StateScheduled JobState = "scheduled"
	StateRunning   JobState = "running"
	StatePaused    JobState = "paused"
	StateRemoved   JobState = "removed"
)

type MisfirePolicy string

const (
	// MisfireCoalesce fires a late job once and moves it to the next slot after now.
	MisfireCoalesce MisfirePolicy = "coalesce"
	// MisfireCatchUp fires a late job once per missed slot, one slot per cycle.
	MisfireCatchUp MisfirePolicy = "catch_up"
)

// Target points at a registered job function and the arguments it is
// invoked with.
type Target struct {
	Ref    string         `json:"ref"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type Job struct {
	ID               string
	Name             string
	Trigger          Trigger
	Target           Target
	MaxInstances     int
	ReplaceExisting  bool
	MisfirePolicy    MisfirePolicy
	MisfireGraceTime *time.Duration
	NextRunTime      *time.Time
	State            JobState
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobUpdate carries the fields update may change. A nil Target keeps the
// current one.
type JobUpdate struct {
	Trigger Trigger
	Target  *Target
}

func (j *Job) validate() error {
	if j.Trigger == nil {
		return errors.Wrap(ErrInvalidTriggerSpec, "job has no trigger")
	}

	if j.Target.Ref == "" {
		return errors.Wrap(ErrInvalidJob, "job has no target reference")
	}

	if j.MaxInstances < 1 {
		return errors.Wrapf(ErrInvalidJob, "max_instances must be positive, got %d", j.MaxInstances)
	}

	switch j.MisfirePolicy {
	case MisfireCoalesce, MisfireCatchUp:
	default:
		return errors.Wrapf(ErrInvalidJob, "unknown misfire policy %q", j.MisfirePolicy)
	}

	if j.MisfireGraceTime != nil && *j.MisfireGraceTime <= 0 {
		return errors.Wrapf(ErrInvalidJob, "misfire grace time must be positive, got %s", *j.MisfireGraceTime)
	}

	return nil
}

// LockKey is the lease key guarding this job's invocations.
func (j *Job) LockKey() (string, error) {
	return DeriveLockKey(j.Target.Ref, j.Target.Args, j.Target.Kwargs)
}

// nextAfterRun returns the next fire time once a run scheduled at
// scheduledAt has finished at now.
func (j *Job) nextAfterRun(scheduledAt, now time.Time) (*time.Time, error) {
	if j.MisfirePolicy == MisfireCatchUp {
		return NextFireTime(j.Trigger, scheduledAt)
	}

	return NextFireTime(j.Trigger, now)
}

func ptr[T any](v T) *T {
	return &v
}
