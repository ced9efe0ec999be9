package dispatch

import (
	"context"
	"time"
)

type JobFilter struct {
	States    []JobState
	DueBefore *time.Time
	Limit     int
}

// Transition is a compare-and-swap on a job's state. It applies only while the
// job is in From and, when DueBy is set, its next run time is at or before
// DueBy. When Version is set the job must also still carry that UpdatedAt, so
// a decision made on a listed copy cannot overwrite a newer run.
type Transition struct {
	JobID       string
	From        JobState
	To          JobState
	NextRunTime *time.Time
	DueBy       *time.Time
	Version     *time.Time
	At          time.Time
}

// JobStore is the durable source of truth for job definitions.
//
// FindJob and DeleteJob return ErrJobNotFound for unknown ids. InsertJob
// returns ErrDuplicateJobID when a job that is not removed already holds the
// id. Driver failures are marked with ErrStoreUnavailable.
type JobStore interface {
	FindJob(ctx context.Context, jobID string) (*Job, error)
	InsertJob(ctx context.Context, job Job) error
	ReplaceJob(ctx context.Context, job Job, expected JobState) (bool, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	TransitionJob(ctx context.Context, tr Transition) (bool, error)
}

type Lease struct {
	LockKey string
	// Holder may be empty for backends that do not record it.
	Holder    string
	ExpiresAt time.Time
}

func (l *Lease) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// LeaseStore owns lease records. ClaimLease must create the lease, or take
// over one that expired at or before now, in a single atomic operation, and
// return nil when a valid lease is held by someone else.
type LeaseStore interface {
	ClaimLease(ctx context.Context, lockKey, holder string, now, expiresAt time.Time) (*Lease, error)
	FindLease(ctx context.Context, lockKey string) (*Lease, error)
	ReleaseLease(ctx context.Context, lockKey string) error
}

type EventFilter struct {
	JobID    string
	WorkerID string
	Types    []EventType
	Limit    int
}

type EventStore interface {
	AppendEvent(ctx context.Context, event Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

type Store interface {
	JobStore
	LeaseStore
	EventStore
}
