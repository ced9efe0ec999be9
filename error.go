package dispatch

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrDuplicateJobID     = errors.New("duplicate job id")
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidTriggerSpec = errors.New("invalid trigger spec")
	ErrTargetUnresolvable = errors.New("target unresolvable")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrInvalidJob         = errors.New("invalid job")
	ErrSchedulerRunning   = errors.New("scheduler already running")
	ErrUnknownTriggerType = errors.New("unknown trigger type")
)

// JobError is the failed result of a single job invocation.
type JobError struct {
	JobID string
	Err   error
	Panic any
}

func (e *JobError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %s panicked: %v", e.JobID, e.Panic)
	}

	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func storeUnavailable(err error, op string) error {
	if err == nil {
		return nil
	}

	return errors.Mark(errors.Wrap(err, op), ErrStoreUnavailable)
}

func invalidTrigger(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidTriggerSpec, format, args...)
}
