package api

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/go-tick/dispatch"
)

// Error is the caller-facing form of a registry failure. Two errors are equal
// under errors.Is when their codes match.
type Error struct {
	Code       string `json:"code"`
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

var (
	ErrDuplicateJobID     = &Error{Code: "duplicate_job_id", StatusCode: http.StatusConflict, Message: "a job with this id already exists"}
	ErrJobNotFound        = &Error{Code: "job_not_found", StatusCode: http.StatusNotFound, Message: "job not found"}
	ErrInvalidTrigger     = &Error{Code: "invalid_trigger", StatusCode: http.StatusBadRequest, Message: "invalid trigger"}
	ErrInvalidRequest     = &Error{Code: "invalid_request", StatusCode: http.StatusBadRequest, Message: "invalid request"}
	ErrTargetUnresolvable = &Error{Code: "target_unresolvable", StatusCode: http.StatusBadRequest, Message: "job function is not registered"}
	ErrStoreUnavailable   = &Error{Code: "store_unavailable", StatusCode: http.StatusServiceUnavailable, Message: "job store unavailable"}
	ErrInternal           = &Error{Code: "internal", StatusCode: http.StatusInternalServerError, Message: "internal error"}
)

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) WithMessage(msg string) *Error {
	ec := *e
	ec.Message = msg
	return &ec
}

// translate maps scheduler failures to caller-facing errors. Anything it does
// not recognise becomes ErrInternal.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, dispatch.ErrDuplicateJobID):
		return ErrDuplicateJobID.WithMessage(err.Error())
	case errors.Is(err, dispatch.ErrJobNotFound):
		return ErrJobNotFound.WithMessage(err.Error())
	case errors.Is(err, dispatch.ErrInvalidTriggerSpec):
		return ErrInvalidTrigger.WithMessage(err.Error())
	case errors.Is(err, dispatch.ErrTargetUnresolvable):
		return ErrTargetUnresolvable.WithMessage(err.Error())
	case errors.Is(err, dispatch.ErrInvalidJob):
		return ErrInvalidRequest.WithMessage(err.Error())
	case errors.Is(err, dispatch.ErrStoreUnavailable):
		return ErrStoreUnavailable.WithMessage(err.Error())
	default:
		return ErrInternal.WithMessage(err.Error())
	}
}
