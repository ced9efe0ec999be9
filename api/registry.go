// Package api is the caller-facing job registry. It validates request shapes,
// maps them onto scheduler calls and reports failures as *Error values with
// stable codes.
package api

import (
	"context"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/go-tick/dispatch"
)

// AllJobs selects every job in RemoveJob and UpdateJob. It is matched case
// insensitively and cannot be used as a job id.
const AllJobs = "all"

// Scheduler is the part of *dispatch.Scheduler the registry needs.
type Scheduler interface {
	Add(ctx context.Context, job dispatch.Job) (string, error)
	Get(ctx context.Context, jobID string) (*dispatch.Job, error)
	List(ctx context.Context) ([]dispatch.Job, error)
	Remove(ctx context.Context, jobID string) error
	RemoveAll(ctx context.Context) (int, error)
	Update(ctx context.Context, jobID string, update dispatch.JobUpdate) (*dispatch.Job, error)
	UpdateAll(ctx context.Context, update dispatch.JobUpdate) ([]string, error)
	Pause(ctx context.Context, jobID string) (*dispatch.Job, error)
	Resume(ctx context.Context, jobID string) (*dispatch.Job, error)
	Events(ctx context.Context, filter dispatch.EventFilter) ([]dispatch.Event, error)
}

var _ Scheduler = (*dispatch.Scheduler)(nil)

type Registry struct {
	scheduler Scheduler
	validate  *validator.Validate
}

func NewRegistry(scheduler Scheduler) *Registry {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// registration only fails for an empty tag or nil func
	_ = v.RegisterValidation("job_id", validJobID)

	return &Registry{scheduler: scheduler, validate: v}
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,190}$`)

func validJobID(fl validator.FieldLevel) bool {
	id, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return jobIDPattern.MatchString(id) && !strings.EqualFold(id, AllJobs)
}

func (r *Registry) check(req any) error {
	err := r.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ErrInvalidRequest.WithMessage(err.Error())
	}

	var errs error
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			errs = multierr.Append(errs, errors.Newf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		errs = multierr.Append(errs, errors.Newf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}

	return ErrInvalidRequest.WithMessage(errs.Error())
}

func parseTrigger(triggerType string, args map[string]string) (dispatch.Trigger, error) {
	trigger, err := dispatch.ParseTrigger(dispatch.TriggerSpec{Type: dispatch.TriggerType(triggerType), Args: args})
	if err != nil {
		return nil, translate(err)
	}
	return trigger, nil
}

func (r *Registry) AddJob(ctx context.Context, req AddJobRequest) (*JobView, error) {
	if err := r.check(req); err != nil {
		return nil, err
	}

	trigger, err := parseTrigger(req.TriggerType, req.TriggerArgs)
	if err != nil {
		return nil, err
	}

	job := dispatch.Job{
		ID:      req.JobID,
		Name:    req.Name,
		Trigger: trigger,
		Target: dispatch.Target{
			Ref:    req.JobFunction,
			Args:   req.Args,
			Kwargs: req.Kwargs,
		},
		MaxInstances:    req.MaxInstances,
		ReplaceExisting: req.ReplaceExisting,
		MisfirePolicy:   dispatch.MisfirePolicy(req.MisfirePolicy),
	}
	if req.MisfireGraceTime != nil {
		grace := time.Duration(*req.MisfireGraceTime) * time.Second
		job.MisfireGraceTime = &grace
	}
	if job.Name == "" {
		job.Name = req.JobFunction
	}

	id, err := r.scheduler.Add(ctx, job)
	if err != nil {
		return nil, translate(err)
	}

	added, err := r.scheduler.Get(ctx, id)
	if err != nil {
		return nil, translate(err)
	}

	return newJobView(added), nil
}

// RemoveJob removes one job, or every job when JobID is AllJobs, and returns
// how many were removed.
func (r *Registry) RemoveJob(ctx context.Context, req RemoveJobRequest) (int, error) {
	if err := r.check(req); err != nil {
		return 0, err
	}

	if strings.EqualFold(req.JobID, AllJobs) {
		removed, err := r.scheduler.RemoveAll(ctx)
		return removed, translate(err)
	}

	if err := r.scheduler.Remove(ctx, req.JobID); err != nil {
		return 0, translate(err)
	}

	return 1, nil
}

// UpdateJob replaces the trigger of one job, or of every job when JobID is
// AllJobs, and returns the ids it changed.
func (r *Registry) UpdateJob(ctx context.Context, req UpdateJobRequest) ([]string, error) {
	if err := r.check(req); err != nil {
		return nil, err
	}

	trigger, err := parseTrigger(req.TriggerType, req.TriggerArgs)
	if err != nil {
		return nil, err
	}

	update := dispatch.JobUpdate{Trigger: trigger}
	if req.JobFunction != "" {
		update.Target = &dispatch.Target{Ref: req.JobFunction, Args: req.Args, Kwargs: req.Kwargs}
	}

	if strings.EqualFold(req.JobID, AllJobs) {
		ids, err := r.scheduler.UpdateAll(ctx, update)
		return ids, translate(err)
	}

	if _, err := r.scheduler.Update(ctx, req.JobID, update); err != nil {
		return nil, translate(err)
	}

	return []string{req.JobID}, nil
}

func (r *Registry) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := r.scheduler.Get(ctx, jobID)
	if err != nil {
		return nil, translate(err)
	}
	return newJobView(job), nil
}

func (r *Registry) ListJobs(ctx context.Context) ([]JobView, error) {
	jobs, err := r.scheduler.List(ctx)
	if err != nil {
		return nil, translate(err)
	}

	views := make([]JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, *newJobView(&jobs[i]))
	}

	return views, nil
}

func (r *Registry) PauseJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := r.scheduler.Pause(ctx, jobID)
	if err != nil {
		return nil, translate(err)
	}
	return newJobView(job), nil
}

func (r *Registry) ResumeJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := r.scheduler.Resume(ctx, jobID)
	if err != nil {
		return nil, translate(err)
	}
	return newJobView(job), nil
}

func (r *Registry) ListEvents(ctx context.Context, req ListEventsRequest) ([]EventView, error) {
	if err := r.check(req); err != nil {
		return nil, err
	}

	filter := dispatch.EventFilter{JobID: req.JobID, WorkerID: req.WorkerID, Limit: req.Limit}
	for _, typ := range req.Types {
		filter.Types = append(filter.Types, dispatch.EventType(typ))
	}

	events, err := r.scheduler.Events(ctx, filter)
	if err != nil {
		return nil, translate(err)
	}

	views := make([]EventView, 0, len(events))
	for _, event := range events {
		views = append(views, newEventView(event))
	}

	return views, nil
}
