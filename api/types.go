package api

import (
	"time"

	"github.com/go-tick/dispatch"
)

type AddJobRequest struct {
	// JobID is generated when empty.
	JobID           string            `json:"job_id" validate:"omitempty,job_id"`
	Name            string            `json:"name" validate:"max=200"`
	TriggerType     string            `json:"trigger_type" validate:"required,oneof=cron interval date"`
	TriggerArgs     map[string]string `json:"trigger_args" validate:"required"`
	JobFunction     string            `json:"job_function" validate:"required,max=200"`
	Args            []any             `json:"args"`
	Kwargs          map[string]any    `json:"kwargs"`
	MaxInstances    int               `json:"max_instances" validate:"gte=0"`
	ReplaceExisting bool              `json:"replace_existing"`
	MisfirePolicy   string            `json:"misfire_policy" validate:"omitempty,oneof=coalesce catch_up"`
	// MisfireGraceTime is in seconds; nil means runs are never skipped.
	MisfireGraceTime *int `json:"misfire_grace_time" validate:"omitempty,gt=0"`
}

type RemoveJobRequest struct {
	JobID string `json:"job_id" validate:"required"`
}

type UpdateJobRequest struct {
	JobID       string            `json:"job_id" validate:"required"`
	TriggerType string            `json:"trigger_type" validate:"required,oneof=cron interval date"`
	TriggerArgs map[string]string `json:"trigger_args" validate:"required"`
	// JobFunction optionally repoints the job together with its arguments.
	JobFunction string         `json:"job_function" validate:"max=200"`
	Args        []any          `json:"args"`
	Kwargs      map[string]any `json:"kwargs"`
}

type ListEventsRequest struct {
	JobID    string   `json:"job_id"`
	WorkerID string   `json:"worker_id"`
	Types    []string `json:"types" validate:"dive,oneof=added modified removed paused resumed fired executed errored missed"`
	Limit    int      `json:"limit" validate:"gte=0"`
}

type JobView struct {
	ID               string            `json:"job_id"`
	Name             string            `json:"name"`
	TriggerType      string            `json:"trigger_type"`
	TriggerArgs      map[string]string `json:"trigger_args"`
	Trigger          string            `json:"trigger"`
	JobFunction      string            `json:"job_function"`
	Args             []any             `json:"args,omitempty"`
	Kwargs           map[string]any    `json:"kwargs,omitempty"`
	MaxInstances     int               `json:"max_instances"`
	MisfirePolicy    string            `json:"misfire_policy"`
	MisfireGraceTime *int              `json:"misfire_grace_time,omitempty"`
	NextRunTime      *time.Time        `json:"next_run_time"`
	State            string            `json:"state"`
}

func newJobView(job *dispatch.Job) *JobView {
	spec := job.Trigger.Spec()
	view := &JobView{
		ID:            job.ID,
		Name:          job.Name,
		TriggerType:   string(spec.Type),
		TriggerArgs:   spec.Args,
		Trigger:       job.Trigger.Description(),
		JobFunction:   job.Target.Ref,
		Args:          job.Target.Args,
		Kwargs:        job.Target.Kwargs,
		MaxInstances:  job.MaxInstances,
		MisfirePolicy: string(job.MisfirePolicy),
		NextRunTime:   job.NextRunTime,
		State:         string(job.State),
	}
	if job.MisfireGraceTime != nil {
		seconds := int(*job.MisfireGraceTime / time.Second)
		view.MisfireGraceTime = &seconds
	}

	return view
}

type EventView struct {
	ID               string     `json:"event_id"`
	Type             string     `json:"event_type"`
	JobID            string     `json:"job_id"`
	JobName          string     `json:"job_name"`
	WorkerID         string     `json:"worker_id"`
	ScheduledRunTime *time.Time `json:"scheduled_run_time,omitempty"`
	Exception        string     `json:"exception,omitempty"`
	LoggedAt         time.Time  `json:"logged_at"`
}

func newEventView(event dispatch.Event) EventView {
	return EventView{
		ID:               event.ID,
		Type:             string(event.Type),
		JobID:            event.JobID,
		JobName:          event.JobName,
		WorkerID:         event.WorkerID,
		ScheduledRunTime: event.ScheduledRunTime,
		Exception:        event.Exception,
		LoggedAt:         event.LoggedAt,
	}
}
