package dispatch

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/dispatch/internal/model"
)

type TriggerRecord struct {
	TriggerType string
	TriggerArgs string
}

type TriggerSerializer func(Trigger) (TriggerRecord, error)
type TriggerDeserializer func(TriggerRecord) (Trigger, error)

func DefaultTriggerSerializer(trigger Trigger) (TriggerRecord, error) {
	if trigger == nil {
		return TriggerRecord{}, invalidTrigger("trigger is nil")
	}

	spec := trigger.Spec()
	args := spec.Args
	if args == nil {
		args = map[string]string{}
	}

	data, err := json.Marshal(args)
	if err != nil {
		return TriggerRecord{}, err
	}

	return TriggerRecord{
		TriggerType: string(spec.Type),
		TriggerArgs: string(data),
	}, nil
}

func DefaultTriggerDeserializer(record TriggerRecord) (Trigger, error) {
	args := make(map[string]string)
	if record.TriggerArgs != "" {
		if err := json.Unmarshal([]byte(record.TriggerArgs), &args); err != nil {
			return nil, invalidTrigger("trigger args %q: %v", record.TriggerArgs, err)
		}
	}

	return ParseTrigger(TriggerSpec{Type: TriggerType(record.TriggerType), Args: args})
}

type codec struct {
	serializeTrigger   TriggerSerializer
	deserializeTrigger TriggerDeserializer
}

var defaultCodec = codec{
	serializeTrigger:   DefaultTriggerSerializer,
	deserializeTrigger: DefaultTriggerDeserializer,
}

func (c codec) jobToRow(job Job) (model.Job, error) {
	trigger, err := c.serializeTrigger(job.Trigger)
	if err != nil {
		return model.Job{}, err
	}

	args := job.Target.Args
	if args == nil {
		args = []any{}
	}
	argsData, err := json.Marshal(args)
	if err != nil {
		return model.Job{}, errors.Wrapf(ErrInvalidJob, "args: %v", err)
	}

	kwargs := job.Target.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	kwargsData, err := json.Marshal(kwargs)
	if err != nil {
		return model.Job{}, errors.Wrapf(ErrInvalidJob, "kwargs: %v", err)
	}

	row := model.Job{
		JobID:         job.ID,
		Name:          job.Name,
		TriggerType:   trigger.TriggerType,
		TriggerArgs:   trigger.TriggerArgs,
		TargetRef:     job.Target.Ref,
		Args:          string(argsData),
		Kwargs:        string(kwargsData),
		MaxInstances:  job.MaxInstances,
		MisfirePolicy: string(job.MisfirePolicy),
		State:         string(job.State),
		NextRunTime:   toMillisPtr(job.NextRunTime),
		CreatedAt:     toMillis(job.CreatedAt),
		UpdatedAt:     toMillis(job.UpdatedAt),
	}

	if job.MisfireGraceTime != nil {
		row.MisfireGraceMs = ptr(job.MisfireGraceTime.Milliseconds())
	}

	return row, nil
}

func (c codec) rowToJob(row model.Job) (Job, error) {
	trigger, err := c.deserializeTrigger(TriggerRecord{
		TriggerType: row.TriggerType,
		TriggerArgs: row.TriggerArgs,
	})
	if err != nil {
		return Job{}, errors.Wrapf(err, "job %s", row.JobID)
	}

	var args []any
	if row.Args != "" {
		if err := json.Unmarshal([]byte(row.Args), &args); err != nil {
			return Job{}, errors.Wrapf(err, "job %s args", row.JobID)
		}
	}

	var kwargs map[string]any
	if row.Kwargs != "" {
		if err := json.Unmarshal([]byte(row.Kwargs), &kwargs); err != nil {
			return Job{}, errors.Wrapf(err, "job %s kwargs", row.JobID)
		}
	}

	job := Job{
		ID:            row.JobID,
		Name:          row.Name,
		Trigger:       trigger,
		Target:        Target{Ref: row.TargetRef, Args: args, Kwargs: kwargs},
		MaxInstances:  row.MaxInstances,
		MisfirePolicy: MisfirePolicy(row.MisfirePolicy),
		State:         JobState(row.State),
		NextRunTime:   fromMillisPtr(row.NextRunTime),
		CreatedAt:     fromMillis(row.CreatedAt),
		UpdatedAt:     fromMillis(row.UpdatedAt),
	}

	if row.MisfireGraceMs != nil {
		job.MisfireGraceTime = ptr(time.Duration(*row.MisfireGraceMs) * time.Millisecond)
	}

	return job, nil
}

func eventToRow(event Event) model.Event {
	row := model.Event{
		EventID:          event.ID,
		EventType:        string(event.Type),
		JobID:            event.JobID,
		JobName:          event.JobName,
		WorkerID:         event.WorkerID,
		ScheduledRunTime: toMillisPtr(event.ScheduledRunTime),
		LoggedAt:         toMillis(event.LoggedAt),
	}

	if event.Exception != "" {
		row.Exception = ptr(event.Exception)
	}

	return row
}

func rowToEvent(row model.Event) Event {
	event := Event{
		ID:               row.EventID,
		Type:             EventType(row.EventType),
		JobID:            row.JobID,
		JobName:          row.JobName,
		WorkerID:         row.WorkerID,
		ScheduledRunTime: fromMillisPtr(row.ScheduledRunTime),
		LoggedAt:         fromMillis(row.LoggedAt),
	}

	if row.Exception != nil {
		event.Exception = *row.Exception
	}

	return event
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}

	return ptr(toMillis(*t))
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}

	return ptr(fromMillis(*ms))
}
