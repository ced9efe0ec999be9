package dispatch

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
	EventPaused   EventType = "paused"
	EventResumed  EventType = "resumed"
	EventFired    EventType = "fired"
	EventExecuted EventType = "executed"
	EventErrored  EventType = "errored"
	EventMissed   EventType = "missed"
)

// Event is an append-only record of a job state transition.
type Event struct {
	ID               string
	Type             EventType
	JobID            string
	JobName          string
	WorkerID         string
	ScheduledRunTime *time.Time
	Exception        string
	LoggedAt         time.Time
}

type EventListener interface {
	OnEvent(Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(Event)

func (f EventListenerFunc) OnEvent(e Event) {
	f(e)
}

func newEvent(typ EventType, job *Job, workerID string, scheduledAt *time.Time, at time.Time) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return Event{
		ID:               id.String(),
		Type:             typ,
		JobID:            job.ID,
		JobName:          job.Name,
		WorkerID:         workerID,
		ScheduledRunTime: scheduledAt,
		LoggedAt:         at,
	}
}
