package model

import (
	"encoding/json"
	"time"
)

// EventType discriminates events flowing through the broker.
type EventType string

// Event types.
const (
	// EventStatus reports a task status change.
	EventStatus EventType = "status"
	// EventProgress carries an intermediate engine report for one task.
	EventProgress EventType = "progress"
	// EventDegraded is an engine-global problem fanned out to tracked tasks.
	EventDegraded EventType = "degraded"
	// EventDiagnostic records a duplicate terminal delivery.
	EventDiagnostic EventType = "diagnostic"
	// EventEngine carries engine-global information that is not a failure.
	EventEngine EventType = "engine"
)

// Event is one entry on the broadcast stream. TaskID is zero for
// engine-global events.
type Event struct {
	ID        string          `json:"id"`
	TaskID    TaskID          `json:"task_id,omitempty"`
	Type      EventType       `json:"type"`
	Kind      string          `json:"kind,omitempty"`
	Mode      Mode            `json:"mode,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Time      time.Time       `json:"time"`
}

// NewEvent stamps a fresh id and time onto an event of type t.
func NewEvent(t EventType, id TaskID) Event {
	return Event{
		ID:     NewEventID(),
		TaskID: id,
		Type:   t,
		Time:   time.Now().UTC(),
	}
}

// WithError records err and its kind on the event.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = ErrorKind(err)
	}
	return e
}
