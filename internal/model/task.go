package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// TaskID identifies one submitted task. IDs start at 1 and are never reused
// for the lifetime of a worker.
type TaskID uint64

// String returns the decimal form of the id.
func (id TaskID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTaskID parses a decimal task id. Zero is rejected.
func ParseTaskID(s string) (TaskID, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return TaskID(v), true
}

// Task kind names as they appear on the wire.
const (
	KindConnect  = "connect"
	KindSession  = "session"
	KindSequence = "sequence"
	KindCapture  = "capture"
	KindState    = "state"
	KindAdjust   = "adjust"
	KindStop     = "stop"
	KindCancel   = "cancel"
)

// Mode says how a caller observes a task's result.
type Mode string

// Execution modes.
const (
	ModeInline  Mode = "inline"
	ModeTracked Mode = "tracked"
)

// Status is the lifecycle state of a task.
type Status string

// Task status constants.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing edges.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition can leave s.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the single value written to a task's result slot.
type Result struct {
	Status  Status
	Payload json.RawMessage
	Err     error
}

// Completed builds a successful result.
func Completed(payload json.RawMessage) Result {
	return Result{Status: StatusCompleted, Payload: payload}
}

// Failed builds a failed result carrying err.
func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// Cancelled builds a cancelled result.
func Cancelled(err error) Result {
	if err == nil {
		err = ErrCancelled
	}
	return Result{Status: StatusCancelled, Err: err}
}

// Task is the externally visible record of one task, used by the history
// journal and the HTTP surface.
type Task struct {
	ID         TaskID          `json:"id"`
	Kind       string          `json:"kind"`
	Mode       Mode            `json:"mode"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Progress   json.RawMessage `json:"progress,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
}
