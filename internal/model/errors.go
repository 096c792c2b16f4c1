package model

import "errors"

// Error taxonomy shared by the dispatcher, the registry and the HTTP layer.
var (
	ErrValidation         = errors.New("validation error")
	ErrChannelClosed      = errors.New("task channel closed")
	ErrEngineUnavailable  = errors.New("engine unavailable")
	ErrTimeout            = errors.New("task deadline exceeded")
	ErrDuplicateTerminal  = errors.New("duplicate terminal event")
	ErrInvariantViolation = errors.New("internal invariant violation")
	ErrUnknownTask        = errors.New("unknown task")
	ErrCancelled          = errors.New("task cancelled")
	ErrEngine             = errors.New("engine error")
)

// Error kind strings. These are stable and appear in API responses,
// history records and events.
const (
	ErrKindValidation        = "validation"
	ErrKindChannelClosed     = "channel_closed"
	ErrKindEngineUnavailable = "engine_unavailable"
	ErrKindTimeout           = "timeout"
	ErrKindDuplicateTerminal = "duplicate_terminal"
	ErrKindInvariant         = "internal_invariant_violation"
	ErrKindUnknownTask       = "unknown_task"
	ErrKindCancelled         = "cancelled"
	ErrKindEngine            = "engine_error"
	ErrKindInternal          = "internal"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrValidation, ErrKindValidation},
	{ErrChannelClosed, ErrKindChannelClosed},
	{ErrEngineUnavailable, ErrKindEngineUnavailable},
	{ErrTimeout, ErrKindTimeout},
	{ErrDuplicateTerminal, ErrKindDuplicateTerminal},
	{ErrInvariantViolation, ErrKindInvariant},
	{ErrUnknownTask, ErrKindUnknownTask},
	{ErrCancelled, ErrKindCancelled},
	{ErrEngine, ErrKindEngine},
}

// ErrorKind maps err onto its taxonomy kind. It returns "" for a nil error
// and ErrKindInternal for errors outside the taxonomy.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ErrKindInternal
}
