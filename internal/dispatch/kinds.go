package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seantiz/autopilot/internal/model"
)

// maxRoutines bounds the routines of one session.
const maxRoutines = 64

// maxSteps bounds the steps of one sequence.
const maxSteps = 256

// Kind is a request the worker can execute. The set of kinds is closed:
// every implementation lives in this package.
type Kind interface {
	// Name returns the wire name of the kind.
	Name() string
	// Validate checks the kind's parameters before it is queued.
	Validate() error

	kind()
}

// Connect opens, or reopens, the engine's device session. It is the only
// kind the worker executes while degraded.
type Connect struct {
	Address string `json:"address"`
	Config  string `json:"config,omitempty"`
}

// Session runs a list of named engine routines as one long-running chain.
type Session struct {
	Routines []string        `json:"routines"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Sequence runs a list of scripted device steps as one long-running chain.
type Sequence struct {
	Label string   `json:"name,omitempty"`
	Steps []string `json:"steps"`
}

// Capture takes a screenshot from the device.
type Capture struct{}

// QueryState reads the engine's current state.
type QueryState struct{}

// Adjust changes the parameters of a running tracked task.
type Adjust struct {
	Target model.TaskID     `json:"target"`
	Params json.RawMessage `json:"params"`
}

// ForceStop aborts everything the engine is running.
type ForceStop struct{}

// Cancel cancels one task. A target still waiting in the channel is
// withdrawn; a running target is stopped on the engine.
type Cancel struct {
	Target model.TaskID `json:"target"`

	// cause replaces the cancellation error, letting the watchdog fail a
	// withdrawn task with a timeout.
	cause error
}

func (Connect) Name() string    { return model.KindConnect }
func (Session) Name() string    { return model.KindSession }
func (Sequence) Name() string   { return model.KindSequence }
func (Capture) Name() string    { return model.KindCapture }
func (QueryState) Name() string { return model.KindState }
func (Adjust) Name() string     { return model.KindAdjust }
func (ForceStop) Name() string  { return model.KindStop }
func (Cancel) Name() string     { return model.KindCancel }

func (Connect) kind()    {}
func (Session) kind()    {}
func (Sequence) kind()   {}
func (Capture) kind()    {}
func (QueryState) kind() {}
func (Adjust) kind()     {}
func (ForceStop) kind()  {}
func (Cancel) kind()     {}

func (k Connect) Validate() error {
	if strings.TrimSpace(k.Address) == "" {
		return validationError("address is required")
	}
	return nil
}

func (k Session) Validate() error {
	if len(k.Routines) == 0 {
		return validationError("routines must not be empty")
	}
	if len(k.Routines) > maxRoutines {
		return validationError("at most %d routines are allowed", maxRoutines)
	}
	for i, r := range k.Routines {
		if strings.TrimSpace(r) == "" {
			return validationError("routines[%d] is empty", i)
		}
	}
	if len(k.Params) > 0 && !isJSONObject(k.Params) {
		return validationError("params must be a JSON object")
	}
	return nil
}

func (k Sequence) Validate() error {
	if len(k.Steps) == 0 {
		return validationError("steps must not be empty")
	}
	if len(k.Steps) > maxSteps {
		return validationError("at most %d steps are allowed", maxSteps)
	}
	for i, s := range k.Steps {
		if _, err := ParseStep(s); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func (Capture) Validate() error    { return nil }
func (QueryState) Validate() error { return nil }
func (ForceStop) Validate() error  { return nil }

func (k Adjust) Validate() error {
	if k.Target == 0 {
		return validationError("target is required")
	}
	if !isJSONObject(k.Params) {
		return validationError("params must be a JSON object")
	}
	return nil
}

func (k Cancel) Validate() error {
	if k.Target == 0 {
		return validationError("target is required")
	}
	return nil
}

// DecodeKind builds and validates the kind named name from its JSON
// parameters. Unknown kinds, unknown fields and invalid parameters all
// return errors wrapping model.ErrValidation.
func DecodeKind(name string, params json.RawMessage) (Kind, error) {
	var (
		k   Kind
		err error
	)
	switch name {
	case model.KindConnect:
		k, err = decodeInto[Connect](params)
	case model.KindSession:
		k, err = decodeInto[Session](params)
	case model.KindSequence:
		k, err = decodeInto[Sequence](params)
	case model.KindCapture:
		k, err = decodeInto[Capture](params)
	case model.KindState:
		k, err = decodeInto[QueryState](params)
	case model.KindAdjust:
		k, err = decodeInto[Adjust](params)
	case model.KindStop:
		k, err = decodeInto[ForceStop](params)
	case model.KindCancel:
		k, err = decodeInto[Cancel](params)
	default:
		return nil, validationError("unknown task kind %q", name)
	}
	if err != nil {
		return nil, err
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

func decodeInto[K Kind](params json.RawMessage) (K, error) {
	var k K
	if len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		return k, nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&k); err != nil {
		return k, validationError("invalid %s params: %v", k.Name(), err)
	}
	return k, nil
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrValidation, fmt.Sprintf(format, args...))
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

// Classify returns how a kind's result is observed. Session and Sequence
// run for an open-ended time and are tracked; everything else is inline.
func Classify(k Kind) model.Mode {
	switch k.(type) {
	case Session, Sequence:
		return model.ModeTracked
	default:
		return model.ModeInline
	}
}
