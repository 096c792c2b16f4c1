package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrDisconnected is returned by engine calls once the engine can no longer
// serve requests (device link lost, engine process gone). Callers treat it
// as "engine unusable" rather than as a failure of one operation.
var ErrDisconnected = errors.New("engine disconnected")

// ErrRejected is returned when the engine refuses an operation synchronously,
// for example because of invalid parameters.
var ErrRejected = errors.New("engine rejected operation")

// Operation types understood by Call and Start.
const (
	OpState    = "state"
	OpCapture  = "capture"
	OpAdjust   = "adjust"
	OpSession  = "session"
	OpSequence = "sequence"
)

// Engine is the interface that all engine drivers must implement.
type Engine interface {
	// Connect establishes (or re-establishes) the engine's device session.
	Connect(ctx context.Context, p ConnectParams) error

	// Call performs a bounded operation and returns its result.
	Call(ctx context.Context, op Operation) (json.RawMessage, error)

	// Start begins a long-running operation tagged with op.Ref and returns
	// as soon as the engine has accepted it. Progress and completion are
	// reported through the callback.
	Start(ctx context.Context, op Operation) error

	// Stop asks the engine to abort the operation tagged ref. The engine
	// confirms through a stopped callback.
	Stop(ctx context.Context, ref uint64) error

	// StopAll asks the engine to abort every running operation.
	StopAll(ctx context.Context) error

	// SetCallback registers the function the engine invokes, on its own
	// goroutine, with raw message payloads. A nil callback discards messages.
	SetCallback(cb Callback)

	// Capabilities reports what this driver supports.
	Capabilities() Capabilities

	// Close releases the engine handle.
	Close() error
}

// Callback receives one raw engine message.
type Callback func(raw []byte)

// ConnectParams describes the device session to open.
type ConnectParams struct {
	Address string `json:"address"`
	Config  string `json:"config,omitempty"`
}

// Operation is one engine request. Ref correlates Start, Stop and Adjust
// with callback messages; it is zero for untagged calls.
type Operation struct {
	Type   string          `json:"type"`
	Ref    uint64          `json:"ref,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Capabilities describes an engine driver.
type Capabilities struct {
	Name       string   `json:"name"`
	Driver     string   `json:"driver"`
	Remote     bool     `json:"remote"`
	Operations []string `json:"operations"`
}
