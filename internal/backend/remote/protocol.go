package remote

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/c2h5oh/datasize"

	"github.com/seantiz/autopilot/internal/backend"
)

// DefaultMaxFrameSize is the maximum allowed frame payload (16 MiB).
const DefaultMaxFrameSize = 16 << 20

// Frame types.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameEvent    = "event"
)

// Request methods, one per engine call.
const (
	MethodConnect = "connect"
	MethodCall    = "call"
	MethodStart   = "start"
	MethodStop    = "stop"
	MethodStopAll = "stop_all"
)

// Response error codes.
const (
	CodeDisconnected = "disconnected"
	CodeRejected     = "rejected"
	CodeInternal     = "internal"
)

// Request is one engine call sent from the dispatcher host to the engine host.
type Request struct {
	Seq     uint64                 `json:"seq"`
	Method  string                 `json:"method"`
	Connect *backend.ConnectParams `json:"connect,omitempty"`
	Op      *backend.Operation     `json:"op,omitempty"`
	Ref     uint64                 `json:"ref,omitempty"`
}

// Response answers the request with the same Seq.
type Response struct {
	Seq    uint64          `json:"seq"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// Frame is the envelope for everything on the wire. Engine callbacks travel
// from the engine host as Type="event" frames carrying the raw message.
type Frame struct {
	Type     string          `json:"type"`
	Request  *Request        `json:"request,omitempty"`
	Response *Response       `json:"response,omitempty"`
	Event    json.RawMessage `json:"event,omitempty"`
}

// Err converts a response's error fields back into an error that matches
// the backend sentinels.
func (r *Response) Err() error {
	switch r.Code {
	case "":
		if r.Error == "" {
			return nil
		}
		return errors.New(r.Error)
	case CodeDisconnected:
		return fmt.Errorf("%w: %s", backend.ErrDisconnected, r.Error)
	case CodeRejected:
		return fmt.Errorf("%w: %s", backend.ErrRejected, r.Error)
	default:
		return fmt.Errorf("engine host: %s", r.Error)
	}
}

// ErrorResponse builds the response for a failed request.
func ErrorResponse(seq uint64, err error) *Response {
	code := CodeInternal
	switch {
	case errors.Is(err, backend.ErrDisconnected):
		code = CodeDisconnected
	case errors.Is(err, backend.ErrRejected):
		code = CodeRejected
	}
	return &Response{Seq: seq, Error: err.Error(), Code: code}
}

// WriteFrame writes a length-prefixed JSON frame to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, f *Frame, maxSize int64) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if int64(len(data)) > maxSize {
		return fmt.Errorf("frame size %s exceeds maximum %s",
			datasize.ByteSize(len(data)).HumanReadable(), datasize.ByteSize(maxSize).HumanReadable())
	}

	// One write per frame keeps concurrent writers from interleaving
	// a prefix with another frame's payload.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r.
func ReadFrame(r io.Reader, maxSize int64) (*Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if int64(length) > maxSize {
		return nil, fmt.Errorf("frame size %s exceeds maximum %s",
			datasize.ByteSize(length).HumanReadable(), datasize.ByteSize(maxSize).HumanReadable())
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &f, nil
}
