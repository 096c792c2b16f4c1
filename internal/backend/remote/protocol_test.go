package remote

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/seantiz/autopilot/internal/backend"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Frame{Type: FrameRequest, Request: &Request{
		Seq:    9,
		Method: MethodStart,
		Op:     &backend.Operation{Type: backend.OpSession, Ref: 4, Params: json.RawMessage(`{"routines":["a"]}`)},
	}}
	if err := WriteFrame(&buf, in, 0); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len()-4 {
		t.Errorf("length prefix = %d, payload = %d", got, buf.Len()-4)
	}

	out, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Type != FrameRequest || out.Request == nil {
		t.Fatalf("frame = %+v", out)
	}
	if out.Request.Seq != 9 || out.Request.Op.Ref != 4 || out.Request.Op.Type != backend.OpSession {
		t.Errorf("request = %+v", out.Request)
	}
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	big := &Frame{Type: FrameEvent, Event: json.RawMessage(`"` + strings.Repeat("x", 2048) + `"`)}
	if err := WriteFrame(&buf, big, 1024); err == nil {
		t.Error("WriteFrame accepted an oversized frame")
	}

	buf.Reset()
	binary.Write(&buf, binary.BigEndian, uint32(4096))
	if _, err := ReadFrame(&buf, 1024); err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("ReadFrame oversize error = %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(10))
	buf.WriteString("{}")
	if _, err := ReadFrame(&buf, 0); err == nil {
		t.Error("ReadFrame accepted a truncated payload")
	}
}

func TestResponseErrorsMapToSentinels(t *testing.T) {
	tests := []struct {
		err  error
		code string
		want error
	}{
		{fmt.Errorf("%w: gone", backend.ErrDisconnected), CodeDisconnected, backend.ErrDisconnected},
		{fmt.Errorf("%w: nope", backend.ErrRejected), CodeRejected, backend.ErrRejected},
		{errors.New("boom"), CodeInternal, nil},
	}
	for _, tt := range tests {
		resp := ErrorResponse(3, tt.err)
		if resp.Code != tt.code {
			t.Errorf("ErrorResponse(%v).Code = %q, want %q", tt.err, resp.Code, tt.code)
		}
		got := resp.Err()
		if got == nil {
			t.Fatalf("Err() = nil for %v", tt.err)
		}
		if tt.want != nil && !errors.Is(got, tt.want) {
			t.Errorf("Err() = %v, want %v", got, tt.want)
		}
	}

	if err := (&Response{Seq: 1}).Err(); err != nil {
		t.Errorf("success response Err() = %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "/run/engine.sock", want: Address{Scheme: SchemeUnix, Path: "/run/engine.sock"}},
		{in: "unix:///run/engine.sock", want: Address{Scheme: SchemeUnix, Path: "/run/engine.sock"}},
		{in: "tcp://127.0.0.1:7070", want: Address{Scheme: SchemeTCP, Host: "127.0.0.1:7070"}},
		{in: "vsock://3:5005", want: Address{Scheme: SchemeVsock, CID: 3, Port: 5005}},
		{in: "vsock-uds:///run/vm/v.sock?port=5005", want: Address{Scheme: SchemeVsockUDS, Path: "/run/vm/v.sock", Port: 5005}},
		{in: "unix://", wantErr: true},
		{in: "tcp://", wantErr: true},
		{in: "vsock://x:1", wantErr: true},
		{in: "vsock-uds:///run/v.sock", wantErr: true},
		{in: "http://example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddress(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			again, err := ParseAddress(got.String())
			if err != nil || again != got {
				t.Errorf("String() %q does not parse back: %+v, %v", got.String(), again, err)
			}
		})
	}
}
