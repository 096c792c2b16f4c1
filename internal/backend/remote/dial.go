package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Address schemes.
const (
	SchemeUnix     = "unix"
	SchemeTCP      = "tcp"
	SchemeVsock    = "vsock"
	SchemeVsockUDS = "vsock-uds"
)

// Address is a parsed engine host location.
type Address struct {
	Scheme string
	// Path is the socket path for unix and vsock-uds addresses.
	Path string
	// Host is host:port for tcp addresses.
	Host string
	// CID and Port locate a vsock listener. vsock-uds uses Port only.
	CID  uint32
	Port uint32
}

// String formats the address the way ParseAddress accepts it.
func (a Address) String() string {
	switch a.Scheme {
	case SchemeTCP:
		return "tcp://" + a.Host
	case SchemeVsock:
		return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port)
	case SchemeVsockUDS:
		return fmt.Sprintf("vsock-uds://%s?port=%d", a.Path, a.Port)
	default:
		return "unix://" + a.Path
	}
}

// ParseAddress parses an engine host address. Accepted forms:
//
//	/run/engine.sock
//	unix:///run/engine.sock
//	tcp://127.0.0.1:7070
//	vsock://3:5005
//	vsock-uds:///run/vm/v.sock?port=5005
func ParseAddress(s string) (Address, error) {
	if strings.HasPrefix(s, "/") {
		return Address{Scheme: SchemeUnix, Path: s}, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse engine address %q: %w", s, err)
	}

	switch u.Scheme {
	case SchemeUnix:
		if u.Path == "" {
			return Address{}, fmt.Errorf("engine address %q has no socket path", s)
		}
		return Address{Scheme: SchemeUnix, Path: u.Path}, nil
	case SchemeTCP:
		if u.Host == "" {
			return Address{}, fmt.Errorf("engine address %q has no host", s)
		}
		return Address{Scheme: SchemeTCP, Host: u.Host}, nil
	case SchemeVsock:
		cid, err := parseUint32(u.Hostname())
		if err != nil {
			return Address{}, fmt.Errorf("engine address %q: bad CID: %w", s, err)
		}
		port, err := parseUint32(u.Port())
		if err != nil {
			return Address{}, fmt.Errorf("engine address %q: bad port: %w", s, err)
		}
		return Address{Scheme: SchemeVsock, CID: cid, Port: port}, nil
	case SchemeVsockUDS:
		port, err := parseUint32(u.Query().Get("port"))
		if err != nil {
			return Address{}, fmt.Errorf("engine address %q: bad port: %w", s, err)
		}
		if u.Path == "" {
			return Address{}, fmt.Errorf("engine address %q has no socket path", s)
		}
		return Address{Scheme: SchemeVsockUDS, Path: u.Path, Port: port}, nil
	default:
		return Address{}, fmt.Errorf("engine address %q: unsupported scheme %q", s, u.Scheme)
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// conn pairs a connection with the reader to use for it. The reader may
// hold bytes read ahead during a handshake.
type conn struct {
	net.Conn
	r io.Reader
}

// dial connects to the engine host at addr.
// Retries with exponential backoff on connection failure.
func dial(ctx context.Context, addr Address) (*conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial engine host: %w", ctx.Err())
		default:
		}

		c, err := dialOnce(ctx, addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial engine host: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial engine host %s after %d attempts: %w", addr, dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, addr Address) (*conn, error) {
	var dialer net.Dialer
	switch addr.Scheme {
	case SchemeUnix:
		c, err := dialer.DialContext(ctx, "unix", addr.Path)
		if err != nil {
			return nil, err
		}
		return &conn{Conn: c, r: c}, nil
	case SchemeTCP:
		c, err := dialer.DialContext(ctx, "tcp", addr.Host)
		if err != nil {
			return nil, err
		}
		return &conn{Conn: c, r: c}, nil
	case SchemeVsock:
		c, err := vsock.Dial(addr.CID, addr.Port, nil)
		if err != nil {
			return nil, err
		}
		return &conn{Conn: c, r: c}, nil
	case SchemeVsockUDS:
		return dialVsockUDS(ctx, addr.Path, addr.Port)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", addr.Scheme)
	}
}

// dialVsockUDS connects through a hypervisor's vsock UDS bridge.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
// The buffered reader is kept for all subsequent reads so bytes read
// ahead of the handshake response are not lost.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*conn, error) {
	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(c, "CONNECT %d\n", port); err != nil {
		c.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(c)
	response, err := reader.ReadString('\n')
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		c.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &conn{Conn: c, r: reader}, nil
}
