package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// DefaultVsockPort is the vsock port blockd listens on inside a guest.
const DefaultVsockPort uint32 = 1024

// Retry defaults for connection establishment. I/O on an established
// connection is never retried.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Dial connects to the server at a, retrying with exponential backoff on
// connection failure.
func Dial(ctx context.Context, a Addr) (net.Conn, error) {
	start := time.Now()
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", a, ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, a)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial %s: %w", a, ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		dialDuration.Observe(time.Since(start).Seconds())
		return conn, nil
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %w", a, dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, a Addr) (net.Conn, error) {
	dialer := net.Dialer{}
	switch a.Scheme {
	case SchemeTCP:
		return dialer.DialContext(ctx, "tcp", a.Host)
	case SchemeUnix:
		return dialer.DialContext(ctx, "unix", a.Path)
	case SchemeVsock:
		return vsock.Dial(a.CID, a.Port, nil)
	case SchemeFirecracker:
		return dialFirecracker(ctx, a.Path, a.Port)
	}
	return nil, fmt.Errorf("unsupported scheme %q", a.Scheme)
}

// bufferedConn reads through the reader used for the CONNECT handshake so
// bytes it read ahead are not lost.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// dialFirecracker connects to Firecracker's vsock UDS bridge on the host and
// sends the CONNECT handshake: "CONNECT <port>\n", answered by "OK <host_port>\n".
func dialFirecracker(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	return &bufferedConn{Conn: conn, r: reader}, nil
}

// Listen opens a listener for a server address. Firecracker addresses name
// the host end of a bridge and cannot be listened on; a guest listens on
// vsock://cid:port instead.
func Listen(a Addr) (net.Listener, error) {
	switch a.Scheme {
	case SchemeTCP:
		return net.Listen("tcp", a.Host)
	case SchemeUnix:
		return net.Listen("unix", a.Path)
	case SchemeVsock:
		return vsock.Listen(a.Port, nil)
	}
	return nil, fmt.Errorf("cannot listen on %s address", a.Scheme)
}
