package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// connSlice bounds each transport call made by Conn so that Abort and
// deadline changes take effect without waiting out a long timeout.
const connSlice = 50 * time.Millisecond

// Addr is the net.Addr of a transport endpoint.
type Addr struct {
	Net     string
	Address string
}

// Network returns the network name.
func (a Addr) Network() string { return a.Net }

// String returns the address.
func (a Addr) String() string { return a.Address }

// Conn exposes a Transport as a net.Conn so that stream libraries
// (crypto/tls, x/net/proxy users) can run over an arbitrary chain.
//
// Deadlines map to per-call timeouts. A read with no data before the deadline
// fails with os.ErrDeadlineExceeded, which callers treat as temporary.
// ErrConnectionClosed surfaces as io.EOF.
type Conn struct {
	t      Transport
	local  net.Addr
	remote net.Addr

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	aborted atomic.Bool
}

// NewConn wraps t. remote may be nil.
func NewConn(t Transport, remote net.Addr) *Conn {
	if remote == nil {
		remote = Addr{Net: "transport"}
	}
	return &Conn{t: t, local: Addr{Net: "transport"}, remote: remote}
}

// Transport returns the wrapped transport.
func (c *Conn) Transport() Transport {
	return c.t
}

// Read reads from the transport until data arrives or the read deadline
// passes.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if c.aborted.Load() {
			return 0, c.opError("read", net.ErrClosed)
		}

		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()

		n, err := c.t.Read(p, sliceTimeout(deadline))
		if err != nil {
			return n, c.mapError("read", err)
		}
		if n > 0 {
			return n, nil
		}
		if expired(deadline) {
			return 0, c.opError("read", os.ErrDeadlineExceeded)
		}
	}
}

// Write writes all of p unless the write deadline passes first.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if c.aborted.Load() {
			return written, c.opError("write", net.ErrClosed)
		}

		c.mu.Lock()
		deadline := c.writeDeadline
		c.mu.Unlock()

		n, err := c.t.Write(p[written:], sliceTimeout(deadline))
		written += n
		if err != nil {
			return written, c.mapError("write", err)
		}
		if n == 0 && expired(deadline) {
			return written, c.opError("write", os.ErrDeadlineExceeded)
		}
	}
	return written, nil
}

// Close closes the transport. The transport stays usable for a new Connect.
func (c *Conn) Close() error {
	return c.t.Close()
}

// Abort makes pending and future Read and Write calls fail with
// net.ErrClosed within one call slice. The transport is left open.
func (c *Conn) Abort() {
	c.aborted.Store(true)
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns the remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// SetDeadline sets both deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// SetReadDeadline sets the read deadline. The zero time disables it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline sets the write deadline. The zero time disables it.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) mapError(op string, err error) error {
	switch {
	case errors.Is(err, ErrConnectionClosed):
		return io.EOF
	case errors.Is(err, ErrTimeout):
		return c.opError(op, os.ErrDeadlineExceeded)
	default:
		return c.opError(op, err)
	}
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: c.remote.Network(), Addr: c.remote, Err: err}
}

// sliceTimeout converts a deadline to the timeout of the next transport call.
// A passed deadline still gets one non-blocking attempt.
func sliceTimeout(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return connSlice
	}
	left := time.Until(deadline)
	switch {
	case left <= 0:
		return 0
	case left > connSlice:
		return connSlice
	default:
		return left
	}
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// deadlineFor converts a caller timeout to an absolute deadline.
func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

var _ net.Conn = (*Conn)(nil)
