package transporttest

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/chainport/chainport-go/pkg/transport"
)

// Pipe is a Transport over one end of a net.Conn, typically net.Pipe or a
// loopback socket. Connect is a no-op; the conn is already connected. It
// lets decorator tests script the far end byte by byte.
type Pipe struct {
	Conn net.Conn

	// Connects counts Connect calls.
	Connects int

	closed    bool
	destroyed bool
	peek      []byte
}

// NewPipe wraps conn.
func NewPipe(conn net.Conn) *Pipe {
	return &Pipe{Conn: conn}
}

// Connect marks the pipe connected.
func (p *Pipe) Connect(string, int, time.Duration) error {
	if p.destroyed {
		return transport.ErrDestroyed
	}
	p.Connects++
	p.closed = false
	return nil
}

// ConnectAsync is not supported.
func (p *Pipe) ConnectAsync(string, int, time.Duration) (transport.ConnectStatus, error) {
	return transport.StatusFailed, transport.ErrAsyncUnsupported
}

// Read reads with the conn's read deadline set from timeout.
func (p *Pipe) Read(b []byte, timeout time.Duration) (int, error) {
	if p.closed {
		return 0, transport.ErrNotConnected
	}
	if len(p.peek) > 0 {
		n := copy(b, p.peek)
		p.peek = p.peek[n:]
		return n, nil
	}
	p.Conn.SetReadDeadline(deadline(timeout))
	n, err := p.Conn.Read(b)
	return n, mapErr(err)
}

// Write writes with the conn's write deadline set from timeout.
func (p *Pipe) Write(b []byte, timeout time.Duration) (int, error) {
	if p.closed {
		return 0, transport.ErrNotConnected
	}
	p.Conn.SetWriteDeadline(deadline(timeout))
	n, err := p.Conn.Write(b)
	return n, mapErr(err)
}

// PollRead reads one byte ahead to detect readiness.
func (p *Pipe) PollRead(timeout time.Duration) (bool, error) {
	if p.closed {
		return false, transport.ErrNotConnected
	}
	if len(p.peek) > 0 {
		return true, nil
	}
	var one [1]byte
	p.Conn.SetReadDeadline(deadline(timeout))
	n, err := p.Conn.Read(one[:])
	if n == 1 {
		p.peek = append(p.peek, one[0])
		return true, nil
	}
	if err = mapErr(err); err != nil {
		if errors.Is(err, transport.ErrConnectionClosed) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// PollWrite always reports writable.
func (p *Pipe) PollWrite(time.Duration) (bool, error) {
	if p.closed {
		return false, transport.ErrNotConnected
	}
	return true, nil
}

// Close closes the conn.
func (p *Pipe) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.Conn.Close()
}

// Destroy closes the pipe once.
func (p *Pipe) Destroy() error {
	if p.destroyed {
		return transport.ErrDestroyed
	}
	err := p.Close()
	p.destroyed = true
	return err
}

// DefaultPort returns 80.
func (p *Pipe) DefaultPort() int { return 80 }

func deadline(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return transport.ErrConnectionClosed
	default:
		return err
	}
}

var _ transport.Transport = (*Pipe)(nil)
