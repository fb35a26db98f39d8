package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/chainport/chainport-go/pkg/log"
	"github.com/chainport/chainport-go/pkg/resolver"
)

// DefaultTCPPort is the default port of the plain TCP transport.
const DefaultTCPPort = 80

// TCPConfig configures a TCP transport.
type TCPConfig struct {
	// Resolver resolves host names. Defaults to resolver.System.
	Resolver resolver.Resolver

	// KeepAlive is the TCP keep-alive period. Zero uses the OS default,
	// negative disables keep-alives.
	KeepAlive time.Duration

	// Logger receives protocol events. Nil disables them.
	Logger log.Logger

	// Log receives operational diagnostics. Nil discards them.
	Log *slog.Logger
}

// TCP is the leaf transport over an OS socket.
type TCP struct {
	config TCPConfig
	log    *slog.Logger
	events *log.Emitter

	conn      *net.TCPConn
	raw       syscall.RawConn
	state     State
	pending   *asyncConnect
	destroyed bool
}

// NewTCP creates an unconnected TCP transport.
func NewTCP(config TCPConfig) *TCP {
	if config.Resolver == nil {
		config.Resolver = resolver.System{}
	}
	return &TCP{
		config: config,
		log:    loggerOrDiscard(config.Log).With("layer", "tcp"),
		events: log.NewEmitter(config.Logger, log.LayerTCP),
	}
}

// SetScheme labels protocol events with the registry scheme.
func (t *TCP) SetScheme(scheme string) {
	t.events.Scheme = scheme
}

// State returns the connection state.
func (t *TCP) State() State {
	return t.state
}

// RemoteAddr returns the peer address, or nil when unconnected.
func (t *TCP) RemoteAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// Connect resolves host and dials it, bounded by timeout. Any previous
// connection is closed first.
func (t *TCP) Connect(host string, port int, timeout time.Duration) error {
	if t.destroyed {
		return ErrDestroyed
	}
	if err := ValidatePort(port); err != nil {
		return err
	}
	t.Close()

	t.setState(StateConnecting, "connect")
	conn, err := t.dial(host, port, NewBudget(timeout))
	if err != nil {
		t.fail("connect", err)
		return err
	}
	return t.attach(conn)
}

// ConnectAsync starts a background dial on the first call and reports its
// progress on later calls without blocking.
func (t *TCP) ConnectAsync(host string, port int, timeout time.Duration) (ConnectStatus, error) {
	if t.destroyed {
		return StatusFailed, ErrDestroyed
	}

	if t.pending == nil {
		if t.state == StateConnected {
			return StatusConnected, nil
		}
		if err := ValidatePort(port); err != nil {
			return StatusFailed, err
		}
		t.Close()

		budget := NewBudget(timeout)
		t.pending = startAsync(func() (net.Conn, error) {
			conn, err := t.dial(host, port, budget)
			if err != nil {
				return nil, err
			}
			return conn, nil
		})
		t.setState(StateConnecting, "connect async")
	}

	res, done := t.pending.poll()
	if !done {
		return StatusInProgress, nil
	}
	t.pending = nil

	if res.err != nil {
		t.fail("connect async", res.err)
		return StatusFailed, res.err
	}
	if err := t.attach(res.conn.(*net.TCPConn)); err != nil {
		return StatusFailed, err
	}
	return StatusConnected, nil
}

func (t *TCP) dial(host string, port int, budget Budget) (*net.TCPConn, error) {
	ip, err := ResolveIPv4(t.config.Resolver, host, budget.Remaining())
	if err != nil {
		return nil, err
	}

	d := net.Dialer{
		KeepAlive: t.config.KeepAlive,
		Deadline:  budget.ioDeadline(),
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	t.log.Debug("dialing", "host", host, "addr", addr)

	conn, err := d.Dial("tcp4", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("connect %s: %w", addr, ErrTimeout)
		}
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn.(*net.TCPConn), nil
}

func (t *TCP) attach(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		t.fail("connect", err)
		return fmt.Errorf("connect: %w", err)
	}
	t.conn = conn
	t.raw = raw
	t.events.Renew(conn.RemoteAddr().String())
	t.setState(StateConnected, "")
	t.log.Debug("connected", "remote", conn.RemoteAddr().String())
	return nil
}

// Read waits up to timeout for the socket to become readable, then performs
// one read.
func (t *TCP) Read(p []byte, timeout time.Duration) (int, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	budget := NewBudget(timeout)
	ready, err := pollFD(t.raw, pollIn, timeout)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}

	// A socket that polled readable does not block; the deadline only
	// matters where readiness is assumed.
	var deadline time.Time
	if !pollReliable {
		deadline = budget.ioDeadline()
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}

	n, err := t.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	switch {
	case err == nil, isTimeout(err):
		return 0, nil
	case errors.Is(err, io.EOF):
		t.events.State(StateConnected.String(), "PEER_CLOSED", "eof")
		return 0, ErrConnectionClosed
	case isReset(err):
		t.events.Error("read", err, nil)
		return 0, fmt.Errorf("read: %w: %w", ErrConnectionClosed, err)
	default:
		t.events.Error("read", err, nil)
		return 0, fmt.Errorf("read: %w", err)
	}
}

// Write waits up to timeout for the socket to become writable, then writes
// as much of p as the remaining budget allows.
func (t *TCP) Write(p []byte, timeout time.Duration) (int, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	budget := NewBudget(timeout)
	ready, err := pollFD(t.raw, pollOut, timeout)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}

	if err := t.conn.SetWriteDeadline(budget.ioDeadline()); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	n, err := t.conn.Write(p)
	switch {
	case err == nil:
		return n, nil
	case isTimeout(err):
		return n, nil
	case isReset(err):
		t.events.Error("write", err, nil)
		return n, fmt.Errorf("write: %w: %w", ErrConnectionClosed, err)
	default:
		t.events.Error("write", err, nil)
		return n, fmt.Errorf("write: %w", err)
	}
}

// PollRead waits until the socket is readable. End of stream counts as
// readable.
func (t *TCP) PollRead(timeout time.Duration) (bool, error) {
	if err := t.usable(); err != nil {
		return false, err
	}
	return pollFD(t.raw, pollIn, timeout)
}

// PollWrite waits until the socket is writable.
func (t *TCP) PollWrite(timeout time.Duration) (bool, error) {
	if err := t.usable(); err != nil {
		return false, err
	}
	return pollFD(t.raw, pollOut, timeout)
}

// Close closes the socket and abandons any pending async connect. It is a
// no-op when unconnected.
func (t *TCP) Close() error {
	if t.pending != nil {
		t.pending.abandon()
		t.pending = nil
	}
	if t.conn == nil {
		if t.state != StateFailed {
			t.state = StateInit
		}
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	t.raw = nil
	t.setState(StateInit, "closed")
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Destroy closes the socket and releases the transport.
func (t *TCP) Destroy() error {
	if t.destroyed {
		return ErrDestroyed
	}
	err := t.Close()
	t.destroyed = true
	t.events.State(t.state.String(), "DESTROYED", "")
	return err
}

// DefaultPort returns 80.
func (t *TCP) DefaultPort() int {
	return DefaultTCPPort
}

func (t *TCP) usable() error {
	if t.destroyed {
		return ErrDestroyed
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	return nil
}

func (t *TCP) setState(s State, reason string) {
	if t.state == s {
		return
	}
	old := t.state
	t.state = s
	t.events.State(old.String(), s.String(), reason)
}

func (t *TCP) fail(op string, err error) {
	t.setState(StateFailed, err.Error())
	t.events.Error(op, err, nil)
	t.log.Debug("connect failed", "error", err)
}

// ResolveIPv4 resolves host with r and maps failures onto the transport
// taxonomy: an unknown or non-IPv4 host is ErrHostNotFound and an exhausted
// timeout is ErrTimeout.
func ResolveIPv4(r resolver.Resolver, host string, timeout time.Duration) (net.IP, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}
	ip, err := r.LookupIPv4(host, timeout)
	switch {
	case err == nil:
		return ip, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("resolve %s: %w", host, ErrTimeout)
	default:
		return nil, fmt.Errorf("resolve %s: %w: %w", host, ErrHostNotFound, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	// Go 1.21 has no slog.DiscardHandler; a handler whose minimum level is
	// unreachable is disabled for every record and writes nothing.
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}

var _ Transport = (*TCP)(nil)
