package transport

import (
	"errors"
	"fmt"
	"time"
)

// NoTimeout blocks until the operating system or the peer acts.
const NoTimeout time.Duration = -1

// Transport errors.
var (
	// ErrTimeout indicates the operation's time budget ran out.
	ErrTimeout = errors.New("timeout")

	// ErrHostNotFound indicates the host name could not be resolved.
	ErrHostNotFound = errors.New("host not found")

	// ErrConnectionClosed indicates the peer shut the connection down.
	ErrConnectionClosed = errors.New("connection closed by peer")

	// ErrNotConnected indicates an I/O call before a successful connect.
	ErrNotConnected = errors.New("not connected")

	// ErrDestroyed indicates a call on a destroyed transport.
	ErrDestroyed = errors.New("transport destroyed")

	// ErrAsyncUnsupported is returned by ConnectAsync on transports
	// that only connect synchronously.
	ErrAsyncUnsupported = errors.New("async connect not supported")

	// ErrInvalidArgument indicates a bad host, port, scheme or handle.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrHandshake indicates a TLS handshake failure.
	ErrHandshake = errors.New("tls handshake failed")
)

// ConnectStatus is the result of one ConnectAsync step.
type ConnectStatus int

const (
	// StatusFailed indicates the connect failed; the error says why.
	StatusFailed ConnectStatus = iota

	// StatusInProgress indicates the caller must call ConnectAsync again.
	StatusInProgress

	// StatusConnected indicates the connection is established.
	StatusConnected
)

// String returns the status name.
func (s ConnectStatus) String() string {
	switch s {
	case StatusFailed:
		return "FAILED"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// State is the connection state of a transport.
type State int

const (
	// StateInit indicates no connection (never connected or closed).
	StateInit State = iota

	// StateConnecting indicates an async connect in progress.
	StateConnecting

	// StateConnected indicates an established connection.
	StateConnected

	// StateFailed indicates the last connect attempt failed.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Transport is the contract every layer implements.
type Transport interface {
	// Connect establishes a connection to host:port, blocking up to timeout.
	Connect(host string, port int, timeout time.Duration) error

	// ConnectAsync performs one non-blocking connect step. Callers invoke it
	// repeatedly until it returns StatusConnected or StatusFailed.
	// Transports without async support return StatusFailed and
	// ErrAsyncUnsupported.
	ConnectAsync(host string, port int, timeout time.Duration) (ConnectStatus, error)

	// Read reads at most len(p) bytes. It returns (0, nil) when no data
	// arrived within timeout.
	Read(p []byte, timeout time.Duration) (int, error)

	// Write writes p, returning the number of bytes accepted. It returns
	// (0, nil) when the transport did not become writable within timeout.
	Write(p []byte, timeout time.Duration) (int, error)

	// PollRead waits until the transport is readable.
	PollRead(timeout time.Duration) (bool, error)

	// PollWrite waits until the transport is writable.
	PollWrite(timeout time.Duration) (bool, error)

	// Close releases the connection but keeps the transport usable for a
	// new Connect. It is idempotent.
	Close() error

	// Destroy closes the connection and releases the transport. It succeeds
	// once; later calls return ErrDestroyed.
	Destroy() error

	// DefaultPort returns the well-known port of the transport's scheme.
	DefaultPort() int
}

// Layered is implemented by decorator transports. The parent is a
// non-owning reference: a decorator never destroys it.
type Layered interface {
	Parent() Transport
}

// schemeSetter is implemented by transports that label their log events
// with the scheme they are registered under.
type schemeSetter interface {
	SetScheme(scheme string)
}

// ValidatePort rejects ports outside 1..65535.
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidArgument, port)
	}
	return nil
}
