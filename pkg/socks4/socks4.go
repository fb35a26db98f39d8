// Package socks4 implements a SOCKS4 CONNECT decorator transport.
//
// Connect spends one caller timeout across the proxy connect, the local
// resolution of the target, the request write and the reply read. After a
// successful handshake the layer is a pure pass-through to its parent.
//
// Failures fall into three distinguishable groups:
//
//   - network and timeout errors of the parent (transport.ErrTimeout when the
//     budget runs out at any step),
//   - ErrTargetNotFound when the target host does not resolve locally,
//   - *RejectError (errors.Is ErrRejected) carrying the proxy's reply code.
package socks4

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/chainport/chainport-go/pkg/log"
	"github.com/chainport/chainport-go/pkg/resolver"
	"github.com/chainport/chainport-go/pkg/transport"
)

// DefaultProxyPort is the conventional SOCKS port.
const DefaultProxyPort = 1080

// Protocol constants.
const (
	Version        = 0x04
	CommandConnect = 0x01

	// ReplyLen is the size of a reply.
	ReplyLen = 8
)

// Reply codes.
const (
	Granted                = 0x5a
	Rejected               = 0x5b
	RejectedIdentdFailed   = 0x5c
	RejectedIdentdMismatch = 0x5d
)

var (
	// ErrTargetNotFound indicates the target host could not be resolved
	// locally. It is distinct from transport.ErrHostNotFound, which refers to
	// the proxy itself.
	ErrTargetNotFound = errors.New("socks4: target host not found")

	// ErrRejected matches every *RejectError.
	ErrRejected = errors.New("socks4: request rejected")
)

// RejectError is a reply with a code other than Granted.
type RejectError struct {
	Code byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("socks4: request rejected: %s (0x%02x)", codeText(e.Code), e.Code)
}

// Is reports whether target is ErrRejected.
func (e *RejectError) Is(target error) bool {
	return target == ErrRejected
}

func codeText(code byte) string {
	switch code {
	case Granted:
		return "granted"
	case Rejected:
		return "request rejected or failed"
	case RejectedIdentdFailed:
		return "proxy cannot reach identd on the client"
	case RejectedIdentdMismatch:
		return "identd reports a different user id"
	default:
		return "unknown failure code"
	}
}

// AppendRequest appends a CONNECT request to b:
//
//	+----+----+----+----+----+----+----+----+----+....+----+
//	| VN | CD | DSTPORT |      DSTIP        | USERID    |NULL|
//	+----+----+----+----+----+----+----+----+----+....+----+
func AppendRequest(b []byte, ip net.IP, port int, userID string) ([]byte, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return b, fmt.Errorf("%w: destination %v is not IPv4", transport.ErrInvalidArgument, ip)
	}
	if err := transport.ValidatePort(port); err != nil {
		return b, err
	}
	b = append(b, Version, CommandConnect, byte(port>>8), byte(port))
	b = append(b, ip4...)
	b = append(b, userID...)
	return append(b, 0x00), nil
}

// Config configures a SOCKS4 transport.
type Config struct {
	// ProxyHost is the proxy address the parent connects to.
	ProxyHost string

	// ProxyPort defaults to DefaultProxyPort.
	ProxyPort int

	// UserID is sent in the request. Empty sends none.
	UserID string

	// Resolver resolves the target host. Defaults to resolver.System.
	Resolver resolver.Resolver

	// Logger receives protocol events. Nil disables them.
	Logger log.Logger

	// Log receives operational diagnostics. Nil discards them.
	Log *slog.Logger
}

// Transport is the SOCKS4 decorator.
type Transport struct {
	parent    transport.Transport
	config    Config
	log       *slog.Logger
	events    *log.Emitter
	connected bool
	destroyed bool
}

// New creates a SOCKS4 transport over parent. The parent is not owned.
func New(parent transport.Transport, config Config) (*Transport, error) {
	if parent == nil {
		return nil, fmt.Errorf("socks4: %w: parent is required", transport.ErrInvalidArgument)
	}
	if config.ProxyHost == "" {
		return nil, fmt.Errorf("socks4: %w: proxy host is required", transport.ErrInvalidArgument)
	}
	if config.ProxyPort == 0 {
		config.ProxyPort = DefaultProxyPort
	}
	if err := transport.ValidatePort(config.ProxyPort); err != nil {
		return nil, fmt.Errorf("socks4: proxy: %w", err)
	}
	if config.Resolver == nil {
		config.Resolver = resolver.System{}
	}

	l := config.Log
	if l == nil {
		// Go 1.21 has no slog.DiscardHandler; an unreachable minimum level
		// disables the handler for every record.
		l = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Transport{
		parent: parent,
		config: config,
		log:    l.With("layer", "socks4"),
		events: log.NewEmitter(config.Logger, log.LayerProxy),
	}, nil
}

// Parent returns the transport the proxy connection runs over.
func (s *Transport) Parent() transport.Transport {
	return s.parent
}

// SetScheme labels protocol events with the registry scheme.
func (s *Transport) SetScheme(scheme string) {
	s.events.Scheme = scheme
}

// ProxyAddr returns the proxy host:port.
func (s *Transport) ProxyAddr() string {
	return net.JoinHostPort(s.config.ProxyHost, strconv.Itoa(s.config.ProxyPort))
}

// Connect connects the parent to the proxy and asks it to connect to
// host:port.
func (s *Transport) Connect(host string, port int, timeout time.Duration) error {
	if s.destroyed {
		return transport.ErrDestroyed
	}
	if err := transport.ValidatePort(port); err != nil {
		return err
	}
	s.connected = false

	budget := transport.NewBudget(timeout)
	s.events.Renew(s.ProxyAddr())
	s.events.State(transport.StateInit.String(), transport.StateConnecting.String(), "connect "+host)

	err := s.handshake(host, port, budget)
	if err != nil {
		s.parent.Close()
		var code *int
		var rej *RejectError
		if errors.As(err, &rej) {
			c := int(rej.Code)
			code = &c
		}
		s.events.Error("connect", err, code)
		s.events.State(transport.StateConnecting.String(), transport.StateFailed.String(), err.Error())
		return err
	}

	s.connected = true
	s.events.State(transport.StateConnecting.String(), transport.StateConnected.String(), "")
	s.log.Debug("connected through proxy",
		"proxy", s.ProxyAddr(),
		"target", net.JoinHostPort(host, strconv.Itoa(port)),
		"elapsed", budget.Elapsed())
	return nil
}

func (s *Transport) handshake(host string, port int, budget transport.Budget) error {
	// 1. Proxy connection.
	if err := s.parent.Connect(s.config.ProxyHost, s.config.ProxyPort, budget.Remaining()); err != nil {
		return fmt.Errorf("socks4: connect proxy %s: %w", s.ProxyAddr(), err)
	}
	if budget.Expired() {
		return fmt.Errorf("socks4: connect proxy %s: %w", s.ProxyAddr(), transport.ErrTimeout)
	}

	// 2. Target resolution.
	ip, err := transport.ResolveIPv4(s.config.Resolver, host, budget.Remaining())
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return fmt.Errorf("socks4: resolve %s: %w", host, transport.ErrTimeout)
	case err != nil:
		return fmt.Errorf("%w: %s", ErrTargetNotFound, host)
	}

	// 3. Request.
	req, err := AppendRequest(make([]byte, 0, 9+len(s.config.UserID)), ip, port, s.config.UserID)
	if err != nil {
		return fmt.Errorf("socks4: %w", err)
	}
	if err := writeFull(s.parent, req, budget); err != nil {
		return fmt.Errorf("socks4: send request: %w", err)
	}

	// 4. Reply.
	var reply [ReplyLen]byte
	if err := readFull(s.parent, reply[:], budget); err != nil {
		return fmt.Errorf("socks4: read reply: %w", err)
	}
	if reply[0] != 0x00 {
		s.log.Debug("unexpected reply version", "version", reply[0])
	}
	if reply[1] != Granted {
		return &RejectError{Code: reply[1]}
	}
	return nil
}

// writeFull writes p through t, giving up with ErrTimeout once the budget is
// spent.
func writeFull(t transport.Transport, p []byte, budget transport.Budget) error {
	for off := 0; off < len(p); {
		if budget.Expired() {
			return transport.ErrTimeout
		}
		n, err := t.Write(p[off:], budget.Remaining())
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// readFull fills p from t across partial reads, giving up with ErrTimeout
// once the budget is spent.
func readFull(t transport.Transport, p []byte, budget transport.Budget) error {
	for off := 0; off < len(p); {
		if budget.Expired() {
			return transport.ErrTimeout
		}
		n, err := t.Read(p[off:], budget.Remaining())
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// ConnectAsync is not supported.
func (s *Transport) ConnectAsync(string, int, time.Duration) (transport.ConnectStatus, error) {
	return transport.StatusFailed, transport.ErrAsyncUnsupported
}

// Read forwards to the parent.
func (s *Transport) Read(p []byte, timeout time.Duration) (int, error) {
	if s.destroyed {
		return 0, transport.ErrDestroyed
	}
	return s.parent.Read(p, timeout)
}

// Write forwards to the parent.
func (s *Transport) Write(p []byte, timeout time.Duration) (int, error) {
	if s.destroyed {
		return 0, transport.ErrDestroyed
	}
	return s.parent.Write(p, timeout)
}

// PollRead forwards to the parent.
func (s *Transport) PollRead(timeout time.Duration) (bool, error) {
	if s.destroyed {
		return false, transport.ErrDestroyed
	}
	return s.parent.PollRead(timeout)
}

// PollWrite forwards to the parent.
func (s *Transport) PollWrite(timeout time.Duration) (bool, error) {
	if s.destroyed {
		return false, transport.ErrDestroyed
	}
	return s.parent.PollWrite(timeout)
}

// Close forwards to the parent.
func (s *Transport) Close() error {
	if s.connected {
		s.connected = false
		s.events.State(transport.StateConnected.String(), transport.StateInit.String(), "closed")
	}
	return s.parent.Close()
}

// Destroy closes the connection. The parent is closed, never destroyed.
func (s *Transport) Destroy() error {
	if s.destroyed {
		return transport.ErrDestroyed
	}
	err := s.Close()
	s.destroyed = true
	s.events.State(transport.StateInit.String(), "DESTROYED", "")
	return err
}

// DefaultPort returns the parent's default port: the proxy is transparent
// to the scheme it carries.
func (s *Transport) DefaultPort() int {
	return s.parent.DefaultPort()
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Layered   = (*Transport)(nil)
)
