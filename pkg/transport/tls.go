package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/chainport/chainport-go/pkg/log"
)

// DefaultTLSPort is the default port of the TLS transport.
const DefaultTLSPort = 443

// tlsRecordSize is the largest plaintext a single TLS record carries.
const tlsRecordSize = 16 << 10

// TLSConfig holds client TLS settings.
type TLSConfig struct {
	// Certificate is an optional client certificate for mutual TLS.
	Certificate tls.Certificate

	// RootCAs is the pool of trusted CA certificates. Nil uses the system pool.
	RootCAs *x509.CertPool

	// ServerName is the expected server name. Empty uses the connect host.
	ServerName string

	// NextProtos lists ALPN protocols in preference order.
	NextProtos []string

	// MinVersion is the minimum TLS version. Zero means TLS 1.2.
	MinVersion uint16

	// InsecureSkipVerify disables certificate verification.
	// Only for testing - never use in production!
	InsecureSkipVerify bool

	// VerifyPeerCertificate is an optional callback for custom certificate verification.
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewClientTLSConfig creates a client TLS configuration.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}

	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	if minVersion < tls.VersionTLS12 {
		return nil, fmt.Errorf("TLS version %x is below TLS 1.2", minVersion)
	}

	tlsConfig := &tls.Config{
		MinVersion: minVersion,

		// CA pool for verifying server certificates
		RootCAs: cfg.RootCAs,

		// Server name for verification and SNI
		ServerName: cfg.ServerName,

		// ALPN protocols
		NextProtos: cfg.NextProtos,

		// Curve preferences for key exchange
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		// Custom verification callback
		VerifyPeerCertificate: cfg.VerifyPeerCertificate,

		// For testing only
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if len(cfg.Certificate.Certificate) > 0 {
		tlsConfig.Certificates = []tls.Certificate{cfg.Certificate}
	}

	return tlsConfig, nil
}

// VerifyALPN checks that the negotiated ALPN protocol is want.
func VerifyALPN(state tls.ConnectionState, want string) error {
	if state.NegotiatedProtocol != want {
		return fmt.Errorf("ALPN protocol %q is not %q", state.NegotiatedProtocol, want)
	}
	return nil
}

// TLSOptions configures a TLS transport.
type TLSOptions struct {
	// Config is the client TLS configuration. It is cloned per connection.
	// Nil uses NewClientTLSConfig defaults.
	Config *tls.Config

	// Parent is the transport the session runs over. Nil makes the TLS
	// transport a leaf that owns its own TCP transport.
	Parent Transport

	// TCP configures the owned TCP transport in leaf mode.
	TCP TCPConfig

	// Logger receives protocol events. Nil disables them.
	Logger log.Logger

	// Log receives operational diagnostics. Nil discards them.
	Log *slog.Logger
}

// handshakeAbortWait bounds how long Close waits for a pending async
// connect on a parent transport.
const handshakeAbortWait = time.Second

type handshakeResult struct {
	state tls.ConnectionState
	err   error
}

// TLS runs a crypto/tls client session over a TCP socket (leaf mode) or over
// any parent transport (layered mode).
type TLS struct {
	config *tls.Config
	parent Transport
	owned  *TCP
	tcp    TCPConfig
	log    *slog.Logger
	events *log.Emitter

	state   State
	conn    *tls.Conn
	adapter *Conn

	// Plaintext pulled out of the engine by PollRead, served by Read first.
	pending    []byte
	pendingErr error
	buf        []byte

	handshake chan handshakeResult
	destroyed bool
}

// NewTLS creates an unconnected TLS transport.
func NewTLS(opts TLSOptions) (*TLS, error) {
	config := opts.Config
	if config == nil {
		var err error
		config, err = NewClientTLSConfig(&TLSConfig{})
		if err != nil {
			return nil, err
		}
	}

	t := &TLS{
		config: config,
		parent: opts.Parent,
		log:    loggerOrDiscard(opts.Log).With("layer", "tls"),
		events: log.NewEmitter(opts.Logger, log.LayerTLS),
	}
	if t.parent == nil {
		tcp := opts.TCP
		if tcp.Logger == nil {
			tcp.Logger = opts.Logger
		}
		if tcp.Log == nil {
			tcp.Log = opts.Log
		}
		t.tcp = tcp
		t.owned = NewTCP(tcp)
	}
	return t, nil
}

// Parent returns the transport below in layered mode, nil in leaf mode.
func (t *TLS) Parent() Transport {
	return t.parent
}

// SetScheme labels protocol events with the registry scheme.
func (t *TLS) SetScheme(scheme string) {
	t.events.Scheme = scheme
	if t.owned != nil {
		t.owned.SetScheme(scheme)
	}
}

// State returns the session state.
func (t *TLS) State() State {
	return t.state
}

// ConnectionState returns the TLS connection state of an established session.
func (t *TLS) ConnectionState() tls.ConnectionState {
	if t.conn == nil || t.state != StateConnected {
		return tls.ConnectionState{}
	}
	return t.conn.ConnectionState()
}

func (t *TLS) lower() Transport {
	if t.owned != nil {
		return t.owned
	}
	return t.parent
}

// Connect connects the layer below and runs the handshake, spending one
// timeout across both.
func (t *TLS) Connect(host string, port int, timeout time.Duration) error {
	if t.destroyed {
		return ErrDestroyed
	}
	if err := ValidatePort(port); err != nil {
		return err
	}
	t.Close()

	t.setState(StateConnecting, "connect")
	t.newSession(host, port)
	res := establish(t.lower(), t.adapter, t.conn, host, port, NewBudget(timeout))
	return t.finish(res)
}

// ConnectAsync starts the connect and handshake on the first call and
// reports their progress on later calls without blocking.
func (t *TLS) ConnectAsync(host string, port int, timeout time.Duration) (ConnectStatus, error) {
	if t.destroyed {
		return StatusFailed, ErrDestroyed
	}

	if t.handshake == nil {
		if t.state == StateConnected {
			return StatusConnected, nil
		}
		if err := ValidatePort(port); err != nil {
			return StatusFailed, err
		}
		t.Close()

		t.setState(StateConnecting, "connect async")
		t.newSession(host, port)
		budget := NewBudget(timeout)
		done := make(chan handshakeResult, 1)
		t.handshake = done
		lower, adapter, conn := t.lower(), t.adapter, t.conn
		go func() {
			done <- establish(lower, adapter, conn, host, port, budget)
		}()
	}

	select {
	case res := <-t.handshake:
		t.handshake = nil
		if err := t.finish(res); err != nil {
			return StatusFailed, err
		}
		return StatusConnected, nil
	default:
		return StatusInProgress, nil
	}
}

// newSession prepares the engine for host. It must run before establish.
func (t *TLS) newSession(host string, port int) {
	config := t.config.Clone()
	if config.ServerName == "" {
		config.ServerName = host
	}
	t.adapter = NewConn(t.lower(), Addr{Net: "tls", Address: net.JoinHostPort(host, strconv.Itoa(port))})
	t.conn = tls.Client(t.adapter, config)
	t.pending = nil
	t.pendingErr = nil
}

// establish connects the lower layer and handshakes. It touches only its
// arguments, so it may run on a background goroutine.
func establish(lower Transport, adapter *Conn, conn *tls.Conn, host string, port int, budget Budget) handshakeResult {
	if err := lower.Connect(host, port, budget.Remaining()); err != nil {
		return handshakeResult{err: err}
	}

	adapter.SetDeadline(budget.Deadline())
	err := conn.Handshake()
	adapter.SetDeadline(time.Time{})
	if err != nil {
		lower.Close()
		if isTimeout(err) {
			return handshakeResult{err: fmt.Errorf("tls handshake: %w", ErrTimeout)}
		}
		return handshakeResult{err: fmt.Errorf("%w: %w", ErrHandshake, err)}
	}
	return handshakeResult{state: conn.ConnectionState()}
}

func (t *TLS) finish(res handshakeResult) error {
	if res.err != nil {
		t.conn = nil
		t.adapter = nil
		t.setState(StateFailed, res.err.Error())
		t.events.Error("connect", res.err, nil)
		return res.err
	}

	t.events.Renew(t.adapter.RemoteAddr().String())
	t.setState(StateConnected, res.state.NegotiatedProtocol)
	t.log.Debug("handshake complete",
		"version", tls.VersionName(res.state.Version),
		"alpn", res.state.NegotiatedProtocol,
		"resumed", res.state.DidResume)
	return nil
}

// Read serves plaintext buffered by PollRead before touching the engine.
func (t *TLS) Read(p []byte, timeout time.Duration) (int, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	if len(t.pending) > 0 {
		n := copy(p, t.pending)
		t.pending = t.pending[n:]
		return n, nil
	}
	if err := t.pendingErr; err != nil {
		t.pendingErr = nil
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	return t.readEngine(p, timeout)
}

func (t *TLS) readEngine(p []byte, timeout time.Duration) (int, error) {
	t.adapter.SetReadDeadline(deadlineFor(timeout))
	n, err := t.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	switch {
	case err == nil, isTimeout(err):
		return 0, nil
	case errors.Is(err, io.EOF):
		t.events.State(StateConnected.String(), "PEER_CLOSED", "close_notify")
		return 0, ErrConnectionClosed
	default:
		t.events.Error("read", err, nil)
		return 0, fmt.Errorf("tls read: %w", err)
	}
}

// Write encrypts and sends p. A timeout after part of a record was sent
// leaves the session unusable, so it is reported as an error wrapping
// ErrTimeout.
func (t *TLS) Write(p []byte, timeout time.Duration) (int, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	budget := NewBudget(timeout)
	ready, err := t.lower().PollWrite(timeout)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}

	t.adapter.SetWriteDeadline(budget.Deadline())
	n, err := t.conn.Write(p)
	switch {
	case err == nil:
		return n, nil
	case isTimeout(err):
		t.events.Error("write", err, nil)
		return n, fmt.Errorf("tls write: %w", ErrTimeout)
	case errors.Is(err, io.EOF):
		return n, ErrConnectionClosed
	default:
		t.events.Error("write", err, nil)
		return n, fmt.Errorf("tls write: %w", err)
	}
}

// PollRead reports readiness of decrypted data. Raw socket readiness alone
// is not enough: a record may be incomplete, or plaintext may already sit in
// the engine. Plaintext obtained while polling is kept for the next Read.
func (t *TLS) PollRead(timeout time.Duration) (bool, error) {
	if err := t.usable(); err != nil {
		return false, err
	}
	if len(t.pending) > 0 || t.pendingErr != nil {
		return true, nil
	}

	if t.buf == nil {
		t.buf = make([]byte, tlsRecordSize)
	}
	n, err := t.readEngine(t.buf, timeout)
	if err != nil {
		t.pendingErr = err
		return true, nil
	}
	if n == 0 {
		return false, nil
	}
	t.pending = t.buf[:n]
	return true, nil
}

// PollWrite forwards to the layer below.
func (t *TLS) PollWrite(timeout time.Duration) (bool, error) {
	if err := t.usable(); err != nil {
		return false, err
	}
	return t.lower().PollWrite(timeout)
}

// Close sends close_notify when a session is established and closes the
// layer below. A pending async connect is aborted without waiting for it;
// see abandonHandshake.
func (t *TLS) Close() error {
	lowerBusy := false
	if t.handshake != nil {
		t.adapter.Abort()
		lowerBusy = t.abandonHandshake()
		t.handshake = nil
		t.conn = nil
	}

	var err error
	if t.conn != nil {
		err = t.conn.Close()
		if errors.Is(err, net.ErrClosed) || isTimeout(err) {
			err = nil
		}
		t.conn = nil
	} else if lower := t.lower(); lower != nil && !lowerBusy {
		err = lower.Close()
	}
	t.adapter = nil
	t.pending = nil
	t.pendingErr = nil

	if t.state == StateConnected || t.state == StateConnecting {
		t.setState(StateInit, "closed")
	}
	if err != nil {
		return fmt.Errorf("tls close: %w", err)
	}
	return nil
}

// abandonHandshake stops waiting for a pending async connect, which may still
// be resolving or dialing. In leaf mode the owned TCP transport is handed to
// the pending attempt, which destroys it once it returns, and a fresh one
// takes its place. A parent is waited for up to handshakeAbortWait; after
// that the pending attempt closes it when it returns and abandonHandshake
// reports true. The parent must not be used until then.
func (t *TLS) abandonHandshake() bool {
	done := t.handshake
	if t.owned != nil {
		old := t.owned
		t.owned = NewTCP(t.tcp)
		t.owned.SetScheme(t.events.Scheme)
		go func() {
			<-done
			old.Destroy()
		}()
		return false
	}

	timer := time.NewTimer(handshakeAbortWait)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		parent := t.parent
		t.log.Debug("abandoning pending connect on parent")
		go func() {
			<-done
			parent.Close()
		}()
		return true
	}
}

// Destroy closes the session. In leaf mode it also destroys the owned TCP
// transport; a parent is never destroyed.
func (t *TLS) Destroy() error {
	if t.destroyed {
		return ErrDestroyed
	}
	err := t.Close()
	if t.owned != nil {
		if derr := t.owned.Destroy(); derr != nil && !errors.Is(derr, ErrDestroyed) {
			err = errors.Join(err, derr)
		}
	}
	t.destroyed = true
	t.events.State(t.state.String(), "DESTROYED", "")
	return err
}

// DefaultPort returns 443.
func (t *TLS) DefaultPort() int {
	return DefaultTLSPort
}

func (t *TLS) usable() error {
	if t.destroyed {
		return ErrDestroyed
	}
	if t.conn == nil || t.state != StateConnected {
		return ErrNotConnected
	}
	return nil
}

func (t *TLS) setState(s State, reason string) {
	if t.state == s {
		return
	}
	old := t.state
	t.state = s
	t.events.State(old.String(), s.String(), reason)
}

var (
	_ Transport = (*TLS)(nil)
	_ Layered   = (*TLS)(nil)
)
