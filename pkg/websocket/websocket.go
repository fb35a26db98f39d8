// Package websocket implements an RFC 6455 client as a decorator transport.
//
// Connect performs the HTTP/1.1 upgrade through the parent. After that, Read
// streams frame payloads to the caller: a frame larger than the caller's
// buffer is delivered across several calls, unmasked on the fly. Control
// frames are handled inside Read and produce (0, nil):
//
//   - PING is answered with a PONG echoing its payload.
//   - PONG is reported through ReadOpcode and the OnPong hook.
//   - CLOSE is echoed (unless the close was initiated locally with SendClose),
//     then Read waits for the peer to close the stream and returns ErrClosed
//     on an orderly close or ErrCloseTimeout otherwise.
//
// Write sends one masked binary frame with FIN set. A zero-length Write sends
// a PING. WriteRaw sends any opcode.
package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/textproto"
	"time"

	"github.com/chainport/chainport-go/pkg/log"
	"github.com/chainport/chainport-go/pkg/transport"
	"github.com/chainport/chainport-go/pkg/version"
)

// Defaults.
const (
	DefaultPath         = "/"
	DefaultBufferSize   = 1024
	DefaultPort         = 80
	DefaultSecurePort   = 443
	DefaultCloseTimeout = 5 * time.Second

	// controlReplyTimeout is the least time granted to writing a PONG or
	// CLOSE reply, so that a non-blocking Read can still answer.
	controlReplyTimeout = time.Second
)

// WebSocket errors.
var (
	// ErrHandshakeTooLarge indicates the response header did not fit the
	// handshake buffer.
	ErrHandshakeTooLarge = errors.New("websocket: handshake response too large")

	// ErrBadStatus indicates an unparseable response status line or header.
	ErrBadStatus = errors.New("websocket: malformed handshake response")

	// ErrAcceptMismatch indicates a missing or wrong Sec-WebSocket-Accept.
	ErrAcceptMismatch = errors.New("websocket: Sec-WebSocket-Accept mismatch")

	// ErrProtocol indicates a frame that violates RFC 6455.
	ErrProtocol = errors.New("websocket: protocol error")

	// ErrControlTooLarge indicates a control frame payload above the limit.
	ErrControlTooLarge = errors.New("websocket: control frame too large")

	// ErrClosed is returned by Read when the closing handshake completed and
	// the peer closed the stream.
	ErrClosed = errors.New("websocket: connection closed")

	// ErrCloseTimeout is returned by Read when the peer did not close the
	// stream after the closing handshake.
	ErrCloseTimeout = errors.New("websocket: timed out waiting for peer to close")
)

// Header is an extra request header.
type Header struct {
	Name  string
	Value string
}

// Config configures a WebSocket transport.
type Config struct {
	// Path is the request target. Defaults to "/".
	Path string

	// Subprotocol is sent as Sec-WebSocket-Protocol when set.
	Subprotocol string

	// UserAgent defaults to version.UserAgent().
	UserAgent string

	// Auth is sent as the Authorization header value when set.
	Auth string

	// Headers are appended to the request in order.
	Headers []Header

	// BufferSize bounds the handshake response. Defaults to 1024.
	BufferSize int

	// PropagateControlFrames delivers control frames to the caller like data
	// instead of handling them.
	PropagateControlFrames bool

	// MaxControlPayload defaults to MaxControlPayload.
	MaxControlPayload int

	// CloseTimeout bounds the wait for the peer to close the stream after a
	// CLOSE frame. Defaults to DefaultCloseTimeout.
	CloseTimeout time.Duration

	// DefaultPort defaults to 80, or 443 when registered as "wss".
	DefaultPort int

	// OnPong is called with the payload of every received PONG.
	OnPong func(payload []byte)

	// Rand sources handshake keys and mask keys. Defaults to crypto/rand.
	Rand io.Reader

	// Logger receives protocol events. Nil disables them.
	Logger log.Logger

	// Log receives operational diagnostics. Nil discards them.
	Log *slog.Logger
}

// Transport is the WebSocket decorator.
type Transport struct {
	parent transport.Transport
	config Config
	log    *slog.Logger
	events *log.Emitter

	connected bool
	destroyed bool

	status         int
	responseHeader textproto.MIMEHeader

	ahead readAhead

	// Frame state.
	hdr            headerReader
	opcode         Opcode
	fin            bool
	masked         bool
	maskKey        [4]byte
	payloadLen     uint64
	remaining      uint64
	headerReceived bool
	inControl      bool
	control        []byte
	controlN       int
	controlFrames  uint64

	// readErr is a framing error; the stream position is lost after it, so
	// every later Read returns it until the next Connect.
	readErr error

	closeSent bool
	wbuf      []byte
}

// New creates a WebSocket transport over parent. The parent is not owned.
func New(parent transport.Transport, config Config) (*Transport, error) {
	if parent == nil {
		return nil, fmt.Errorf("websocket: %w: parent is required", transport.ErrInvalidArgument)
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Path[0] != '/' {
		return nil, fmt.Errorf("websocket: %w: path %q must start with /", transport.ErrInvalidArgument, config.Path)
	}
	if config.UserAgent == "" {
		config.UserAgent = version.UserAgent()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.MaxControlPayload <= 0 || config.MaxControlPayload > MaxControlPayload {
		config.MaxControlPayload = MaxControlPayload
	}
	if config.CloseTimeout == 0 {
		config.CloseTimeout = DefaultCloseTimeout
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}

	l := config.Log
	if l == nil {
		// Go 1.21 has no slog.DiscardHandler; an unreachable minimum level
		// disables the handler for every record.
		l = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Transport{
		parent:  parent,
		config:  config,
		log:     l.With("layer", "websocket"),
		events:  log.NewEmitter(config.Logger, log.LayerWebSocket),
		control: make([]byte, config.MaxControlPayload),
	}, nil
}

// Parent returns the transport below.
func (w *Transport) Parent() transport.Transport {
	return w.parent
}

// SetScheme labels protocol events with the registry scheme. Registering as
// "wss" makes 443 the default port unless one was configured.
func (w *Transport) SetScheme(scheme string) {
	w.events.Scheme = scheme
	if w.config.DefaultPort == 0 && (scheme == "wss" || scheme == "WSS") {
		w.config.DefaultPort = DefaultSecurePort
	}
}

// SetPongHandler replaces the OnPong hook.
func (w *Transport) SetPongHandler(fn func(payload []byte)) {
	w.config.OnPong = fn
}

// Connect connects the parent and performs the upgrade handshake, spending
// one timeout across both.
func (w *Transport) Connect(host string, port int, timeout time.Duration) error {
	if w.destroyed {
		return transport.ErrDestroyed
	}
	if err := transport.ValidatePort(port); err != nil {
		return err
	}
	w.reset()

	budget := transport.NewBudget(timeout)
	w.events.Renew(fmt.Sprintf("%s:%d", host, port))
	w.events.State(transport.StateInit.String(), transport.StateConnecting.String(), "connect")

	if err := w.handshake(host, port, budget); err != nil {
		w.parent.Close()
		w.ahead.reset()
		w.events.Error("handshake", err, w.statusCode())
		w.events.State(transport.StateConnecting.String(), transport.StateFailed.String(), err.Error())
		return err
	}

	w.connected = true
	w.events.State(transport.StateConnecting.String(), transport.StateConnected.String(), "")
	w.log.Debug("upgraded",
		"host", host,
		"path", w.config.Path,
		"status", w.status,
		"subprotocol", w.Subprotocol(),
		"leftover", w.ahead.len())
	return nil
}

func (w *Transport) handshake(host string, port int, budget transport.Budget) error {
	if err := w.parent.Connect(host, port, budget.Remaining()); err != nil {
		return err
	}

	key, err := newChallengeKey(w.config.Rand)
	if err != nil {
		return err
	}
	req := appendUpgradeRequest(nil, &w.config, host, port, key)
	if err := writeAll(w.parent, req, budget); err != nil {
		return fmt.Errorf("websocket: send request: %w", err)
	}

	head, rest, err := readResponse(w.parent, w.config.BufferSize, budget)
	if err != nil {
		return fmt.Errorf("websocket: read response: %w", err)
	}
	resp, err := parseResponse(head)
	if err != nil {
		return err
	}
	w.status = resp.status
	w.responseHeader = resp.header
	if err := resp.validate(key); err != nil {
		return err
	}

	w.ahead.push(rest)
	return nil
}

func (w *Transport) statusCode() *int {
	if w.status == 0 {
		return nil
	}
	code := w.status
	return &code
}

// ConnectAsync is not supported.
func (w *Transport) ConnectAsync(string, int, time.Duration) (transport.ConnectStatus, error) {
	return transport.StatusFailed, transport.ErrAsyncUnsupported
}

// Read returns payload bytes of the current data frame, parsing a new header
// first when the previous frame is exhausted. It returns (0, nil) when no
// payload arrived within timeout and after handling a control frame.
func (w *Transport) Read(p []byte, timeout time.Duration) (int, error) {
	if err := w.usable(); err != nil {
		return 0, err
	}
	if w.readErr != nil {
		return 0, w.readErr
	}
	budget := transport.NewBudget(timeout)

	if w.remaining == 0 && !w.inControl {
		ok, err := w.readHeader(budget)
		if err != nil || !ok {
			return 0, err
		}
	}
	if w.inControl {
		return 0, w.readControl(budget)
	}
	if w.remaining == 0 || len(p) == 0 {
		return 0, nil
	}

	if uint64(len(p)) > w.remaining {
		p = p[:w.remaining]
	}
	n, err := w.readRaw(p, budget)
	if err != nil {
		return 0, err
	}
	if w.masked {
		Mask(p[:n], w.maskKey, w.payloadLen-w.remaining)
	}
	w.remaining -= uint64(n)
	if w.remaining == 0 {
		w.headerReceived = false
	}
	return n, nil
}

// readHeader continues parsing the next frame header. It reports false when
// the header is still incomplete as the budget runs out; the bytes received
// so far are kept for the next call.
func (w *Transport) readHeader(budget transport.Budget) (bool, error) {
	for !w.hdr.complete() {
		n, err := w.readRaw(w.hdr.missing(), budget)
		if err != nil {
			return false, err
		}
		w.hdr.n += n
		if n == 0 && budget.Expired() {
			return false, nil
		}
	}

	h, err := w.hdr.parse()
	w.hdr.reset()
	if err == nil && h.opcode.IsControl() && h.length > uint64(w.config.MaxControlPayload) {
		err = fmt.Errorf("%w: %s with %d bytes", ErrControlTooLarge, h.opcode, h.length)
	}
	if err != nil {
		w.readErr = err
		w.events.Error("read header", err, nil)
		return false, err
	}

	w.opcode = h.opcode
	w.fin = h.fin
	w.masked = h.masked
	w.maskKey = h.maskKey
	w.payloadLen = h.length
	w.remaining = h.length
	w.headerReceived = true

	if h.opcode.IsControl() && !w.config.PropagateControlFrames {
		w.inControl = true
		w.controlN = 0
		return true, nil
	}

	w.events.Frame(log.DirectionIn, byte(h.opcode), h.fin, h.masked, h.length, nil)
	if h.length == 0 {
		w.headerReceived = false
	}
	return true, nil
}

// readRaw reads frame bytes: the handshake leftovers first, then the parent.
func (w *Transport) readRaw(p []byte, budget transport.Budget) (int, error) {
	if w.ahead.len() > 0 {
		return w.ahead.read(p), nil
	}
	return w.parent.Read(p, budget.Remaining())
}

// readControl reads the rest of a control frame payload and acts on it once
// complete.
func (w *Transport) readControl(budget transport.Budget) error {
	for uint64(w.controlN) < w.payloadLen {
		n, err := w.readRaw(w.control[w.controlN:w.payloadLen], budget)
		if err != nil {
			return err
		}
		w.controlN += n
		w.remaining -= uint64(n)
		if n == 0 && budget.Expired() {
			return nil
		}
	}

	payload := w.control[:w.payloadLen]
	if w.masked {
		Mask(payload, w.maskKey, 0)
	}
	w.inControl = false
	w.headerReceived = false
	w.remaining = 0
	w.controlFrames++

	switch w.opcode {
	case OpcodePing:
		w.events.Control(log.DirectionIn, log.ControlMsgPing, len(payload), nil)
		_, err := w.writeFrame(OpcodePong, true, payload, replyTimeout(budget))
		return err
	case OpcodePong:
		w.events.Control(log.DirectionIn, log.ControlMsgPong, len(payload), nil)
		if w.config.OnPong != nil {
			w.config.OnPong(append([]byte(nil), payload...))
		}
		return nil
	default:
		return w.handleClose(payload, budget)
	}
}

// handleClose completes the closing handshake after a CLOSE frame.
func (w *Transport) handleClose(payload []byte, budget transport.Budget) error {
	var code *uint16
	if len(payload) >= 2 {
		c := binary.BigEndian.Uint16(payload)
		code = &c
	}
	w.events.Control(log.DirectionIn, log.ControlMsgClose, len(payload), code)

	if !w.closeSent {
		if _, err := w.writeFrame(OpcodeClose, true, nil, replyTimeout(budget)); err != nil {
			w.log.Debug("close echo failed", "error", err)
		}
	}

	err := w.awaitPeerClose()
	w.connected = false
	w.parent.Close()
	switch {
	case err == nil:
		w.events.State(transport.StateConnected.String(), transport.StateInit.String(), "closing handshake")
		return ErrClosed
	case errors.Is(err, transport.ErrTimeout):
		w.events.Error("close", ErrCloseTimeout, nil)
		return ErrCloseTimeout
	default:
		w.events.Error("close", err, nil)
		return fmt.Errorf("websocket: close: %w", err)
	}
}

// awaitPeerClose polls the parent until the peer closes the stream. A reset
// or an already closed parent counts as closed; anything the peer still sends
// is discarded.
func (w *Transport) awaitPeerClose() error {
	budget := transport.NewBudget(w.config.CloseTimeout)
	var scratch [512]byte
	for {
		ready, err := w.parent.PollRead(budget.Remaining())
		if err != nil {
			return closedOrError(err)
		}
		if ready {
			if _, err := w.parent.Read(scratch[:], 0); err != nil {
				return closedOrError(err)
			}
		}
		if budget.Expired() {
			return transport.ErrTimeout
		}
	}
}

func closedOrError(err error) error {
	if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return err
}

// Write sends p as one binary frame. An empty p sends a PING.
func (w *Transport) Write(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		_, err := w.writeFrame(OpcodePing, true, nil, timeout)
		return 0, err
	}
	return w.WriteRaw(OpcodeBinary, true, p, timeout)
}

// WriteRaw sends one masked frame with the given opcode and FIN flag. It
// returns (0, nil) when the parent did not become writable within timeout.
// Once the first byte is out the whole frame is written; running out of time
// part way through is an error wrapping transport.ErrTimeout.
func (w *Transport) WriteRaw(op Opcode, fin bool, p []byte, timeout time.Duration) (int, error) {
	sent, err := w.writeFrame(op, fin, p, timeout)
	if err != nil || !sent {
		return 0, err
	}
	return len(p), nil
}

func (w *Transport) writeFrame(op Opcode, fin bool, p []byte, timeout time.Duration) (bool, error) {
	if err := w.usable(); err != nil {
		return false, err
	}
	if !op.valid() {
		return false, fmt.Errorf("websocket: %w: opcode 0x%x", transport.ErrInvalidArgument, byte(op))
	}
	if op.IsControl() && len(p) > MaxControlPayload {
		return false, fmt.Errorf("%w: %s with %d bytes", ErrControlTooLarge, op, len(p))
	}

	var key [4]byte
	if _, err := io.ReadFull(w.config.Rand, key[:]); err != nil {
		return false, fmt.Errorf("websocket: mask key: %w", err)
	}

	frame := AppendFrameHeader(w.wbuf[:0], op, fin, uint64(len(p)), &key)
	start := len(frame)
	frame = append(frame, p...)
	Mask(frame[start:], key, 0)
	w.wbuf = frame

	budget := transport.NewBudget(timeout)
	ready, err := w.parent.PollWrite(timeout)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}
	if err := writeAll(w.parent, frame, budget); err != nil {
		w.events.Error("write", err, nil)
		return false, err
	}

	if op.IsControl() {
		w.events.Control(log.DirectionOut, controlType(op), len(p), nil)
	} else {
		w.events.Frame(log.DirectionOut, byte(op), fin, true, uint64(len(p)), p)
	}
	return true, nil
}

// SendClose starts the closing handshake. The caller keeps reading until Read
// returns ErrClosed or ErrCloseTimeout. A zero code sends an empty payload.
func (w *Transport) SendClose(code uint16, reason string, timeout time.Duration) error {
	var payload []byte
	if code != 0 {
		payload = binary.BigEndian.AppendUint16(nil, code)
		if len(reason) > MaxControlPayload-2 {
			reason = reason[:MaxControlPayload-2]
		}
		payload = append(payload, reason...)
	}
	sent, err := w.writeFrame(OpcodeClose, true, payload, timeout)
	if err != nil {
		return err
	}
	if !sent {
		return fmt.Errorf("websocket: send close: %w", transport.ErrTimeout)
	}
	w.closeSent = true
	return nil
}

// PollRead reports ready when buffered handshake bytes exist, otherwise it
// asks the parent.
func (w *Transport) PollRead(timeout time.Duration) (bool, error) {
	if err := w.usable(); err != nil {
		return false, err
	}
	if w.ahead.len() > 0 {
		return true, nil
	}
	return w.parent.PollRead(timeout)
}

// PollWrite forwards to the parent.
func (w *Transport) PollWrite(timeout time.Duration) (bool, error) {
	if err := w.usable(); err != nil {
		return false, err
	}
	return w.parent.PollWrite(timeout)
}

// Close forwards to the parent and forgets the frame state. It does not run
// the closing handshake; use SendClose for that.
func (w *Transport) Close() error {
	if w.connected {
		w.events.State(transport.StateConnected.String(), transport.StateInit.String(), "closed")
	}
	w.reset()
	return w.parent.Close()
}

// Destroy closes the connection. The parent is closed, never destroyed.
func (w *Transport) Destroy() error {
	if w.destroyed {
		return transport.ErrDestroyed
	}
	err := w.Close()
	w.destroyed = true
	w.events.State(transport.StateInit.String(), "DESTROYED", "")
	return err
}

// DefaultPort returns the configured default port.
func (w *Transport) DefaultPort() int {
	if w.config.DefaultPort != 0 {
		return w.config.DefaultPort
	}
	return DefaultPort
}

// PayloadTransport returns the parent for callers that read the raw stream
// directly. The in-progress frame is abandoned. Handshake leftovers are not
// handed over; see TakeReadAhead.
func (w *Transport) PayloadTransport() transport.Transport {
	w.remaining = 0
	w.headerReceived = false
	w.inControl = false
	w.hdr.reset()
	return w.parent
}

// TakeReadAhead removes and returns bytes received past the handshake
// response that were not consumed yet.
func (w *Transport) TakeReadAhead() []byte {
	return w.ahead.take()
}

// ReadOpcode returns the opcode of the last frame header read.
func (w *Transport) ReadOpcode() Opcode { return w.opcode }

// ReadFin returns the FIN flag of the last frame header read.
func (w *Transport) ReadFin() bool { return w.fin }

// ReadPayloadLen returns the payload length of the last frame header read.
func (w *Transport) ReadPayloadLen() uint64 { return w.payloadLen }

// BytesRemaining returns the payload bytes of the current frame not yet read.
func (w *Transport) BytesRemaining() uint64 { return w.remaining }

// HeaderReceived reports whether a frame header was parsed whose payload is
// not fully consumed.
func (w *Transport) HeaderReceived() bool { return w.headerReceived }

// ControlFrames returns how many control frames Read has consumed. A Read
// that returned (0, nil) handled a control frame when this count moved.
func (w *Transport) ControlFrames() uint64 { return w.controlFrames }

// StatusCode returns the HTTP status of the last handshake response.
func (w *Transport) StatusCode() int { return w.status }

// ResponseHeader returns the headers of the last handshake response.
func (w *Transport) ResponseHeader() textproto.MIMEHeader { return w.responseHeader }

// Subprotocol returns the subprotocol selected by the server.
func (w *Transport) Subprotocol() string {
	return w.responseHeader.Get("Sec-WebSocket-Protocol")
}

func (w *Transport) usable() error {
	if w.destroyed {
		return transport.ErrDestroyed
	}
	if !w.connected {
		return transport.ErrNotConnected
	}
	return nil
}

func (w *Transport) reset() {
	w.connected = false
	w.closeSent = false
	w.ahead.reset()
	w.hdr.reset()
	w.opcode = 0
	w.fin = false
	w.masked = false
	w.payloadLen = 0
	w.remaining = 0
	w.headerReceived = false
	w.inControl = false
	w.controlN = 0
	w.readErr = nil
}

func replyTimeout(budget transport.Budget) time.Duration {
	left := budget.Remaining()
	if left == transport.NoTimeout || left >= controlReplyTimeout {
		return left
	}
	return controlReplyTimeout
}

func controlType(op Opcode) log.ControlMsgType {
	switch op {
	case OpcodePing:
		return log.ControlMsgPing
	case OpcodePong:
		return log.ControlMsgPong
	default:
		return log.ControlMsgClose
	}
}

// writeAll writes p through t, giving up with ErrTimeout once the budget is
// spent.
func writeAll(t transport.Transport, p []byte, budget transport.Budget) error {
	for off := 0; off < len(p); {
		n, err := t.Write(p[off:], budget.Remaining())
		if err != nil {
			return err
		}
		off += n
		if off < len(p) && n == 0 && budget.Expired() {
			return transport.ErrTimeout
		}
	}
	return nil
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Layered   = (*Transport)(nil)
)
