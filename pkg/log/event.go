package log

import "time"

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the transport instance (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates data flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Scheme is the registry scheme of the transport, if known.
	Scheme string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (host:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of data flow.
type Direction uint8

const (
	// DirectionIn indicates incoming data.
	DirectionIn Direction = 0
	// DirectionOut indicates outgoing data.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which transport layer captured the event.
type Layer uint8

const (
	// LayerTCP is the raw socket layer.
	LayerTCP Layer = 0
	// LayerTLS is the TLS session layer.
	LayerTLS Layer = 1
	// LayerProxy is the SOCKS4 proxy layer.
	LayerProxy Layer = 2
	// LayerWebSocket is the RFC 6455 framing layer.
	LayerWebSocket Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTCP:
		return "TCP"
	case LayerTLS:
		return "TLS"
	case LayerProxy:
		return "PROXY"
	case LayerWebSocket:
		return "WEBSOCKET"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer returns the layer for a case-sensitive upper-case name.
func ParseLayer(s string) (Layer, bool) {
	for _, l := range []Layer{LayerTCP, LayerTLS, LayerProxy, LayerWebSocket} {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a data frame.
	CategoryMessage Category = 0
	// CategoryControl indicates a control frame (ping/pong/close).
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a WebSocket frame.
type FrameEvent struct {
	// Opcode is the RFC 6455 opcode nibble.
	Opcode uint8 `cbor:"1,keyasint"`

	// Fin is the FIN flag.
	Fin bool `cbor:"2,keyasint,omitempty"`

	// Masked reports whether the frame carried a mask key.
	Masked bool `cbor:"3,keyasint,omitempty"`

	// PayloadLen is the declared payload length.
	PayloadLen uint64 `cbor:"4,keyasint"`

	// Data is the unmasked payload (may be truncated, empty for inbound frames
	// since payload is streamed to the caller).
	Data []byte `cbor:"5,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"6,keyasint,omitempty"`
}

// StateChangeEvent captures transport lifecycle events.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ControlMsgEvent captures WebSocket control frames.
type ControlMsgEvent struct {
	// Type of control message.
	Type ControlMsgType `cbor:"1,keyasint"`

	// PayloadLen is the control payload length.
	PayloadLen int `cbor:"2,keyasint,omitempty"`

	// CloseCode is the status code of a close frame, if present.
	CloseCode *uint16 `cbor:"3,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	// ControlMsgPing indicates a ping frame.
	ControlMsgPing ControlMsgType = 0
	// ControlMsgPong indicates a pong frame.
	ControlMsgPong ControlMsgType = 1
	// ControlMsgClose indicates a close frame.
	ControlMsgClose ControlMsgType = 2
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the protocol error code (if applicable), e.g. a SOCKS4 reply code.
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
