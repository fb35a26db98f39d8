package log

import (
	"time"

	"github.com/google/uuid"
)

// MaxLogFrameDataSize is the maximum frame payload copied into a log event.
const MaxLogFrameDataSize = 4096

// Emitter stamps events with a connection ID, layer and scheme before handing
// them to a Logger. A nil Emitter or one without Logger drops everything, so
// transports can emit unconditionally.
type Emitter struct {
	Logger       Logger
	ConnectionID string
	Layer        Layer
	Scheme       string
	RemoteAddr   string
}

// NewEmitter creates an emitter with a fresh connection ID.
func NewEmitter(logger Logger, layer Layer) *Emitter {
	return &Emitter{
		Logger:       logger,
		ConnectionID: uuid.New().String(),
		Layer:        layer,
	}
}

// Renew starts a new connection: it assigns a fresh connection ID and
// records the remote address for the events that follow.
func (e *Emitter) Renew(remoteAddr string) {
	if e == nil {
		return
	}
	e.ConnectionID = uuid.New().String()
	e.RemoteAddr = remoteAddr
}

// Enabled reports whether events are delivered anywhere.
func (e *Emitter) Enabled() bool {
	return e != nil && e.Logger != nil
}

// Emit fills in the common fields and logs the event.
func (e *Emitter) Emit(event Event) {
	if !e.Enabled() {
		return
	}
	event.Timestamp = time.Now()
	event.ConnectionID = e.ConnectionID
	event.Layer = e.Layer
	if event.Scheme == "" {
		event.Scheme = e.Scheme
	}
	if event.RemoteAddr == "" {
		event.RemoteAddr = e.RemoteAddr
	}
	e.Logger.Log(event)
}

// State logs a lifecycle transition.
func (e *Emitter) State(oldState, newState, reason string) {
	e.Emit(Event{
		Category:    CategoryState,
		StateChange: &StateChangeEvent{OldState: oldState, NewState: newState, Reason: reason},
	})
}

// Error logs a failed operation. code is optional.
func (e *Emitter) Error(context string, err error, code *int) {
	if err == nil {
		return
	}
	e.Emit(Event{
		Category: CategoryError,
		Error: &ErrorEventData{
			Layer:   e.Layer,
			Message: err.Error(),
			Code:    code,
			Context: context,
		},
	})
}

// Control logs a control frame.
func (e *Emitter) Control(dir Direction, typ ControlMsgType, payloadLen int, closeCode *uint16) {
	e.Emit(Event{
		Direction:  dir,
		Category:   CategoryControl,
		ControlMsg: &ControlMsgEvent{Type: typ, PayloadLen: payloadLen, CloseCode: closeCode},
	})
}

// Frame logs a data frame header and up to MaxLogFrameDataSize payload bytes.
func (e *Emitter) Frame(dir Direction, opcode uint8, fin, masked bool, payloadLen uint64, data []byte) {
	if !e.Enabled() {
		return
	}
	truncated := false
	if len(data) > MaxLogFrameDataSize {
		data = data[:MaxLogFrameDataSize]
		truncated = true
	}
	var copied []byte
	if len(data) > 0 {
		copied = append([]byte(nil), data...)
	}
	e.Emit(Event{
		Direction: dir,
		Category:  CategoryMessage,
		Frame: &FrameEvent{
			Opcode:     opcode,
			Fin:        fin,
			Masked:     masked,
			PayloadLen: payloadLen,
			Data:       copied,
			Truncated:  truncated,
		},
	})
}
