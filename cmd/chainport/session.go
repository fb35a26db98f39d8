package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chainport/chainport-go/pkg/transport"
	"github.com/chainport/chainport-go/pkg/websocket"
)

const (
	ioTimeout   = 5 * time.Second
	replyWindow = 300 * time.Millisecond
	pingPayload = "chainport"
)

var errNotWebSocket = errors.New("connected layer is not a WebSocket")

// session exchanges lines with a connected transport.
type session struct {
	t   transport.Transport
	ws  *websocket.Transport
	out io.Writer

	// pending collects a WebSocket message spread over several reads.
	pending []byte
}

func newSession(t transport.Transport, out io.Writer) *session {
	return &session{t: t, ws: findWebSocket(t), out: out}
}

// findWebSocket returns t, or the transport t wraps, when it is a
// WebSocket layer.
func findWebSocket(t transport.Transport) *websocket.Transport {
	for t != nil {
		if ws, ok := t.(*websocket.Transport); ok {
			return ws
		}
		u, ok := t.(interface{ Unwrap() transport.Transport })
		if !ok {
			return nil
		}
		t = u.Unwrap()
	}
	return nil
}

// handle sends one input line. It reports whether the session is over.
func (s *session) handle(line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "/quit":
		return true, nil

	case "/ping":
		if s.ws == nil {
			fmt.Fprintln(s.out, errNotWebSocket)
			return false, nil
		}
		if _, err := s.ws.WriteRaw(websocket.OpcodePing, true, []byte(pingPayload), ioTimeout); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "> PING")
		return false, nil

	case "/close":
		if s.ws == nil {
			fmt.Fprintln(s.out, errNotWebSocket)
			return false, nil
		}
		if err := s.ws.SendClose(1000, "", ioTimeout); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "> CLOSE 1000")
		return true, s.awaitClose()
	}

	var err error
	if s.ws != nil {
		_, err = s.ws.WriteRaw(websocket.OpcodeText, true, []byte(line), ioTimeout)
	} else {
		_, err = s.t.Write([]byte(line+"\n"), ioTimeout)
	}
	return false, err
}

// drain prints whatever arrives within a short window.
func (s *session) drain() error {
	buf := make([]byte, 4096)
	wait := replyWindow
	for {
		var controls uint64
		if s.ws != nil {
			controls = s.ws.ControlFrames()
		}
		n, err := s.t.Read(buf, wait)
		if err != nil {
			s.flush()
			return err
		}
		if n == 0 {
			// A consumed PING or PONG also reads as (0, nil); data may follow it.
			if s.ws != nil && s.ws.ControlFrames() != controls {
				continue
			}
			s.flush()
			return nil
		}
		s.received(buf[:n])
		wait = 50 * time.Millisecond
	}
}

func (s *session) received(p []byte) {
	if s.ws == nil {
		fmt.Fprintf(s.out, "< %s", p)
		if p[len(p)-1] != '\n' {
			fmt.Fprintln(s.out)
		}
		return
	}
	s.pending = append(s.pending, p...)
	if s.ws.BytesRemaining() == 0 && s.ws.ReadFin() {
		s.flush()
	}
}

func (s *session) flush() {
	if len(s.pending) == 0 {
		return
	}
	if s.ws != nil && s.ws.ReadOpcode() == websocket.OpcodeBinary {
		fmt.Fprintf(s.out, "< [%d bytes] %x\n", len(s.pending), s.pending)
	} else {
		fmt.Fprintf(s.out, "< %s\n", s.pending)
	}
	s.pending = s.pending[:0]
}

// awaitClose reads until the peer answers the CLOSE frame.
func (s *session) awaitClose() error {
	deadline := time.Now().Add(ioTimeout)
	for time.Now().Before(deadline) {
		if err := s.drain(); err != nil {
			return s.finish(err)
		}
	}
	return fmt.Errorf("%w: no close reply", transport.ErrTimeout)
}

// finish turns the end of a WebSocket session into a clean exit.
func (s *session) finish(err error) error {
	switch {
	case errors.Is(err, websocket.ErrClosed):
		fmt.Fprintln(s.out, "connection closed")
		return nil
	case errors.Is(err, transport.ErrConnectionClosed):
		fmt.Fprintln(s.out, "connection closed by peer")
		return nil
	}
	return err
}
