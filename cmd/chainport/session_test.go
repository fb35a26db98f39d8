package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainport/chainport-go/pkg/instrument"
	"github.com/chainport/chainport-go/pkg/transport"
	"github.com/chainport/chainport-go/pkg/websocket"
)

func splitPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func startEchoServer(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := (&gorilla.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return splitPort(t, srv.Listener.Addr().String())
}

func dialWebSocket(t *testing.T) *websocket.Transport {
	t.Helper()
	port := startEchoServer(t)

	tcp := transport.NewTCP(transport.TCPConfig{})
	ws, err := websocket.New(tcp, websocket.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ws.Destroy()
		tcp.Destroy()
	})
	require.NoError(t, ws.Connect("127.0.0.1", port, 2*time.Second))
	return ws
}

type scriptedLines struct {
	lines []string
}

func (s *scriptedLines) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestSessionEchoOverWebSocket(t *testing.T) {
	ws := dialWebSocket(t)
	var out bytes.Buffer
	s := newSession(ws, &out)
	require.Same(t, ws, s.ws)

	quit, err := s.handle("hello chain")
	require.NoError(t, err)
	assert.False(t, quit)
	require.NoError(t, s.drain())

	assert.Contains(t, out.String(), "< hello chain\n")
}

func TestSessionDrainReadsPastControlFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := (&gorilla.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		mt, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		if err := c.WriteControl(gorilla.PingMessage, []byte("first"), deadline); err != nil {
			return
		}
		if err := c.WriteControl(gorilla.PongMessage, []byte("second"), deadline); err != nil {
			return
		}
		if err := c.WriteMessage(mt, msg); err != nil {
			return
		}
		c.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	tcp := transport.NewTCP(transport.TCPConfig{})
	ws, err := websocket.New(tcp, websocket.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ws.Destroy()
		tcp.Destroy()
	})
	require.NoError(t, ws.Connect("127.0.0.1", splitPort(t, srv.Listener.Addr().String()), 2*time.Second))

	var out bytes.Buffer
	s := newSession(ws, &out)
	_, err = s.handle("after controls")
	require.NoError(t, err)
	require.NoError(t, s.drain())

	assert.Contains(t, out.String(), "< after controls\n")
	assert.Equal(t, uint64(2), ws.ControlFrames())
}

func TestSessionPing(t *testing.T) {
	ws := dialWebSocket(t)
	var pong []byte
	ws.SetPongHandler(func(p []byte) { pong = append([]byte(nil), p...) })

	var out bytes.Buffer
	s := newSession(ws, &out)

	quit, err := s.handle("/ping")
	require.NoError(t, err)
	assert.False(t, quit)
	require.NoError(t, s.drain())

	assert.Contains(t, out.String(), "> PING")
	assert.Equal(t, pingPayload, string(pong))
}

func TestSessionClose(t *testing.T) {
	ws := dialWebSocket(t)
	var out bytes.Buffer
	s := newSession(ws, &out)

	quit, err := s.handle("/close")
	require.NoError(t, err)
	assert.True(t, quit)
	assert.Contains(t, out.String(), "> CLOSE 1000")
	assert.Contains(t, out.String(), "connection closed")
}

func TestSessionRun(t *testing.T) {
	ws := dialWebSocket(t)
	var out bytes.Buffer
	s := newSession(ws, &out)

	lines := &scriptedLines{lines: []string{"one", "", "two", "/quit", "never sent"}}
	require.NoError(t, s.run(context.Background(), lines))

	assert.Contains(t, out.String(), "< one\n")
	assert.Contains(t, out.String(), "< two\n")
	assert.NotContains(t, out.String(), "never sent")
	assert.Equal(t, []string{"never sent"}, lines.lines)
}

func TestSessionRunStopsOnCancel(t *testing.T) {
	ws := dialWebSocket(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lines := &scriptedLines{lines: []string{"unsent"}}
	require.NoError(t, newSession(ws, io.Discard).run(ctx, lines))
	assert.Len(t, lines.lines, 1)
}

func TestSessionOverPlainTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	tcp := transport.NewTCP(transport.TCPConfig{})
	t.Cleanup(func() { tcp.Destroy() })
	require.NoError(t, tcp.Connect("127.0.0.1", splitPort(t, ln.Addr().String()), time.Second))

	var out bytes.Buffer
	s := newSession(tcp, &out)
	assert.Nil(t, s.ws)

	_, err = s.handle("raw line")
	require.NoError(t, err)
	require.NoError(t, s.drain())
	assert.Contains(t, out.String(), "< raw line\n")

	quit, err := s.handle("/ping")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), errNotWebSocket.Error())
}

func TestFindWebSocketThroughInstrument(t *testing.T) {
	tcp := transport.NewTCP(transport.TCPConfig{})
	ws, err := websocket.New(tcp, websocket.Config{})
	require.NoError(t, err)

	wrapped, err := instrument.Wrap(ws, "ws", instrument.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	assert.Same(t, ws, findWebSocket(wrapped))
	assert.Nil(t, findWebSocket(tcp))
}
