package stack

import (
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainport/chainport-go/pkg/instrument"
	"github.com/chainport/chainport-go/pkg/log"
	"github.com/chainport/chainport-go/pkg/resolver"
	"github.com/chainport/chainport-go/pkg/socks4"
	"github.com/chainport/chainport-go/pkg/transport"
	"github.com/chainport/chainport-go/pkg/websocket"
)

const fullChain = `
resolver:
  kind: static
  hosts:
    proxy.internal: 10.0.0.8
metrics:
  enabled: false
transports:
  - scheme: tcp
    kind: tcp
    keepalive: 15s
  - scheme: socks4
    kind: socks4
    parent: tcp
    proxy:
      host: proxy.internal
      port: 1080
      user_id: alice
  - scheme: tls
    kind: tls
    parent: socks4
    tls:
      server_name: api.example.com
      alpn: [http/1.1]
      min_version: "1.3"
  - scheme: wss
    kind: websocket
    parent: tls
    websocket:
      path: /stream
      subprotocol: chat
      headers:
        - name: X-Trace
          value: "1"
      close_timeout: 2s
      default_port: 443
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(fullChain))
	require.NoError(t, err)

	assert.Equal(t, ResolverStatic, c.Resolver.Kind)
	assert.Equal(t, "10.0.0.8", c.Resolver.Hosts["proxy.internal"])
	require.Len(t, c.Transports, 4)

	assert.Equal(t, 15*time.Second, c.Transports[0].KeepAlive)
	assert.Equal(t, "alice", c.Transports[1].Proxy.UserID)
	assert.Equal(t, []string{"http/1.1"}, c.Transports[2].TLS.ALPN)

	ws := c.Transports[3].WebSocket
	require.NotNil(t, ws)
	assert.Equal(t, "/stream", ws.Path)
	assert.Equal(t, 2*time.Second, ws.CloseTimeout)
	assert.Equal(t, []HeaderEntry{{Name: "X-Trace", Value: "1"}}, ws.Headers)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"no transports", `transports: []`, "transports"},
		{"missing scheme", "transports:\n  - kind: tcp", "transports[0].scheme"},
		{"unknown kind", "transports:\n  - {scheme: x, kind: quic}", "transports[0].kind"},
		{"duplicate scheme", "transports:\n  - {scheme: a, kind: tcp}\n  - {scheme: a, kind: tcp}", "transports[1].scheme"},
		{"undefined parent", "transports:\n  - {scheme: ws, kind: websocket, parent: tls}", "transports[0].parent"},
		{"parent defined later", "transports:\n  - {scheme: ws, kind: websocket, parent: tcp}\n  - {scheme: tcp, kind: tcp}", "transports[0].parent"},
		{"tcp with parent", "transports:\n  - {scheme: a, kind: tcp}\n  - {scheme: b, kind: tcp, parent: a}", "transports[1].parent"},
		{"socks4 without parent", "transports:\n  - {scheme: s, kind: socks4, proxy: {host: p}}", "transports[0].parent"},
		{"socks4 without proxy host", "transports:\n  - {scheme: a, kind: tcp}\n  - {scheme: s, kind: socks4, parent: a}", "transports[1].proxy.host"},
		{"websocket without parent", "transports:\n  - {scheme: ws, kind: websocket}", "transports[0].parent"},
		{"websocket relative path", "transports:\n  - {scheme: a, kind: tcp}\n  - {scheme: ws, kind: websocket, parent: a, websocket: {path: chat}}", "transports[1].websocket.path"},
		{"tls old version", "transports:\n  - {scheme: t, kind: tls, tls: {min_version: \"1.0\"}}", "transports[0].tls"},
		{"tls cert without key", "transports:\n  - {scheme: t, kind: tls, tls: {cert_file: c.pem}}", "transports[0].tls"},
		{"dns without server", "resolver: {kind: dns}\ntransports:\n  - {scheme: a, kind: tcp}", "resolver.server"},
		{"unknown resolver", "resolver: {kind: mdns}\ntransports:\n  - {scheme: a, kind: tcp}", "resolver.kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.field, le.Field)
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("transports: [unterminated"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "failed to parse YAML", le.Message)
	assert.NotNil(t, le.Cause)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullChain), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Transports, 4)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("transports: []"), 0o600))
	_, err = Load(bad)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, bad, le.File)
	assert.Contains(t, err.Error(), bad)
}

func TestBuildChain(t *testing.T) {
	c, err := Parse([]byte(fullChain))
	require.NoError(t, err)

	reg, err := c.Build()
	require.NoError(t, err)
	t.Cleanup(func() { reg.Destroy() })

	assert.Equal(t, []string{"tcp", "socks4", "tls", "wss"}, reg.Schemes())

	ws, ok := reg.Get("wss").(*websocket.Transport)
	require.True(t, ok)
	tlsLayer, ok := ws.Parent().(*transport.TLS)
	require.True(t, ok)
	proxy, ok := tlsLayer.Parent().(*socks4.Transport)
	require.True(t, ok)
	assert.Same(t, reg.Get("tcp"), proxy.Parent())
	assert.Equal(t, "proxy.internal:1080", proxy.ProxyAddr())
	assert.Equal(t, 443, ws.DefaultPort())
}

func TestBuildFailureDestroysBuiltLayers(t *testing.T) {
	c, err := Parse([]byte(`
transports:
  - scheme: tcp
    kind: tcp
  - scheme: tls
    kind: tls
    parent: tcp
    tls:
      ca_file: /nonexistent/ca.pem
`))
	require.NoError(t, err)

	rec := &log.Recorder{}
	_, err = c.Build(WithLogger(rec))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "transports[1]", le.Field)
	assert.ErrorIs(t, err, os.ErrNotExist)

	var destroyed int
	for _, e := range rec.Events() {
		if e.StateChange != nil && e.StateChange.NewState == "DESTROYED" {
			destroyed++
		}
	}
	assert.Equal(t, 1, destroyed, "tcp layer destroyed")
}

func TestNewResolver(t *testing.T) {
	assert.IsType(t, resolver.System{}, (&Config{}).NewResolver())
	assert.IsType(t, resolver.DNS{}, (&Config{Resolver: ResolverConfig{Kind: ResolverDNS, Server: "9.9.9.9:53"}}).NewResolver())
	assert.IsType(t, resolver.Static{}, (&Config{Resolver: ResolverConfig{Kind: ResolverStatic}}).NewResolver())
}

func startEchoServer(t *testing.T, secure bool) (*httptest.Server, int) {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			c.WriteMessage(mt, msg)
		}
	})
	var srv *httptest.Server
	if secure {
		srv = httptest.NewTLSServer(handler)
	} else {
		srv = httptest.NewServer(handler)
	}
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, port
}

func echo(t *testing.T, ws transport.Transport, msg string) {
	t.Helper()
	_, err := ws.Write([]byte(msg), time.Second)
	require.NoError(t, err)

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(msg) && time.Now().Before(deadline) {
		n, err := ws.Read(buf, 100*time.Millisecond)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, msg, string(got))
}

func TestBuildConnectsWithMetrics(t *testing.T) {
	_, port := startEchoServer(t, false)

	c, err := Parse([]byte(`
metrics:
  enabled: true
  namespace: test
transports:
  - scheme: tcp
    kind: tcp
  - scheme: ws
    kind: websocket
    parent: tcp
`))
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	reg, err := c.Build(WithRegisterer(promReg))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Destroy() })

	ws := reg.Get("ws")
	wrapped, ok := ws.(*instrument.Transport)
	require.True(t, ok)
	assert.IsType(t, &websocket.Transport{}, wrapped.Unwrap())

	require.NoError(t, ws.Connect("127.0.0.1", port, 2*time.Second))
	echo(t, ws, "metered")

	families, err := promReg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_connects_total"])
	assert.True(t, names["test_bytes_total"])
}

func TestBuildTLSWithCAFile(t *testing.T) {
	srv, port := startEchoServer(t, true)

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}
	require.NoError(t, os.WriteFile(caFile, pem.EncodeToMemory(block), 0o600))

	c, err := Parse([]byte(`
transports:
  - scheme: tls
    kind: tls
    tls:
      ca_file: ` + caFile + `
  - scheme: wss
    kind: websocket
    parent: tls
`))
	require.NoError(t, err)

	reg, err := c.Build()
	require.NoError(t, err)
	t.Cleanup(func() { reg.Destroy() })

	ws := reg.Get("wss")
	require.NoError(t, ws.Connect("127.0.0.1", port, 3*time.Second))
	echo(t, ws, "over tls")
	assert.Equal(t, 443, ws.DefaultPort())

	require.NoError(t, reg.Destroy())
	assert.True(t, errors.Is(reg.Destroy(), transport.ErrDestroyed))
}
