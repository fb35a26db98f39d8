package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNSServer runs a miekg/dns server on loopback that knows one name.
func startDNSServer(t *testing.T, name, addr string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) == 1 && r.Question[0].Name == dns.Fqdn(name) {
			rr, err := dns.NewRR(dns.Fqdn(name) + " 60 IN A " + addr)
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		} else {
			m.SetRcode(r, dns.RcodeNameError)
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestLiteralAddresses(t *testing.T) {
	resolvers := map[string]Resolver{
		"system": System{},
		"dns":    DNS{Server: "127.0.0.1:1"},
		"static": Static{},
	}

	for name, r := range resolvers {
		t.Run(name, func(t *testing.T) {
			ip, err := r.LookupIPv4("90.90.90.90", time.Second)
			require.NoError(t, err)
			assert.Equal(t, net.IPv4(90, 90, 90, 90).To4(), ip)

			_, err = r.LookupIPv4("::1", time.Second)
			assert.ErrorIs(t, err, ErrNotIPv4)
		})
	}
}

func TestSystemResolvesLocalhost(t *testing.T) {
	ip, err := System{}.LookupIPv4("localhost", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback(), "localhost resolved to %v", ip)
}

func TestDNSResolver(t *testing.T) {
	server := startDNSServer(t, "proxy.test", "90.90.90.90")
	r := DNS{Server: server}

	ip, err := r.LookupIPv4("proxy.test", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "90.90.90.90", ip.String())

	_, err = r.LookupIPv4("missing.test", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDNSResolverZeroTimeout(t *testing.T) {
	_, err := DNS{Server: "127.0.0.1:53"}.LookupIPv4("example.test", 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStaticResolver(t *testing.T) {
	r := Static{"Proxy.Test": "10.1.2.3", "broken": "nope"}

	ip, err := r.LookupIPv4("proxy.test", 0)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ip.String())

	_, err = r.LookupIPv4("other", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.LookupIPv4("broken", 0)
	assert.Error(t, err)
}
