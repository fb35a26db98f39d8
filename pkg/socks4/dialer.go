package socks4

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/chainport/chainport-go/pkg/transport"
)

// Dialer dials through a SOCKS4 proxy and returns the tunnel as a net.Conn.
// It plugs the SOCKS4 transport into code written against x/net/proxy.
type Dialer struct {
	// Config describes the proxy.
	Config Config

	// TCP configures the connection to the proxy.
	TCP transport.TCPConfig
}

// Dial connects to addr through the proxy.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext connects to addr through the proxy. The context deadline
// bounds the whole handshake. Cancellation without a deadline is observed
// only before dialing starts.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks4: %w: network %q", transport.ErrInvalidArgument, network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("socks4: %w: %v", transport.ErrInvalidArgument, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("socks4: %w: port %q", transport.ErrInvalidArgument, portStr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := transport.NoTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	tcp := transport.NewTCP(d.TCP)
	s, err := New(tcp, d.Config)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(host, port, timeout); err != nil {
		tcp.Destroy()
		if errors.Is(err, transport.ErrTimeout) && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, err
	}
	return transport.NewConn(s, transport.Addr{Net: network, Address: addr}), nil
}

// fromURL builds a Dialer from socks4://[userid@]host[:port]. Only direct
// forwarding is supported: the proxy connection is a TCP transport.
func fromURL(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	if forward != nil && forward != proxy.Direct {
		return nil, errors.New("socks4: chaining through another dialer is not supported")
	}

	d := &Dialer{Config: Config{ProxyHost: u.Hostname()}}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("socks4: proxy port %q: %w", p, err)
		}
		d.Config.ProxyPort = port
	}
	if u.User != nil {
		d.Config.UserID = u.User.Username()
	}
	return d, nil
}

func init() {
	proxy.RegisterDialerType("socks4", fromURL)
}

var (
	_ proxy.Dialer        = (*Dialer)(nil)
	_ proxy.ContextDialer = (*Dialer)(nil)
)
