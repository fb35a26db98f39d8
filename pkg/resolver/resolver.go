// Package resolver turns host names into IPv4 addresses for transports that
// need a raw address: the TCP leaf before dialing, and the SOCKS4 layer, whose
// CONNECT request carries a destination IP rather than a name.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver errors.
var (
	// ErrNotFound indicates the name has no IPv4 address.
	ErrNotFound = errors.New("host not found")

	// ErrNotIPv4 indicates a literal address that is not IPv4.
	ErrNotIPv4 = errors.New("address is not IPv4")
)

// Resolver resolves a host to a single IPv4 address.
//
// A timeout of -1 waits as long as the underlying facility does. Timeouts are
// reported wrapping context.DeadlineExceeded.
type Resolver interface {
	LookupIPv4(host string, timeout time.Duration) (net.IP, error)
}

// literalIPv4 parses host as an IP literal. ok is false when host is a name.
func literalIPv4(host string) (ip net.IP, ok bool, err error) {
	parsed := net.ParseIP(host)
	if parsed == nil {
		return nil, false, nil
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4, true, nil
	}
	return nil, true, fmt.Errorf("%w: %s", ErrNotIPv4, host)
}

// System resolves through the operating system resolver.
type System struct {
	// Resolver overrides net.DefaultResolver when set.
	Resolver *net.Resolver
}

// LookupIPv4 parses literal addresses and falls back to name resolution.
func (s System) LookupIPv4(host string, timeout time.Duration) (net.IP, error) {
	if ip, ok, err := literalIPv4(host); ok {
		return ip, err
	}

	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	ctx := context.Background()
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ips, err := r.LookupIP(ctx, "ip4", host)
	if err != nil {
		var dnsErr *net.DNSError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("resolve %s: %w", host, context.DeadlineExceeded)
		case errors.As(err, &dnsErr) && dnsErr.IsTimeout:
			return nil, fmt.Errorf("resolve %s: %w", host, context.DeadlineExceeded)
		case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
			return nil, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
		}
		return nil, fmt.Errorf("resolve %s: %w: %v", host, ErrNotFound, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
}

// DNS queries a specific DNS server for A records.
type DNS struct {
	// Server is the host:port of the DNS server.
	Server string

	// Net is "udp" (default), "tcp" or "tcp-tls".
	Net string
}

// defaultDNSTimeout bounds an unbounded query; miekg/dns needs a finite value.
const defaultDNSTimeout = 5 * time.Second

// LookupIPv4 sends one recursive A query and returns the first A answer.
func (d DNS) LookupIPv4(host string, timeout time.Duration) (net.IP, error) {
	if ip, ok, err := literalIPv4(host); ok {
		return ip, err
	}
	if timeout < 0 {
		timeout = defaultDNSTimeout
	}
	if timeout == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, context.DeadlineExceeded)
	}

	client := &dns.Client{Net: d.Net, Timeout: timeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := client.Exchange(msg, d.Server)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("resolve %s: %w", host, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("resolve %s via %s: %w", host, d.Server, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
	default:
		return nil, fmt.Errorf("resolve %s: server returned %s", host, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.To4(), nil
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
}

// Static resolves from a fixed table and never touches the network.
// Keys are compared case-insensitively.
type Static map[string]string

// LookupIPv4 returns the table entry for host.
func (s Static) LookupIPv4(host string, _ time.Duration) (net.IP, error) {
	if ip, ok, err := literalIPv4(host); ok {
		return ip, err
	}
	for name, addr := range s {
		if strings.EqualFold(name, host) {
			ip, ok, err := literalIPv4(addr)
			if !ok {
				return nil, fmt.Errorf("static entry %s=%q is not an address", name, addr)
			}
			return ip, err
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
}

// Compile-time interface satisfaction checks.
var (
	_ Resolver = System{}
	_ Resolver = DNS{}
	_ Resolver = Static(nil)
)
