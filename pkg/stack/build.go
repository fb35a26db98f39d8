package stack

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainport/chainport-go/pkg/instrument"
	"github.com/chainport/chainport-go/pkg/log"
	"github.com/chainport/chainport-go/pkg/resolver"
	"github.com/chainport/chainport-go/pkg/socks4"
	"github.com/chainport/chainport-go/pkg/transport"
	"github.com/chainport/chainport-go/pkg/websocket"
)

// BuildOption configures Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	logger     log.Logger
	log        *slog.Logger
	registerer prometheus.Registerer
	instrument []instrument.Option
}

// WithLogger sends protocol events of every layer to logger.
func WithLogger(logger log.Logger) BuildOption {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithSlog sends operational diagnostics of every layer to l.
func WithSlog(l *slog.Logger) BuildOption {
	return func(o *buildOptions) {
		o.log = l
	}
}

// WithRegisterer sets where metrics are registered when enabled.
func WithRegisterer(r prometheus.Registerer) BuildOption {
	return func(o *buildOptions) {
		o.registerer = r
	}
}

// WithInstrumentOptions passes extra options to instrument.Wrap.
func WithInstrumentOptions(opts ...instrument.Option) BuildOption {
	return func(o *buildOptions) {
		o.instrument = append(o.instrument, opts...)
	}
}

// NewResolver returns the configured resolver.
func (c *Config) NewResolver() resolver.Resolver {
	switch c.Resolver.Kind {
	case ResolverDNS:
		return resolver.DNS{Server: c.Resolver.Server, Net: c.Resolver.Net}
	case ResolverStatic:
		return resolver.Static(c.Resolver.Hosts)
	default:
		return resolver.System{}
	}
}

// Build creates every layer bottom-up and registers it under its scheme. On
// failure the layers built so far are destroyed.
func (c *Config) Build(opts ...BuildOption) (*transport.Registry, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	res := c.NewResolver()
	reg := transport.NewRegistry()
	for i, tc := range c.Transports {
		t, err := c.buildLayer(tc, reg, res, &o)
		if err == nil && c.Metrics.Enabled {
			t, err = c.instrument(t, tc.Scheme, &o)
		}
		if err == nil {
			err = reg.Add(t, tc.Scheme)
		}
		if err != nil {
			return nil, errors.Join(
				&LoadError{Field: fmt.Sprintf("transports[%d]", i), Message: "build " + tc.Scheme, Cause: err},
				reg.Destroy(),
			)
		}
	}
	return reg, nil
}

func (c *Config) instrument(t transport.Transport, scheme string, o *buildOptions) (transport.Transport, error) {
	opts := append([]instrument.Option(nil), o.instrument...)
	if c.Metrics.Namespace != "" {
		opts = append(opts, instrument.WithNamespace(c.Metrics.Namespace))
	}
	if o.registerer != nil {
		opts = append(opts, instrument.WithRegisterer(o.registerer))
	}
	return instrument.Wrap(t, scheme, opts...)
}

func (c *Config) buildLayer(tc TransportConfig, reg *transport.Registry, res resolver.Resolver, o *buildOptions) (transport.Transport, error) {
	var parent transport.Transport
	if tc.Parent != "" {
		parent = reg.Get(tc.Parent)
	}
	tcp := transport.TCPConfig{
		Resolver:  res,
		KeepAlive: tc.KeepAlive,
		Logger:    o.logger,
		Log:       o.log,
	}

	switch tc.Kind {
	case KindTCP:
		return transport.NewTCP(tcp), nil

	case KindTLS:
		cfg := tc.TLS
		if cfg == nil {
			cfg = &TLSConfig{}
		}
		tlsConfig, err := cfg.clientConfig()
		if err != nil {
			return nil, err
		}
		return transport.NewTLS(transport.TLSOptions{
			Config: tlsConfig,
			Parent: parent,
			TCP:    tcp,
			Logger: o.logger,
			Log:    o.log,
		})

	case KindSOCKS4:
		return socks4.New(parent, socks4.Config{
			ProxyHost: tc.Proxy.Host,
			ProxyPort: tc.Proxy.Port,
			UserID:    tc.Proxy.UserID,
			Resolver:  res,
			Logger:    o.logger,
			Log:       o.log,
		})

	default:
		cfg := tc.WebSocket
		if cfg == nil {
			cfg = &WebSocketConfig{}
		}
		headers := make([]websocket.Header, 0, len(cfg.Headers))
		for _, h := range cfg.Headers {
			headers = append(headers, websocket.Header{Name: h.Name, Value: h.Value})
		}
		return websocket.New(parent, websocket.Config{
			Path:                   cfg.Path,
			Subprotocol:            cfg.Subprotocol,
			UserAgent:              cfg.UserAgent,
			Auth:                   cfg.Auth,
			Headers:                headers,
			BufferSize:             cfg.BufferSize,
			PropagateControlFrames: cfg.PropagateControlFrames,
			CloseTimeout:           cfg.CloseTimeout,
			DefaultPort:            cfg.DefaultPort,
			Logger:                 o.logger,
			Log:                    o.log,
		})
	}
}

// clientConfig loads the certificate files and builds the crypto/tls client
// configuration.
func (c *TLSConfig) clientConfig() (*tls.Config, error) {
	version, err := tlsVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	cfg := &transport.TLSConfig{
		ServerName:         c.ServerName,
		NextProtos:         c.ALPN,
		MinVersion:         version,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s holds no PEM certificates", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificate = cert
	}
	return transport.NewClientTLSConfig(cfg)
}

func tlsVersion(s string) (uint16, error) {
	switch s {
	case "":
		return 0, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported min_version %q", s)
	}
}
