// Package stack describes a transport chain in YAML and builds it.
//
// A chain lists its layers bottom-up; each layer names the scheme of its
// parent. Build creates the layers in that order and registers each under
// its scheme, so destroying the registry tears the chain down top-first.
//
//	resolver:
//	  kind: dns
//	  server: 9.9.9.9:53
//	metrics:
//	  enabled: true
//	transports:
//	  - scheme: tcp
//	    kind: tcp
//	  - scheme: socks4
//	    kind: socks4
//	    parent: tcp
//	    proxy:
//	      host: proxy.internal
//	      port: 1080
//	  - scheme: wss
//	    kind: tls
//	    parent: socks4
//	  - scheme: ws
//	    kind: websocket
//	    parent: wss
//	    websocket:
//	      path: /stream
package stack

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Layer kinds.
const (
	KindTCP       = "tcp"
	KindTLS       = "tls"
	KindSOCKS4    = "socks4"
	KindWebSocket = "websocket"
)

// Resolver kinds.
const (
	ResolverSystem = "system"
	ResolverDNS    = "dns"
	ResolverStatic = "static"
)

// Config is a chain description.
type Config struct {
	Resolver   ResolverConfig    `yaml:"resolver"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Transports []TransportConfig `yaml:"transports"`
}

// ResolverConfig selects how host names are resolved.
type ResolverConfig struct {
	// Kind is system (default), dns or static.
	Kind string `yaml:"kind"`

	// Server is the DNS server host:port for kind dns.
	Server string `yaml:"server"`

	// Net is the DNS transport for kind dns: udp (default), tcp or tcp-tls.
	Net string `yaml:"net"`

	// Hosts maps names to IPv4 addresses for kind static.
	Hosts map[string]string `yaml:"hosts"`
}

// MetricsConfig enables the Prometheus and OpenTelemetry wrappers.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TransportConfig describes one layer.
type TransportConfig struct {
	Scheme string `yaml:"scheme"`
	Kind   string `yaml:"kind"`
	Parent string `yaml:"parent"`

	// KeepAlive is the TCP keep-alive period of a tcp layer or of the TCP
	// socket owned by a leaf tls layer.
	KeepAlive time.Duration `yaml:"keepalive"`

	TLS       *TLSConfig       `yaml:"tls"`
	Proxy     *ProxyConfig     `yaml:"proxy"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
}

// TLSConfig configures a tls layer.
type TLSConfig struct {
	ServerName         string   `yaml:"server_name"`
	CAFile             string   `yaml:"ca_file"`
	CertFile           string   `yaml:"cert_file"`
	KeyFile            string   `yaml:"key_file"`
	ALPN               []string `yaml:"alpn"`
	MinVersion         string   `yaml:"min_version"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// ProxyConfig configures a socks4 layer.
type ProxyConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UserID string `yaml:"user_id"`
}

// WebSocketConfig configures a websocket layer.
type WebSocketConfig struct {
	Path                   string        `yaml:"path"`
	Subprotocol            string        `yaml:"subprotocol"`
	UserAgent              string        `yaml:"user_agent"`
	Auth                   string        `yaml:"auth"`
	Headers                []HeaderEntry `yaml:"headers"`
	BufferSize             int           `yaml:"buffer_size"`
	PropagateControlFrames bool          `yaml:"propagate_control_frames"`
	CloseTimeout           time.Duration `yaml:"close_timeout"`
	DefaultPort            int           `yaml:"default_port"`
}

// HeaderEntry is an extra upgrade request header.
type HeaderEntry struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoadError describes a configuration that could not be loaded or is
// invalid.
type LoadError struct {
	// File is the path of the configuration, if loaded from disk.
	File string

	// Field locates the problem, e.g. "transports[2].parent".
	Field string

	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Parse decodes and validates a chain description.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses a chain description file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	c, err := Parse(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
		}
		return nil, err
	}
	return c, nil
}

// Validate checks the description without touching the network or files.
func (c *Config) Validate() error {
	switch c.Resolver.Kind {
	case "", ResolverSystem, ResolverStatic:
	case ResolverDNS:
		if c.Resolver.Server == "" {
			return &LoadError{Field: "resolver.server", Message: "required for dns resolver"}
		}
	default:
		return &LoadError{Field: "resolver.kind", Message: fmt.Sprintf("unknown kind %q", c.Resolver.Kind)}
	}

	if len(c.Transports) == 0 {
		return &LoadError{Field: "transports", Message: "at least one transport is required"}
	}

	kinds := make(map[string]string, len(c.Transports))
	for i, t := range c.Transports {
		field := func(name string) string { return fmt.Sprintf("transports[%d].%s", i, name) }

		if t.Scheme == "" {
			return &LoadError{Field: field("scheme"), Message: "required"}
		}
		if _, dup := kinds[t.Scheme]; dup {
			return &LoadError{Field: field("scheme"), Message: fmt.Sprintf("duplicate scheme %q", t.Scheme)}
		}

		if t.Parent != "" {
			if _, ok := kinds[t.Parent]; !ok {
				return &LoadError{Field: field("parent"), Message: fmt.Sprintf("%q is not defined above", t.Parent)}
			}
		}

		switch t.Kind {
		case KindTCP:
			if t.Parent != "" {
				return &LoadError{Field: field("parent"), Message: "tcp is a leaf and takes no parent"}
			}
		case KindTLS:
			if t.TLS != nil {
				if err := t.TLS.validate(); err != nil {
					return &LoadError{Field: field("tls"), Message: err.Error()}
				}
			}
		case KindSOCKS4:
			if t.Parent == "" {
				return &LoadError{Field: field("parent"), Message: "socks4 needs a parent"}
			}
			if t.Proxy == nil || t.Proxy.Host == "" {
				return &LoadError{Field: field("proxy.host"), Message: "required"}
			}
			if t.Proxy.Port < 0 || t.Proxy.Port > 65535 {
				return &LoadError{Field: field("proxy.port"), Message: fmt.Sprintf("invalid port %d", t.Proxy.Port)}
			}
		case KindWebSocket, "ws":
			if t.Parent == "" {
				return &LoadError{Field: field("parent"), Message: "websocket needs a parent"}
			}
			if ws := t.WebSocket; ws != nil && ws.Path != "" && ws.Path[0] != '/' {
				return &LoadError{Field: field("websocket.path"), Message: "must start with /"}
			}
		default:
			return &LoadError{Field: field("kind"), Message: fmt.Sprintf("unknown kind %q", t.Kind)}
		}

		kinds[t.Scheme] = t.Kind
	}
	return nil
}

func (c *TLSConfig) validate() error {
	if _, err := tlsVersion(c.MinVersion); err != nil {
		return err
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file go together")
	}
	return nil
}
