// Package instrument wraps transports with Prometheus metrics and
// OpenTelemetry connect spans.
//
// Metrics collected (namespace "chainport" by default):
//   - connects_total{scheme,result}: Connect and completed ConnectAsync calls
//   - connect_duration_seconds{scheme}: time spent in Connect
//   - bytes_total{scheme,direction}: payload bytes read and written
//   - idle_total{scheme,op}: reads, writes and polls that ended without data
//   - errors_total{scheme,op}: failed calls
//
// Wrapped transports register under the same collectors, so one registry
// holds the metrics of a whole chain, split by scheme.
package instrument

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chainport/chainport-go/pkg/transport"
)

const defaultTracerName = "chainport"

// Config configures instrumentation.
type Config struct {
	// Namespace is the metrics namespace (default: "chainport").
	Namespace string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Buckets are the connect duration histogram buckets.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registerer receives the collectors.
	// Default: prometheus.DefaultRegisterer
	Registerer prometheus.Registerer

	// Tracer creates connect spans. Default: otel.Tracer("chainport").
	Tracer trace.Tracer
}

// Option configures instrumentation.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegisterer sets the Prometheus registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registerer = r
	}
}

// WithTracer sets the tracer used for connect spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}

func defaultConfig() Config {
	return Config{
		Namespace:  "chainport",
		Buckets:    prometheus.DefBuckets,
		Registerer: prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors shared by wrapped transports.
type Metrics struct {
	connects        *prometheus.CounterVec
	connectDuration *prometheus.HistogramVec
	bytes           *prometheus.CounterVec
	idle            *prometheus.CounterVec
	errors          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them. Collectors already
// present in the registerer are reused.
func NewMetrics(config Config) (*Metrics, error) {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}

	m := &Metrics{
		connects: counter("connects_total", "Connection attempts by result", "scheme", "result"),
		connectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "connect_duration_seconds",
			Help:        "Time spent connecting in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"scheme"}),
		bytes:  counter("bytes_total", "Payload bytes transferred", "scheme", "direction"),
		idle:   counter("idle_total", "Calls that timed out without data", "scheme", "op"),
		errors: counter("errors_total", "Failed transport calls", "scheme", "op"),
	}

	var err error
	if m.connects, err = register(config.Registerer, m.connects); err != nil {
		return nil, err
	}
	if m.connectDuration, err = register(config.Registerer, m.connectDuration); err != nil {
		return nil, err
	}
	if m.bytes, err = register(config.Registerer, m.bytes); err != nil {
		return nil, err
	}
	if m.idle, err = register(config.Registerer, m.idle); err != nil {
		return nil, err
	}
	if m.errors, err = register(config.Registerer, m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Transport forwards every call to the wrapped transport and records it.
type Transport struct {
	inner   transport.Transport
	scheme  string
	metrics *Metrics
	tracer  trace.Tracer

	asyncStart time.Time
	asyncSpan  trace.Span
}

// Wrap instruments t under scheme.
func Wrap(t transport.Transport, scheme string, opts ...Option) (*Transport, error) {
	if t == nil {
		return nil, transport.ErrInvalidArgument
	}
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(defaultTracerName)
	}

	m, err := NewMetrics(config)
	if err != nil {
		return nil, err
	}
	return &Transport{inner: t, scheme: scheme, metrics: m, tracer: config.Tracer}, nil
}

// Unwrap returns the instrumented transport.
func (t *Transport) Unwrap() transport.Transport {
	return t.inner
}

// Parent returns the parent of the wrapped layer, or nil when the wrapped
// transport is a leaf.
func (t *Transport) Parent() transport.Transport {
	if l, ok := t.inner.(transport.Layered); ok {
		return l.Parent()
	}
	return nil
}

// SetScheme forwards the registry scheme to the wrapped transport.
func (t *Transport) SetScheme(scheme string) {
	if s, ok := t.inner.(interface{ SetScheme(string) }); ok {
		s.SetScheme(scheme)
	}
}

func (t *Transport) startSpan(host string, port int) trace.Span {
	_, span := t.tracer.Start(context.Background(), "transport.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("transport.scheme", t.scheme),
			attribute.String("net.peer.name", host),
			attribute.Int("net.peer.port", port),
		),
	)
	return span
}

func (t *Transport) finishConnect(span trace.Span, start time.Time, err error) {
	t.metrics.connectDuration.WithLabelValues(t.scheme).Observe(time.Since(start).Seconds())
	t.metrics.connects.WithLabelValues(t.scheme, result(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Connect records a span and the attempt's duration and result.
func (t *Transport) Connect(host string, port int, timeout time.Duration) error {
	span := t.startSpan(host, port)
	span.SetAttributes(attribute.String("transport.timeout", timeoutString(timeout)))
	start := time.Now()
	err := t.inner.Connect(host, port, timeout)
	t.finishConnect(span, start, err)
	return err
}

// ConnectAsync records one span covering every step of the attempt.
func (t *Transport) ConnectAsync(host string, port int, timeout time.Duration) (transport.ConnectStatus, error) {
	if t.asyncSpan == nil {
		t.asyncSpan = t.startSpan(host, port)
		t.asyncStart = time.Now()
	}
	status, err := t.inner.ConnectAsync(host, port, timeout)
	if status == transport.StatusInProgress {
		return status, err
	}
	t.finishConnect(t.asyncSpan, t.asyncStart, err)
	t.asyncSpan = nil
	return status, err
}

// Read counts bytes read.
func (t *Transport) Read(p []byte, timeout time.Duration) (int, error) {
	n, err := t.inner.Read(p, timeout)
	t.count("read", "in", n, err)
	return n, err
}

// Write counts bytes written.
func (t *Transport) Write(p []byte, timeout time.Duration) (int, error) {
	n, err := t.inner.Write(p, timeout)
	t.count("write", "out", n, err)
	return n, err
}

func (t *Transport) count(op, direction string, n int, err error) {
	switch {
	case err != nil:
		t.metrics.errors.WithLabelValues(t.scheme, op).Inc()
	case n == 0:
		t.metrics.idle.WithLabelValues(t.scheme, op).Inc()
	}
	if n > 0 {
		t.metrics.bytes.WithLabelValues(t.scheme, direction).Add(float64(n))
	}
}

// PollRead counts polls that time out.
func (t *Transport) PollRead(timeout time.Duration) (bool, error) {
	ready, err := t.inner.PollRead(timeout)
	t.poll("poll_read", ready, err)
	return ready, err
}

// PollWrite counts polls that time out.
func (t *Transport) PollWrite(timeout time.Duration) (bool, error) {
	ready, err := t.inner.PollWrite(timeout)
	t.poll("poll_write", ready, err)
	return ready, err
}

func (t *Transport) poll(op string, ready bool, err error) {
	switch {
	case err != nil:
		t.metrics.errors.WithLabelValues(t.scheme, op).Inc()
	case !ready:
		t.metrics.idle.WithLabelValues(t.scheme, op).Inc()
	}
}

// Close forwards to the wrapped transport and ends a pending async span.
func (t *Transport) Close() error {
	if t.asyncSpan != nil {
		t.asyncSpan.SetStatus(codes.Error, "closed while connecting")
		t.asyncSpan.End()
		t.asyncSpan = nil
	}
	return t.inner.Close()
}

// Destroy destroys the wrapped transport.
func (t *Transport) Destroy() error {
	if t.asyncSpan != nil {
		t.asyncSpan.End()
		t.asyncSpan = nil
	}
	return t.inner.Destroy()
}

// DefaultPort returns the wrapped transport's default port.
func (t *Transport) DefaultPort() int {
	return t.inner.DefaultPort()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transport.ErrTimeout):
		return "timeout"
	case errors.Is(err, transport.ErrHostNotFound):
		return "host_not_found"
	case errors.Is(err, transport.ErrConnectionClosed):
		return "closed"
	default:
		return "error"
	}
}

func timeoutString(d time.Duration) string {
	if d < 0 {
		return "none"
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Layered   = (*Transport)(nil)
)
