package instrument

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/chainport/chainport-go/pkg/transport"
	"github.com/chainport/chainport-go/pkg/transport/transporttest"
)

type recordedSpan struct {
	noop.Span
	name   string
	kind   trace.SpanKind
	err    error
	status codes.Code
	ended  bool
}

func (s *recordedSpan) RecordError(err error, _ ...trace.EventOption) { s.err = err }

func (s *recordedSpan) SetStatus(code codes.Code, _ string) { s.status = code }

func (s *recordedSpan) End(...trace.SpanEndOption) { s.ended = true }

type recordingTracer struct {
	noop.Tracer
	spans []*recordedSpan
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	span := &recordedSpan{name: name, kind: cfg.SpanKind()}
	r.spans = append(r.spans, span)
	return ctx, span
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	require.NotNil(t, m.Counter)
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	require.True(t, ok, "observer %T is not a metric", o)
	var m dto.Metric
	require.NoError(t, metric.Write(&m))
	require.NotNil(t, m.Histogram)
	return m.GetHistogram().GetSampleCount()
}

func wrap(t *testing.T, inner transport.Transport, scheme string) (*Transport, *recordingTracer) {
	t.Helper()
	tracer := &recordingTracer{}
	w, err := Wrap(inner, scheme, WithRegisterer(prometheus.NewRegistry()), WithTracer(tracer))
	require.NoError(t, err)
	return w, tracer
}

func TestConnectRecordsSpanAndMetrics(t *testing.T) {
	inner := transporttest.NewMockTransport(t)
	inner.On("Connect", "example.com", 443, time.Second).Return(nil).Once()
	inner.On("Connect", "example.com", 443, time.Second).Return(transport.ErrTimeout).Once()

	w, tracer := wrap(t, inner, "tls")

	require.NoError(t, w.Connect("example.com", 443, time.Second))
	err := w.Connect("example.com", 443, time.Second)
	assert.ErrorIs(t, err, transport.ErrTimeout)

	assert.Equal(t, 1.0, counterValue(t, w.metrics.connects.WithLabelValues("tls", "ok")))
	assert.Equal(t, 1.0, counterValue(t, w.metrics.connects.WithLabelValues("tls", "timeout")))
	assert.Equal(t, uint64(2), histogramCount(t, w.metrics.connectDuration.WithLabelValues("tls")))

	require.Len(t, tracer.spans, 2)
	ok, failed := tracer.spans[0], tracer.spans[1]
	assert.Equal(t, "transport.connect", ok.name)
	assert.Equal(t, trace.SpanKindClient, ok.kind)
	assert.Equal(t, codes.Ok, ok.status)
	assert.True(t, ok.ended)
	assert.Equal(t, codes.Error, failed.status)
	assert.ErrorIs(t, failed.err, transport.ErrTimeout)
	assert.True(t, failed.ended)
}

func TestConnectAsyncSpansWholeAttempt(t *testing.T) {
	inner := transporttest.NewMockTransport(t)
	inner.On("ConnectAsync", "host", 80, time.Second).Return(transport.StatusInProgress, nil).Twice()
	inner.On("ConnectAsync", "host", 80, time.Second).Return(transport.StatusConnected, nil).Once()

	w, tracer := wrap(t, inner, "tcp")

	for {
		status, err := w.ConnectAsync("host", 80, time.Second)
		require.NoError(t, err)
		if status == transport.StatusConnected {
			break
		}
	}

	require.Len(t, tracer.spans, 1)
	assert.True(t, tracer.spans[0].ended)
	assert.Equal(t, 1.0, counterValue(t, w.metrics.connects.WithLabelValues("tcp", "ok")))
}

func TestCloseEndsPendingAsyncSpan(t *testing.T) {
	inner := transporttest.NewMockTransport(t)
	inner.On("ConnectAsync", "host", 80, time.Second).Return(transport.StatusInProgress, nil).Once()
	inner.On("Close").Return(nil).Once()

	w, tracer := wrap(t, inner, "tcp")
	_, err := w.ConnectAsync("host", 80, time.Second)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Len(t, tracer.spans, 1)
	assert.True(t, tracer.spans[0].ended)
	assert.Equal(t, codes.Error, tracer.spans[0].status)
}

func TestIOCounters(t *testing.T) {
	inner := transporttest.NewMockTransport(t)
	inner.On("Read", mock.Anything, 10*time.Millisecond).Return("hello", nil).Once()
	inner.On("Read", mock.Anything, 10*time.Millisecond).Return(0, nil).Once()
	inner.On("Read", mock.Anything, 10*time.Millisecond).Return(0, transport.ErrConnectionClosed).Once()
	inner.On("Write", []byte("abc"), 10*time.Millisecond).Return(3, nil).Once()
	inner.On("PollRead", 10*time.Millisecond).Return(false, nil).Once()
	inner.On("PollWrite", 10*time.Millisecond).Return(true, nil).Once()

	w, _ := wrap(t, inner, "ws")
	buf := make([]byte, 16)

	n, err := w.Read(buf, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	_, err = w.Read(buf, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = w.Read(buf, 10*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)

	_, err = w.Write([]byte("abc"), 10*time.Millisecond)
	require.NoError(t, err)

	ready, err := w.PollRead(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)
	ready, err = w.PollWrite(10 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ready)

	m := w.metrics
	assert.Equal(t, 5.0, counterValue(t, m.bytes.WithLabelValues("ws", "in")))
	assert.Equal(t, 3.0, counterValue(t, m.bytes.WithLabelValues("ws", "out")))
	assert.Equal(t, 1.0, counterValue(t, m.idle.WithLabelValues("ws", "read")))
	assert.Equal(t, 1.0, counterValue(t, m.idle.WithLabelValues("ws", "poll_read")))
	assert.Equal(t, 0.0, counterValue(t, m.idle.WithLabelValues("ws", "poll_write")))
	assert.Equal(t, 1.0, counterValue(t, m.errors.WithLabelValues("ws", "read")))
}

func TestCollectorsShared(t *testing.T) {
	reg := prometheus.NewRegistry()

	a, err := Wrap(transporttest.NewMockTransport(t), "tcp", WithRegisterer(reg))
	require.NoError(t, err)
	b, err := Wrap(transporttest.NewMockTransport(t), "ws", WithRegisterer(reg))
	require.NoError(t, err)

	assert.Same(t, a.metrics.bytes, b.metrics.bytes)
}

func TestForwarding(t *testing.T) {
	inner := transporttest.NewMockTransport(t)
	inner.On("DefaultPort").Return(1080).Once()
	inner.On("Destroy").Return(nil).Once()

	w, _ := wrap(t, inner, "socks4")
	assert.Equal(t, 1080, w.DefaultPort())
	assert.Same(t, inner, w.Unwrap())
	require.NoError(t, w.Destroy())

	_, err := Wrap(nil, "x")
	assert.ErrorIs(t, err, transport.ErrInvalidArgument)
}

type layeredMock struct {
	*transporttest.MockTransport
	parent transport.Transport
}

func (l *layeredMock) Parent() transport.Transport { return l.parent }

func TestParent(t *testing.T) {
	parent := transporttest.NewMockTransport(t)
	layer := &layeredMock{MockTransport: transporttest.NewMockTransport(t), parent: parent}

	w, _ := wrap(t, layer, "ws")
	var l transport.Layered = w
	assert.Same(t, parent, l.Parent())

	leaf, _ := wrap(t, transporttest.NewMockTransport(t), "tcp")
	assert.Nil(t, leaf.Parent())
}

func TestResultLabels(t *testing.T) {
	assert.Equal(t, "ok", result(nil))
	assert.Equal(t, "timeout", result(transport.ErrTimeout))
	assert.Equal(t, "host_not_found", result(transport.ErrHostNotFound))
	assert.Equal(t, "error", result(errors.New("boom")))
}
