package transport_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chainport/chainport-go/pkg/transport"
	"github.com/chainport/chainport-go/pkg/transport/transporttest"
	"github.com/chainport/chainport-go/pkg/websocket"
)

func TestRegistryLookup(t *testing.T) {
	tcp := transport.NewTCP(transport.TCPConfig{})
	tls, err := transport.NewTLS(transport.TLSOptions{Parent: tcp})
	require.NoError(t, err)

	reg := transport.NewRegistry()
	require.NoError(t, reg.Add(tcp, "tcp"))
	require.NoError(t, reg.Add(tls, "ssl"))

	assert.Same(t, tcp, reg.Get("tcp"))
	assert.Same(t, tls, reg.Get("SSL"), "lookup is case-insensitive")
	assert.Same(t, tcp, reg.Get(""), "empty scheme returns the first entry")
	assert.Nil(t, reg.Get("ws"))
	assert.Equal(t, []string{"tcp", "ssl"}, reg.Schemes())
	assert.Equal(t, 2, reg.Len())

	require.NoError(t, reg.Destroy())
	assert.Zero(t, reg.Len())
	assert.ErrorIs(t, reg.Destroy(), transport.ErrDestroyed)
	assert.ErrorIs(t, reg.Add(tcp, "tcp"), transport.ErrDestroyed)
}

func TestRegistryDuplicateSchemeReturnsFirst(t *testing.T) {
	first := transport.NewTCP(transport.TCPConfig{})
	second := transport.NewTCP(transport.TCPConfig{})

	reg := transport.NewRegistry()
	require.NoError(t, reg.Add(first, "tcp"))
	require.NoError(t, reg.Add(second, "TCP"))

	assert.Same(t, first, reg.Get("tcp"))
	require.NoError(t, reg.Destroy())
}

func TestRegistryAddRejectsInvalid(t *testing.T) {
	reg := transport.NewRegistry()
	assert.ErrorIs(t, reg.Add(nil, "tcp"), transport.ErrInvalidArgument)
	assert.ErrorIs(t, reg.Add(transport.NewTCP(transport.TCPConfig{}), ""), transport.ErrInvalidArgument)
}

func TestRegistryDestroysNewestFirst(t *testing.T) {
	var order []string
	reg := transport.NewRegistry()
	for _, scheme := range []string{"tcp", "ssl", "wss"} {
		scheme := scheme // per-iteration copy; go.mod targets Go 1.21 loop semantics
		m := transporttest.NewMockTransport(t)
		m.On("Destroy").Run(func(mock.Arguments) { order = append(order, scheme) }).Return(nil).Once()
		require.NoError(t, reg.Add(m, scheme))
	}

	require.NoError(t, reg.Destroy())
	assert.Equal(t, []string{"wss", "ssl", "tcp"}, order)
}

func TestRegistryDestroyJoinsErrors(t *testing.T) {
	boom := errors.New("boom")

	failing := transporttest.NewMockTransport(t)
	failing.On("Destroy").Return(boom).Once()
	already := transporttest.NewMockTransport(t)
	already.On("Destroy").Return(transport.ErrDestroyed).Once()
	ok := transporttest.NewMockTransport(t)
	ok.On("Destroy").Return(nil).Once()

	reg := transport.NewRegistry()
	require.NoError(t, reg.Add(failing, "tcp"))
	require.NoError(t, reg.Add(already, "ssl"))
	require.NoError(t, reg.Add(ok, "ws"))

	err := reg.Destroy()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, transport.ErrDestroyed)
}

// Decorators forward Close to their parent, so tearing down a chain closes
// the leaf once per layer above it. Destroy reaches every layer exactly once.
func TestRegistryDestroyClosesLeafPerLayer(t *testing.T) {
	leaf := transporttest.NewMockTransport(t)
	leaf.On("Close").Return(nil).Times(2)
	leaf.On("Destroy").Return(nil).Once()

	tls, err := transport.NewTLS(transport.TLSOptions{Parent: leaf})
	require.NoError(t, err)
	ws, err := websocket.New(tls, websocket.Config{})
	require.NoError(t, err)

	reg := transport.NewRegistry()
	require.NoError(t, reg.Add(leaf, "tcp"))
	require.NoError(t, reg.Add(tls, "ssl"))
	require.NoError(t, reg.Add(ws, "wss"))

	require.NoError(t, reg.Destroy())
	leaf.AssertNumberOfCalls(t, "Close", 2)
	leaf.AssertNumberOfCalls(t, "Destroy", 1)
	assert.ErrorIs(t, tls.Destroy(), transport.ErrDestroyed)
	assert.ErrorIs(t, ws.Destroy(), transport.ErrDestroyed)
}

func TestBudget(t *testing.T) {
	unbounded := transport.NewBudget(transport.NoTimeout)
	assert.True(t, unbounded.Unbounded())
	assert.Equal(t, transport.NoTimeout, unbounded.Remaining())
	assert.False(t, unbounded.Expired())
	assert.True(t, unbounded.Deadline().IsZero())

	zero := transport.NewBudget(0)
	assert.True(t, zero.Expired())
	assert.Equal(t, time.Duration(0), zero.Remaining())

	b := transport.NewBudget(200 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	left := b.Remaining()
	assert.Less(t, left, 200*time.Millisecond)
	assert.Greater(t, left, time.Duration(0))
	assert.GreaterOrEqual(t, b.Elapsed(), 20*time.Millisecond)
	assert.False(t, b.Expired())
}

func TestConnectStatusAndStateNames(t *testing.T) {
	assert.Equal(t, "IN_PROGRESS", transport.StatusInProgress.String())
	assert.Equal(t, "CONNECTED", transport.StatusConnected.String())
	assert.Equal(t, "FAILED", transport.StatusFailed.String())
	assert.Equal(t, "CONNECTING", transport.StateConnecting.String())
	assert.Equal(t, "UNKNOWN", transport.State(42).String())
}
