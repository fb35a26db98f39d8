package websocket

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAliveConfig(t *testing.T) {
	config := DefaultKeepAliveConfig()

	assert.Equal(t, DefaultPingInterval, config.PingInterval)
	assert.Equal(t, DefaultPongTimeout, config.PongTimeout)
	assert.Equal(t, DefaultMaxMissedPongs, config.MaxMissedPongs)
	assert.NotNil(t, config.Now)
	assert.Equal(t, 95*time.Second, config.DetectionDelay())
}

func pingSeq(t *testing.T, s *scripted) uint32 {
	t.Helper()
	b := s.out.Bytes()
	// FIN|PING, masked, 4 byte payload, zero mask key.
	require.Len(t, b, 10)
	require.Equal(t, []byte{0x89, 0x84}, b[:2])
	s.out.Reset()
	return binary.BigEndian.Uint32(b[6:])
}

func TestKeepAlivePingPong(t *testing.T) {
	var hooked int
	ws, s := connectScripted(t, Config{OnPong: func([]byte) { hooked++ }}, nil)
	ka := NewKeepAlive(ws, KeepAliveConfig{
		PingInterval:   time.Minute,
		PongTimeout:    time.Second,
		MaxMissedPongs: 2,
	})

	now := time.Now()
	assert.True(t, ka.Due(now))
	require.NoError(t, ka.Tick(now))
	seq := pingSeq(t, s)
	assert.Equal(t, uint32(1), seq)
	assert.False(t, ka.Due(now.Add(500*time.Millisecond)))

	s.in = frame(OpcodePong, binary.BigEndian.AppendUint32(nil, seq))
	n, err := ws.Read(make([]byte, 8), time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, hooked, "existing pong handler still called")

	stats := ka.Stats()
	assert.Zero(t, stats.MissedPongs)
	assert.False(t, stats.LastPongTime.IsZero())
	assert.Equal(t, uint32(1), stats.CurrentSeq)

	// Pong in time: nothing to do until the interval elapses.
	require.NoError(t, ka.Tick(now.Add(2*time.Second)))
	assert.Zero(t, s.out.Len())

	require.NoError(t, ka.Tick(now.Add(time.Minute)))
	assert.Equal(t, uint32(2), pingSeq(t, s))
}

func TestKeepAlivePongUsesTickClock(t *testing.T) {
	ws, s := connectScripted(t, Config{}, nil)
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	ka := NewKeepAlive(ws, KeepAliveConfig{
		PingInterval:   time.Minute,
		PongTimeout:    time.Second,
		MaxMissedPongs: 2,
		Now:            func() time.Time { return clock },
	})

	require.NoError(t, ka.Tick(base))
	seq := pingSeq(t, s)

	clock = base.Add(250 * time.Millisecond)
	s.in = frame(OpcodePong, binary.BigEndian.AppendUint32(nil, seq))
	_, err := ws.Read(make([]byte, 8), time.Second)
	require.NoError(t, err)

	stats := ka.Stats()
	assert.Equal(t, clock, stats.LastPongTime)
	assert.Equal(t, 250*time.Millisecond, stats.LastLatency)
	assert.False(t, ka.Due(base.Add(2*time.Second)), "answered ping is not counted as missed")
}

func TestKeepAliveTimeout(t *testing.T) {
	ws, s := connectScripted(t, Config{}, nil)
	ka := NewKeepAlive(ws, KeepAliveConfig{
		PingInterval:   10 * time.Second,
		PongTimeout:    time.Second,
		MaxMissedPongs: 2,
	})

	now := time.Now()
	require.NoError(t, ka.Tick(now))
	pingSeq(t, s)

	// First pong missed, next ping due.
	require.NoError(t, ka.Tick(now.Add(10*time.Second)))
	assert.Equal(t, 1, ka.Stats().MissedPongs)
	pingSeq(t, s)

	err := ka.Tick(now.Add(20 * time.Second))
	assert.ErrorIs(t, err, ErrKeepAliveTimeout)
	assert.Equal(t, 2, ka.Stats().MissedPongs)
}

func TestKeepAliveIgnoresStalePong(t *testing.T) {
	ws, s := connectScripted(t, Config{}, nil)
	ka := NewKeepAlive(ws, KeepAliveConfig{PingInterval: time.Second, PongTimeout: 500 * time.Millisecond})

	now := time.Now()
	require.NoError(t, ka.Tick(now))
	seq := pingSeq(t, s)

	ka.PongReceived(binary.BigEndian.AppendUint32(nil, seq+7), now.Add(time.Millisecond))
	ka.PongReceived([]byte("short"), now.Add(time.Millisecond))
	assert.True(t, ka.Stats().LastPongTime.IsZero())

	ka.PongReceived(binary.BigEndian.AppendUint32(nil, seq), now.Add(20*time.Millisecond))
	stats := ka.Stats()
	assert.Equal(t, 20*time.Millisecond, stats.LastLatency)
}

func TestKeepAliveResetsMissedCount(t *testing.T) {
	ws, s := connectScripted(t, Config{}, nil)
	ka := NewKeepAlive(ws, KeepAliveConfig{PingInterval: time.Second, PongTimeout: 100 * time.Millisecond, MaxMissedPongs: 3})

	now := time.Now()
	require.NoError(t, ka.Tick(now))
	pingSeq(t, s)
	require.NoError(t, ka.Tick(now.Add(time.Second)))
	seq := pingSeq(t, s)
	require.Equal(t, 1, ka.Stats().MissedPongs)

	ka.PongReceived(binary.BigEndian.AppendUint32(nil, seq), now.Add(time.Second+10*time.Millisecond))
	assert.Zero(t, ka.Stats().MissedPongs)
}

func TestKeepAliveRequiresConnection(t *testing.T) {
	ws, err := New(&scripted{}, Config{})
	require.NoError(t, err)
	ka := NewKeepAlive(ws, DefaultKeepAliveConfig())

	assert.Error(t, ka.Tick(time.Now()))
}
