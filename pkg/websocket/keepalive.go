package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Keep-alive constants.
const (
	// DefaultPingInterval is the default interval between pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is the default timeout waiting for a pong response.
	DefaultPongTimeout = 5 * time.Second

	// DefaultMaxMissedPongs is the default number of missed pongs before the
	// connection is considered dead.
	DefaultMaxMissedPongs = 3
)

// ErrKeepAliveTimeout is returned by Tick once MaxMissedPongs pings in a row
// went unanswered.
var ErrKeepAliveTimeout = errors.New("websocket: keep-alive timeout")

// KeepAliveConfig configures keep-alive behavior.
type KeepAliveConfig struct {
	// PingInterval is the interval between pings.
	PingInterval time.Duration

	// PongTimeout is the timeout waiting for a pong response.
	PongTimeout time.Duration

	// MaxMissedPongs is the number of missed pongs before Tick fails.
	MaxMissedPongs int

	// Now stamps pongs that arrive through Read. It must be the clock that
	// feeds Tick. Defaults to time.Now.
	Now func() time.Time
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
		Now:            time.Now,
	}
}

// DetectionDelay is the longest time before a dead peer is noticed:
// PingInterval * MaxMissedPongs + PongTimeout.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

// KeepAliveStats contains keep-alive statistics.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	LastLatency  time.Duration
	MissedPongs  int
	CurrentSeq   uint32
}

// KeepAlive sends pings on a WebSocket transport and tracks the pongs. It
// runs no goroutine: the owner calls Tick from its I/O loop, and pongs arrive
// through the transport's Read.
type KeepAlive struct {
	ws     *Transport
	config KeepAliveConfig

	seq         uint32
	pending     bool
	missedPongs int
	lastPing    time.Time
	lastPong    time.Time
	latency     time.Duration
	nextPing    time.Time
}

// NewKeepAlive attaches a keep-alive to ws. The first Tick sends a ping. A
// pong handler already set on ws keeps being called.
func NewKeepAlive(ws *Transport, config KeepAliveConfig) *KeepAlive {
	if config.PingInterval == 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PongTimeout == 0 {
		config.PongTimeout = DefaultPongTimeout
	}
	if config.MaxMissedPongs == 0 {
		config.MaxMissedPongs = DefaultMaxMissedPongs
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ka := &KeepAlive{ws: ws, config: config}
	prev := ws.config.OnPong
	ws.SetPongHandler(func(payload []byte) {
		ka.PongReceived(payload, ka.config.Now())
		if prev != nil {
			prev(payload)
		}
	})
	return ka
}

// Due reports whether Tick would act at now.
func (ka *KeepAlive) Due(now time.Time) bool {
	if ka.pending && now.Sub(ka.lastPing) >= ka.config.PongTimeout {
		return true
	}
	return !now.Before(ka.nextPing)
}

// Tick counts an overdue pong as missed and sends the next ping when the
// interval has elapsed. It returns ErrKeepAliveTimeout once MaxMissedPongs
// pongs were missed in a row.
func (ka *KeepAlive) Tick(now time.Time) error {
	if ka.pending && now.Sub(ka.lastPing) >= ka.config.PongTimeout {
		ka.pending = false
		ka.missedPongs++
		ka.ws.log.Debug("pong missed", "seq", ka.seq, "missed", ka.missedPongs)
		if ka.missedPongs >= ka.config.MaxMissedPongs {
			return fmt.Errorf("%w: %d pongs missed", ErrKeepAliveTimeout, ka.missedPongs)
		}
	}
	if now.Before(ka.nextPing) {
		return nil
	}

	seq := ka.seq + 1
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], seq)
	sent, err := ka.ws.writeFrame(OpcodePing, true, payload[:], ka.config.PongTimeout)
	if err != nil {
		return fmt.Errorf("websocket: keep-alive ping: %w", err)
	}
	if !sent {
		// Not writable; the next Tick retries.
		return nil
	}
	ka.seq = seq
	ka.pending = true
	ka.lastPing = now
	ka.nextPing = now.Add(ka.config.PingInterval)
	return nil
}

// PongReceived records a pong. Pongs that do not echo the outstanding ping
// are ignored.
func (ka *KeepAlive) PongReceived(payload []byte, now time.Time) {
	if len(payload) != 4 || !ka.pending || binary.BigEndian.Uint32(payload) != ka.seq {
		return
	}
	ka.pending = false
	ka.missedPongs = 0
	ka.lastPong = now
	ka.latency = now.Sub(ka.lastPing)
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	return KeepAliveStats{
		LastPingTime: ka.lastPing,
		LastPongTime: ka.lastPong,
		LastLatency:  ka.latency,
		MissedPongs:  ka.missedPongs,
		CurrentSeq:   ka.seq,
	}
}
