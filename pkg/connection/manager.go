package connection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Manager errors.
var (
	ErrManagerClosed    = errors.New("connection manager closed")
	ErrAlreadyConnected = errors.New("already connected")
)

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateReconnecting indicates automatic reconnection is in progress.
	StateReconnecting

	// StateClosed indicates the connection manager has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Manager tracks the connection of one transport and reconnects it in the
// background after the owner reports a loss.
//
// Transports are not safe for concurrent use: the owner uses the transport
// only while the state is StateConnected, and the manager's goroutine drives
// it during reconnection.
type Manager struct {
	mu sync.RWMutex

	state         State
	dialer        Dialer
	backoff       *Backoff
	autoReconnect bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectCh chan struct{}

	onStateChange  func(oldState, newState State)
	onConnected    func()
	onDisconnected func()
	onReconnecting func(attempt int, delay time.Duration)
}

// NewManager creates a manager for the transport and target in d. The
// dialer's Attempts apply to Connect only; reconnection retries until it
// succeeds or the manager is closed.
func NewManager(d Dialer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if d.Backoff == nil {
		d.Backoff = NewBackoff()
	}
	return &Manager{
		state:         StateDisconnected,
		dialer:        d,
		backoff:       d.Backoff,
		autoReconnect: true,
		ctx:           ctx,
		cancel:        cancel,
		reconnectCh:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns true if currently connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SetAutoReconnect enables or disables automatic reconnection.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = enabled
}

// setState changes the state and reports the transition.
func (m *Manager) setState(newState State) {
	m.mu.Lock()
	oldState := m.state
	m.state = newState
	cb := m.onStateChange
	m.mu.Unlock()

	if cb != nil && oldState != newState {
		cb(oldState, newState)
	}
}

// Connect connects the transport, retrying as configured in the dialer.
func (m *Manager) Connect(ctx context.Context) error {
	switch m.State() {
	case StateConnected:
		return ErrAlreadyConnected
	case StateClosed:
		return ErrManagerClosed
	}

	m.setState(StateConnecting)
	d := m.dialer
	d.Backoff = m.backoff
	if err := d.Redial(ctx); err != nil {
		m.setState(StateDisconnected)
		return err
	}
	m.connected()
	return nil
}

func (m *Manager) connected() {
	m.setState(StateConnected)
	m.mu.RLock()
	cb := m.onConnected
	m.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

// Disconnect closes the transport. With auto-reconnect enabled the manager
// reconnects it.
func (m *Manager) Disconnect() {
	m.lost()
}

// NotifyConnectionLost should be called when the owner sees the connection
// fail, for example when Read returns an error.
func (m *Manager) NotifyConnectionLost() {
	m.lost()
}

func (m *Manager) lost() {
	m.mu.RLock()
	state := m.state
	autoReconnect := m.autoReconnect
	cb := m.onDisconnected
	m.mu.RUnlock()
	if state != StateConnected {
		return
	}

	m.dialer.Transport.Close()
	if autoReconnect {
		m.setState(StateReconnecting)
	} else {
		m.setState(StateDisconnected)
	}
	if cb != nil {
		cb()
	}
	if autoReconnect {
		m.triggerReconnect()
	}
}

// StartReconnectLoop starts the background reconnection loop.
// Must be called once before reconnection will work.
func (m *Manager) StartReconnectLoop() {
	m.wg.Add(1)
	go m.reconnectLoop()
}

// Close stops reconnection and closes the transport.
func (m *Manager) Close() {
	if m.State() == StateClosed {
		return
	}
	m.setState(StateClosed)
	m.cancel()
	m.wg.Wait()
	m.dialer.Transport.Close()
}

func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// Already pending
	}
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.reconnect()
		}
	}
}

// reconnect waits one backoff delay, then redials until it succeeds or the
// manager is closed.
func (m *Manager) reconnect() {
	if m.State() != StateReconnecting {
		return
	}

	m.mu.RLock()
	onReconnecting := m.onReconnecting
	m.mu.RUnlock()

	d := m.dialer
	d.Backoff = m.backoff
	d.Attempts = 0
	d.OnRetry = func(attempt int, delay time.Duration, _ error) {
		if onReconnecting != nil {
			onReconnecting(attempt+1, delay)
		}
	}

	delay := m.backoff.Next()
	if onReconnecting != nil {
		onReconnecting(1, delay)
	}
	if err := sleepContext(m.ctx, delay); err != nil {
		return
	}
	if err := d.Redial(m.ctx); err != nil {
		return
	}

	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.connected()
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for successful connection.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnDisconnected sets a callback for disconnection.
func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// OnReconnecting sets a callback called before each reconnection delay.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// BackoffAttempts returns the current number of reconnection attempts.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}
