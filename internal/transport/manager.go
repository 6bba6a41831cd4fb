// Package transport owns the realtime channel to the field service:
// dialing, the auth handshake, reconnection with exponential backoff,
// and the single read pump that feeds inbound events to the router.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/bus"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/errs"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateOfflinePersistent
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateOfflinePersistent:
		return "offline-persistent"
	default:
		return "unknown"
	}
}

// Config holds connection settings.
type Config struct {
	URL string `json:"url"`

	ConnectionTimeout time.Duration `json:"connection_timeout"`
	WelcomeTimeout    time.Duration `json:"welcome_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	PingInterval      time.Duration `json:"ping_interval"`
	PongTimeout       time.Duration `json:"pong_timeout"`
	MaxMessageSize    int64         `json:"max_message_size"`

	// Reconnect backoff: min(BaseDelay * 2^attempt, MaxDelay). After
	// MaxAttempts consecutive failures the manager latches offline
	// until a restore signal.
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	MaxAttempts int           `json:"max_attempts"`

	InboundBuffer int `json:"inbound_buffer"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8420/field",
		ConnectionTimeout: 10 * time.Second,
		WelcomeTimeout:    5 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      20 * time.Second,
		PongTimeout:       45 * time.Second,
		MaxMessageSize:    512 * 1024,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       8,
		InboundBuffer:     64,
	}
}

// Metrics tracks connection health.
type Metrics struct {
	Connects          uint64    `json:"connects"`
	Disconnects       uint64    `json:"disconnects"`
	ReconnectAttempts uint64    `json:"reconnect_attempts"`
	MessagesSent      uint64    `json:"messages_sent"`
	MessagesReceived  uint64    `json:"messages_received"`
	DecodeFailures    uint64    `json:"decode_failures"`
	LastError         string    `json:"last_error,omitempty"`
	ConnectedSince    time.Time `json:"connected_since,omitempty"`
}

// helloFrame is the auth handshake the node sends on connect.
type helloFrame struct {
	Type         string   `json:"type"`
	NodeID       string   `json:"nodeId"`
	Capabilities []string `json:"capabilities"`
}

// Manager drives the websocket connection state machine. One run loop
// owns the lifecycle; reads happen on a single pump so inbound events
// keep their delivery order.
type Manager struct {
	nodeID       string
	capabilities []string
	config       Config

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	state    atomic.Int32
	attempts int

	inbound chan event.Event

	// Fired once per successful connect, after the welcome; the node
	// drains the offline queue from here.
	onConnect func(welcome event.Event)
	hookMu    sync.RWMutex

	lostCh    chan struct{}
	restoreCh chan struct{}

	bus *bus.Bus

	metrics   Metrics
	metricsMu sync.RWMutex

	shutdown chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	stopped  chan struct{}

	logger *slog.Logger
}

// NewManager creates a manager in the disconnected state.
func NewManager(nodeID string, capabilities []string, config Config, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = DefaultConfig().InboundBuffer
	}
	return &Manager{
		nodeID:       nodeID,
		capabilities: capabilities,
		config:       config,
		inbound:      make(chan event.Event, config.InboundBuffer),
		lostCh:       make(chan struct{}, 1),
		restoreCh:    make(chan struct{}, 1),
		bus:          b,
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		logger:       logger.With("component", "transport"),
	}
}

// SetConnectHook wires the once-per-connect callback. Must be called
// before Start.
func (m *Manager) SetConnectHook(fn func(welcome event.Event)) {
	m.hookMu.Lock()
	m.onConnect = fn
	m.hookMu.Unlock()
}

// Inbound is the decoded event stream. It closes when the manager
// stops.
func (m *Manager) Inbound() <-chan event.Event { return m.inbound }

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// IsConnected reports whether the channel is live.
func (m *Manager) IsConnected() bool { return m.State() == StateConnected }

// Start launches the connection loop.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}
	m.logger.Info("starting transport", "url", m.config.URL)
	go m.run()
	return nil
}

// Stop tears the connection down and ends the loop. Safe to call
// twice.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.shutdown)
		m.closeConn()
	})
	if m.running.Load() {
		<-m.stopped
	}
}

// NetworkLost signals the platform lost connectivity. A live
// connection is dropped and the manager latches offline-persistent
// until NetworkRestored.
func (m *Manager) NetworkLost() {
	select {
	case m.lostCh <- struct{}{}:
	default:
	}
}

// NetworkRestored signals connectivity is back. Resets the attempt
// counter and leaves the offline-persistent latch.
func (m *Manager) NetworkRestored() {
	select {
	case m.restoreCh <- struct{}{}:
	default:
	}
}

// Send writes one event frame. Failing while connected closes the
// socket so the run loop reconnects; the caller re-queues the event.
func (m *Manager) Send(ev event.Event) error {
	switch m.State() {
	case StateConnected:
	case StateOfflinePersistent:
		return errs.New(errs.ErrCodeOfflinePersist, "offline, not retrying")
	default:
		return errs.New(errs.ErrCodeSocketClosed, "not connected")
	}

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return errs.New(errs.ErrCodeSocketClosed, "not connected")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.ErrCodeEncodeFailed, "event encode failed", err).
			WithContext("kind", string(ev.Kind))
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.recordError(err)
		conn.Close()
		return errs.Wrap(errs.ErrCodeSocketClosed, "send failed", err)
	}

	m.metricsMu.Lock()
	m.metrics.MessagesSent++
	m.metricsMu.Unlock()
	return nil
}

// GetMetrics returns a copy of the connection metrics.
func (m *Manager) GetMetrics() Metrics {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return m.metrics
}

func (m *Manager) run() {
	defer func() {
		m.setState(StateDisconnected)
		close(m.inbound)
		close(m.stopped)
	}()

	for {
		select {
		case <-m.shutdown:
			return
		case <-m.lostCh:
			m.enterOffline("network lost")
			if !m.awaitRestore() {
				return
			}
			continue
		default:
		}

		if m.attempts >= m.config.MaxAttempts {
			m.enterOffline("max reconnect attempts exceeded")
			if !m.awaitRestore() {
				return
			}
			continue
		}

		if m.attempts > 0 {
			delay := backoffDelay(m.config.BaseDelay, m.config.MaxDelay, m.attempts-1)
			m.logger.Debug("waiting before reconnect", "attempt", m.attempts, "delay", delay)
			select {
			case <-time.After(delay):
			case <-m.lostCh:
				m.enterOffline("network lost")
				if !m.awaitRestore() {
					return
				}
				continue
			case <-m.restoreCh:
				m.attempts = 0
			case <-m.shutdown:
				return
			}
		}

		switch m.State() {
		case StateDisconnected, StateOfflinePersistent:
			m.setState(StateConnecting)
		default:
			m.setState(StateReconnecting)
		}

		conn, welcome, err := m.dialAndHandshake()
		if err != nil {
			m.attempts++
			m.recordError(err)
			m.metricsMu.Lock()
			m.metrics.ReconnectAttempts++
			m.metricsMu.Unlock()
			m.logger.Warn("connect failed", "attempt", m.attempts, "error", err)
			m.setState(StateReconnecting)
			continue
		}

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()

		m.attempts = 0
		drainSignal(m.lostCh)
		drainSignal(m.restoreCh)
		m.setState(StateConnected)

		m.metricsMu.Lock()
		m.metrics.Connects++
		m.metrics.ConnectedSince = time.Now()
		m.metricsMu.Unlock()

		m.logger.Info("connected", "url", m.config.URL)
		m.publish(bus.Notice{Kind: bus.NoticeConnected})

		select {
		case m.inbound <- welcome:
		case <-m.shutdown:
			m.closeConn()
			return
		}

		m.hookMu.RLock()
		hook := m.onConnect
		m.hookMu.RUnlock()
		if hook != nil {
			hook(welcome)
		}

		done := make(chan struct{})
		go m.readPump(conn, done)
		go m.pingLoop(conn, done)

		select {
		case <-done:
			m.closeConn()
			m.onDisconnect("connection lost")
		case <-m.lostCh:
			m.closeConn()
			<-done
			m.onDisconnect("network lost")
			m.enterOffline("network lost")
			if !m.awaitRestore() {
				return
			}
		case <-m.shutdown:
			m.closeConn()
			<-done
			return
		}
	}
}

func (m *Manager) dialAndHandshake() (*websocket.Conn, event.Event, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: m.config.ConnectionTimeout,
	}
	conn, _, err := dialer.Dial(m.config.URL, nil)
	if err != nil {
		return nil, event.Event{}, errs.ErrConnectFailed(m.config.URL, err)
	}

	hello := helloFrame{
		Type:         "hello",
		NodeID:       m.nodeID,
		Capabilities: m.capabilities,
	}
	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, event.Event{}, errs.ErrHandshakeFailed(m.nodeID, err)
	}

	conn.SetReadDeadline(time.Now().Add(m.config.WelcomeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, event.Event{}, errs.ErrHandshakeFailed(m.nodeID, err)
	}

	var welcome event.Event
	if err := json.Unmarshal(data, &welcome); err != nil {
		conn.Close()
		return nil, event.Event{}, errs.ErrHandshakeFailed(m.nodeID, err)
	}
	if welcome.Kind != event.KindWelcome {
		conn.Close()
		return nil, event.Event{}, errs.ErrHandshakeFailed(m.nodeID, errors.New("expected welcome, got "+string(welcome.Kind)))
	}

	return conn, welcome, nil
}

// readPump is the only reader for the connection; closing done tells
// the run loop the session ended.
func (m *Manager) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(m.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.config.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.shutdown:
			default:
				m.logger.Debug("read pump closed", "error", err)
			}
			return
		}

		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// Serialization failure drops the one message.
			m.metricsMu.Lock()
			m.metrics.DecodeFailures++
			m.metricsMu.Unlock()
			m.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		m.metricsMu.Lock()
		m.metrics.MessagesReceived++
		m.metricsMu.Unlock()

		select {
		case m.inbound <- ev:
		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) onDisconnect(reason string) {
	m.metricsMu.Lock()
	m.metrics.Disconnects++
	m.metrics.ConnectedSince = time.Time{}
	m.metricsMu.Unlock()

	m.logger.Warn("disconnected", "reason", reason)
	m.setState(StateReconnecting)
	m.publish(bus.Notice{Kind: bus.NoticeDisconnected, Reason: reason})
}

func (m *Manager) enterOffline(reason string) {
	if m.State() == StateOfflinePersistent {
		return
	}
	m.setState(StateOfflinePersistent)
	m.logger.Warn("entering offline-persistent mode", "reason", reason, "attempts", m.attempts)
	m.publish(bus.Notice{Kind: bus.NoticeOffline, Reason: reason, Attempts: m.attempts})
}

// awaitRestore blocks in the offline latch until the platform reports
// connectivity back.
func (m *Manager) awaitRestore() bool {
	select {
	case <-m.restoreCh:
		m.logger.Info("network restored, resuming connection attempts")
		m.attempts = 0
		return true
	case <-m.shutdown:
		return false
	}
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.logger.Debug("connection state changed", "from", old.String(), "to", s.String())
	}
}

func (m *Manager) publish(n bus.Notice) {
	if m.bus != nil {
		m.bus.Publish(n)
	}
}

func (m *Manager) closeConn() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) recordError(err error) {
	m.metricsMu.Lock()
	m.metrics.LastError = err.Error()
	m.metricsMu.Unlock()
}

// backoffDelay computes min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

func drainSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
