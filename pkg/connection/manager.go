package connection

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
)

// Stream is the transport carrying one call's duplex audio. Satisfied by
// *websocket.Conn.
type Stream interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// pongCapable streams get a pong handler installed; others deliver pongs
// through ReadMessage.
type pongCapable interface {
	SetPongHandler(h func(appData string) error)
}

// Dialer re-establishes a call's stream after a transport failure.
type Dialer func(ctx context.Context, callID string) (Stream, error)

// FrameHandler receives inbound binary audio frames.
type FrameHandler func(callID string, frame []byte)

// EventType classifies connection lifecycle events.
type EventType string

const (
	// EventConnected fires when a call's stream is first registered.
	EventConnected EventType = "connected"
	// EventReconnected fires when a dropped stream was re-established.
	EventReconnected EventType = "reconnected"
	// EventFailed fires exactly once when reconnection is exhausted.
	EventFailed EventType = "failed"
	// EventTimedOut fires when a call saw no activity for the timeout.
	EventTimedOut EventType = "timed_out"
	// EventRemoved fires after a deliberate Remove.
	EventRemoved EventType = "removed"
)

// Event describes a connection lifecycle change.
type Event struct {
	CallID        string
	Type          EventType
	Err           error
	DroppedFrames int
}

// Config holds connection manager settings.
type Config struct {
	// PingInterval is how often an idle stream is probed.
	PingInterval time.Duration
	// PongGrace is how long a probe may go unanswered.
	PongGrace time.Duration
	// ActivityTimeout ends calls with no inbound traffic at all.
	ActivityTimeout time.Duration
	// SweepInterval is how often stale connections are checked.
	SweepInterval time.Duration
	// MaxReconnects bounds reconnection attempts per outage.
	MaxReconnects int
	// ReconnectBackoff is the base delay, doubled per attempt.
	ReconnectBackoff time.Duration
	// FrameDelay paces outbound audio frames.
	FrameDelay time.Duration
	// OutboundQueue is the per-call outbound frame queue capacity.
	OutboundQueue int
	// EventQueue is the lifecycle event channel capacity.
	EventQueue int
}

// DefaultConfig returns production connection settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		PongGrace:        5 * time.Second,
		ActivityTimeout:  30 * time.Second,
		SweepInterval:    5 * time.Second,
		MaxReconnects:    3,
		ReconnectBackoff: time.Second,
		FrameDelay:       18 * time.Millisecond,
		OutboundQueue:    256,
		EventQueue:       64,
	}
}

type conn struct {
	callID   string
	outbound chan []byte
	closed   chan struct{}

	mutex        sync.Mutex
	stream       Stream
	lastActivity time.Time
	lastPing     time.Time
	awaitingPong bool
	graceTimer   *time.Timer
	attempts     int
	terminal     bool
	reconnecting bool
}

// Manager owns every active call stream: registration, heartbeat probing,
// paced outbound writes, reconnection and teardown.
type Manager struct {
	logger  *logrus.Logger
	config  Config
	dialer  Dialer
	onFrame FrameHandler

	mutex sync.RWMutex
	conns map[string]*conn

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager. dialer may be nil, in which case
// dropped streams are terminal immediately.
func NewManager(logger *logrus.Logger, config Config, dialer Dialer, onFrame FrameHandler) *Manager {
	if config.OutboundQueue <= 0 {
		config.OutboundQueue = 256
	}
	if config.EventQueue <= 0 {
		config.EventQueue = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		config:  config,
		dialer:  dialer,
		onFrame: onFrame,
		conns:   make(map[string]*conn),
		events:  make(chan Event, config.EventQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events exposes connection lifecycle events.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ActiveCalls returns the number of registered call streams.
func (m *Manager) ActiveCalls() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.conns)
}

// Add registers a stream for a call. A stream already registered under the
// same call ID is replaced, not duplicated.
func (m *Manager) Add(callID string, stream Stream) {
	m.mutex.Lock()
	c, exists := m.conns[callID]
	if !exists {
		c = &conn{
			callID:   callID,
			outbound: make(chan []byte, m.config.OutboundQueue),
			closed:   make(chan struct{}),
		}
		m.conns[callID] = c
	}
	m.mutex.Unlock()

	c.mutex.Lock()
	old := c.stream
	c.stream = stream
	c.lastActivity = time.Now()
	c.lastPing = time.Time{}
	c.awaitingPong = false
	c.attempts = 0
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.mutex.Unlock()

	if old != nil && old != stream {
		old.Close()
		m.logger.WithField("call_id", callID).Info("Replaced existing call stream")
	}

	m.installPongHandler(c, stream)

	m.wg.Add(1)
	go m.readLoop(c, stream)
	if !exists {
		m.wg.Add(1)
		go m.writeLoop(c)
		if metrics.ActiveCalls != nil {
			metrics.ActiveCalls.Inc()
		}
		m.emit(Event{CallID: callID, Type: EventConnected})
	} else {
		m.emit(Event{CallID: callID, Type: EventReconnected})
	}
}

// SendFrame queues one outbound audio frame for a call. A full queue blocks
// the caller until the paced write loop drains, so playback backpressure
// reaches the producer instead of losing frames.
func (m *Manager) SendFrame(ctx context.Context, callID string, frame []byte) error {
	m.mutex.RLock()
	c, ok := m.conns[callID]
	m.mutex.RUnlock()
	if !ok {
		return errors.NewConnectionNotFound(callID)
	}

	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		return errors.NewConnectionNotFound(callID)
	case <-m.ctx.Done():
		return errors.NewConnectionNotFound(callID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove tears down a call's stream and queue.
func (m *Manager) Remove(callID string) {
	m.mutex.Lock()
	c, ok := m.conns[callID]
	if ok {
		delete(m.conns, callID)
	}
	m.mutex.Unlock()
	if !ok {
		return
	}

	m.teardown(c, Event{CallID: callID, Type: EventRemoved})
}

// Run drives the heartbeat and activity sweep until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Shutdown closes every stream and stops all pumps.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mutex.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*conn)
	m.mutex.Unlock()

	for _, c := range conns {
		m.teardown(c, Event{CallID: c.callID, Type: EventRemoved})
	}
	m.wg.Wait()
}

func (m *Manager) sweep() {
	m.mutex.RLock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mutex.RUnlock()

	now := time.Now()
	for _, c := range conns {
		c.mutex.Lock()
		stream := c.stream
		idle := now.Sub(c.lastActivity)
		sincePing := now.Sub(c.lastPing)
		awaiting := c.awaitingPong
		c.mutex.Unlock()

		if stream == nil {
			continue
		}

		if idle > m.config.ActivityTimeout {
			m.logger.WithFields(logrus.Fields{
				"call_id": c.callID,
				"idle":    idle,
			}).Warn("Terminating inactive call stream")
			m.removeConn(c, Event{CallID: c.callID, Type: EventTimedOut})
			continue
		}

		if !awaiting && sincePing >= m.config.PingInterval {
			m.ping(c, stream)
		}
	}
}

func (m *Manager) ping(c *conn, stream Stream) {
	deadline := time.Now().Add(m.config.PongGrace)
	if err := stream.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		m.logger.WithError(err).WithField("call_id", c.callID).Warn("Heartbeat probe failed")
		go m.handleStreamError(c, stream, err)
		return
	}

	c.mutex.Lock()
	c.lastPing = time.Now()
	c.awaitingPong = true
	c.graceTimer = time.AfterFunc(m.config.PongGrace, func() {
		c.mutex.Lock()
		missed := c.awaitingPong && c.stream == stream
		c.mutex.Unlock()
		if !missed {
			return
		}
		if metrics.HeartbeatTimeouts != nil {
			metrics.HeartbeatTimeouts.Inc()
		}
		m.logger.WithField("call_id", c.callID).Warn("Heartbeat probe unanswered")
		m.handleStreamError(c, stream, errors.ErrTimeout)
	})
	c.mutex.Unlock()
}

func (m *Manager) installPongHandler(c *conn, stream Stream) {
	if pc, ok := stream.(pongCapable); ok {
		pc.SetPongHandler(func(string) error {
			m.markPong(c)
			return nil
		})
	}
}

func (m *Manager) markPong(c *conn) {
	c.mutex.Lock()
	c.awaitingPong = false
	c.lastActivity = time.Now()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.mutex.Unlock()
}

func (m *Manager) readLoop(c *conn, stream Stream) {
	defer m.wg.Done()

	for {
		messageType, payload, err := stream.ReadMessage()
		if err != nil {
			c.mutex.Lock()
			current := c.stream == stream
			terminal := c.terminal
			c.mutex.Unlock()
			if !current || terminal || m.ctx.Err() != nil {
				return
			}
			m.handleStreamError(c, stream, err)
			return
		}

		c.mutex.Lock()
		c.lastActivity = time.Now()
		c.mutex.Unlock()

		switch messageType {
		case websocket.BinaryMessage:
			if metrics.FramesReceived != nil {
				metrics.FramesReceived.Inc()
			}
			if m.onFrame != nil {
				m.onFrame(c.callID, payload)
			}
		case websocket.PongMessage:
			m.markPong(c)
		case websocket.TextMessage:
			if string(payload) == "ping" {
				stream.WriteMessage(websocket.TextMessage, []byte("pong"))
			}
		}
	}
}

func (m *Manager) writeLoop(c *conn) {
	defer m.wg.Done()

	var pacer *time.Timer
	defer func() {
		if pacer != nil {
			pacer.Stop()
		}
	}()

	for {
		select {
		case <-c.closed:
			return
		case <-m.ctx.Done():
			return
		case frame := <-c.outbound:
			if !m.writeFrame(c, frame) {
				return
			}
			if m.config.FrameDelay > 0 {
				if pacer == nil {
					pacer = time.NewTimer(m.config.FrameDelay)
				} else {
					pacer.Reset(m.config.FrameDelay)
				}
				select {
				case <-pacer.C:
				case <-c.closed:
					return
				case <-m.ctx.Done():
					return
				}
			}
		}
	}
}

// writeFrame writes one frame, riding out reconnects. It returns false when
// the connection is gone for good.
func (m *Manager) writeFrame(c *conn, frame []byte) bool {
	for {
		c.mutex.Lock()
		stream := c.stream
		terminal := c.terminal
		c.mutex.Unlock()

		if terminal {
			return false
		}
		if stream == nil {
			// Reconnect in flight, hold the frame.
			select {
			case <-c.closed:
				return false
			case <-m.ctx.Done():
				return false
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}

		err := stream.WriteMessage(websocket.BinaryMessage, frame)
		if err == nil {
			if metrics.FramesSent != nil {
				metrics.FramesSent.Inc()
			}
			return true
		}

		m.handleStreamError(c, stream, err)

		// handleStreamError either swapped in a fresh stream or went
		// terminal. Loop to find out.
		c.mutex.Lock()
		done := c.terminal
		c.mutex.Unlock()
		if done {
			return false
		}
	}
}

// handleStreamError runs the reconnect ladder for a failed stream. The
// first caller for a given outage does the work; later callers wait on it.
func (m *Manager) handleStreamError(c *conn, failed Stream, cause error) {
	c.mutex.Lock()
	if c.terminal || c.stream != failed {
		c.mutex.Unlock()
		return
	}
	if c.reconnecting {
		c.mutex.Unlock()
		return
	}
	c.reconnecting = true
	c.stream = nil
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.awaitingPong = false
	c.mutex.Unlock()

	failed.Close()

	logger := m.logger.WithField("call_id", c.callID)
	logger.WithError(cause).Warn("Call stream dropped")

	if m.dialer == nil {
		m.fail(c, cause)
		return
	}

	for {
		c.mutex.Lock()
		if c.attempts >= m.config.MaxReconnects {
			c.mutex.Unlock()
			m.fail(c, cause)
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mutex.Unlock()

		delay := m.config.ReconnectBackoff << uint(attempt-1)
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Info("Reconnecting call stream")
		if metrics.ReconnectAttempts != nil {
			metrics.ReconnectAttempts.Inc()
		}

		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			return
		}

		stream, err := m.dialer(m.ctx, c.callID)
		if err != nil {
			logger.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
			continue
		}

		c.mutex.Lock()
		c.stream = stream
		c.lastActivity = time.Now()
		c.lastPing = time.Time{}
		c.attempts = 0
		c.reconnecting = false
		c.mutex.Unlock()

		m.installPongHandler(c, stream)
		m.wg.Add(1)
		go m.readLoop(c, stream)

		logger.Info("Call stream re-established")
		m.emit(Event{CallID: c.callID, Type: EventReconnected})
		return
	}
}

// fail marks a connection terminal, drops its queue and emits the single
// terminal event.
func (m *Manager) fail(c *conn, cause error) {
	if metrics.ConnectionsFailed != nil {
		metrics.ConnectionsFailed.Inc()
	}
	m.removeConn(c, Event{CallID: c.callID, Type: EventFailed, Err: cause})
}

func (m *Manager) removeConn(c *conn, event Event) {
	m.mutex.Lock()
	if m.conns[c.callID] == c {
		delete(m.conns, c.callID)
	}
	m.mutex.Unlock()

	m.teardown(c, event)
}

func (m *Manager) teardown(c *conn, event Event) {
	c.mutex.Lock()
	if c.terminal {
		c.mutex.Unlock()
		return
	}
	c.terminal = true
	stream := c.stream
	c.stream = nil
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.mutex.Unlock()

	close(c.closed)
	if stream != nil {
		stream.Close()
	}

	dropped := 0
	for {
		select {
		case <-c.outbound:
			dropped++
		default:
			if dropped > 0 {
				m.logger.WithFields(logrus.Fields{
					"call_id": c.callID,
					"frames":  dropped,
				}).Warn("Dropped queued outbound frames")
				if metrics.OutboundFramesDropped != nil {
					metrics.OutboundFramesDropped.Add(float64(dropped))
				}
			}
			if metrics.ActiveCalls != nil {
				metrics.ActiveCalls.Dec()
			}
			event.DroppedFrames = dropped
			m.emit(event)
			return
		}
	}
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
		m.logger.WithFields(logrus.Fields{
			"call_id": event.CallID,
			"type":    event.Type,
		}).Warn("Connection event queue full, dropping event")
	}
}
