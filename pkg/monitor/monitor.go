package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/metrics"
)

// Metrics holds the quality signals tracked for one call.
type Metrics struct {
	// Latency of the most recent request/response cycle
	Latency time.Duration `json:"latency"`

	// PacketLoss is the fraction of lost audio, 0..1
	PacketLoss float64 `json:"packet_loss"`

	// AudioQuality is a 0..100 score, 100 when monitoring starts
	AudioQuality float64 `json:"audio_quality"`
}

// Update carries a partial metrics update; nil fields are left unchanged.
type Update struct {
	Latency      *time.Duration
	PacketLoss   *float64
	AudioQuality *float64
}

// AlertType identifies a threshold breach.
type AlertType string

const (
	AlertHighLatency AlertType = "high_latency"
	AlertPacketLoss  AlertType = "packet_loss"
)

// Alert is an advisory quality event. Alerts never block the data path;
// when the queue is full they are dropped.
type Alert struct {
	CallID  string
	Type    AlertType
	Metrics Metrics
}

// Config holds the monitor's threshold policy.
type Config struct {
	LatencyThreshold    time.Duration
	PacketLossThreshold float64
	AlertQueueSize      int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		LatencyThreshold:    300 * time.Millisecond,
		PacketLossThreshold: 0.05,
		AlertQueueSize:      64,
	}
}

type entry struct {
	mutex   sync.Mutex
	metrics Metrics
}

// CallMonitor tracks per-call quality metrics and raises threshold alerts.
// The registry lock only guards map membership; updates for one call never
// contend with updates for another.
type CallMonitor struct {
	logger *logrus.Logger
	config Config

	mutex   sync.RWMutex
	entries map[string]*entry

	alerts chan Alert
}

// NewCallMonitor creates a call monitor with the given threshold policy.
func NewCallMonitor(config Config, logger *logrus.Logger) *CallMonitor {
	if config.AlertQueueSize <= 0 {
		config.AlertQueueSize = 64
	}

	return &CallMonitor{
		logger:  logger,
		config:  config,
		entries: make(map[string]*entry),
		alerts:  make(chan Alert, config.AlertQueueSize),
	}
}

// Alerts returns the advisory alert channel.
func (m *CallMonitor) Alerts() <-chan Alert {
	return m.alerts
}

// StartMonitoring initializes metrics for a call. Re-invoking for an already
// monitored call resets its metrics to neutral without leaking the prior
// entry.
func (m *CallMonitor) StartMonitoring(callID string) {
	neutral := Metrics{AudioQuality: 100}

	m.mutex.Lock()
	e, exists := m.entries[callID]
	if !exists {
		m.entries[callID] = &entry{metrics: neutral}
		m.mutex.Unlock()
		return
	}
	m.mutex.Unlock()

	e.mutex.Lock()
	e.metrics = neutral
	e.mutex.Unlock()
}

// UpdateMetrics merges a partial update and re-evaluates thresholds. Updates
// for unmonitored calls are ignored.
func (m *CallMonitor) UpdateMetrics(callID string, update Update) {
	m.mutex.RLock()
	e, exists := m.entries[callID]
	m.mutex.RUnlock()
	if !exists {
		return
	}

	e.mutex.Lock()
	if update.Latency != nil {
		e.metrics.Latency = *update.Latency
	}
	if update.PacketLoss != nil {
		e.metrics.PacketLoss = *update.PacketLoss
	}
	if update.AudioQuality != nil {
		e.metrics.AudioQuality = *update.AudioQuality
	}
	current := e.metrics
	e.mutex.Unlock()

	m.checkThresholds(callID, current)
}

// GetMetrics returns a snapshot of a call's metrics.
func (m *CallMonitor) GetMetrics(callID string) (Metrics, bool) {
	m.mutex.RLock()
	e, exists := m.entries[callID]
	m.mutex.RUnlock()
	if !exists {
		return Metrics{}, false
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.metrics, true
}

// StopMonitoring deletes the call's entry.
func (m *CallMonitor) StopMonitoring(callID string) {
	m.mutex.Lock()
	delete(m.entries, callID)
	m.mutex.Unlock()
}

// MonitoredCalls returns the number of calls currently tracked.
func (m *CallMonitor) MonitoredCalls() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.entries)
}

func (m *CallMonitor) checkThresholds(callID string, current Metrics) {
	if current.Latency > m.config.LatencyThreshold {
		m.logger.WithFields(logrus.Fields{
			"call_id":    callID,
			"latency_ms": current.Latency.Milliseconds(),
		}).Warn("High latency detected")

		if metrics.QualityAlerts != nil {
			metrics.QualityAlerts.WithLabelValues(string(AlertHighLatency)).Inc()
		}
		m.emit(Alert{CallID: callID, Type: AlertHighLatency, Metrics: current})
	}

	if current.PacketLoss > m.config.PacketLossThreshold {
		m.logger.WithFields(logrus.Fields{
			"call_id":     callID,
			"packet_loss": current.PacketLoss,
		}).Warn("High packet loss detected")

		if metrics.QualityAlerts != nil {
			metrics.QualityAlerts.WithLabelValues(string(AlertPacketLoss)).Inc()
		}
		m.emit(Alert{CallID: callID, Type: AlertPacketLoss, Metrics: current})
	}
}

func (m *CallMonitor) emit(alert Alert) {
	select {
	case m.alerts <- alert:
	default:
		m.logger.WithField("call_id", alert.CallID).Debug("Alert queue full, alert dropped")
	}
}
