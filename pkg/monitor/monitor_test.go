package monitor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func durationPtr(d time.Duration) *time.Duration { return &d }
func floatPtr(f float64) *float64                { return &f }

func TestStartMonitoringNeutralValues(t *testing.T) {
	m := NewCallMonitor(DefaultConfig(), newTestLogger())

	m.StartMonitoring("call-1")

	got, ok := m.GetMetrics("call-1")
	require.True(t, ok)
	assert.Zero(t, got.Latency)
	assert.Zero(t, got.PacketLoss)
	assert.Equal(t, float64(100), got.AudioQuality)
}

func TestStartMonitoringIdempotent(t *testing.T) {
	m := NewCallMonitor(DefaultConfig(), newTestLogger())

	m.StartMonitoring("call-1")
	m.UpdateMetrics("call-1", Update{Latency: durationPtr(250 * time.Millisecond)})

	// Restarting resets metrics to neutral without a second entry
	m.StartMonitoring("call-1")

	got, ok := m.GetMetrics("call-1")
	require.True(t, ok)
	assert.Zero(t, got.Latency)
	assert.Equal(t, float64(100), got.AudioQuality)
	assert.Equal(t, 1, m.MonitoredCalls())
}

func TestUpdateMergesPartialFields(t *testing.T) {
	m := NewCallMonitor(DefaultConfig(), newTestLogger())
	m.StartMonitoring("call-1")

	m.UpdateMetrics("call-1", Update{Latency: durationPtr(100 * time.Millisecond)})
	m.UpdateMetrics("call-1", Update{PacketLoss: floatPtr(0.01)})

	got, _ := m.GetMetrics("call-1")
	assert.Equal(t, 100*time.Millisecond, got.Latency)
	assert.InDelta(t, 0.01, got.PacketLoss, 1e-9)
	assert.Equal(t, float64(100), got.AudioQuality)
}

func TestHighLatencyAlert(t *testing.T) {
	m := NewCallMonitor(DefaultConfig(), newTestLogger())
	m.StartMonitoring("call-1")

	m.UpdateMetrics("call-1", Update{Latency: durationPtr(450 * time.Millisecond)})

	select {
	case alert := <-m.Alerts():
		assert.Equal(t, AlertHighLatency, alert.Type)
		assert.Equal(t, "call-1", alert.CallID)
		assert.Equal(t, 450*time.Millisecond, alert.Metrics.Latency)
	default:
		t.Fatal("expected a high latency alert")
	}
}

func TestPacketLossAlert(t *testing.T) {
	m := NewCallMonitor(DefaultConfig(), newTestLogger())
	m.StartMonitoring("call-1")

	m.UpdateMetrics("call-1", Update{PacketLoss: floatPtr(0.10)})

	select {
	case alert := <-m.Alerts():
		assert.Equal(t, AlertPacketLoss, alert.Type)
	default:
		t.Fatal("expected a packet loss alert")
	}
}

func TestNoAlertBelowThresholds(t *testing.T) {
	m := NewCallMonitor(DefaultConfig(), newTestLogger())
	m.StartMonitoring("call-1")

	m.UpdateMetrics("call-1", Update{
		Latency:    durationPtr(200 * time.Millisecond),
		PacketLoss: floatPtr(0.02),
	})

	select {
	case alert := <-m.Alerts():
		t.Fatalf("unexpected alert: %+v", alert)
	default:
	}
}

func TestUpdateUnknownCallIgnored(t *testing.T) {
	m := NewCallMonitor(DefaultConfig(), newTestLogger())

	m.UpdateMetrics("ghost", Update{Latency: durationPtr(time.Second)})

	_, ok := m.GetMetrics("ghost")
	assert.False(t, ok)
}

func TestStopMonitoring(t *testing.T) {
	m := NewCallMonitor(DefaultConfig(), newTestLogger())
	m.StartMonitoring("call-1")
	m.StopMonitoring("call-1")

	_, ok := m.GetMetrics("call-1")
	assert.False(t, ok)
	assert.Zero(t, m.MonitoredCalls())
}

func TestAlertsNeverBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertQueueSize = 1
	m := NewCallMonitor(cfg, newTestLogger())
	m.StartMonitoring("call-1")

	// Nobody drains the queue; updates must still return promptly
	for i := 0; i < 10; i++ {
		m.UpdateMetrics("call-1", Update{Latency: durationPtr(time.Second)})
	}
}
