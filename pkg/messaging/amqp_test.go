package messaging

import (
	"context"
	"encoding/json"
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

func TestNewAMQPPublisherRequiresConfig(t *testing.T) {
	_, err := NewAMQPPublisher(newTestLogger(), AMQPConfig{})
	assert.Error(t, err)

	_, err = NewAMQPPublisher(newTestLogger(), AMQPConfig{URL: "amqp://localhost"})
	assert.Error(t, err)
}

func TestTurnEventJSONShape(t *testing.T) {
	event := TurnEvent{
		CallID:    "call-1",
		TurnID:    "turn-1",
		UserText:  "こんにちは",
		AIText:    "こんにちは、ご用件をどうぞ。",
		Cached:    true,
		LatencyMs: 250,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	body, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "call-1", decoded["call_id"])
	assert.Equal(t, "turn-1", decoded["turn_id"])
	assert.Equal(t, true, decoded["cached"])
	assert.Equal(t, float64(250), decoded["latency_ms"])
	// Omitted when unset
	_, hasEnded := decoded["session_ended"]
	assert.False(t, hasEnded)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.PublishTurn(context.Background(), TurnEvent{CallID: "call-1"}))
	assert.NoError(t, p.PublishAlert(context.Background(), AlertEvent{CallID: "call-1"}))
	p.Close()
}
