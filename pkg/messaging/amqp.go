package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 200 * time.Millisecond
)

// TurnEvent is published to the queue after each completed conversational
// turn.
type TurnEvent struct {
	CallID         string                 `json:"call_id"`
	TurnID         string                 `json:"turn_id"`
	UserText       string                 `json:"user_text"`
	AIText         string                 `json:"ai_text"`
	Cached         bool                   `json:"cached"`
	LatencyMs      int64                  `json:"latency_ms"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SessionEnded   bool                   `json:"session_ended,omitempty"`
	FailureMessage string                 `json:"failure_message,omitempty"`
}

// AlertEvent is published when a call's quality metrics cross a threshold.
type AlertEvent struct {
	CallID    string    `json:"call_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits turn and quality events to an external consumer.
type Publisher interface {
	PublishTurn(ctx context.Context, event TurnEvent) error
	PublishAlert(ctx context.Context, event AlertEvent) error
	Close()
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishTurn(context.Context, TurnEvent) error   { return nil }
func (NoopPublisher) PublishAlert(context.Context, AlertEvent) error { return nil }
func (NoopPublisher) Close()                                         {}

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL        string
	QueueName  string
	Exchange   string
	RoutingKey string
}

// AMQPPublisher publishes turn events to a durable AMQP queue.
type AMQPPublisher struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
}

// NewAMQPPublisher creates an AMQP publisher and connects it. The routing
// key defaults to the queue name.
func NewAMQPPublisher(logger *logrus.Logger, config AMQPConfig) (*AMQPPublisher, error) {
	if config.URL == "" || config.QueueName == "" {
		return nil, fmt.Errorf("AMQP URL or queue name not configured")
	}
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}

	p := &AMQPPublisher{logger: logger, config: config}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	dialChan := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(p.config.URL)
		select {
		case dialChan <- dialResult{conn, err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()

	var conn *amqp.Connection
	select {
	case result := <-dialChan:
		if result.err != nil {
			return fmt.Errorf("failed to connect to AMQP server: %w", result.err)
		}
		conn = result.conn
	case <-ctx.Done():
		return fmt.Errorf("connection to AMQP server timed out after %s", connectTimeout)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		p.config.QueueName,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true

	p.logger.WithFields(logrus.Fields{
		"url":   p.config.URL,
		"queue": p.config.QueueName,
	}).Info("Connected to AMQP server")

	return nil
}

// IsConnected returns the connection status
func (p *AMQPPublisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// PublishTurn publishes a turn event as a persistent JSON message.
func (p *AMQPPublisher) PublishTurn(ctx context.Context, event TurnEvent) error {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"call_id": event.CallID,
				"recover": r,
			}).Error("Recovered from panic while publishing turn event")
		}
	}()

	if err := p.publish(ctx, "turn event", event); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"call_id": event.CallID,
		"turn_id": event.TurnID,
	}).Debug("Published turn event")
	return nil
}

// PublishAlert publishes a quality alert as a persistent JSON message.
func (p *AMQPPublisher) PublishAlert(ctx context.Context, event AlertEvent) error {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"call_id": event.CallID,
				"recover": r,
			}).Error("Recovered from panic while publishing quality alert")
		}
	}()

	if err := p.publish(ctx, "quality alert", event); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"call_id": event.CallID,
		"type":    event.Type,
	}).Debug("Published quality alert")
	return nil
}

func (p *AMQPPublisher) publish(ctx context.Context, kind string, event interface{}) error {
	if !p.IsConnected() {
		return fmt.Errorf("not connected to AMQP server")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	publishChan := make(chan error, 1)
	go func() {
		p.connMutex.RLock()
		defer p.connMutex.RUnlock()

		if !p.connected || p.channel == nil {
			select {
			case publishChan <- fmt.Errorf("lost AMQP connection before publishing"):
			case <-ctx.Done():
			}
			return
		}

		err := p.channel.Publish(
			p.config.Exchange,
			p.config.RoutingKey,
			false, // Mandatory
			false, // Immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)
		select {
		case publishChan <- err:
		case <-ctx.Done():
		}
	}()

	select {
	case err := <-publishChan:
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", kind, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("publishing %s timed out after %s", kind, publishTimeout)
	}
	return nil
}

// Close closes the AMQP channel and connection.
func (p *AMQPPublisher) Close() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
	p.logger.Info("Disconnected from AMQP server")
}
