// Package emitter fans spoken feedback out to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"poseidon-go/internal/config"
	"poseidon-go/internal/types"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

var ErrNotConnected = errors.New("mqtt not connected")

// MQTTEmitter publishes feedback events to {topic_prefix}/{session_id}/feedback and the
// session summary to {topic_prefix}/{session_id}/summary.
type MQTTEmitter struct {
	cfg       config.MQTTConfig
	sessionID string
	newClient func(*mqtt.ClientOptions) mqtt.Client
	logger    *slog.Logger

	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewMQTTEmitter(cfg config.MQTTConfig, sessionID string, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		sessionID: sessionID,
		newClient: mqtt.NewClient,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

func (e *MQTTEmitter) FeedbackTopic() string {
	return fmt.Sprintf("%s/%s/feedback", e.cfg.TopicPrefix, e.sessionID)
}

func (e *MQTTEmitter) SummaryTopic() string {
	return fmt.Sprintf("%s/%s/summary", e.cfg.TopicPrefix, e.sessionID)
}

// Connect dials the broker. Reconnection after a lost connection is automatic.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", e.cfg.ClientID, e.sessionID))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("emitter: mqtt connected", "broker", e.cfg.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("emitter: mqtt connection lost, will auto-reconnect", "err", err, "broker", e.cfg.Broker)
	}

	e.client = e.newClient(opts)
	e.logger.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// PublishFeedback sends one spoken correction. Failures are counted and returned; they
// never affect the pipeline.
func (e *MQTTEmitter) PublishFeedback(ev types.FeedbackEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal feedback: %w", err)
	}
	return e.publish(e.FeedbackTopic(), false, payload)
}

// PublishSummary sends the retained end-of-session summary.
func (e *MQTTEmitter) PublishSummary(summary any) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal summary: %w", err)
	}
	return e.publish(e.SummaryTopic(), true, payload)
}

func (e *MQTTEmitter) publish(topic string, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("emitter: published", "topic", topic, "qos", e.cfg.QoS, "size", len(payload))
	return nil
}

func (e *MQTTEmitter) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
