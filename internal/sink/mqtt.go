package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/serialgps/internal/debuglog"
)

// MQTTConfig holds MQTT mirror configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"clientId"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS         byte   `yaml:"qos" json:"qos"`
	Retain      bool   `yaml:"retain" json:"retain"`
}

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	closeTimeout   = 3 * time.Second
	queueSize      = 256
)

var ErrPublishTimeout = errors.New("mqtt: publish timed out")

// publisher is the subset of mqtt.Client used by MQTT.
type publisher interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT mirrors every channel value to a broker as retained JSON
// {"val":...,"ts":...} on <prefix>/<id with '.' replaced by '/'>. Set only
// enqueues; a single goroutine publishes, so a stalled broker never holds up
// the caller. When the queue is full new values are dropped.
type MQTT struct {
	client publisher
	prefix string
	qos    byte
	retain bool

	mu     sync.RWMutex
	closed bool
	queue  chan outMsg
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

type outMsg struct {
	id      string
	topic   string
	payload []byte
}

// NewMQTT connects to the broker. The client keeps retrying in the
// background when the broker is unreachable; values set while offline are
// dropped.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "serialgps"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("[mqtt] connected to %s", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[mqtt] connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	if !client.IsConnectionOpen() {
		log.Printf("[mqtt] %s not reachable yet, retrying in background", cfg.Broker)
	}
	return newMQTT(client, cfg), nil
}

func newMQTT(client publisher, cfg MQTTConfig) *MQTT {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "serialgps"
	}
	m := &MQTT{
		client: client,
		prefix: prefix,
		qos:    cfg.QoS,
		retain: cfg.Retain,
		queue:  make(chan outMsg, queueSize),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Topic returns the topic a channel is published on.
func (m *MQTT) Topic(id string) string {
	return m.prefix + "/" + strings.ReplaceAll(id, ".", "/")
}

// Set queues one value for publishing. It never waits on the broker.
func (m *MQTT) Set(id string, value any, ts time.Time) error {
	if !m.client.IsConnectionOpen() {
		debuglog.Printf("[mqtt] offline, dropping %s", id)
		return nil
	}
	payload, err := json.Marshal(NewValue(value, ts))
	if err != nil {
		return fmt.Errorf("mqtt: marshal %s: %w", id, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	select {
	case m.queue <- outMsg{id: id, topic: m.Topic(id), payload: payload}:
	default:
		// Broker too slow, skip
		if m.dropped.Add(1)%100 == 1 {
			log.Printf("[mqtt] queue full, dropped %d values so far", m.dropped.Load())
		}
	}
	return nil
}

func (m *MQTT) run() {
	defer close(m.done)
	for msg := range m.queue {
		if err := m.publish(msg); err != nil {
			m.failed.Add(1)
			log.Printf("[mqtt] %v", err)
		}
	}
}

func (m *MQTT) publish(msg outMsg) error {
	token := m.client.Publish(msg.topic, m.qos, m.retain, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, msg.id)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", msg.id, err)
	}
	return nil
}

// Close publishes what is already queued, giving up after closeTimeout, then
// disconnects from the broker.
func (m *MQTT) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-time.After(closeTimeout):
		log.Printf("[mqtt] %d values still queued at shutdown", len(m.queue))
	}
	m.client.Disconnect(250)
}
