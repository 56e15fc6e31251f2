package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT subscriber.
type MQTTConfig struct {
	// Broker is the broker address, e.g. tcp://localhost:1883.
	Broker string

	// TopicPrefix is joined with a domain ID to form the topic the
	// backend publishes that domain's violations on.
	// Default: ppewatch/violations
	TopicPrefix string

	// ClientID must be unique per broker connection. A random one is
	// generated when empty.
	ClientID string

	Username string
	Password string

	// QoS is the subscription quality of service.
	// Default: 1
	QoS byte

	// ConnectTimeout bounds a single connection attempt.
	// Default: 10 seconds
	ConnectTimeout time.Duration

	// MaxReconnectInterval caps paho's reconnect backoff.
	// Default: 30 seconds
	MaxReconnectInterval time.Duration

	// Backoff paces topic subscription retries while connected.
	Backoff Backoff
}

// DefaultMQTTConfig returns a config for broker with default values.
func DefaultMQTTConfig(broker string) MQTTConfig {
	return MQTTConfig{
		Broker:               broker,
		TopicPrefix:          "ppewatch/violations",
		QoS:                  1,
		ConnectTimeout:       10 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		Backoff:              DefaultBackoff(),
	}
}

// Validate checks if the configuration is valid.
func (c MQTTConfig) Validate() error {
	const op = "push.mqtt.config"

	if c.Broker == "" {
		return domain.Configuration(op, "mqtt broker is required")
	}
	if strings.Trim(c.TopicPrefix, "/") == "" {
		return domain.Configuration(op, "mqtt topic prefix is required")
	}
	if strings.ContainsAny(c.TopicPrefix, "+#") {
		return domain.Configuration(op, fmt.Sprintf("mqtt topic prefix must not contain wildcards, got %q", c.TopicPrefix))
	}
	if c.QoS > 2 {
		return domain.Configuration(op, fmt.Sprintf("mqtt qos must be 0, 1 or 2, got %d", c.QoS))
	}
	if c.ConnectTimeout <= 0 {
		return domain.Configuration(op, "connect timeout must be positive")
	}
	if c.Backoff.Min <= 0 || c.Backoff.Max < c.Backoff.Min {
		return domain.Configuration(op, fmt.Sprintf("invalid backoff %v..%v", c.Backoff.Min, c.Backoff.Max))
	}
	return nil
}

var errSubscribeTimeout = errors.New("broker did not acknowledge the subscription")

// MQTT subscribes to per-domain violation topics on an MQTT broker.
type MQTT struct {
	config    MQTTConfig
	logger    *slog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewMQTT creates an MQTT subscriber.
func NewMQTT(config MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &MQTT{
		config:    config,
		logger:    logger.With("transport", "mqtt"),
		newClient: mqtt.NewClient,
	}, nil
}

// Topics returns the topic filters for a domain scope. An empty scope
// subscribes to every domain with a single-level wildcard.
func Topics(prefix string, domainIDs []string, qos byte) map[string]byte {
	prefix = strings.TrimSuffix(prefix, "/")
	if len(domainIDs) == 0 {
		return map[string]byte{prefix + "/+": qos}
	}
	filters := make(map[string]byte, len(domainIDs))
	for _, id := range domainIDs {
		filters[prefix+"/"+id] = qos
	}
	return filters
}

// Subscribe connects in the background and returns immediately. Paho
// handles reconnection; every (re)connect re-subscribes and reports
// PushConnected once the broker acknowledges the topics. Every lost
// connection and every failed subscription reports PushDisconnected.
func (m *MQTT) Subscribe(ctx context.Context, domainIDs []string) (domain.Subscription, error) {
	done := make(chan struct{})
	sub := &mqttSubscription{
		events:  make(chan domain.PushEvent, eventBuffer),
		done:    done,
		filters: Topics(m.config.TopicPrefix, domainIDs, m.config.QoS),
		timeout: m.config.ConnectTimeout,
		backoff: m.config.Backoff,
		logger:  m.logger,
	}

	clientID := m.config.ClientID
	if clientID == "" {
		clientID = "ppewatch-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.config.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(m.config.ConnectTimeout).
		SetMaxReconnectInterval(m.config.MaxReconnectInterval)
	if m.config.Username != "" {
		opts.SetUsername(m.config.Username)
		opts.SetPassword(m.config.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		go sub.subscribeTopics(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("broker connection lost", "error", err)
		sub.emit(domain.PushEvent{Type: domain.PushDisconnected, Err: err})
	})

	sub.client = m.newClient(opts)
	sub.client.Connect()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-done:
		}
	}()
	return sub, nil
}

type mqttSubscription struct {
	client  mqtt.Client
	events  chan domain.PushEvent
	done    chan struct{}
	filters map[string]byte
	timeout time.Duration
	backoff Backoff
	logger  *slog.Logger
	once    sync.Once

	// mu guards closed so no callback sends on a closed events channel.
	mu     sync.RWMutex
	closed bool
}

// subscribeTopics subscribes to every topic filter. A subscription that
// fails or is not acknowledged within the timeout reports PushDisconnected
// and is retried while the client stays connected.
func (s *mqttSubscription) subscribeTopics(c mqtt.Client) {
	var delay time.Duration
	for {
		err := errSubscribeTimeout
		token := c.SubscribeMultiple(s.filters, s.handle())
		if token.WaitTimeout(s.timeout) {
			err = token.Error()
		}
		if err == nil {
			s.logger.Info("broker connected", "topics", len(s.filters))
			s.emit(domain.PushEvent{Type: domain.PushConnected})
			return
		}

		delay = s.backoff.next(delay)
		s.logger.Error("topic subscription failed", "error", err, "retry_in", delay)
		if !s.emit(domain.PushEvent{Type: domain.PushDisconnected, Err: err}) {
			return
		}

		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
		if !c.IsConnected() {
			// The next connect runs the handler again.
			return
		}
	}
}

// handle turns a broker message into a PushViolation event. Payloads are
// copied because paho may reuse the buffer.
func (s *mqttSubscription) handle() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		s.emit(domain.PushEvent{Type: domain.PushViolation, Payload: payload})
	}
}

// emit delivers ev unless the subscription has been closed.
func (s *mqttSubscription) emit(ev domain.PushEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	return emitter{events: s.events, done: s.done}.emit(ev)
}

func (s *mqttSubscription) Events() <-chan domain.PushEvent {
	return s.events
}

// Unsubscribe drops the topic subscriptions, disconnects and closes the
// events channel. Callbacks still running after it returns drop their
// events.
func (s *mqttSubscription) Unsubscribe() error {
	s.once.Do(func() {
		// Closing done first releases callbacks blocked on a full channel.
		close(s.done)
		if s.client != nil {
			if s.client.IsConnected() {
				topics := make([]string, 0, len(s.filters))
				for t := range s.filters {
					topics = append(topics, t)
				}
				s.client.Unsubscribe(topics...).WaitTimeout(time.Second)
			}
			s.client.Disconnect(250)
		}

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		s.logger.Debug("mqtt subscription closed")
	})
	return nil
}
