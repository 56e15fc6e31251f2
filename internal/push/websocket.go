package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/gorilla/websocket"
)

// Message types on the violation stream.
const (
	messageViolation = "violation"
	messageHeartbeat = "heartbeat"
)

// WebSocketConfig configures the WebSocket subscriber.
type WebSocketConfig struct {
	// URL is the stream endpoint (ws:// or wss://).
	URL string

	// Token is sent as a bearer token on the handshake.
	Token string

	// ReadTimeout drops a connection that has been silent this long. The
	// backend sends heartbeats well within it.
	// Default: 60 seconds
	ReadTimeout time.Duration

	// HandshakeTimeout bounds the dial.
	// Default: 10 seconds
	HandshakeTimeout time.Duration

	Backoff Backoff
}

// DefaultWebSocketConfig returns a config for url with default timeouts.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		ReadTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Backoff:          DefaultBackoff(),
	}
}

// Validate checks if the configuration is valid.
func (c WebSocketConfig) Validate() error {
	const op = "push.websocket.config"

	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return domain.Configuration(op, fmt.Sprintf("websocket url must start with ws:// or wss://, got %q", c.URL))
	}
	if c.ReadTimeout <= 0 {
		return domain.Configuration(op, "read timeout must be positive")
	}
	if c.Backoff.Min <= 0 || c.Backoff.Max < c.Backoff.Min {
		return domain.Configuration(op, fmt.Sprintf("invalid backoff %v..%v", c.Backoff.Min, c.Backoff.Max))
	}
	return nil
}

type subscribeMessage struct {
	Action    string   `json:"action"`
	DomainIDs []string `json:"domain_ids"`
}

type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WebSocket subscribes to the violation stream over a WebSocket.
type WebSocket struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocket creates a WebSocket subscriber.
func NewWebSocket(config WebSocketConfig, logger *slog.Logger) (*WebSocket, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &WebSocket{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logger.With("transport", "websocket"),
	}, nil
}

// Subscribe starts streaming in the background and returns immediately.
// The stream reports PushConnected once the subscribe message is
// accepted, and PushDisconnected whenever an established connection drops.
// The events channel is closed after Unsubscribe.
func (w *WebSocket) Subscribe(ctx context.Context, domainIDs []string) (domain.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		events:   make(chan domain.PushEvent, eventBuffer),
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	go w.run(ctx, append([]string(nil), domainIDs...), sub)
	return sub, nil
}

func (w *WebSocket) run(ctx context.Context, domainIDs []string, sub *wsSubscription) {
	defer close(sub.finished)
	defer close(sub.events)

	out := emitter{events: sub.events, done: ctx.Done()}
	header := http.Header{}
	if w.config.Token != "" {
		header.Set("Authorization", "Bearer "+w.config.Token)
	}

	var delay time.Duration
	for {
		connected, err := w.session(ctx, domainIDs, header, out)
		if ctx.Err() != nil {
			return
		}

		delay = w.config.Backoff.after(delay, connected)
		w.logger.Warn("stream interrupted, reconnecting", "error", err, "retry_in", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// session runs one connection. It reports whether the subscription was
// established and why the connection ended.
func (w *WebSocket) session(ctx context.Context, domainIDs []string, header http.Header, out emitter) (bool, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.config.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", DomainIDs: domainIDs}); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}

	extend := func() {
		conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
	}
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	w.logger.Info("stream connected", "domain_ids", domainIDs)
	out.emit(domain.PushEvent{Type: domain.PushConnected})

	err = w.read(conn, extend, out)
	if ctx.Err() == nil {
		out.emit(domain.PushEvent{Type: domain.PushDisconnected, Err: err})
	}
	return true, err
}

func (w *WebSocket) read(conn *websocket.Conn, extend func(), out emitter) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Warn("ignoring undecodable stream frame", "error", err, "bytes", len(data))
			continue
		}

		switch msg.Type {
		case messageViolation:
			if !out.emit(domain.PushEvent{Type: domain.PushViolation, Payload: msg.Data}) {
				return nil
			}
		case messageHeartbeat:
		default:
			w.logger.Debug("ignoring stream message", "type", msg.Type)
		}
	}
}

type wsSubscription struct {
	events   chan domain.PushEvent
	cancel   context.CancelFunc
	finished chan struct{}
	once     sync.Once
}

func (s *wsSubscription) Events() <-chan domain.PushEvent {
	return s.events
}

// Unsubscribe stops the stream and waits for the connection to close. It is
// safe to call more than once.
func (s *wsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.finished
	})
	return nil
}
