package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func next(t *testing.T, events <-chan domain.PushEvent) domain.PushEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push event")
		return domain.PushEvent{}
	}
}

// streamServer accepts a subscribe message, sends one violation per
// connection and then hangs up.
func streamServer(t *testing.T, connections *atomic.Int32, subscribed chan<- subscribeMessage) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := connections.Add(1)

		var msg subscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		subscribed <- msg

		conn.WriteJSON(map[string]string{"type": "heartbeat"})
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		conn.WriteJSON(map[string]any{
			"type": "violation",
			"data": map[string]any{"id": "v" + string(rune('0'+n)), "domain_id": "d1"},
		})

		if n == 1 {
			return
		}
		// Keep later connections open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWebSocket_StreamsAndReconnects(t *testing.T) {
	var connections atomic.Int32
	subscribed := make(chan subscribeMessage, 4)
	srv := streamServer(t, &connections, subscribed)
	defer srv.Close()

	cfg := DefaultWebSocketConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.Token = "secret"
	cfg.Backoff = Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}

	ws, err := NewWebSocket(cfg, discard())
	require.NoError(t, err)

	sub, err := ws.Subscribe(context.Background(), []string{"d1", "d2"})
	require.NoError(t, err)
	events := sub.Events()

	assert.Equal(t, domain.PushConnected, next(t, events).Type)
	msg := <-subscribed
	assert.Equal(t, "subscribe", msg.Action)
	assert.Equal(t, []string{"d1", "d2"}, msg.DomainIDs)

	ev := next(t, events)
	require.Equal(t, domain.PushViolation, ev.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "v1", payload["id"])

	lost := next(t, events)
	assert.Equal(t, domain.PushDisconnected, lost.Type)
	assert.Error(t, lost.Err)

	assert.Equal(t, domain.PushConnected, next(t, events).Type)
	<-subscribed
	ev = next(t, events)
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "v2", payload["id"])

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	for range events {
	}
	assert.EqualValues(t, 2, connections.Load())
}

func TestWebSocket_UnsubscribeWhileDialing(t *testing.T) {
	cfg := DefaultWebSocketConfig("ws://127.0.0.1:1/stream")
	cfg.Backoff = Backoff{Min: 5 * time.Millisecond, Max: 10 * time.Millisecond}
	ws, err := NewWebSocket(cfg, discard())
	require.NoError(t, err)

	sub, err := ws.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not return")
	}
}

func TestWebSocketConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultWebSocketConfig("wss://example.com/stream").Validate())

	err := DefaultWebSocketConfig("https://example.com").Validate()
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))

	cfg := DefaultWebSocketConfig("ws://x")
	cfg.Backoff.Max = 0
	assert.Error(t, cfg.Validate())
}

func TestBackoff_Next(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 5 * time.Second}
	d := b.next(0)
	assert.Equal(t, time.Second, d)
	d = b.next(d)
	assert.Equal(t, 2*time.Second, d)
	d = b.next(b.next(d))
	assert.Equal(t, 5*time.Second, d)
}

func TestBackoff_AfterConnectedStartsOver(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 30 * time.Second}
	assert.Equal(t, 16*time.Second, b.after(8*time.Second, false))
	assert.Equal(t, time.Second, b.after(30*time.Second, true))
}

func TestWebSocket_ReconnectDelayResetsAfterSession(t *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg subscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		connections.Add(1)
	}))
	defer srv.Close()

	cfg := DefaultWebSocketConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.Backoff = Backoff{Min: 10 * time.Millisecond, Max: 10 * time.Second}
	ws, err := NewWebSocket(cfg, discard())
	require.NoError(t, err)

	sub, err := ws.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	go func() {
		for range sub.Events() {
		}
	}()

	// Doubling from 10ms would need over a second for eight connections.
	require.Eventually(t, func() bool {
		return connections.Load() >= 8
	}, time.Second, 5*time.Millisecond)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, map[string]byte{"ppe/violations/+": 1}, Topics("ppe/violations/", nil, 1))
	assert.Equal(t, map[string]byte{
		"ppe/violations/d1": 0,
		"ppe/violations/d2": 0,
	}, Topics("ppe/violations", []string{"d1", "d2"}, 0))
}

func TestMQTTConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultMQTTConfig("tcp://localhost:1883").Validate())

	tests := []struct {
		name   string
		mutate func(*MQTTConfig)
	}{
		{name: "no broker", mutate: func(c *MQTTConfig) { c.Broker = "" }},
		{name: "empty prefix", mutate: func(c *MQTTConfig) { c.TopicPrefix = "/" }},
		{name: "wildcard prefix", mutate: func(c *MQTTConfig) { c.TopicPrefix = "a/#" }},
		{name: "bad qos", mutate: func(c *MQTTConfig) { c.QoS = 3 }},
		{name: "no connect timeout", mutate: func(c *MQTTConfig) { c.ConnectTimeout = 0 }},
		{name: "bad backoff", mutate: func(c *MQTTConfig) { c.Backoff.Max = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMQTTConfig("tcp://localhost:1883")
			tt.mutate(&cfg)
			assert.Equal(t, domain.ECONFIG, domain.ErrorCode(cfg.Validate()))
		})
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTT_MessageHandler(t *testing.T) {
	done := make(chan struct{})
	sub := &mqttSubscription{
		events: make(chan domain.PushEvent, 2),
		done:   done,
		logger: discard(),
	}
	handler := sub.handle()

	buf := []byte(`{"id":"m1"}`)
	handler(nil, fakeMessage{topic: "ppewatch/violations/d1", payload: buf})
	copy(buf, "XXXXXXXXXXX")

	ev := next(t, sub.Events())
	assert.Equal(t, domain.PushViolation, ev.Type)
	assert.JSONEq(t, `{"id":"m1"}`, string(ev.Payload))
	assert.False(t, ev.At.IsZero())

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	// After unsubscribe the handler must not block or panic.
	handler(nil, fakeMessage{payload: []byte(`{}`)})
	handler(nil, fakeMessage{payload: []byte(`{}`)})
	handler(nil, fakeMessage{payload: []byte(`{}`)})

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

type fakeToken struct {
	mqtt.Token
	complete bool
	err      error
}

func (t *fakeToken) Wait() bool                     { return t.complete }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.complete }
func (t *fakeToken) Error() error                   { return t.err }

// fakeClient answers SubscribeMultiple with tokens in order, repeating the
// last one.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	tokens     []*fakeToken
	subscribes int
	connected  atomic.Bool
	opts       *mqtt.ClientOptions
}

func (c *fakeClient) Connect() mqtt.Token {
	c.connected.Store(true)
	return &fakeToken{complete: true}
}

func (c *fakeClient) IsConnected() bool { return c.connected.Load() }

func (c *fakeClient) Disconnect(uint) { c.connected.Store(false) }

func (c *fakeClient) Unsubscribe(...string) mqtt.Token { return &fakeToken{complete: true} }

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := min(c.subscribes, len(c.tokens)-1)
	c.subscribes++
	return c.tokens[i]
}

func (c *fakeClient) subscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func newFakeMQTT(t *testing.T, client *fakeClient, backoff Backoff) domain.Subscription {
	t.Helper()
	cfg := DefaultMQTTConfig("tcp://broker:1883")
	cfg.ConnectTimeout = 10 * time.Millisecond
	cfg.Backoff = backoff

	m, err := NewMQTT(cfg, discard())
	require.NoError(t, err)
	m.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		client.opts = opts
		return client
	}

	sub, err := m.Subscribe(context.Background(), []string{"d1"})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	require.NotNil(t, client.opts)
	require.NotNil(t, client.opts.OnConnect)
	return sub
}

func TestMQTT_UnacknowledgedSubscribeRetries(t *testing.T) {
	client := &fakeClient{tokens: []*fakeToken{{complete: false}, {complete: true}}}
	sub := newFakeMQTT(t, client, Backoff{Min: 5 * time.Millisecond, Max: 10 * time.Millisecond})

	client.opts.OnConnect(client)

	ev := next(t, sub.Events())
	assert.Equal(t, domain.PushDisconnected, ev.Type)
	assert.ErrorIs(t, ev.Err, errSubscribeTimeout)

	ev = next(t, sub.Events())
	assert.Equal(t, domain.PushConnected, ev.Type)
	assert.Equal(t, 2, client.subscribeCalls())

	require.NoError(t, sub.Unsubscribe())
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestMQTT_RejectedSubscribeStopsWhenDisconnected(t *testing.T) {
	refused := errors.New("not authorized")
	client := &fakeClient{tokens: []*fakeToken{{complete: true, err: refused}}}
	sub := newFakeMQTT(t, client, Backoff{Min: 50 * time.Millisecond, Max: 50 * time.Millisecond})

	client.opts.OnConnect(client)

	ev := next(t, sub.Events())
	assert.Equal(t, domain.PushDisconnected, ev.Type)
	assert.ErrorIs(t, ev.Err, refused)

	client.Disconnect(0)
	assert.Never(t, func() bool {
		select {
		case <-sub.Events():
			return true
		default:
			return false
		}
	}, 150*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, client.subscribeCalls())
}
