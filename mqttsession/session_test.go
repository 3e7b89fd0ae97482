package mqttsession

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	connects     int
	disconnects  int
	subscribed   map[string]int
	unsubscribed []string
	published    map[string][]byte
	connectErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		subscribed: make(map[string]int),
		published:  make(map[string][]byte),
	}
}

func (c *fakeClient) IsConnected() bool      { c.mu.Lock(); defer c.mu.Unlock(); return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = payload.([]byte)
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic]++
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(string, paho.MessageHandler)    {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestSession(t *testing.T) (*Session, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	s := New("mosquitto", 1883, slog.Default(), nil)
	s.newClient = func(*paho.ClientOptions) paho.Client { return client }
	return s, client
}

func discard(string, []byte, bool) {}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"sensors/temp/status", "sensors/temp/status", true},
		{"sensors/temp/status", "sensors/temp/command", false},
		{"sensors/#", "sensors/temp/status", true},
		{"sensors/#", "sensors", false},
		{"#", "anything/at/all", true},
		{"sensors/+/status", "sensors/temp/status", true},
		{"sensors/+/status", "sensors/temp/other/status", false},
		{"sensors/+", "sensors/temp", true},
		{"sensors/+", "sensors/temp/status", false},
		{"sensors/temp", "sensors/temp/status", false},
		{"sensors/temp/status", "sensors/temp", false},
	}
	for _, tc := range tests {
		t.Run(tc.pattern+"~"+tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchTopic(tc.pattern, tc.topic))
		})
	}
}

func TestFirstAcquireConnects(t *testing.T) {
	s, client := newTestSession(t)

	require.NoError(t, s.Acquire("temp", "sensors/temp/status", discard))
	assert.Equal(t, 1, client.connects)
	assert.Equal(t, 1, client.subscribed["sensors/temp/status"])

	// Second subscriber reuses the connection.
	require.NoError(t, s.Acquire("humidity", "sensors/humidity/status", discard))
	assert.Equal(t, 1, client.connects)
}

func TestSharedPatternSubscribesOnce(t *testing.T) {
	s, client := newTestSession(t)

	require.NoError(t, s.Acquire("a", "sensors/#", discard))
	require.NoError(t, s.Acquire("b", "sensors/#", discard))
	assert.Equal(t, 1, client.subscribed["sensors/#"])

	// First release keeps the broker subscription alive.
	s.ReleaseSub("a")
	assert.Empty(t, client.unsubscribed)

	s.ReleaseSub("b")
	assert.Equal(t, []string{"sensors/#"}, client.unsubscribed)
	assert.Equal(t, 1, client.disconnects)
}

func TestReleaseLastSubscriberDisconnects(t *testing.T) {
	s, client := newTestSession(t)

	require.NoError(t, s.Acquire("temp", "sensors/temp/status", discard))
	s.ReleaseSub("temp")
	assert.Equal(t, 1, client.disconnects)
	assert.False(t, s.Connected())

	// Unknown subscriber release is a no-op.
	s.ReleaseSub("ghost")
	assert.Equal(t, 1, client.disconnects)
}

func TestReacquireReplacesPattern(t *testing.T) {
	s, client := newTestSession(t)

	require.NoError(t, s.Acquire("temp", "sensors/temp/status", discard))
	require.NoError(t, s.Acquire("temp", "sensors/temp/v2/status", discard))

	assert.Equal(t, []string{"sensors/temp/status"}, client.unsubscribed)
	assert.Equal(t, 1, client.subscribed["sensors/temp/v2/status"])
}

func TestDispatchFansOutToMatchingHandlers(t *testing.T) {
	s, _ := newTestSession(t)

	var mu sync.Mutex
	got := make(map[string]string)
	handler := func(id string) MessageHandler {
		return func(topic string, payload []byte, _ bool) {
			mu.Lock()
			defer mu.Unlock()
			got[id] = topic + "=" + string(payload)
		}
	}

	require.NoError(t, s.Acquire("wild", "sensors/#", handler("wild")))
	require.NoError(t, s.Acquire("exact", "sensors/temp/status", handler("exact")))
	require.NoError(t, s.Acquire("other", "lights/+/state", handler("other")))

	s.dispatch(nil, &fakeMessage{topic: "sensors/temp/status", payload: []byte("21.5")})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sensors/temp/status=21.5", got["wild"])
	assert.Equal(t, "sensors/temp/status=21.5", got["exact"])
	assert.NotContains(t, got, "other")
}

func TestPublishRequiresConnection(t *testing.T) {
	s, client := newTestSession(t)

	err := s.Publish("sensors/temp/command", []byte(`{"cmd":"on"}`), 1)
	require.Error(t, err)

	require.NoError(t, s.Acquire("temp", "sensors/temp/status", discard))
	require.NoError(t, s.Publish("sensors/temp/command", []byte(`{"cmd":"on"}`), 1))
	assert.Equal(t, []byte(`{"cmd":"on"}`), client.published["sensors/temp/command"])
}

func TestAcquireValidation(t *testing.T) {
	s, _ := newTestSession(t)

	assert.Error(t, s.Acquire("temp", "", discard))
	assert.Error(t, s.Acquire("temp", "sensors/temp/status", nil))
}

func TestCloseDropsEverything(t *testing.T) {
	s, client := newTestSession(t)

	require.NoError(t, s.Acquire("temp", "sensors/temp/status", discard))
	s.Close()
	assert.False(t, s.Connected())
	assert.Equal(t, 1, client.disconnects)
}
