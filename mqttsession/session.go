// Package mqttsession maintains a single shared MQTT connection for all
// MQTT sensors. Subscribers acquire topic patterns against the session; the
// broker connection opens on the first acquire and closes when the last
// subscriber releases. One dispatch path fans incoming messages out to every
// handler whose pattern matches the topic, so overlapping wildcard and exact
// subscriptions never race each other for delivery.
package mqttsession

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/metric"
)

// MessageHandler receives messages whose topic matches the subscriber's
// pattern. The retained flag passes through from the broker so subscribers
// can apply their own staleness policy. Handlers run on the paho dispatch
// goroutine and must not block.
type MessageHandler func(topic string, payload []byte, retained bool)

type subscription struct {
	pattern string
	handler MessageHandler
}

// Session is the shared broker connection. Safe for concurrent use.
type Session struct {
	brokerAddr string
	logger     *slog.Logger
	metrics    *metric.Registry

	mu          sync.Mutex
	client      paho.Client
	subscribers map[string]*subscription
	// patternRefs counts subscribers per broker-level subscription so
	// Unsubscribe happens only when the last sharer releases.
	patternRefs map[string]int

	connectTimeout time.Duration

	// newClient is swapped in tests to avoid a live broker.
	newClient func(*paho.ClientOptions) paho.Client
}

// New creates a Session against the broker at host:port. No connection is
// opened until the first Acquire.
func New(host string, port int, logger *slog.Logger, metrics *metric.Registry) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		brokerAddr:     fmt.Sprintf("tcp://%s:%d", host, port),
		logger:         logger,
		metrics:        metrics,
		subscribers:    make(map[string]*subscription),
		patternRefs:    make(map[string]int),
		connectTimeout: 30 * time.Second,
		newClient:      paho.NewClient,
	}
}

// Acquire registers subscriberID for pattern. The first acquire opens the
// broker connection; concurrent first acquires are serialized and exactly
// one connect happens. A subscriber that acquires again replaces its
// previous pattern.
func (s *Session) Acquire(subscriberID, pattern string, handler MessageHandler) error {
	if pattern == "" || handler == nil {
		return errors.WrapInvalid(
			fmt.Errorf("subscriber %q needs a pattern and a handler", subscriberID),
			"Session", "Acquire", "validate subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnectedLocked(); err != nil {
		return err
	}

	if prev, ok := s.subscribers[subscriberID]; ok {
		s.dropPatternLocked(prev.pattern)
	}

	if s.patternRefs[pattern] == 0 {
		if token := s.client.Subscribe(pattern, 1, nil); token.Wait() && token.Error() != nil {
			return errors.WrapTransient(token.Error(), "Session", "Acquire", "subscribe to pattern")
		}
		s.logger.Info("subscribed to topic pattern", "pattern", pattern)
	}
	s.patternRefs[pattern]++
	s.subscribers[subscriberID] = &subscription{pattern: pattern, handler: handler}
	if s.metrics != nil {
		s.metrics.MQTTSubscriptions.Set(float64(len(s.patternRefs)))
	}
	return nil
}

// ReleaseSub removes subscriberID's subscription. The broker-level
// subscription is dropped when its last sharer releases, and the connection
// closes when no subscribers remain. Releasing an unknown subscriber is a
// no-op.
func (s *Session) ReleaseSub(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subscriberID]
	if !ok {
		return
	}
	delete(s.subscribers, subscriberID)
	s.dropPatternLocked(sub.pattern)

	if len(s.subscribers) == 0 && s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
		s.logger.Info("disconnected from broker, no subscribers left", "broker", s.brokerAddr)
	}
	if s.metrics != nil {
		s.metrics.MQTTSubscriptions.Set(float64(len(s.patternRefs)))
	}
}

// Publish sends payload to topic. The session must already be open, which
// holds whenever at least one subscriber exists.
func (s *Session) Publish(topic string, payload []byte, qos byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return errors.WrapTransient(
			fmt.Errorf("broker %s: %w", s.brokerAddr, errors.ErrNoConnection),
			"Session", "Publish", "check connection")
	}
	if token := client.Publish(topic, qos, false, payload); token.Wait() && token.Error() != nil {
		return errors.WrapTransient(token.Error(), "Session", "Publish", "publish message")
	}
	return nil
}

// Connected reports whether the broker connection is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

// Close drops all subscribers and disconnects. Used at shutdown.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[string]*subscription)
	s.patternRefs = make(map[string]int)
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	if s.metrics != nil {
		s.metrics.MQTTSubscriptions.Set(0)
	}
}

// ensureConnectedLocked opens the paho client on first use. Called with the
// mutex held, so only one caller ever connects.
func (s *Session) ensureConnectedLocked() error {
	if s.client != nil {
		return nil
	}

	opts := paho.NewClientOptions().
		AddBroker(s.brokerAddr).
		SetClientID("smarthome-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetDefaultPublishHandler(s.dispatch).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.logger.Warn("broker connection lost", "broker", s.brokerAddr, "error", err)
		})

	client := s.newClient(opts)

	connect := func() error {
		token := client.Connect()
		if token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.connectTimeout
	if err := backoff.Retry(connect, policy); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("broker %s: %w", s.brokerAddr, err),
			"Session", "Acquire", "connect to broker")
	}

	s.client = client
	s.logger.Info("connected to broker", "broker", s.brokerAddr)
	return nil
}

// dropPatternLocked decrements a pattern's refcount and unsubscribes at
// zero. Called with the mutex held.
func (s *Session) dropPatternLocked(pattern string) {
	if s.patternRefs[pattern] <= 1 {
		delete(s.patternRefs, pattern)
		if s.client != nil {
			if token := s.client.Unsubscribe(pattern); token.Wait() && token.Error() != nil {
				s.logger.Warn("unsubscribe failed", "pattern", pattern, "error", token.Error())
			}
		}
		return
	}
	s.patternRefs[pattern]--
}

// onConnect restores broker-level subscriptions after a reconnect.
func (s *Session) onConnect(client paho.Client) {
	s.mu.Lock()
	patterns := make([]string, 0, len(s.patternRefs))
	for p := range s.patternRefs {
		patterns = append(patterns, p)
	}
	s.mu.Unlock()

	for _, pattern := range patterns {
		if token := client.Subscribe(pattern, 1, nil); token.Wait() && token.Error() != nil {
			s.logger.Error("resubscribe failed", "pattern", pattern, "error", token.Error())
		}
	}
}

// dispatch fans one incoming message out to every matching subscriber.
func (s *Session) dispatch(_ paho.Client, msg paho.Message) {
	topic := msg.Topic()
	payload := msg.Payload()
	retained := msg.Retained()

	s.mu.Lock()
	var handlers []MessageHandler
	for _, sub := range s.subscribers {
		if MatchTopic(sub.pattern, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	if s.metrics != nil && len(handlers) > 0 {
		s.metrics.MQTTMessages.WithLabelValues(topic).Inc()
	}
	for _, h := range handlers {
		h(topic, payload, retained)
	}
}

// MatchTopic reports whether an MQTT topic matches a subscription pattern.
// `#` matches any remaining segments and must be the last pattern segment;
// `+` matches exactly one segment. Patterns without `#` only match topics
// of equal segment count.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")

	for i, p := range pSegs {
		if p == "#" {
			return i == len(pSegs)-1
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "+" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}
