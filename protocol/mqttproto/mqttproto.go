// Package mqttproto implements the MQTT sensor transport. Sensors push
// readings to status topics on a shared broker session; the transport keeps
// an in-RAM state map per sensor and applies a liveness window, since a
// push-only device signals failure by going silent, not by erroring.
package mqttproto

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/mqttsession"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// Default topic templates, resolved against the sensor config.
const (
	defaultStatusTopic  = "sensors/{name}/status"
	defaultCommandTopic = "sensors/{name}/command"
)

// broker is the slice of the shared session this transport uses. Narrowed
// to an interface so tests can substitute a fake.
type broker interface {
	Acquire(subscriberID, pattern string, handler mqttsession.MessageHandler) error
	ReleaseSub(subscriberID string)
	Publish(topic string, payload []byte, qos byte) error
	Connected() bool
}

// Sensor receives pushed readings through the shared MQTT session.
type Sensor struct {
	cfg          types.SensorConfig
	deps         protocol.Dependencies
	session      broker
	statusTopic  string
	commandTopic string
	wildcard     bool
	liveness     time.Duration

	// stateMu guards this sensor's RAM state only; it is distinct from the
	// session's lock so one sensor's reads never block another's messages.
	stateMu     sync.Mutex
	state       map[string]any
	lastMessage time.Time
	acquired    bool
}

// New builds the MQTT transport for cfg. Subscription happens in Connect.
func New(cfg types.SensorConfig, deps protocol.Dependencies) (protocol.Protocol, error) {
	if deps.Session == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("sensor %q needs a shared mqtt session", cfg.Name),
			"mqttproto", "New", "validate dependencies")
	}
	statusTopic := resolveTopic(cfg.TopicStatus, defaultStatusTopic, cfg)
	commandTopic := resolveTopic(cfg.TopicCommand, defaultCommandTopic, cfg)

	return &Sensor{
		cfg:          cfg,
		deps:         deps,
		session:      deps.Session,
		statusTopic:  statusTopic,
		commandTopic: commandTopic,
		wildcard:     strings.ContainsAny(statusTopic, "#+"),
		liveness:     cfg.LivenessWindow(),
		state:        make(map[string]any),
	}, nil
}

// Register adds the MQTT constructor to a protocol registry.
func Register(r *protocol.Registry) error {
	return r.Register(types.ProtocolMQTT, New)
}

// resolveTopic expands the {name} and {device_id} placeholders.
func resolveTopic(template, fallback string, cfg types.SensorConfig) string {
	if template == "" {
		template = fallback
	}
	template = strings.ReplaceAll(template, "{name}", cfg.Name)
	return strings.ReplaceAll(template, "{device_id}", cfg.DeviceID)
}

// Connect subscribes this sensor's status topic on the shared session.
// Repeated calls re-acquire the same subscription, which the session treats
// as a replace, so nothing leaks.
func (s *Sensor) Connect(_ context.Context) (bool, error) {
	if err := s.session.Acquire(s.cfg.Name, s.statusTopic, s.onMessage); err != nil {
		return false, err
	}

	s.stateMu.Lock()
	s.acquired = true
	s.stateMu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), true)
	}
	s.deps.Logger.Info("mqtt sensor subscribed",
		"sensor", s.cfg.Name, "topic", s.statusTopic, "wildcard", s.wildcard)
	return true, nil
}

// Disconnect releases this sensor's subscription. Idempotent.
func (s *Sensor) Disconnect(_ context.Context) error {
	s.session.ReleaseSub(s.cfg.Name)

	s.stateMu.Lock()
	s.acquired = false
	s.stateMu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), false)
	}
	return nil
}

// ReadData returns the aggregated RAM state while it is within the liveness
// window. Silence beyond the window is the staleness signal: the read comes
// back as an error and the sensor reports disconnected until a fresh
// message arrives.
func (s *Sensor) ReadData(_ context.Context) types.SensorData {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if len(s.state) == 0 {
		return types.Errorf(s.cfg.Name, "no data received on %s yet", s.statusTopic)
	}
	if age := time.Since(s.lastMessage); age > s.liveness {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), false)
		}
		return types.Errorf(s.cfg.Name, "data is stale: last message %s ago exceeds %s window",
			age.Round(time.Second), s.liveness)
	}

	data := make(map[string]any, len(s.state))
	for k, v := range s.state {
		data[k] = v
	}
	reading := types.OK(s.cfg.Name, data)
	reading.Timestamp = s.lastMessage
	return reading
}

// IsConnected combines the session's broker link with this sensor's
// freshness: a silent sensor on a healthy broker is still down.
func (s *Sensor) IsConnected(_ context.Context) bool {
	return s.Connected()
}

// ExecuteAction publishes the action descriptor to the command topic at
// QoS 1. Descriptors that are not valid JSON are wrapped as a command
// object before publishing.
func (s *Sensor) ExecuteAction(_ context.Context, name, descriptor string) types.ActionResult {
	payload := []byte(descriptor)
	if !json.Valid(payload) {
		wrapped, err := json.Marshal(map[string]string{"command": descriptor})
		if err != nil {
			return types.ActionFailure("action %q descriptor encode failed: %v", name, err)
		}
		payload = wrapped
	}

	if err := s.session.Publish(s.commandTopic, payload, 1); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordAction(s.cfg.Name, name, types.StatusError)
		}
		return types.ActionFailure("action %q publish to %s failed: %v", name, s.commandTopic, err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordAction(s.cfg.Name, name, types.StatusOK)
	}
	return types.ActionResult{Success: true, Data: map[string]any{"topic": s.commandTopic}}
}

// Connected is true while subscribed, the broker link holds, and the last
// message is inside the liveness window (or nothing arrived yet right after
// subscribing).
func (s *Sensor) Connected() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.acquired || !s.session.Connected() {
		return false
	}
	if s.lastMessage.IsZero() {
		return true
	}
	return time.Since(s.lastMessage) <= s.liveness
}

// LastUpdate returns when the last message arrived.
func (s *Sensor) LastUpdate() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastMessage
}

// StatusTopic returns the resolved subscription pattern.
func (s *Sensor) StatusTopic() string {
	return s.statusTopic
}

// onMessage folds one inbound message into the RAM state. Runs on the
// session dispatch goroutine.
func (s *Sensor) onMessage(topic string, payload []byte, retained bool) {
	value := coercePayload(payload)

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	// Retained messages replay the broker's memory, not the device's
	// present. Accept them only to bootstrap empty state or while the
	// sensor is demonstrably alive; otherwise they would resurrect old
	// values after an outage.
	if retained && len(s.state) > 0 && time.Since(s.lastMessage) > s.liveness {
		s.deps.Logger.Debug("discarding stale retained message",
			"sensor", s.cfg.Name, "topic", topic)
		return
	}

	if s.wildcard {
		// Aggregate by trailing topic segment so one wildcard subscription
		// builds a merged view of related topics.
		segments := strings.Split(topic, "/")
		key := segments[len(segments)-1]
		s.state[key] = value
	} else if obj, ok := value.(map[string]any); ok {
		s.state = obj
	} else {
		s.state = map[string]any{"value": value}
	}
	s.lastMessage = time.Now()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), true)
	}
}

// coercePayload interprets a payload as JSON, then float, then int, then
// raw string.
func coercePayload(payload []byte) any {
	text := strings.TrimSpace(string(payload))

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	if n, err := strconv.Atoi(text); err == nil {
		return n
	}
	return text
}
