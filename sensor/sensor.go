// Package sensor binds a validated configuration to a protocol instance.
// The Sensor is the unit the manager and scheduler operate on; exactly one
// protocol instance exists per sensor and owns its transport resources.
package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// Sensor is one configured device with its bound transport.
type Sensor struct {
	cfg   types.SensorConfig
	proto protocol.Protocol

	mu      sync.Mutex
	enabled bool
}

// New validates cfg and builds the sensor with its protocol from the
// registry. A bad config rejects this sensor only; the caller continues
// with the rest.
func New(cfg types.SensorConfig, registry *protocol.Registry, deps protocol.Dependencies) (*Sensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Sensor", "New", "validate config")
	}
	proto, err := registry.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &Sensor{cfg: cfg, proto: proto, enabled: cfg.Enabled}, nil
}

// Name returns the sensor's unique name.
func (s *Sensor) Name() string { return s.cfg.Name }

// Config returns a copy of the sensor's configuration.
func (s *Sensor) Config() types.SensorConfig { return s.cfg.Clone() }

// Protocol exposes the bound transport.
func (s *Sensor) Protocol() protocol.Protocol { return s.proto }

// Enabled reports whether the sensor participates in polling and reads.
func (s *Sensor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled flips the enabled flag and reports whether it changed.
func (s *Sensor) SetEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == enabled {
		return false
	}
	s.enabled = enabled
	return true
}

// Connect delegates to the protocol.
func (s *Sensor) Connect(ctx context.Context) (bool, error) {
	return s.proto.Connect(ctx)
}

// Disconnect delegates to the protocol.
func (s *Sensor) Disconnect(ctx context.Context) error {
	return s.proto.Disconnect(ctx)
}

// ReadData reads through the protocol. Disabled sensors answer with an
// error reading instead of touching the transport.
func (s *Sensor) ReadData(ctx context.Context) types.SensorData {
	if !s.Enabled() {
		return types.Errorf(s.cfg.Name, "sensor is disabled")
	}
	return s.proto.ReadData(ctx)
}

// ExecuteAction looks the action name up in the configuration and runs it
// through the protocol. An unknown name is the caller's mistake and comes
// back as ErrActionUnknown, distinct from transport failures.
func (s *Sensor) ExecuteAction(ctx context.Context, name string) (types.ActionResult, error) {
	descriptor, ok := s.cfg.Actions[name]
	if !ok {
		return types.ActionResult{}, errors.WrapInvalid(
			fmt.Errorf("sensor %q action %q: %w", s.cfg.Name, name, errors.ErrActionUnknown),
			"Sensor", "ExecuteAction", "resolve action")
	}
	return s.proto.ExecuteAction(ctx, name, descriptor), nil
}

// Status snapshots the sensor's runtime state. With live set the protocol
// is actively probed; otherwise the cached connection flag is used.
func (s *Sensor) Status(ctx context.Context, live bool) types.SensorStatus {
	connected := s.proto.Connected()
	if live {
		connected = s.proto.IsConnected(ctx)
	}

	status := types.SensorStatus{
		Name:      s.cfg.Name,
		Protocol:  s.cfg.Protocol,
		IP:        s.cfg.IP,
		Port:      s.cfg.Port,
		Connected: connected,
		Enabled:   s.Enabled(),
		Actions:   s.cfg.Actions,
	}
	if last := s.proto.LastUpdate(); !last.IsZero() {
		status.LastUpdate = &last
	}
	return status
}

// Pollable reports whether the scheduler should run a loop for this
// sensor: enabled, a positive interval, and a pull-based transport. MQTT
// is push-only; double-polling it would race the receive loop.
func (s *Sensor) Pollable() bool {
	return s.Enabled() &&
		s.cfg.PollInterval() > 0 &&
		s.cfg.Protocol != types.ProtocolMQTT
}

// PollInterval returns the configured polling cadence.
func (s *Sensor) PollInterval() time.Duration {
	return s.cfg.PollInterval()
}
