// Package manager is the management surface over the sensor fleet: it owns
// the sensor map, builds sensors from configs, persists configuration
// documents, and coordinates the polling scheduler, retention store, shared
// MQTT session, and downstream bus.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ermannoGirardo/edoxb-smart-home/automation"
	"github.com/ermannoGirardo/edoxb-smart-home/bus"
	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/metric"
	"github.com/ermannoGirardo/edoxb-smart-home/polling"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/sensor"
	"github.com/ermannoGirardo/edoxb-smart-home/store"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// liveCheckTimeout bounds each sensor's probe during a live status fan-out
// so one dead device cannot stall the whole status response.
const liveCheckTimeout = 1500 * time.Millisecond

// ConfigStore is the slice of the document store the manager needs for
// sensor configuration persistence.
type ConfigStore interface {
	SaveSensorConfig(cfg types.SensorConfig) error
	DeleteSensorConfig(name string) error
	SensorConfigs() ([]types.SensorConfig, error)
}

// Manager owns the sensor fleet. All operations are safe to call
// concurrently with each other and with the polling scheduler.
type Manager struct {
	registry  *protocol.Registry
	deps      protocol.Dependencies
	configs   ConfigStore
	retention *store.Retention
	scheduler *polling.Scheduler
	bus       *bus.Publisher
	notifier  automation.Notifier
	logger    *slog.Logger
	metrics   *metric.Registry

	mu      sync.RWMutex
	sensors map[string]*sensor.Sensor
}

// Options bundles the manager's collaborators. Bus, notifier, configs and
// metrics may be nil.
type Options struct {
	Registry  *protocol.Registry
	Deps      protocol.Dependencies
	Configs   ConfigStore
	Retention *store.Retention
	Scheduler *polling.Scheduler
	Bus       *bus.Publisher
	Notifier  automation.Notifier
	Logger    *slog.Logger
	Metrics   *metric.Registry
}

// New builds an empty Manager.
func New(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("a protocol registry is required"),
			"Manager", "New", "validate options")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:  opts.Registry,
		deps:      opts.Deps,
		configs:   opts.Configs,
		retention: opts.Retention,
		scheduler: opts.Scheduler,
		bus:       opts.Bus,
		notifier:  opts.Notifier,
		logger:    logger,
		metrics:   opts.Metrics,
		sensors:   make(map[string]*sensor.Sensor),
	}, nil
}

// Load builds sensors from the given configs plus any persisted config
// documents not in the list. Invalid configs are logged and skipped; one
// bad sensor never aborts startup.
func (m *Manager) Load(configs []types.SensorConfig) {
	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		seen[cfg.Name] = struct{}{}
		if err := m.addSensor(cfg, true); err != nil {
			m.logger.Warn("skipping sensor", "sensor", cfg.Name, "error", err)
		}
	}

	if m.configs == nil {
		return
	}
	stored, err := m.configs.SensorConfigs()
	if err != nil {
		m.logger.Error("loading persisted sensor configs failed", "error", err)
		return
	}
	for _, cfg := range stored {
		if _, dup := seen[cfg.Name]; dup {
			continue
		}
		if err := m.addSensor(cfg, false); err != nil {
			m.logger.Warn("skipping persisted sensor", "sensor", cfg.Name, "error", err)
		}
	}
}

// List returns the sensor names in stable order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.sensors))
	for name := range m.sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns one sensor's snapshot. With live set the protocol is
// probed, bounded by the live-check timeout.
func (m *Manager) Status(ctx context.Context, name string, live bool) (types.SensorStatus, error) {
	sn, err := m.get(name)
	if err != nil {
		return types.SensorStatus{}, err
	}
	return m.statusOf(ctx, sn, live), nil
}

// StatusAll snapshots every sensor. Live probes fan out in parallel, each
// bounded independently, so the slowest device sets the response time, not
// the sum of all of them.
func (m *Manager) StatusAll(ctx context.Context, live bool) []types.SensorStatus {
	m.mu.RLock()
	sensors := make([]*sensor.Sensor, 0, len(m.sensors))
	for _, sn := range m.sensors {
		sensors = append(sensors, sn)
	}
	m.mu.RUnlock()

	statuses := make([]types.SensorStatus, len(sensors))
	var wg sync.WaitGroup
	for i, sn := range sensors {
		wg.Add(1)
		go func(i int, sn *sensor.Sensor) {
			defer wg.Done()
			statuses[i] = m.statusOf(ctx, sn, live)
		}(i, sn)
	}
	wg.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// ReadData reads one sensor on demand.
func (m *Manager) ReadData(ctx context.Context, name string) (types.SensorData, error) {
	sn, err := m.get(name)
	if err != nil {
		return types.SensorData{}, err
	}
	return sn.ReadData(ctx), nil
}

// Enable turns a sensor on and starts its poll loop if it is pollable.
func (m *Manager) Enable(ctx context.Context, name string) error {
	sn, err := m.get(name)
	if err != nil {
		return err
	}
	if sn.SetEnabled(true) {
		m.persistConfig(sn)
	}
	if _, err := sn.Connect(ctx); err != nil {
		m.logger.Warn("connect on enable failed", "sensor", name, "error", err)
	}
	if m.scheduler != nil {
		m.scheduler.StartSensor(sn)
	}
	return nil
}

// Disable stops a sensor's poll loop and marks it disabled. The transport
// stays up so live status checks keep working.
func (m *Manager) Disable(_ context.Context, name string) error {
	sn, err := m.get(name)
	if err != nil {
		return err
	}
	if m.scheduler != nil {
		m.scheduler.StopSensor(name)
	}
	if sn.SetEnabled(false) {
		m.persistConfig(sn)
	}
	return nil
}

// Add creates a sensor from cfg, connects it, and starts its poll loop.
func (m *Manager) Add(ctx context.Context, cfg types.SensorConfig) error {
	if err := m.addSensor(cfg, true); err != nil {
		return err
	}
	sn, err := m.get(cfg.Name)
	if err != nil {
		return err
	}
	if sn.Enabled() {
		m.connectSensor(ctx, sn)
	}
	if m.scheduler != nil {
		m.scheduler.StartSensor(sn)
	}
	return nil
}

// Remove stops, disconnects, and drops a sensor along with its persisted
// config document.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	sn, ok := m.sensors[name]
	if ok {
		delete(m.sensors, name)
	}
	m.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("sensor %q: %w", name, errors.ErrSensorNotFound),
			"Manager", "Remove", "sensor lookup")
	}

	if m.scheduler != nil {
		m.scheduler.StopSensor(name)
	}
	if err := sn.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect on remove failed", "sensor", name, "error", err)
	}
	if m.configs != nil {
		if err := m.configs.DeleteSensorConfig(name); err != nil {
			m.logger.Warn("deleting config document failed", "sensor", name, "error", err)
		}
	}
	m.logger.Info("sensor removed", "sensor", name)
	return nil
}

// Update applies a partial JSON patch over the sensor's current config and
// recreates it: remove, then add with the merged config. Fields absent from
// the patch keep their current values.
func (m *Manager) Update(ctx context.Context, name string, patch json.RawMessage) error {
	sn, err := m.get(name)
	if err != nil {
		return err
	}

	merged := sn.Config()
	if err := json.Unmarshal(patch, &merged); err != nil {
		return errors.WrapInvalid(err, "Manager", "Update", "decode patch")
	}
	if merged.Name != name {
		return errors.WrapInvalid(
			fmt.Errorf("patch must not rename sensor %q to %q", name, merged.Name),
			"Manager", "Update", "validate patch")
	}
	if err := merged.Validate(); err != nil {
		return errors.WrapInvalid(err, "Manager", "Update", "validate merged config")
	}

	if err := m.Remove(ctx, name); err != nil {
		return err
	}
	return m.Add(ctx, merged)
}

// ExecuteAction runs a named action on a sensor. An unknown sensor or
// action comes back as an Invalid error; transport failures come back
// inside the ActionResult.
func (m *Manager) ExecuteAction(ctx context.Context, sensorName, actionName string) (types.ActionResult, error) {
	sn, err := m.get(sensorName)
	if err != nil {
		return types.ActionResult{}, err
	}
	if !sn.Enabled() {
		return types.ActionResult{}, errors.WrapInvalid(
			fmt.Errorf("sensor %q: %w", sensorName, errors.ErrSensorDisabled),
			"Manager", "ExecuteAction", "check enabled")
	}
	return sn.ExecuteAction(ctx, actionName)
}

// StartPolling hands every registered sensor to the scheduler. Sensors
// that are disabled or push-based are filtered by the scheduler itself.
func (m *Manager) StartPolling() {
	if m.scheduler == nil {
		return
	}
	for _, sn := range m.snapshot() {
		m.scheduler.StartSensor(sn)
	}
}

// ConnectAll connects every enabled sensor. Per-sensor failures are logged
// and the rest proceed.
func (m *Manager) ConnectAll(ctx context.Context) {
	for _, sn := range m.snapshot() {
		if !sn.Enabled() {
			continue
		}
		m.connectSensor(ctx, sn)
	}
}

// DisconnectAll tears every transport down.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, sn := range m.snapshot() {
		if err := sn.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect failed", "sensor", sn.Name(), "error", err)
		}
	}
}

// FlushPushSensors persists the current state of every enabled push-based
// sensor. Run periodically so bursty MQTT traffic coalesces into bounded
// write volume instead of one write per message.
func (m *Manager) FlushPushSensors(ctx context.Context) {
	for _, sn := range m.snapshot() {
		if sn.Config().Protocol != types.ProtocolMQTT || !sn.Enabled() {
			continue
		}
		reading := sn.ReadData(ctx)
		if reading.Status != types.StatusOK {
			continue
		}
		if m.retention != nil {
			if err := m.retention.Save(reading); err != nil {
				m.logger.Error("flush save failed", "sensor", sn.Name(), "error", err)
				continue
			}
		}
		if m.notifier != nil {
			m.notifier.OnSensorData(ctx, sn.Name(), reading)
		}
		if err := m.bus.PublishReading(reading); err != nil {
			m.logger.Warn("flush publish failed", "sensor", sn.Name(), "error", err)
		}
	}
}

// Close stops polling and disconnects everything.
func (m *Manager) Close(ctx context.Context) {
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	m.DisconnectAll(ctx)
}

func (m *Manager) get(name string) (*sensor.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sn, ok := m.sensors[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("sensor %q: %w", name, errors.ErrSensorNotFound),
			"Manager", "get", "sensor lookup")
	}
	return sn, nil
}

func (m *Manager) snapshot() []*sensor.Sensor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*sensor.Sensor, 0, len(m.sensors))
	for _, sn := range m.sensors {
		out = append(out, sn)
	}
	return out
}

// addSensor builds and registers a sensor. With persist set the config
// document is written through to the store.
func (m *Manager) addSensor(cfg types.SensorConfig, persist bool) error {
	sn, err := sensor.New(cfg, m.registry, m.deps)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.sensors[cfg.Name]; exists {
		m.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("sensor %q: %w", cfg.Name, errors.ErrSensorExists),
			"Manager", "addSensor", "duplicate check")
	}
	m.sensors[cfg.Name] = sn
	m.mu.Unlock()

	if persist {
		m.persistConfig(sn)
	}
	m.logger.Info("sensor registered",
		"sensor", cfg.Name, "protocol", cfg.Protocol.String(), "enabled", sn.Enabled())
	return nil
}

// connectSensor connects one sensor and, for listener transports that were
// auto-assigned a port, writes the port back into the config document so
// the assignment survives restarts.
func (m *Manager) connectSensor(ctx context.Context, sn *sensor.Sensor) {
	ok, err := sn.Connect(ctx)
	if err != nil {
		m.logger.Error("connect failed", "sensor", sn.Name(), "error", err)
		return
	}
	if !ok {
		m.logger.Warn("sensor unreachable", "sensor", sn.Name())
		return
	}

	cfg := sn.Config()
	if cfg.Protocol == types.ProtocolWebSocket && cfg.Port == 0 && m.deps.Ports != nil {
		if port := m.deps.Ports.Port(sn.Name()); port != 0 && m.configs != nil {
			cfg.Port = port
			if err := m.configs.SaveSensorConfig(cfg); err != nil {
				m.logger.Warn("persisting assigned port failed",
					"sensor", sn.Name(), "port", port, "error", err)
			}
		}
	}
}

func (m *Manager) persistConfig(sn *sensor.Sensor) {
	if m.configs == nil {
		return
	}
	cfg := sn.Config()
	cfg.Enabled = sn.Enabled()
	if err := m.configs.SaveSensorConfig(cfg); err != nil {
		m.logger.Warn("persisting config failed", "sensor", sn.Name(), "error", err)
	}
}

// statusOf snapshots one sensor, bounding live probes and reporting the
// allocator's port for listener sensors that were auto-assigned one.
func (m *Manager) statusOf(ctx context.Context, sn *sensor.Sensor, live bool) types.SensorStatus {
	if live {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, liveCheckTimeout)
		defer cancel()
	}
	status := sn.Status(ctx, live)

	if status.Protocol == types.ProtocolWebSocket && status.Port == 0 && m.deps.Ports != nil {
		status.Port = m.deps.Ports.Port(status.Name)
	}
	return status
}
