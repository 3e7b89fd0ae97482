// Package types holds the shared domain types for the sensor connectivity
// core: sensor configuration, readings, statuses and action results. It is a
// leaf package with no dependencies on the rest of the module.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ProtocolKind identifies the transport a sensor speaks.
type ProtocolKind string

// Supported protocol kinds.
const (
	ProtocolHTTP      ProtocolKind = "http"
	ProtocolWebSocket ProtocolKind = "websocket"
	ProtocolMQTT      ProtocolKind = "mqtt"
)

// String returns the lowercase protocol name.
func (k ProtocolKind) String() string {
	return string(k)
}

// Valid reports whether the protocol kind is one of the supported values.
func (k ProtocolKind) Valid() bool {
	switch k {
	case ProtocolHTTP, ProtocolWebSocket, ProtocolMQTT:
		return true
	}
	return false
}

// SensorConfig describes one sensor as declared by the configuration layer.
// A config is immutable after sensor construction; updates go through the
// manager as remove+recreate with a merged config.
type SensorConfig struct {
	Name     string       `json:"name"`
	Protocol ProtocolKind `json:"protocol"`

	// HTTP / WebSocket transport fields.
	IP         string `json:"ip,omitempty"`
	Port       int    `json:"port,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`    // HTTP path, default "/"
	HTTPScheme string `json:"http_scheme,omitempty"` // "http" or "https", default "http"
	Path       string `json:"path,omitempty"`        // WebSocket listener path, default "/"

	// MQTT transport fields. Topic templates may contain the {name} and
	// {device_id} placeholders.
	TopicStatus  string `json:"topic_status,omitempty"`
	TopicCommand string `json:"topic_command,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`

	// Actions maps an action name to a transport-specific descriptor:
	// an URL path for HTTP sensors, a JSON command payload for MQTT sensors.
	Actions map[string]string `json:"actions,omitempty"`

	Enabled             bool `json:"enabled"`
	PollIntervalSeconds int  `json:"poll_interval_seconds,omitempty"` // 0 means no polling
	TimeoutSeconds      int  `json:"timeout_seconds,omitempty"`

	// LivenessSeconds bounds how old pushed data may be before an MQTT
	// sensor is considered stale. 0 means the 120s default.
	LivenessSeconds int `json:"liveness_seconds,omitempty"`
}

// Validate checks the per-protocol invariants of a sensor configuration.
func (c *SensorConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("sensor name is required")
	}
	if !c.Protocol.Valid() {
		return fmt.Errorf("sensor %q: unknown protocol %q", c.Name, c.Protocol)
	}
	switch c.Protocol {
	case ProtocolHTTP, ProtocolWebSocket:
		if c.IP == "" {
			return fmt.Errorf("sensor %q: ip is required for %s sensors", c.Name, c.Protocol)
		}
	case ProtocolMQTT:
		if c.DeviceID == "" {
			return fmt.Errorf("sensor %q: device_id is required for mqtt sensors", c.Name)
		}
	}
	if c.HTTPScheme != "" && c.HTTPScheme != "http" && c.HTTPScheme != "https" {
		return fmt.Errorf("sensor %q: http_scheme must be http or https, got %q", c.Name, c.HTTPScheme)
	}
	if c.PollIntervalSeconds < 0 {
		return fmt.Errorf("sensor %q: poll interval cannot be negative", c.Name)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("sensor %q: timeout cannot be negative", c.Name)
	}
	if c.LivenessSeconds < 0 {
		return fmt.Errorf("sensor %q: liveness window cannot be negative", c.Name)
	}
	return nil
}

// Timeout returns the configured request timeout, defaulting to 10s.
func (c *SensorConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LivenessWindow returns how old pushed data may be before it counts as
// stale, defaulting to 120s.
func (c *SensorConfig) LivenessWindow() time.Duration {
	if c.LivenessSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.LivenessSeconds) * time.Second
}

// PollInterval returns the polling interval, or zero when polling is disabled.
func (c *SensorConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Clone returns a deep copy of the config.
func (c *SensorConfig) Clone() SensorConfig {
	out := *c
	if c.Actions != nil {
		out.Actions = make(map[string]string, len(c.Actions))
		for k, v := range c.Actions {
			out.Actions[k] = v
		}
	}
	return out
}

// Reading status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// SensorData is a single normalized reading produced by a protocol's
// ReadData or by a push receive loop. It is an immutable value.
type SensorData struct {
	SensorName string         `json:"sensor_name"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
}

// OK builds a successful reading stamped with the current time.
func OK(sensorName string, data map[string]any) SensorData {
	if data == nil {
		data = map[string]any{}
	}
	return SensorData{
		SensorName: sensorName,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Status:     StatusOK,
	}
}

// Errorf builds an error reading. Transport failures never escape a
// protocol's ReadData; they are captured here instead.
func Errorf(sensorName, format string, args ...any) SensorData {
	return SensorData{
		SensorName: sensorName,
		Timestamp:  time.Now().UTC(),
		Data:       map[string]any{},
		Status:     StatusError,
		Error:      fmt.Sprintf(format, args...),
	}
}

// ActionResult is the structured outcome of executing a sensor action.
// Transport errors are reported here, never raised to the caller.
type ActionResult struct {
	Success    bool           `json:"success"`
	StatusCode int            `json:"status_code,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ActionFailure builds a failed ActionResult with a formatted error.
func ActionFailure(format string, args ...any) ActionResult {
	return ActionResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// SensorStatus is a point-in-time snapshot of a sensor's runtime state,
// as returned by the management layer.
type SensorStatus struct {
	Name       string            `json:"name"`
	Protocol   ProtocolKind      `json:"protocol"`
	IP         string            `json:"ip,omitempty"`
	Port       int               `json:"port,omitempty"`
	Connected  bool              `json:"connected"`
	LastUpdate *time.Time        `json:"last_update,omitempty"`
	Enabled    bool              `json:"enabled"`
	Actions    map[string]string `json:"actions,omitempty"`
}
