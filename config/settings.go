// Package config supplies the environment-derived runtime settings and the
// sensor declaration file loading for the sensor core. Settings are read once
// at construction and never reloaded.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultBrokerHost = "mosquitto"
	DefaultBrokerPort = 1883
	DefaultPortMin    = 9000
	DefaultPortMax    = 9999
	DefaultRetention  = 24 * time.Hour
	DefaultBackupDir  = "backups"
	DefaultDataDir    = "data"
)

// Settings holds process-wide configuration derived from the environment.
type Settings struct {
	// MQTT broker endpoint shared by all MQTT sensors.
	BrokerHost string
	BrokerPort int

	// Inclusive TCP port range for WebSocket listener sensors.
	PortMin int
	PortMax int

	// RetentionHorizon is the age beyond which readings are archived to
	// file and purged from the live store.
	RetentionHorizon time.Duration

	// BackupDir receives the per-day export files.
	BackupDir string

	// DataDir holds the document store.
	DataDir string

	// NATSURL enables downstream publishing of readings when non-empty.
	NATSURL string
}

// FromEnv builds Settings from the process environment, applying defaults.
// RETENTION_MINUTES overrides RETENTION_HOURS and exists for tests and
// short-window deployments.
func FromEnv() (Settings, error) {
	s := Settings{
		BrokerHost:       envString("MQTT_BROKER_HOST", DefaultBrokerHost),
		BackupDir:        envString("BACKUP_DIR", DefaultBackupDir),
		DataDir:          envString("DATA_DIR", DefaultDataDir),
		NATSURL:          os.Getenv("NATS_URL"),
		RetentionHorizon: DefaultRetention,
	}

	var err error
	if s.BrokerPort, err = envInt("MQTT_BROKER_PORT", DefaultBrokerPort); err != nil {
		return Settings{}, err
	}
	if s.PortMin, err = envInt("WEBSOCKET_PORT_MIN", DefaultPortMin); err != nil {
		return Settings{}, err
	}
	if s.PortMax, err = envInt("WEBSOCKET_PORT_MAX", DefaultPortMax); err != nil {
		return Settings{}, err
	}

	if hours, err := envInt("RETENTION_HOURS", 0); err != nil {
		return Settings{}, err
	} else if hours > 0 {
		s.RetentionHorizon = time.Duration(hours) * time.Hour
	}
	if minutes, err := envInt("RETENTION_MINUTES", 0); err != nil {
		return Settings{}, err
	} else if minutes > 0 {
		s.RetentionHorizon = time.Duration(minutes) * time.Minute
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	if s.BrokerPort < 1 || s.BrokerPort > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("broker port %d out of range", s.BrokerPort),
			"Settings", "Validate", "check broker port")
	}
	if s.PortMin < 1024 || s.PortMax > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port range %d-%d must be within 1024-65535", s.PortMin, s.PortMax),
			"Settings", "Validate", "check port range")
	}
	if s.PortMin >= s.PortMax {
		return errors.WrapInvalid(
			fmt.Errorf("port range min %d must be below max %d", s.PortMin, s.PortMax),
			"Settings", "Validate", "check port range")
	}
	if s.RetentionHorizon <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("retention horizon must be positive, got %v", s.RetentionHorizon),
			"Settings", "Validate", "check retention horizon")
	}
	return nil
}

// BrokerAddr returns the broker endpoint as host:port.
func (s Settings) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", s.BrokerHost, s.BrokerPort)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Settings", "FromEnv", fmt.Sprintf("parse %s", key))
	}
	return n, nil
}
