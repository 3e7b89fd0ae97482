package config

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// Sensor declaration defaults.
const (
	DefaultPollIntervalSeconds = 5
	DefaultTimeoutSeconds      = 10
)

// LoadSensorFile reads a JSON array of sensor configurations from path.
// Invalid records are logged and skipped so that one bad declaration never
// aborts startup; the error return covers file-level failures only.
func LoadSensorFile(path string, logger *slog.Logger) ([]types.SensorConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "LoadSensorFile", "read sensor file")
	}
	return ParseSensors(raw, logger)
}

// ParseSensors decodes and validates sensor declarations, applying defaults
// for unset poll intervals and timeouts. The order of valid records is
// preserved.
func ParseSensors(raw []byte, logger *slog.Logger) ([]types.SensorConfig, error) {
	var declared []struct {
		types.SensorConfig
		// Distinguish "absent" from explicit zero for the defaultable fields.
		PollIntervalSeconds *int  `json:"poll_interval_seconds"`
		TimeoutSeconds      *int  `json:"timeout_seconds"`
		Enabled             *bool `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &declared); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "ParseSensors", "decode sensor file")
	}

	configs := make([]types.SensorConfig, 0, len(declared))
	for _, d := range declared {
		cfg := d.SensorConfig
		if d.PollIntervalSeconds != nil {
			cfg.PollIntervalSeconds = *d.PollIntervalSeconds
		} else {
			cfg.PollIntervalSeconds = DefaultPollIntervalSeconds
		}
		if d.TimeoutSeconds != nil {
			cfg.TimeoutSeconds = *d.TimeoutSeconds
		} else {
			cfg.TimeoutSeconds = DefaultTimeoutSeconds
		}
		if d.Enabled != nil {
			cfg.Enabled = *d.Enabled
		} else {
			cfg.Enabled = true
		}

		if err := cfg.Validate(); err != nil {
			logger.Warn("skipping invalid sensor declaration",
				"sensor", cfg.Name,
				"error", err)
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
