package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/metric"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// Retention applies a time-horizon policy over the Store: readings older
// than the configured window are exported to day-partitioned JSON archives
// and then removed. A day's records are deleted only after its export file
// is durably written, so an export failure never loses data.
type Retention struct {
	store     *Store
	window    time.Duration
	backupDir string
	logger    *slog.Logger
	metrics   *metric.Registry
}

// archiveEnvelope is the on-disk export format.
type archiveEnvelope struct {
	ExportDate   string             `json:"exportDate"`
	StartDate    string             `json:"startDate"`
	EndDate      string             `json:"endDate"`
	SensorName   string             `json:"sensorName"`
	TotalRecords int                `json:"totalRecords"`
	Data         []types.SensorData `json:"data"`
}

// NewRetention builds a Retention policy keeping readings for window and
// archiving expired ones under backupDir.
func NewRetention(store *Store, window time.Duration, backupDir string, logger *slog.Logger, metrics *metric.Registry) (*Retention, error) {
	if window <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("retention window %v must be positive", window),
			"Retention", "NewRetention", "validate window")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store:     store,
		window:    window,
		backupDir: backupDir,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Window returns the configured retention window.
func (r *Retention) Window() time.Duration {
	return r.window
}

// Save stores a reading and then enforces the horizon for that sensor.
// Archival failure is logged, never surfaced: a sensor reading must not be
// rejected because the backup disk is unhappy.
func (r *Retention) Save(reading types.SensorData) error {
	if err := r.store.SaveReading(reading); err != nil {
		return err
	}
	if err := r.archiveSensor(reading.SensorName, time.Now().Add(-r.window)); err != nil {
		r.logger.Error("archival after save failed",
			"sensor", reading.SensorName, "error", err)
	}
	return nil
}

// Cleanup enforces the horizon across every sensor with stored readings.
// Per-sensor failures are logged and the sweep continues; the first error
// is returned so callers can observe degraded runs.
func (r *Retention) Cleanup() error {
	sensors, err := r.store.SensorsWithReadings()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-r.window)

	var firstErr error
	for _, sensor := range sensors {
		if err := r.archiveSensor(sensor, cutoff); err != nil {
			r.logger.Error("retention sweep failed for sensor",
				"sensor", sensor, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// archiveSensor exports and deletes all readings for sensor older than
// cutoff, one day-partition at a time. Days whose export fails keep their
// records; remaining days still proceed.
func (r *Retention) archiveSensor(sensor string, cutoff time.Time) error {
	expired, err := r.store.ReadingsBefore(sensor, cutoff)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	byDay := make(map[string][]types.SensorData)
	for _, reading := range expired {
		day := reading.Timestamp.UTC().Format("2006-01-02")
		byDay[day] = append(byDay[day], reading)
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	var firstErr error
	for _, day := range days {
		records := byDay[day]
		if err := r.exportDay(sensor, day, records); err != nil {
			r.logger.Error("day export failed, keeping records",
				"sensor", sensor, "day", day, "records", len(records), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dayStart, _ := time.Parse("2006-01-02", day)
		// The delete is bounded at the cutoff: on the boundary day only the
		// exported readings go, everything still inside the window stays.
		deleted, err := r.store.DeleteDay(sensor, dayStart, cutoff)
		if err != nil {
			r.logger.Error("post-export delete failed",
				"sensor", sensor, "day", day, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.ReadingsArchived.WithLabelValues(sensor).Add(float64(deleted))
		}
		r.logger.Info("archived sensor readings",
			"sensor", sensor, "day", day, "records", deleted)
	}
	return firstErr
}

// exportDay writes one day's readings to
// <backupDir>/<day>/<sensor>_<day>.json via a temp file and rename.
func (r *Retention) exportDay(sensor, day string, records []types.SensorData) error {
	dir := filepath.Join(r.backupDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapTransient(err, "Retention", "exportDay", "create archive directory")
	}

	envelope := archiveEnvelope{
		ExportDate:   time.Now().UTC().Format(time.RFC3339),
		StartDate:    records[0].Timestamp.UTC().Format(time.RFC3339),
		EndDate:      records[len(records)-1].Timestamp.UTC().Format(time.RFC3339),
		SensorName:   sensor,
		TotalRecords: len(records),
		Data:         records,
	}
	payload, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Retention", "exportDay", "encode archive")
	}

	final := filepath.Join(dir, fmt.Sprintf("%s_%s.json", sensor, day))
	tmp, err := os.CreateTemp(dir, sensor+"_*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "Retention", "exportDay", "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapTransient(err, "Retention", "exportDay", "write archive")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapTransient(err, "Retention", "exportDay", "close archive")
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrExportFailed, err),
			"Retention", "exportDay", "finalize archive")
	}
	return nil
}
