// Package store persists sensor readings and sensor configuration documents
// in an embedded LevelDB database. Reading keys are ordered by sensor and
// timestamp so range scans per sensor are cheap.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

const (
	readingPrefix = "reading/"
	configPrefix  = "config/"

	// stampFormat is RFC3339Nano with a fixed-width fractional part so
	// lexicographic key order matches time order.
	stampFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store is a LevelDB-backed document store. Safe for concurrent use; the
// underlying database serializes writes.
type Store struct {
	db     *leveldb.DB
	logger *slog.Logger

	// seq disambiguates readings that share a timestamp.
	seq atomic.Uint64
}

// Open opens (or creates) the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "Store", "Close", "close database")
	}
	return nil
}

// readingKey builds "reading/<sensor>/<RFC3339Nano>/<seq>". RFC3339Nano with
// a fixed-width fractional part keeps lexicographic order aligned with time
// order, so the timestamp is normalized to UTC and padded.
func (s *Store) readingKey(sensor string, ts time.Time) []byte {
	stamp := ts.UTC().Format(stampFormat)
	return []byte(fmt.Sprintf("%s%s/%s/%016x", readingPrefix, sensor, stamp, s.seq.Add(1)))
}

// SaveReading appends one reading for its sensor.
func (s *Store) SaveReading(reading types.SensorData) error {
	if reading.SensorName == "" {
		return errors.WrapInvalid(
			fmt.Errorf("reading has no sensor name"),
			"Store", "SaveReading", "validate reading")
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now()
	}
	value, err := json.Marshal(reading)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "SaveReading", "encode reading")
	}
	if err := s.db.Put(s.readingKey(reading.SensorName, reading.Timestamp), value, nil); err != nil {
		return errors.WrapTransient(err, "Store", "SaveReading", "write reading")
	}
	return nil
}

// ReadingsBefore returns all readings for sensor strictly older than cutoff,
// in timestamp order.
func (s *Store) ReadingsBefore(sensor string, cutoff time.Time) ([]types.SensorData, error) {
	var out []types.SensorData
	iter := s.db.NewIterator(util.BytesPrefix([]byte(readingPrefix+sensor+"/")), nil)
	defer iter.Release()
	for iter.Next() {
		var reading types.SensorData
		if err := json.Unmarshal(iter.Value(), &reading); err != nil {
			s.logger.Warn("skipping undecodable reading",
				"sensor", sensor, "key", string(iter.Key()), "error", err)
			continue
		}
		if !reading.Timestamp.Before(cutoff) {
			// Keys are time-ordered; nothing further can qualify.
			break
		}
		out = append(out, reading)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "ReadingsBefore", "scan readings")
	}
	return out, nil
}

// DeleteDay removes readings for sensor on the given UTC day that are
// strictly older than before, and reports how many were deleted. Keys are
// time-ordered, so the deletion maps to one contiguous key range bounded at
// whichever comes first, the end of the day or the before mark. Readings on
// the day but at or past before are kept.
func (s *Store) DeleteDay(sensor string, day, before time.Time) (int, error) {
	start := []byte(fmt.Sprintf("%s%s/%s", readingPrefix, sensor, day.UTC().Format("2006-01-02")))
	limit := []byte(fmt.Sprintf("%s%s/%s", readingPrefix, sensor, day.UTC().AddDate(0, 0, 1).Format("2006-01-02")))
	if beforeKey := []byte(fmt.Sprintf("%s%s/%s", readingPrefix, sensor, before.UTC().Format(stampFormat))); bytes.Compare(beforeKey, limit) < 0 {
		limit = beforeKey
	}

	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, errors.WrapTransient(err, "Store", "DeleteDay", "scan day")
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, errors.WrapTransient(err, "Store", "DeleteDay", "delete day")
	}
	return batch.Len(), nil
}

// SensorsWithReadings lists the distinct sensor names that have at least one
// stored reading.
func (s *Store) SensorsWithReadings() ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte(readingPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), readingPrefix)
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" {
			continue
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "SensorsWithReadings", "scan readings")
	}
	return names, nil
}

// SaveSensorConfig upserts the configuration document for cfg.Name.
func (s *Store) SaveSensorConfig(cfg types.SensorConfig) error {
	value, err := json.Marshal(cfg)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "SaveSensorConfig", "encode config")
	}
	if err := s.db.Put([]byte(configPrefix+cfg.Name), value, nil); err != nil {
		return errors.WrapTransient(err, "Store", "SaveSensorConfig", "write config")
	}
	return nil
}

// SensorConfig loads the stored configuration document for name.
func (s *Store) SensorConfig(name string) (types.SensorConfig, error) {
	value, err := s.db.Get([]byte(configPrefix+name), nil)
	if err == leveldb.ErrNotFound {
		return types.SensorConfig{}, errors.WrapInvalid(
			fmt.Errorf("sensor %q: %w", name, errors.ErrSensorNotFound),
			"Store", "SensorConfig", "load config")
	} else if err != nil {
		return types.SensorConfig{}, errors.WrapTransient(err, "Store", "SensorConfig", "load config")
	}
	var cfg types.SensorConfig
	if err := json.Unmarshal(value, &cfg); err != nil {
		return types.SensorConfig{}, errors.Wrap(err, "Store", "SensorConfig", "decode config")
	}
	return cfg, nil
}

// SensorConfigs returns every stored configuration document.
func (s *Store) SensorConfigs() ([]types.SensorConfig, error) {
	var out []types.SensorConfig
	iter := s.db.NewIterator(util.BytesPrefix([]byte(configPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var cfg types.SensorConfig
		if err := json.Unmarshal(iter.Value(), &cfg); err != nil {
			s.logger.Warn("skipping undecodable sensor config",
				"key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, cfg)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "SensorConfigs", "scan configs")
	}
	return out, nil
}

// DeleteSensorConfig removes the configuration document for name. Deleting
// an absent document is not an error.
func (s *Store) DeleteSensorConfig(name string) error {
	if err := s.db.Delete([]byte(configPrefix+name), nil); err != nil {
		return errors.WrapTransient(err, "Store", "DeleteSensorConfig", "delete config")
	}
	return nil
}
