// Package polling runs one read loop per pull-based sensor. Loops are
// independent: each reads, persists, notifies, publishes, then sleeps its
// own interval. A loop never dies on error; the catch-log-sleep in the body
// is the last line of defense.
package polling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ermannoGirardo/edoxb-smart-home/metric"
	"github.com/ermannoGirardo/edoxb-smart-home/sensor"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// Sink persists readings. Satisfied by store.Retention.
type Sink interface {
	Save(reading types.SensorData) error
}

// Notifier is the automation hook invoked on every successful reading.
// Its errors are caught and logged; it must never break ingestion.
type Notifier interface {
	OnSensorData(ctx context.Context, sensorName string, reading types.SensorData)
}

// BusPublisher forwards readings downstream. Satisfied by bus.Publisher.
type BusPublisher interface {
	PublishReading(reading types.SensorData) error
}

type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the poll loops. Safe for concurrent use; at most one
// active loop per sensor name.
type Scheduler struct {
	logger   *slog.Logger
	metrics  *metric.Registry
	sink     Sink
	notifier Notifier
	bus      BusPublisher

	mu      sync.Mutex
	ctx     context.Context
	tasks   map[string]*pollTask
	started bool
}

// NewScheduler builds a Scheduler. notifier and bus may be nil.
func NewScheduler(sink Sink, notifier Notifier, bus BusPublisher, logger *slog.Logger, metrics *metric.Registry) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		metrics:  metrics,
		sink:     sink,
		notifier: notifier,
		bus:      bus,
		tasks:    make(map[string]*pollTask),
	}
}

// Start spawns loops for every pollable sensor. ctx cancellation stops all
// loops.
func (s *Scheduler) Start(ctx context.Context, sensors []*sensor.Sensor) {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()

	for _, sn := range sensors {
		s.StartSensor(sn)
	}
}

// StartSensor spawns a loop for one sensor if it is pollable and has no
// loop yet. Safe to call while the scheduler runs; enabling a sensor later
// starts its loop immediately.
func (s *Scheduler) StartSensor(sn *sensor.Sensor) {
	if !sn.Pollable() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if _, running := s.tasks[sn.Name()]; running {
		return
	}

	loopCtx, cancel := context.WithCancel(s.ctx)
	task := &pollTask{cancel: cancel, done: make(chan struct{})}
	s.tasks[sn.Name()] = task

	go s.run(loopCtx, sn, task)
	s.logger.Info("poll loop started", "sensor", sn.Name(), "interval", sn.PollInterval())
}

// StopSensor cancels a sensor's loop and waits for it to finish, so no
// in-flight read touches a protocol that is being torn down.
func (s *Scheduler) StopSensor(name string) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	task.cancel()
	<-task.done
	s.logger.Info("poll loop stopped", "sensor", name)
}

// Stop cancels every loop and waits for all of them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*pollTask)
	s.started = false
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

// Running reports whether a loop is active for name.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// run is one sensor's loop. Reads are strictly sequential within it.
func (s *Scheduler) run(ctx context.Context, sn *sensor.Sensor, task *pollTask) {
	defer close(task.done)

	interval := sn.PollInterval()
	for {
		s.pollOnce(ctx, sn)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// pollOnce runs one loop body with panic containment.
func (s *Scheduler) pollOnce(ctx context.Context, sn *sensor.Sensor) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("poll iteration panicked", "sensor", sn.Name(), "panic", r)
			if s.metrics != nil {
				s.metrics.PollErrors.WithLabelValues(sn.Name()).Inc()
			}
		}
	}()

	reading := sn.ReadData(ctx)

	if err := s.sink.Save(reading); err != nil {
		s.logger.Error("persisting reading failed", "sensor", sn.Name(), "error", err)
		if s.metrics != nil {
			s.metrics.PollErrors.WithLabelValues(sn.Name()).Inc()
		}
	}

	if reading.Status != types.StatusOK {
		s.logger.Warn("poll returned error reading", "sensor", sn.Name(), "error", reading.Error)
		if s.metrics != nil {
			s.metrics.PollErrors.WithLabelValues(sn.Name()).Inc()
		}
		return
	}

	if s.notifier != nil {
		s.notifier.OnSensorData(ctx, sn.Name(), reading)
	}
	if s.bus != nil {
		if err := s.bus.PublishReading(reading); err != nil {
			s.logger.Warn("bus publish failed", "sensor", sn.Name(), "error", err)
		}
	}
}
