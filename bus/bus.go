// Package bus publishes successful readings to NATS for downstream
// consumers. The publisher is optional: with no URL configured it becomes a
// no-op, so ingestion never depends on the bus being there.
package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/metric"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// subjectPrefix scopes all reading subjects: sensors.data.<sensor name>.
const subjectPrefix = "sensors.data."

// Publisher forwards readings to NATS. A nil Publisher is safe to call.
type Publisher struct {
	conn    *nats.Conn
	logger  *slog.Logger
	metrics *metric.Registry
}

// Connect dials the NATS server with retry. An empty url returns a nil
// Publisher, which disables publishing.
func Connect(url string, logger *slog.Logger, metrics *metric.Registry) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	var conn *nats.Conn
	dial := func() error {
		var err error
		conn, err = nats.Connect(url,
			nats.Name("smarthome-bus"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("bus disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("bus reconnected", "url", nc.ConnectedUrl())
			}),
		)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, errors.WrapTransient(err, "Publisher", "Connect", "dial nats")
	}

	logger.Info("bus connected", "url", url)
	return &Publisher{conn: conn, logger: logger, metrics: metrics}, nil
}

// PublishReading sends a reading to sensors.data.<name>. Nil receiver is a
// no-op so callers never need to branch on bus presence.
func (p *Publisher) PublishReading(reading types.SensorData) error {
	if p == nil {
		return nil
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "PublishReading", "encode reading")
	}
	subject := subjectPrefix + reading.SensorName
	if err := p.conn.Publish(subject, payload); err != nil {
		return errors.WrapTransient(err, "Publisher", "PublishReading", "publish reading")
	}
	if p.metrics != nil {
		p.metrics.BusPublished.WithLabelValues(subject).Inc()
	}
	return nil
}

// Close drains the connection. Nil receiver is a no-op.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("bus drain failed", "error", err)
		p.conn.Close()
	}
}
