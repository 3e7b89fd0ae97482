package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryGathers(t *testing.T) {
	r := NewRegistry()

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecordConnected(t *testing.T) {
	r := NewRegistry()

	r.RecordConnected("temp", "http", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SensorConnected.WithLabelValues("temp", "http")))

	r.RecordConnected("temp", "http", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.SensorConnected.WithLabelValues("temp", "http")))
}

func TestRecordRead(t *testing.T) {
	r := NewRegistry()

	r.RecordRead("temp", "ok", 25*time.Millisecond)
	r.RecordRead("temp", "ok", 30*time.Millisecond)
	r.RecordRead("temp", "error", 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.SensorReads.WithLabelValues("temp", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SensorReads.WithLabelValues("temp", "error")))
}

func TestRecordAction(t *testing.T) {
	r := NewRegistry()

	r.RecordAction("relay", "turn_on", "ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ActionsExecuted.WithLabelValues("relay", "turn_on", "ok")))
}
