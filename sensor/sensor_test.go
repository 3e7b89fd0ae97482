package sensor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

type stubProtocol struct {
	connected  atomic.Bool
	lastUpdate time.Time
	reads      atomic.Int64
	probes     atomic.Int64
	actions    []string
}

func (p *stubProtocol) Connect(context.Context) (bool, error) {
	p.connected.Store(true)
	return true, nil
}

func (p *stubProtocol) Disconnect(context.Context) error {
	p.connected.Store(false)
	return nil
}

func (p *stubProtocol) ReadData(context.Context) types.SensorData {
	p.reads.Add(1)
	return types.OK("stub", map[string]any{"value": 1.0})
}

func (p *stubProtocol) IsConnected(context.Context) bool {
	p.probes.Add(1)
	return p.connected.Load()
}

func (p *stubProtocol) ExecuteAction(_ context.Context, name, descriptor string) types.ActionResult {
	p.actions = append(p.actions, name+":"+descriptor)
	return types.ActionResult{Success: true}
}

func (p *stubProtocol) Connected() bool       { return p.connected.Load() }
func (p *stubProtocol) LastUpdate() time.Time { return p.lastUpdate }

func newTestSensor(t *testing.T, mutate func(*types.SensorConfig)) (*Sensor, *stubProtocol) {
	t.Helper()
	stub := &stubProtocol{}
	registry := protocol.NewRegistry()
	ctor := func(types.SensorConfig, protocol.Dependencies) (protocol.Protocol, error) {
		return stub, nil
	}
	for _, kind := range []types.ProtocolKind{types.ProtocolHTTP, types.ProtocolWebSocket, types.ProtocolMQTT} {
		require.NoError(t, registry.Register(kind, ctor))
	}

	cfg := types.SensorConfig{
		Name:                "temp",
		Protocol:            types.ProtocolHTTP,
		IP:                  "10.0.0.5",
		Enabled:             true,
		PollIntervalSeconds: 5,
		Actions:             map[string]string{"reset": "/reset"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, registry, protocol.Dependencies{})
	require.NoError(t, err)
	return s, stub
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	registry := protocol.NewRegistry()

	_, err := New(types.SensorConfig{Protocol: types.ProtocolHTTP}, registry, protocol.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDisabledSensorDoesNotRead(t *testing.T) {
	s, stub := newTestSensor(t, nil)

	require.True(t, s.SetEnabled(false))
	data := s.ReadData(context.Background())
	assert.Equal(t, types.StatusError, data.Status)
	assert.Zero(t, stub.reads.Load())

	// Toggling to the same state reports no change.
	assert.False(t, s.SetEnabled(false))
	assert.True(t, s.SetEnabled(true))
	assert.Equal(t, types.StatusOK, s.ReadData(context.Background()).Status)
}

func TestExecuteActionUnknownName(t *testing.T) {
	s, _ := newTestSensor(t, nil)

	_, err := s.ExecuteAction(context.Background(), "self-destruct")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrActionUnknown)

	res, err := s.ExecuteAction(context.Background(), "reset")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestStatusLiveVsCached(t *testing.T) {
	s, stub := newTestSensor(t, nil)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	status := s.Status(context.Background(), false)
	assert.True(t, status.Connected)
	assert.Zero(t, stub.probes.Load(), "cached status must not probe")

	status = s.Status(context.Background(), true)
	assert.True(t, status.Connected)
	assert.Equal(t, int64(1), stub.probes.Load())
	assert.Nil(t, status.LastUpdate)
}

func TestPollable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.SensorConfig)
		want   bool
	}{
		{"http with interval", nil, true},
		{"zero interval", func(c *types.SensorConfig) { c.PollIntervalSeconds = 0 }, false},
		{"mqtt excluded", func(c *types.SensorConfig) {
			c.Protocol = types.ProtocolMQTT
			c.IP = ""
			c.DeviceID = "dev-1"
		}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestSensor(t, tc.mutate)
			assert.Equal(t, tc.want, s.Pollable())
		})
	}
}

func TestDisabledSensorNotPollable(t *testing.T) {
	s, _ := newTestSensor(t, nil)
	s.SetEnabled(false)
	assert.False(t, s.Pollable())
}
