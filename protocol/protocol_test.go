package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

type stubProtocol struct{ name string }

func (p *stubProtocol) Connect(context.Context) (bool, error) { return true, nil }
func (p *stubProtocol) Disconnect(context.Context) error      { return nil }
func (p *stubProtocol) ReadData(context.Context) types.SensorData {
	return types.OK(p.name, nil)
}
func (p *stubProtocol) IsConnected(context.Context) bool { return true }
func (p *stubProtocol) ExecuteAction(_ context.Context, name, _ string) types.ActionResult {
	return types.ActionFailure("no action %q", name)
}
func (p *stubProtocol) Connected() bool       { return true }
func (p *stubProtocol) LastUpdate() time.Time { return time.Time{} }

func stubConstructor(cfg types.SensorConfig, _ Dependencies) (Protocol, error) {
	return &stubProtocol{name: cfg.Name}, nil
}

func TestRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(types.ProtocolHTTP, stubConstructor))

	p, err := r.New(types.SensorConfig{Name: "temp", Protocol: types.ProtocolHTTP}, Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "temp", p.ReadData(context.Background()).SensorName)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(types.ProtocolHTTP, stubConstructor))

	err := r.Register(types.ProtocolHTTP, stubConstructor)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("carrier-pigeon", stubConstructor))
	assert.Error(t, r.Register(types.ProtocolHTTP, nil))
}

func TestNewUnknownProtocol(t *testing.T) {
	r := NewRegistry()
	_, err := r.New(types.SensorConfig{Name: "temp", Protocol: types.ProtocolMQTT}, Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownProtocol)
}
