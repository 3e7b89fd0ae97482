package httpproto

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

func sensorFor(t *testing.T, srv *httptest.Server, mutate func(*types.SensorConfig)) protocol.Protocol {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := types.SensorConfig{
		Name:     "temp",
		Protocol: types.ProtocolHTTP,
		IP:       u.Hostname(),
		Port:     port,
		Endpoint: "/data",
		Enabled:  true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg, protocol.Dependencies{Logger: slog.Default()})
	require.NoError(t, err)
	return p
}

func TestNewRequiresIP(t *testing.T) {
	_, err := New(types.SensorConfig{Name: "temp", Protocol: types.ProtocolHTTP}, protocol.Dependencies{Logger: slog.Default()})
	require.Error(t, err)
}

func TestBaseURLOmitsUnsetPort(t *testing.T) {
	p, err := New(types.SensorConfig{
		Name:     "temp",
		Protocol: types.ProtocolHTTP,
		IP:       "192.168.1.40",
		Endpoint: "/data",
	}, protocol.Dependencies{Logger: slog.Default()})
	require.NoError(t, err)

	s := p.(*Sensor)
	assert.Equal(t, "http://192.168.1.40", s.baseURL)
	assert.Equal(t, "http://192.168.1.40/data", s.readURL())

	p, err = New(types.SensorConfig{
		Name:       "temp",
		Protocol:   types.ProtocolHTTP,
		IP:         "192.168.1.40",
		Port:       8080,
		HTTPScheme: "https",
	}, protocol.Dependencies{Logger: slog.Default()})
	require.NoError(t, err)
	assert.Equal(t, "https://192.168.1.40:8080", p.(*Sensor).baseURL)
}

func TestConnectReachableDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"temperature": 21.5}`))
	}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)
	ok, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, p.Connected())
}

func TestConnectUnreachableDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	p := sensorFor(t, srv, nil)
	ok, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, p.Connected())
}

func TestReadDataJSONObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data", r.URL.Path)
		w.Write([]byte(`{"temperature": 21.5, "humidity": 40}`))
	}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)
	data := p.ReadData(context.Background())
	assert.Equal(t, types.StatusOK, data.Status)
	assert.Equal(t, 21.5, data.Data["temperature"])
	assert.Equal(t, 40.0, data.Data["humidity"])
	assert.False(t, p.LastUpdate().IsZero())
}

func TestReadDataPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ready\n"))
	}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)
	data := p.ReadData(context.Background())
	assert.Equal(t, types.StatusOK, data.Status)
	assert.Equal(t, "ready", data.Data["value"])
}

func TestReadDataJSONScalar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("21.5"))
	}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)
	data := p.ReadData(context.Background())
	assert.Equal(t, types.StatusOK, data.Status)
	assert.Equal(t, 21.5, data.Data["value"])
}

func TestReadDataServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)
	data := p.ReadData(context.Background())
	assert.Equal(t, types.StatusError, data.Status)
	assert.NotEmpty(t, data.Error)
	assert.False(t, p.Connected())
}

func TestIsConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)
	assert.True(t, p.IsConnected(context.Background()))

	srv.Close()
	assert.False(t, p.IsConnected(context.Background()))
	assert.False(t, p.Connected())
}

func TestExecuteAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/relay/on":
			w.Write([]byte(`{"state": "on"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)

	res := p.ExecuteAction(context.Background(), "turn_on", "/relay/on")
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "on", res.Data["state"])

	res = p.ExecuteAction(context.Background(), "missing", "/relay/off")
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)
	_, err := p.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Disconnect(context.Background()))
	require.NoError(t, p.Disconnect(context.Background()))
	assert.False(t, p.Connected())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := sensorFor(t, srv, nil)
	for i := 0; i < 6; i++ {
		data := p.ReadData(context.Background())
		assert.Equal(t, types.StatusError, data.Status)
	}
	// Breaker is open now; reads still fail fast with an error reading.
	data := p.ReadData(context.Background())
	assert.Equal(t, types.StatusError, data.Status)
}
