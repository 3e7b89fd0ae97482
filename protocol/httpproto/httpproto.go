// Package httpproto implements the HTTP sensor transport: a short probe on
// connect, a long-lived client for steady-state reads, and a circuit
// breaker so a dead device fails fast instead of stacking timeouts.
package httpproto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

const (
	// probeTimeout bounds the reachability check on Connect; a device that
	// cannot answer in 2s is treated as down without burning the steady
	// read timeout.
	probeTimeout = 2 * time.Second

	// quickCheckTimeout bounds IsConnected so status queries stay snappy.
	quickCheckTimeout = time.Second
)

// Sensor speaks plain HTTP GET to a device.
type Sensor struct {
	cfg     types.SensorConfig
	deps    protocol.Dependencies
	baseURL string
	breaker *gobreaker.CircuitBreaker

	mu         sync.Mutex
	client     *http.Client
	connected  bool
	lastUpdate time.Time
}

// New builds the HTTP transport for cfg. No I/O happens here.
func New(cfg types.SensorConfig, deps protocol.Dependencies) (protocol.Protocol, error) {
	if cfg.IP == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("sensor %q has no ip", cfg.Name),
			"httpproto", "New", "validate config")
	}
	scheme := cfg.HTTPScheme
	if scheme == "" {
		scheme = "http"
	}
	// A port-less config means the scheme default port, not ":0".
	hostPort := cfg.IP
	if cfg.Port > 0 {
		hostPort = fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	}
	s := &Sensor{
		cfg:     cfg,
		deps:    deps,
		baseURL: fmt.Sprintf("%s://%s", scheme, hostPort),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "http-" + cfg.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			deps.Logger.Warn("circuit breaker state change",
				"sensor", cfg.Name, "from", from.String(), "to", to.String())
		},
	})
	return s, nil
}

// Register adds the HTTP constructor to a protocol registry.
func Register(r *protocol.Registry) error {
	return r.Register(types.ProtocolHTTP, New)
}

// Connect probes the device with a short-timeout GET. Any HTTP response
// counts as reachable; only transport errors mean down.
func (s *Sensor) Connect(ctx context.Context) (bool, error) {
	probe := &http.Client{Timeout: probeTimeout}
	reachable := s.get(ctx, probe, s.readURL()) == nil

	s.mu.Lock()
	s.connected = reachable
	if reachable && s.client == nil {
		s.client = &http.Client{Timeout: s.cfg.Timeout()}
	}
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), reachable)
	}
	if !reachable {
		return false, nil
	}
	return true, nil
}

// Disconnect drops the cached client. Idempotent; the device itself holds
// no session state.
func (s *Sensor) Disconnect(_ context.Context) error {
	s.mu.Lock()
	s.client = nil
	s.connected = false
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), false)
	}
	return nil
}

// ReadData fetches the sensor endpoint through the circuit breaker.
func (s *Sensor) ReadData(ctx context.Context) types.SensorData {
	start := time.Now()
	client := s.steadyClient()

	body, err := s.breaker.Execute(func() (any, error) {
		return s.getBody(ctx, client, s.readURL())
	})
	if err != nil {
		s.setConnected(false)
		s.record(types.StatusError, start)
		return types.Errorf(s.cfg.Name, "read from %s failed: %v", s.readURL(), err)
	}

	s.mu.Lock()
	s.connected = true
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	s.record(types.StatusOK, start)
	return types.OK(s.cfg.Name, decodeBody(body.([]byte)))
}

// IsConnected verifies reachability with a 1s GET, updating the cached flag.
func (s *Sensor) IsConnected(ctx context.Context) bool {
	quick := &http.Client{Timeout: quickCheckTimeout}
	up := s.get(ctx, quick, s.readURL()) == nil
	s.setConnected(up)
	return up
}

// ExecuteAction resolves descriptor as a path against the device base URL
// and GETs it.
func (s *Sensor) ExecuteAction(ctx context.Context, name, descriptor string) types.ActionResult {
	target, err := url.JoinPath(s.baseURL, descriptor)
	if err != nil {
		return types.ActionFailure("action %q has an invalid path %q: %v", name, descriptor, err)
	}

	client := s.steadyClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return types.ActionFailure("action %q request build failed: %v", name, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		s.setConnected(false)
		return types.ActionFailure("action %q against %s failed: %v", name, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.ActionFailure("action %q response read failed: %v", name, err)
	}

	return types.ActionResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Data:       decodeBody(body),
	}
}

// Connected returns the cached flag.
func (s *Sensor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastUpdate returns when data last arrived.
func (s *Sensor) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

func (s *Sensor) readURL() string {
	endpoint := s.cfg.Endpoint
	if endpoint == "" {
		endpoint = "/"
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return s.baseURL + endpoint
}

// steadyClient returns the long-lived client, creating it lazily so reads
// work even when Connect was skipped.
func (s *Sensor) steadyClient() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = &http.Client{Timeout: s.cfg.Timeout()}
	}
	return s.client
}

func (s *Sensor) setConnected(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), up)
	}
}

func (s *Sensor) record(status string, start time.Time) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordRead(s.cfg.Name, status, time.Since(start))
	}
}

// get performs a GET and discards the body, returning only transport
// errors. HTTP error statuses still prove the device is alive.
func (s *Sensor) get(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
	return nil
}

// getBody performs a GET and returns the body; non-2xx statuses are errors.
func (s *Sensor) getBody(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// decodeBody turns a device response into a data map: JSON objects pass
// through, JSON scalars and non-JSON text are wrapped under "value".
func decodeBody(body []byte) map[string]any {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return map[string]any{"value": strings.TrimSpace(string(body))}
	}
	if obj, ok := decoded.(map[string]any); ok {
		return obj
	}
	return map[string]any{"value": decoded}
}
