// Package wsproto implements the WebSocket-listener sensor transport: the
// device is the client and pushes readings to a listener this process hosts.
// The latest payload is retained across reads, so polls return the last
// known value rather than a one-shot queue.
package wsproto

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// closePathMismatch is the application close code for clients that dialed
// the wrong path.
const closePathMismatch = 4004

// Sensor hosts a WebSocket listener one device pushes readings to.
type Sensor struct {
	cfg  types.SensorConfig
	deps protocol.Dependencies
	path string

	upgrader websocket.Upgrader

	// lifecycle serializes Connect and Disconnect so concurrent callers
	// cannot double-assign the port or orphan a listener mid-setup.
	lifecycle sync.Mutex

	mu         sync.Mutex
	server     *http.Server
	serverDone chan struct{}
	port       int
	clients    map[string]*websocket.Conn
	lastData   map[string]any
	lastUpdate time.Time
	listening  bool
}

// New builds the WebSocket-listener transport for cfg. The listener starts
// in Connect, not here.
func New(cfg types.SensorConfig, deps protocol.Dependencies) (protocol.Protocol, error) {
	if deps.Ports == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("sensor %q needs a port allocator", cfg.Name),
			"wsproto", "New", "validate dependencies")
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Sensor{
		cfg:  cfg,
		deps: deps,
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*websocket.Conn),
	}, nil
}

// Register adds the WebSocket constructor to a protocol registry.
func Register(r *protocol.Registry) error {
	return r.Register(types.ProtocolWebSocket, New)
}

// Connect obtains a port and starts the listener. Repeated calls while the
// listener is running are no-ops. The allocator's bind probe is advisory;
// a bind failure here releases the port and surfaces as the connect error.
func (s *Sensor) Connect(ctx context.Context) (bool, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	port, err := s.deps.Ports.Assign(s.cfg.Name, s.cfg.Port)
	if err != nil {
		return false, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleClient)
	server := &http.Server{Addr: fmt.Sprintf("0.0.0.0:%d", port), Handler: mux}

	listener, err := newListener(server.Addr)
	if err != nil {
		s.deps.Ports.Release(s.cfg.Name)
		return false, errors.WrapTransient(
			fmt.Errorf("sensor %q port %d: %w", s.cfg.Name, port, err),
			"wsproto", "Connect", "bind listener")
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.server = server
	s.serverDone = done
	s.port = port
	s.listening = true
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.deps.Logger.Error("listener stopped unexpectedly",
				"sensor", s.cfg.Name, "port", port, "error", err)
		}
		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()
	}()

	s.deps.Logger.Info("websocket listener started",
		"sensor", s.cfg.Name, "port", port, "path", s.path)
	if s.deps.Metrics != nil {
		s.deps.Metrics.PortsInUse.Set(float64(len(s.deps.Ports.Used())))
	}
	return true, nil
}

// Disconnect closes every client, stops the listener, and releases the
// port. Idempotent.
func (s *Sensor) Disconnect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	server := s.server
	done := s.serverDone
	s.server = nil
	s.serverDone = nil
	for id, conn := range s.clients {
		conn.Close()
		delete(s.clients, id)
	}
	s.listening = false
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
		if done != nil {
			<-done
		}
	}

	s.deps.Ports.Release(s.cfg.Name)
	if s.deps.Metrics != nil {
		s.deps.Metrics.PortsInUse.Set(float64(len(s.deps.Ports.Used())))
		s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), false)
	}
	return nil
}

// ReadData returns the retained last payload. No data yet is an error
// reading, not a panic.
func (s *Sensor) ReadData(_ context.Context) types.SensorData {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastData == nil {
		return types.Errorf(s.cfg.Name, "no data received from device yet")
	}
	data := make(map[string]any, len(s.lastData))
	for k, v := range s.lastData {
		data[k] = v
	}
	reading := types.OK(s.cfg.Name, data)
	reading.Timestamp = s.lastUpdate
	return reading
}

// IsConnected is true only while the listener runs and at least one client
// is attached.
func (s *Sensor) IsConnected(_ context.Context) bool {
	return s.Connected()
}

// ExecuteAction always fails: the listener transport has no actuation path
// back to the device.
func (s *Sensor) ExecuteAction(_ context.Context, name, _ string) types.ActionResult {
	return types.ActionFailure(
		"sensor %q: action %q not supported, websocket-listener sensors are receive-only",
		s.cfg.Name, name)
}

// Connected reports listener-alive plus at-least-one-client.
func (s *Sensor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening && len(s.clients) > 0
}

// LastUpdate returns when the device last pushed data.
func (s *Sensor) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// Port returns the currently bound port, zero when not listening.
func (s *Sensor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// newListener binds the listener socket; split out so the bind failure path
// stays visible at the Connect call site.
func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// handleClient upgrades an incoming connection and runs its read loop.
// Wrong-path clients are upgraded just far enough to send the application
// close code, then dropped.
func (s *Sensor) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("upgrade failed", "sensor", s.cfg.Name, "error", err)
		return
	}

	if r.URL.Path != s.path {
		msg := websocket.FormatCloseMessage(closePathMismatch,
			fmt.Sprintf("unknown path %s", r.URL.Path))
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	s.mu.Lock()
	s.clients[clientID] = conn
	clientCount := len(s.clients)
	s.mu.Unlock()

	s.deps.Logger.Info("device attached",
		"sensor", s.cfg.Name, "client", clientID, "clients", clientCount)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), true)
	}

	go s.readLoop(clientID, conn)
}

// readLoop consumes pushed payloads until the client drops.
func (s *Sensor) readLoop(clientID string, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.clients, clientID)
		remaining := len(s.clients)
		s.mu.Unlock()
		s.deps.Logger.Info("device detached",
			"sensor", s.cfg.Name, "client", clientID, "clients", remaining)
		if s.deps.Metrics != nil && remaining == 0 {
			s.deps.Metrics.RecordConnected(s.cfg.Name, s.cfg.Protocol.String(), false)
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.storePayload(payload)
	}
}

// storePayload merges one pushed message into the retained state. JSON
// objects replace the state wholesale; scalars and non-JSON text are
// wrapped under "value".
func (s *Sensor) storePayload(payload []byte) {
	var decoded any
	data := map[string]any{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		data["value"] = strings.TrimSpace(string(payload))
	} else if obj, ok := decoded.(map[string]any); ok {
		data = obj
	} else {
		data["value"] = decoded
	}

	s.mu.Lock()
	s.lastData = data
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordRead(s.cfg.Name, types.StatusOK, 0)
	}
}
