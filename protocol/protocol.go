// Package protocol defines the transport abstraction every sensor speaks
// through, plus a registry mapping protocol kinds to constructors. Variants
// live in subpackages and self-register, so adding a transport never touches
// the sensor or manager layers.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/metric"
	"github.com/ermannoGirardo/edoxb-smart-home/mqttsession"
	"github.com/ermannoGirardo/edoxb-smart-home/portalloc"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// Protocol is one sensor's transport. Implementations own their connection
// state and keep ReadData non-panicking: failures come back as an error
// reading inside the returned SensorData, never as a crash.
type Protocol interface {
	// Connect establishes the transport and reports whether the sensor is
	// reachable. A false return with nil error means cleanly unreachable.
	Connect(ctx context.Context) (bool, error)

	// Disconnect tears the transport down. Idempotent.
	Disconnect(ctx context.Context) error

	// ReadData fetches the current reading. On failure the result carries
	// Status "error" and a message instead of data.
	ReadData(ctx context.Context) types.SensorData

	// IsConnected actively verifies the transport.
	IsConnected(ctx context.Context) bool

	// ExecuteAction runs a named device action with its raw descriptor from
	// the sensor configuration.
	ExecuteAction(ctx context.Context, name, descriptor string) types.ActionResult

	// Connected returns the cached connection flag without touching the
	// transport.
	Connected() bool

	// LastUpdate returns when data last arrived, zero if never.
	LastUpdate() time.Time
}

// Dependencies carries the shared infrastructure protocol constructors may
// need. Protocols take what applies and ignore the rest.
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
	Session *mqttsession.Session
	Ports   *portalloc.Allocator
}

// Constructor builds a Protocol for one sensor from its validated config.
// Constructors must not do I/O; connections open in Connect.
type Constructor func(cfg types.SensorConfig, deps Dependencies) (Protocol, error)

// Registry maps protocol kinds to constructors. Safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[types.ProtocolKind]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[types.ProtocolKind]Constructor)}
}

// Register adds a constructor for kind. Duplicate registration is an error.
func (r *Registry) Register(kind types.ProtocolKind, ctor Constructor) error {
	if !kind.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("unknown protocol kind %q", kind),
			"Registry", "Register", "validate kind")
	}
	if ctor == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil constructor for kind %q", kind),
			"Registry", "Register", "validate constructor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[kind]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("protocol kind %q already registered", kind),
			"Registry", "Register", "duplicate registration check")
	}
	r.constructors[kind] = ctor
	return nil
}

// New builds a Protocol for cfg using the constructor registered for its
// protocol kind.
func (r *Registry) New(cfg types.SensorConfig, deps Dependencies) (Protocol, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[cfg.Protocol]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("sensor %q protocol %q: %w", cfg.Name, cfg.Protocol, errors.ErrUnknownProtocol),
			"Registry", "New", "constructor lookup")
	}
	return ctor(cfg, deps)
}

// Kinds lists the registered protocol kinds.
func (r *Registry) Kinds() []types.ProtocolKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]types.ProtocolKind, 0, len(r.constructors))
	for k := range r.constructors {
		kinds = append(kinds, k)
	}
	return kinds
}
