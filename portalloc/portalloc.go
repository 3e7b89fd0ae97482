// Package portalloc manages TCP port assignment for WebSocket listener
// sensors from a bounded, configurable range. Assignment verifies OS-level
// bindability as a best-effort check; the authoritative signal remains the
// listener's own bind at start time.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
)

// Allocator tracks which ports in the configured range are held by which
// sensor. All methods are safe for concurrent use.
type Allocator struct {
	mu          sync.Mutex
	min, max    int
	used        map[int]struct{}
	sensorPorts map[string]int

	// probe is swapped in tests to simulate occupied ports.
	probe func(port int) bool
}

// New creates an Allocator over the inclusive range [min, max].
func New(min, max int) (*Allocator, error) {
	if min < 1024 || max > 65535 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("range %d-%d must be within 1024-65535", min, max),
			"Allocator", "New", "validate range")
	}
	if min >= max {
		return nil, errors.WrapInvalid(
			fmt.Errorf("range min %d must be below max %d", min, max),
			"Allocator", "New", "validate range")
	}
	return &Allocator{
		min:         min,
		max:         max,
		used:        make(map[int]struct{}),
		sensorPorts: make(map[string]int),
		probe:       osBindable,
	}, nil
}

// Assign reserves a port for sensorName. When requested is positive that
// exact port must be internally free and OS-bindable; otherwise the range is
// scanned ascending for the first usable port. A sensor that already holds a
// port has it released first, so reassignment never leaks.
func (a *Allocator) Assign(sensorName string, requested int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.sensorPorts[sensorName]; ok {
		delete(a.used, prev)
		delete(a.sensorPorts, sensorName)
	}

	if requested > 0 {
		if !a.available(requested) {
			return 0, errors.WrapTransient(
				fmt.Errorf("port %d for sensor %q: %w", requested, sensorName, errors.ErrPortUnavailable),
				"Allocator", "Assign", "probe requested port")
		}
		a.take(sensorName, requested)
		return requested, nil
	}

	for port := a.min; port <= a.max; port++ {
		if a.available(port) {
			a.take(sensorName, port)
			return port, nil
		}
	}
	return 0, errors.WrapTransient(
		fmt.Errorf("range %d-%d for sensor %q: %w", a.min, a.max, sensorName, errors.ErrPortExhausted),
		"Allocator", "Assign", "scan range")
}

// Release frees the port held by sensorName. Releasing a sensor that holds
// no port is a no-op.
func (a *Allocator) Release(sensorName string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.sensorPorts[sensorName]; ok {
		delete(a.used, port)
		delete(a.sensorPorts, sensorName)
	}
}

// Port returns the port held by sensorName, or zero when none is held.
func (a *Allocator) Port(sensorName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sensorPorts[sensorName]
}

// Range returns the configured inclusive bounds.
func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

// Used returns a copy of the set of held ports.
func (a *Allocator) Used() map[int]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int]struct{}, len(a.used))
	for p := range a.used {
		out[p] = struct{}{}
	}
	return out
}

// Mapping returns a copy of the sensor-to-port assignments.
func (a *Allocator) Mapping() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int, len(a.sensorPorts))
	for name, p := range a.sensorPorts {
		out[name] = p
	}
	return out
}

// available is called with the mutex held.
func (a *Allocator) available(port int) bool {
	if _, held := a.used[port]; held {
		return false
	}
	return a.probe(port)
}

// take is called with the mutex held.
func (a *Allocator) take(sensorName string, port int) {
	a.used[port] = struct{}{}
	a.sensorPorts[sensorName] = port
}

// osBindable attempts a real bind to detect ports held by other processes.
// Inherently racy between probe and listener start; accepted as best effort.
func osBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
