// Package protocolregistry wires every built-in protocol variant into a
// registry. It exists so the variants can self-register without the
// protocol package importing its own subpackages.
package protocolregistry

import (
	"fmt"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol/httpproto"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol/mqttproto"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol/wsproto"
)

// Register adds all built-in protocol variants to registry.
func Register(registry *protocol.Registry) error {
	if registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("registry cannot be nil"),
			"protocolregistry", "Register", "registry validation")
	}

	if err := httpproto.Register(registry); err != nil {
		return errors.WrapInvalid(err, "protocolregistry", "Register", "http variant registration")
	}
	if err := wsproto.Register(registry); err != nil {
		return errors.WrapInvalid(err, "protocolregistry", "Register", "websocket variant registration")
	}
	if err := mqttproto.Register(registry); err != nil {
		return errors.WrapInvalid(err, "protocolregistry", "Register", "mqtt variant registration")
	}
	return nil
}
