package domain

import (
	"fmt"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// Capabilities é a linha da tabela de capacidades de um tipo de adapter
type Capabilities struct {
	EgressSettings   bool
	Agent            bool
	Endpoint         bool
	Terminal         bool
	ValidPassthrough bool
}

var capabilities = map[types.AdapterType]Capabilities{
	types.AdapterPush: {
		EgressSettings:   true,
		Agent:            true,
		Endpoint:         true,
		ValidPassthrough: true,
	},
	types.AdapterPoll: {
		Endpoint:         true,
		ValidPassthrough: true,
	},
	types.AdapterPublish: {
		Terminal: true,
	},
	types.AdapterSubscribe: {
		EgressSettings:   true,
		Agent:            true,
		Endpoint:         true,
		ValidPassthrough: true,
	},
	types.AdapterQueue: {
		Terminal: true,
	},
	types.AdapterMerge: {
		EgressSettings:   true,
		Agent:            true,
		Endpoint:         true,
		ValidPassthrough: true,
	},
	types.AdapterEgress: {
		EgressSettings: true,
		Endpoint:       true,
		Terminal:       true,
	},
	types.AdapterHidden: {
		EgressSettings:   true,
		Agent:            true,
		Endpoint:         true,
		ValidPassthrough: true,
	},
}

// CapabilitiesOf falha com ConfigurationError para tipos fora da enumeração
func CapabilitiesOf(t types.AdapterType) (Capabilities, error) {
	c, ok := capabilities[t]
	if !ok {
		return Capabilities{}, ConfigurationError("adapter_type", fmt.Errorf("%w: %q", ErrUnknownAdapterType, t))
	}
	return c, nil
}

func RequiresEgressSettings(t types.AdapterType) (bool, error) {
	c, err := CapabilitiesOf(t)
	return c.EgressSettings, err
}

func RequiresAgent(t types.AdapterType) (bool, error) {
	c, err := CapabilitiesOf(t)
	return c.Agent, err
}

func RequiresEndpoint(t types.AdapterType) (bool, error) {
	c, err := CapabilitiesOf(t)
	return c.Endpoint, err
}

func IsTerminal(t types.AdapterType) (bool, error) {
	c, err := CapabilitiesOf(t)
	return c.Terminal, err
}

func ValidPassthrough(t types.AdapterType) (bool, error) {
	c, err := CapabilitiesOf(t)
	return c.ValidPassthrough, err
}
