package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

func TestCapabilityPredicates(t *testing.T) {
	cases := []struct {
		typ      types.AdapterType
		egress   bool
		agent    bool
		endpoint bool
		terminal bool
	}{
		{types.AdapterPush, true, true, true, false},
		{types.AdapterPoll, false, false, true, false},
		{types.AdapterPublish, false, false, false, true},
		{types.AdapterSubscribe, true, true, true, false},
		{types.AdapterQueue, false, false, false, true},
		{types.AdapterMerge, true, true, true, false},
		{types.AdapterEgress, true, false, true, true},
		{types.AdapterHidden, true, true, true, false},
	}

	require.Len(t, cases, len(types.AdapterTypes))

	for _, tc := range cases {
		t.Run(tc.typ.String(), func(t *testing.T) {
			egress, err := RequiresEgressSettings(tc.typ)
			require.NoError(t, err)
			assert.Equal(t, tc.egress, egress)

			agent, err := RequiresAgent(tc.typ)
			require.NoError(t, err)
			assert.Equal(t, tc.agent, agent)

			endpoint, err := RequiresEndpoint(tc.typ)
			require.NoError(t, err)
			assert.Equal(t, tc.endpoint, endpoint)

			terminal, err := IsTerminal(tc.typ)
			require.NoError(t, err)
			assert.Equal(t, tc.terminal, terminal)
		})
	}
}

func TestUnknownAdapterTypeIsConfigurationError(t *testing.T) {
	predicates := map[string]func(types.AdapterType) (bool, error){
		"egress":      RequiresEgressSettings,
		"agent":       RequiresAgent,
		"endpoint":    RequiresEndpoint,
		"terminal":    IsTerminal,
		"passthrough": ValidPassthrough,
	}

	for name, fn := range predicates {
		t.Run(name, func(t *testing.T) {
			_, err := fn("TELEPORT")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.ErrorIs(t, err, ErrUnknownAdapterType)
			assert.True(t, IsFatal(err))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("forward: %w", TransientIOError("agent_call", cause).WithAdapter("g", "a"))

	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, err, cause)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransientIO, kind)
	assert.Contains(t, err.Error(), "graph=g")
	assert.Contains(t, err.Error(), "adapter=a")

	dc := DataConsistencyError("outbox", ErrEventNotFound).WithEvent("e-1")
	assert.ErrorIs(t, dc, ErrDataConsistency)
	assert.NotErrorIs(t, dc, ErrConfiguration)
	assert.True(t, IsFatal(dc))
	assert.Contains(t, dc.Error(), "event=e-1")

	_, ok = KindOf(cause)
	assert.False(t, ok)
}
