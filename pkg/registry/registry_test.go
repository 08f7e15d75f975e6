package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

func testAgent(caps ...string) *protocol.Agent {
	return &protocol.Agent{
		ID:           protocol.NewAgentID(),
		PublicKey:    []byte{1},
		Capabilities: caps,
		Preferences:  protocol.DefaultPreferences(),
		State:        protocol.AgentActive,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewInMemoryRegistry()
	ctx := context.Background()

	a := testAgent("data-analysis")
	require.NoError(t, r.Register(ctx, a))

	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// Duplicate registration conflicts.
	err = r.Register(ctx, a)
	assert.True(t, errors.Is(err, protocol.ErrConflict))

	_, err = r.Get(ctx, protocol.AgentID("missing"))
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestRegisterValidates(t *testing.T) {
	r := NewInMemoryRegistry()
	a := testAgent() // no capabilities
	err := r.Register(context.Background(), a)
	assert.True(t, errors.Is(err, protocol.ErrValidation))
}

func TestCapabilityIndex(t *testing.T) {
	r := NewInMemoryRegistry()
	ctx := context.Background()

	a := testAgent("data-analysis", "trading")
	b := testAgent("data-analysis")
	require.NoError(t, r.Register(ctx, a))
	require.NoError(t, r.Register(ctx, b))

	ids, err := r.ListByCapability(ctx, "data-analysis")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	ids, err = r.ListByCapability(ctx, "trading")
	require.NoError(t, err)
	assert.Equal(t, []protocol.AgentID{a.ID}, ids)

	// Index refreshes on capability mutation.
	require.NoError(t, r.UpdateCapabilities(ctx, a.ID, []string{"content-creation"}))
	ids, err = r.ListByCapability(ctx, "trading")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = r.ListByCapability(ctx, "content-creation")
	require.NoError(t, err)
	assert.Equal(t, []protocol.AgentID{a.ID}, ids)
}

func TestSetState(t *testing.T) {
	r := NewInMemoryRegistry()
	ctx := context.Background()

	a := testAgent("data-analysis")
	require.NoError(t, r.Register(ctx, a))
	require.NoError(t, r.SetState(ctx, a.ID, protocol.AgentBanned))

	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.AgentBanned, got.State)

	// Banned agents stay in the capability index; eligibility filtering
	// is the coordinator's job.
	ids, err := r.ListByCapability(ctx, "data-analysis")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestUpdatePreferences(t *testing.T) {
	r := NewInMemoryRegistry()
	ctx := context.Background()

	a := testAgent("data-analysis")
	require.NoError(t, r.Register(ctx, a))

	prefs := protocol.DefaultPreferences()
	prefs.MinCounterpartyReputation = 0.7
	require.NoError(t, r.UpdatePreferences(ctx, a.ID, prefs))

	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.Preferences.MinCounterpartyReputation)

	prefs.RiskTolerance = 2
	err = r.UpdatePreferences(ctx, a.ID, prefs)
	assert.True(t, errors.Is(err, protocol.ErrValidation))
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewInMemoryRegistry()
	ctx := context.Background()

	a := testAgent("data-analysis")
	require.NoError(t, r.Register(ctx, a))

	got, _ := r.Get(ctx, a.ID)
	got.Capabilities[0] = "tampered"

	again, _ := r.Get(ctx, a.ID)
	assert.Equal(t, "data-analysis", again.Capabilities[0])
}

func TestTermsValidator(t *testing.T) {
	v := NewTermsValidator()

	// No schema registered: anything goes.
	require.NoError(t, v.Validate("data-analysis", protocol.Terms{"anything": true}))

	schema := `{
		"type": "object",
		"required": ["dataset"],
		"properties": {"dataset": {"type": "string"}}
	}`
	require.NoError(t, v.SetSchema("data-analysis", schema))

	assert.NoError(t, v.Validate("data-analysis", protocol.Terms{"dataset": "sales-q3"}))
	err := v.Validate("data-analysis", protocol.Terms{"rows": 5})
	assert.True(t, errors.Is(err, protocol.ErrValidation))

	assert.Error(t, v.SetSchema("bad", `{"type": 42}`))
}
