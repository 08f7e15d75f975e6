package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTerminal(t *testing.T) {
	terminal := []Phase{PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseExpired}
	for _, p := range terminal {
		assert.True(t, p.Terminal(), "%s should be terminal", p)
	}
	live := []Phase{PhaseRequested, PhaseNegotiating, PhaseAccepted, PhaseExecuting, PhaseEvaluating}
	for _, p := range live {
		assert.False(t, p.Terminal(), "%s should not be terminal", p)
	}
}

func TestPhaseJSONRoundTrip(t *testing.T) {
	for p := range phaseNames {
		raw, err := json.Marshal(p)
		require.NoError(t, err)

		var back Phase
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, p, back)
	}

	var p Phase
	assert.Error(t, json.Unmarshal([]byte(`"BOGUS"`), &p))
}

func TestPreferencesValidate(t *testing.T) {
	require.NoError(t, DefaultPreferences().Validate())

	bad := DefaultPreferences()
	bad.RiskTolerance = 1.5
	err := bad.Validate()
	assert.True(t, errors.Is(err, ErrValidation))

	bad = DefaultPreferences()
	bad.MaxTransactionValue = 0
	assert.True(t, errors.Is(bad.Validate(), ErrValidation))

	bad = DefaultPreferences()
	bad.AutoAcceptThreshold = -0.1
	assert.True(t, errors.Is(bad.Validate(), ErrValidation))
}

func TestAgentValidate(t *testing.T) {
	a := &Agent{
		ID:           NewAgentID(),
		PublicKey:    []byte{1, 2, 3},
		Capabilities: []string{"data-analysis"},
		Preferences:  DefaultPreferences(),
		State:        AgentActive,
	}
	require.NoError(t, a.Validate())
	assert.True(t, a.HasCapability("data-analysis"))
	assert.False(t, a.HasCapability("trading"))

	a.Capabilities = nil
	assert.True(t, errors.Is(a.Validate(), ErrValidation))
}

func TestTermsCanonicalDeterministic(t *testing.T) {
	terms := Terms{"b": 2, "a": "x", "nested": map[string]any{"z": 1, "y": 2}}
	c1, err := terms.Canonical()
	require.NoError(t, err)
	c2, err := terms.Canonical()
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	// JCS sorts keys lexicographically.
	assert.Equal(t, byte('{'), c1[0])
	assert.Contains(t, string(c1), `"a":"x"`)
}

func TestTransactionExpiredAt(t *testing.T) {
	tx := &Transaction{Deadline: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	assert.False(t, tx.ExpiredAt(tx.Deadline))
	assert.True(t, tx.ExpiredAt(tx.Deadline.Add(time.Second)))
}

func TestCompatibleVersion(t *testing.T) {
	assert.NoError(t, CompatibleVersion(""))
	assert.NoError(t, CompatibleVersion("1.0.0"))
	assert.Error(t, CompatibleVersion("2.0.0"))
	assert.Error(t, CompatibleVersion("1.1.0")) // newer minor than ours
	assert.Error(t, CompatibleVersion("not-a-version"))
}
