package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, "balanced", cfg.Strategy)
	assert.Equal(t, 30*time.Second, cfg.RoundTimeout)
	assert.Equal(t, 10.0, cfg.RateRPS)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ACP_STORE", "sqlite")
	t.Setenv("ACP_RATE_RPS", "2.5")
	t.Setenv("ACP_ROUND_TIMEOUT", "5s")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, 2.5, cfg.RateRPS)
	assert.Equal(t, 5*time.Second, cfg.RoundTimeout)
}

func TestResolveBuiltinStrategies(t *testing.T) {
	for _, name := range []string{"conservative", "aggressive", "balanced"} {
		cfg := &Config{Strategy: name}
		s, err := cfg.ResolveStrategy()
		require.NoError(t, err)
		assert.Equal(t, name, s.Name)
	}

	cfg := &Config{Strategy: "yolo"}
	_, err := cfg.ResolveStrategy()
	assert.Error(t, err)
}

func TestLoadProfileFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
name: cautious
price_weight: 0.1
reputation_weight: 0.6
terms_weight: 0.3
price_flexibility: 0.05
max_rounds: 6
viability_floor: 0.55
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strategy_cautious.yaml"), []byte(yaml), 0o600))

	profile, err := LoadProfile(dir, "cautious")
	require.NoError(t, err)
	assert.Equal(t, 6, profile.MaxRounds)
	assert.Equal(t, 0.6, profile.ReputationWeight)

	cfg := &Config{Strategy: "cautious", ProfilesDir: dir}
	s, err := cfg.ResolveStrategy()
	require.NoError(t, err)
	assert.Equal(t, 0.55, s.ViabilityFloor)

	all, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	assert.Contains(t, all, "cautious")
}

func TestLoadProfileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strategy_bad.yaml"),
		[]byte("max_rounds: 0\n"), 0o600))

	_, err := LoadProfile(dir, "bad")
	assert.Error(t, err)
}

func TestResolveStrategyFallsBackWhenProfileMissing(t *testing.T) {
	cfg := &Config{Strategy: "balanced", ProfilesDir: t.TempDir()}
	s, err := cfg.ResolveStrategy()
	require.NoError(t, err)
	assert.Equal(t, "balanced", s.Name)
}
