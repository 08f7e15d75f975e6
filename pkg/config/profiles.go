package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solaceprotocol/acp-core/pkg/negotiation"
)

// StrategyProfile is a named negotiation strategy loaded from YAML,
// letting operators tune weights without a rebuild.
type StrategyProfile struct {
	negotiation.Strategy `yaml:",inline"`
}

// LoadProfile loads strategy_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*StrategyProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("strategy_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load strategy profile %q: %w", name, err)
	}

	var profile StrategyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse strategy profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllProfiles loads every strategy_*.yaml from the profiles
// directory, keyed by strategy name.
func LoadAllProfiles(profilesDir string) (map[string]*StrategyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "strategy_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*StrategyProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile StrategyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "strategy_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

// ResolveStrategy returns the named strategy, preferring a YAML
// profile when a profiles directory is configured and falling back to
// the built-ins.
func (c *Config) ResolveStrategy() (negotiation.Strategy, error) {
	if c.ProfilesDir != "" {
		profile, err := LoadProfile(c.ProfilesDir, c.Strategy)
		if err == nil {
			return profile.Strategy, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return negotiation.Strategy{}, err
		}
	}

	switch strings.ToLower(c.Strategy) {
	case "conservative":
		return negotiation.Conservative(), nil
	case "aggressive":
		return negotiation.Aggressive(), nil
	case "balanced", "":
		return negotiation.Balanced(), nil
	default:
		return negotiation.Strategy{}, fmt.Errorf("unknown strategy %q", c.Strategy)
	}
}
