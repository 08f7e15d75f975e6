// Package negotiation converts a pool of proposals into a single
// winner, deterministically and within a bounded number of rounds.
package negotiation

import (
	"fmt"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// Strategy fixes the scoring weights and round bounds for one
// negotiation. Weights should sum to 1 so scores stay comparable to
// the auto-accept threshold.
type Strategy struct {
	Name             string  `yaml:"name" json:"name"`
	PriceWeight      float64 `yaml:"price_weight" json:"priceWeight"`
	ReputationWeight float64 `yaml:"reputation_weight" json:"reputationWeight"`
	TermsWeight      float64 `yaml:"terms_weight" json:"termsWeight"`

	// PriceFlexibility widens the acceptable price band around the
	// budget. 0.1 means offers up to 10% over budget still score.
	PriceFlexibility float64 `yaml:"price_flexibility" json:"priceFlexibility"`

	MaxRounds int `yaml:"max_rounds" json:"maxRounds"`

	// ViabilityFloor is the minimum score accepted at the final round
	// when nothing reached the auto-accept threshold.
	ViabilityFloor float64 `yaml:"viability_floor" json:"viabilityFloor"`
}

// Conservative favors counterparty reputation over price and allows
// the most rounds before settling.
func Conservative() Strategy {
	return Strategy{
		Name:             "conservative",
		PriceWeight:      0.2,
		ReputationWeight: 0.5,
		TermsWeight:      0.3,
		PriceFlexibility: 0.1,
		MaxRounds:        5,
		ViabilityFloor:   0.5,
	}
}

// Aggressive chases price and concludes quickly.
func Aggressive() Strategy {
	return Strategy{
		Name:             "aggressive",
		PriceWeight:      0.6,
		ReputationWeight: 0.1,
		TermsWeight:      0.3,
		PriceFlexibility: 0.3,
		MaxRounds:        3,
		ViabilityFloor:   0.4,
	}
}

func Balanced() Strategy {
	return Strategy{
		Name:             "balanced",
		PriceWeight:      0.4,
		ReputationWeight: 0.3,
		TermsWeight:      0.3,
		PriceFlexibility: 0.2,
		MaxRounds:        4,
		ViabilityFloor:   0.45,
	}
}

func (s Strategy) Validate() error {
	if s.MaxRounds < 1 {
		return fmt.Errorf("%w: strategy max_rounds must be >= 1", protocol.ErrValidation)
	}
	for _, w := range []float64{s.PriceWeight, s.ReputationWeight, s.TermsWeight} {
		if w < 0 || w > 1 {
			return fmt.Errorf("%w: strategy weights must be in [0,1]", protocol.ErrValidation)
		}
	}
	if s.PriceFlexibility < 0 || s.PriceFlexibility > 1 {
		return fmt.Errorf("%w: price_flexibility must be in [0,1]", protocol.ErrValidation)
	}
	if s.ViabilityFloor < 0 || s.ViabilityFloor > 1 {
		return fmt.Errorf("%w: viability_floor must be in [0,1]", protocol.ErrValidation)
	}
	return nil
}
