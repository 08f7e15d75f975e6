package protocol

import (
	"fmt"
	"time"
)

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	AgentActive   AgentState = "ACTIVE"
	AgentInactive AgentState = "INACTIVE"
	AgentBanned   AgentState = "BANNED"
)

// Preferences drive an agent's autonomous accept/reject decisions.
type Preferences struct {
	// RiskTolerance in [0,1]; 0 is risk-averse, 1 is risk-seeking.
	RiskTolerance float64 `json:"risk_tolerance"`
	// MaxTransactionValue is the largest value the agent will accept.
	MaxTransactionValue float64 `json:"max_transaction_value"`
	// MinCounterpartyReputation filters who the agent will deal with.
	MinCounterpartyReputation float64 `json:"min_counterparty_reputation"`
	// AutoAcceptThreshold is the negotiation score at which a proposal
	// is accepted without further rounds.
	AutoAcceptThreshold float64 `json:"auto_accept_threshold"`
}

// DefaultPreferences returns the protocol defaults for a new agent.
func DefaultPreferences() Preferences {
	return Preferences{
		RiskTolerance:             0.5,
		MaxTransactionValue:       100,
		MinCounterpartyReputation: 0.3,
		AutoAcceptThreshold:       0.8,
	}
}

// Validate checks preference ranges.
func (p Preferences) Validate() error {
	if p.RiskTolerance < 0 || p.RiskTolerance > 1 {
		return fmt.Errorf("%w: risk tolerance %v outside [0,1]", ErrValidation, p.RiskTolerance)
	}
	if p.MaxTransactionValue <= 0 {
		return fmt.Errorf("%w: max transaction value must be positive", ErrValidation)
	}
	if p.MinCounterpartyReputation < 0 || p.MinCounterpartyReputation > 1 {
		return fmt.Errorf("%w: min counterparty reputation %v outside [0,1]", ErrValidation, p.MinCounterpartyReputation)
	}
	if p.AutoAcceptThreshold < 0 || p.AutoAcceptThreshold > 1 {
		return fmt.Errorf("%w: auto-accept threshold %v outside [0,1]", ErrValidation, p.AutoAcceptThreshold)
	}
	return nil
}

// Agent is a registered protocol participant. Agents are never deleted,
// only deactivated, so the audit trail stays reconstructable.
type Agent struct {
	ID           AgentID     `json:"id"`
	PublicKey    []byte      `json:"public_key"`
	Capabilities []string    `json:"capabilities"`
	Preferences  Preferences `json:"preferences"`
	State        AgentState  `json:"state"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActive   time.Time   `json:"last_active"`
}

// Validate checks the agent record before registration.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty agent id", ErrValidation)
	}
	if len(a.PublicKey) == 0 {
		return fmt.Errorf("%w: agent %s has no public key", ErrValidation, a.ID)
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("%w: agent %s must declare at least one capability", ErrValidation, a.ID)
	}
	return a.Preferences.Validate()
}

// HasCapability reports whether the agent declares the given tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}
