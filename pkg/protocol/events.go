package protocol

import (
	"context"
	"time"
)

// TransactionPhaseChanged is emitted atomically with every committed
// phase transition.
type TransactionPhaseChanged struct {
	TransactionID TransactionID `json:"transaction_id"`
	From          Phase         `json:"from"`
	To            Phase         `json:"to"`
	At            time.Time     `json:"at"`
}

// ReputationUpdated is emitted after every committed reputation swap.
type ReputationUpdated struct {
	Agent AgentID   `json:"agent"`
	Old   float64   `json:"old"`
	New   float64   `json:"new"`
	At    time.Time `json:"at"`
}

// Emitter receives domain events for notification and streaming layers.
// Implementations must tolerate at-least-once delivery.
type Emitter interface {
	EmitPhaseChange(ctx context.Context, ev TransactionPhaseChanged)
	EmitReputation(ctx context.Context, ev ReputationUpdated)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) EmitPhaseChange(context.Context, TransactionPhaseChanged) {}
func (NopEmitter) EmitReputation(context.Context, ReputationUpdated)       {}
