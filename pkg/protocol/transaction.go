package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Terms is the opaque structured payload attached to requests and
// proposals. The core never interprets individual keys; it only
// canonicalizes, matches and forwards them.
type Terms map[string]any

// Canonical returns the RFC 8785 (JCS) canonical JSON encoding of the
// terms, suitable for signing and content addressing.
func (t Terms) Canonical() ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal terms: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize terms: %w", err)
	}
	return canon, nil
}

// Proposal is a priced, termed offer submitted during a negotiation
// round. Proposals are immutable and retained for audit even after the
// round is superseded.
type Proposal struct {
	TransactionID TransactionID `json:"transaction_id"`
	Agent         AgentID       `json:"agent"`
	Round         int           `json:"round"`
	Price         float64       `json:"price"`
	Terms         Terms         `json:"terms"`
	SubmittedAt   time.Time     `json:"submitted_at"`
}

// Transaction is the coordination record for one commerce exchange.
// It is mutated only through state-machine-approved transitions and
// becomes immutable once its phase is terminal.
type Transaction struct {
	ID        TransactionID `json:"id"`
	Requester AgentID       `json:"requester"`
	// Provider stays empty until negotiation concludes.
	Provider AgentID   `json:"provider,omitempty"`
	Phase    Phase     `json:"phase"`
	Value    float64   `json:"value"`
	Deadline time.Time `json:"deadline"`
	Terms    Terms     `json:"terms"`
	// Version is the optimistic-concurrency counter; transitions only
	// commit when the stored version matches.
	Version uint64 `json:"version"`
	// Winning holds the accepted proposal, at most one per transaction.
	Winning *Proposal `json:"winning,omitempty"`
	// Proposals is the audit trail of every offer seen, across rounds.
	Proposals  []Proposal `json:"proposals,omitempty"`
	FailReason string     `json:"fail_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ExpiredAt reports whether the transaction deadline has passed at the
// given instant.
func (tx *Transaction) ExpiredAt(now time.Time) bool {
	return now.After(tx.Deadline)
}
