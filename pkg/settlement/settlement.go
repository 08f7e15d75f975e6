// Package settlement talks to the external ledger service that
// finalizes accepted transactions. The core only needs a receipt; how
// value actually moves is the ledger's business.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// Receipt acknowledges a finalized settlement.
type Receipt struct {
	TransactionID protocol.TransactionID `json:"transaction_id"`
	Reference     string                 `json:"reference"`
	SettledAt     time.Time              `json:"settled_at"`
}

// Settler submits an accepted transaction for settlement. Failures
// wrap protocol.ErrSettlement after the client's own retry policy is
// exhausted; callers never retry on top.
type Settler interface {
	SubmitSettlement(ctx context.Context, tx *protocol.Transaction) (Receipt, error)
}

// StaticSettler settles everything immediately, or fails everything.
// Meant for tests and local runs without a ledger service.
type StaticSettler struct {
	Err   error
	clock func() time.Time
}

func NewStaticSettler() *StaticSettler {
	return &StaticSettler{clock: time.Now}
}

// NewFailingSettler returns a settler whose submissions always fail.
func NewFailingSettler(reason string) *StaticSettler {
	return &StaticSettler{
		Err:   fmt.Errorf("%w: %s", protocol.ErrSettlement, reason),
		clock: time.Now,
	}
}

func (s *StaticSettler) SubmitSettlement(_ context.Context, tx *protocol.Transaction) (Receipt, error) {
	if s.Err != nil {
		return Receipt{}, s.Err
	}
	return Receipt{
		TransactionID: tx.ID,
		Reference:     "static-" + string(tx.ID),
		SettledAt:     s.clock().UTC(),
	}, nil
}
