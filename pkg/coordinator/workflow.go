package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/solaceprotocol/acp-core/pkg/negotiation"
	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// runNegotiation drives one transaction's round loop to its
// conclusion. Each transaction gets its own goroutine so negotiations
// never block each other.
func (c *Coordinator) runNegotiation(ctx context.Context, id protocol.TransactionID, session *negotiation.Session) {
	defer c.wg.Done()
	defer c.dropSession(id)

	winner, err := c.engine.Run(ctx, session)
	switch {
	case err == nil:
		c.concludeNegotiation(id, winner)
	case errors.Is(err, protocol.ErrNegotiationTimeout):
		if _, failErr := c.machine.Fail(context.Background(), id, err.Error()); failErr != nil {
			// Cancelled or expired underneath us; the phase on record wins.
			c.log.Debug("negotiation failure not recorded", "tx", id, "err", failErr)
		}
	case errors.Is(err, context.DeadlineExceeded):
		// Touch the record so lazy expiry commits promptly.
		if _, getErr := c.machine.Get(context.Background(), id); getErr != nil {
			c.log.Debug("expiry touch failed", "tx", id, "err", getErr)
		}
	case errors.Is(err, context.Canceled):
		// Cancellation already transitioned the transaction; late round
		// results are discarded.
	default:
		c.log.Error("negotiation aborted", "tx", id, "err", err)
	}
}

// concludeNegotiation commits the winner and starts execution.
func (c *Coordinator) concludeNegotiation(id protocol.TransactionID, winner protocol.Proposal) {
	ctx := context.Background()

	var tx *protocol.Transaction
	err := retryConflict(func() error {
		var e error
		tx, e = c.machine.AcceptProposal(ctx, id, winner)
		return e
	})
	if err != nil {
		// Raced by cancel, expiry or a manual accept.
		c.log.Info("winning proposal not committed", "tx", id, "winner", winner.Agent, "err", err)
		return
	}
	if _, err := c.beginExecution(ctx, tx); err != nil {
		c.log.Error("execution start failed", "tx", id, "err", err)
	}
}

// beginExecution transitions to Executing and invokes settlement
// exactly once. Settlement failure fails the transaction and penalizes
// the provider.
func (c *Coordinator) beginExecution(ctx context.Context, tx *protocol.Transaction) (*protocol.Transaction, error) {
	var executing *protocol.Transaction
	if err := retryConflict(func() error {
		var e error
		executing, e = c.machine.MarkExecuting(ctx, tx.ID)
		return e
	}); err != nil {
		return nil, err
	}

	receipt, err := c.settler.SubmitSettlement(ctx, executing)
	if err != nil {
		reason := fmt.Sprintf("settlement failed: %v", err)
		var failed *protocol.Transaction
		if failErr := retryConflict(func() error {
			var e error
			failed, e = c.machine.Fail(ctx, tx.ID, reason)
			return e
		}); failErr != nil {
			return nil, fmt.Errorf("%v (fail transition also errored: %w)", err, failErr)
		}
		if _, repErr := c.reputation.Apply(ctx, executing.Provider, 0, executing.Value, reason); repErr != nil {
			c.log.Error("settlement penalty not applied", "tx", tx.ID, "agent", executing.Provider, "err", repErr)
		}
		return failed, err
	}

	c.log.Info("settlement confirmed", "tx", tx.ID, "reference", receipt.Reference)
	return executing, nil
}
