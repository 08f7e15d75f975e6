package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/negotiation"
	"github.com/solaceprotocol/acp-core/pkg/protocol"
	"github.com/solaceprotocol/acp-core/pkg/signature"
)

// SubmitRequestInput opens a transaction for a capability.
type SubmitRequestInput struct {
	Capability string         `json:"capability"`
	Terms      protocol.Terms `json:"terms"`
	Value      float64        `json:"value"`
	Deadline   time.Time      `json:"deadline"`
}

// SubmitRequest creates the transaction, resolves the eligible agent
// set and launches the negotiation workflow in its own goroutine.
func (c *Coordinator) SubmitRequest(ctx context.Context, env signature.Envelope) (*protocol.Transaction, error) {
	var input SubmitRequestInput
	requester, err := c.authorize(ctx, env, &input)
	if err != nil {
		return nil, err
	}
	if input.Capability == "" {
		return nil, fmt.Errorf("%w: capability required", protocol.ErrValidation)
	}
	if input.Value > requester.Preferences.MaxTransactionValue {
		return nil, fmt.Errorf("%w: value %.2f exceeds requester limit %.2f",
			protocol.ErrValidation, input.Value, requester.Preferences.MaxTransactionValue)
	}
	if c.terms != nil {
		if err := c.terms.Validate(input.Capability, input.Terms); err != nil {
			return nil, err
		}
	}

	invited, reps, err := c.eligibleProviders(ctx, requester, input.Capability)
	if err != nil {
		return nil, err
	}

	tx, err := c.machine.SubmitRequest(ctx, requester.ID, input.Terms, input.Value, input.Deadline)
	if err != nil {
		return nil, err
	}
	if tx, err = c.machine.BeginNegotiation(ctx, tx.ID); err != nil {
		return nil, err
	}

	session, err := negotiation.NewSession(
		tx.ID, c.cfg.Strategy, input.Value, input.Terms,
		requester.Preferences.AutoAcceptThreshold,
		requester.Preferences.MinCounterpartyReputation,
		invited, reps,
	)
	if err != nil {
		return nil, err
	}

	negCtx, cancel := context.WithDeadline(context.Background(), tx.Deadline)
	c.trackSession(tx.ID, cancel)
	c.wg.Add(1)
	go c.runNegotiation(negCtx, tx.ID, session)

	c.log.Info("request submitted",
		"tx", tx.ID, "requester", requester.ID, "capability", input.Capability, "invited", len(invited))
	return tx, nil
}

// eligibleProviders intersects the capability index with the
// requester's reputation floor.
func (c *Coordinator) eligibleProviders(ctx context.Context, requester *protocol.Agent, capability string) ([]protocol.AgentID, map[protocol.AgentID]float64, error) {
	ids, err := c.registry.ListByCapability(ctx, capability)
	if err != nil {
		return nil, nil, err
	}

	floor := requester.Preferences.MinCounterpartyReputation
	var invited []protocol.AgentID
	reps := make(map[protocol.AgentID]float64)
	for _, id := range ids {
		if id == requester.ID {
			continue
		}
		agent, err := c.registry.Get(ctx, id)
		if err != nil || agent.State != protocol.AgentActive {
			continue
		}
		score, err := c.reputation.Get(ctx, id)
		if err != nil {
			continue
		}
		if score.Value < floor {
			continue
		}
		invited = append(invited, id)
		reps[id] = score.Value
	}
	if len(invited) == 0 {
		return nil, nil, fmt.Errorf(
			"%w: no provider for %q meets reputation floor %.2f",
			protocol.ErrInsufficientReputation, capability, floor)
	}
	return invited, reps, nil
}

// SubmitProposalInput is a provider's offer for an open round.
type SubmitProposalInput struct {
	TransactionID protocol.TransactionID `json:"transaction_id"`
	Round         int                    `json:"round"`
	Price         float64                `json:"price"`
	Terms         protocol.Terms         `json:"terms"`
}

// SubmitProposal routes an offer into the transaction's open round and
// records it on the audit trail. A proposal signed by the requester is
// a counter: it targets the next round instead of the open one.
func (c *Coordinator) SubmitProposal(ctx context.Context, env signature.Envelope) (*protocol.Proposal, error) {
	var input SubmitProposalInput
	agent, err := c.authorize(ctx, env, &input)
	if err != nil {
		return nil, err
	}

	tx, err := c.machine.Get(ctx, input.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Phase == protocol.PhaseExpired {
		return nil, fmt.Errorf("%w: transaction %s", protocol.ErrExpired, tx.ID)
	}
	if tx.Phase != protocol.PhaseNegotiating {
		return nil, fmt.Errorf("%w: transaction %s is in phase %s", protocol.ErrConflict, tx.ID, tx.Phase)
	}

	p := protocol.Proposal{
		TransactionID: input.TransactionID,
		Agent:         agent.ID,
		Round:         input.Round,
		Price:         input.Price,
		Terms:         input.Terms,
		SubmittedAt:   c.clock().UTC(),
	}
	if agent.ID == tx.Requester {
		counter, err := c.engine.Counter(tx.ID, p)
		if err != nil {
			return nil, err
		}
		p = counter
	} else if err := c.engine.Offer(tx.ID, p); err != nil {
		return nil, err
	}
	if err := retryConflict(func() error {
		return c.machine.RecordProposal(ctx, tx.ID, p)
	}); err != nil {
		// The offer stands in the round; a lost audit append is logged,
		// not surfaced.
		c.log.Warn("proposal audit append failed", "tx", tx.ID, "agent", agent.ID, "err", err)
	}
	return &p, nil
}

// AcceptProposalInput picks a specific recorded offer.
type AcceptProposalInput struct {
	TransactionID protocol.TransactionID `json:"transaction_id"`
	Agent         protocol.AgentID       `json:"agent"`
	Round         int                    `json:"round"`
}

// AcceptProposal lets the requester settle on an offer directly,
// short-circuiting the running negotiation.
func (c *Coordinator) AcceptProposal(ctx context.Context, env signature.Envelope) (*protocol.Transaction, error) {
	var input AcceptProposalInput
	agent, err := c.authorize(ctx, env, &input)
	if err != nil {
		return nil, err
	}

	tx, err := c.machine.Get(ctx, input.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Requester != agent.ID {
		return nil, fmt.Errorf("%w: only the requester may accept proposals", protocol.ErrConflict)
	}

	var winner *protocol.Proposal
	for i := range tx.Proposals {
		p := &tx.Proposals[i]
		if p.Agent == input.Agent && p.Round == input.Round {
			winner = p
			break
		}
	}
	if winner == nil {
		return nil, fmt.Errorf("%w: no proposal from %s in round %d",
			protocol.ErrNotFound, input.Agent, input.Round)
	}

	c.dropSession(tx.ID)

	var accepted *protocol.Transaction
	if err := retryConflict(func() error {
		accepted, err = c.machine.AcceptProposal(ctx, tx.ID, *winner)
		return err
	}); err != nil {
		return nil, err
	}
	return c.beginExecution(ctx, accepted)
}

// ExecutionProgressInput reports provider-side progress.
type ExecutionProgressInput struct {
	TransactionID protocol.TransactionID `json:"transaction_id"`
	Completed     bool                   `json:"completed"`
	Note          string                 `json:"note,omitempty"`
}

// ReportExecutionProgress is provider-only. A completed report moves
// the transaction into evaluation.
func (c *Coordinator) ReportExecutionProgress(ctx context.Context, env signature.Envelope) (*protocol.Transaction, error) {
	var input ExecutionProgressInput
	agent, err := c.authorize(ctx, env, &input)
	if err != nil {
		return nil, err
	}

	tx, err := c.machine.Get(ctx, input.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Provider != agent.ID {
		return nil, fmt.Errorf("%w: only the provider may report progress", protocol.ErrConflict)
	}
	if tx.Phase != protocol.PhaseExecuting {
		return nil, fmt.Errorf("%w: transaction %s is in phase %s", protocol.ErrConflict, tx.ID, tx.Phase)
	}

	c.log.Info("execution progress", "tx", tx.ID, "provider", agent.ID, "completed", input.Completed, "note", input.Note)
	if !input.Completed {
		return tx, nil
	}

	var out *protocol.Transaction
	err = retryConflict(func() error {
		out, err = c.machine.MarkEvaluating(ctx, tx.ID)
		return err
	})
	return out, err
}

// EvaluationInput carries both parties' ratings for a finished
// transaction.
type EvaluationInput struct {
	TransactionID   protocol.TransactionID `json:"transaction_id"`
	RequesterRating float64                `json:"requester_rating"`
	ProviderRating  float64                `json:"provider_rating"`
}

// SubmitEvaluation completes the transaction and applies both
// reputation updates.
func (c *Coordinator) SubmitEvaluation(ctx context.Context, env signature.Envelope) (*protocol.Transaction, error) {
	var input EvaluationInput
	agent, err := c.authorize(ctx, env, &input)
	if err != nil {
		return nil, err
	}
	if input.RequesterRating < 0 || input.RequesterRating > 1 ||
		input.ProviderRating < 0 || input.ProviderRating > 1 {
		return nil, fmt.Errorf("%w: ratings must be in [0,1]", protocol.ErrValidation)
	}

	tx, err := c.machine.Get(ctx, input.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Requester != agent.ID {
		return nil, fmt.Errorf("%w: only the requester may submit the evaluation", protocol.ErrConflict)
	}

	if tx.Phase == protocol.PhaseExecuting {
		if err := retryConflict(func() error {
			tx, err = c.machine.MarkEvaluating(ctx, tx.ID)
			return err
		}); err != nil {
			return nil, err
		}
	}
	if tx.Phase != protocol.PhaseEvaluating {
		return nil, fmt.Errorf("%w: transaction %s is in phase %s", protocol.ErrConflict, tx.ID, tx.Phase)
	}

	var completed *protocol.Transaction
	if err := retryConflict(func() error {
		completed, err = c.machine.Complete(ctx, tx.ID)
		return err
	}); err != nil {
		return nil, err
	}

	if _, err := c.reputation.Apply(ctx, tx.Provider, input.ProviderRating, tx.Value, "transaction completed"); err != nil {
		c.log.Error("provider reputation update failed", "tx", tx.ID, "agent", tx.Provider, "err", err)
	}
	if _, err := c.reputation.Apply(ctx, tx.Requester, input.RequesterRating, tx.Value, "transaction completed"); err != nil {
		c.log.Error("requester reputation update failed", "tx", tx.ID, "agent", tx.Requester, "err", err)
	}
	return completed, nil
}

// SetAgentStateInput toggles the calling agent's availability.
type SetAgentStateInput struct {
	State protocol.AgentState `json:"state"`
}

// SetAgentState lets an agent take itself in and out of service. Bans
// are operator-only: they cannot be self-assigned, and a banned agent
// fails authorization before it could lift one.
func (c *Coordinator) SetAgentState(ctx context.Context, env signature.Envelope) (*protocol.Agent, error) {
	var input SetAgentStateInput
	agent, err := c.authorize(ctx, env, &input)
	if err != nil {
		return nil, err
	}
	if input.State != protocol.AgentActive && input.State != protocol.AgentInactive {
		return nil, fmt.Errorf("%w: agents cannot assign themselves state %q", protocol.ErrValidation, input.State)
	}
	if err := c.registry.SetState(ctx, agent.ID, input.State); err != nil {
		return nil, err
	}
	agent.State = input.State
	c.log.Info("agent state changed", "agent", agent.ID, "state", input.State)
	return agent, nil
}

// CancelRequestInput aborts a transaction before work is committed.
type CancelRequestInput struct {
	TransactionID protocol.TransactionID `json:"transaction_id"`
}

// CancelRequest cancels a requester's own transaction. The in-flight
// negotiation round, if any, is discarded.
func (c *Coordinator) CancelRequest(ctx context.Context, env signature.Envelope) (*protocol.Transaction, error) {
	var input CancelRequestInput
	agent, err := c.authorize(ctx, env, &input)
	if err != nil {
		return nil, err
	}

	var tx *protocol.Transaction
	if err := retryConflict(func() error {
		tx, err = c.machine.Cancel(ctx, input.TransactionID, agent.ID)
		return err
	}); err != nil {
		return nil, err
	}
	c.dropSession(input.TransactionID)
	return tx, nil
}
