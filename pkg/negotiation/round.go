package negotiation

import (
	"fmt"
	"sync"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// Round is a closed collection window for proposals. Offers arriving
// after the window closes are rejected, never silently accepted.
type Round struct {
	number  int
	invited map[protocol.AgentID]struct{}

	mu     sync.Mutex
	offers map[protocol.AgentID]protocol.Proposal
	closed bool
	woken  bool
	full   chan struct{}
}

func newRound(number int, invited []protocol.AgentID) *Round {
	set := make(map[protocol.AgentID]struct{}, len(invited))
	for _, id := range invited {
		set[id] = struct{}{}
	}
	return &Round{
		number:  number,
		invited: set,
		offers:  make(map[protocol.AgentID]protocol.Proposal, len(invited)),
		full:    make(chan struct{}),
	}
}

func (r *Round) Number() int { return r.number }

// Offer records one proposal. Each invited agent gets at most one
// offer per round.
func (r *Round) Offer(p protocol.Proposal) error {
	if p.Round != r.number {
		return fmt.Errorf("%w: proposal targets round %d, current round is %d",
			protocol.ErrValidation, p.Round, r.number)
	}
	if _, ok := r.invited[p.Agent]; !ok {
		return fmt.Errorf("%w: agent %s was not invited to this negotiation",
			protocol.ErrValidation, p.Agent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("%w: round %d is closed", protocol.ErrConflict, r.number)
	}
	if _, dup := r.offers[p.Agent]; dup {
		return fmt.Errorf("%w: agent %s already offered in round %d",
			protocol.ErrConflict, p.Agent, r.number)
	}
	r.offers[p.Agent] = p
	if len(r.offers) == len(r.invited) {
		r.wake()
	}
	return nil
}

// Full is closed once every invited agent has responded, or when the
// round is finished early.
func (r *Round) Full() <-chan struct{} { return r.full }

// finish wakes the engine without waiting for the remaining invited
// agents, so the offers collected so far are evaluated now.
func (r *Round) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wake()
}

// wake must be called with the lock held.
func (r *Round) wake() {
	if !r.woken {
		r.woken = true
		close(r.full)
	}
}

// close seals the window and returns the collected offers in a
// deterministic order.
func (r *Round) close() []protocol.Proposal {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	out := make([]protocol.Proposal, 0, len(r.offers))
	for _, p := range r.offers {
		out = append(out, p)
	}
	return out
}
