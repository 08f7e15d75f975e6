package negotiation

import (
	"fmt"
	"sync"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// Session tracks one transaction's negotiation: round counter,
// proposals received, and the eventual winner. It is owned by the
// engine for the lifetime of the Negotiating phase; the accumulated
// proposal history survives as the transaction's audit trail.
type Session struct {
	TxID           protocol.TransactionID
	Strategy       Strategy
	Budget         float64
	RequestedTerms protocol.Terms

	// AutoAccept is the requester's threshold for immediate selection.
	AutoAccept float64
	// ReputationFloor excludes low-trust agents before scoring.
	ReputationFloor float64

	invited     []protocol.AgentID
	reputations map[protocol.AgentID]float64

	mu       sync.Mutex
	round    int
	current  *Round
	history  []protocol.Proposal
	counters []protocol.Proposal
	winner   *protocol.Proposal
}

func NewSession(
	txID protocol.TransactionID,
	strategy Strategy,
	budget float64,
	requested protocol.Terms,
	autoAccept, reputationFloor float64,
	invited []protocol.AgentID,
	reputations map[protocol.AgentID]float64,
) (*Session, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if budget <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive", protocol.ErrValidation)
	}
	if len(invited) == 0 {
		return nil, fmt.Errorf("%w: no agents invited", protocol.ErrValidation)
	}
	return &Session{
		TxID:            txID,
		Strategy:        strategy,
		Budget:          budget,
		RequestedTerms:  requested,
		AutoAccept:      autoAccept,
		ReputationFloor: reputationFloor,
		invited:         append([]protocol.AgentID(nil), invited...),
		reputations:     reputations,
	}, nil
}

// Round reports the current round number, 0 before the first round
// opens.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Winner returns the selected proposal once negotiation concluded.
func (s *Session) Winner() *protocol.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.winner == nil {
		return nil
	}
	w := *s.winner
	return &w
}

// History returns every proposal collected so far, counter-proposals
// included, in arrival order.
func (s *Session) History() []protocol.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Proposal, 0, len(s.history)+len(s.counters))
	out = append(out, s.history...)
	out = append(out, s.counters...)
	return out
}

// Offer routes a proposal into the currently open round.
func (s *Session) Offer(p protocol.Proposal) error {
	s.mu.Lock()
	round := s.current
	s.mu.Unlock()

	if round == nil {
		return fmt.Errorf("%w: no open round for transaction %s", protocol.ErrConflict, s.TxID)
	}
	if err := round.Offer(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.history = append(s.history, p)
	s.mu.Unlock()
	return nil
}

// Counter records a requester-authored proposal against the next
// round. It is retained for audit but never scored here; providers
// judge it through their own acceptance logic. An in-flight round is
// finished early so the counter takes effect without waiting out the
// window, and the returned proposal carries the round it landed in.
func (s *Session) Counter(p protocol.Proposal) (protocol.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.winner != nil {
		return protocol.Proposal{}, fmt.Errorf("%w: negotiation for %s already concluded", protocol.ErrConflict, s.TxID)
	}
	if s.round >= s.Strategy.MaxRounds {
		return protocol.Proposal{}, fmt.Errorf("%w: no rounds remain for %s", protocol.ErrConflict, s.TxID)
	}
	p.Round = s.round + 1
	s.counters = append(s.counters, p)
	if s.current != nil {
		s.current.finish()
	}
	return p, nil
}

// nextRound opens round n+1. Round numbers are strictly increasing
// starting at 1.
func (s *Session) nextRound() (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.winner != nil {
		return nil, fmt.Errorf("%w: negotiation for %s already concluded", protocol.ErrConflict, s.TxID)
	}
	if s.round >= s.Strategy.MaxRounds {
		return nil, fmt.Errorf("%w: no viable proposal after %d rounds",
			protocol.ErrNegotiationTimeout, s.round)
	}
	s.round++
	s.current = newRound(s.round, s.invited)
	return s.current, nil
}

// evaluate scores a closed round and decides whether negotiation is
// done. Proposals from agents below the reputation floor are excluded
// before scoring.
func (s *Session) evaluate(offers []protocol.Proposal) (protocol.Proposal, bool, error) {
	var entries []scored
	for _, p := range offers {
		rep := s.reputations[p.Agent]
		if rep < s.ReputationFloor {
			continue
		}
		entries = append(entries, scored{
			proposal: p,
			score:    Score(p, rep, s.Budget, s.RequestedTerms, s.Strategy),
		})
	}
	rank(entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil

	final := s.round >= s.Strategy.MaxRounds

	if len(entries) == 0 {
		if final {
			return protocol.Proposal{}, false, fmt.Errorf(
				"%w: no viable proposal after %d rounds", protocol.ErrNegotiationTimeout, s.round)
		}
		return protocol.Proposal{}, false, nil
	}

	best := entries[0]
	switch {
	case best.score >= s.AutoAccept:
		s.winner = &best.proposal
		return best.proposal, true, nil
	case final && best.score >= s.Strategy.ViabilityFloor:
		// Graceful degradation: acceptable beats nothing.
		s.winner = &best.proposal
		return best.proposal, true, nil
	case final:
		return protocol.Proposal{}, false, fmt.Errorf(
			"%w: best score %.3f below viability floor %.3f after %d rounds",
			protocol.ErrNegotiationTimeout, best.score, s.Strategy.ViabilityFloor, s.round)
	default:
		return protocol.Proposal{}, false, nil
	}
}
