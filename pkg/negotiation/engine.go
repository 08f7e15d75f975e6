package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// DefaultRoundTimeout bounds how long a round waits for stragglers
// once opened.
const DefaultRoundTimeout = 30 * time.Second

// Engine drives negotiation sessions. One engine serves many
// transactions; each Run call blocks only its own caller, so sessions
// progress independently.
type Engine struct {
	roundTimeout time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	sessions map[protocol.TransactionID]*Session
}

type EngineOption func(*Engine)

func WithRoundTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.roundTimeout = d }
}

func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		roundTimeout: DefaultRoundTimeout,
		log:          slog.Default(),
		sessions:     make(map[protocol.TransactionID]*Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Offer routes a proposal to its transaction's open round.
func (e *Engine) Offer(txID protocol.TransactionID, p protocol.Proposal) error {
	e.mu.Lock()
	s := e.sessions[txID]
	e.mu.Unlock()

	if s == nil {
		return fmt.Errorf("%w: no active negotiation for transaction %s", protocol.ErrNotFound, txID)
	}
	return s.Offer(p)
}

// Counter records a requester counter-proposal ahead of the next round
// and finishes the round in flight so it opens promptly.
func (e *Engine) Counter(txID protocol.TransactionID, p protocol.Proposal) (protocol.Proposal, error) {
	e.mu.Lock()
	s := e.sessions[txID]
	e.mu.Unlock()

	if s == nil {
		return protocol.Proposal{}, fmt.Errorf("%w: no active negotiation for transaction %s", protocol.ErrNotFound, txID)
	}
	return s.Counter(p)
}

// Session returns the live session for a transaction, if any.
func (e *Engine) Session(txID protocol.TransactionID) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[txID]
	return s, ok
}

// Run executes the round loop until a winner emerges, the strategy's
// round budget is exhausted, or the context is cancelled. Cancellation
// discards the in-flight round; late offers fail against the closed
// window.
func (e *Engine) Run(ctx context.Context, s *Session) (protocol.Proposal, error) {
	e.mu.Lock()
	if _, exists := e.sessions[s.TxID]; exists {
		e.mu.Unlock()
		return protocol.Proposal{}, fmt.Errorf(
			"%w: negotiation already running for transaction %s", protocol.ErrConflict, s.TxID)
	}
	e.sessions[s.TxID] = s
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.sessions, s.TxID)
		e.mu.Unlock()
	}()

	for {
		round, err := s.nextRound()
		if err != nil {
			return protocol.Proposal{}, err
		}
		e.log.Debug("negotiation round open",
			"tx", s.TxID, "round", round.Number(), "strategy", s.Strategy.Name)

		timer := time.NewTimer(e.roundTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			round.close()
			return protocol.Proposal{}, ctx.Err()
		case <-round.Full():
			timer.Stop()
		case <-timer.C:
		}

		winner, done, err := s.evaluate(round.close())
		if err != nil {
			e.log.Info("negotiation failed", "tx", s.TxID, "round", round.Number(), "err", err)
			return protocol.Proposal{}, err
		}
		if done {
			e.log.Info("negotiation concluded",
				"tx", s.TxID, "round", round.Number(), "winner", winner.Agent)
			return winner, nil
		}
	}
}
