// Package lifecycle owns the transaction phase graph. Every mutation
// goes through a version-guarded compare-and-swap, so concurrent
// transitions on one transaction serialize cleanly and losers surface
// a conflict instead of clobbering state.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
	"github.com/solaceprotocol/acp-core/pkg/store"
)

const txKeyPrefix = "tx:"

func txKey(id protocol.TransactionID) string { return txKeyPrefix + string(id) }

// allowed is the closed edge set of the phase graph. Expiry is an
// escape edge from every non-terminal phase.
var allowed = map[protocol.Phase][]protocol.Phase{
	protocol.PhaseRequested:   {protocol.PhaseNegotiating, protocol.PhaseCancelled, protocol.PhaseExpired},
	protocol.PhaseNegotiating: {protocol.PhaseAccepted, protocol.PhaseFailed, protocol.PhaseCancelled, protocol.PhaseExpired},
	protocol.PhaseAccepted:    {protocol.PhaseExecuting, protocol.PhaseFailed, protocol.PhaseExpired},
	protocol.PhaseExecuting:   {protocol.PhaseEvaluating, protocol.PhaseFailed, protocol.PhaseExpired},
	protocol.PhaseEvaluating:  {protocol.PhaseCompleted, protocol.PhaseFailed, protocol.PhaseExpired},
}

func canTransition(from, to protocol.Phase) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine drives transactions through the phase graph on top of a
// key-value store.
type Machine struct {
	kv    store.KV
	emit  protocol.Emitter
	clock func() time.Time
	log   *slog.Logger
}

type Option func(*Machine)

func WithEmitter(e protocol.Emitter) Option {
	return func(m *Machine) { m.emit = e }
}

func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) { m.log = log }
}

func New(kv store.KV, opts ...Option) *Machine {
	m := &Machine{
		kv:    kv,
		emit:  protocol.NopEmitter{},
		clock: time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubmitRequest creates a transaction in the Requested phase.
func (m *Machine) SubmitRequest(ctx context.Context, requester protocol.AgentID, terms protocol.Terms, value float64, deadline time.Time) (*protocol.Transaction, error) {
	if requester == "" {
		return nil, fmt.Errorf("%w: requester id required", protocol.ErrValidation)
	}
	if value <= 0 {
		return nil, fmt.Errorf("%w: transaction value must be positive", protocol.ErrValidation)
	}
	now := m.clock().UTC()
	if !deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", protocol.ErrValidation)
	}

	tx := &protocol.Transaction{
		ID:        protocol.NewTransactionID(),
		Requester: requester,
		Phase:     protocol.PhaseRequested,
		Value:     value,
		Deadline:  deadline.UTC(),
		Terms:     terms,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	if _, err := m.kv.CompareAndSwap(ctx, txKey(tx.ID), 0, data); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return nil, fmt.Errorf("%w: transaction %s already exists", protocol.ErrConflict, tx.ID)
		}
		return nil, err
	}
	m.log.Info("transaction requested", "tx", tx.ID, "requester", requester, "value", value)
	return tx, nil
}

// Get loads a transaction, lazily expiring it first when the deadline
// has passed.
func (m *Machine) Get(ctx context.Context, id protocol.TransactionID) (*protocol.Transaction, error) {
	tx, _, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.expireIfDue(ctx, tx)
}

func (m *Machine) BeginNegotiation(ctx context.Context, id protocol.TransactionID) (*protocol.Transaction, error) {
	return m.transition(ctx, id, protocol.PhaseNegotiating, nil)
}

// RecordProposal appends an offer to the transaction's audit trail.
// Only valid while negotiating; the phase does not change.
func (m *Machine) RecordProposal(ctx context.Context, id protocol.TransactionID, p protocol.Proposal) error {
	tx, rec, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if tx, err = m.expireIfDue(ctx, tx); err != nil {
		return err
	}
	if tx.Phase == protocol.PhaseExpired {
		return fmt.Errorf("%w: transaction %s", protocol.ErrExpired, id)
	}
	if tx.Phase != protocol.PhaseNegotiating {
		return fmt.Errorf("%w: cannot record proposal in phase %s", protocol.ErrConflict, tx.Phase)
	}
	tx.Proposals = append(tx.Proposals, p)
	return m.commit(ctx, tx, rec.Version)
}

// AcceptProposal fixes the winner and provider. Past-deadline
// transactions expire instead of advancing.
func (m *Machine) AcceptProposal(ctx context.Context, id protocol.TransactionID, winning protocol.Proposal) (*protocol.Transaction, error) {
	return m.transition(ctx, id, protocol.PhaseAccepted, func(tx *protocol.Transaction) error {
		if tx.Winning != nil {
			return fmt.Errorf("%w: transaction %s already has a winning proposal", protocol.ErrConflict, id)
		}
		tx.Provider = winning.Agent
		tx.Winning = &winning
		return nil
	})
}

func (m *Machine) MarkExecuting(ctx context.Context, id protocol.TransactionID) (*protocol.Transaction, error) {
	return m.transition(ctx, id, protocol.PhaseExecuting, nil)
}

func (m *Machine) MarkEvaluating(ctx context.Context, id protocol.TransactionID) (*protocol.Transaction, error) {
	return m.transition(ctx, id, protocol.PhaseEvaluating, nil)
}

func (m *Machine) Complete(ctx context.Context, id protocol.TransactionID) (*protocol.Transaction, error) {
	return m.transition(ctx, id, protocol.PhaseCompleted, nil)
}

func (m *Machine) Fail(ctx context.Context, id protocol.TransactionID, reason string) (*protocol.Transaction, error) {
	return m.transition(ctx, id, protocol.PhaseFailed, func(tx *protocol.Transaction) error {
		tx.FailReason = reason
		return nil
	})
}

// Cancel is requester-only and permitted from Requested or Negotiating.
// Providers cannot unilaterally abort committed work.
func (m *Machine) Cancel(ctx context.Context, id protocol.TransactionID, requester protocol.AgentID) (*protocol.Transaction, error) {
	return m.transition(ctx, id, protocol.PhaseCancelled, func(tx *protocol.Transaction) error {
		if tx.Requester != requester {
			return fmt.Errorf("%w: only the requester may cancel transaction %s", protocol.ErrConflict, id)
		}
		return nil
	})
}

// SweepExpired expires every non-terminal transaction whose deadline
// passed. The lazy per-read check makes this optional; running it
// periodically just expires idle transactions promptly.
func (m *Machine) SweepExpired(ctx context.Context) (int, error) {
	records, err := m.kv.List(ctx, txKeyPrefix)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, rec := range records {
		var tx protocol.Transaction
		if err := json.Unmarshal(rec.Data, &tx); err != nil {
			m.log.Warn("skipping undecodable transaction record", "key", rec.Key, "err", err)
			continue
		}
		if tx.Phase.Terminal() || !tx.ExpiredAt(m.clock()) {
			continue
		}
		if _, err := m.expireIfDue(ctx, &tx); err != nil {
			// A concurrent writer got there first; its outcome stands.
			if errors.Is(err, protocol.ErrConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (m *Machine) load(ctx context.Context, id protocol.TransactionID) (*protocol.Transaction, store.Record, error) {
	rec, err := m.kv.Load(ctx, txKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.Record{}, fmt.Errorf("%w: transaction %s", protocol.ErrNotFound, id)
		}
		return nil, store.Record{}, err
	}
	var tx protocol.Transaction
	if err := json.Unmarshal(rec.Data, &tx); err != nil {
		return nil, store.Record{}, fmt.Errorf("decode transaction %s: %w", id, err)
	}
	return &tx, rec, nil
}

// expireIfDue commits the Expired phase when the deadline passed and
// the transaction is still live. Pre-existing terminal phases are
// preserved.
func (m *Machine) expireIfDue(ctx context.Context, tx *protocol.Transaction) (*protocol.Transaction, error) {
	if tx.Phase.Terminal() || !tx.ExpiredAt(m.clock()) {
		return tx, nil
	}
	from := tx.Phase
	tx.Phase = protocol.PhaseExpired
	if err := m.commit(ctx, tx, tx.Version); err != nil {
		return nil, err
	}
	m.emit.EmitPhaseChange(ctx, protocol.TransactionPhaseChanged{
		TransactionID: tx.ID,
		From:          from,
		To:            protocol.PhaseExpired,
		At:            tx.UpdatedAt,
	})
	m.log.Info("transaction expired", "tx", tx.ID, "from", from)
	return tx, nil
}

// transition applies one edge of the phase graph: load, check the
// edge, mutate a copy, compare-and-swap, emit.
func (m *Machine) transition(ctx context.Context, id protocol.TransactionID, to protocol.Phase, mutate func(*protocol.Transaction) error) (*protocol.Transaction, error) {
	tx, rec, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	// Expiry takes precedence over forward progress.
	if !tx.Phase.Terminal() && tx.ExpiredAt(m.clock()) {
		if tx, err = m.expireIfDue(ctx, tx); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: transaction %s deadline passed", protocol.ErrExpired, id)
	}

	if tx.Phase.Terminal() {
		return nil, fmt.Errorf("%w: transaction %s is terminal in phase %s", protocol.ErrConflict, id, tx.Phase)
	}
	if !canTransition(tx.Phase, to) {
		return nil, fmt.Errorf("%w: transition %s -> %s not allowed", protocol.ErrConflict, tx.Phase, to)
	}
	if mutate != nil {
		if err := mutate(tx); err != nil {
			return nil, err
		}
	}

	from := tx.Phase
	tx.Phase = to
	if err := m.commit(ctx, tx, rec.Version); err != nil {
		return nil, err
	}

	m.emit.EmitPhaseChange(ctx, protocol.TransactionPhaseChanged{
		TransactionID: tx.ID,
		From:          from,
		To:            to,
		At:            tx.UpdatedAt,
	})
	m.log.Info("transaction phase changed", "tx", tx.ID, "from", from, "to", to)
	return tx, nil
}

// commit writes the transaction guarded by the expected store version
// and refreshes its bookkeeping fields.
func (m *Machine) commit(ctx context.Context, tx *protocol.Transaction, expectedVersion uint64) error {
	tx.Version = expectedVersion + 1
	tx.UpdatedAt = m.clock().UTC()

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	if _, err := m.kv.CompareAndSwap(ctx, txKey(tx.ID), expectedVersion, data); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return fmt.Errorf("%w: transaction %s version changed", protocol.ErrConflict, tx.ID)
		}
		return err
	}
	return nil
}
