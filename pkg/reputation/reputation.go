// Package reputation holds each agent's trust score and its
// append-only update history. Scores live in [0,1] and are updated
// through a weighted running average; concurrent completions for the
// same agent are reconciled with per-agent optimistic versioning.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
	"github.com/solaceprotocol/acp-core/pkg/store"
)

const (
	// SeedScore is the trust value every agent starts with.
	SeedScore = 0.5
	// DefaultWeightCap bounds the dilution of recent behavior.
	DefaultWeightCap = 1000
	// DefaultBanPenalty is the fixed delta applied on a ban event.
	DefaultBanPenalty = 0.5
	// DefaultMaxRetries bounds the optimistic retry loop. Exhausting it
	// is treated as a transient condition, not a design failure.
	DefaultMaxRetries = 8
)

// WeightTier maps a transaction value ceiling to a rating weight.
// Larger transactions move reputation more.
type WeightTier struct {
	MaxValue float64
	Weight   float64
}

// DefaultWeightTiers mirror the protocol's Low/Medium/High/Critical
// weight classes.
var DefaultWeightTiers = []WeightTier{
	{MaxValue: 10, Weight: 1},
	{MaxValue: 100, Weight: 3},
	{MaxValue: 1000, Weight: 5},
}

// DefaultCriticalWeight applies above the last tier ceiling.
const DefaultCriticalWeight = 10

// EventType categorizes a reputation update.
type EventType string

const (
	EventRated EventType = "RATED"
	EventBan   EventType = "BAN"
)

// Score is a point-in-time snapshot of an agent's trust value.
type Score struct {
	Agent     protocol.AgentID `json:"agent"`
	Value     float64          `json:"value"`
	Weight    float64          `json:"weight"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Options tune the update algorithm.
type Options struct {
	WeightCap      float64
	BanPenalty     float64
	MaxRetries     int
	WeightTiers    []WeightTier
	CriticalWeight float64
}

func defaultOptions() Options {
	return Options{
		WeightCap:      DefaultWeightCap,
		BanPenalty:     DefaultBanPenalty,
		MaxRetries:     DefaultMaxRetries,
		WeightTiers:    DefaultWeightTiers,
		CriticalWeight: DefaultCriticalWeight,
	}
}

// Store owns reputation records. All mutation goes through the
// append-then-swap path: the event is appended to the log and the score
// overwritten in one compare-and-swap, so the log always explains the
// current value.
type Store struct {
	kv    store.KV
	emit  protocol.Emitter
	clock func() time.Time
	opts  Options
}

// New creates a reputation store over the given KV.
func New(kv store.KV) *Store {
	return &Store{
		kv:    kv,
		emit:  protocol.NopEmitter{},
		clock: time.Now,
		opts:  defaultOptions(),
	}
}

// WithEmitter sets the domain event sink.
func (s *Store) WithEmitter(emit protocol.Emitter) *Store {
	s.emit = emit
	return s
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithOptions overrides the update tuning.
func (s *Store) WithOptions(opts Options) *Store {
	if opts.WeightCap <= 0 {
		opts.WeightCap = DefaultWeightCap
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BanPenalty <= 0 {
		opts.BanPenalty = DefaultBanPenalty
	}
	if len(opts.WeightTiers) == 0 {
		opts.WeightTiers = DefaultWeightTiers
	}
	if opts.CriticalWeight <= 0 {
		opts.CriticalWeight = DefaultCriticalWeight
	}
	s.opts = opts
	return s
}

// RatingWeight returns the weight class for a transaction value.
func (s *Store) RatingWeight(value float64) float64 {
	for _, tier := range s.opts.WeightTiers {
		if value < tier.MaxValue {
			return tier.Weight
		}
	}
	return s.opts.CriticalWeight
}

func key(agent protocol.AgentID) string { return "rep:" + string(agent) }

// Seed creates the agent's score at registration time. Seeding an
// already-scored agent is a conflict.
func (s *Store) Seed(ctx context.Context, agent protocol.AgentID) (Score, error) {
	rec := record{
		Agent:     agent,
		Value:     SeedScore,
		UpdatedAt: s.clock().UTC(),
		Head:      genesisHash,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Score{}, fmt.Errorf("marshal score: %w", err)
	}
	if _, err := s.kv.CompareAndSwap(ctx, key(agent), 0, data); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return Score{}, fmt.Errorf("%w: agent %s already seeded", protocol.ErrConflict, agent)
		}
		return Score{}, err
	}
	return rec.snapshot(), nil
}

// Get returns the current score for an agent.
func (s *Store) Get(ctx context.Context, agent protocol.AgentID) (Score, error) {
	rec, _, err := s.load(ctx, agent)
	if err != nil {
		return Score{}, err
	}
	return rec.snapshot(), nil
}

// Apply folds one rated outcome into the agent's score:
//
//	new = (old*weight + rating*ratingWeight) / (weight + ratingWeight)
//
// where weight is the count of prior rated transactions (capped) and
// ratingWeight scales with the transaction's value tier. The result is
// clamped to [0,1]. Lost races are retried up to MaxRetries, then
// surfaced as a conflict.
func (s *Store) Apply(ctx context.Context, agent protocol.AgentID, rating, txValue float64, reason string) (Score, error) {
	if rating < 0 || rating > 1 {
		return Score{}, fmt.Errorf("%w: rating %v outside [0,1]", protocol.ErrValidation, rating)
	}
	rw := s.RatingWeight(txValue)
	return s.update(ctx, agent, EventRated, reason, func(old record) (float64, float64) {
		weight := min(old.Weight, s.opts.WeightCap)
		value := clamp((old.Value*weight + rating*rw) / (weight + rw))
		return value, old.Weight + 1
	})
}

// Ban applies the fixed ban penalty, bypassing the weighted-average
// path. The weight counter is unchanged: a ban is not a rated outcome.
func (s *Store) Ban(ctx context.Context, agent protocol.AgentID) (Score, error) {
	return s.update(ctx, agent, EventBan, "agent banned", func(old record) (float64, float64) {
		return clamp(old.Value - s.opts.BanPenalty), old.Weight
	})
}

// History returns the agent's full event log, oldest first.
func (s *Store) History(ctx context.Context, agent protocol.AgentID) ([]Event, error) {
	rec, _, err := s.load(ctx, agent)
	if err != nil {
		return nil, err
	}
	return rec.Events, nil
}

func (s *Store) load(ctx context.Context, agent protocol.AgentID) (record, uint64, error) {
	raw, err := s.kv.Load(ctx, key(agent))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return record{}, 0, fmt.Errorf("%w: no reputation for agent %s", protocol.ErrNotFound, agent)
		}
		return record{}, 0, err
	}
	var rec record
	if err := json.Unmarshal(raw.Data, &rec); err != nil {
		return record{}, 0, fmt.Errorf("decode reputation %s: %w", agent, err)
	}
	return rec, raw.Version, nil
}

func (s *Store) update(ctx context.Context, agent protocol.AgentID, et EventType, reason string, compute func(record) (value, weight float64)) (Score, error) {
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		rec, version, err := s.load(ctx, agent)
		if err != nil {
			return Score{}, err
		}

		old := rec.Value
		value, weight := compute(rec)
		now := s.clock().UTC()

		rec.appendEvent(Event{
			Type:   et,
			Delta:  value - old,
			Reason: reason,
			At:     now,
		})
		rec.Value = value
		rec.Weight = weight
		rec.UpdatedAt = now

		data, err := json.Marshal(rec)
		if err != nil {
			return Score{}, fmt.Errorf("marshal reputation %s: %w", agent, err)
		}
		_, err = s.kv.CompareAndSwap(ctx, key(agent), version, data)
		if err == nil {
			s.emit.EmitReputation(ctx, protocol.ReputationUpdated{
				Agent: agent,
				Old:   old,
				New:   value,
				At:    now,
			})
			return rec.snapshot(), nil
		}
		if !errors.Is(err, store.ErrVersionMismatch) {
			return Score{}, err
		}
	}
	return Score{}, fmt.Errorf("%w: reputation update for %s lost %d races", protocol.ErrConflict, agent, s.opts.MaxRetries)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
