// Package coordinator is the thin orchestration layer: it routes
// requests to eligible agents, drives each transaction's negotiation
// in its own goroutine, invokes settlement on acceptance, and maps
// engine-level failures onto the protocol error taxonomy.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/lifecycle"
	"github.com/solaceprotocol/acp-core/pkg/negotiation"
	"github.com/solaceprotocol/acp-core/pkg/protocol"
	"github.com/solaceprotocol/acp-core/pkg/registry"
	"github.com/solaceprotocol/acp-core/pkg/reputation"
	"github.com/solaceprotocol/acp-core/pkg/settlement"
	"github.com/solaceprotocol/acp-core/pkg/signature"
)

// ErrRateLimited is returned when an agent exceeds its operation
// budget. It is deliberately outside the protocol taxonomy: callers
// should back off, not handle it as a domain failure.
var ErrRateLimited = errors.New("rate limited")

// conflictRetries bounds re-execution of version-conflicted
// transitions against fresh state.
const conflictRetries = 3

// Config tunes the coordinator.
type Config struct {
	// Strategy drives negotiations started by SubmitRequest.
	Strategy negotiation.Strategy
}

// Coordinator wires the registry, state machine, negotiation engine,
// reputation store and settlement client into the operation set the
// external API layer consumes.
type Coordinator struct {
	registry   registry.Registry
	machine    *lifecycle.Machine
	engine     *negotiation.Engine
	reputation *reputation.Store
	settler    settlement.Settler
	verifier   signature.Verifier
	limiter    LimiterStore
	terms      *registry.TermsValidator
	clock      func() time.Time
	log        *slog.Logger
	cfg        Config

	mu      sync.Mutex
	cancels map[protocol.TransactionID]context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Coordinator)

func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithLimiter(l LimiterStore) Option {
	return func(c *Coordinator) { c.limiter = l }
}

func WithTermsValidator(v *registry.TermsValidator) Option {
	return func(c *Coordinator) { c.terms = v }
}

func New(
	reg registry.Registry,
	machine *lifecycle.Machine,
	engine *negotiation.Engine,
	rep *reputation.Store,
	settler settlement.Settler,
	verifier signature.Verifier,
	cfg Config,
	opts ...Option,
) (*Coordinator, error) {
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		registry:   reg,
		machine:    machine,
		engine:     engine,
		reputation: rep,
		settler:    settler,
		verifier:   verifier,
		limiter:    NopLimiterStore{},
		clock:      time.Now,
		log:        slog.Default(),
		cfg:        cfg,
		cancels:    make(map[protocol.TransactionID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RegisterAgent admits an agent and seeds its reputation.
func (c *Coordinator) RegisterAgent(ctx context.Context, agent *protocol.Agent) error {
	if err := c.registry.Register(ctx, agent); err != nil {
		return err
	}
	if _, err := c.reputation.Seed(ctx, agent.ID); err != nil && !errors.Is(err, protocol.ErrConflict) {
		return err
	}
	c.log.Info("agent registered", "agent", agent.ID, "capabilities", agent.Capabilities)
	return nil
}

// BanAgent is the operator action against a misbehaving agent: the
// registry entry is locked out and the fixed reputation penalty
// applied. A ban is lifted only through the same operator surface.
func (c *Coordinator) BanAgent(ctx context.Context, id protocol.AgentID) error {
	if err := c.registry.SetState(ctx, id, protocol.AgentBanned); err != nil {
		return err
	}
	if _, err := c.reputation.Ban(ctx, id); err != nil && !errors.Is(err, protocol.ErrNotFound) {
		return err
	}
	c.log.Warn("agent banned", "agent", id)
	return nil
}

// Shutdown cancels in-flight negotiations and waits for their
// goroutines to drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// authorize runs the shared operation preamble: rate limit, agent
// lookup, signature verification, payload decode.
func (c *Coordinator) authorize(ctx context.Context, env signature.Envelope, out any) (*protocol.Agent, error) {
	ok, err := c.limiter.Allow(ctx, string(env.Agent))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrRateLimited, env.Agent)
	}

	agent, err := c.registry.Get(ctx, env.Agent)
	if err != nil {
		return nil, err
	}
	if agent.State == protocol.AgentBanned {
		return nil, fmt.Errorf("%w: agent %s is banned", protocol.ErrValidation, env.Agent)
	}
	if err := signature.Open(c.verifier, agent.PublicKey, env, out); err != nil {
		return nil, err
	}
	return agent, nil
}

// retryConflict re-executes fn against fresh state when a transition
// loses a version race.
func retryConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if err = fn(); !errors.Is(err, protocol.ErrConflict) {
			return err
		}
	}
	return err
}

func (c *Coordinator) trackSession(id protocol.TransactionID, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[id] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) dropSession(id protocol.TransactionID) {
	c.mu.Lock()
	if cancel, ok := c.cancels[id]; ok {
		cancel()
		delete(c.cancels, id)
	}
	c.mu.Unlock()
}
