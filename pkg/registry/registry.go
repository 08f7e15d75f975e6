// Package registry is the source of truth for agent identity,
// capabilities and preferences. It maintains the capability index used
// by the coordinator for discovery.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// Registry abstracts agent storage. Agents are never deleted, only
// deactivated.
type Registry interface {
	Register(ctx context.Context, agent *protocol.Agent) error
	Get(ctx context.Context, id protocol.AgentID) (*protocol.Agent, error)
	UpdatePreferences(ctx context.Context, id protocol.AgentID, prefs protocol.Preferences) error
	UpdateCapabilities(ctx context.Context, id protocol.AgentID, caps []string) error
	SetState(ctx context.Context, id protocol.AgentID, state protocol.AgentState) error
	// ListByCapability returns ids of agents declaring the tag,
	// regardless of state; callers filter on state and reputation.
	ListByCapability(ctx context.Context, tag string) ([]protocol.AgentID, error)
	List(ctx context.Context) ([]*protocol.Agent, error)
}

// InMemoryRegistry is a thread-safe in-memory implementation. The
// capability index is refreshed on every mutation.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	agents map[protocol.AgentID]*protocol.Agent
	index  map[string]map[protocol.AgentID]struct{}
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		agents: make(map[protocol.AgentID]*protocol.Agent),
		index:  make(map[string]map[protocol.AgentID]struct{}),
	}
}

func (r *InMemoryRegistry) Register(_ context.Context, agent *protocol.Agent) error {
	if agent == nil {
		return fmt.Errorf("%w: nil agent", protocol.ErrValidation)
	}
	if err := agent.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("%w: agent %s already registered", protocol.ErrConflict, agent.ID)
	}

	stored := cloneAgent(agent)
	r.agents[agent.ID] = stored
	r.reindex(stored.ID, nil, stored.Capabilities)
	return nil
}

func (r *InMemoryRegistry) Get(_ context.Context, id protocol.AgentID) (*protocol.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", protocol.ErrNotFound, id)
	}
	return cloneAgent(agent), nil
}

func (r *InMemoryRegistry) UpdatePreferences(_ context.Context, id protocol.AgentID, prefs protocol.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", protocol.ErrNotFound, id)
	}
	agent.Preferences = prefs
	return nil
}

func (r *InMemoryRegistry) UpdateCapabilities(_ context.Context, id protocol.AgentID, caps []string) error {
	if len(caps) == 0 {
		return fmt.Errorf("%w: agent must declare at least one capability", protocol.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", protocol.ErrNotFound, id)
	}
	old := agent.Capabilities
	agent.Capabilities = append([]string(nil), caps...)
	r.reindex(id, old, agent.Capabilities)
	return nil
}

func (r *InMemoryRegistry) SetState(_ context.Context, id protocol.AgentID, state protocol.AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", protocol.ErrNotFound, id)
	}
	agent.State = state
	return nil
}

func (r *InMemoryRegistry) ListByCapability(_ context.Context, tag string) ([]protocol.AgentID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.index[tag]
	ids := make([]protocol.AgentID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *InMemoryRegistry) List(_ context.Context) ([]*protocol.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*protocol.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, cloneAgent(agent))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// reindex must be called with the write lock held.
func (r *InMemoryRegistry) reindex(id protocol.AgentID, old, current []string) {
	for _, tag := range old {
		if set := r.index[tag]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.index, tag)
			}
		}
	}
	for _, tag := range current {
		set := r.index[tag]
		if set == nil {
			set = make(map[protocol.AgentID]struct{})
			r.index[tag] = set
		}
		set[id] = struct{}{}
	}
}

func cloneAgent(a *protocol.Agent) *protocol.Agent {
	clone := *a
	clone.PublicKey = append([]byte(nil), a.PublicKey...)
	clone.Capabilities = append([]string(nil), a.Capabilities...)
	return &clone
}
