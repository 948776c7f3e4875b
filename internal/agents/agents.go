// Package agents defines the agent contract and the registry that routes
// classified tasks to the preferred agent.
//
// Agents are stateless: every invocation carries its full context in the
// AgentRequest, and no agent calls another agent. Each returns a closed
// AgentOutcome union (Proposed, NeedsDisambiguation, Declined, Failed).
package agents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Capabilities advertises what an agent handles. Lower priority wins
// when several agents support the same task.
type Capabilities struct {
	Tasks    []models.Task
	Priority int
	Chat     bool // participates in the chat flow at all
}

// Agent is the closed contract every specialized agent implements.
type Agent interface {
	Name() string
	Capabilities() Capabilities
	Execute(ctx context.Context, req *models.AgentRequest) models.AgentOutcome
}

// Notifier publishes realtime progress events. The hub satisfies this;
// tests use a recording stub.
type Notifier interface {
	Publish(event models.Event)
}

// PlaceResolver is the lookup service agents consult for coordinates.
// Lookup failure is soft: agents proceed without the enriched field.
type PlaceResolver interface {
	Resolve(ctx context.Context, query string) (*models.Location, error)
}

// ── Registry ────────────────────────────────────────────────

// Registry holds the fixed set of agents registered at startup and
// selects one per classified task.
type Registry struct {
	mu     sync.RWMutex
	agents []Agent // registration order, used for tie-breaking
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an agent. Call order matters: ties on priority go to the
// agent registered first.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, a)
}

// Get returns a registered agent by name. The disambiguation flow uses
// this to re-invoke the originating agent directly.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Find(r.agents, func(a Agent) bool { return a.Name() == name })
}

// AgentFor selects the agent for a task: lowest priority among the
// chat-participating agents that support it, ties broken by
// registration order. Returns false when no agent is capable.
func (r *Registry) AgentFor(task models.Task) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type ranked struct {
		agent Agent
		order int
	}
	candidates := []ranked{}
	for i, a := range r.agents {
		caps := a.Capabilities()
		if !caps.Chat {
			continue
		}
		if lo.Contains(caps.Tasks, task) {
			candidates = append(candidates, ranked{agent: a, order: i})
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi := candidates[i].agent.Capabilities().Priority
		pj := candidates[j].agent.Capabilities().Priority
		if pi != pj {
			return pi < pj
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0].agent, true
}

// Dispatch routes one classified task to exactly one agent, returning
// the chosen agent's name alongside its outcome. No capable agent is a
// graceful decline, not an error, and the router never retries with a
// different agent.
func (r *Registry) Dispatch(ctx context.Context, task models.Task, req *models.AgentRequest) (string, models.AgentOutcome) {
	agent, ok := r.AgentFor(task)
	if !ok {
		return "", models.Declined("I can't help with that yet, but I can edit, plan, book, or add details to your itinerary.")
	}
	return agent.Name(), agent.Execute(ctx, req)
}
