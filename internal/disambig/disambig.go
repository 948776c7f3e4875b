// Package disambig holds pending ambiguous requests awaiting a user
// selection. One pending disambiguation exists per conversation at a
// time; an unrelated message cancels it, and a janitor expires
// conversations abandoned mid-selection.
package disambig

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

// Pending is the stored context of an ambiguous request: enough to
// re-invoke the originating agent once the user picks a candidate,
// without re-running intent classification.
type Pending struct {
	AgentName  string
	Task       models.Task
	Text       string
	Scope      models.Scope
	DayNumber  int
	Candidates []models.NodeCandidate
	CreatedAt  time.Time
}

// Resolver is the per-conversation disambiguation state machine:
// Idle -> AwaitingSelection -> (Resolved | Cancelled) -> Idle.
type Resolver struct {
	mu      sync.Mutex
	pending map[string]*Pending // key: conversation

	ttl       time.Duration
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewResolver creates a resolver. Pending entries idle longer than ttl
// are evicted; zero disables expiry.
func NewResolver(ttl time.Duration) *Resolver {
	r := &Resolver{
		pending: make(map[string]*Pending),
		ttl:     ttl,
		doneCh:  make(chan struct{}),
	}
	if ttl > 0 {
		go r.janitor()
	}
	return r
}

// Begin enters AwaitingSelection for the conversation. Any previously
// pending disambiguation is replaced; only one exists at a time.
func (r *Resolver) Begin(conversation string, p Pending) {
	p.CreatedAt = time.Now()
	r.mu.Lock()
	r.pending[conversation] = &p
	r.mu.Unlock()

	log.Debug().
		Str("conversation", conversation).
		Str("agent", p.AgentName).
		Int("candidates", len(p.Candidates)).
		Msg("Awaiting disambiguation selection")
}

// Resolve consumes the pending entry and returns it with the chosen
// candidate. An out-of-range selection keeps the entry pending so the
// user can choose again.
func (r *Resolver) Resolve(conversation string, selected int) (*Pending, models.NodeCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[conversation]
	if !ok {
		return nil, models.NodeCandidate{}, fmt.Errorf("no pending disambiguation for this conversation")
	}
	if selected < 0 || selected >= len(p.Candidates) {
		return nil, models.NodeCandidate{}, fmt.Errorf("selection %d out of range (%d candidates)", selected, len(p.Candidates))
	}

	delete(r.pending, conversation)
	return p, p.Candidates[selected], nil
}

// Cancel drops any pending entry, reporting whether one existed. Called
// when an unrelated message arrives mid-selection.
func (r *Resolver) Cancel(conversation string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[conversation]; !ok {
		return false
	}
	delete(r.pending, conversation)
	return true
}

// Awaiting reports whether the conversation has a pending selection.
func (r *Resolver) Awaiting(conversation string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[conversation]
	return ok
}

// Close stops the janitor.
func (r *Resolver) Close() {
	r.closeOnce.Do(func() { close(r.doneCh) })
}

func (r *Resolver) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.doneCh:
			return
		case <-ticker.C:
			r.evictExpired()
		}
	}
}

func (r *Resolver) evictExpired() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var evicted int
	for key, p := range r.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(r.pending, key)
			evicted++
		}
	}
	r.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("Expired abandoned disambiguations")
	}
}
