package disambig

import (
	"testing"
	"time"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

func candidates() []models.NodeCandidate {
	return []models.NodeCandidate{
		{NodeID: "a", Title: "Lunch", DayNumber: 1, Score: 0.5},
		{NodeID: "b", Title: "Lunch", DayNumber: 1, Score: 0.5},
	}
}

func TestResolveReturnsChosenCandidateAndClears(t *testing.T) {
	r := NewResolver(0)
	defer r.Close()

	r.Begin("conv-1", Pending{AgentName: "editor", Text: "move lunch to 2pm", Candidates: candidates()})

	p, chosen, err := r.Resolve("conv-1", 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.AgentName != "editor" || p.Text != "move lunch to 2pm" {
		t.Errorf("pending context lost: %+v", p)
	}
	if chosen.NodeID != "b" {
		t.Errorf("chosen = %s, want b", chosen.NodeID)
	}
	if r.Awaiting("conv-1") {
		t.Error("resolve should return the conversation to idle")
	}
}

func TestResolveWithoutPendingFails(t *testing.T) {
	r := NewResolver(0)
	defer r.Close()

	if _, _, err := r.Resolve("conv-1", 0); err == nil {
		t.Fatal("resolving an idle conversation should fail")
	}
}

func TestOutOfRangeSelectionKeepsPending(t *testing.T) {
	r := NewResolver(0)
	defer r.Close()

	r.Begin("conv-1", Pending{AgentName: "editor", Candidates: candidates()})
	if _, _, err := r.Resolve("conv-1", 5); err == nil {
		t.Fatal("out-of-range selection should fail")
	}
	if !r.Awaiting("conv-1") {
		t.Error("a bad selection must keep the entry pending for a retry")
	}
}

func TestSecondBeginReplacesFirst(t *testing.T) {
	r := NewResolver(0)
	defer r.Close()

	r.Begin("conv-1", Pending{AgentName: "editor", Text: "first"})
	r.Begin("conv-1", Pending{AgentName: "booking", Text: "second", Candidates: candidates()})

	p, _, err := r.Resolve("conv-1", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.AgentName != "booking" || p.Text != "second" {
		t.Errorf("only one pending per conversation; got %+v", p)
	}
}

func TestCancel(t *testing.T) {
	r := NewResolver(0)
	defer r.Close()

	r.Begin("conv-1", Pending{AgentName: "editor", Candidates: candidates()})
	if !r.Cancel("conv-1") {
		t.Error("cancel should report an entry existed")
	}
	if r.Cancel("conv-1") {
		t.Error("second cancel should be a no-op")
	}
	if r.Awaiting("conv-1") {
		t.Error("cancelled conversation should be idle")
	}
}

func TestEvictExpired(t *testing.T) {
	r := NewResolver(time.Hour)
	defer r.Close()

	r.Begin("stale", Pending{AgentName: "editor", Candidates: candidates()})
	r.mu.Lock()
	r.pending["stale"].CreatedAt = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()
	r.Begin("fresh", Pending{AgentName: "editor", Candidates: candidates()})

	r.evictExpired()

	if r.Awaiting("stale") {
		t.Error("stale entry should be evicted")
	}
	if !r.Awaiting("fresh") {
		t.Error("fresh entry should survive")
	}
}
