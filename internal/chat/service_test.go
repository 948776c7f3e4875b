package chat

import (
	"context"
	"testing"
	"time"

	"github.com/tripweaver/tripweaver/backend/internal/agents"
	"github.com/tripweaver/tripweaver/backend/internal/change"
	"github.com/tripweaver/tripweaver/backend/internal/disambig"
	"github.com/tripweaver/tripweaver/backend/internal/hub"
	"github.com/tripweaver/tripweaver/backend/internal/store"
	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

type stubClassifier struct {
	cl           models.Classification
	lastScope    models.Scope
	lastSelected string
}

func (s *stubClassifier) Classify(ctx context.Context, text string, scope models.Scope, selectedNodeID string) models.Classification {
	s.lastScope = scope
	s.lastSelected = selectedNodeID
	return s.cl
}

type stubGenerator struct {
	fn func(prompt string) (string, error)
}

func (s *stubGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	return s.fn(prompt)
}

type fixture struct {
	store      *store.MemoryStore
	service    *Service
	resolver   *disambig.Resolver
	hub        *hub.Hub
	classifier *stubClassifier
}

func newFixture(t *testing.T, cl models.Classification, gen *stubGenerator, autoApply bool) *fixture {
	t.Helper()

	st := store.NewMemoryStore("", 0)
	t.Cleanup(func() { st.Close() })

	reg := agents.NewRegistry()
	if gen != nil {
		reg.Register(agents.NewEditor(gen))
	}

	res := disambig.NewResolver(0)
	t.Cleanup(res.Close)
	h := hub.New()

	classifier := &stubClassifier{cl: cl}
	svc := NewService(st, classifier, reg, change.NewEngine(st), res, h, autoApply)
	return &fixture{store: st, service: svc, resolver: res, hub: h, classifier: classifier}
}

func seedTwoLunches(t *testing.T, st store.Store) *models.Itinerary {
	t.Helper()
	it := &models.Itinerary{
		ID:      "trip-1",
		Name:    "Lisbon",
		Version: 1,
		Days: []models.Day{{Number: 1, Nodes: []models.Node{
			{ID: "a", Type: models.NodeMeal, Title: "Lunch", Timing: &models.Timing{Start: "12:00"}},
			{ID: "b", Type: models.NodeMeal, Title: "Lunch", Timing: &models.Timing{Start: "12:30"}},
		}}},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.CreateItinerary(context.Background(), it); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return it
}

func TestUnknownIntentAsksClarifyingQuestion(t *testing.T) {
	f := newFixture(t, models.Classification{Task: models.TaskUnknown, Confidence: 0.2}, nil, false)
	seedTwoLunches(t, f.store)

	resp, err := f.service.HandleMessage(context.Background(), Request{ItineraryID: "trip-1", Text: "hello there"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Intent != models.TaskUnknown || resp.Message == "" {
		t.Errorf("unknown intent should yield a clarifying question, got %+v", resp)
	}
	if resp.Applied || resp.NeedsDisambiguation {
		t.Error("unknown intent must not dispatch an agent")
	}
}

func TestNoCapableAgentDeclinesGracefully(t *testing.T) {
	f := newFixture(t, models.Classification{Task: models.TaskBook, Confidence: 0.9}, nil, false)
	seedTwoLunches(t, f.store)

	resp, err := f.service.HandleMessage(context.Background(), Request{ItineraryID: "trip-1", Text: "book the lunch"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Message == "" || resp.Applied {
		t.Errorf("missing agent should be a graceful decline, got %+v", resp)
	}
}

func TestClassificationReceivesScopeAndSelection(t *testing.T) {
	f := newFixture(t, models.Classification{Task: models.TaskUnknown}, nil, false)
	seedTwoLunches(t, f.store)

	_, err := f.service.HandleMessage(context.Background(), Request{
		ItineraryID:    "trip-1",
		Text:           "tell me more",
		Scope:          models.ScopeNode,
		SelectedNodeID: "a",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.classifier.lastScope != models.ScopeNode {
		t.Errorf("classifier saw scope %q, want %q", f.classifier.lastScope, models.ScopeNode)
	}
	if f.classifier.lastSelected != "a" {
		t.Errorf("classifier saw selected node %q, want %q", f.classifier.lastSelected, "a")
	}
}

func TestEveryTurnAppendsExactlyOneAssistantMessage(t *testing.T) {
	f := newFixture(t, models.Classification{Task: models.TaskUnknown}, nil, false)
	seedTwoLunches(t, f.store)
	ctx := context.Background()

	if _, err := f.service.HandleMessage(ctx, Request{ItineraryID: "trip-1", Text: "???"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	msgs, _ := f.store.ListChatMessages(ctx, "trip-1", 0)
	var users, assistants int
	for _, m := range msgs {
		switch m.Sender {
		case "user":
			users++
		case "assistant":
			assistants++
		}
	}
	if users != 1 || assistants != 1 {
		t.Errorf("one turn = one user + one assistant message, got %d/%d", users, assistants)
	}
}

func TestDisambiguationScenarioMoveLunchTo2pm(t *testing.T) {
	// Stub model: when re-invoked with a pinned target, retime that node.
	gen := &stubGenerator{fn: func(prompt string) (string, error) {
		return `{"summary": "Moved lunch to 2pm.",
			"operations": [{"op":"update","scope":"node","target_id":"a","patch":{"timing":{"start":"14:00"}}}]}`, nil
	}}
	f := newFixture(t, models.Classification{Task: models.TaskEdit, Confidence: 0.9}, gen, false)
	seedTwoLunches(t, f.store)
	ctx := context.Background()

	sub := f.hub.Subscribe("trip-1")
	defer f.hub.Unsubscribe(sub)

	// Turn 1: ambiguous reference.
	resp, err := f.service.HandleMessage(ctx, Request{ItineraryID: "trip-1", Text: "move lunch to 2pm"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !resp.NeedsDisambiguation {
		t.Fatalf("two matching lunches must disambiguate, got %+v", resp)
	}
	if len(resp.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(resp.Candidates))
	}

	// Turn 2: pick the first candidate; the proposal applies directly.
	resp2, err := f.service.HandleDisambiguation(ctx, DisambiguateRequest{
		ItineraryID:       "trip-1",
		OriginalText:      "move lunch to 2pm",
		SelectedCandidate: 0,
	})
	if err != nil {
		t.Fatalf("disambiguate: %v", err)
	}
	if !resp2.Applied {
		t.Fatalf("selection should yield applied=true, got %+v", resp2)
	}
	if resp2.Version != 2 {
		t.Errorf("version = %d, want 2", resp2.Version)
	}

	// The chosen node changed, the other lunch did not.
	it, _ := f.store.GetItinerary(ctx, "trip-1")
	chosen, _, _, _ := it.FindNode("a")
	other, _, _, _ := it.FindNode("b")
	if chosen.Timing.Start != "14:00" {
		t.Errorf("chosen lunch timing = %q, want 14:00", chosen.Timing.Start)
	}
	if other.Timing.Start != "12:30" {
		t.Errorf("the other lunch must be untouched, got %q", other.Timing.Start)
	}
	if len(resp2.Diff.Entries) != 1 || resp2.Diff.Entries[0].NodeID != "a" {
		t.Errorf("diff should show exactly the chosen node, got %+v", resp2.Diff)
	}

	// Subscribers saw the version-stamped update.
	var sawUpdate bool
	deadline := time.After(time.Second)
	for !sawUpdate {
		select {
		case ev := <-sub.C:
			if ev.Type == models.EventItineraryUpdated && ev.Version == 2 {
				sawUpdate = true
			}
		case <-deadline:
			t.Fatal("no itinerary_updated event seen")
		}
	}
}

func TestUnrelatedMessageCancelsPendingDisambiguation(t *testing.T) {
	gen := &stubGenerator{fn: func(prompt string) (string, error) {
		return `{"summary":"x","operations":[]}`, nil
	}}
	f := newFixture(t, models.Classification{Task: models.TaskEdit, Confidence: 0.9}, gen, false)
	seedTwoLunches(t, f.store)
	ctx := context.Background()

	resp, err := f.service.HandleMessage(ctx, Request{ItineraryID: "trip-1", Text: "move lunch to 2pm"})
	if err != nil || !resp.NeedsDisambiguation {
		t.Fatalf("setup: expected pending disambiguation (%v, %+v)", err, resp)
	}

	// An unrelated message starts fresh; the pending selection is gone.
	if _, err := f.service.HandleMessage(ctx, Request{ItineraryID: "trip-1", Text: "delete the tram ride"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.resolver.Awaiting("trip-1") {
		t.Error("new message should cancel the pending disambiguation")
	}

	resp3, err := f.service.HandleDisambiguation(ctx, DisambiguateRequest{ItineraryID: "trip-1", SelectedCandidate: 0})
	if err != nil {
		t.Fatalf("disambiguate: %v", err)
	}
	if resp3.Applied {
		t.Error("selection after cancellation must not apply anything")
	}
}

func TestProposalWithoutAutoApplyNeedsExplicitApply(t *testing.T) {
	gen := &stubGenerator{fn: func(prompt string) (string, error) {
		return `{"summary": "Retimed lunch.",
			"operations": [{"op":"update","scope":"node","target_id":"a","patch":{"timing":{"start":"14:00"}}}]}`, nil
	}}
	f := newFixture(t, models.Classification{Task: models.TaskEdit, Confidence: 0.9}, gen, false)
	it := seedTwoLunches(t, f.store)
	ctx := context.Background()

	resp, err := f.service.HandleMessage(ctx, Request{
		ItineraryID:    "trip-1",
		Text:           "move lunch to 2pm",
		SelectedNodeID: "a",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Applied {
		t.Fatal("auto-apply off: the proposal must not be committed")
	}
	if resp.ChangeSet == nil || resp.Diff == nil {
		t.Fatal("proposal response must carry the change set and diff preview")
	}

	stored, _ := f.store.GetItinerary(ctx, "trip-1")
	if stored.Version != it.Version {
		t.Fatalf("itinerary must be unchanged before explicit apply")
	}

	result, err := f.service.Apply(ctx, "trip-1", resp.ChangeSet)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.Success || result.Version != it.Version+1 {
		t.Errorf("explicit apply should commit, got %+v", result)
	}
}

func TestStaleChangeSetConflictsOnApply(t *testing.T) {
	gen := &stubGenerator{fn: func(prompt string) (string, error) {
		return `{"summary": "Retimed lunch.",
			"operations": [{"op":"update","scope":"node","target_id":"a","patch":{"timing":{"start":"14:00"}}}]}`, nil
	}}
	f := newFixture(t, models.Classification{Task: models.TaskEdit, Confidence: 0.9}, gen, false)
	seedTwoLunches(t, f.store)
	ctx := context.Background()

	resp, err := f.service.HandleMessage(ctx, Request{ItineraryID: "trip-1", Text: "move lunch to 2pm", SelectedNodeID: "a"})
	if err != nil || resp.ChangeSet == nil {
		t.Fatalf("setup: %v %+v", err, resp)
	}

	// Another writer lands first.
	eng := change.NewEngine(f.store)
	title := "Brunch"
	out, err := eng.Apply(ctx, &models.ChangeSet{
		ItineraryID: "trip-1",
		BaseVersion: 1,
		Operations:  []models.ChangeOperation{{Op: models.OpUpdate, TargetID: "b", Patch: &models.NodePatch{Title: &title}}},
	}, "other")
	if err != nil || out.Result.Status != change.StatusApplied {
		t.Fatalf("competing apply failed: %v %+v", err, out)
	}

	result, err := f.service.Apply(ctx, "trip-1", resp.ChangeSet)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Success {
		t.Error("stale change set must conflict, not merge")
	}
}
