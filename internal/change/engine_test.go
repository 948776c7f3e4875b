package change

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tripweaver/tripweaver/backend/internal/store"
	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore("", 0)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedItinerary(t *testing.T, s store.Store) *models.Itinerary {
	t.Helper()
	it := &models.Itinerary{
		ID:      "trip-1",
		Name:    "Lisbon long weekend",
		Version: 1,
		Days: []models.Day{
			{Number: 1, Nodes: []models.Node{
				{ID: "n1", Type: models.NodeMeal, Title: "Lunch at the market"},
				{ID: "n2", Type: models.NodeActivity, Title: "Tram 28 ride"},
			}},
			{Number: 2, Nodes: []models.Node{
				{ID: "n3", Type: models.NodeLodging, Title: "Hotel check-in", Locked: true},
			}},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateItinerary(context.Background(), it); err != nil {
		t.Fatalf("seed itinerary: %v", err)
	}
	return it
}

func intPtr(i int) *int { return &i }

func strPtr(s string) *string { return &s }

func TestApplyIncrementsVersionByOne(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)

	cs := &models.ChangeSet{
		ID:          "cs-1",
		ItineraryID: it.ID,
		BaseVersion: it.Version,
		Operations: []models.ChangeOperation{
			{Op: models.OpInsert, Scope: models.ScopeDay, DayNumber: 1, Node: &models.Node{Type: models.NodeActivity, Title: "Fado show"}},
			{Op: models.OpUpdate, Scope: models.ScopeNode, TargetID: "n2", Patch: &models.NodePatch{Title: strPtr("Tram 28 at sunset")}},
		},
	}

	out, err := eng.Apply(context.Background(), cs, "assistant")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Result.Status != StatusApplied {
		t.Fatalf("expected applied, got %s: %s", out.Result.Status, out.Result.Message)
	}
	if out.Itinerary.Version != it.Version+1 {
		t.Errorf("expected version %d, got %d", it.Version+1, out.Itinerary.Version)
	}
	if len(out.Diff.Entries) != 2 {
		t.Errorf("expected 2 diff entries, got %d", len(out.Diff.Entries))
	}
	if out.Revision == nil || out.Revision.Version != out.Itinerary.Version {
		t.Errorf("revision should carry the post-apply version")
	}

	stored, err := s.GetItinerary(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != it.Version+1 {
		t.Errorf("stored version = %d, want %d", stored.Version, it.Version+1)
	}
	if len(stored.Days[0].Nodes) != 3 {
		t.Errorf("expected 3 nodes on day 1, got %d", len(stored.Days[0].Nodes))
	}
}

func TestApplyStaleBaseVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)

	cs := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: it.Version - 1,
		Operations:  []models.ChangeOperation{{Op: models.OpDelete, TargetID: "n1"}},
	}

	out, err := eng.Apply(context.Background(), cs, "assistant")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Result.Status != StatusConflict {
		t.Fatalf("expected conflict, got %s", out.Result.Status)
	}

	stored, _ := s.GetItinerary(context.Background(), it.ID)
	if stored.Version != it.Version {
		t.Errorf("conflict must not bump the version")
	}
}

func TestApplyLockedNodeLeavesItineraryUntouched(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)

	before, _ := s.GetItinerary(context.Background(), it.ID)
	beforeJSON, _ := json.Marshal(before)

	cs := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: it.Version,
		Operations: []models.ChangeOperation{
			{Op: models.OpUpdate, TargetID: "n1", Patch: &models.NodePatch{Title: strPtr("Brunch")}},
			{Op: models.OpDelete, TargetID: "n3"}, // locked, no override
		},
	}

	out, err := eng.Apply(context.Background(), cs, "assistant")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Result.Status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", out.Result.Status)
	}

	after, _ := s.GetItinerary(context.Background(), it.ID)
	afterJSON, _ := json.Marshal(after)
	if string(beforeJSON) != string(afterJSON) {
		t.Errorf("rejected change set must leave the itinerary byte-identical")
	}

	revs, _ := s.ListRevisions(context.Background(), it.ID)
	if len(revs) != 0 {
		t.Errorf("rejected change set must not append a revision")
	}
}

func TestApplyLockedNodeWithOverride(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)

	cs := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: it.Version,
		Operations: []models.ChangeOperation{
			{Op: models.OpUpdate, TargetID: "n3", Override: true, Patch: &models.NodePatch{Title: strPtr("Late check-in")}},
		},
	}

	out, err := eng.Apply(context.Background(), cs, "user")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Result.Status != StatusApplied {
		t.Fatalf("override should allow mutating a locked node, got %s: %s", out.Result.Status, out.Result.Message)
	}
	node, _, _, ok := out.Itinerary.FindNode("n3")
	if !ok || node.Title != "Late check-in" {
		t.Errorf("locked node was not updated")
	}
}

func TestMoveAcrossDaysPreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)

	cs := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: it.Version,
		Operations: []models.ChangeOperation{
			{Op: models.OpMove, TargetID: "n1", ToDayNumber: 2, ToPosition: intPtr(0)},
		},
	}

	out, err := eng.Apply(context.Background(), cs, "assistant")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Result.Status != StatusApplied {
		t.Fatalf("expected applied, got %s: %s", out.Result.Status, out.Result.Message)
	}

	node, dayIdx, nodeIdx, ok := out.Itinerary.FindNode("n1")
	if !ok {
		t.Fatal("moved node disappeared")
	}
	if node.Title != "Lunch at the market" {
		t.Errorf("move must preserve node content, got title %q", node.Title)
	}
	if out.Itinerary.Days[dayIdx].Number != 2 || nodeIdx != 0 {
		t.Errorf("node should be first on day 2, got day %d position %d", out.Itinerary.Days[dayIdx].Number, nodeIdx)
	}
	if len(out.Itinerary.Days[0].Nodes) != 1 {
		t.Errorf("source day should have 1 node left, got %d", len(out.Itinerary.Days[0].Nodes))
	}
	if out.Itinerary.NodeCount() != it.NodeCount() {
		t.Errorf("move must not change the node count")
	}
}

func TestInsertAppendsWhenPositionNil(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)

	cs := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: it.Version,
		Operations: []models.ChangeOperation{
			{Op: models.OpInsert, DayNumber: 1, Node: &models.Node{Type: models.NodeMeal, Title: "Dinner"}},
		},
	}

	out, err := eng.Apply(context.Background(), cs, "assistant")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	day := out.Itinerary.DayByNumber(1)
	last := day.Nodes[len(day.Nodes)-1]
	if last.Title != "Dinner" {
		t.Errorf("nil position should append, last node is %q", last.Title)
	}
	if last.ID == "" {
		t.Errorf("inserted node should be assigned an id")
	}
}

func TestReplacePreservesNodeID(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)

	cs := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: it.Version,
		Operations: []models.ChangeOperation{
			{Op: models.OpReplace, TargetID: "n2", Node: &models.Node{ID: "ignored", Type: models.NodeActivity, Title: "Castle visit"}},
		},
	}

	out, err := eng.Apply(context.Background(), cs, "assistant")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	node, _, _, ok := out.Itinerary.FindNode("n2")
	if !ok {
		t.Fatal("replace must keep the target id")
	}
	if node.Title != "Castle visit" {
		t.Errorf("replace did not swap content, got %q", node.Title)
	}
}

func TestValidateUnknownTarget(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)

	cs := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: it.Version,
		Operations:  []models.ChangeOperation{{Op: models.OpDelete, TargetID: "nope"}},
	}
	res := eng.Validate(cs, it)
	if res.Status != StatusInvalid {
		t.Fatalf("expected invalid for unknown target, got %s", res.Status)
	}
}

func TestRollbackIsAFreshApply(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)
	ctx := context.Background()

	// First edit: delete a node, producing revision at version 2.
	cs := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: 1,
		Operations:  []models.ChangeOperation{{Op: models.OpDelete, TargetID: "n1"}},
	}
	out1, err := eng.Apply(ctx, cs, "assistant")
	if err != nil || out1.Result.Status != StatusApplied {
		t.Fatalf("first apply failed: %v %+v", err, out1)
	}

	// Second edit at version 2.
	cs2 := &models.ChangeSet{
		ItineraryID: it.ID,
		BaseVersion: 2,
		Operations: []models.ChangeOperation{
			{Op: models.OpInsert, DayNumber: 1, Node: &models.Node{Type: models.NodeActivity, Title: "Aquarium"}},
		},
	}
	out2, err := eng.Apply(ctx, cs2, "assistant")
	if err != nil || out2.Result.Status != StatusApplied {
		t.Fatalf("second apply failed: %v %+v", err, out2)
	}

	// Roll back to the first revision. Version must keep increasing.
	rb, err := eng.RollbackToRevision(ctx, it.ID, out1.Revision.ID, "user")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rb.Result.Status != StatusApplied {
		t.Fatalf("rollback should apply, got %s: %s", rb.Result.Status, rb.Result.Message)
	}
	if rb.Itinerary.Version != 4 {
		t.Errorf("rollback version = %d, want 4", rb.Itinerary.Version)
	}
	if _, _, _, ok := rb.Itinerary.FindNode("n1"); ok {
		t.Errorf("rollback target state should not contain the deleted node n1")
	}
	if _, _, _, ok := rb.Itinerary.FindNode("n2"); !ok {
		t.Errorf("rollback lost node n2")
	}

	revs, _ := s.ListRevisions(ctx, it.ID)
	if len(revs) != 3 {
		t.Errorf("revision log should strictly grow: want 3 entries, got %d", len(revs))
	}
	for i := 1; i < len(revs); i++ {
		if revs[i].Version <= revs[i-1].Version {
			t.Errorf("revision versions must be strictly increasing")
		}
	}
}

func TestConcurrentAppliesSerialize(t *testing.T) {
	s := newTestStore(t)
	it := seedItinerary(t, s)
	eng := NewEngine(s)
	ctx := context.Background()

	// Two change sets computed against the same base. Exactly one wins.
	mk := func() *models.ChangeSet {
		return &models.ChangeSet{
			ItineraryID: it.ID,
			BaseVersion: it.Version,
			Operations: []models.ChangeOperation{
				{Op: models.OpUpdate, TargetID: "n2", Patch: &models.NodePatch{Title: strPtr("changed")}},
			},
		}
	}

	results := make(chan Status, 2)
	for i := 0; i < 2; i++ {
		go func() {
			out, err := eng.Apply(ctx, mk(), "assistant")
			if err != nil {
				t.Errorf("apply: %v", err)
				results <- StatusInvalid
				return
			}
			results <- out.Result.Status
		}()
	}

	var applied, conflicted int
	for i := 0; i < 2; i++ {
		switch <-results {
		case StatusApplied:
			applied++
		case StatusConflict:
			conflicted++
		}
	}
	if applied != 1 || conflicted != 1 {
		t.Errorf("want exactly one winner and one conflict, got applied=%d conflict=%d", applied, conflicted)
	}

	stored, _ := s.GetItinerary(ctx, it.ID)
	if stored.Version != it.Version+1 {
		t.Errorf("version should advance exactly once, got %d", stored.Version)
	}
}

// revisionFailStore makes revision appends fail on demand, standing in
// for a store backend that can error after the itinerary write.
type revisionFailStore struct {
	*store.MemoryStore
	failAppend bool
}

func (s *revisionFailStore) AppendRevision(ctx context.Context, rev *models.RevisionInfo) error {
	if s.failAppend {
		return errors.New("append refused")
	}
	return s.MemoryStore.AppendRevision(ctx, rev)
}

func TestApplyRestoresStateWhenRevisionAppendFails(t *testing.T) {
	mem := newTestStore(t)
	it := seedItinerary(t, mem)
	fs := &revisionFailStore{MemoryStore: mem, failAppend: true}
	eng := NewEngine(fs)
	ctx := context.Background()

	cs := &models.ChangeSet{
		ID:          "cs-append-fail",
		ItineraryID: it.ID,
		BaseVersion: it.Version,
		Operations: []models.ChangeOperation{
			{Op: models.OpUpdate, Scope: models.ScopeNode, TargetID: "n2", Patch: &models.NodePatch{Title: strPtr("Tram 28 at dawn")}},
		},
	}

	if _, err := eng.Apply(ctx, cs, "assistant"); err == nil {
		t.Fatal("apply should surface the revision append failure")
	}

	stored, err := mem.GetItinerary(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != it.Version {
		t.Errorf("version = %d after failed append, want %d (no bump without a revision)", stored.Version, it.Version)
	}
	if node, _, _, ok := stored.FindNode("n2"); !ok || node.Title != "Tram 28 ride" {
		t.Errorf("node should be restored to its pre-apply state, got %+v", node)
	}
	revs, _ := mem.ListRevisions(ctx, it.ID)
	if len(revs) != 0 {
		t.Errorf("expected no revisions after a failed append, got %d", len(revs))
	}

	// The same change set is still valid against the unchanged base.
	fs.failAppend = false
	out, err := eng.Apply(ctx, cs, "assistant")
	if err != nil {
		t.Fatalf("retry apply: %v", err)
	}
	if out.Result.Status != StatusApplied || out.Itinerary.Version != it.Version+1 {
		t.Errorf("retry should apply cleanly, got %s version %d", out.Result.Status, out.Itinerary.Version)
	}
	revs, _ = mem.ListRevisions(ctx, it.ID)
	if len(revs) != 1 {
		t.Errorf("expected exactly 1 revision after the retry, got %d", len(revs))
	}
}
