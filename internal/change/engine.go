// Package change implements the change engine: validation and atomic
// application of ChangeSets against versioned itineraries, diff
// computation, and rollback via fresh applies.
//
// Applies for a given itinerary id are serialized through a per-itinerary
// lock, so two ChangeSets can never interleave against the same version.
// Proposal generation stays read-only and runs concurrently; conflicts
// are detected at validate time by comparing base versions.
package change

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/internal/store"
	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

// ── Results ─────────────────────────────────────────────────

// Status classifies the outcome of a validate or apply.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusOk       Status = "ok"
	StatusConflict Status = "conflict"
	StatusInvalid  Status = "invalid"
)

// Result is the explicit outcome value for expected conditions. Stale
// versions and constraint violations are results, not errors.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Outcome is the result of an Apply or Rollback. Itinerary, Diff and
// Revision are populated only when Result.Status == StatusApplied.
type Outcome struct {
	Result    Result               `json:"result"`
	Itinerary *models.Itinerary    `json:"itinerary,omitempty"`
	Diff      *models.Diff         `json:"diff,omitempty"`
	Revision  *models.RevisionInfo `json:"revision,omitempty"`
}

// ── Engine ──────────────────────────────────────────────────

// Engine validates and applies ChangeSets. It owns all itinerary
// mutation; nothing else calls store.SaveItinerary.
type Engine struct {
	store store.Store

	// Per-itinerary write locks (single-writer discipline).
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine creates a change engine on top of the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{
		store: s,
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(itineraryID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[itineraryID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[itineraryID] = mu
	}
	return mu
}

// ── Validation ──────────────────────────────────────────────

// Validate checks a ChangeSet against an itinerary snapshot without
// mutating anything. Returns StatusOk, StatusConflict (stale base
// version) or StatusInvalid (unknown target, locked node, bad payload).
func (e *Engine) Validate(cs *models.ChangeSet, it *models.Itinerary) Result {
	return Validate(cs, it)
}

// Preview validates a ChangeSet and computes the diff it would produce,
// without persisting anything. Agents use it to attach a diff to a
// proposal before the user confirms.
func Preview(it *models.Itinerary, cs *models.ChangeSet) (*models.Diff, Result) {
	if res := Validate(cs, it); res.Status != StatusOk {
		return nil, res
	}
	next := it.Clone()
	touched, err := applyOperations(next, cs.Operations, "preview")
	if err != nil {
		return nil, Result{Status: StatusInvalid, Message: err.Error()}
	}
	return BuildDiff(it, next, touched), Result{Status: StatusOk}
}

// Validate is the package-level form used by Preview and the engine.
func Validate(cs *models.ChangeSet, it *models.Itinerary) Result {
	if cs.BaseVersion != it.Version {
		return Result{
			Status: StatusConflict,
			Message: fmt.Sprintf("change set was computed against version %d but the itinerary is at version %d; refresh and retry",
				cs.BaseVersion, it.Version),
		}
	}
	if len(cs.Operations) == 0 {
		return Result{Status: StatusInvalid, Message: "change set contains no operations"}
	}

	seen := make(map[string]bool, it.NodeCount())
	for i := range it.Days {
		for j := range it.Days[i].Nodes {
			seen[it.Days[i].Nodes[j].ID] = true
		}
	}

	for i, op := range cs.Operations {
		switch op.Op {
		case models.OpInsert:
			if op.Node == nil {
				return invalidOp(i, "insert requires a node payload")
			}
			if op.Node.ID != "" && seen[op.Node.ID] {
				return invalidOp(i, fmt.Sprintf("node id %s already exists", op.Node.ID))
			}
			if it.DayByNumber(op.DayNumber) == nil {
				return invalidOp(i, fmt.Sprintf("day %d does not exist", op.DayNumber))
			}
			if op.Node.ID != "" {
				seen[op.Node.ID] = true
			}
		case models.OpUpdate, models.OpReplace, models.OpDelete, models.OpMove:
			node, _, _, ok := it.FindNode(op.TargetID)
			if !ok {
				return invalidOp(i, fmt.Sprintf("node %s does not exist", op.TargetID))
			}
			if node.Locked && !op.Override {
				return invalidOp(i, fmt.Sprintf("node %s is locked", op.TargetID))
			}
			if op.Op == models.OpUpdate && op.Patch == nil {
				return invalidOp(i, "update requires a patch")
			}
			if op.Op == models.OpReplace && op.Node == nil {
				return invalidOp(i, "replace requires a node payload")
			}
			if op.Op == models.OpMove && it.DayByNumber(op.ToDayNumber) == nil {
				return invalidOp(i, fmt.Sprintf("target day %d does not exist", op.ToDayNumber))
			}
			if op.Op == models.OpDelete {
				delete(seen, op.TargetID)
			}
		default:
			return invalidOp(i, fmt.Sprintf("unknown operation %q", op.Op))
		}
	}

	return Result{Status: StatusOk}
}

func invalidOp(index int, msg string) Result {
	return Result{Status: StatusInvalid, Message: fmt.Sprintf("operation %d: %s", index, msg)}
}

// ── Apply ───────────────────────────────────────────────────

// Apply validates and atomically applies a ChangeSet. Either every
// operation commits and the version increments by exactly one, or
// nothing changes. Exactly one RevisionInfo is appended per successful
// apply. The returned error covers only unexpected storage failures;
// conflicts and validation failures come back as Result values.
func (e *Engine) Apply(ctx context.Context, cs *models.ChangeSet, author string) (*Outcome, error) {
	mu := e.lockFor(cs.ItineraryID)
	mu.Lock()
	defer mu.Unlock()

	current, err := e.store.GetItinerary(ctx, cs.ItineraryID)
	if err != nil {
		return nil, fmt.Errorf("load itinerary: %w", err)
	}

	// Revalidate under the lock; the snapshot the proposal was computed
	// against may have gone stale while the proposal was being generated.
	if res := e.Validate(cs, current); res.Status != StatusOk {
		return &Outcome{Result: res}, nil
	}

	next := current.Clone()
	touched, err := applyOperations(next, cs.Operations, author)
	if err != nil {
		// Validate should have caught everything; treat as invalid, not fatal.
		return &Outcome{Result: Result{Status: StatusInvalid, Message: err.Error()}}, nil
	}

	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	diff := BuildDiff(current, next, touched)
	rev := newRevision(next, cs, author)

	if err := e.commit(ctx, current, next, rev); err != nil {
		return nil, err
	}

	log.Info().
		Str("itinerary", next.ID).
		Int("version", next.Version).
		Int("operations", len(cs.Operations)).
		Str("revision", rev.ID).
		Msg("Change set applied")

	return &Outcome{
		Result:    Result{Status: StatusApplied},
		Itinerary: next,
		Diff:      diff,
		Revision:  rev,
	}, nil
}

// commit persists the new state and its revision record together. A
// failed revision append writes the previous state back, so a version
// bump never outlives its revision entry.
func (e *Engine) commit(ctx context.Context, prev, next *models.Itinerary, rev *models.RevisionInfo) error {
	if err := e.store.SaveItinerary(ctx, next); err != nil {
		return fmt.Errorf("save itinerary: %w", err)
	}
	if err := e.store.AppendRevision(ctx, rev); err != nil {
		if undoErr := e.store.SaveItinerary(ctx, prev); undoErr != nil {
			log.Error().Err(undoErr).Str("itinerary", next.ID).Msg("Failed to restore state after revision append failure")
		}
		return fmt.Errorf("append revision: %w", err)
	}
	return nil
}

// applyOperations mutates it in place, returning the ids of every node
// the operations touched, in operation order.
func applyOperations(it *models.Itinerary, ops []models.ChangeOperation, author string) ([]string, error) {
	now := time.Now().UTC()
	var touched []string

	for i := range ops {
		op := ops[i]
		switch op.Op {
		case models.OpInsert:
			day := it.DayByNumber(op.DayNumber)
			if day == nil {
				return nil, fmt.Errorf("day %d does not exist", op.DayNumber)
			}
			node := op.Node.Clone()
			if node.ID == "" {
				node.ID = uuid.New().String()
			}
			node.UpdatedBy = author
			node.UpdatedAt = now
			day.Nodes = spliceNode(day.Nodes, *node, op.Position)
			touched = append(touched, node.ID)

		case models.OpDelete:
			_, di, ni, ok := it.FindNode(op.TargetID)
			if !ok {
				return nil, fmt.Errorf("node %s does not exist", op.TargetID)
			}
			day := &it.Days[di]
			day.Nodes = append(day.Nodes[:ni], day.Nodes[ni+1:]...)
			touched = append(touched, op.TargetID)

		case models.OpMove:
			_, di, ni, ok := it.FindNode(op.TargetID)
			if !ok {
				return nil, fmt.Errorf("node %s does not exist", op.TargetID)
			}
			src := &it.Days[di]
			node := src.Nodes[ni]
			src.Nodes = append(src.Nodes[:ni], src.Nodes[ni+1:]...)
			dst := it.DayByNumber(op.ToDayNumber)
			if dst == nil {
				return nil, fmt.Errorf("target day %d does not exist", op.ToDayNumber)
			}
			node.UpdatedBy = author
			node.UpdatedAt = now
			dst.Nodes = spliceNode(dst.Nodes, node, op.ToPosition)
			touched = append(touched, op.TargetID)

		case models.OpUpdate:
			node, _, _, ok := it.FindNode(op.TargetID)
			if !ok {
				return nil, fmt.Errorf("node %s does not exist", op.TargetID)
			}
			applyPatch(node, op.Patch)
			node.UpdatedBy = author
			node.UpdatedAt = now
			touched = append(touched, op.TargetID)

		case models.OpReplace:
			node, di, ni, ok := it.FindNode(op.TargetID)
			if !ok {
				return nil, fmt.Errorf("node %s does not exist", op.TargetID)
			}
			replacement := op.Node.Clone()
			replacement.ID = node.ID // id survives a replace
			replacement.UpdatedBy = author
			replacement.UpdatedAt = now
			it.Days[di].Nodes[ni] = *replacement
			touched = append(touched, op.TargetID)

		default:
			return nil, fmt.Errorf("unknown operation %q", op.Op)
		}
	}
	return touched, nil
}

// spliceNode inserts node at pos, or appends when pos is nil or out of range.
func spliceNode(nodes []models.Node, node models.Node, pos *int) []models.Node {
	if pos == nil || *pos < 0 || *pos >= len(nodes) {
		return append(nodes, node)
	}
	nodes = append(nodes, models.Node{})
	copy(nodes[*pos+1:], nodes[*pos:])
	nodes[*pos] = node
	return nodes
}

func applyPatch(node *models.Node, patch *models.NodePatch) {
	if patch == nil {
		return
	}
	if patch.Title != nil {
		node.Title = *patch.Title
	}
	if patch.Details != nil {
		node.Details = *patch.Details
	}
	if patch.Location != nil {
		loc := *patch.Location
		node.Location = &loc
	}
	if patch.Timing != nil {
		t := *patch.Timing
		node.Timing = &t
	}
	if patch.Cost != nil {
		c := *patch.Cost
		node.Cost = &c
	}
	if patch.Booking != nil {
		b := *patch.Booking
		node.Booking = &b
	}
	if patch.Locked != nil {
		node.Locked = *patch.Locked
	}
}

// ── Diff ────────────────────────────────────────────────────

// BuildDiff is a pure function producing the before/after pair for every
// node in touched. Before is nil when the node was inserted, After is nil
// when it was deleted. Duplicate touches collapse into one entry keyed on
// the first occurrence.
func BuildDiff(before, after *models.Itinerary, touched []string) *models.Diff {
	diff := &models.Diff{}
	done := make(map[string]bool, len(touched))

	for _, id := range touched {
		if done[id] {
			continue
		}
		done[id] = true

		entry := models.DiffEntry{NodeID: id}
		if node, di, _, ok := before.FindNode(id); ok {
			entry.Before = node.Clone()
			entry.DayNumber = before.Days[di].Number
		}
		if node, di, _, ok := after.FindNode(id); ok {
			entry.After = node.Clone()
			entry.DayNumber = after.Days[di].Number
		}
		diff.Entries = append(diff.Entries, entry)
	}
	return diff
}

// ── Revisions & rollback ────────────────────────────────────

func newRevision(applied *models.Itinerary, cs *models.ChangeSet, author string) *models.RevisionInfo {
	desc := cs.Description
	if desc == "" {
		desc = fmt.Sprintf("%d operation(s) via %s", len(cs.Operations), cs.Intent)
	}
	return &models.RevisionInfo{
		ID:          uuid.New().String(),
		ItineraryID: applied.ID,
		Version:     applied.Version,
		Description: desc,
		Author:      author,
		Operations:  cs.Operations,
		Snapshot:    applied.Clone(),
		CreatedAt:   time.Now().UTC(),
	}
}

// RollbackToRevision restores a past revision's content as the new
// current state. It is a fresh apply: the version keeps increasing and a
// new RevisionInfo is appended. Existing revisions are never rewritten.
func (e *Engine) RollbackToRevision(ctx context.Context, itineraryID, revisionID, author string) (*Outcome, error) {
	rev, err := e.store.GetRevision(ctx, itineraryID, revisionID)
	if err != nil {
		return nil, fmt.Errorf("load revision: %w", err)
	}
	if rev.Snapshot == nil {
		return &Outcome{Result: Result{
			Status:  StatusInvalid,
			Message: fmt.Sprintf("revision %s carries no snapshot", revisionID),
		}}, nil
	}

	mu := e.lockFor(itineraryID)
	mu.Lock()
	defer mu.Unlock()

	current, err := e.store.GetItinerary(ctx, itineraryID)
	if err != nil {
		return nil, fmt.Errorf("load itinerary: %w", err)
	}

	next := rev.Snapshot.Clone()
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	touched := unionNodeIDs(current, next)
	diff := BuildDiff(current, next, touched)

	cs := &models.ChangeSet{
		ID:          uuid.New().String(),
		ItineraryID: itineraryID,
		BaseVersion: current.Version,
		Operations:  []models.ChangeOperation{{Op: models.OpReplace, Scope: models.ScopeTrip}},
		Description: fmt.Sprintf("rollback to revision %s (version %d)", rev.ID, rev.Version),
		CreatedAt:   time.Now().UTC(),
	}
	newRev := newRevision(next, cs, author)

	if err := e.commit(ctx, current, next, newRev); err != nil {
		return nil, err
	}

	log.Info().
		Str("itinerary", itineraryID).
		Str("restored_revision", rev.ID).
		Int("version", next.Version).
		Msg("Rolled back to revision")

	return &Outcome{
		Result:    Result{Status: StatusApplied},
		Itinerary: next,
		Diff:      diff,
		Revision:  newRev,
	}, nil
}

// unionNodeIDs returns every node id present in either itinerary, in
// stable order (before first, then new ids from after).
func unionNodeIDs(before, after *models.Itinerary) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, it := range []*models.Itinerary{before, after} {
		for i := range it.Days {
			for j := range it.Days[i].Nodes {
				id := it.Days[i].Nodes[j].ID
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}
