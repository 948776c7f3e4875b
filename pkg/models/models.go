// Package models defines the versioned itinerary data model and the
// change/diff primitives shared by every tripweaver component.
package models

import (
	"time"
)

// ── Tasks & Scopes ───────────────────────────────────────────

// Task is the classified intent of a chat message.
type Task string

const (
	TaskEdit    Task = "edit_itinerary"
	TaskPlan    Task = "plan_day"
	TaskBook    Task = "book_node"
	TaskEnrich  Task = "enrich_node"
	TaskUnknown Task = "unknown"
)

// Scope narrows what part of the itinerary a request targets.
type Scope string

const (
	ScopeTrip     Scope = "trip"
	ScopeDay      Scope = "day"
	ScopeNode     Scope = "node"
	ScopeMetadata Scope = "metadata"
)

// Classification is the output of the intent classifier.
type Classification struct {
	Task       Task    `json:"task"`
	Confidence float64 `json:"confidence"`
}

// ── Itinerary ────────────────────────────────────────────────

// NodeType categorizes an itinerary item.
type NodeType string

const (
	NodeActivity  NodeType = "activity"
	NodeMeal      NodeType = "meal"
	NodeTransport NodeType = "transport"
	NodeLodging   NodeType = "lodging"
)

// Location is the resolved place for a node. Coordinates may be absent
// when place resolution was skipped or failed.
type Location struct {
	PlaceID   string  `json:"place_id,omitempty"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Timing holds start/end times in "15:04" wall-clock form.
type Timing struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Cost struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// Booking references an external reservation for a node.
type Booking struct {
	Reference string `json:"reference,omitempty"`
	Provider  string `json:"provider,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Node is an atomic itinerary item (activity, meal, transport, lodging).
// Node ids are unique within an itinerary. Nodes are mutated only through
// ChangeOperations applied by the change engine.
type Node struct {
	ID        string    `json:"id"`
	Type      NodeType  `json:"type"`
	Title     string    `json:"title"`
	Details   string    `json:"details,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Timing    *Timing   `json:"timing,omitempty"`
	Cost      *Cost     `json:"cost,omitempty"`
	Booking   *Booking  `json:"booking,omitempty"`
	Locked    bool      `json:"locked,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Day is one itinerary day. Node order is semantically meaningful: it is
// both display order and travel order.
type Day struct {
	Number   int    `json:"number"`
	Date     string `json:"date,omitempty"`
	Location string `json:"location,omitempty"`
	Nodes    []Node `json:"nodes"`
}

// Itinerary is the authoritative versioned state. Version increases by
// exactly one per successfully applied ChangeSet. All mutation goes
// through the change engine; revision history and the chat log live in
// the store, keyed by itinerary id.
type Itinerary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Days      []Day     `json:"days"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Change primitives ────────────────────────────────────────

// OpKind tags a ChangeOperation variant.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpUpdate  OpKind = "update"
	OpDelete  OpKind = "delete"
	OpMove    OpKind = "move"
	OpReplace OpKind = "replace"
)

// NodePatch is a partial node update. Nil fields are left untouched.
type NodePatch struct {
	Title    *string   `json:"title,omitempty"`
	Details  *string   `json:"details,omitempty"`
	Location *Location `json:"location,omitempty"`
	Timing   *Timing   `json:"timing,omitempty"`
	Cost     *Cost     `json:"cost,omitempty"`
	Booking  *Booking  `json:"booking,omitempty"`
	Locked   *bool     `json:"locked,omitempty"`
}

// ChangeOperation is one proposed mutation. The fields used depend on Op:
//
//	insert:  DayNumber, Position (nil = append), Node
//	update:  TargetID, Patch
//	delete:  TargetID
//	move:    TargetID, ToDayNumber, ToPosition (nil = append)
//	replace: TargetID, Node (id is preserved)
//
// Override allows mutating a locked node.
type ChangeOperation struct {
	Op          OpKind     `json:"op"`
	Scope       Scope      `json:"scope"`
	TargetID    string     `json:"target_id,omitempty"`
	DayNumber   int        `json:"day_number,omitempty"`
	Position    *int       `json:"position,omitempty"`
	ToDayNumber int        `json:"to_day_number,omitempty"`
	ToPosition  *int       `json:"to_position,omitempty"`
	Node        *Node      `json:"node,omitempty"`
	Patch       *NodePatch `json:"patch,omitempty"`
	Override    bool       `json:"override,omitempty"`
}

// ChangeSet is an ordered list of operations computed against a specific
// itinerary version. It is transient: it exists only between proposal and
// apply or discard.
type ChangeSet struct {
	ID          string            `json:"id"`
	ItineraryID string            `json:"itinerary_id"`
	BaseVersion int               `json:"base_version"`
	Operations  []ChangeOperation `json:"operations"`
	Intent      Task              `json:"intent,omitempty"`
	Confidence  float64           `json:"confidence,omitempty"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// DiffEntry is the before/after pair for one touched node. Before is nil
// for inserts, After is nil for deletes.
type DiffEntry struct {
	NodeID    string `json:"node_id"`
	DayNumber int    `json:"day_number"`
	Before    *Node  `json:"before,omitempty"`
	After     *Node  `json:"after,omitempty"`
}

// Diff previews what a ChangeSet does, one entry per touched entity.
type Diff struct {
	Entries []DiffEntry `json:"entries"`
}

// NodeCandidate is one possible resolution of an ambiguous reference.
// Produced only during disambiguation, never persisted.
type NodeCandidate struct {
	NodeID    string  `json:"node_id"`
	Title     string  `json:"title"`
	DayNumber int     `json:"day_number"`
	Score     float64 `json:"score"`
}

// ── Revisions ────────────────────────────────────────────────

// RevisionInfo records one applied ChangeSet. Immutable once created;
// the revision log is append-only. Snapshot is the full itinerary state
// the revision produced, making rollback self-contained.
type RevisionInfo struct {
	ID          string            `json:"id"`
	ItineraryID string            `json:"itinerary_id"`
	Version     int               `json:"version"`
	Description string            `json:"description"`
	Author      string            `json:"author,omitempty"`
	Operations  []ChangeOperation `json:"operations"`
	Snapshot    *Itinerary        `json:"snapshot,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ── Chat log ─────────────────────────────────────────────────

// ChatMessage is a conversation log entry. It records what happened on a
// turn but is not part of the itinerary's authoritative state.
type ChatMessage struct {
	ID          string          `json:"id"`
	ItineraryID string          `json:"itinerary_id"`
	Sender      string          `json:"sender"` // "user" or "assistant"
	Text        string          `json:"text"`
	Intent      Task            `json:"intent,omitempty"`
	ChangeSet   *ChangeSet      `json:"change_set,omitempty"`
	Diff        *Diff           `json:"diff,omitempty"`
	Applied     bool            `json:"applied,omitempty"`
	Candidates  []NodeCandidate `json:"candidates,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ── Agent contract ───────────────────────────────────────────

// OutcomeKind tags the AgentOutcome union.
type OutcomeKind string

const (
	OutcomeProposed            OutcomeKind = "proposed"
	OutcomeNeedsDisambiguation OutcomeKind = "needs_disambiguation"
	OutcomeDeclined            OutcomeKind = "declined"
	OutcomeFailed              OutcomeKind = "failed"
)

// AgentOutcome is the closed result union of an agent execution. Exactly
// the fields relevant to Kind are populated; Message is always set so
// every chat turn yields one user-visible message.
type AgentOutcome struct {
	Kind       OutcomeKind     `json:"kind"`
	Message    string          `json:"message"`
	ChangeSet  *ChangeSet      `json:"change_set,omitempty"`
	Diff       *Diff           `json:"diff,omitempty"`
	Candidates []NodeCandidate `json:"candidates,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Proposed builds a successful proposal outcome.
func Proposed(cs *ChangeSet, diff *Diff, message string) AgentOutcome {
	return AgentOutcome{Kind: OutcomeProposed, ChangeSet: cs, Diff: diff, Message: message}
}

// NeedsDisambiguation builds an outcome asking the user to pick a target.
func NeedsDisambiguation(candidates []NodeCandidate, message string) AgentOutcome {
	return AgentOutcome{Kind: OutcomeNeedsDisambiguation, Candidates: candidates, Message: message}
}

// Declined builds a graceful no-op outcome. Not an error.
func Declined(message string) AgentOutcome {
	return AgentOutcome{Kind: OutcomeDeclined, Message: message}
}

// Failed builds a failure outcome with a user-facing message and an
// internal reason.
func Failed(message, reason string) AgentOutcome {
	return AgentOutcome{Kind: OutcomeFailed, Message: message, Reason: reason}
}

// AgentRequest is the full per-invocation context for an agent. Agents
// are stateless: everything they need arrives here.
type AgentRequest struct {
	Itinerary      *Itinerary `json:"itinerary"`
	Scope          Scope      `json:"scope"`
	DayNumber      int        `json:"day_number,omitempty"`
	SelectedNodeID string     `json:"selected_node_id,omitempty"`
	Text           string     `json:"text"`
	Conversation   string     `json:"conversation"` // conversation key, for progress events
}

// ── Realtime events ──────────────────────────────────────────

// EventType names a realtime broadcast event.
type EventType string

const (
	EventItineraryUpdated EventType = "itinerary_updated"
	EventAgentProgress    EventType = "agent_progress"
	EventChatResponse     EventType = "chat_response"
	EventDayCompleted     EventType = "day_completed"
	EventPhaseTransition  EventType = "phase_transition"
)

// Event is one realtime broadcast. Version carries the itinerary's
// current version so receivers can discard stale deliveries.
type Event struct {
	Type        EventType      `json:"type"`
	ItineraryID string         `json:"itinerary_id"`
	Version     int            `json:"version"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ── Deep copies & lookups ────────────────────────────────────

// Clone returns a deep copy of the itinerary. Apply works on a clone so
// a failed operation leaves the original untouched.
func (it *Itinerary) Clone() *Itinerary {
	if it == nil {
		return nil
	}
	out := *it
	out.Days = make([]Day, len(it.Days))
	for i, d := range it.Days {
		nd := d
		nd.Nodes = make([]Node, len(d.Nodes))
		for j, n := range d.Nodes {
			nd.Nodes[j] = *n.Clone()
		}
		out.Days[i] = nd
	}
	return &out
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Location != nil {
		loc := *n.Location
		out.Location = &loc
	}
	if n.Timing != nil {
		t := *n.Timing
		out.Timing = &t
	}
	if n.Cost != nil {
		c := *n.Cost
		out.Cost = &c
	}
	if n.Booking != nil {
		b := *n.Booking
		out.Booking = &b
	}
	return &out
}

// Clone returns a deep copy of the patch.
func (p *NodePatch) Clone() *NodePatch {
	if p == nil {
		return nil
	}
	out := *p
	if p.Title != nil {
		v := *p.Title
		out.Title = &v
	}
	if p.Details != nil {
		v := *p.Details
		out.Details = &v
	}
	if p.Location != nil {
		v := *p.Location
		out.Location = &v
	}
	if p.Timing != nil {
		v := *p.Timing
		out.Timing = &v
	}
	if p.Cost != nil {
		v := *p.Cost
		out.Cost = &v
	}
	if p.Booking != nil {
		v := *p.Booking
		out.Booking = &v
	}
	if p.Locked != nil {
		v := *p.Locked
		out.Locked = &v
	}
	return &out
}

// Clone returns a deep copy of the operation.
func (op ChangeOperation) Clone() ChangeOperation {
	out := op
	if op.Position != nil {
		v := *op.Position
		out.Position = &v
	}
	if op.ToPosition != nil {
		v := *op.ToPosition
		out.ToPosition = &v
	}
	out.Node = op.Node.Clone()
	out.Patch = op.Patch.Clone()
	return out
}

// Clone returns a deep copy of the revision. The revision log hands out
// copies so recorded history cannot be mutated after the fact.
func (r *RevisionInfo) Clone() *RevisionInfo {
	if r == nil {
		return nil
	}
	out := *r
	if r.Operations != nil {
		out.Operations = make([]ChangeOperation, len(r.Operations))
		for i, op := range r.Operations {
			out.Operations[i] = op.Clone()
		}
	}
	out.Snapshot = r.Snapshot.Clone()
	return &out
}

// FindNode locates a node by id, returning the day index and position
// within that day.
func (it *Itinerary) FindNode(id string) (node *Node, dayIdx, nodeIdx int, ok bool) {
	for i := range it.Days {
		for j := range it.Days[i].Nodes {
			if it.Days[i].Nodes[j].ID == id {
				return &it.Days[i].Nodes[j], i, j, true
			}
		}
	}
	return nil, 0, 0, false
}

// DayByNumber returns the day with the given number, or nil.
func (it *Itinerary) DayByNumber(number int) *Day {
	for i := range it.Days {
		if it.Days[i].Number == number {
			return &it.Days[i]
		}
	}
	return nil
}

// NodeCount returns the total node count across all days.
func (it *Itinerary) NodeCount() int {
	total := 0
	for i := range it.Days {
		total += len(it.Days[i].Nodes)
	}
	return total
}
