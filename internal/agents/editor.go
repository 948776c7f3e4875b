package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/internal/change"
	"github.com/tripweaver/tripweaver/backend/internal/llm"
	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

const editorSystemPrompt = `You edit travel itineraries by emitting change operations.

You receive the itinerary as JSON and an instruction. Respond with JSON only:
{"summary": "<one sentence describing the change>", "operations": [...]}

Each operation is one of:
{"op":"insert","scope":"day","day_number":N,"position":P|null,"node":{...}}
{"op":"update","scope":"node","target_id":"<id>","patch":{...}}
{"op":"delete","scope":"node","target_id":"<id>"}
{"op":"move","scope":"node","target_id":"<id>","to_day_number":N,"to_position":P|null}
{"op":"replace","scope":"node","target_id":"<id>","node":{...}}

Rules:
- target_id must be an exact node id from the itinerary JSON, never a title.
- Patch only the fields the instruction changes. Times use "15:04" form.
- Do not touch nodes the instruction does not mention.`

// Editor proposes ChangeSets for edit requests: moves, deletions,
// renames, retimings and reorderings of existing nodes.
type Editor struct {
	gen llm.Generator
}

// NewEditor creates the editor agent.
func NewEditor(gen llm.Generator) *Editor {
	return &Editor{gen: gen}
}

func (e *Editor) Name() string { return "editor" }

func (e *Editor) Capabilities() Capabilities {
	return Capabilities{Tasks: []models.Task{models.TaskEdit}, Priority: 10, Chat: true}
}

// Execute resolves the referenced node, asks the model for operations,
// and returns a validated proposal. Ambiguous references go back to the
// user as candidates; the editor never silently picks one.
func (e *Editor) Execute(ctx context.Context, req *models.AgentRequest) models.AgentOutcome {
	if req.Itinerary.NodeCount() == 0 {
		return models.Declined("Your itinerary is empty. Ask me to plan a day first and then I can edit it.")
	}

	targetID, candidates := ResolveReference(req.Itinerary, req.Text, req.SelectedNodeID, req.DayNumber)
	if len(candidates) > 1 {
		return models.NeedsDisambiguation(candidates,
			fmt.Sprintf("I found %d items that could match. Which one did you mean?", len(candidates)))
	}

	prompt, err := buildEditPrompt(req, targetID)
	if err != nil {
		return models.Failed("I couldn't process that edit.", "marshal itinerary: "+err.Error())
	}

	raw, err := e.gen.Generate(ctx, editorSystemPrompt, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("Editor model call failed")
		return models.Failed("I couldn't work out that edit right now. Please try again.", err.Error())
	}

	summary, ops, err := parseOperations(raw)
	if err != nil {
		log.Warn().Err(err).Str("raw", raw).Msg("Editor produced unparseable operations")
		return models.Failed("I couldn't work out that edit. Could you rephrase it?", err.Error())
	}
	if len(ops) == 0 {
		return models.Declined("That doesn't change anything in the itinerary, so I left it as is.")
	}

	cs := &models.ChangeSet{
		ID:          uuid.New().String(),
		ItineraryID: req.Itinerary.ID,
		BaseVersion: req.Itinerary.Version,
		Operations:  ops,
		Intent:      models.TaskEdit,
		Description: summary,
		CreatedAt:   nowUTC(),
	}

	diff, res := change.Preview(req.Itinerary, cs)
	if res.Status != change.StatusOk {
		return models.Failed("The proposed edit didn't check out against your itinerary: "+res.Message, res.Message)
	}

	msg := summary
	if msg == "" {
		msg = fmt.Sprintf("I've prepared %d change(s). Review the preview and apply when ready.", len(ops))
	}
	return models.Proposed(cs, diff, msg)
}

// buildEditPrompt renders the itinerary and instruction, with the
// resolved target pinned so the model cannot wander to another node.
func buildEditPrompt(req *models.AgentRequest, targetID string) (string, error) {
	itJSON, err := json.Marshal(req.Itinerary)
	if err != nil {
		return "", err
	}
	prompt := fmt.Sprintf("Itinerary:\n%s\n\nInstruction: %s", itJSON, req.Text)
	if targetID != "" {
		prompt += fmt.Sprintf("\n\nThe instruction refers to node id %q. Target only that node.", targetID)
	}
	if req.DayNumber > 0 {
		prompt += fmt.Sprintf("\nThe user is looking at day %d.", req.DayNumber)
	}
	return prompt, nil
}

func parseOperations(raw string) (string, []models.ChangeOperation, error) {
	jsonText, ok := llm.ExtractJSON(raw)
	if !ok {
		return "", nil, fmt.Errorf("no JSON in model output")
	}
	var out struct {
		Summary    string                   `json:"summary"`
		Operations []models.ChangeOperation `json:"operations"`
	}
	if err := json.Unmarshal([]byte(jsonText), &out); err != nil {
		return "", nil, fmt.Errorf("decode operations: %w", err)
	}
	return out.Summary, out.Operations, nil
}
