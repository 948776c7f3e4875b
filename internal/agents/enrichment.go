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

const enrichmentSystemPrompt = `You enrich travel itinerary items with useful detail. You receive
one node as JSON and the user's request. Respond with JSON only:

{"details": "<2-4 sentences: what it is, tips, what to expect>",
 "cost": {"value": <number>, "currency": "<ISO code>"} or null,
 "place": "<place name to geocode, or empty>"}

Keep details factual and concise. Omit cost when you cannot estimate it.`

// Enrichment fills in details, estimated cost and coordinates for an
// existing node.
type Enrichment struct {
	gen    llm.Generator
	places PlaceResolver
}

// NewEnrichment creates the enrichment agent.
func NewEnrichment(gen llm.Generator, places PlaceResolver) *Enrichment {
	return &Enrichment{gen: gen, places: places}
}

func (e *Enrichment) Name() string { return "enrichment" }

func (e *Enrichment) Capabilities() Capabilities {
	return Capabilities{Tasks: []models.Task{models.TaskEnrich}, Priority: 10, Chat: true}
}

// Execute resolves the node to enrich and proposes an update with the
// generated detail. Place lookup failure drops the coordinates, never
// the proposal.
func (e *Enrichment) Execute(ctx context.Context, req *models.AgentRequest) models.AgentOutcome {
	targetID, candidates := ResolveReference(req.Itinerary, req.Text, req.SelectedNodeID, req.DayNumber)
	if len(candidates) > 1 {
		return models.NeedsDisambiguation(candidates,
			fmt.Sprintf("I found %d items that could match. Which one should I add details to?", len(candidates)))
	}
	if targetID == "" {
		return models.Declined("I couldn't tell which item you want details on. Name it or select it first.")
	}

	node, _, _, _ := req.Itinerary.FindNode(targetID)
	nodeJSON, _ := json.Marshal(node)
	prompt := fmt.Sprintf("Node:\n%s\n\nRequest: %s", nodeJSON, req.Text)

	raw, err := e.gen.Generate(ctx, enrichmentSystemPrompt, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("Enrichment model call failed")
		return models.Failed("I couldn't fetch details right now. Please try again.", err.Error())
	}

	var out struct {
		Details string       `json:"details"`
		Cost    *models.Cost `json:"cost"`
		Place   string       `json:"place"`
	}
	jsonText, ok := llm.ExtractJSON(raw)
	if !ok {
		return models.Failed("I couldn't produce usable details. Could you rephrase?", "no JSON in model output")
	}
	if err := json.Unmarshal([]byte(jsonText), &out); err != nil {
		return models.Failed("I couldn't produce usable details. Could you rephrase?", "decode enrichment: "+err.Error())
	}
	if out.Details == "" {
		return models.Declined(fmt.Sprintf("I don't have anything useful to add to %q.", node.Title))
	}

	patch := &models.NodePatch{Details: &out.Details}
	if out.Cost != nil && out.Cost.Currency != "" {
		patch.Cost = out.Cost
	}
	if out.Place != "" && e.places != nil {
		if loc, err := e.places.Resolve(ctx, out.Place); err == nil && loc != nil {
			patch.Location = loc
		}
	}

	cs := &models.ChangeSet{
		ID:          uuid.New().String(),
		ItineraryID: req.Itinerary.ID,
		BaseVersion: req.Itinerary.Version,
		Operations: []models.ChangeOperation{{
			Op:       models.OpUpdate,
			Scope:    models.ScopeNode,
			TargetID: targetID,
			Patch:    patch,
		}},
		Intent:      models.TaskEnrich,
		Description: fmt.Sprintf("details for %q", node.Title),
		CreatedAt:   nowUTC(),
	}

	diff, res := change.Preview(req.Itinerary, cs)
	if res.Status != change.StatusOk {
		return models.Failed("The details couldn't be attached: "+res.Message, res.Message)
	}

	return models.Proposed(cs, diff, fmt.Sprintf("Here's what I found about %q. Apply to save it to the itinerary.", node.Title))
}
