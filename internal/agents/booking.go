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

const bookingSystemPrompt = `You help travelers book itinerary items. You receive one itinerary
node as JSON and the user's request. Respond with JSON only:

{"provider": "<booking provider name>",
 "url": "<direct booking or search URL>",
 "note": "<one short sentence of booking advice>"}

Pick the most natural provider for the node type (restaurant reservation
platforms for meals, ticketing sites for activities, hotel sites for
lodging, rail/air sites for transport). The URL may be a search URL when
no direct link is knowable.`

// Booking prepares a booking reference for a node. Payment and actual
// reservation happen outside this system; the agent attaches the
// provider and link so the user can complete the booking.
type Booking struct {
	gen llm.Generator
}

// NewBooking creates the booking agent.
func NewBooking(gen llm.Generator) *Booking {
	return &Booking{gen: gen}
}

func (b *Booking) Name() string { return "booking" }

func (b *Booking) Capabilities() Capabilities {
	return Capabilities{Tasks: []models.Task{models.TaskBook}, Priority: 10, Chat: true}
}

// Execute resolves the node to book and proposes an update attaching the
// booking sub-record. Ambiguous references go back to the user.
func (b *Booking) Execute(ctx context.Context, req *models.AgentRequest) models.AgentOutcome {
	targetID, candidates := ResolveReference(req.Itinerary, req.Text, req.SelectedNodeID, req.DayNumber)
	if len(candidates) > 1 {
		return models.NeedsDisambiguation(candidates,
			fmt.Sprintf("I found %d items that could match. Which one would you like to book?", len(candidates)))
	}
	if targetID == "" {
		return models.Declined("I couldn't tell which item you want to book. Name it or select it first.")
	}

	node, _, _, _ := req.Itinerary.FindNode(targetID)
	if node.Booking != nil && node.Booking.Reference != "" {
		return models.Declined(fmt.Sprintf("%q already has booking reference %s.", node.Title, node.Booking.Reference))
	}

	nodeJSON, _ := json.Marshal(node)
	prompt := fmt.Sprintf("Node:\n%s\n\nRequest: %s", nodeJSON, req.Text)

	raw, err := b.gen.Generate(ctx, bookingSystemPrompt, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("Booking model call failed")
		return models.Failed("I couldn't prepare that booking right now. Please try again.", err.Error())
	}

	var out struct {
		Provider string `json:"provider"`
		URL      string `json:"url"`
		Note     string `json:"note"`
	}
	jsonText, ok := llm.ExtractJSON(raw)
	if !ok {
		return models.Failed("I couldn't prepare that booking. Could you rephrase?", "no JSON in model output")
	}
	if err := json.Unmarshal([]byte(jsonText), &out); err != nil {
		return models.Failed("I couldn't prepare that booking. Could you rephrase?", "decode booking: "+err.Error())
	}

	booking := &models.Booking{
		Reference: shortRef(),
		Provider:  out.Provider,
		URL:       out.URL,
	}
	cs := &models.ChangeSet{
		ID:          uuid.New().String(),
		ItineraryID: req.Itinerary.ID,
		BaseVersion: req.Itinerary.Version,
		Operations: []models.ChangeOperation{{
			Op:       models.OpUpdate,
			Scope:    models.ScopeNode,
			TargetID: targetID,
			Patch:    &models.NodePatch{Booking: booking},
		}},
		Intent:      models.TaskBook,
		Description: fmt.Sprintf("booking for %q via %s", node.Title, out.Provider),
		CreatedAt:   nowUTC(),
	}

	diff, res := change.Preview(req.Itinerary, cs)
	if res.Status != change.StatusOk {
		return models.Failed("The booking couldn't be attached: "+res.Message, res.Message)
	}

	msg := fmt.Sprintf("I've prepared a booking for %q via %s.", node.Title, out.Provider)
	if out.Note != "" {
		msg += " " + out.Note
	}
	return models.Proposed(cs, diff, msg)
}

// shortRef generates a human-quotable booking reference.
func shortRef() string {
	return "TW-" + uuid.New().String()[:8]
}
