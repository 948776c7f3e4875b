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

const plannerSystemPrompt = `You plan travel days. You receive an itinerary as JSON and an
instruction describing what to plan. Respond with JSON only:

{"summary": "<one sentence>", "nodes": [
  {"type": "activity|meal|transport|lodging",
   "title": "...", "details": "...",
   "start": "09:00", "end": "11:00",
   "place": "<place name to geocode, or empty>"}
]}

Rules:
- 3 to 6 nodes per day, ordered as they should happen.
- Keep titles short; put descriptions in details.
- Respect nodes that already exist on the day; plan around them.`

// Planner fills a day (or a whole trip) with proposed nodes. It streams
// progress events while it works so subscribed clients can render
// planning activity live.
type Planner struct {
	gen    llm.Generator
	places PlaceResolver
	notify Notifier
}

// NewPlanner creates the planner agent.
func NewPlanner(gen llm.Generator, places PlaceResolver, notify Notifier) *Planner {
	return &Planner{gen: gen, places: places, notify: notify}
}

func (p *Planner) Name() string { return "planner" }

func (p *Planner) Capabilities() Capabilities {
	return Capabilities{Tasks: []models.Task{models.TaskPlan}, Priority: 10, Chat: true}
}

type plannedNode struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Details string `json:"details"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Place   string `json:"place"`
}

// Execute generates a plan for the requested day(s) and returns it as an
// insert-only proposal. Place lookups are best-effort: a node without
// coordinates is still proposed.
func (p *Planner) Execute(ctx context.Context, req *models.AgentRequest) models.AgentOutcome {
	days := p.targetDays(req)
	if len(days) == 0 {
		return models.Declined("I couldn't tell which day to plan. Try something like \"plan day 2\".")
	}

	itJSON, err := json.Marshal(req.Itinerary)
	if err != nil {
		return models.Failed("I couldn't plan that right now.", "marshal itinerary: "+err.Error())
	}

	var ops []models.ChangeOperation
	var summary string

	for _, dayNumber := range days {
		p.progress(req, fmt.Sprintf("Planning day %d", dayNumber), models.EventPhaseTransition)

		prompt := fmt.Sprintf("Itinerary:\n%s\n\nInstruction: %s\nPlan day %d.", itJSON, req.Text, dayNumber)
		raw, err := p.gen.Generate(ctx, plannerSystemPrompt, prompt)
		if err != nil {
			log.Warn().Err(err).Int("day", dayNumber).Msg("Planner model call failed")
			return models.Failed("I couldn't put a plan together right now. Please try again.", err.Error())
		}

		daySummary, planned, err := parsePlan(raw)
		if err != nil {
			log.Warn().Err(err).Str("raw", raw).Msg("Planner produced an unparseable plan")
			return models.Failed("I couldn't put a usable plan together. Could you rephrase?", err.Error())
		}
		if summary == "" {
			summary = daySummary
		}

		for _, pn := range planned {
			node := p.buildNode(ctx, req, pn, dayNumber)
			ops = append(ops, models.ChangeOperation{
				Op:        models.OpInsert,
				Scope:     models.ScopeDay,
				DayNumber: dayNumber,
				Node:      node,
			})
			p.progress(req, fmt.Sprintf("Added %q to day %d", node.Title, dayNumber), models.EventAgentProgress)
		}

		p.progress(req, fmt.Sprintf("Day %d planned", dayNumber), models.EventDayCompleted)
	}

	if len(ops) == 0 {
		return models.Declined("The plan came back empty, so I left your itinerary untouched.")
	}

	cs := &models.ChangeSet{
		ID:          uuid.New().String(),
		ItineraryID: req.Itinerary.ID,
		BaseVersion: req.Itinerary.Version,
		Operations:  ops,
		Intent:      models.TaskPlan,
		Description: summary,
		CreatedAt:   nowUTC(),
	}

	diff, res := change.Preview(req.Itinerary, cs)
	if res.Status != change.StatusOk {
		return models.Failed("The generated plan didn't fit your itinerary: "+res.Message, res.Message)
	}

	msg := summary
	if msg == "" {
		msg = fmt.Sprintf("I've drafted %d item(s). Review the preview and apply when ready.", len(ops))
	}
	return models.Proposed(cs, diff, msg)
}

// targetDays picks the day numbers to plan: the explicit day for day
// scope, every day for trip scope.
func (p *Planner) targetDays(req *models.AgentRequest) []int {
	if req.Scope == models.ScopeTrip {
		days := make([]int, 0, len(req.Itinerary.Days))
		for _, d := range req.Itinerary.Days {
			days = append(days, d.Number)
		}
		return days
	}
	if req.DayNumber > 0 && req.Itinerary.DayByNumber(req.DayNumber) != nil {
		return []int{req.DayNumber}
	}
	return nil
}

func (p *Planner) buildNode(ctx context.Context, req *models.AgentRequest, pn plannedNode, dayNumber int) *models.Node {
	node := &models.Node{
		ID:      uuid.New().String(),
		Type:    nodeType(pn.Type),
		Title:   pn.Title,
		Details: pn.Details,
	}
	if pn.Start != "" || pn.End != "" {
		node.Timing = &models.Timing{Start: pn.Start, End: pn.End}
	}
	if pn.Place != "" && p.places != nil {
		query := pn.Place
		if day := req.Itinerary.DayByNumber(dayNumber); day != nil && day.Location != "" {
			query += ", " + day.Location
		}
		if loc, err := p.places.Resolve(ctx, query); err == nil && loc != nil {
			node.Location = loc
		}
	}
	return node
}

func (p *Planner) progress(req *models.AgentRequest, message string, kind models.EventType) {
	if p.notify == nil {
		return
	}
	p.notify.Publish(models.Event{
		Type:        kind,
		ItineraryID: req.Itinerary.ID,
		Version:     req.Itinerary.Version,
		Payload:     map[string]any{"message": message, "conversation": req.Conversation},
		Timestamp:   nowUTC(),
	})
}

func parsePlan(raw string) (string, []plannedNode, error) {
	jsonText, ok := llm.ExtractJSON(raw)
	if !ok {
		return "", nil, fmt.Errorf("no JSON in model output")
	}
	var out struct {
		Summary string        `json:"summary"`
		Nodes   []plannedNode `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(jsonText), &out); err != nil {
		return "", nil, fmt.Errorf("decode plan: %w", err)
	}
	return out.Summary, out.Nodes, nil
}

func nodeType(s string) models.NodeType {
	switch models.NodeType(s) {
	case models.NodeMeal, models.NodeTransport, models.NodeLodging:
		return models.NodeType(s)
	default:
		return models.NodeActivity
	}
}
