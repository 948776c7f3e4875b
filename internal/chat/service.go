// Package chat orchestrates a conversation turn: classify the message,
// dispatch the matching agent, run the disambiguation protocol when a
// reference is ambiguous, apply accepted proposals through the change
// engine, and fan results out over the realtime hub.
//
// The request/response path here is synchronous; push notifications run
// independently through the hub, joined only by the version stamp.
// Every turn yields exactly one user-visible message, failures included.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/internal/agents"
	"github.com/tripweaver/tripweaver/backend/internal/change"
	"github.com/tripweaver/tripweaver/backend/internal/disambig"
	"github.com/tripweaver/tripweaver/backend/internal/hub"
	"github.com/tripweaver/tripweaver/backend/internal/intent"
	"github.com/tripweaver/tripweaver/backend/internal/store"
	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

// Classifier is what the service needs from the intent layer. Scope and
// the selected node are part of the classification input, not just the
// raw text.
type Classifier interface {
	Classify(ctx context.Context, text string, scope models.Scope, selectedNodeID string) models.Classification
}

var _ Classifier = (*intent.Classifier)(nil)

// Service runs conversation turns end to end.
type Service struct {
	store      store.Store
	classifier Classifier
	registry   *agents.Registry
	engine     *change.Engine
	resolver   *disambig.Resolver
	hub        *hub.Hub

	autoApplyDefault bool
}

// NewService wires the orchestrator.
func NewService(s store.Store, cl Classifier, reg *agents.Registry, eng *change.Engine, res *disambig.Resolver, h *hub.Hub, autoApplyDefault bool) *Service {
	return &Service{
		store:            s,
		classifier:       cl,
		registry:         reg,
		engine:           eng,
		resolver:         res,
		hub:              h,
		autoApplyDefault: autoApplyDefault,
	}
}

// Request is one inbound chat message.
type Request struct {
	ItineraryID    string       `json:"itineraryId"`
	Text           string       `json:"text"`
	Scope          models.Scope `json:"scope"`
	Day            int          `json:"day,omitempty"`
	SelectedNodeID string       `json:"selectedNodeId,omitempty"`
	AutoApply      *bool        `json:"autoApply,omitempty"`
}

// Response is the single reply a turn produces. Message is always set.
type Response struct {
	Message             string                 `json:"message"`
	Intent              models.Task            `json:"intent,omitempty"`
	ChangeSet           *models.ChangeSet      `json:"changeSet,omitempty"`
	Diff                *models.Diff           `json:"diff,omitempty"`
	Applied             bool                   `json:"applied"`
	NeedsDisambiguation bool                   `json:"needsDisambiguation"`
	Candidates          []models.NodeCandidate `json:"candidates,omitempty"`
	Version             int                    `json:"version"`
}

// HandleMessage runs one full chat turn.
func (s *Service) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	it, err := s.store.GetItinerary(ctx, req.ItineraryID)
	if err != nil {
		return nil, err
	}

	conversation := req.ItineraryID
	s.logUserMessage(ctx, req.ItineraryID, req.Text)

	// A fresh message while a disambiguation is pending cancels it; the
	// new text is classified from scratch.
	if s.resolver.Cancel(conversation) {
		log.Debug().Str("conversation", conversation).Msg("New message cancelled pending disambiguation")
	}

	cl := s.classifier.Classify(ctx, req.Text, req.Scope, req.SelectedNodeID)
	if cl.Task == models.TaskUnknown {
		resp := &Response{
			Message: "I'm not sure what you'd like me to do. You can ask me to edit items, plan a day, book something, or add details.",
			Intent:  models.TaskUnknown,
			Version: it.Version,
		}
		s.finishTurn(ctx, it, resp)
		return resp, nil
	}

	// The registry owns routing, including the decline when no agent is
	// capable; a Declined outcome flows through handleOutcome like any
	// other.
	agentName, outcome := s.registry.Dispatch(ctx, cl.Task, &models.AgentRequest{
		Itinerary:      it,
		Scope:          req.Scope,
		DayNumber:      req.Day,
		SelectedNodeID: req.SelectedNodeID,
		Text:           req.Text,
		Conversation:   conversation,
	})

	autoApply := s.autoApplyDefault
	if req.AutoApply != nil {
		autoApply = *req.AutoApply
	}

	resp := s.handleOutcome(ctx, it, agentName, req.Text, req.Scope, req.Day, cl.Task, outcome, autoApply)
	s.finishTurn(ctx, it, resp)
	return resp, nil
}

// DisambiguateRequest is the user's candidate selection.
type DisambiguateRequest struct {
	ItineraryID       string       `json:"itineraryId"`
	OriginalText      string       `json:"originalText"`
	SelectedCandidate int          `json:"selectedCandidate"`
	Scope             models.Scope `json:"scope,omitempty"`
}

// HandleDisambiguation re-invokes the originating agent with the chosen
// target substituted for the ambiguous reference. Intent classification
// is not re-run, and a selected proposal applies directly: picking a
// candidate is the confirmation.
func (s *Service) HandleDisambiguation(ctx context.Context, req DisambiguateRequest) (*Response, error) {
	it, err := s.store.GetItinerary(ctx, req.ItineraryID)
	if err != nil {
		return nil, err
	}

	conversation := req.ItineraryID
	pending, chosen, err := s.resolver.Resolve(conversation, req.SelectedCandidate)
	if err != nil {
		resp := &Response{
			Message:             "That selection didn't match the options I offered: " + err.Error(),
			NeedsDisambiguation: s.resolver.Awaiting(conversation),
			Version:             it.Version,
		}
		s.finishTurn(ctx, it, resp)
		return resp, nil
	}

	agent, ok := s.registry.Get(pending.AgentName)
	if !ok {
		resp := &Response{
			Message: "The assistant that asked for that choice is no longer available. Please send your request again.",
			Version: it.Version,
		}
		s.finishTurn(ctx, it, resp)
		return resp, nil
	}

	text := req.OriginalText
	if text == "" {
		text = pending.Text
	}
	outcome := agent.Execute(ctx, &models.AgentRequest{
		Itinerary:      it,
		Scope:          pending.Scope,
		DayNumber:      pending.DayNumber,
		SelectedNodeID: chosen.NodeID,
		Text:           text,
		Conversation:   conversation,
	})

	resp := s.handleOutcome(ctx, it, agent.Name(), text, pending.Scope, pending.DayNumber, pending.Task, outcome, true)
	s.finishTurn(ctx, it, resp)
	return resp, nil
}

// ApplyResult is the outcome of an explicit apply.
type ApplyResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version int    `json:"version,omitempty"`
}

// Apply commits a previously proposed ChangeSet.
func (s *Service) Apply(ctx context.Context, itineraryID string, cs *models.ChangeSet) (*ApplyResult, error) {
	if cs == nil || cs.ItineraryID != itineraryID {
		return &ApplyResult{Success: false, Message: "The change set doesn't belong to this itinerary."}, nil
	}

	out, err := s.engine.Apply(ctx, cs, "assistant")
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, err
		}
		log.Error().Err(err).Str("itinerary", itineraryID).Msg("Apply failed unexpectedly")
		return &ApplyResult{Success: false, Message: "Something went wrong applying the change. Please try again."}, nil
	}

	switch out.Result.Status {
	case change.StatusApplied:
		s.broadcastApplied(out.Itinerary, out.Diff)
		return &ApplyResult{Success: true, Message: "Change applied.", Version: out.Itinerary.Version}, nil
	case change.StatusConflict:
		return &ApplyResult{Success: false, Message: out.Result.Message}, nil
	default:
		return &ApplyResult{Success: false, Message: out.Result.Message}, nil
	}
}

// Rollback restores a revision as the new current state.
func (s *Service) Rollback(ctx context.Context, itineraryID, revisionID string) (*ApplyResult, error) {
	out, err := s.engine.RollbackToRevision(ctx, itineraryID, revisionID, "user")
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, err
		}
		log.Error().Err(err).Str("itinerary", itineraryID).Str("revision", revisionID).Msg("Rollback failed unexpectedly")
		return &ApplyResult{Success: false, Message: "Something went wrong rolling back. Please try again."}, nil
	}
	if out.Result.Status != change.StatusApplied {
		return &ApplyResult{Success: false, Message: out.Result.Message}, nil
	}

	s.broadcastApplied(out.Itinerary, out.Diff)
	return &ApplyResult{Success: true, Message: out.Revision.Description, Version: out.Itinerary.Version}, nil
}

// ── Turn internals ──────────────────────────────────────────

func (s *Service) handleOutcome(ctx context.Context, it *models.Itinerary, agentName, text string, scope models.Scope, day int, task models.Task, outcome models.AgentOutcome, autoApply bool) *Response {
	resp := &Response{
		Message: outcome.Message,
		Intent:  task,
		Version: it.Version,
	}

	switch outcome.Kind {
	case models.OutcomeProposed:
		resp.ChangeSet = outcome.ChangeSet
		resp.Diff = outcome.Diff
		if !autoApply {
			return resp
		}
		out, err := s.engine.Apply(ctx, outcome.ChangeSet, "assistant")
		if err != nil {
			log.Error().Err(err).Str("itinerary", it.ID).Msg("Auto-apply failed unexpectedly")
			resp.Message = "I prepared the change but couldn't save it. Please try again."
			return resp
		}
		switch out.Result.Status {
		case change.StatusApplied:
			resp.Applied = true
			resp.Diff = out.Diff
			resp.Version = out.Itinerary.Version
			s.broadcastApplied(out.Itinerary, out.Diff)
		case change.StatusConflict:
			resp.Message = "Your itinerary changed while I was working. " + out.Result.Message
			resp.ChangeSet = nil
			resp.Diff = nil
		default:
			resp.Message = "The change didn't pass validation: " + out.Result.Message
			resp.ChangeSet = nil
			resp.Diff = nil
		}
		return resp

	case models.OutcomeNeedsDisambiguation:
		s.resolver.Begin(it.ID, disambig.Pending{
			AgentName:  agentName,
			Task:       task,
			Text:       text,
			Scope:      scope,
			DayNumber:  day,
			Candidates: outcome.Candidates,
		})
		resp.NeedsDisambiguation = true
		resp.Candidates = outcome.Candidates
		return resp

	case models.OutcomeFailed:
		log.Warn().
			Str("agent", agentName).
			Str("reason", outcome.Reason).
			Str("itinerary", it.ID).
			Msg("Agent execution failed")
		return resp

	default: // Declined
		return resp
	}
}

// finishTurn records the assistant's reply in the chat log and pushes it
// to subscribers. Best-effort on both counts: the user already has the
// response in hand.
func (s *Service) finishTurn(ctx context.Context, it *models.Itinerary, resp *Response) {
	msg := &models.ChatMessage{
		ID:          uuid.New().String(),
		ItineraryID: it.ID,
		Sender:      "assistant",
		Text:        resp.Message,
		Intent:      resp.Intent,
		ChangeSet:   resp.ChangeSet,
		Diff:        resp.Diff,
		Applied:     resp.Applied,
		Candidates:  resp.Candidates,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AppendChatMessage(ctx, msg); err != nil {
		log.Warn().Err(err).Str("itinerary", it.ID).Msg("Failed to append assistant chat message")
	}

	s.hub.Publish(models.Event{
		Type:        models.EventChatResponse,
		ItineraryID: it.ID,
		Version:     resp.Version,
		Payload: map[string]any{
			"message": resp.Message,
			"applied": resp.Applied,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) logUserMessage(ctx context.Context, itineraryID, text string) {
	err := s.store.AppendChatMessage(ctx, &models.ChatMessage{
		ID:          uuid.New().String(),
		ItineraryID: itineraryID,
		Sender:      "user",
		Text:        text,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("itinerary", itineraryID).Msg("Failed to append user chat message")
	}
}

func (s *Service) broadcastApplied(it *models.Itinerary, diff *models.Diff) {
	s.hub.Publish(models.Event{
		Type:        models.EventItineraryUpdated,
		ItineraryID: it.ID,
		Version:     it.Version,
		Payload: map[string]any{
			"diff": diff,
		},
		Timestamp: time.Now().UTC(),
	})
}
