// Package handlers implements the HTTP handlers for the tripweaver
// backend: itinerary CRUD, the conversational editing endpoints, the
// revision history, and the realtime subscription upgrade.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/internal/chat"
	"github.com/tripweaver/tripweaver/backend/internal/hub"
	"github.com/tripweaver/tripweaver/backend/internal/store"
	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store store.Store
	Chat  *chat.Service
	Hub   *hub.Hub
}

// New creates a Handlers instance.
func New(s store.Store, c *chat.Service, h *hub.Hub) *Handlers {
	return &Handlers{Store: s, Chat: c, Hub: h}
}

// ── Itinerary Handlers ──────────────────────────────────────

func (h *Handlers) ListItineraries(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListItineraries(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.Itinerary{}
	}
	respondJSON(w, http.StatusOK, items)
}

type createItineraryRequest struct {
	Name string `json:"name"`
	Days []struct {
		Number   int    `json:"number"`
		Date     string `json:"date,omitempty"`
		Location string `json:"location,omitempty"`
	} `json:"days,omitempty"`
	NumDays int `json:"numDays,omitempty"`
}

func (h *Handlers) CreateItinerary(w http.ResponseWriter, r *http.Request) {
	var req createItineraryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now().UTC()
	it := &models.Itinerary{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, d := range req.Days {
		it.Days = append(it.Days, models.Day{Number: d.Number, Date: d.Date, Location: d.Location, Nodes: []models.Node{}})
	}
	for n := len(it.Days) + 1; n <= req.NumDays; n++ {
		it.Days = append(it.Days, models.Day{Number: n, Nodes: []models.Node{}})
	}

	if err := h.Store.CreateItinerary(r.Context(), it); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("itinerary", it.ID).Str("name", it.Name).Int("days", len(it.Days)).Msg("Itinerary created")
	respondJSON(w, http.StatusCreated, it)
}

func (h *Handlers) GetItinerary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itineraryId")
	it, err := h.Store.GetItinerary(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, it)
}

func (h *Handlers) DeleteItinerary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itineraryId")
	if err := h.Store.DeleteItinerary(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("itinerary", id).Msg("Itinerary deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ── Chat Handlers ───────────────────────────────────────────

func (h *Handlers) ChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ItineraryID = chi.URLParam(r, "itineraryId")
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	resp, err := h.Chat.HandleMessage(r.Context(), req)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ChatDisambiguate(w http.ResponseWriter, r *http.Request) {
	var req chat.DisambiguateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ItineraryID = chi.URLParam(r, "itineraryId")

	resp, err := h.Chat.HandleDisambiguation(r.Context(), req)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type applyRequest struct {
	ChangeSet *models.ChangeSet `json:"changeSet"`
}

func (h *Handlers) ChatApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ChangeSet == nil {
		respondError(w, http.StatusBadRequest, "changeSet is required")
		return
	}

	result, err := h.Chat.Apply(r.Context(), chi.URLParam(r, "itineraryId"), req.ChangeSet)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Chat History ────────────────────────────────────────────

func (h *Handlers) ChatHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itineraryId")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := h.Store.ListChatMessages(r.Context(), id, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) ClearChatHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itineraryId")
	if err := h.Store.ClearChatMessages(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Revision Handlers ───────────────────────────────────────

func (h *Handlers) ListRevisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itineraryId")
	revs, err := h.Store.ListRevisions(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if revs == nil {
		revs = []models.RevisionInfo{}
	}
	respondJSON(w, http.StatusOK, revs)
}

func (h *Handlers) RollbackRevision(w http.ResponseWriter, r *http.Request) {
	itineraryID := chi.URLParam(r, "itineraryId")
	revisionID := chi.URLParam(r, "revisionId")

	result, err := h.Chat.Rollback(r.Context(), itineraryID, revisionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Realtime ────────────────────────────────────────────────

func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itineraryId")
	if _, err := h.Store.GetItinerary(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	h.Hub.ServeWS(w, r, id)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Error().Err(err).Msg("Request failed unexpectedly")
	respondError(w, http.StatusInternalServerError, "internal error")
}
