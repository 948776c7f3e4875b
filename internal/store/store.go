// Package store provides the storage interface and implementations for
// the tripweaver backend: itineraries, their append-only revision
// history, and per-itinerary chat logs.
package store

import (
	"context"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

// Store is the primary storage interface. Handler and engine code depend
// on this interface, so the in-memory implementation can be swapped for a
// database-backed one without touching callers.
type Store interface {
	ItineraryStore
	RevisionStore
	ChatStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close flushes and releases all resources held by the store.
	Close() error
}

// ── Itinerary Store ─────────────────────────────────────────

type ItineraryStore interface {
	ListItineraries(ctx context.Context) ([]models.Itinerary, error)
	GetItinerary(ctx context.Context, id string) (*models.Itinerary, error)
	CreateItinerary(ctx context.Context, it *models.Itinerary) error

	// SaveItinerary replaces the stored state wholesale. Only the change
	// engine calls this, after a successful apply.
	SaveItinerary(ctx context.Context, it *models.Itinerary) error

	DeleteItinerary(ctx context.Context, id string) error
}

// ── Revision Store ──────────────────────────────────────────

// RevisionStore is append-only: revisions are never edited or deleted.
type RevisionStore interface {
	AppendRevision(ctx context.Context, rev *models.RevisionInfo) error
	ListRevisions(ctx context.Context, itineraryID string) ([]models.RevisionInfo, error)
	GetRevision(ctx context.Context, itineraryID, revisionID string) (*models.RevisionInfo, error)
}

// ── Chat Store ──────────────────────────────────────────────

type ChatStore interface {
	AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error
	ListChatMessages(ctx context.Context, itineraryID string, limit int) ([]models.ChatMessage, error)
	ClearChatMessages(ctx context.Context, itineraryID string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
