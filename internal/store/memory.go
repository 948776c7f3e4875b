// Package store — in-memory Store implementation.
// Used for local development and tests. Supports file-based snapshot
// persistence so itineraries survive restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Itineraries map[string]*models.Itinerary     `json:"itineraries"`
	Revisions   map[string][]*models.RevisionInfo `json:"revisions"` // key: itinerary id, append-only
	Chat        map[string][]*models.ChatMessage  `json:"chat"`      // key: itinerary id
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	itineraries map[string]*models.Itinerary
	revisions   map[string][]*models.RevisionInfo // key: itinerary id, newest last
	chat        map[string][]*models.ChatMessage  // key: itinerary id, newest last

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once

	// Chat TTL — log entries older than this are evicted. Zero disables.
	chatTTL time.Duration
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// data is persisted to a JSON snapshot in that directory.
func NewMemoryStore(dataDir string, chatTTL time.Duration) *MemoryStore {
	m := &MemoryStore{
		itineraries: make(map[string]*models.Itinerary),
		revisions:   make(map[string][]*models.RevisionInfo),
		chat:        make(map[string][]*models.ChatMessage),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		chatTTL:     chatTTL,
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	if m.chatTTL > 0 {
		go m.chatEvictionLoop()
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Str("chat_ttl", m.chatTTL.String()).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// chatEvictionLoop periodically removes chat entries older than chatTTL.
func (m *MemoryStore) chatEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredChat()
		}
	}
}

func (m *MemoryStore) evictExpiredChat() {
	cutoff := time.Now().Add(-m.chatTTL)

	m.mu.Lock()
	var evicted int
	for id, msgs := range m.chat {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.CreatedAt.After(cutoff) {
				kept = append(kept, msg)
			} else {
				evicted++
			}
		}
		m.chat[id] = kept
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.chatTTL.String()).Msg("Evicted expired chat messages")
		m.requestSave()
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Itineraries: m.itineraries,
		Revisions:   m.revisions,
		Chat:        m.chat,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Cannot read snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Itineraries != nil {
		m.itineraries = snap.Itineraries
	}
	if snap.Revisions != nil {
		m.revisions = snap.Revisions
	}
	if snap.Chat != nil {
		m.chat = snap.Chat
	}

	log.Info().
		Int("itineraries", len(m.itineraries)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close stops background goroutines and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Itinerary Store ─────────────────────────────────────────

func (m *MemoryStore) ListItineraries(ctx context.Context) ([]models.Itinerary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Itinerary, 0, len(m.itineraries))
	for _, it := range m.itineraries {
		out = append(out, *it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetItinerary(ctx context.Context, id string) (*models.Itinerary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.itineraries[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "itinerary", Key: id}
	}
	// Callers get a deep copy; the stored state changes only via SaveItinerary.
	return it.Clone(), nil
}

func (m *MemoryStore) CreateItinerary(ctx context.Context, it *models.Itinerary) error {
	m.mu.Lock()
	m.itineraries[it.ID] = it.Clone()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) SaveItinerary(ctx context.Context, it *models.Itinerary) error {
	m.mu.Lock()
	if _, ok := m.itineraries[it.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "itinerary", Key: it.ID}
	}
	m.itineraries[it.ID] = it.Clone()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteItinerary(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.itineraries[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "itinerary", Key: id}
	}
	delete(m.itineraries, id)
	delete(m.revisions, id)
	delete(m.chat, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Revision Store ──────────────────────────────────────────

func (m *MemoryStore) AppendRevision(ctx context.Context, rev *models.RevisionInfo) error {
	m.mu.Lock()
	m.revisions[rev.ItineraryID] = append(m.revisions[rev.ItineraryID], rev.Clone())
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRevisions(ctx context.Context, itineraryID string) ([]models.RevisionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	revs := m.revisions[itineraryID]
	out := make([]models.RevisionInfo, 0, len(revs))
	for _, r := range revs {
		out = append(out, *r.Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetRevision(ctx context.Context, itineraryID, revisionID string) (*models.RevisionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.revisions[itineraryID] {
		if r.ID == revisionID {
			return r.Clone(), nil
		}
	}
	return nil, &ErrNotFound{Entity: "revision", Key: revisionID}
}

// ── Chat Store ──────────────────────────────────────────────

func (m *MemoryStore) AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	m.chat[msg.ItineraryID] = append(m.chat[msg.ItineraryID], msg)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListChatMessages(ctx context.Context, itineraryID string, limit int) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.chat[itineraryID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, *msg)
	}
	return out, nil
}

func (m *MemoryStore) ClearChatMessages(ctx context.Context, itineraryID string) error {
	m.mu.Lock()
	delete(m.chat, itineraryID)
	m.mu.Unlock()
	m.requestSave()
	return nil
}
