// Package hub is the realtime sync hub: per-itinerary subscriber sets
// receiving version-stamped events over websockets.
//
// Delivery is best-effort and at-most-once. There is no replay queue; a
// subscriber that disconnects misses events until it reconnects and
// re-fetches full state. Each subscriber has a bounded outbound queue
// with a drop-oldest overflow policy, so one slow connection never
// blocks delivery to the others.
package hub

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

const sendBuffer = 64

// Subscription is one subscriber's view of the hub. Receive events from
// C; call the hub's Unsubscribe when done.
type Subscription struct {
	C           <-chan models.Event
	itineraryID string
	send        chan models.Event
}

// Hub fans events out to itinerary subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]bool // key: itinerary id
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]bool)}
}

// Subscribe registers a new subscriber for one itinerary.
func (h *Hub) Subscribe(itineraryID string) *Subscription {
	sub := &Subscription{
		itineraryID: itineraryID,
		send:        make(chan models.Event, sendBuffer),
	}
	sub.C = sub.send

	h.mu.Lock()
	if h.subs[itineraryID] == nil {
		h.subs[itineraryID] = make(map[*Subscription]bool)
	}
	h.subs[itineraryID][sub] = true
	count := len(h.subs[itineraryID])
	h.mu.Unlock()

	log.Debug().Str("itinerary", itineraryID).Int("subscribers", count).Msg("Subscriber joined")
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	set := h.subs[sub.itineraryID]
	if set != nil && set[sub] {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.itineraryID)
		}
		close(sub.send)
	}
	h.mu.Unlock()
}

// Publish delivers an event to every current subscriber of its
// itinerary. Fire-and-forget: a full queue drops that subscriber's
// oldest event to make room, and only that subscriber is affected.
func (h *Hub) Publish(event models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[event.ItineraryID] {
		select {
		case sub.send <- event:
		default:
			// Queue full: shed the oldest event for this subscriber.
			select {
			case <-sub.send:
			default:
			}
			select {
			case sub.send <- event:
			default:
			}
			log.Debug().
				Str("itinerary", event.ItineraryID).
				Str("type", string(event.Type)).
				Msg("Slow subscriber, dropped oldest event")
		}
	}
}

// SubscriberCount reports active subscribers for an itinerary.
func (h *Hub) SubscriberCount(itineraryID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[itineraryID])
}

// ShouldApply reports whether a receiver holding localVersion should
// act on the event. Stale or out-of-order deliveries compare at or
// below the held version and are discarded. Events without a version
// stamp (progress ticks) always pass.
func ShouldApply(localVersion int, event models.Event) bool {
	if event.Version == 0 {
		return true
	}
	return event.Version > localVersion
}
