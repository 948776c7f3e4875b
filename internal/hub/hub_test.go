package hub

import (
	"testing"
	"time"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

func event(itinerary string, version int) models.Event {
	return models.Event{
		Type:        models.EventItineraryUpdated,
		ItineraryID: itinerary,
		Version:     version,
		Timestamp:   time.Now(),
	}
}

func TestPublishReachesAllSubscribersOfItinerary(t *testing.T) {
	h := New()
	a := h.Subscribe("trip-1")
	b := h.Subscribe("trip-1")
	other := h.Subscribe("trip-2")
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)
	defer h.Unsubscribe(other)

	h.Publish(event("trip-1", 5))

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C:
			if ev.Version != 5 {
				t.Errorf("event version = %d, want 5", ev.Version)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}

	select {
	case <-other.C:
		t.Error("subscriber of another itinerary must not receive the event")
	default:
	}
}

func TestSlowSubscriberDropsOldestOnly(t *testing.T) {
	h := New()
	slow := h.Subscribe("trip-1")
	fast := h.Subscribe("trip-1")
	defer h.Unsubscribe(slow)
	defer h.Unsubscribe(fast)

	// Overfill the slow subscriber's queue without reading.
	total := sendBuffer + 10
	for i := 1; i <= total; i++ {
		h.Publish(event("trip-1", i))
		// Keep the fast subscriber drained so it sees everything.
		select {
		case ev := <-fast.C:
			if ev.Version != i {
				t.Fatalf("fast subscriber: got version %d, want %d", ev.Version, i)
			}
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved by a slow peer")
		}
	}

	// The slow subscriber kept the newest events; the oldest were shed.
	first := <-slow.C
	if first.Version <= total-sendBuffer {
		t.Errorf("oldest events should have been dropped, got version %d first", first.Version)
	}
	var last models.Event
	for i := 0; i < sendBuffer-1; i++ {
		last = <-slow.C
	}
	if last.Version != total {
		t.Errorf("newest event must survive the overflow, got %d want %d", last.Version, total)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New()
	sub := h.Subscribe("trip-1")
	h.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if h.SubscriberCount("trip-1") != 0 {
		t.Error("subscriber count should drop to zero")
	}

	// Publishing to a fully unsubscribed itinerary is a no-op.
	h.Publish(event("trip-1", 1))
}

func TestShouldApplyDiscardsStaleVersions(t *testing.T) {
	if ShouldApply(6, event("trip-1", 5)) {
		t.Error("version 5 against local 6 must be discarded")
	}
	if ShouldApply(6, event("trip-1", 6)) {
		t.Error("equal version is stale, must be discarded")
	}
	if !ShouldApply(6, event("trip-1", 7)) {
		t.Error("newer version must be applied")
	}
	progress := models.Event{Type: models.EventAgentProgress, ItineraryID: "trip-1"}
	if !ShouldApply(6, progress) {
		t.Error("unversioned progress events always pass")
	}
}
