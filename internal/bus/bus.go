// Package bus propagates queue state changes to observers across the two
// execution contexts.
//
// The foreground CLI and the background daemon each hold a local Bus. The
// daemon additionally hosts a websocket hub (Server); foreground processes
// attach a Client so events published on either side reach observers on the
// other. Delivery is best-effort and unordered relative to direct store
// reads: an observer that needs authoritative state re-queries the store
// rather than trusting cumulative event payloads.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fieldnote/fieldnote/internal/record"
)

// EventType identifies a queue state change.
type EventType string

const (
	// EventQueued fires when the dispatcher persists a capture for later
	// delivery.
	EventQueued EventType = "queued"

	// EventSynced fires when the sync engine successfully delivers a
	// queued capture.
	EventSynced EventType = "synced"

	// EventSyncComplete fires once per drain with aggregate counts.
	EventSyncComplete EventType = "sync_complete"

	// EventQueueCleared fires when the queue is cleared wholesale.
	EventQueueCleared EventType = "queue_cleared"
)

// Event is the wire and in-process message shape.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QueuedData is the payload of an EventQueued: enough for an observer to
// reflect pending state without re-reading the store.
type QueuedData struct {
	ID       string      `json:"id"`
	Kind     record.Kind `json:"kind"`
	QueuedAt time.Time   `json:"queued_at"`
}

// SyncedData is the payload of an EventSynced.
type SyncedData struct {
	ID string `json:"id"`
}

// SyncResultData is one per-record entry inside an EventSyncComplete.
type SyncResultData struct {
	ID      string      `json:"id"`
	Kind    record.Kind `json:"kind"`
	Outcome string      `json:"outcome"`
	Error   string      `json:"error,omitempty"`
	Evicted bool        `json:"evicted,omitempty"`
}

// SyncCompleteData is the payload of an EventSyncComplete: aggregate counts
// plus the per-record outcomes of the drain.
type SyncCompleteData struct {
	Synced  int              `json:"synced"`
	Failed  int              `json:"failed"`
	Evicted int              `json:"evicted"`
	Results []SyncResultData `json:"results"`
}

// QueueClearedData is the payload of an EventQueueCleared.
type QueueClearedData struct {
	Discarded int `json:"discarded"`
}

// NewEvent builds an event, marshaling the payload. A nil payload yields an
// event with no data.
func NewEvent(t EventType, payload any) Event {
	evt := Event{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Data = data
		}
	}
	return evt
}

// Handler receives published events. Handlers must not block; long work
// belongs on the handler's own goroutine.
type Handler func(Event)

// Relay forwards events to the other execution context. Implemented by
// Server (daemon side) and Client (foreground side). Forward is best-effort.
type Relay interface {
	Forward(Event)
}

// Bus is a process-wide publish/subscribe fan-out.
type Bus struct {
	mu    sync.RWMutex
	subs  map[int]Handler
	next  int
	relay Relay
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers a handler and returns an unsubscribe func.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SetRelay attaches the cross-context forwarder. At most one relay is active.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Publish delivers an event to local subscribers and forwards it to the
// other execution context when a relay is attached.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.deliver(evt)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		relay.Forward(evt)
	}
}

// deliver fans an event out to local subscribers only. Used by relays for
// events arriving from the other context, which must not be forwarded back.
func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}
