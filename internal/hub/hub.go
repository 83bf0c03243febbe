// Package hub implements HubCore: the single owner of the subscriber
// registry and the EventStore handle. Every publish, attach, and detach
// funnels through one mutex so that per-endpoint ordering holds regardless
// of how many goroutines are driving connections concurrently.
package hub

import (
	"fmt"
	"sync"
)

// Event is the unit of broadcast: a persisted (id, endpoint, name, data)
// tuple.
type Event struct {
	ID       int64
	Endpoint string
	Name     string
	Data     string
}

// Store is the EventStore collaborator: durable persistence for events and
// access keys. Implemented by *db.DB in production, by fakes in tests.
type Store interface {
	Append(endpoint, event, data string) (StoredEvent, error)
	EventsAfter(endpoint string, after int64) ([]StoredEvent, error)
	RegisterKey(endpoint, key string) error
	CheckKey(endpoint, key string) (bool, error)
}

// StoredEvent mirrors db.Event without importing the db package, so hub
// stays independent of the storage layer's concrete types.
type StoredEvent struct {
	ID       int64
	Endpoint string
	Event    string
	Data     string
}

// Subscriber is a live SSE connection attached to one endpoint. Outbox is
// a bounded, non-blocking handoff channel; Wakeup exists only in spirit
// here — in the Go translation, a successful send on Outbox fulfils the
// same "tell the frontend to drain and write" role a separate wakeup signal
// would, since the frontend's select loop is already parked on the channel.
//
// A Subscriber needs no lock of its own: its fields never change after
// creation, Publish's sends and Detach's removal are both serialized under
// Hub.mu, and the frontend's receives on Outbox (made without Hub.mu) are
// synchronized by the channel itself.
type Subscriber struct {
	Endpoint string
	Outbox   chan Event
}

func newSubscriber(endpoint string, bufSize int) *Subscriber {
	return &Subscriber{
		Endpoint: endpoint,
		Outbox:   make(chan Event, bufSize),
	}
}

// offer attempts a non-blocking handoff. It reports false if the
// subscriber's outbox is full, which is the hub's signal to reap it.
func (s *Subscriber) offer(ev Event) bool {
	select {
	case s.Outbox <- ev:
		return true
	default:
		return false
	}
}

// Hub is the process-wide HubCore: subscriber registry plus EventStore
// handle, guarded by a single mutex so publish/attach/detach never
// interleave in a way that would violate per-endpoint ordering.
type Hub struct {
	store Store

	mu            sync.Mutex
	subscriberBuf int
	subscribers   []*Subscriber
}

// New constructs a Hub backed by store. subscriberBufSize bounds each
// subscriber's outbox; a subscriber that falls behind that bound is
// dropped rather than allowed to block the publisher.
func New(store Store, subscriberBufSize int) *Hub {
	if subscriberBufSize <= 0 {
		subscriberBufSize = 64
	}
	return &Hub{store: store, subscriberBuf: subscriberBufSize}
}

// RegisterAccessKey delegates to the store.
func (h *Hub) RegisterAccessKey(endpoint, key string) error {
	return h.store.RegisterKey(endpoint, key)
}

// CheckAccessKey reports whether (endpoint, key) has at least one matching
// row.
func (h *Hub) CheckAccessKey(endpoint, key string) (bool, error) {
	return h.store.CheckKey(endpoint, key)
}

// Publish appends the event to the store and fans it out to every live
// subscriber on the same endpoint, all under h.mu. Holding the lock across
// both the append and the fan-out (rather than just the fan-out) is what
// makes per-endpoint ordering hold: two goroutines publishing to the same
// endpoint concurrently would otherwise be free to append in one order but
// acquire the lock and fan out in the other, so a subscriber could observe
// the later event before the earlier one. Persistence and fan-out are
// all-or-nothing against the store: if append fails, nothing is
// broadcast and no subscriber observes the call.
//
// Fan-out itself is best-effort per subscriber: a subscriber whose outbox
// rejects the handoff is removed from the registry during this same pass.
// This sweep is the only path that reaps dead subscribers; detach is a
// best-effort hint for the rest.
func (h *Hub) Publish(endpoint, name, data string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	stored, err := h.store.Append(endpoint, name, data)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	ev := Event{ID: stored.ID, Endpoint: stored.Endpoint, Name: stored.Event, Data: stored.Data}

	live := h.subscribers[:0]
	for _, sub := range h.subscribers {
		if sub.Endpoint != endpoint {
			live = append(live, sub)
			continue
		}
		if sub.offer(ev) {
			live = append(live, sub)
		}
		// offer failed: drop sub from the registry, it is dead.
	}
	h.subscribers = live

	return nil
}

// Attach registers a new subscriber for endpoint. If lastEventID is
// non-nil, the gap between it and the current tail is replayed
// synchronously via replay before the subscriber is inserted into the
// registry. The gap query, the replay, and the registry insert all happen
// under h.mu, the same lock Publish holds for its entire body, so no
// concurrent publish can land in the window between "query the missed
// events" and "register the subscriber to receive live ones" — that
// window is exactly where an interleaved publish would otherwise be
// neither replayed nor delivered live.
func (h *Hub) Attach(endpoint string, lastEventID *int64, replay func(Event) error) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lastEventID != nil {
		missed, err := h.store.EventsAfter(endpoint, *lastEventID)
		if err != nil {
			return nil, fmt.Errorf("attach: gap replay: %w", err)
		}
		for _, stored := range missed {
			ev := Event{ID: stored.ID, Endpoint: stored.Endpoint, Name: stored.Event, Data: stored.Data}
			if err := replay(ev); err != nil {
				return nil, err
			}
		}
	}

	sub := newSubscriber(endpoint, h.subscriberBuf)
	h.subscribers = append(h.subscribers, sub)

	return sub, nil
}

// Detach removes sub from the registry. Idempotent: the publish-time sweep
// may already have removed it, so this is a best-effort hint, not the
// sole reaping mechanism.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subscribers {
		if s == sub {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers,
// for diagnostics and tests.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
