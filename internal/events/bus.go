// Package events is the in-process notification channel between the sync
// engine and everything that reacts to it.
//
// Events are fire-and-forget: triggering never waits for handlers and
// carries no acknowledgement. Handlers subscribed with a site ID only see
// events for that site; handlers subscribed with an empty site ID see all.
package events

import "sync"

// WorkshopAutoSynced is emitted once per workshop whose offline queue was
// changed by an automatic sync pass.
const WorkshopAutoSynced = "workshop_auto_synced"

// Event is one fired notification.
type Event struct {
	Name    string
	SiteID  string
	Payload any
}

// Handler receives fired events.
type Handler func(Event)

// Bus dispatches events to subscribed handlers.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]subscription
}

type subscription struct {
	siteID  string
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]subscription)}
}

// On subscribes a handler to an event name. siteID "" receives the event for
// every site. The returned function unsubscribes.
func (b *Bus) On(name, siteID string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]subscription)
	}
	id := b.nextID
	b.nextID++
	b.handlers[name][id] = subscription{siteID: siteID, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[name], id)
	}
}

// Trigger fires an event. Handlers run synchronously in subscription order
// but the caller gets no result back; a panicking handler is the handler's
// bug, not the trigger site's.
func (b *Bus) Trigger(name, siteID string, payload any) {
	b.mu.Lock()
	subs := make([]subscription, 0, len(b.handlers[name]))
	for _, sub := range b.handlers[name] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	event := Event{Name: name, SiteID: siteID, Payload: payload}
	for _, sub := range subs {
		if sub.siteID != "" && sub.siteID != siteID {
			continue
		}
		sub.handler(event)
	}
}
