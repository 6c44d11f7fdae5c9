// Package eventbus is the single-process event pipeline hub:
// it fans a domain.Event out to in-process subscribers and, if a fan-out
// sink is attached, schedules a background broadcast to connected clients.
// Two emission modes exist: Emit (subscribers + persisted-domain broadcast)
// and EmitStream (broadcast-only, for high-frequency trace payloads that are
// never persisted and never seen by subscribers).
package eventbus

import (
	"sync"

	"github.com/zjrosen/workflowcore/internal/log"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// Subscriber receives every emitted Event synchronously, in registration
// order. Subscribers must be non-blocking; this is a stated precondition,
// not enforced by the Bus.
type Subscriber func(*domain.Event)

// Fanout is the narrow interface the Bus needs from the Connection Fan-out
// layer (internal/fanout). Defining it here, rather than importing the
// fanout package, keeps the Bus ignorant of connection/transport details.
type Fanout interface {
	Broadcast(e *domain.Event)
	BroadcastStream(e *domain.Event)
}

// SubscriptionID identifies a registered Subscriber for Unsubscribe.
type SubscriptionID uint64

type subEntry struct {
	id SubscriptionID
	fn Subscriber
}

// Bus is a single-process publisher with two emission modes: Emit for
// events that were durably logged first, EmitStream for broadcast-only
// trace traffic.
type Bus struct {
	mu     sync.RWMutex
	subs   []subEntry
	nextID SubscriptionID

	fanout Fanout

	wg sync.WaitGroup
}

// New creates an event bus with no fan-out attached. Attach one with
// SetFanout once the connection layer is constructed (the two are
// constructed in separate layers and wired together at startup).
func New() *Bus {
	return &Bus{}
}

// SetFanout attaches the Connection Fan-out sink. Safe to call once during
// startup wiring; not safe to call concurrently with Emit/EmitStream.
func (b *Bus) SetFanout(f Fanout) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fanout = f
}

// Subscribe registers a non-blocking in-process consumer, appended after
// any existing subscriber, and returns an id for Unsubscribe.
func (b *Bus) Subscribe(sub Subscriber) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subEntry{id: id, fn: sub})
	return id
}

// Unsubscribe removes a previously registered subscriber. Unknown ids are a
// no-op.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.subs {
		if e.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers event (already persisted by the caller via
// Repository.SaveEvent) to every subscriber in registration order,
// catching and logging any
// subscriber panic so one bad subscriber cannot starve the others, then
// schedules a background fan-out broadcast if one is attached.
func (b *Bus) Emit(event *domain.Event) {
	b.mu.RLock()
	subs := make([]subEntry, len(b.subs))
	copy(subs, b.subs)
	fanout := b.fanout
	b.mu.RUnlock()

	for _, e := range subs {
		b.invokeSubscriber(e.fn, event)
	}

	if fanout != nil {
		b.wg.Add(1)
		log.SafeGo(log.CatEventBus, "fanout.broadcast", func() {
			defer b.wg.Done()
			fanout.Broadcast(event)
		})
	}
}

func (b *Bus) invokeSubscriber(sub Subscriber, event *domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatEventBus, "subscriber panic recovered", "panic", r, "event_type", event.EventType())
		}
	}()
	sub(event)
}

// EmitStream is the broadcast-only path for high-frequency trace/streaming
// payloads: it does not invoke subscribers and does not touch storage.
func (b *Bus) EmitStream(event *domain.Event) {
	b.mu.RLock()
	fanout := b.fanout
	b.mu.RUnlock()

	if fanout == nil {
		return
	}
	b.wg.Add(1)
	log.SafeGo(log.CatEventBus, "fanout.broadcast_stream", func() {
		defer b.wg.Done()
		fanout.BroadcastStream(event)
	})
}

// Cleanup awaits every outstanding fan-out task, used during graceful
// shutdown.
func (b *Bus) Cleanup() {
	b.wg.Wait()
}
