package agent

import (
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// subscriberBuffer bounds each subscriber's event channel. A slow subscriber
// drops events rather than blocking the runtime.
const subscriberBuffer = 256

// Emitter broadcasts lifecycle events to every subscriber. Consumers
// self-filter by RunID; there is no per-run channel.
type Emitter struct {
	mu   sync.Mutex
	subs map[int]chan models.AgentEvent
	next int
	now  func() time.Time
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{
		subs: make(map[int]chan models.AgentEvent),
		now:  time.Now,
	}
}

// Subscribe registers a new subscriber. The returned cancel func removes the
// subscription and closes the channel.
func (e *Emitter) Subscribe() (<-chan models.AgentEvent, func()) {
	ch := make(chan models.AgentEvent, subscriberBuffer)
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// Emit broadcasts one event in publication order. Delivery to a full
// subscriber is dropped.
func (e *Emitter) Emit(event models.AgentEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
