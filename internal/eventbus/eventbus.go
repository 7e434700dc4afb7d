// Package eventbus is the single-process, in-memory publish/subscribe hub
// that carries every orchestrator event (task transitions, batch lifecycle,
// worker output, recovery notices) out to the push server and IPC layer.
package eventbus

import (
	"sync"
	"time"

	"github.com/taskforge/orchestrator/internal/applog"
)

const (
	defaultBufferSize  = 256
	dropReportInterval = 5 * time.Second
)

// Event is the wire-level shape published on the bus; payload keys follow
// the snake_case convention used throughout the HTTP/WS contract.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	PlanID    string                 `json:"plan_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Filter reports whether an event should be delivered to a given subscriber.
// A nil Filter delivers everything.
type Filter func(Event) bool

// ForPlan returns a Filter that only admits events for planID, plus
// plan-agnostic events (empty PlanID, e.g. bus-wide diagnostics).
func ForPlan(planID string) Filter {
	return func(e Event) bool {
		return e.PlanID == "" || e.PlanID == planID
	}
}

// Subscription is returned by Subscribe and passed to Unsubscribe.
type Subscription struct {
	id   uint64
	bus  *Bus
	ch   chan Event
	done chan struct{}
}

// Events returns the channel events are delivered on. Closed when the
// subscription is torn down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Bus is a single process-wide event hub. The zero value is not usable;
// construct with New.
type Bus struct {
	log applog.Logger

	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64
}

type subscriber struct {
	filter  Filter
	ch      chan Event
	done    chan struct{}
	dropped int
}

// New returns a ready Bus.
func New() *Bus {
	b := &Bus{
		log:  applog.For("eventbus"),
		subs: map[uint64]*subscriber{},
	}
	return b
}

// Publish delivers event to every subscriber whose filter admits it, in
// publication order. Delivery never blocks the publisher: a subscriber whose
// buffer is full has its oldest queued event dropped to make room.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		b.deliver(sub, event)
	}
}

// deliver must be called with b.mu held.
func (b *Bus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	// Buffer full: drop the oldest queued event to make room (drop-oldest
	// policy), then retry once.
	select {
	case <-sub.ch:
		sub.dropped++
	default:
	}
	select {
	case sub.ch <- event:
	default:
		// subscriber channel is being drained concurrently and raced us; the
		// event is lost either way under drop-oldest, so count it and move on.
		sub.dropped++
	}
}

// Subscribe registers a new subscriber receiving every event its filter admits
// (a nil filter admits everything; ForPlan scopes it to one plan), with a
// bounded delivery buffer. Call Unsubscribe when done.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	sub := &subscriber{
		filter: filter,
		ch:     make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
	}
	b.subs[id] = sub
	go b.reportDrops(id, sub)
	return &Subscription{id: id, bus: b, ch: sub.ch, done: sub.done}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	s, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(s.done)
	close(s.ch)
}

// reportDrops periodically emits bus.dropped{count} for a subscriber that has
// lost events, so consumers can detect loss without polling per-publish.
func (b *Bus) reportDrops(id uint64, sub *subscriber) {
	ticker := time.NewTicker(dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			b.mu.Lock()
			count := sub.dropped
			sub.dropped = 0
			b.mu.Unlock()
			if count == 0 {
				continue
			}
			b.log.Warning().Int("dropped", count).Int("subscriber_id", int(id)).Log("bus.dropped")
			select {
			case sub.ch <- Event{
				Type:      "bus.dropped",
				Timestamp: time.Now().UTC(),
				Payload:   map[string]interface{}{"count": count},
			}:
			default:
				// the notice itself can be dropped under sustained overflow;
				// the next tick will still report the (growing) count.
			}
		}
	}
}
