package coordinator

import (
	"fmt"
	"sync"

	"github.com/hannahhoward/go-pubsub"
	"go.uber.org/zap"
)

type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventState
	EventShouldStore
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventState:
		return "state"
	case EventShouldStore:
		return "should-store"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is delivered to subscribers registered with Subscribe. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind EventKind `json:"kind"`

	// Topic and PeerID are set on started.
	Topic  string `json:"topic,omitempty"`
	PeerID string `json:"peerId,omitempty"`

	// State is set on state.
	State *State `json:"state,omitempty"`

	// Contract is set on should-store.
	Contract *Contract `json:"contract,omitempty"`
}

type subscriberFn func(Event)

func newEventBus() *pubsub.PubSub {
	return pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
		evt, ok := event.(Event)
		if !ok {
			return fmt.Errorf("wrong type of event: %T", event)
		}
		sub, ok := subFn.(subscriberFn)
		if !ok {
			return fmt.Errorf("wrong type of subscriber: %T", subFn)
		}
		sub(evt)
		return nil
	})
}

// eventQueue delivers events in order on a drain goroutine that only runs
// while events are queued. Subscribers therefore never run on a transport,
// timer or API goroutine, and never inside another event's dispatch.
type eventQueue struct {
	bus *pubsub.PubSub
	log *zap.Logger

	mu       sync.Mutex
	queued   []Event
	draining bool
}

func newEventQueue(log *zap.Logger) *eventQueue {
	return &eventQueue{bus: newEventBus(), log: log}
}

// push never blocks and is safe to call with the coordinator lock held.
func (q *eventQueue) push(evt Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, evt)
	if !q.draining {
		q.draining = true
		go q.drain()
	}
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.queued) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		evt := q.queued[0]
		q.queued = q.queued[1:]
		q.mu.Unlock()

		if err := q.bus.Publish(evt); err != nil {
			q.log.Error("Failed to publish coordinator event", zap.Stringer("kind", evt.Kind), zap.Error(err))
		}
	}
}

// Subscribe registers fn for every event the coordinator emits. Events
// arrive in order on a goroutine of their own, so fn may call any
// coordinator method, Stop included. fn must not call the returned
// unsubscribe function itself.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	unsub := c.events.bus.Subscribe(subscriberFn(fn))
	return func() { unsub() }
}

// emitLocked queues evt for delivery. c.mu must be held so that events
// queue in the order their state changes happened.
func (c *Coordinator) emitLocked(evt Event) {
	c.events.push(evt)
}
