// Package transport defines the publish/subscribe medium the contract
// coordinator gossips over, and ships an in-process implementation.
//
// Delivery is best-effort: implementations may drop, duplicate or reorder
// payloads, and there is no replay for late subscribers.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownSubscription is returned by Unsubscribe for a handle that was
// never issued for the topic, or was already removed.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Handler receives a raw payload published on a topic. Handlers may be
// called from any goroutine.
type Handler func(data []byte)

// Subscription identifies one handler registered on one topic.
type Subscription uint64

// Transport is a pub/sub channel scoped by topic.
type Transport interface {
	// Ready reports whether the transport is connected and usable.
	Ready(ctx context.Context) error

	// SelfID returns this instance's peer identifier. It must be stable
	// for the lifetime of the transport.
	SelfID(ctx context.Context) (string, error)

	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Unsubscribe(topic string, sub Subscription) error

	// Publish broadcasts data to every subscriber of topic. It does not
	// wait for delivery.
	Publish(ctx context.Context, topic string, data []byte) error
}

// Registry tracks handlers per topic and fans payloads out to them. It is
// the bookkeeping shared by every Transport implementation.
type Registry struct {
	mu       sync.RWMutex
	next     Subscription
	handlers map[string]map[Subscription]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]map[Subscription]Handler),
	}
}

// Add registers h on topic. first is true when topic had no handlers
// before, which is when a backend needs to start listening.
func (r *Registry) Add(topic string, h Handler) (sub Subscription, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	hs, ok := r.handlers[topic]
	if !ok {
		hs = make(map[Subscription]Handler)
		r.handlers[topic] = hs
	}
	hs[r.next] = h
	return r.next, !ok
}

// Remove drops sub from topic. last is true when topic has no handlers
// left, which is when a backend can stop listening.
func (r *Registry) Remove(topic string, sub Subscription) (last bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs, ok := r.handlers[topic]
	if !ok {
		return false, ErrUnknownSubscription
	}
	if _, ok := hs[sub]; !ok {
		return false, ErrUnknownSubscription
	}
	delete(hs, sub)
	if len(hs) == 0 {
		delete(r.handlers, topic)
		return true, nil
	}
	return false, nil
}

// Has reports whether topic has at least one handler.
func (r *Registry) Has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[topic]) > 0
}

// Topics returns every topic with at least one handler.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	return topics
}

// Dispatch calls every handler on topic with data. Handlers run on the
// caller's goroutine, outside the registry lock.
func (r *Registry) Dispatch(topic string, data []byte) {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.handlers[topic]))
	for _, h := range r.handlers[topic] {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
}
