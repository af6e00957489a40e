package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrOffline is returned by a LocalTransport that has been taken offline.
var ErrOffline = errors.New("transport offline")

// LocalNetwork connects LocalTransports living in the same process. Every
// publish is delivered synchronously to every joined transport, including
// the publisher.
type LocalNetwork struct {
	mu      sync.RWMutex
	members []*LocalTransport
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{}
}

// Join attaches a new transport with the given peer id.
func (n *LocalNetwork) Join(selfID string) *LocalTransport {
	t := &LocalTransport{
		network:  n,
		selfID:   selfID,
		registry: NewRegistry(),
	}

	n.mu.Lock()
	n.members = append(n.members, t)
	n.mu.Unlock()

	return t
}

func (n *LocalNetwork) deliver(topic string, data []byte) {
	n.mu.RLock()
	members := make([]*LocalTransport, len(n.members))
	copy(members, n.members)
	n.mu.RUnlock()

	for _, m := range members {
		if m.isOffline() {
			continue
		}
		// Each receiver gets its own copy so handlers cannot alias.
		buf := make([]byte, len(data))
		copy(buf, data)
		m.registry.Dispatch(topic, buf)
	}
}

// LocalTransport is one member of a LocalNetwork.
type LocalTransport struct {
	network  *LocalNetwork
	selfID   string
	registry *Registry

	mu        sync.Mutex
	offline   bool
	published int
}

var _ Transport = (*LocalTransport)(nil)

// SetOffline simulates losing the connection: Ready and Publish fail, and
// nothing is delivered to this member while offline.
func (t *LocalTransport) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

func (t *LocalTransport) isOffline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offline
}

// Published returns how many payloads this member has published.
func (t *LocalTransport) Published() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published
}

func (t *LocalTransport) Ready(ctx context.Context) error {
	if t.isOffline() {
		return ErrOffline
	}
	return nil
}

func (t *LocalTransport) SelfID(ctx context.Context) (string, error) {
	return t.selfID, nil
}

func (t *LocalTransport) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	sub, _ := t.registry.Add(topic, h)
	return sub, nil
}

func (t *LocalTransport) Unsubscribe(topic string, sub Subscription) error {
	_, err := t.registry.Remove(topic, sub)
	return err
}

func (t *LocalTransport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	if t.offline {
		t.mu.Unlock()
		return ErrOffline
	}
	t.published++
	t.mu.Unlock()

	t.network.deliver(topic, data)
	return nil
}
