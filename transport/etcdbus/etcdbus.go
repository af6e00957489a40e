// Package etcdbus carries coordinator topics through etcd: every publish is
// a short-lived key under the topic's prefix and subscribers watch that
// prefix.
package etcdbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"contractd/transport"
)

var ErrClosed = errors.New("etcd transport closed")

// DefaultMessageTTL bounds how long a published message stays in etcd.
// Subscribers only see messages put while their watch is open.
const DefaultMessageTTL = 30 * time.Second

type Transport struct {
	client   *clientv3.Client
	log      *zap.Logger
	ttl      time.Duration
	selfID   string
	registry *transport.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	watchers map[string]context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// New wraps an existing client. The caller keeps ownership of client.
func New(client *clientv3.Client, ttl time.Duration, log *zap.Logger) *Transport {
	if ttl < time.Second {
		ttl = DefaultMessageTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		client:   client,
		log:      log,
		ttl:      ttl,
		selfID:   uuid.NewString(),
		registry: transport.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]context.CancelFunc),
	}
}

func topicPrefix(topic string) string {
	return "/" + strings.TrimPrefix(topic, "/") + "/msgs/"
}

func messageKey(topic string, id uuid.UUID) string {
	return topicPrefix(topic) + id.String()
}

func (t *Transport) Ready(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	endpoints := t.client.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("etcd client has no endpoints")
	}
	if _, err := t.client.Status(ctx, endpoints[0]); err != nil {
		return fmt.Errorf("etcd status check failed: %w", err)
	}
	return nil
}

func (t *Transport) SelfID(ctx context.Context) (string, error) {
	return t.selfID, nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	sub, first := t.registry.Add(topic, h)
	if first {
		wctx, cancel := context.WithCancel(t.ctx)
		t.watchers[topic] = cancel
		t.wg.Add(1)
		go t.watchLoop(wctx, topic)
	}
	return sub, nil
}

func (t *Transport) Unsubscribe(topic string, sub transport.Subscription) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, err := t.registry.Remove(topic, sub)
	if err != nil {
		return err
	}
	if last {
		if cancel, ok := t.watchers[topic]; ok {
			cancel()
			delete(t.watchers, topic)
		}
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}

	lease, err := t.client.Grant(ctx, int64(t.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("failed to grant message lease: %w", err)
	}

	if _, err := t.client.Put(ctx, messageKey(topic, uuid.New()), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put message for %s: %w", topic, err)
	}
	return nil
}

// Close stops every watch. It does not close the etcd client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) watchLoop(ctx context.Context, topic string) {
	defer t.wg.Done()

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	// rev is the next revision to deliver; 0 means "from now".
	var rev int64
	for {
		var err error
		rev, err = t.watch(ctx, topic, rev, b)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, rpctypes.ErrCompacted) {
			rev = 0
		}

		wait := b.Duration()
		t.log.Warn("etcd watch ended, restarting",
			zap.String("topic", topic),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// watch delivers puts under topic's prefix until the watch channel fails,
// returning the revision to resume from.
func (t *Transport) watch(ctx context.Context, topic string, rev int64, b *backoff.Backoff) (int64, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithFilterDelete()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}

	wch := t.client.Watch(clientv3.WithRequireLeader(ctx), topicPrefix(topic), opts...)
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return rev, err
		}
		b.Reset()
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			t.registry.Dispatch(topic, ev.Kv.Value)
		}
		rev = resp.Header.Revision + 1
	}
	return rev, fmt.Errorf("watch channel closed")
}
