// Package pgnotify carries coordinator topics over PostgreSQL
// LISTEN/NOTIFY, for deployments where every node already shares a
// database.
package pgnotify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"contractd/transport"
)

const (
	// Postgres truncates identifiers longer than this.
	maxChannelLen = 63

	// NOTIFY payloads must be shorter than 8000 bytes.
	maxPayloadLen = 8000
)

var (
	ErrPayloadTooLarge = errors.New("payload too large for NOTIFY")
	ErrClosed          = errors.New("pgnotify transport closed")
)

type Transport struct {
	log      *zap.Logger
	pool     *pgxpool.Pool
	selfID   string
	registry *transport.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	listeners map[string]context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// New opens a connection pool for dsn. Publishes share the pool; every
// subscribed topic holds one connection of its own for LISTEN.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Transport, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	// Statement caching does not survive pgbouncer in transaction mode.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		log:       log,
		pool:      pool,
		selfID:    uuid.NewString(),
		registry:  transport.NewRegistry(),
		ctx:       tctx,
		cancel:    cancel,
		listeners: make(map[string]context.CancelFunc),
	}, nil
}

func (t *Transport) Ready(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
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
		lctx, cancel := context.WithCancel(t.ctx)
		t.listeners[topic] = cancel
		t.wg.Add(1)
		go t.listenLoop(lctx, topic)
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
		if cancel, ok := t.listeners[topic]; ok {
			cancel()
			delete(t.listeners, topic)
		}
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	if len(data) >= maxPayloadLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	if t.isClosed() {
		return ErrClosed
	}

	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channelName(topic), string(data)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", topic, err)
	}
	return nil
}

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
	t.pool.Close()
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// listenLoop keeps a LISTEN connection open for topic until ctx ends,
// reconnecting with backoff. Notifications sent while disconnected are
// lost, which the protocol tolerates.
func (t *Transport) listenLoop(ctx context.Context, topic string) {
	defer t.wg.Done()

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := t.listen(ctx, topic, b)
		if ctx.Err() != nil {
			return
		}

		wait := b.Duration()
		t.log.Warn("LISTEN connection lost, reconnecting",
			zap.String("topic", topic),
			zap.Duration("backoff", wait),
			zap.Float64("attempt", b.Attempt()),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (t *Transport) listen(ctx context.Context, topic string, b *backoff.Backoff) error {
	pooled, err := t.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	// LISTEN state must not leak back into the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	channel := channelName(topic)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	b.Reset()
	t.log.Debug("Listening for notifications", zap.String("topic", topic), zap.String("channel", channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Channel != channel {
			continue
		}
		t.registry.Dispatch(topic, []byte(n.Payload))
	}
}

// channelName maps a topic to a NOTIFY channel. Long topics are replaced by
// a hash so distinct topics never collide after truncation.
func channelName(topic string) string {
	if len(topic) <= maxChannelLen {
		return topic
	}
	sum := sha256.Sum256([]byte(topic))
	return "contractd_" + hex.EncodeToString(sum[:16])
}
