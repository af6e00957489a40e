// Package gossipsub carries coordinator topics over libp2p GossipSub, the
// same pubsub layer IPFS nodes expose.
package gossipsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"contractd/transport"
)

var ErrClosed = errors.New("gossipsub transport closed")

type Config struct {
	// ListenAddrs are libp2p multiaddrs, e.g. /ip4/0.0.0.0/tcp/4011.
	ListenAddrs []string

	// BootstrapPeers are full p2p multiaddrs dialed on start.
	BootstrapPeers []string

	// EnableMDNS turns on LAN discovery under MDNSServiceTag.
	EnableMDNS     bool
	MDNSServiceTag string

	// EnableDHT runs a Kademlia DHT used to find other subscribers of a
	// topic by rendezvous on the topic name.
	EnableDHT         bool
	DHTProtocolPrefix string
}

func DefaultConfig() Config {
	return Config{
		ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/0"},
		EnableMDNS:        true,
		MDNSServiceTag:    "contractd",
		EnableDHT:         true,
		DHTProtocolPrefix: "/contractd",
	}
}

type joinedTopic struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

type Transport struct {
	log      *zap.Logger
	host     host.Host
	dht      *dht.IpfsDHT
	mdns     mdns.Service
	ps       *pubsub.PubSub
	registry *transport.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	topics map[string]*joinedTopic
}

var _ transport.Transport = (*Transport)(nil)

// New starts a libp2p host and GossipSub router. The returned transport
// owns the host; Close shuts it down.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Transport, error) {
	bootstrap, err := parseBootstrapPeers(cfg.BootstrapPeers)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		log:      log,
		host:     h,
		registry: transport.NewRegistry(),
		ctx:      tctx,
		cancel:   cancel,
		topics:   make(map[string]*joinedTopic),
	}

	var psOpts []pubsub.Option
	if cfg.EnableDHT {
		t.dht, err = dht.New(tctx, h,
			dht.Mode(dht.ModeAutoServer),
			dht.ProtocolPrefix(protocolPrefix(cfg.DHTProtocolPrefix)),
			dht.BootstrapPeers(bootstrap...),
		)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("failed to create kademlia dht: %w", err)
		}
		if err := t.dht.Bootstrap(tctx); err != nil {
			log.Warn("DHT bootstrap failed, will retry in the background", zap.Error(err))
		}
		psOpts = append(psOpts, pubsub.WithDiscovery(drouting.NewRoutingDiscovery(t.dht)))
	}

	t.ps, err = pubsub.NewGossipSub(tctx, h, psOpts...)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}

	if cfg.EnableMDNS {
		t.mdns = mdns.NewMdnsService(h, cfg.MDNSServiceTag, &mdnsNotifee{t: t})
		if err := t.mdns.Start(); err != nil {
			log.Warn("mDNS start failed, LAN discovery disabled", zap.Error(err))
			t.mdns = nil
		}
	}

	for _, pi := range bootstrap {
		t.connect(ctx, pi)
	}

	log.Info("libp2p transport started",
		zap.String("peer_id", h.ID().String()),
		zap.Strings("addrs", addrsToStrings(h.Addrs())),
	)
	return t, nil
}

func (t *Transport) Ready(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if len(t.host.Addrs()) == 0 {
		return fmt.Errorf("libp2p host has no listen addresses")
	}
	return nil
}

func (t *Transport) SelfID(ctx context.Context) (string, error) {
	return t.host.ID().String(), nil
}

// Host exposes the libp2p host, e.g. to print its addresses.
func (t *Transport) Host() host.Host {
	return t.host
}

func (t *Transport) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	sub, first := t.registry.Add(topic, h)
	if !first {
		return sub, nil
	}

	jt, err := t.joinLocked(topic)
	if err != nil {
		_, _ = t.registry.Remove(topic, sub)
		return 0, err
	}
	jt.sub, err = jt.topic.Subscribe()
	if err != nil {
		_, _ = t.registry.Remove(topic, sub)
		return 0, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	readCtx, cancel := context.WithCancel(t.ctx)
	jt.cancel = cancel
	t.wg.Add(1)
	go t.readLoop(readCtx, topic, jt.sub)

	t.log.Debug("Subscribed to topic", zap.String("topic", topic))
	return sub, nil
}

func (t *Transport) Unsubscribe(topic string, sub transport.Subscription) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, err := t.registry.Remove(topic, sub)
	if err != nil {
		return err
	}
	if !last {
		return nil
	}

	jt, ok := t.topics[topic]
	if !ok || jt.sub == nil {
		return nil
	}
	jt.cancel()
	jt.sub.Cancel()
	jt.sub = nil
	jt.cancel = nil
	return nil
}

func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	jt, err := t.joinLocked(topic)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if err := jt.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close leaves every topic and shuts down discovery and the host.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var err error
	for name, jt := range t.topics {
		if jt.cancel != nil {
			jt.cancel()
		}
		if jt.sub != nil {
			jt.sub.Cancel()
		}
		err = multierr.Append(err, jt.topic.Close())
		delete(t.topics, name)
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	if t.mdns != nil {
		err = multierr.Append(err, t.mdns.Close())
	}
	if t.dht != nil {
		err = multierr.Append(err, t.dht.Close())
	}
	return multierr.Append(err, t.host.Close())
}

// joinLocked returns the topic handle, joining it on first use. t.mu must
// be held. GossipSub allows one handle per topic per router.
func (t *Transport) joinLocked(topic string) (*joinedTopic, error) {
	if jt, ok := t.topics[topic]; ok {
		return jt, nil
	}
	handle, err := t.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", topic, err)
	}
	jt := &joinedTopic{topic: handle}
	t.topics[topic] = jt
	return jt, nil
}

func (t *Transport) readLoop(ctx context.Context, topic string, sub *pubsub.Subscription) {
	defer t.wg.Done()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				t.log.Warn("Subscription read failed", zap.String("topic", topic), zap.Error(err))
			}
			return
		}
		t.registry.Dispatch(topic, msg.Data)
	}
}

func (t *Transport) connect(ctx context.Context, pi peer.AddrInfo) {
	if pi.ID == t.host.ID() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := t.host.Connect(cctx, pi); err != nil {
		t.log.Warn("Failed to connect to peer", zap.String("peer_id", pi.ID.String()), zap.Error(err))
		return
	}
	t.log.Debug("Connected to peer", zap.String("peer_id", pi.ID.String()))
}

type mdnsNotifee struct {
	t *Transport
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.t.log.Debug("mDNS found peer", zap.String("peer_id", pi.ID.String()))
	n.t.connect(n.t.ctx, pi)
}

func parseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap peer %q: %w", addr, err)
		}
		infos = append(infos, *pi)
	}
	return infos, nil
}

func protocolPrefix(prefix string) protocol.ID {
	if prefix == "" {
		return "/contractd"
	}
	return protocol.ID(prefix)
}

func addrsToStrings(addrs []multiaddr.Multiaddr) []string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = a.String()
	}
	return s
}
