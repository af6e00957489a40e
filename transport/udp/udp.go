// Package udp carries coordinator topics as JSON datagrams sent to a
// fixed list of peer hosts. It needs no infrastructure beyond reachable
// hosts, and loses whatever the network drops.
package udp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"contractd/transport"
)

const maxDatagram = 64 * 1024

var ErrClosed = errors.New("udp transport closed")

// Envelope wraps one published payload on the wire.
type Envelope struct {
	Cluster string `json:"cluster"`
	Topic   string `json:"topic"`
	Sender  string `json:"sender"`
	Data    []byte `json:"data"`
}

type Config struct {
	// ListenAddress is the local host:port to bind, e.g. ":4012".
	ListenAddress string

	// Port is appended to peers given without one.
	Port int

	// Cluster is carried in every envelope; packets for another cluster
	// are dropped.
	Cluster string

	// Peers are hostnames or host:port pairs every publish is sent to.
	Peers []string
}

type Transport struct {
	log      *zap.Logger
	cfg      Config
	selfID   string
	conn     *net.UDPConn
	registry *transport.Registry

	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

// New binds the listening socket and starts reading from it.
func New(cfg Config, log *zap.Logger) (*Transport, error) {
	if cfg.Cluster == "" {
		return nil, fmt.Errorf("udp transport needs a cluster name")
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP %s: %w", cfg.ListenAddress, err)
	}

	t := &Transport{
		log:      log,
		cfg:      cfg,
		selfID:   uuid.NewString(),
		conn:     conn,
		registry: transport.NewRegistry(),
	}

	t.wg.Add(1)
	go t.readLoop()

	log.Info("UDP transport listening", zap.String("addr", conn.LocalAddr().String()), zap.Strings("peers", cfg.Peers))
	return t, nil
}

// LocalAddr is the bound address, useful when listening on port 0.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *Transport) Ready(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	return nil
}

func (t *Transport) SelfID(ctx context.Context) (string, error) {
	return t.selfID, nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string, h transport.Handler) (transport.Subscription, error) {
	if t.isClosed() {
		return 0, ErrClosed
	}
	sub, _ := t.registry.Add(topic, h)
	return sub, nil
}

func (t *Transport) Unsubscribe(topic string, sub transport.Subscription) error {
	_, err := t.registry.Remove(topic, sub)
	return err
}

// Publish sends data to every peer. It fails only when no peer could be
// sent to.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}

	packet, err := json.Marshal(Envelope{
		Cluster: t.cfg.Cluster,
		Topic:   topic,
		Sender:  t.selfID,
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(packet) > maxDatagram {
		return fmt.Errorf("envelope of %d bytes exceeds datagram size", len(packet))
	}

	var errs error
	sent := 0
	for _, peer := range t.cfg.Peers {
		if peer == "" {
			continue
		}
		if err := t.sendTo(ctx, peer, packet); err != nil {
			t.log.Debug("Failed to send datagram", zap.String("peer", peer), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
	}

	if sent == 0 && errs != nil {
		return fmt.Errorf("failed to reach any peer: %w", errs)
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

	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) sendTo(ctx context.Context, peer string, packet []byte) error {
	hostport := peer
	if _, _, err := net.SplitHostPort(peer); err != nil {
		hostport = net.JoinHostPort(peer, strconv.Itoa(t.cfg.Port))
	}

	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", hostport, err)
	}

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(packet, addr); err != nil {
		return fmt.Errorf("failed to write to %s: %w", hostport, err)
	}
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	buffer := make([]byte, maxDatagram)
	for {
		n, _, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("Error reading UDP packet", zap.Error(err))
			continue
		}
		t.handlePacket(buffer[:n])
	}
}

func (t *Transport) handlePacket(packet []byte) {
	var env Envelope
	if err := json.Unmarshal(packet, &env); err != nil {
		t.log.Debug("Failed to unmarshal envelope", zap.Error(err))
		return
	}

	if env.Cluster != t.cfg.Cluster {
		t.log.Warn("Received packet for wrong cluster", zap.String("cluster", env.Cluster), zap.String("sender", env.Sender))
		return
	}
	if env.Sender == t.selfID {
		return
	}

	t.registry.Dispatch(env.Topic, env.Data)
}
