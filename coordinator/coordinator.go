// Package coordinator decides, without a central authority, which of an
// account's storage nodes stores each contract.
//
// Every instance of an account gossips on a shared topic. Nodes announce
// claims on the contracts they store, periodically re-broadcast their full
// contract set in beacons, and keep the claim with the latest timestamp for
// each contract (last-write-wins). When the owning application notices a
// contract that nobody seems to store, ConsiderContract waits a randomized
// backoff and, if the contract is still unclaimed, recommends picking it up
// through a should-store event. The jitter keeps every surviving node from
// claiming the same contract at once when a peer drops out.
//
// Two nodes may briefly store the same contract after a partition heals.
// Nothing is persisted: a restarted node rebuilds its view from gossip.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"contractd/metrics"
	"contractd/transport"
)

var (
	ErrTransportNotReady = errors.New("transport not ready")
	ErrAlreadyStarted    = errors.New("coordinator already started")
	ErrNotStarted        = errors.New("coordinator not started")
	ErrEmptyContractID   = errors.New("empty contract id")
)

const publishTimeout = 10 * time.Second

type pendingDecision struct {
	contract Contract
	timer    *clock.Timer
}

// Coordinator owns the cluster view of one account. All state is guarded
// by mu; transport deliveries, timer callbacks and API calls all take it.
type Coordinator struct {
	transport transport.Transport
	topic     string
	apiURL    string
	cfg       Config
	log       *zap.Logger
	clock     clock.Clock
	jitter    func(max time.Duration) time.Duration
	metrics   *metrics.Metrics
	events    *eventQueue

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu         sync.Mutex
	running    bool
	selfID     string
	sub        transport.Subscription
	stopBeacon context.CancelFunc
	beaconDone chan struct{}

	peers   map[string]time.Time
	claims  map[string]*Claim
	local   map[string]struct{}
	pending map[string]*pendingDecision
}

func New(t transport.Transport, account string, opts ...Option) (*Coordinator, error) {
	if t == nil {
		return nil, fmt.Errorf("transport must not be nil")
	}
	if account == "" {
		return nil, fmt.Errorf("account must not be empty")
	}

	c := &Coordinator{
		transport: t,
		topic:     Topic(account),
		cfg:       DefaultConfig(),
		log:       zap.NewNop(),
		clock:     clock.New(),
		jitter:    uniformJitter,
		peers:     make(map[string]time.Time),
		claims:    make(map[string]*Claim),
		local:     make(map[string]struct{}),
		pending:   make(map[string]*pendingDecision),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = newEventQueue(c.log)

	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}

	return c, nil
}

func (c *Coordinator) Topic() string {
	return c.topic
}

// PeerID returns the peer id resolved by Start, or "" before that.
func (c *Coordinator) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Start joins the cluster topic. The transport must already be ready; if
// it is not, Start fails with ErrTransportNotReady and does not retry.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return ErrAlreadyStarted
	}

	if err := c.transport.Ready(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportNotReady, err)
	}

	selfID, err := c.transport.SelfID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve self id: %w", err)
	}
	if selfID == "" {
		return fmt.Errorf("transport returned an empty self id")
	}

	c.mu.Lock()
	c.selfID = selfID
	c.running = true
	c.mu.Unlock()

	sub, err := c.transport.Subscribe(ctx, c.topic, c.handleMessage)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}

	c.mu.Lock()
	c.sub = sub
	now := c.clock.Now()
	c.refreshOwnClaimsLocked(now)
	hello := newMessage(MessageHello, selfID, now)
	hello.Contracts = sortedKeys(c.local)
	c.emitLocked(Event{Kind: EventStarted, Topic: c.topic, PeerID: selfID})
	c.mu.Unlock()

	c.publish(ctx, hello)

	beaconCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := c.clock.Ticker(c.cfg.BeaconInterval)

	c.mu.Lock()
	c.stopBeacon = cancel
	c.beaconDone = done
	c.mu.Unlock()

	go c.beaconLoop(beaconCtx, ticker, done)

	c.log.Info("Coordinator started", zap.String("topic", c.topic), zap.String("peer_id", selfID))
	return nil
}

// Stop leaves the topic and cancels the beacon and every pending decision.
// It does not release local contracts; call ReleaseContract first for a
// graceful handoff.
func (c *Coordinator) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	for id, pd := range c.pending {
		pd.timer.Stop()
		delete(c.pending, id)
	}
	c.observeLocked()
	// Every emit checks running under mu, so stopped is the last event.
	c.emitLocked(Event{Kind: EventStopped})
	stopBeacon, done, sub := c.stopBeacon, c.beaconDone, c.sub
	c.mu.Unlock()

	stopBeacon()
	<-done

	err := c.transport.Unsubscribe(c.topic, sub)

	c.log.Info("Coordinator stopped", zap.String("topic", c.topic))

	if err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", c.topic, err)
	}
	return nil
}

// ClaimContract records that this node now stores id and announces it.
// Publish failures are logged; the next beacon re-announces the claim.
func (c *Coordinator) ClaimContract(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyContractID
	}

	c.mu.Lock()
	c.local[id] = struct{}{}
	if !c.running {
		c.mu.Unlock()
		c.log.Debug("Recorded contract before start, HELLO will announce it", zap.String("contract_id", id))
		return nil
	}
	now := c.clock.Now()
	c.applyClaimLocked(id, c.selfID, now)
	msg := newMessage(MessageClaim, c.selfID, now)
	msg.ContractID = id
	snapshot := c.snapshotLocked()
	c.emitLocked(Event{Kind: EventState, State: &snapshot})
	c.mu.Unlock()

	c.publish(ctx, msg)
	return nil
}

// ReleaseContract records that this node no longer stores id and
// announces it.
func (c *Coordinator) ReleaseContract(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyContractID
	}

	c.mu.Lock()
	delete(c.local, id)
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if claim, ok := c.claims[id]; ok && claim.PeerID == c.selfID {
		delete(c.claims, id)
	}
	msg := newMessage(MessageRelease, c.selfID, c.clock.Now())
	msg.ContractID = id
	snapshot := c.snapshotLocked()
	c.emitLocked(Event{Kind: EventState, State: &snapshot})
	c.mu.Unlock()

	c.publish(ctx, msg)
	return nil
}

// WhoHas asks the cluster who stores id. Holders answer with a fresh CLAIM,
// which lands in State like any other claim.
func (c *Coordinator) WhoHas(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyContractID
	}

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return ErrNotStarted
	}

	c.publish(ctx, Message{
		Version:    ProtocolVersion,
		Type:       MessageWhoHas,
		ContractID: id,
	})
	return nil
}

// ConsiderContract schedules a pickup decision for a contract this node
// does not store. It returns true when a decision was scheduled, which
// says nothing about whether should-store will eventually fire.
func (c *Coordinator) ConsiderContract(contract Contract) bool {
	id := contract.ContractID()
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return false
	}

	_, pending := c.pending[id]
	result := evaluateContract(c.claims[id], pending, c.clock.Now(), c.cfg.FreshnessWindow)
	if !result.schedule {
		c.log.Debug(result.comment, zap.String("contract_id", id))
		return false
	}

	delay := c.cfg.DecisionDelay + c.jitter(c.cfg.DecisionJitter)
	firesAt := c.clock.Now().Add(delay)
	pd := &pendingDecision{contract: contract}
	// The mock clock runs AfterFunc callbacks with its own lock held, so
	// the decision runs on a goroutine of its own.
	pd.timer = c.clock.AfterFunc(delay, func() {
		go c.decide(id, pd, firesAt)
	})
	c.pending[id] = pd
	c.metrics.Scheduled()
	c.observeLocked()

	c.log.Debug(result.comment, zap.String("contract_id", id), zap.Duration("delay", delay))
	return true
}

// decide runs when a pending decision's backoff elapses. Freshness is
// judged at the time the backoff ended.
func (c *Coordinator) decide(id string, pd *pendingDecision, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.pending[id]; !ok || cur != pd || !c.running {
		// Cancelled by Stop.
		return
	}
	delete(c.pending, id)
	c.observeLocked()

	if c.claims[id].isFresh(now, c.cfg.FreshnessWindow) {
		c.log.Debug("Contract was claimed during backoff", zap.String("contract_id", id))
		return
	}

	c.log.Info("Recommending pickup of unclaimed contract", zap.String("contract_id", id))
	c.metrics.Recommended()
	contract := pd.contract
	c.emitLocked(Event{Kind: EventShouldStore, Contract: &contract})
}

// State returns a snapshot of the coordinator's view of the cluster.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) handleMessage(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.metrics.Dropped()
		c.log.Debug("Dropping malformed message", zap.Error(err))
		return
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	now := c.clock.Now()
	c.metrics.Received(string(msg.Type))

	if msg.PeerID != "" && msg.PeerID != c.selfID {
		c.peers[msg.PeerID] = now
	}

	var replies []Message
	switch msg.Type {
	case MessageHello, MessageBeacon:
		for _, id := range msg.Contracts {
			if id == "" {
				continue
			}
			c.applyClaimLocked(id, msg.PeerID, msg.Time())
		}
	case MessageClaim:
		c.applyClaimLocked(msg.ContractID, msg.PeerID, msg.Time())
	case MessageRelease:
		// Only the current claimant can release, and only a release at
		// least as new as the claim. A late RELEASE must not evict a
		// newer claim.
		claim, ok := c.claims[msg.ContractID]
		if ok && claim.PeerID == msg.PeerID && !msg.Time().Before(claim.Timestamp) {
			delete(c.claims, msg.ContractID)
		}
	case MessageWhoHas:
		if _, ok := c.local[msg.ContractID]; ok {
			reply := newMessage(MessageClaim, c.selfID, now)
			reply.ContractID = msg.ContractID
			c.applyClaimLocked(msg.ContractID, c.selfID, now)
			replies = append(replies, reply)
		}
	}

	snapshot := c.snapshotLocked()
	c.emitLocked(Event{Kind: EventState, State: &snapshot})
	c.mu.Unlock()

	for _, reply := range replies {
		c.publish(context.Background(), reply)
	}
}

func (c *Coordinator) beaconLoop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick publishes a beacon and garbage collects stale records.
func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.refreshOwnClaimsLocked(now)
	beacon := newMessage(MessageBeacon, c.selfID, now)
	beacon.Contracts = sortedKeys(c.local)

	if c.gcLocked(now) {
		snapshot := c.snapshotLocked()
		c.emitLocked(Event{Kind: EventState, State: &snapshot})
	}
	c.mu.Unlock()

	c.publish(ctx, beacon)
}

// gcLocked deletes peers and claims that have not been refreshed within
// their timeouts, and reports whether anything was removed.
func (c *Coordinator) gcLocked(now time.Time) bool {
	removed := false
	for id, seen := range c.peers {
		if now.Sub(seen) > c.cfg.PeerTimeout {
			delete(c.peers, id)
			removed = true
			c.log.Debug("Forgetting inactive peer", zap.String("peer_id", id))
		}
	}
	for id, claim := range c.claims {
		if claim.age(now) > c.cfg.ClaimTimeout {
			delete(c.claims, id)
			removed = true
			c.log.Debug("Forgetting stale claim", zap.String("contract_id", id), zap.String("peer_id", claim.PeerID))
		}
	}
	return removed
}

func (c *Coordinator) applyClaimLocked(id, peerID string, ts time.Time) {
	incoming := Claim{ContractID: id, PeerID: peerID, Timestamp: ts}
	if supersedes(c.claims[id], incoming) {
		c.claims[id] = &incoming
	}
}

func (c *Coordinator) refreshOwnClaimsLocked(now time.Time) {
	for id := range c.local {
		c.applyClaimLocked(id, c.selfID, now)
	}
}

func (c *Coordinator) publish(ctx context.Context, msg Message) {
	data, err := EncodeMessage(msg)
	if err != nil {
		c.log.Error("Failed to encode message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = c.transport.Publish(ctx, c.topic, data)
	c.metrics.Published(string(msg.Type), err)
	if err != nil {
		c.log.Warn("Failed to publish message",
			zap.String("type", string(msg.Type)),
			zap.String("contract_id", msg.ContractID),
			zap.Error(err),
		)
	}
}
