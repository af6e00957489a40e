package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contractd/metrics"
	"contractd/transport"
)

var testEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// recorder collects coordinator events. Its accessors wait for queued
// events to be delivered first.
type recorder struct {
	t *testing.T
	c *Coordinator

	mu     sync.Mutex
	events []Event
}

func newRecorder(t *testing.T, c *Coordinator) *recorder {
	rec := &recorder{t: t, c: c}
	c.Subscribe(rec.record)
	return rec
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	waitForEvents(r.t, r.c)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) kinds() []EventKind {
	waitForEvents(r.t, r.c)
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []EventKind
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recorder) count(kind EventKind) int {
	waitForEvents(r.t, r.c)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) shouldStore() []Contract {
	waitForEvents(r.t, r.c)
	r.mu.Lock()
	defer r.mu.Unlock()
	var contracts []Contract
	for _, e := range r.events {
		if e.Kind == EventShouldStore {
			contracts = append(contracts, *e.Contract)
		}
	}
	return contracts
}

// waitForEvents blocks until every queued event has been delivered.
func waitForEvents(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.events.mu.Lock()
		defer c.events.mu.Unlock()
		return !c.events.draining
	}, time.Second, time.Millisecond)
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(testEpoch)
	return clk
}

// halfJitter makes backoff deterministic: every decision fires after
// DecisionDelay + DecisionJitter/2.
func halfJitter(max time.Duration) time.Duration {
	return max / 2
}

func newTestCoordinator(t *testing.T, net *transport.LocalNetwork, clk *clock.Mock, id string) (*Coordinator, *transport.LocalTransport, *recorder) {
	t.Helper()

	tr := net.Join(id)
	c, err := New(tr, "alice", WithClock(clk), WithJitter(halfJitter))
	require.NoError(t, err)

	rec := newRecorder(t, c)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })

	return c, tr, rec
}

func deliver(t *testing.T, c *Coordinator, msg Message) {
	t.Helper()
	if msg.Version == 0 {
		msg.Version = ProtocolVersion
	}
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	c.handleMessage(data)
}

func claimMsg(peerID, contractID string, ts time.Time) Message {
	return Message{Type: MessageClaim, PeerID: peerID, ContractID: contractID, Timestamp: ts.UnixMilli()}
}

func releaseMsg(peerID, contractID string, ts time.Time) Message {
	return Message{Type: MessageRelease, PeerID: peerID, ContractID: contractID, Timestamp: ts.UnixMilli()}
}

func fullDecisionDelay() time.Duration {
	cfg := DefaultConfig()
	return cfg.DecisionDelay + halfJitter(cfg.DecisionJitter)
}

func TestNew_RejectsBadInput(t *testing.T) {
	tr := transport.NewLocalNetwork().Join("a")

	_, err := New(nil, "alice")
	assert.Error(t, err)

	_, err = New(tr, "")
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.ClaimTimeout = cfg.FreshnessWindow
	_, err = New(tr, "alice", WithConfig(cfg))
	assert.Error(t, err, "expected claim timeout equal to freshness window to be rejected")
}

func TestTopic_Deterministic(t *testing.T) {
	assert.Equal(t, "contract-cluster/alice", Topic("alice"))
	assert.Equal(t, Topic("alice"), Topic("alice"))
	assert.NotEqual(t, Topic("alice"), Topic("bob"))
}

func TestStart_EmitsStartedAndHello(t *testing.T) {
	net := transport.NewLocalNetwork()
	clk := newMockClock()

	observer := net.Join("observer")
	var hellos []Message
	_, err := observer.Subscribe(context.Background(), Topic("alice"), func(data []byte) {
		msg, err := DecodeMessage(data)
		if err == nil && msg.Type == MessageHello {
			hellos = append(hellos, msg)
		}
	})
	require.NoError(t, err)

	c, err := New(net.Join("node-a"), "alice", WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, c.ClaimContract(context.Background(), "QmBefore"))

	rec := newRecorder(t, c)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Len(t, hellos, 1)
	assert.Equal(t, "node-a", hellos[0].PeerID)
	assert.Equal(t, []string{"QmBefore"}, hellos[0].Contracts, "HELLO carries contracts claimed before start")
	assert.Equal(t, testEpoch.UnixMilli(), hellos[0].Timestamp)

	events := rec.all()
	require.NotEmpty(t, events)
	started := events[0]
	assert.Equal(t, EventStarted, started.Kind, "started comes before any state event")
	assert.Equal(t, "contract-cluster/alice", started.Topic)
	assert.Equal(t, "node-a", started.PeerID)
	assert.Equal(t, "node-a", c.PeerID())
}

func TestStart_TransportNotReady(t *testing.T) {
	tr := transport.NewLocalNetwork().Join("a")
	tr.SetOffline(true)

	c, err := New(tr, "alice")
	require.NoError(t, err)

	err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrTransportNotReady)
	assert.False(t, c.State().Running)
}

func TestStart_Twice(t *testing.T) {
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "a")
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestLastWriteWins_EitherOrder(t *testing.T) {
	t1 := testEpoch.Add(-10 * time.Second)
	t2 := testEpoch.Add(-5 * time.Second)

	orders := map[string][]Message{
		"older first": {claimMsg("peer-a", "QmX", t1), claimMsg("peer-b", "QmX", t2)},
		"newer first": {claimMsg("peer-b", "QmX", t2), claimMsg("peer-a", "QmX", t1)},
	}

	for name, msgs := range orders {
		t.Run(name, func(t *testing.T) {
			c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")
			for _, msg := range msgs {
				deliver(t, c, msg)
			}

			claim, ok := c.State().ClaimFor("QmX")
			require.True(t, ok)
			assert.Equal(t, "peer-b", claim.PeerID)
			assert.Equal(t, t2.UnixMilli(), claim.Timestamp.UnixMilli())
		})
	}
}

func TestLastWriteWins_TieKeepsExisting(t *testing.T) {
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")

	deliver(t, c, claimMsg("peer-a", "QmX", testEpoch))
	deliver(t, c, claimMsg("peer-b", "QmX", testEpoch))

	claim, ok := c.State().ClaimFor("QmX")
	require.True(t, ok)
	assert.Equal(t, "peer-a", claim.PeerID)
}

func TestHelloAndBeacon_ImplicitClaims(t *testing.T) {
	c, _, rec := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")

	deliver(t, c, Message{Type: MessageHello, PeerID: "peer-a", Timestamp: testEpoch.UnixMilli(), Contracts: []string{"Qm1"}})
	deliver(t, c, Message{Type: MessageBeacon, PeerID: "peer-b", Timestamp: testEpoch.UnixMilli(), Contracts: []string{"Qm2", "Qm3"}})

	state := c.State()
	assert.Equal(t, []string{"peer-a", "peer-b"}, state.Peers)
	require.Len(t, state.Claims, 3)

	claim, ok := state.ClaimFor("Qm2")
	require.True(t, ok)
	assert.Equal(t, "peer-b", claim.PeerID)

	assert.GreaterOrEqual(t, rec.count(EventState), 2, "expected a state event per processed message")
}

func TestSelfMessages_DoNotCreatePeerRecord(t *testing.T) {
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")

	deliver(t, c, Message{Type: MessageBeacon, PeerID: "self", Timestamp: testEpoch.UnixMilli()})
	deliver(t, c, claimMsg("self", "QmX", testEpoch))

	assert.Empty(t, c.State().Peers)
}

func TestMalformedMessages_DroppedSilently(t *testing.T) {
	c, _, rec := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")
	before := rec.count(EventState)

	for _, payload := range []string{
		`not json`,
		`{}`,
		`{"peerId":"peer-a","ts":1}`,
		`{"type":"CLAIM","peerId":"peer-a"}`,
		`{"v":2,"type":"CLAIM","peerId":"peer-a","contractId":"QmX","ts":1}`,
	} {
		c.handleMessage([]byte(payload))
	}

	assert.Equal(t, before, rec.count(EventState))
	assert.Empty(t, c.State().Peers)
	assert.Empty(t, c.State().Claims)
}

func TestRelease_DoesNotEvictNewerClaimant(t *testing.T) {
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")

	deliver(t, c, claimMsg("peer-a", "QmX", testEpoch.Add(-20*time.Second)))
	deliver(t, c, claimMsg("peer-b", "QmX", testEpoch.Add(-10*time.Second)))
	deliver(t, c, releaseMsg("peer-a", "QmX", testEpoch.Add(-15*time.Second)))

	claim, ok := c.State().ClaimFor("QmX")
	require.True(t, ok, "release from a previous claimant must not delete the claim")
	assert.Equal(t, "peer-b", claim.PeerID)

	deliver(t, c, releaseMsg("peer-b", "QmX", testEpoch))
	_, ok = c.State().ClaimFor("QmX")
	assert.False(t, ok, "release from the current claimant deletes the claim")
}

func TestRelease_OlderThanClaimFromSamePeer(t *testing.T) {
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")

	deliver(t, c, claimMsg("peer-a", "QmX", testEpoch))
	deliver(t, c, releaseMsg("peer-a", "QmX", testEpoch.Add(-time.Second)))

	_, ok := c.State().ClaimFor("QmX")
	assert.True(t, ok, "a reordered release older than the claim is ignored")
}

func TestWhoHas_HolderRepliesWithClaim(t *testing.T) {
	net := transport.NewLocalNetwork()
	clk := newMockClock()
	holder, _, _ := newTestCoordinator(t, net, clk, "holder")
	asker, _, _ := newTestCoordinator(t, net, clk, "asker")

	require.NoError(t, holder.ClaimContract(context.Background(), "QmX"))

	// Forget the claim on the asker side so only the reply can restore it.
	asker.mu.Lock()
	delete(asker.claims, "QmX")
	asker.mu.Unlock()

	clk.Add(time.Second)
	require.NoError(t, asker.WhoHas(context.Background(), "QmX"))

	claim, ok := asker.State().ClaimFor("QmX")
	require.True(t, ok)
	assert.Equal(t, "holder", claim.PeerID)
	assert.Equal(t, clk.Now().UnixMilli(), claim.Timestamp.UnixMilli(), "reply is a fresh claim")

	assert.NoError(t, asker.WhoHas(context.Background(), "QmUnknown"))
	_, ok = asker.State().ClaimFor("QmUnknown")
	assert.False(t, ok)
}

func TestConsiderContract_FreshnessGating(t *testing.T) {
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")

	deliver(t, c, claimMsg("peer-a", "QmFresh", testEpoch.Add(-30*time.Second)))
	deliver(t, c, claimMsg("peer-a", "QmStale", testEpoch.Add(-90*time.Second)))

	assert.False(t, c.ConsiderContract(Contract{ID: "QmFresh"}))
	assert.True(t, c.ConsiderContract(Contract{ID: "QmStale"}))
	assert.Equal(t, []string{"QmStale"}, c.State().Pending)
}

func TestConsiderContract_RejectsWithoutID(t *testing.T) {
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")
	assert.False(t, c.ConsiderContract(Contract{}))
	assert.True(t, c.ConsiderContract(Contract{CID: "bafyfallback"}), "CID is used when ID is empty")
}

func TestConsiderContract_NotStarted(t *testing.T) {
	c, err := New(transport.NewLocalNetwork().Join("a"), "alice")
	require.NoError(t, err)
	assert.False(t, c.ConsiderContract(Contract{ID: "QmX"}))
}

func TestConsiderContract_SinglePendingDecision(t *testing.T) {
	clk := newMockClock()
	c, _, rec := newTestCoordinator(t, transport.NewLocalNetwork(), clk, "self")

	contract := Contract{ID: "QmX", Owner: "bob"}
	assert.True(t, c.ConsiderContract(contract))
	assert.False(t, c.ConsiderContract(contract), "second call while pending is a no-op")

	clk.Add(fullDecisionDelay() - time.Millisecond)
	assert.Empty(t, rec.shouldStore(), "decision must not fire before its backoff")

	clk.Add(time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.shouldStore()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []Contract{contract}, rec.shouldStore(), "exactly one should-store carrying the contract as given")
	assert.Empty(t, c.State().Pending)

	assert.True(t, c.ConsiderContract(contract), "a fired decision leaves room for a new one")
}

func TestConsiderContract_ClaimedDuringBackoff(t *testing.T) {
	clk := newMockClock()
	c, _, rec := newTestCoordinator(t, transport.NewLocalNetwork(), clk, "self")

	require.True(t, c.ConsiderContract(Contract{ID: "QmX"}))

	clk.Add(time.Second)
	deliver(t, c, claimMsg("peer-a", "QmX", clk.Now()))

	clk.Add(fullDecisionDelay())
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, rec.shouldStore())
	assert.Empty(t, c.State().Pending, "the decision is removed even when it does nothing")
}

func TestConsiderContract_ClaimGoesStaleDuringBackoff(t *testing.T) {
	clk := newMockClock()
	c, _, rec := newTestCoordinator(t, transport.NewLocalNetwork(), clk, "self")

	// Fresh now, stale once one backoff period has elapsed.
	window := DefaultConfig().FreshnessWindow
	deliver(t, c, claimMsg("peer-a", "QmX", testEpoch.Add(-window+fullDecisionDelay()/2)))

	assert.False(t, c.ConsiderContract(Contract{ID: "QmX"}))

	clk.Add(fullDecisionDelay())
	require.True(t, c.ConsiderContract(Contract{ID: "QmX"}), "claim is stale now")

	clk.Add(fullDecisionDelay())
	require.Eventually(t, func() bool { return len(rec.shouldStore()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStop_CancelsPendingDecisions(t *testing.T) {
	clk := newMockClock()
	net := transport.NewLocalNetwork()

	c, err := New(net.Join("self"), "alice", WithClock(clk), WithJitter(halfJitter))
	require.NoError(t, err)
	rec := newRecorder(t, c)
	require.NoError(t, c.Start(context.Background()))

	require.True(t, c.ConsiderContract(Contract{ID: "QmX"}))
	require.NoError(t, c.Stop())

	clk.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, rec.shouldStore())
	assert.Empty(t, c.State().Pending)
	assert.Contains(t, rec.kinds(), EventStopped)
	assert.NoError(t, c.Stop(), "stop is idempotent")
}

func TestClaimAndRelease_LocalSet(t *testing.T) {
	net := transport.NewLocalNetwork()
	clk := newMockClock()
	a, _, _ := newTestCoordinator(t, net, clk, "node-a")
	b, _, _ := newTestCoordinator(t, net, clk, "node-b")

	require.NoError(t, a.ClaimContract(context.Background(), "QmX"))
	assert.Equal(t, []string{"QmX"}, a.State().Contracts)

	claim, ok := b.State().ClaimFor("QmX")
	require.True(t, ok)
	assert.Equal(t, "node-a", claim.PeerID)
	assert.Empty(t, b.State().Contracts, "gossip never changes another node's local set")

	require.NoError(t, a.ReleaseContract(context.Background(), "QmX"))
	assert.Empty(t, a.State().Contracts)
	_, ok = b.State().ClaimFor("QmX")
	assert.False(t, ok)

	assert.ErrorIs(t, a.ClaimContract(context.Background(), ""), ErrEmptyContractID)
	assert.ErrorIs(t, a.ReleaseContract(context.Background(), ""), ErrEmptyContractID)
}

func TestPublishFailures_AreNotFatal(t *testing.T) {
	clk := newMockClock()
	c, tr, _ := newTestCoordinator(t, transport.NewLocalNetwork(), clk, "self")

	tr.SetOffline(true)
	assert.NoError(t, c.ClaimContract(context.Background(), "QmX"))
	assert.NotPanics(t, func() { c.tick(context.Background()) })
	assert.Equal(t, []string{"QmX"}, c.State().Contracts)

	tr.SetOffline(false)
	published := tr.Published()
	c.tick(context.Background())
	assert.Equal(t, published+1, tr.Published(), "the next beacon goes out once the transport recovers")
}

func TestGarbageCollection(t *testing.T) {
	clk := newMockClock()
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), clk, "self")
	cfg := DefaultConfig()

	deliver(t, c, claimMsg("peer-a", "QmX", clk.Now()))

	// Past the freshness window the claim no longer blocks pickup but is
	// still visible.
	clk.Add(cfg.FreshnessWindow + time.Second)
	c.tick(context.Background())
	_, ok := c.State().ClaimFor("QmX")
	assert.True(t, ok, "claim kept until the claim timeout")
	assert.True(t, c.ConsiderContract(Contract{ID: "QmX"}))

	clk.Add(cfg.ClaimTimeout - cfg.FreshnessWindow)
	c.tick(context.Background())
	_, ok = c.State().ClaimFor("QmX")
	assert.False(t, ok, "claim removed after the claim timeout")
	assert.Equal(t, []string{"peer-a"}, c.State().Peers, "peer kept until the peer timeout")

	clk.Add(cfg.PeerTimeout - cfg.ClaimTimeout)
	c.tick(context.Background())
	assert.Empty(t, c.State().Peers, "peer removed after the peer timeout")
}

func TestGarbageCollection_KeepsOwnClaims(t *testing.T) {
	clk := newMockClock()
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), clk, "self")

	require.NoError(t, c.ClaimContract(context.Background(), "QmMine"))

	clk.Add(DefaultConfig().PeerTimeout)
	c.tick(context.Background())

	claim, ok := c.State().ClaimFor("QmMine")
	require.True(t, ok, "beacons refresh our own claims")
	assert.Equal(t, "self", claim.PeerID)
}

func TestState_IsACopy(t *testing.T) {
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")
	require.NoError(t, c.ClaimContract(context.Background(), "QmX"))

	state := c.State()
	state.Contracts[0] = "mutated"
	state.Claims[0].PeerID = "mutated"

	assert.Equal(t, []string{"QmX"}, c.State().Contracts)
	claim, _ := c.State().ClaimFor("QmX")
	assert.Equal(t, "self", claim.PeerID)
}

func TestSubscriber_ClaimsWhileAnotherSubscribes(t *testing.T) {
	clk := newMockClock()
	c, _, _ := newTestCoordinator(t, transport.NewLocalNetwork(), clk, "self")

	claimed := make(chan error, 1)
	c.Subscribe(func(evt Event) {
		if evt.Kind != EventShouldStore {
			return
		}
		// A subscriber arriving mid-dispatch waits for the dispatch to
		// finish; claiming from inside the dispatch must not.
		go func() {
			unsubscribe := c.Subscribe(func(Event) {})
			unsubscribe()
		}()
		time.Sleep(50 * time.Millisecond)
		claimed <- c.ClaimContract(context.Background(), evt.Contract.ID)
	})

	require.True(t, c.ConsiderContract(Contract{ID: "QmX"}))
	clk.Add(fullDecisionDelay())

	select {
	case err := <-claimed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ClaimContract from a subscriber never returned")
	}
	assert.Equal(t, []string{"QmX"}, c.State().Contracts)
}

func TestSubscriber_CanStopCoordinator(t *testing.T) {
	c, _, rec := newTestCoordinator(t, transport.NewLocalNetwork(), newMockClock(), "self")

	stopped := make(chan error, 1)
	var once sync.Once
	c.Subscribe(func(evt Event) {
		if evt.Kind == EventState {
			once.Do(func() { stopped <- c.Stop() })
		}
	})

	deliver(t, c, claimMsg("peer-a", "QmX", testEpoch))

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from a subscriber never returned")
	}
	assert.False(t, c.State().Running)

	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventStopped, kinds[len(kinds)-1])
}

func TestStop_NoEventsAfterStopped(t *testing.T) {
	clk := newMockClock()
	c, _, rec := newTestCoordinator(t, transport.NewLocalNetwork(), clk, "self")

	require.True(t, c.ConsiderContract(Contract{ID: "QmX"}))
	require.NoError(t, c.Stop())

	deliver(t, c, claimMsg("peer-a", "QmY", testEpoch))
	c.tick(context.Background())
	clk.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)

	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventStopped, kinds[len(kinds)-1])
	assert.Equal(t, 1, rec.count(EventStopped))
}

func TestMetrics_PendingDecisionsGauge(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	clk := newMockClock()
	c, err := New(transport.NewLocalNetwork().Join("self"), "alice", WithClock(clk), WithJitter(halfJitter), WithMetrics(m))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.True(t, c.ConsiderContract(Contract{ID: "QmX"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingDecisions), "gauge follows a new decision")

	clk.Add(fullDecisionDelay())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.PendingDecisions) == 0
	}, time.Second, 5*time.Millisecond, "gauge follows a fired decision")

	require.True(t, c.ConsiderContract(Contract{ID: "QmY"}))
	require.NoError(t, c.Stop())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingDecisions), "gauge follows cancelled decisions")
}
