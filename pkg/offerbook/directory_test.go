package offerbook

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/p2p"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visvasity/topic"
)

// hub delivers messages synchronously between fake networks
type hub struct {
	mu    sync.Mutex
	nodes map[peer.ID]*fakeNet
}

func newHub() *hub {
	return &hub{nodes: make(map[peer.ID]*fakeNet)}
}

func (h *hub) join(id string) *fakeNet {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := &fakeNet{hub: h, id: peer.ID(id), handlers: make(map[string]p2p.MessageHandler)}
	h.nodes[n.id] = n
	return n
}

type fakeNet struct {
	hub *hub
	id  peer.ID

	mu        sync.Mutex
	handlers  map[string]p2p.MessageHandler
	failSends bool
}

func (n *fakeNet) RegisterHandler(messageType string, handler p2p.MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[messageType] = handler
}

func (n *fakeNet) handler(messageType string) p2p.MessageHandler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers[messageType]
}

func (n *fakeNet) GetPeers() []peer.ID {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	var peers []peer.ID
	for id := range n.hub.nodes {
		if id != n.id {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (n *fakeNet) deliver(to peer.ID, messageType string, payload interface{}) error {
	n.mu.Lock()
	fail := n.failSends
	n.mu.Unlock()
	if fail {
		return errors.New("network unreachable")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	n.hub.mu.Lock()
	target := n.hub.nodes[to]
	n.hub.mu.Unlock()
	if target == nil {
		return errors.New("unknown peer")
	}
	if h := target.handler(messageType); h != nil {
		_ = h(n.id, &types.P2PMessage{MessageType: messageType, SenderID: n.id.String(), Payload: data})
	}
	return nil
}

func (n *fakeNet) BroadcastMessage(_ string, messageType string, payload interface{}) error {
	for _, id := range n.GetPeers() {
		if err := n.deliver(id, messageType, payload); err != nil {
			return err
		}
	}
	return nil
}

func (n *fakeNet) SendDirectMessage(peerID peer.ID, messageType string, payload interface{}) error {
	return n.deliver(peerID, messageType, payload)
}

func testPayload(t *testing.T, keys *types.KeyRing, id string) *offer.Payload {
	t.Helper()
	return &offer.Payload{
		ID:              id,
		Date:            time.Unix(1700000000, 0).UTC(),
		OwnerAddress:    "maker",
		PubKeyRing:      keys.Public,
		Direction:       types.Sell,
		BaseCurrency:    "BTC",
		CounterCurrency: "USD",
		Amount:          btcutil.Amount(100_000_000),
		MinAmount:       btcutil.Amount(10_000_000),
		FixedPrice:      decimal.NewFromInt(50000),
		PaymentMethodID: "SEPA",
		ProtocolVersion: types.ProtocolVersion,
		Kind:            offer.KindStandard,
		Standard:        &offer.StandardTerms{SellerSecurityDeposit: 1_500_000, BuyerSecurityDeposit: 1_500_000},
	}
}

func newKeys(t *testing.T) *types.KeyRing {
	t.Helper()
	keys, err := types.NewKeyRing()
	require.NoError(t, err)
	return keys
}

type testNode struct {
	dir  *Directory
	net  *fakeNet
	keys *types.KeyRing
}

func startNode(t *testing.T, h *hub, id string, clk clock.Clock, standalone bool) *testNode {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Standalone = standalone
	n := &testNode{net: h.join(id), keys: newKeys(t)}
	n.dir = New(cfg, n.net, n.keys, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.dir.Start(ctx)
	return n
}

func publishSync(t *testing.T, d *Directory, p *offer.Payload) error {
	t.Helper()
	errCh := make(chan error, 1)
	d.Publish(p, func(err error) { errCh <- err })
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("publish callback not called")
		return nil
	}
}

func removeSync(t *testing.T, d *Directory, p *offer.Payload) error {
	t.Helper()
	errCh := make(chan error, 1)
	d.Remove(p, func(err error) { errCh <- err })
	return <-errCh
}

func refreshSync(t *testing.T, d *Directory, p *offer.Payload) error {
	t.Helper()
	errCh := make(chan error, 1)
	d.RefreshTTL(p, func(err error) { errCh <- err })
	return <-errCh
}

func nextEvent(t *testing.T, r *topic.Receiver[Event]) Event {
	t.Helper()
	ch, err := topic.ReceiveCh(r)
	require.NoError(t, err)
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no directory event")
		return Event{}
	}
}

func TestPublishReplicatesToPeers(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)

	events, err := b.dir.Subscribe()
	require.NoError(t, err)
	defer events.Close()

	p := testPayload(t, a.keys, "offer-1")
	require.NoError(t, publishSync(t, a.dir, p))

	got, ok := b.dir.Get("offer-1")
	require.True(t, ok)
	assert.True(t, p.Equal(got))

	ev := nextEvent(t, events)
	assert.Equal(t, EntryAdded, ev.Kind)
	assert.Equal(t, "offer-1", ev.Payload.ID)

	// Publishing again is harmless
	require.NoError(t, publishSync(t, a.dir, p))
	assert.Equal(t, 1, b.dir.Len())
}

func TestRemoveReplicatesToPeers(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)

	p := testPayload(t, a.keys, "offer-1")
	require.NoError(t, publishSync(t, a.dir, p))

	events, err := b.dir.Subscribe()
	require.NoError(t, err)
	defer events.Close()

	require.NoError(t, removeSync(t, a.dir, p))
	_, ok := b.dir.Get("offer-1")
	assert.False(t, ok)
	_, ok = a.dir.Get("offer-1")
	assert.False(t, ok)

	ev := nextEvent(t, events)
	assert.Equal(t, EntryRemoved, ev.Kind)

	// Removing an entry nobody holds still succeeds
	require.NoError(t, removeSync(t, a.dir, p))
}

func TestStaleAddAfterRemoveIsIgnored(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)

	p := testPayload(t, a.keys, "offer-1")
	old, err := NewProtectedEntry(a.keys, p, 1, clk.Now())
	require.NoError(t, err)

	require.NoError(t, publishSync(t, a.dir, p))
	require.NoError(t, removeSync(t, a.dir, p))

	added, err := b.dir.applyEntry(old)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 0, b.dir.Len())

	// A republish by the owner uses a fresh sequence and is accepted again
	require.NoError(t, publishSync(t, a.dir, p))
	assert.Equal(t, 1, b.dir.Len())
}

func TestRemoveThenPublishKeepsCallOrder(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)

	p := testPayload(t, a.keys, "offer-1")
	require.NoError(t, publishSync(t, a.dir, p))

	for i := 0; i < 50; i++ {
		errCh := make(chan error, 2)
		a.dir.Remove(p, func(err error) { errCh <- err })
		a.dir.Publish(p, func(err error) { errCh <- err })

		_, ok := a.dir.Get("offer-1")
		require.True(t, ok, "round %d: publish applied before remove returned", i)

		require.NoError(t, <-errCh)
		require.NoError(t, <-errCh)
		_, ok = a.dir.Get("offer-1")
		require.True(t, ok, "round %d", i)
		_, ok = b.dir.Get("offer-1")
		require.True(t, ok, "round %d: peer dropped the republished entry", i)
	}
}

func TestPublishThenRemoveKeepsCallOrder(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)

	p := testPayload(t, a.keys, "offer-1")
	for i := 0; i < 50; i++ {
		errCh := make(chan error, 2)
		a.dir.Publish(p, func(err error) { errCh <- err })
		a.dir.Remove(p, func(err error) { errCh <- err })

		require.NoError(t, <-errCh)
		require.NoError(t, <-errCh)
		_, ok := a.dir.Get("offer-1")
		require.False(t, ok, "round %d", i)
		_, ok = b.dir.Get("offer-1")
		require.False(t, ok, "round %d: peer kept the removed entry", i)
	}
}

func TestRemovalBeforeEntryDropsIt(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)

	p := testPayload(t, a.keys, "offer-1")
	hash, err := PayloadHash(p)
	require.NoError(t, err)
	entry, err := NewProtectedEntry(a.keys, p, 1, clk.Now())
	require.NoError(t, err)

	// A removal signed by someone else is not honored
	mallory := newKeys(t)
	require.NoError(t, a.net.SendDirectMessage("b", MsgTypeRemoveEntry, NewSignedRef(mallory, "offer-1", hash, 2)))
	added, err := b.dir.applyEntry(entry)
	require.NoError(t, err)
	assert.True(t, added)

	// The owner's removal overtaking its own add drops the late entry
	q := testPayload(t, a.keys, "offer-2")
	qHash, err := PayloadHash(q)
	require.NoError(t, err)
	late, err := NewProtectedEntry(a.keys, q, 1, clk.Now())
	require.NoError(t, err)
	require.NoError(t, a.net.SendDirectMessage("b", MsgTypeRemoveEntry, NewSignedRef(a.keys, "offer-2", qHash, 2)))
	added, err = b.dir.applyEntry(late)
	require.NoError(t, err)
	assert.False(t, added)
	_, ok := b.dir.Get("offer-2")
	assert.False(t, ok)

	// A later republish by the owner is accepted
	republished, err := NewProtectedEntry(a.keys, q, 3, clk.Now())
	require.NoError(t, err)
	added, err = b.dir.applyEntry(republished)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestForgedEntriesAreRejected(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)
	mallory := newKeys(t)

	p := testPayload(t, a.keys, "offer-1")

	forged, err := NewProtectedEntry(mallory, p, 1, clk.Now())
	require.NoError(t, err)
	_, err = b.dir.applyEntry(forged)
	assert.Error(t, err, "owner key must match the payload key ring")

	require.NoError(t, publishSync(t, a.dir, p))

	hash, err := PayloadHash(p)
	require.NoError(t, err)
	ref := NewSignedRef(mallory, p.ID, hash, 100)
	data, err := json.Marshal(ref)
	require.NoError(t, err)
	err = b.dir.handleRemoveEntry("m", &types.P2PMessage{MessageType: MsgTypeRemoveEntry, Payload: data})
	assert.Error(t, err)
	_, ok := b.dir.Get(p.ID)
	assert.True(t, ok)

	entry, err := NewProtectedEntry(a.keys, p, 100, clk.Now())
	require.NoError(t, err)
	entry.Signature[len(entry.Signature)-1] ^= 0x01
	_, err = b.dir.applyEntry(entry)
	assert.Error(t, err)
}

func TestRefreshExtendsTTL(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)

	p := testPayload(t, a.keys, "offer-1")
	require.NoError(t, publishSync(t, a.dir, p))

	clk.Add(8 * time.Minute)
	require.NoError(t, refreshSync(t, a.dir, p))

	clk.Add(2 * time.Minute)
	b.dir.cleanupExpiredEntries()
	_, ok := b.dir.Get(p.ID)
	assert.True(t, ok, "refreshed entry must survive past the original TTL")

	clk.Add(8 * time.Minute)
	b.dir.cleanupExpiredEntries()
	_, ok = b.dir.Get(p.ID)
	assert.False(t, ok)
}

func TestRefreshUnknownEntryFails(t *testing.T) {
	h := newHub()
	a := startNode(t, h, "a", clock.NewMock(), true)

	p := testPayload(t, a.keys, "offer-1")
	err := refreshSync(t, a.dir, p)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestPublishReportsNetworkFailure(t *testing.T) {
	h := newHub()
	a := startNode(t, h, "a", clock.NewMock(), true)
	startNode(t, h, "b", clock.NewMock(), true)

	a.net.mu.Lock()
	a.net.failSends = true
	a.net.mu.Unlock()

	err := publishSync(t, a.dir, testPayload(t, a.keys, "offer-1"))
	assert.Error(t, err)
}

func TestSyncBootstrapsNewNode(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	require.True(t, a.dir.IsBootstrapped())

	p1 := testPayload(t, a.keys, "offer-1")
	p2 := testPayload(t, a.keys, "offer-2")
	require.NoError(t, publishSync(t, a.dir, p1))
	require.NoError(t, publishSync(t, a.dir, p2))

	b := startNode(t, h, "b", clk, false)
	select {
	case <-b.dir.Bootstrapped():
	case <-time.After(5 * time.Second):
		t.Fatal("node did not bootstrap")
	}

	payloads := b.dir.Payloads()
	require.Len(t, payloads, 2)
	assert.Equal(t, "offer-1", payloads[0].ID)
	assert.Equal(t, "offer-2", payloads[1].ID)
}

func TestBootstrapTimeoutWithSilentPeers(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	h.join("silent")

	b := startNode(t, h, "b", clk, false)
	assert.False(t, b.dir.IsBootstrapped())

	require.Eventually(t, func() bool {
		clk.Add(p2p.BootstrapTimeout)
		return b.dir.IsBootstrapped()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExpiryEmitsRemovedEvent(t *testing.T) {
	h := newHub()
	clk := clock.NewMock()
	a := startNode(t, h, "a", clk, true)
	b := startNode(t, h, "b", clk, true)

	require.NoError(t, publishSync(t, a.dir, testPayload(t, a.keys, "offer-1")))

	events, err := b.dir.Subscribe()
	require.NoError(t, err)
	defer events.Close()

	clk.Add(types.EntryTTL + time.Second)
	b.dir.cleanupExpiredEntries()

	ev := nextEvent(t, events)
	assert.Equal(t, EntryRemoved, ev.Kind)
	assert.Equal(t, "offer-1", ev.Payload.ID)
}
