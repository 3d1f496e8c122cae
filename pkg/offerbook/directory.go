package offerbook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/p2p"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/visvasity/topic"
	"go.uber.org/zap"
)

const (
	// Message types for the offer directory
	MsgTypeAddEntry     = "offerbook_add"
	MsgTypeRemoveEntry  = "offerbook_remove"
	MsgTypeRefreshEntry = "offerbook_refresh"
	MsgTypeSync         = "offerbook_sync"
	MsgTypeQuery        = "offerbook_query"

	// Cleanup interval for expired entries
	CleanupInterval = time.Minute

	// Maximum number of entries to return in a sync response
	MaxSyncEntries = 1000

	// Maximum number of peers asked for their entries on sync
	MaxSyncPeers = 5

	// Maximum number of early removals kept per payload hash
	maxPendingRemovals = 4
)

// ErrEntryNotFound is returned when refreshing an entry the directory does
// not hold.
var ErrEntryNotFound = errors.New("directory entry not found")

// Network is the transport the directory gossips over
type Network interface {
	BroadcastMessage(topicName string, messageType string, payload interface{}) error
	SendDirectMessage(peerID peer.ID, messageType string, payload interface{}) error
	RegisterHandler(messageType string, handler p2p.MessageHandler)
	GetPeers() []peer.ID
}

// ResultHandler receives the outcome of an asynchronous directory operation
type ResultHandler func(err error)

// EventKind tells whether an entry was added or removed
type EventKind int

const (
	EntryAdded EventKind = iota + 1
	EntryRemoved
)

func (k EventKind) String() string {
	switch k {
	case EntryAdded:
		return "added"
	case EntryRemoved:
		return "removed"
	}
	return "unknown"
}

// Event notifies a change of the directory contents
type Event struct {
	Kind    EventKind
	Payload *offer.Payload
}

// Config configures a Directory
type Config struct {
	EntryTTL         time.Duration `mapstructure:"entry_ttl"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	BootstrapTimeout time.Duration `mapstructure:"bootstrap_timeout"`

	// Standalone nodes consider themselves bootstrapped without peers
	Standalone bool `mapstructure:"standalone"`
}

// DefaultConfig returns the default directory configuration
func DefaultConfig() Config {
	return Config{
		EntryTTL:         types.EntryTTL,
		CleanupInterval:  CleanupInterval,
		BootstrapTimeout: p2p.BootstrapTimeout,
	}
}

type record struct {
	entry   *ProtectedEntry
	hash    []byte
	expires time.Time
}

// pendingRemoval is a removal that arrived before its entry. It cannot be
// verified until the entry and its owner key are known.
type pendingRemoval struct {
	ref     *SignedRef
	expires time.Time
}

// Directory is the local replica of the network offer directory
type Directory struct {
	config Config
	net    Network
	keys   *types.KeyRing
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*record          // key: offerID
	removed map[string]uint64           // key: offerID, last seen remove sequence
	pending map[string][]pendingRemoval // key: payload hash

	events *topic.Topic[Event]

	bootstrapOnce sync.Once
	bootstrapCh   chan struct{}

	syncMutex      sync.Mutex
	syncInProgress bool
}

// New creates a directory. keys sign entries this node publishes.
func New(config Config, net Network, keys *types.KeyRing, clk clock.Clock, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Directory{
		config:      config,
		net:         net,
		keys:        keys,
		clock:       clk,
		logger:      logger,
		entries:     make(map[string]*record),
		removed:     make(map[string]uint64),
		pending:     make(map[string][]pendingRemoval),
		events:      topic.New[Event](),
		bootstrapCh: make(chan struct{}),
	}
}

// Start registers message handlers, starts expiry and asks peers for
// their entries.
func (d *Directory) Start(ctx context.Context) {
	d.net.RegisterHandler(MsgTypeAddEntry, d.handleAddEntry)
	d.net.RegisterHandler(MsgTypeRemoveEntry, d.handleRemoveEntry)
	d.net.RegisterHandler(MsgTypeRefreshEntry, d.handleRefreshEntry)
	d.net.RegisterHandler(MsgTypeSync, d.handleSync)
	d.net.RegisterHandler(MsgTypeQuery, d.handleQuery)

	go d.startCleanupRoutine(ctx)

	if d.config.Standalone {
		d.markBootstrapped()
		return
	}
	go d.waitForBootstrap(ctx)
}

// waitForBootstrap syncs with peers until a sync response arrives or the
// timeout passes with at least one peer connected.
func (d *Directory) waitForBootstrap(ctx context.Context) {
	for !d.IsBootstrapped() {
		if err := d.SyncWithPeers(); err != nil {
			d.logger.Debug("Directory sync not started", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-d.bootstrapCh:
			return
		case <-d.clock.After(d.config.BootstrapTimeout):
			if len(d.net.GetPeers()) > 0 {
				d.logger.Info("Bootstrap timeout elapsed with connected peers")
				d.markBootstrapped()
			}
		}
	}
}

func (d *Directory) markBootstrapped() {
	d.bootstrapOnce.Do(func() {
		d.logger.Info("Offer directory bootstrapped", zap.Int("entryCount", d.Len()))
		close(d.bootstrapCh)
	})
}

// IsBootstrapped reports whether the initial directory sync completed
func (d *Directory) IsBootstrapped() bool {
	select {
	case <-d.bootstrapCh:
		return true
	default:
		return false
	}
}

// Bootstrapped is closed once the directory is bootstrapped
func (d *Directory) Bootstrapped() <-chan struct{} {
	return d.bootstrapCh
}

// Subscribe returns a receiver for directory change events
func (d *Directory) Subscribe() (*topic.Receiver[Event], error) {
	return topic.Subscribe(d.events, 0, false)
}

// Publish signs p and stores it locally before returning, so operations on
// the same offer apply in call order. The broadcast runs in the background
// and done gets its result.
func (d *Directory) Publish(p *offer.Payload, done ResultHandler) {
	go finish(done, d.publish(p))
}

// Remove drops p locally before returning and broadcasts the removal in the
// background.
func (d *Directory) Remove(p *offer.Payload, done ResultHandler) {
	go finish(done, d.remove(p))
}

// RefreshTTL extends the lifetime of p on all nodes
func (d *Directory) RefreshTTL(p *offer.Payload, done ResultHandler) {
	go finish(done, d.refresh(p))
}

func finish(done ResultHandler, broadcast func() error) {
	err := broadcast()
	if done != nil {
		done(err)
	}
}

func failed(err error) func() error {
	return func() error { return err }
}

func (d *Directory) nextSequenceLocked(offerID string) uint64 {
	seq := d.removed[offerID]
	if rec, ok := d.entries[offerID]; ok && rec.entry.Sequence > seq {
		seq = rec.entry.Sequence
	}
	return seq + 1
}

// publish applies p locally and returns the broadcast to run
func (d *Directory) publish(p *offer.Payload) func() error {
	d.mu.Lock()
	entry, err := NewProtectedEntry(d.keys, p, d.nextSequenceLocked(p.ID), d.clock.Now())
	if err != nil {
		d.mu.Unlock()
		return failed(err)
	}
	added := d.storeLocked(entry, nil)
	d.mu.Unlock()

	if added {
		d.events.Send(Event{Kind: EntryAdded, Payload: p})
	}
	return func() error {
		if err := d.net.BroadcastMessage(p2p.DirectoryTopic, MsgTypeAddEntry, entry); err != nil {
			return fmt.Errorf("failed to broadcast offer %s: %w", p.ID, err)
		}
		d.logger.Debug("Published offer",
			zap.String("offerID", p.ID),
			zap.Uint64("sequence", entry.Sequence))
		return nil
	}
}

// remove drops p locally and returns the broadcast to run
func (d *Directory) remove(p *offer.Payload) func() error {
	hash, err := PayloadHash(p)
	if err != nil {
		return failed(err)
	}

	d.mu.Lock()
	seq := d.nextSequenceLocked(p.ID)
	_, existed := d.entries[p.ID]
	delete(d.entries, p.ID)
	d.removed[p.ID] = seq
	d.mu.Unlock()

	if existed {
		d.events.Send(Event{Kind: EntryRemoved, Payload: p})
	}
	ref := NewSignedRef(d.keys, p.ID, hash, seq)
	return func() error {
		if err := d.net.BroadcastMessage(p2p.DirectoryTopic, MsgTypeRemoveEntry, ref); err != nil {
			return fmt.Errorf("failed to broadcast removal of offer %s: %w", p.ID, err)
		}
		d.logger.Debug("Removed offer",
			zap.String("offerID", p.ID),
			zap.Uint64("sequence", seq))
		return nil
	}
}

// refresh bumps the sequence of p locally and returns the broadcast to run
func (d *Directory) refresh(p *offer.Payload) func() error {
	hash, err := PayloadHash(p)
	if err != nil {
		return failed(err)
	}

	d.mu.Lock()
	rec, ok := d.entries[p.ID]
	if !ok || !bytes.Equal(rec.hash, hash) {
		d.mu.Unlock()
		return failed(fmt.Errorf("%w: %s", ErrEntryNotFound, p.ID))
	}
	seq := d.nextSequenceLocked(p.ID)
	rec.entry = rec.entry.withSequence(seq, sign(d.keys.SignatureKey, hash, seq))
	rec.expires = d.clock.Now().Add(d.config.EntryTTL)
	d.mu.Unlock()

	ref := NewSignedRef(d.keys, p.ID, hash, seq)
	return func() error {
		if err := d.net.BroadcastMessage(p2p.DirectoryTopic, MsgTypeRefreshEntry, ref); err != nil {
			return fmt.Errorf("failed to broadcast refresh of offer %s: %w", p.ID, err)
		}
		return nil
	}
}

// storeLocked adds or replaces an entry. It reports whether listeners should
// see an added event, which is the case for new entries and changed payloads.
func (d *Directory) storeLocked(entry *ProtectedEntry, hash []byte) bool {
	if hash == nil {
		var err error
		if hash, err = PayloadHash(entry.Payload); err != nil {
			return false
		}
	}
	old, existed := d.entries[entry.Payload.ID]
	d.entries[entry.Payload.ID] = &record{
		entry:   entry,
		hash:    hash,
		expires: d.clock.Now().Add(d.config.EntryTTL),
	}
	return !existed || !bytes.Equal(old.hash, hash)
}

// applyEntry verifies and stores an entry received from the network
func (d *Directory) applyEntry(entry *ProtectedEntry) (bool, error) {
	hash, err := entry.Verify()
	if err != nil {
		return false, err
	}
	id := entry.Payload.ID

	d.mu.Lock()
	if d.removedEarlyLocked(entry, hash) {
		d.mu.Unlock()
		return false, nil
	}
	if seq, ok := d.removed[id]; ok && seq >= entry.Sequence {
		d.mu.Unlock()
		return false, nil
	}
	if rec, ok := d.entries[id]; ok {
		if rec.entry.Sequence >= entry.Sequence {
			d.mu.Unlock()
			return false, nil
		}
		if !bytes.Equal(rec.entry.OwnerPubKey, entry.OwnerPubKey) {
			d.mu.Unlock()
			return false, fmt.Errorf("offer %s is owned by a different key", id)
		}
	}
	added := d.storeLocked(entry, hash)
	d.mu.Unlock()

	if added {
		d.events.Send(Event{Kind: EntryAdded, Payload: entry.Payload})
	}
	return added, nil
}

// handleAddEntry handles an incoming add message
func (d *Directory) handleAddEntry(sender peer.ID, msg *types.P2PMessage) error {
	var entry ProtectedEntry
	if err := msg.DecodePayload(&entry); err != nil {
		return fmt.Errorf("failed to unmarshal directory entry: %w", err)
	}
	added, err := d.applyEntry(&entry)
	if err != nil {
		return fmt.Errorf("rejected directory entry from %s: %w", sender, err)
	}
	if added {
		d.logger.Debug("Received new offer from peer",
			zap.String("offerID", entry.Payload.ID),
			zap.String("peer", sender.String()))
	}
	return nil
}

// handleRemoveEntry handles an incoming remove message
func (d *Directory) handleRemoveEntry(sender peer.ID, msg *types.P2PMessage) error {
	var ref SignedRef
	if err := msg.DecodePayload(&ref); err != nil {
		return fmt.Errorf("failed to unmarshal remove message: %w", err)
	}

	d.mu.Lock()
	rec, ok := d.entries[ref.OfferID]
	if !ok {
		// The add may still be on its way
		d.addPendingRemovalLocked(&ref)
		d.mu.Unlock()
		return nil
	}
	if err := d.checkRefLocked(rec, &ref); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("rejected removal from %s: %w", sender, err)
	}
	delete(d.entries, ref.OfferID)
	d.removed[ref.OfferID] = ref.Sequence
	d.mu.Unlock()

	d.events.Send(Event{Kind: EntryRemoved, Payload: rec.entry.Payload})
	d.logger.Debug("Offer removed by owner",
		zap.String("offerID", ref.OfferID),
		zap.String("peer", sender.String()))
	return nil
}

// handleRefreshEntry handles an incoming TTL refresh
func (d *Directory) handleRefreshEntry(sender peer.ID, msg *types.P2PMessage) error {
	var ref SignedRef
	if err := msg.DecodePayload(&ref); err != nil {
		return fmt.Errorf("failed to unmarshal refresh message: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.entries[ref.OfferID]
	if !ok {
		// The entry arrives with the next republish or sync.
		return nil
	}
	if err := d.checkRefLocked(rec, &ref); err != nil {
		return fmt.Errorf("rejected refresh from %s: %w", sender, err)
	}
	rec.entry = rec.entry.withSequence(ref.Sequence, ref.Signature)
	rec.expires = d.clock.Now().Add(d.config.EntryTTL)
	return nil
}

func (d *Directory) addPendingRemovalLocked(ref *SignedRef) {
	key := string(ref.Hash)
	refs := d.pending[key]
	if len(refs) >= maxPendingRemovals {
		return
	}
	d.pending[key] = append(refs, pendingRemoval{
		ref:     ref,
		expires: d.clock.Now().Add(d.config.EntryTTL),
	})
}

// removedEarlyLocked reports whether a removal signed by the owner of entry
// with a higher sequence arrived before entry did. It consumes the pending
// removals of the entry's payload.
func (d *Directory) removedEarlyLocked(entry *ProtectedEntry, hash []byte) bool {
	key := string(hash)
	refs, ok := d.pending[key]
	if !ok {
		return false
	}
	delete(d.pending, key)

	id := entry.Payload.ID
	for _, pr := range refs {
		if pr.ref.OfferID != id || pr.ref.Sequence <= entry.Sequence {
			continue
		}
		if err := pr.ref.VerifyFor(entry.OwnerPubKey); err != nil {
			continue
		}
		if pr.ref.Sequence > d.removed[id] {
			d.removed[id] = pr.ref.Sequence
		}
		return true
	}
	return false
}

func (d *Directory) checkRefLocked(rec *record, ref *SignedRef) error {
	if !bytes.Equal(rec.hash, ref.Hash) {
		return errors.New("payload hash mismatch")
	}
	if ref.Sequence <= rec.entry.Sequence {
		return fmt.Errorf("stale sequence %d, have %d", ref.Sequence, rec.entry.Sequence)
	}
	return ref.VerifyFor(rec.entry.OwnerPubKey)
}

type syncMessage struct {
	Entries []*ProtectedEntry `json:"entries"`
}

type queryMessage struct {
	Timestamp int64 `json:"timestamp"`
}

// SyncWithPeers asks up to MaxSyncPeers peers for their entries
func (d *Directory) SyncWithPeers() error {
	d.syncMutex.Lock()
	if d.syncInProgress {
		d.syncMutex.Unlock()
		return errors.New("sync already in progress")
	}
	d.syncInProgress = true
	d.syncMutex.Unlock()

	defer func() {
		d.syncMutex.Lock()
		d.syncInProgress = false
		d.syncMutex.Unlock()
	}()

	peers := d.net.GetPeers()
	if len(peers) == 0 {
		return errors.New("no peers to sync with")
	}
	if len(peers) > MaxSyncPeers {
		peers = peers[:MaxSyncPeers]
	}

	d.logger.Info("Starting directory sync", zap.Int("peerCount", len(peers)))
	for _, peerID := range peers {
		if err := d.net.SendDirectMessage(peerID, MsgTypeQuery, queryMessage{Timestamp: d.clock.Now().Unix()}); err != nil {
			d.logger.Warn("Failed to send sync request to peer",
				zap.String("peerID", peerID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// handleQuery answers a sync request with the entries held locally
func (d *Directory) handleQuery(sender peer.ID, msg *types.P2PMessage) error {
	d.mu.RLock()
	entries := make([]*ProtectedEntry, 0, len(d.entries))
	for _, rec := range d.entries {
		entries = append(entries, rec.entry)
	}
	d.mu.RUnlock()

	// Newest first when the response has to be truncated
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > MaxSyncEntries {
		entries = entries[:MaxSyncEntries]
	}

	if err := d.net.SendDirectMessage(sender, MsgTypeSync, syncMessage{Entries: entries}); err != nil {
		return fmt.Errorf("failed to send directory sync response: %w", err)
	}
	d.logger.Debug("Sent directory entries to peer",
		zap.Int("entryCount", len(entries)),
		zap.String("peer", sender.String()))
	return nil
}

// handleSync merges entries received from a peer
func (d *Directory) handleSync(sender peer.ID, msg *types.P2PMessage) error {
	var payload syncMessage
	if err := msg.DecodePayload(&payload); err != nil {
		return fmt.Errorf("failed to unmarshal directory sync payload: %w", err)
	}

	synced := 0
	for _, entry := range payload.Entries {
		added, err := d.applyEntry(entry)
		if err != nil {
			d.logger.Debug("Skipped invalid synced entry", zap.Error(err))
			continue
		}
		if added {
			synced++
		}
	}

	d.logger.Info("Synced directory entries from peer",
		zap.Int("syncedEntries", synced),
		zap.String("peer", sender.String()))
	d.markBootstrapped()
	return nil
}

// startCleanupRoutine periodically removes expired entries
func (d *Directory) startCleanupRoutine(ctx context.Context) {
	ticker := d.clock.Ticker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cleanupExpiredEntries()
		}
	}
}

// cleanupExpiredEntries removes entries whose TTL passed
func (d *Directory) cleanupExpiredEntries() {
	now := d.clock.Now()

	var expired []*offer.Payload
	d.mu.Lock()
	for id, rec := range d.entries {
		if now.After(rec.expires) {
			expired = append(expired, rec.entry.Payload)
			delete(d.entries, id)
		}
	}
	for key, refs := range d.pending {
		if now.After(refs[0].expires) {
			delete(d.pending, key)
		}
	}
	d.mu.Unlock()

	for _, p := range expired {
		d.events.Send(Event{Kind: EntryRemoved, Payload: p})
	}
	if len(expired) > 0 {
		d.logger.Info("Cleaned up expired entries", zap.Int("expiredOffers", len(expired)))
	}
}

// Get returns the payload stored for offerID
func (d *Directory) Get(offerID string) (*offer.Payload, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.entries[offerID]
	if !ok {
		return nil, false
	}
	return rec.entry.Payload, true
}

// Payloads returns all payloads ordered by creation date
func (d *Directory) Payloads() []*offer.Payload {
	d.mu.RLock()
	payloads := make([]*offer.Payload, 0, len(d.entries))
	for _, rec := range d.entries {
		payloads = append(payloads, rec.entry.Payload)
	}
	d.mu.RUnlock()

	sort.Slice(payloads, func(i, j int) bool {
		if payloads[i].Date.Equal(payloads[j].Date) {
			return payloads[i].ID < payloads[j].ID
		}
		return payloads[i].Date.Before(payloads[j].Date)
	})
	return payloads
}

// Len returns the number of entries
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// GetStats returns statistics about the directory
func (d *Directory) GetStats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	owners := make(map[types.NodeAddress]struct{})
	markets := make(map[string]int)
	for _, rec := range d.entries {
		owners[rec.entry.Payload.OwnerAddress] = struct{}{}
		markets[rec.entry.Payload.CounterCurrency]++
	}
	return map[string]interface{}{
		"offer_count":  len(d.entries),
		"maker_count":  len(owners),
		"market_count": len(markets),
		"peer_count":   len(d.net.GetPeers()),
		"bootstrapped": d.IsBootstrapped(),
	}
}
