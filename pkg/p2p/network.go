package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"github.com/visvasity/topic"
	"go.uber.org/zap"
)

const (
	// Protocol identifiers
	ProtocolID     = "/offerbook/1.0.0"
	DirectoryTopic = "offerbook-directory"
	PriceFeedTopic = "offerbook-pricefeed"
	Rendezvous     = "offerbook-rendezvous"

	// Bootstrap timeout
	BootstrapTimeout = 30 * time.Second

	// Peer discovery intervals
	PeerDiscoveryInterval = 5 * time.Minute

	// How long a message id is remembered for deduplication
	MessageTTL = 10 * time.Minute

	// Timeout for opening and writing a direct stream
	DirectMessageTimeout = 30 * time.Second

	// Maximum number of new connections per discovery cycle
	MaxNewPeersPerDiscovery = 10

	// Maximum message size
	MaxMessageSize = 1024 * 1024 // 1MB
)

// MessageHandler is a function type for message handlers
type MessageHandler func(sender peer.ID, msg *types.P2PMessage) error

// ConnectivityEvent reports a change in the number of connected peers.
// Connected is false only when the last connection was lost.
type ConnectivityEvent struct {
	Connected bool
	PeerCount int
}

// Config configures a Node
type Config struct {
	ListenAddrs    []multiaddr.Multiaddr
	BootstrapPeers []multiaddr.Multiaddr

	// PrivateKey is the node identity; a fresh key is generated when nil
	PrivateKey crypto.PrivKey
}

// Node is a node of the offer network. It carries directory gossip over
// pubsub topics and direct messages over streams.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	host          host.Host
	dht           *dht.IpfsDHT
	pubsub        *pubsub.PubSub
	discovery     *drouting.RoutingDiscovery
	topics        map[string]*pubsub.Topic
	subscriptions map[string]*pubsub.Subscription
	nodeID        string
	bootstrap     []multiaddr.Multiaddr

	handlersMutex sync.RWMutex
	handlers      map[string]MessageHandler

	peersMutex sync.RWMutex
	peers      map[peer.ID]time.Time

	cacheMutex sync.Mutex
	seen       map[string]time.Time

	connectivity *topic.Topic[ConnectivityEvent]
	connected    bool
}

// NewNode creates a new node
func NewNode(ctx context.Context, cfg Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	// Create libp2p host
	h, err := libp2p.New(
		libp2p.ListenAddrs(cfg.ListenAddrs...),
		libp2p.Identity(priv),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	// Create new DHT instance for peer discovery
	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	// Create a new PubSub service using the GossipSub router
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	nodeID := h.ID().String()
	logger.Info("P2P node created", zap.String("nodeID", nodeID))

	return &Node{
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
		host:          h,
		dht:           kadDHT,
		pubsub:        ps,
		discovery:     drouting.NewRoutingDiscovery(kadDHT),
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]*pubsub.Subscription),
		nodeID:        nodeID,
		bootstrap:     cfg.BootstrapPeers,
		handlers:      make(map[string]MessageHandler),
		peers:         make(map[peer.ID]time.Time),
		seen:          make(map[string]time.Time),
		connectivity:  topic.New[ConnectivityEvent](),
	}, nil
}

// Start connects to the network and joins the offer topics
func (n *Node) Start() error {
	// Set stream handler for the protocol
	n.host.SetStreamHandler(protocol.ID(ProtocolID), n.handleStream)

	n.host.Network().Notify(&network.NotifyBundle{
		ConnectedF:    func(_ network.Network, c network.Conn) { n.onConnected(c.RemotePeer()) },
		DisconnectedF: func(_ network.Network, c network.Conn) { n.onDisconnected(c.RemotePeer()) },
	})

	// Bootstrap the DHT
	if err := n.dht.Bootstrap(n.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	// Connect to bootstrap peers
	if len(n.bootstrap) > 0 {
		n.logger.Info("Connecting to bootstrap peers", zap.Int("count", len(n.bootstrap)))
		if err := n.connectToBootstrapPeers(n.bootstrap); err != nil {
			n.logger.Warn("Failed to connect to some bootstrap peers", zap.Error(err))
			// Continue anyway, as we might still discover peers through DHT
		}
	}

	for _, topicName := range []string{DirectoryTopic, PriceFeedTopic} {
		if err := n.joinTopic(topicName); err != nil {
			return fmt.Errorf("failed to join topic %s: %w", topicName, err)
		}
	}

	dutil.Advertise(n.ctx, n.discovery, Rendezvous)
	go n.startPeerDiscovery()

	// Start message processing for each subscription
	for topicName, sub := range n.subscriptions {
		go n.processMessages(topicName, sub)
	}

	n.logger.Info("P2P node started",
		zap.String("nodeID", n.nodeID),
		zap.String("addresses", fmt.Sprintf("%v", n.host.Addrs())))
	return nil
}

// Stop gracefully shuts down the node
func (n *Node) Stop() error {
	for _, sub := range n.subscriptions {
		sub.Cancel()
	}
	n.cancel()

	if err := n.dht.Close(); err != nil {
		n.logger.Warn("Failed to close DHT", zap.Error(err))
	}
	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}

	n.logger.Info("P2P node stopped", zap.String("nodeID", n.nodeID))
	return nil
}

// connectToBootstrapPeers connects to the provided bootstrap peers
func (n *Node) connectToBootstrapPeers(bootstrapPeers []multiaddr.Multiaddr) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var connErrors []error

	for _, peerAddr := range bootstrapPeers {
		peerInfo, err := peer.AddrInfoFromP2pAddr(peerAddr)
		if err != nil {
			connErrors = append(connErrors, fmt.Errorf("invalid peer address %s: %w", peerAddr, err))
			continue
		}

		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, BootstrapTimeout)
			defer cancel()

			if err := n.host.Connect(ctx, pi); err != nil {
				n.logger.Warn("Failed to connect to bootstrap peer",
					zap.String("peer", pi.ID.String()),
					zap.Error(err))
				mu.Lock()
				connErrors = append(connErrors, err)
				mu.Unlock()
				return
			}
			n.logger.Info("Connected to bootstrap peer", zap.String("peer", pi.ID.String()))
		}(*peerInfo)
	}

	wg.Wait()

	if len(connErrors) > 0 && len(connErrors) == len(bootstrapPeers) {
		return fmt.Errorf("failed to connect to any bootstrap peers: %v", connErrors)
	}
	return nil
}

// startPeerDiscovery periodically discovers new peers through the DHT
func (n *Node) startPeerDiscovery() {
	n.discoverPeers()

	ticker := time.NewTicker(PeerDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoverPeers()
		}
	}
}

// discoverPeers connects to peers advertising the offer network rendezvous
func (n *Node) discoverPeers() {
	n.logger.Debug("Starting peer discovery")

	ctx, cancel := context.WithTimeout(n.ctx, time.Minute)
	defer cancel()

	peers, err := n.discovery.FindPeers(ctx, Rendezvous)
	if err != nil {
		n.logger.Error("Failed to find peers", zap.Error(err))
		return
	}

	count := 0
	for p := range peers {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.host.Network().Connectedness(p.ID) == network.Connected {
			continue
		}

		cctx, ccancel := context.WithTimeout(n.ctx, 10*time.Second)
		err := n.host.Connect(cctx, p)
		ccancel()
		if err != nil {
			n.logger.Debug("Failed to connect to discovered peer",
				zap.String("peer", p.ID.String()),
				zap.Error(err))
			continue
		}

		count++
		n.logger.Info("Connected to new peer", zap.String("peer", p.ID.String()))
		if count >= MaxNewPeersPerDiscovery {
			break
		}
	}

	n.logger.Info("Peer discovery completed", zap.Int("connectedPeers", n.GetPeerCount()))
}

func (n *Node) onConnected(id peer.ID) {
	n.peersMutex.Lock()
	n.peers[id] = time.Now()
	count := len(n.peers)
	restored := !n.connected
	n.connected = true
	n.peersMutex.Unlock()

	if restored {
		n.logger.Info("Network connectivity established", zap.Int("peers", count))
	}
	n.connectivity.Send(ConnectivityEvent{Connected: true, PeerCount: count})
}

func (n *Node) onDisconnected(id peer.ID) {
	// Another connection to the same peer may still be open.
	if n.host.Network().Connectedness(id) == network.Connected {
		return
	}

	n.peersMutex.Lock()
	delete(n.peers, id)
	count := len(n.peers)
	lost := count == 0 && n.connected
	if lost {
		n.connected = false
	}
	n.peersMutex.Unlock()

	if lost {
		n.logger.Warn("Lost all network connections")
	}
	n.connectivity.Send(ConnectivityEvent{Connected: count > 0, PeerCount: count})
}

// ConnectivityUpdates subscribes to connectivity changes
func (n *Node) ConnectivityUpdates() (*topic.Receiver[ConnectivityEvent], error) {
	return topic.Subscribe(n.connectivity, 0, false)
}

// joinTopic joins a pubsub topic and creates a subscription
func (n *Node) joinTopic(topicName string) error {
	t, err := n.pubsub.Join(topicName)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", topicName, err)
	}

	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topicName, err)
	}

	n.topics[topicName] = t
	n.subscriptions[topicName] = sub

	n.logger.Info("Joined topic", zap.String("topic", topicName))
	return nil
}

// processMessages processes incoming messages from a subscription
func (n *Node) processMessages(topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Error("Failed to read next message",
				zap.String("topic", topicName),
				zap.Error(err))
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		go n.handlePubSubMessage(topicName, msg)
	}
}

// handlePubSubMessage decodes, deduplicates and dispatches a pubsub message
func (n *Node) handlePubSubMessage(topicName string, msg *pubsub.Message) {
	var p2pMsg types.P2PMessage
	if err := json.Unmarshal(msg.Data, &p2pMsg); err != nil {
		n.logger.Error("Failed to unmarshal message",
			zap.String("topic", topicName),
			zap.Error(err))
		return
	}

	if n.markSeen(p2pMsg.MessageID) {
		return
	}
	n.dispatch(msg.ReceivedFrom, &p2pMsg)
}

// markSeen records a message id and reports whether it was seen before
func (n *Node) markSeen(messageID string) bool {
	if messageID == "" {
		return false
	}

	now := time.Now()
	n.cacheMutex.Lock()
	defer n.cacheMutex.Unlock()

	if expiry, exists := n.seen[messageID]; exists && now.Before(expiry) {
		return true
	}
	n.seen[messageID] = now.Add(MessageTTL)

	if len(n.seen)%100 == 0 {
		for id, expiry := range n.seen {
			if now.After(expiry) {
				delete(n.seen, id)
			}
		}
	}
	return false
}

func (n *Node) dispatch(sender peer.ID, msg *types.P2PMessage) {
	n.handlersMutex.RLock()
	handler, ok := n.handlers[msg.MessageType]
	n.handlersMutex.RUnlock()

	if !ok {
		n.logger.Debug("No handler for message type",
			zap.String("type", msg.MessageType),
			zap.String("sender", msg.SenderID))
		return
	}
	if err := handler(sender, msg); err != nil {
		n.logger.Error("Error handling message",
			zap.String("type", msg.MessageType),
			zap.String("sender", msg.SenderID),
			zap.Error(err))
	}
}

// handleStream processes an incoming stream from a peer
func (n *Node) handleStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer()

	data, err := io.ReadAll(io.LimitReader(stream, MaxMessageSize))
	if err != nil {
		n.logger.Error("Failed to read from stream",
			zap.String("peer", remote.String()),
			zap.Error(err))
		stream.Reset()
		return
	}

	var p2pMsg types.P2PMessage
	if err := p2pMsg.Deserialize(data); err != nil {
		n.logger.Error("Failed to unmarshal direct message",
			zap.String("peer", remote.String()),
			zap.Error(err))
		stream.Reset()
		return
	}

	if err := stream.Close(); err != nil {
		n.logger.Debug("Failed to close stream",
			zap.String("peer", remote.String()),
			zap.Error(err))
	}
	n.dispatch(remote, &p2pMsg)
}

// RegisterHandler registers a handler for a specific message type
func (n *Node) RegisterHandler(messageType string, handler MessageHandler) {
	n.handlersMutex.Lock()
	n.handlers[messageType] = handler
	n.handlersMutex.Unlock()

	n.logger.Debug("Registered handler", zap.String("messageType", messageType))
}

func (n *Node) newMessage(messageType string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := types.P2PMessage{
		MessageType: messageType,
		SenderID:    n.nodeID,
		MessageID:   uuid.New().String(),
		Timestamp:   time.Now(),
		Payload:     payloadBytes,
	}
	msgBytes, err := msg.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return msgBytes, nil
}

// BroadcastMessage broadcasts a message to a specific topic
func (n *Node) BroadcastMessage(topicName string, messageType string, payload interface{}) error {
	t, ok := n.topics[topicName]
	if !ok {
		return fmt.Errorf("topic %s not joined", topicName)
	}

	msgBytes, err := n.newMessage(messageType, payload)
	if err != nil {
		return err
	}
	if err := t.Publish(n.ctx, msgBytes); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	n.logger.Debug("Broadcast message",
		zap.String("topic", topicName),
		zap.String("type", messageType))
	return nil
}

// SendDirectMessage sends a message directly to a specific peer
func (n *Node) SendDirectMessage(peerID peer.ID, messageType string, payload interface{}) error {
	msgBytes, err := n.newMessage(messageType, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(n.ctx, DirectMessageTimeout)
	defer cancel()

	stream, err := n.host.NewStream(ctx, peerID, protocol.ID(ProtocolID))
	if err != nil {
		return fmt.Errorf("failed to open stream to peer %s: %w", peerID, err)
	}

	if _, err := stream.Write(msgBytes); err != nil {
		stream.Reset()
		return fmt.Errorf("failed to write to stream: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	n.logger.Debug("Sent direct message",
		zap.String("peer", peerID.String()),
		zap.String("type", messageType))
	return nil
}

// SendTo sends a direct message to the node at addr
func (n *Node) SendTo(addr types.NodeAddress, messageType string, payload interface{}) error {
	id, err := peer.Decode(addr.String())
	if err != nil {
		return fmt.Errorf("invalid node address %q: %w", addr, err)
	}
	return n.SendDirectMessage(id, messageType, payload)
}

// GetPeerCount returns the number of connected peers
func (n *Node) GetPeerCount() int {
	n.peersMutex.RLock()
	defer n.peersMutex.RUnlock()
	return len(n.peers)
}

// GetPeers returns a list of connected peer IDs
func (n *Node) GetPeers() []peer.ID {
	n.peersMutex.RLock()
	defer n.peersMutex.RUnlock()

	peers := make([]peer.ID, 0, len(n.peers))
	for p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// Address returns the node's own address
func (n *Node) Address() types.NodeAddress {
	return types.NodeAddress(n.nodeID)
}

// GetMultiaddrs returns the node's multiaddresses
func (n *Node) GetMultiaddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}
