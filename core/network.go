package core

// network.go – the libp2p gossipsub node backing the gossip plane. The node
// owns the host, the joined topics and the peer table; everything above it
// talks in encoded GossipMessage frames.

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// NetworkConfig wires the gossip node.
type NetworkConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	DiscoveryTag   string   `yaml:"discovery_tag"`
}

// DefaultNetworkConfig listens on an ephemeral TCP port.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ListenAddr:   "/ip4/0.0.0.0/tcp/0",
		DiscoveryTag: "helios-chain",
	}
}

// PeerRecord is one known peer.
type PeerRecord struct {
	ID   peer.ID `json:"id"`
	Addr string  `json:"addr"`
}

// InboundGossip is a raw frame received on a topic.
type InboundGossip struct {
	From  peer.ID
	Topic string
	Data  []byte
}

// GossipNode is the libp2p-backed gossip overlay endpoint.
type GossipNode struct {
	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.RWMutex
	topics    map[string]*pubsub.Topic

	subLock sync.RWMutex
	subs    map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[peer.ID]*PeerRecord

	ctx    context.Context
	cancel context.CancelFunc
	cfg    NetworkConfig
}

// NewGossipNode creates and bootstraps the overlay endpoint with the node's
// persistent identity key.
func NewGossipNode(cfg NetworkConfig, identity p2pcrypto.PrivKey) (*GossipNode, error) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := []libp2p.Option{libp2p.ListenAddrStrings(cfg.ListenAddr)}
	if identity != nil {
		opts = append(opts, libp2p.Identity(identity))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: create host: %v", ErrTransport, err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("%w: create pubsub: %v", ErrTransport, err)
	}

	n := &GossipNode{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[peer.ID]*PeerRecord),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}

	if err := n.DialSeeds(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("bootstrap: %v", err)
	}

	if cfg.DiscoveryTag != "" {
		mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	}
	return n, nil
}

var _ mdns.Notifee = (*GossipNode)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a locally discovered
// peer unless it is ourselves or already known.
func (n *GossipNode) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peerLock.RLock()
	_, known := n.peers[info.ID]
	n.peerLock.RUnlock()
	if known {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("connect to discovered peer %s: %v", info.ID, err)
		return
	}
	n.peerLock.Lock()
	n.peers[info.ID] = &PeerRecord{ID: info.ID, Addr: info.String()}
	n.peerLock.Unlock()
	logrus.Infof("connected to peer %s via mdns", info.ID)
}

// DialSeeds connects to the configured bootstrap peers.
func (n *GossipNode) DialSeeds(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *info); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[info.ID] = &PeerRecord{ID: info.ID, Addr: addr}
		n.peerLock.Unlock()
		logrus.Infof("bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrBootstrap, strings.Join(errs, "; "))
	}
	return nil
}

// Publish sends a frame on a topic, joining it on first use.
func (n *GossipNode) Publish(topic string, data []byte) error {
	if len(data) > MaxGossipMessageSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrGossip, len(data), MaxGossipMessageSize)
	}
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("%w: join topic %s: %v", ErrGossip, topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()

	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrGossip, topic, err)
	}
	return nil
}

// Subscribe delivers topic frames on the returned channel until the node
// closes or Unsubscribe is called.
func (n *GossipNode) Subscribe(topic string) (<-chan InboundGossip, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		sub, err = n.pubsub.Subscribe(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("%w: subscribe %s: %v", ErrGossip, topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()

	out := make(chan InboundGossip)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				if n.ctx.Err() == nil {
					logrus.Warnf("subscription %s: %v", topic, err)
				}
				return
			}
			out <- InboundGossip{From: msg.GetFrom(), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

// Unsubscribe drops the topic subscription.
func (n *GossipNode) Unsubscribe(topic string) {
	n.subLock.Lock()
	defer n.subLock.Unlock()
	if sub, ok := n.subs[topic]; ok {
		sub.Cancel()
		delete(n.subs, topic)
	}
}

// TopicPeers lists the peers seen on a topic.
func (n *GossipNode) TopicPeers(topic string) []peer.ID {
	n.topicLock.RLock()
	t, ok := n.topics[topic]
	n.topicLock.RUnlock()
	if !ok {
		return nil
	}
	return t.ListPeers()
}

// Peers returns the known peer table.
func (n *GossipNode) Peers() []*PeerRecord {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	list := make([]*PeerRecord, 0, len(n.peers))
	for _, p := range n.peers {
		list = append(list, p)
	}
	return list
}

// ID returns the local peer id.
func (n *GossipNode) ID() peer.ID { return n.host.ID() }

// Close tears the node down.
func (n *GossipNode) Close() error {
	n.cancel()
	return n.host.Close()
}
