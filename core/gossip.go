package core

// gossip.go – topic-level message propagation over the overlay. The manager
// front-ends a single command loop that owns the gossip node; the handler
// deduplicates inbound frames by content digest so re-gossiped messages reach
// the consumer exactly once per window.

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// Gossip topics.
const (
	TopicBlocks       = "blocks"
	TopicTransactions = "transactions"
)

// gossipCommandKind discriminates manager commands.
type gossipCommandKind uint8

const (
	gossipPublish gossipCommandKind = iota
	gossipSubscribe
	gossipUnsubscribe
	gossipListPeers
)

type gossipCommand struct {
	kind      gossipCommandKind
	topic     string
	message   *GossipMessage
	peersRepl chan<- []peer.ID
	subRepl   chan<- subscribeReply
	errRepl   chan<- error
}

type subscribeReply struct {
	frames <-chan InboundGossip
	err    error
}

// GossipManager is the command-channel front of the gossip plane.
type GossipManager struct {
	commands chan gossipCommand
}

// NewGossipManager returns the manager and the command channel the loop
// consumes.
func NewGossipManager() (*GossipManager, <-chan gossipCommand) {
	commands := make(chan gossipCommand, 256)
	return &GossipManager{commands: commands}, commands
}

// AnnounceBlock publishes a block announcement on the blocks topic.
func (m *GossipManager) AnnounceBlock(announce *BlockAnnounce) error {
	return m.Publish(TopicBlocks, &GossipMessage{BlockAnnounce: announce})
}

// PropagateTransactions publishes a transaction batch.
func (m *GossipManager) PropagateTransactions(propagate *TransactionPropagate) error {
	return m.Publish(TopicTransactions, &GossipMessage{TransactionPropagate: propagate})
}

// Publish enqueues a message for the command loop.
func (m *GossipManager) Publish(topic string, message *GossipMessage) error {
	errRepl := make(chan error, 1)
	m.commands <- gossipCommand{kind: gossipPublish, topic: topic, message: message, errRepl: errRepl}
	return <-errRepl
}

// Subscribe joins a topic and returns its frame channel.
func (m *GossipManager) Subscribe(topic string) (<-chan InboundGossip, error) {
	subRepl := make(chan subscribeReply, 1)
	m.commands <- gossipCommand{kind: gossipSubscribe, topic: topic, subRepl: subRepl}
	r := <-subRepl
	return r.frames, r.err
}

// Unsubscribe leaves a topic.
func (m *GossipManager) Unsubscribe(topic string) {
	m.commands <- gossipCommand{kind: gossipUnsubscribe, topic: topic}
}

// ListPeers returns the peers on a topic.
func (m *GossipManager) ListPeers(topic string) []peer.ID {
	peersRepl := make(chan []peer.ID, 1)
	m.commands <- gossipCommand{kind: gossipListPeers, topic: topic, peersRepl: peersRepl}
	return <-peersRepl
}

// RunGossipLoop owns the overlay node and serves manager commands until the
// context ends. It is the single writer to the node's topic set.
func RunGossipLoop(ctx context.Context, node *GossipNode, commands <-chan gossipCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-commands:
			if !ok {
				return nil
			}
			switch cmd.kind {
			case gossipPublish:
				data, err := cmd.message.Encode()
				if err == nil {
					err = node.Publish(cmd.topic, data)
				}
				if cmd.errRepl != nil {
					cmd.errRepl <- err
				}
			case gossipSubscribe:
				frames, err := node.Subscribe(cmd.topic)
				if cmd.subRepl != nil {
					cmd.subRepl <- subscribeReply{frames: frames, err: err}
				}
			case gossipUnsubscribe:
				node.Unsubscribe(cmd.topic)
			case gossipListPeers:
				if cmd.peersRepl != nil {
					cmd.peersRepl <- node.TopicPeers(cmd.topic)
				}
			}
		}
	}
}

//---------------------------------------------------------------------
// Handler
//---------------------------------------------------------------------

// gossipDedupWindow bounds the seen-message cache.
const gossipDedupWindow = 10_000

// BlockSink consumes validated block announcements.
type BlockSink func(announce *BlockAnnounce, from peer.ID)

// TxSink consumes propagated transactions.
type TxSink func(propagate *TransactionPropagate, from peer.ID)

// GossipHandler deduplicates inbound frames by blake3 digest and dispatches
// them downstream. Delivery is at-most-once per dedup window; consumers still
// tolerate duplicates that outlive it.
type GossipHandler struct {
	seen      *lru.Cache[[32]byte, struct{}]
	onBlock   BlockSink
	onTx      TxSink
}

// NewGossipHandler builds a handler with the standard dedup window.
func NewGossipHandler(onBlock BlockSink, onTx TxSink) (*GossipHandler, error) {
	seen, err := lru.New[[32]byte, struct{}](gossipDedupWindow)
	if err != nil {
		return nil, err
	}
	return &GossipHandler{seen: seen, onBlock: onBlock, onTx: onTx}, nil
}

// IsSeen reports whether a digest is inside the dedup window.
func (h *GossipHandler) IsSeen(digest [32]byte) bool {
	return h.seen.Contains(digest)
}

// MarkSeen records a digest; the LRU evicts the oldest entry on overflow.
func (h *GossipHandler) MarkSeen(digest [32]byte) {
	h.seen.Add(digest, struct{}{})
}

// HandleFrame decodes and dispatches one raw frame. Decode failures are
// logged and dropped — a malformed peer message never takes the loop down.
func (h *GossipHandler) HandleFrame(frame InboundGossip) {
	digest := blake3.Sum256(frame.Data)
	if h.IsSeen(digest) {
		return
	}
	h.MarkSeen(digest)

	message, err := DecodeGossipMessage(frame.Data)
	if err != nil {
		logrus.WithField("peer", frame.From).Debugf("dropping malformed gossip frame: %v", err)
		return
	}

	switch {
	case message.BlockAnnounce != nil:
		logrus.Debugf("block announce #%d from %s", message.BlockAnnounce.BlockNumber(), frame.From)
		if h.onBlock != nil {
			h.onBlock(message.BlockAnnounce, frame.From)
		}
	case message.TransactionPropagate != nil:
		logrus.Debugf("%d transactions from %s", message.TransactionPropagate.Len(), frame.From)
		if h.onTx != nil {
			h.onTx(message.TransactionPropagate, frame.From)
		}
	}
}
