package core

// node.go – the driver that owns every subsystem task: the consensus loop on
// its wall-clock timeout, the gossip and sync loops, the pruner and the
// snapshot service. Parallelism lives across subsystems; each task owns its
// state and talks through channels.

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NodeConfig assembles the per-subsystem configurations.
type NodeConfig struct {
	Network  NetworkConfig  `yaml:"network"`
	Pruning  PruningConfig  `yaml:"pruning"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Keystore string         `yaml:"keystore"`
	Coinbase *Address       `yaml:"-"`

	// MaxBlockTransactions caps how many pool transactions one block drains.
	MaxBlockTransactions int `yaml:"max_block_transactions"`
}

// DefaultNodeConfig returns the stock wiring.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Network:              DefaultNetworkConfig(),
		Pruning:              DefaultPruningConfig(),
		Snapshot:             DefaultSnapshotConfig(),
		Keystore:             "./keystore/node_key",
		MaxBlockTransactions: 1000,
	}
}

// Node wires the consensus engine, executor, state, persistence and the
// network planes into one runnable unit.
type Node struct {
	cfg      NodeConfig
	engine   *PoAEngine
	executor *TransactionExecutor
	state    *SharedStateDB
	store    *ChainStore
	pool     *TxPool

	gossipNode     *GossipNode
	gossipManager  *GossipManager
	gossipCommands <-chan gossipCommand
	gossipHandler  *GossipHandler

	syncManager  *SyncManager
	syncHandler  *SyncHandler
	syncCommands <-chan SyncCommand

	pruner   *Pruner
	snapshot *SnapshotService

	identity *PeerIdentity
	events   chan ConsensusEvent
}

// NewNode assembles a node around the given engine, state and database.
func NewNode(cfg NodeConfig, engine *PoAEngine, executor *TransactionExecutor, state *SharedStateDB, db KeyValueDB) (*Node, error) {
	store := NewChainStore(db)

	identity, err := LoadOrGenerateIdentity(cfg.Keystore)
	if err != nil {
		return nil, err
	}
	gossipNode, err := NewGossipNode(cfg.Network, identity.Key())
	if err != nil {
		return nil, err
	}
	gossipManager, gossipCommands := NewGossipManager()
	syncManager, syncCommands := NewSyncManager()
	syncHandler := NewSyncHandler(store)

	node := &Node{
		cfg:            cfg,
		engine:         engine,
		executor:       executor,
		state:          state,
		store:          store,
		pool:           NewTxPool(state, executor),
		gossipNode:     gossipNode,
		gossipManager:  gossipManager,
		gossipCommands: gossipCommands,
		syncManager:    syncManager,
		syncHandler:    syncHandler,
		syncCommands:   syncCommands,
		pruner:         NewPruner(cfg.Pruning, store),
		snapshot:       NewSnapshotService(cfg.Snapshot, store),
		identity:       identity,
		events:         make(chan ConsensusEvent, 256),
	}
	node.gossipHandler, err = NewGossipHandler(node.onBlockAnnounce, node.onTransactions)
	if err != nil {
		return nil, err
	}
	engine.SetEventSink(node.events)
	return node, nil
}

// Pool exposes the mempool for RPC-style submission paths.
func (n *Node) Pool() *TxPool { return n.pool }

// Store exposes the chain store.
func (n *Node) Store() *ChainStore { return n.store }

// PeerID returns the local network identity.
func (n *Node) PeerID() peer.ID { return n.identity.PeerID() }

// SyncManager exposes the catch-up request front.
func (n *Node) SyncManager() *SyncManager { return n.syncManager }

// Run starts every subsystem task and blocks until the context ends. Shutdown
// cancels the tasks, drains their channels and flushes the database.
func (n *Node) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return n.consensusLoop(ctx) })
	group.Go(func() error { return RunGossipLoop(ctx, n.gossipNode, n.gossipCommands) })
	group.Go(func() error { return n.inboundGossipLoop(ctx) })
	group.Go(func() error { return RunSyncLoop(ctx, n.syncHandler, n.identity.PeerID(), n.syncCommands) })
	group.Go(func() error { return n.pruner.Run(ctx) })
	group.Go(func() error { return n.snapshot.Run(ctx) })
	group.Go(func() error { return n.eventLoop(ctx) })

	err := group.Wait()
	if flushErr := n.store.DB().Flush(); flushErr != nil {
		logrus.Errorf("flush on shutdown: %v", flushErr)
	}
	n.gossipNode.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}

// consensusLoop arms the timeout the engine returns and re-steps when it
// expires. Proposals are assembled, executed and announced inline.
func (n *Node) consensusLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		stepCtx, err := n.buildStepContext()
		if err != nil {
			return err
		}
		result, err := n.engine.Step(stepCtx)
		if err != nil {
			return err
		}

		if result.Kind == StepPropose {
			if err := n.proposeBlock(result.Header); err != nil {
				logrus.Errorf("proposal failed: %v", err)
			}
		}
		timer.Reset(result.Timeout)
	}
}

func (n *Node) buildStepContext() (StepContext, error) {
	tip, err := n.store.TipNumber()
	if err != nil {
		return StepContext{}, err
	}
	parent, err := n.store.HashByNumber(tip)
	if err != nil {
		return StepContext{}, err
	}
	number := uint64(0)
	if !parent.IsZero() {
		number = tip + 1
	}
	return StepContext{
		BlockNumber:    number,
		ParentHash:     parent,
		Timestamp:      uint64(time.Now().Unix()),
		ValidatorIndex: n.engine.LocalValidatorIndex(),
	}, nil
}

// proposeBlock fills the skeletal header: drains the pool, executes against
// the canonical state, computes the three roots, persists and announces.
func (n *Node) proposeBlock(header *BlockHeader) error {
	txs := n.pool.Pick(n.cfg.MaxBlockTransactions)
	block := NewBlock(*header, txs)

	receipts, gasUsed, err := n.executeBlock(block, n.state)
	if err != nil {
		return err
	}

	block.Header.GasUsed = gasUsed
	block.Header.StateRoot = n.state.StateRoot()
	txRoot, err := block.CalculateTransactionsRoot()
	if err != nil {
		return err
	}
	block.Header.TransactionsRoot = txRoot
	receiptsRoot, err := CalculateReceiptsRoot(receipts)
	if err != nil {
		return err
	}
	block.Header.ReceiptsRoot = receiptsRoot

	stateNodes, err := n.state.AccountNodes()
	if err != nil {
		return err
	}
	if err := n.store.WriteBlock(block, receipts, stateNodes); err != nil {
		return err
	}

	announce := NewBlockAnnounce(block.Header).WithBlock(block)
	if err := n.gossipManager.AnnounceBlock(announce); err != nil {
		logrus.Warnf("announce block #%d: %v", block.Header.Number, err)
	}
	logrus.Infof("proposed block #%d with %d transactions", block.Header.Number, len(txs))
	return nil
}

// executeBlock runs every transaction and assembles its receipts. A failed
// transaction still consumes gas and yields a status-0 receipt; the block
// remains valid.
func (n *Node) executeBlock(block *Block, state *SharedStateDB) ([]*Receipt, uint64, error) {
	execCtx := &ExecutionContext{
		BlockNumber: block.Header.Number,
		Timestamp:   block.Header.Timestamp,
		GasLimit:    block.Header.GasLimit,
		Coinbase:    n.coinbase(),
	}

	blockHash, err := block.HashBlock()
	if err != nil {
		return nil, 0, err
	}

	receipts := make([]*Receipt, 0, len(block.Transactions))
	var gasUsed uint64
	for i, tx := range block.Transactions {
		result, err := n.executor.Execute(tx, state, execCtx)
		if err != nil {
			return nil, 0, fmt.Errorf("execute tx %d: %w", i, err)
		}
		gasUsed += result.GasUsed

		txHash, err := tx.HashTx()
		if err != nil {
			return nil, 0, err
		}
		from, _ := tx.Sender()
		status := uint8(0)
		if result.Success {
			status = 1
		}
		receipts = append(receipts, &Receipt{
			TransactionHash:  txHash,
			TransactionIndex: uint64(i),
			BlockHash:        blockHash,
			BlockNumber:      block.Header.Number,
			From:             from,
			To:               tx.To,
			GasUsed:          result.GasUsed,
			Status:           status,
		})
	}
	return receipts, gasUsed, nil
}

func (n *Node) coinbase() Address {
	if n.cfg.Coinbase != nil {
		return *n.cfg.Coinbase
	}
	return Address{}
}

// inboundGossipLoop subscribes both topics and feeds frames through the
// dedup handler.
func (n *Node) inboundGossipLoop(ctx context.Context) error {
	blocks, err := n.gossipManager.Subscribe(TopicBlocks)
	if err != nil {
		return err
	}
	txs, err := n.gossipManager.Subscribe(TopicTransactions)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-blocks:
			if !ok {
				return nil
			}
			n.gossipHandler.HandleFrame(frame)
		case frame, ok := <-txs:
			if !ok {
				return nil
			}
			n.gossipHandler.HandleFrame(frame)
		}
	}
}

// onBlockAnnounce takes the symmetric import path: verify the header against
// the slot grid, execute on a forked state, and commit only when the fork
// reproduces the announced state root.
func (n *Node) onBlockAnnounce(announce *BlockAnnounce, from peer.ID) {
	if err := n.engine.ProcessBlock(announce.Header); err != nil {
		logrus.Warnf("header #%d from %s rejected: %v", announce.Header.Number, from, err)
		return
	}
	if announce.Block == nil {
		return
	}
	if err := n.ImportBlock(announce.Block); err != nil {
		logrus.Warnf("import block #%d from %s: %v", announce.Block.Header.Number, from, err)
	}
}

// ImportBlock validates and executes an externally produced block.
func (n *Node) ImportBlock(block *Block) error {
	if err := block.Validate(); err != nil {
		return err
	}

	// Speculative run on a fork; the canonical state stays untouched until
	// the roots agree.
	forked := n.state.Fork()
	if _, _, err := n.executeBlock(block, forked); err != nil {
		return err
	}
	if got := forked.StateRoot(); got != block.Header.StateRoot {
		return fmt.Errorf("%w: state root mismatch, header %s computed %s",
			ErrInvalidBlock, block.Header.StateRoot, got)
	}

	// Deterministic replay against the canonical state.
	receipts, _, err := n.executeBlock(block, n.state)
	if err != nil {
		return err
	}
	stateNodes, err := n.state.AccountNodes()
	if err != nil {
		return err
	}
	return n.store.WriteBlock(block, receipts, stateNodes)
}

// onTransactions admits propagated transactions into the pool.
func (n *Node) onTransactions(propagate *TransactionPropagate, from peer.ID) {
	tip, err := n.store.TipNumber()
	if err != nil {
		return
	}
	execCtx := &ExecutionContext{
		BlockNumber: tip + 1,
		Timestamp:   uint64(time.Now().Unix()),
		GasLimit:    DefaultBlockGasLimit,
		Coinbase:    n.coinbase(),
	}
	for _, tx := range propagate.Transactions {
		if err := n.pool.AddTx(tx, execCtx); err != nil {
			logrus.Debugf("transaction from %s rejected: %v", from, err)
		}
	}
}

// eventLoop logs the consensus event stream; offences surface at warn level.
func (n *Node) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-n.events:
			if !ok {
				return nil
			}
			switch event.Type {
			case EventSlotStarted:
				if event.Validator != nil {
					logrus.Infof("slot %d started: local validator %d elected", event.Slot, *event.Validator)
				} else {
					logrus.Debugf("slot %d started", event.Slot)
				}
			case EventShouldPropose:
				logrus.Infof("elected proposer for slot %d", event.Slot)
			case EventBlockReceived:
				logrus.Debugf("block #%d received", event.Header.Number)
			case EventSlashingDetected:
				logrus.Warnf("slashing offence at slot %d: %+v", event.Slot, event.Offence)
			}
		}
	}
}

// PrunerCommands exposes the pruner command channel.
func (n *Node) PrunerCommands() chan<- PruningCommand { return n.pruner.Commands() }

// SnapshotCommands exposes the snapshot service command channel.
func (n *Node) SnapshotCommands() chan<- SnapshotCommand { return n.snapshot.Commands() }
