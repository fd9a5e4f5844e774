package core

// pruner.go – background retention enforcement for the chain database. The
// pruner owns its state and is driven by an interval ticker plus a command
// channel; every block's rows are removed in one transaction so a crash never
// leaves a half-deleted block behind.

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PruningMode selects the retention policy.
type PruningMode uint8

const (
	// PruneArchive keeps everything and only compacts.
	PruneArchive PruningMode = iota
	// PruneLight retains a short window and removes headers too.
	PruneLight
	// PruneFull retains a long window and keeps headers.
	PruneFull
	// PruneCustom uses the configured retention values verbatim.
	PruneCustom
)

func (m PruningMode) String() string {
	switch m {
	case PruneArchive:
		return "archive"
	case PruneLight:
		return "light"
	case PruneFull:
		return "full"
	case PruneCustom:
		return "custom"
	}
	return "unknown"
}

// PruningConfig tunes the pruner.
type PruningConfig struct {
	Mode              PruningMode   `yaml:"mode"`
	Interval          time.Duration `yaml:"interval"`
	Enabled           bool          `yaml:"enabled"`
	RetainBlocksLight uint64        `yaml:"retain_blocks_light"`
	RetainBlocksFull  uint64        `yaml:"retain_blocks_full"`
	StateHistoryDepth uint64        `yaml:"state_history_depth"`
}

// DefaultPruningConfig is archive mode with hourly compaction disabled.
func DefaultPruningConfig() PruningConfig {
	return PruningConfig{
		Mode:              PruneArchive,
		Interval:          time.Hour,
		RetainBlocksLight: 1024,
		RetainBlocksFull:  100_000,
		StateHistoryDepth: 128,
	}
}

// PruningCommandKind discriminates pruner commands.
type PruningCommandKind uint8

const (
	CmdPruneBlocks PruningCommandKind = iota
	CmdPruneState
	CmdPruneReceipts
	CmdCompact
	CmdGetStats
	CmdShutdown
)

// PruningCommand is one instruction for the pruner task. Stats requests carry
// a response channel; the rest are fire-and-forget.
type PruningCommand struct {
	Kind        PruningCommandKind
	BeforeBlock uint64
	StatsReply  chan<- PruningStats
}

// PruningStats counts the pruner's work.
type PruningStats struct {
	LastPruning       time.Time `json:"last_pruning"`
	BlocksPruned      uint64    `json:"blocks_pruned"`
	StateEntriesPruned uint64   `json:"state_entries_pruned"`
	ReceiptsPruned    uint64    `json:"receipts_pruned"`
	BytesFreed        uint64    `json:"bytes_freed"`
	Errors            uint64    `json:"errors"`
}

var (
	prunedBlocksMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helios_pruner_blocks_pruned_total",
		Help: "Blocks removed by the pruner.",
	})
	prunedReceiptsMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helios_pruner_receipts_pruned_total",
		Help: "Receipt rows removed by the pruner.",
	})
	prunedStateMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helios_pruner_state_entries_pruned_total",
		Help: "State nodes removed by the pruner.",
	})
	prunerErrorsMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helios_pruner_errors_total",
		Help: "Pruning operations that failed.",
	})
)

func init() {
	prometheus.MustRegister(prunedBlocksMetric, prunedReceiptsMetric, prunedStateMetric, prunerErrorsMetric)
}

// state refcount bookkeeping lives in the default family so it survives next
// to the prune cursor. Each retained block's node list is recorded under
// state/nodes/<block hash> by WriteBlock and released here.
var (
	stateRefPrefix   = []byte("state/ref/")
	stateNodesPrefix = []byte("state/nodes/")
	statePruneCursor = []byte("prune/state/cursor")
)

// Pruner applies the retention policy to the chain database.
type Pruner struct {
	config   PruningConfig
	store    *ChainStore
	stats    PruningStats
	commands chan PruningCommand
}

// NewPruner builds a pruner over the chain store. Send commands through the
// returned channel; Run consumes it until Shutdown.
func NewPruner(config PruningConfig, store *ChainStore) *Pruner {
	return &Pruner{
		config:   config,
		store:    store,
		commands: make(chan PruningCommand, 100),
	}
}

// Commands returns the channel the pruner consumes.
func (p *Pruner) Commands() chan<- PruningCommand { return p.commands }

// Run drives the pruner until Shutdown or context cancellation. Outstanding
// commands are drained and the database flushed before exit.
func (p *Pruner) Run(ctx context.Context) error {
	logrus.Infof("pruner started in %s mode", p.config.Mode)

	var tick <-chan time.Time
	if p.config.Enabled {
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case <-tick:
			if err := p.automaticPruning(); err != nil {
				logrus.Errorf("automatic pruning failed: %v", err)
				p.stats.Errors++
				prunerErrorsMetric.Inc()
			}
		case cmd, ok := <-p.commands:
			if !ok {
				p.shutdown()
				return nil
			}
			if cmd.Kind == CmdShutdown {
				p.shutdown()
				return nil
			}
			if err := p.handleCommand(cmd); err != nil {
				logrus.Errorf("pruning command failed: %v", err)
				p.stats.Errors++
				prunerErrorsMetric.Inc()
			}
		}
	}
}

func (p *Pruner) shutdown() {
	// Drain whatever is already queued, then flush.
	for {
		select {
		case cmd := <-p.commands:
			if cmd.Kind == CmdShutdown {
				continue
			}
			if err := p.handleCommand(cmd); err != nil {
				p.stats.Errors++
			}
		default:
			if err := p.store.DB().Flush(); err != nil {
				logrus.Errorf("flush on pruner shutdown: %v", err)
			}
			logrus.Info("pruner stopped")
			return
		}
	}
}

func (p *Pruner) handleCommand(cmd PruningCommand) error {
	switch cmd.Kind {
	case CmdPruneBlocks:
		return p.pruneBlocks(cmd.BeforeBlock)
	case CmdPruneState:
		return p.pruneState(cmd.BeforeBlock)
	case CmdPruneReceipts:
		return p.pruneReceipts(cmd.BeforeBlock)
	case CmdCompact:
		return p.compact()
	case CmdGetStats:
		if cmd.StatsReply != nil {
			cmd.StatsReply <- p.stats
		}
		return nil
	}
	return nil
}

func (p *Pruner) automaticPruning() error {
	switch p.config.Mode {
	case PruneArchive:
		return p.compact()
	case PruneLight:
		return p.pruneOldData(p.config.RetainBlocksLight)
	case PruneFull, PruneCustom:
		return p.pruneOldData(p.config.RetainBlocksFull)
	}
	return nil
}

func (p *Pruner) pruneOldData(retainBlocks uint64) error {
	tip, err := p.store.TipNumber()
	if err != nil {
		return err
	}
	if tip <= retainBlocks {
		logrus.Debugf("nothing to prune: tip %d, retain %d", tip, retainBlocks)
		return nil
	}
	before := tip - retainBlocks
	logrus.Infof("pruning data before block %d", before)

	if err := p.pruneBlocks(before); err != nil {
		return err
	}
	if err := p.pruneState(before); err != nil {
		return err
	}
	if err := p.pruneReceipts(before); err != nil {
		return err
	}
	if err := p.compact(); err != nil {
		return err
	}
	p.stats.LastPruning = time.Now()
	return nil
}

// pruneBlocks removes the body, index entry — and in light mode the header —
// of every block below the cutoff, one transaction per block.
func (p *Pruner) pruneBlocks(before uint64) error {
	db := p.store.DB()
	var pruned, freed uint64

	for number := uint64(0); number < before; number++ {
		hash, err := p.store.HashByNumber(number)
		if err != nil {
			return err
		}
		if hash.IsZero() {
			continue
		}
		if body, err := db.Get(CFBlocks, hash[:]); err == nil && body != nil {
			freed += uint64(len(body))
		}

		builder := NewTransactionBuilder()
		builder.Delete(CFBlocks, hash[:])
		if p.config.Mode == PruneLight {
			builder.Delete(CFHeaders, hash[:])
		}
		builder.Delete(CFIndices, BlockNumberKey(number))

		// Release the state-node references this block held; the nodes
		// themselves go in the next state-prune pass once no retained block
		// references them.
		nodeList, err := db.Get(CFDefault, stateNodesKey(hash))
		if err != nil {
			return err
		}
		if nodeList != nil {
			for off := 0; off+HashLength <= len(nodeList); off += HashLength {
				if err := stageStateRefDelta(builder, db, nodeList[off:off+HashLength], -1); err != nil {
					return err
				}
			}
			builder.Delete(CFDefault, stateNodesKey(hash))
		}

		if err := builder.Execute(db); err != nil {
			return err
		}
		pruned++
	}

	p.stats.BlocksPruned += pruned
	p.stats.BytesFreed += freed
	prunedBlocksMetric.Add(float64(pruned))
	logrus.Infof("pruned %d blocks", pruned)
	return nil
}

// pruneReceipts removes receipt rows below the cutoff.
func (p *Pruner) pruneReceipts(before uint64) error {
	db := p.store.DB()
	var pruned uint64

	for number := uint64(0); number < before; number++ {
		hash, err := p.store.HashByNumber(number)
		if err != nil {
			return err
		}
		if hash.IsZero() {
			continue
		}
		exists, err := db.Exists(CFReceipts, hash[:])
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if err := db.Delete(CFReceipts, hash[:]); err != nil {
			return err
		}
		pruned++
	}

	p.stats.ReceiptsPruned += pruned
	prunedReceiptsMetric.Add(float64(pruned))
	logrus.Infof("pruned %d receipt entries", pruned)
	return nil
}

// pruneState removes state nodes whose reference count dropped to zero. The
// scan resumes from a persisted cursor so interrupted runs make deterministic
// progress instead of restarting.
func (p *Pruner) pruneState(before uint64) error {
	db := p.store.DB()

	cursor, err := db.Get(CFDefault, statePruneCursor)
	if err != nil {
		return err
	}

	it, err := db.Iter(CFState)
	if err != nil {
		return err
	}

	var pruned uint64
	for it.Next() {
		key := it.Key()
		if cursor != nil && string(key) <= string(cursor) {
			continue
		}

		refs, err := stateNodeRefCount(db, key)
		if err != nil {
			return err
		}
		if refs > 0 {
			continue
		}
		builder := NewTransactionBuilder()
		builder.Delete(CFState, key)
		builder.Delete(CFDefault, stateRefKey(key))
		builder.Put(CFDefault, statePruneCursor, key)
		if err := builder.Execute(db); err != nil {
			return err
		}
		pruned++
	}
	if err := it.Error(); err != nil {
		return err
	}

	// Full sweep complete; restart from the beginning next time.
	if err := db.Delete(CFDefault, statePruneCursor); err != nil {
		return err
	}

	p.stats.StateEntriesPruned += pruned
	prunedStateMetric.Add(float64(pruned))
	logrus.Infof("pruned %d state entries before block %d", pruned, before)
	return nil
}

func stateRefKey(nodeKey []byte) []byte {
	return append(append([]byte(nil), stateRefPrefix...), nodeKey...)
}

func stateNodesKey(blockHash Hash) []byte {
	return append(append([]byte(nil), stateNodesPrefix...), blockHash[:]...)
}

func encodeStateRefs(refs uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, refs)
	return buf
}

// stateNodeRefCount reads a node's current reference count; a missing or
// malformed row counts as zero.
func stateNodeRefCount(db KeyValueDB, nodeKey []byte) (uint64, error) {
	raw, err := db.Get(CFDefault, stateRefKey(nodeKey))
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// stageStateRefDelta stages a reference-count adjustment inside an open
// builder. The read sees the last committed value, so block persistence and
// pruning must serialise their per-block transactions — both already do.
// Decrements saturate at zero.
func stageStateRefDelta(builder *TransactionBuilder, db KeyValueDB, nodeKey []byte, delta int64) error {
	refs, err := stateNodeRefCount(db, nodeKey)
	if err != nil {
		return err
	}
	if delta >= 0 {
		refs += uint64(delta)
	} else if drop := uint64(-delta); drop >= refs {
		refs = 0
	} else {
		refs -= drop
	}
	builder.Put(CFDefault, stateRefKey(nodeKey), encodeStateRefs(refs))
	return nil
}

// RefStateNode bumps a node's reference count directly; the snapshot import
// path calls this for every node it restores so a freshly imported state is
// never eligible for collection.
func RefStateNode(db KeyValueDB, nodeKey []byte) error {
	refs, err := stateNodeRefCount(db, nodeKey)
	if err != nil {
		return err
	}
	return db.Put(CFDefault, stateRefKey(nodeKey), encodeStateRefs(refs+1))
}

func (p *Pruner) compact() error {
	start := time.Now()
	if err := p.store.DB().Compact(); err != nil {
		return err
	}
	logrus.Infof("database compaction completed in %s", time.Since(start))
	return nil
}
