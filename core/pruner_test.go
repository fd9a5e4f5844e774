package core

import (
	"context"
	"testing"
	"time"
)

// seedChain writes a short chain the way the node does: each block carries
// the node set of the state it committed, one new account per block.
func seedChain(t *testing.T, store *ChainStore, blocks uint64) {
	t.Helper()
	state := NewMemoryStateDB()
	for number := uint64(0); number < blocks; number++ {
		if err := state.SetAccount(addr(byte(number+1)), AccountWithBalance((number+1)*1_000)); err != nil {
			t.Fatalf("seed state %d: %v", number, err)
		}
		nodes, err := state.Snapshot().AccountNodes()
		if err != nil {
			t.Fatalf("derive nodes %d: %v", number, err)
		}

		block := storedBlock(t, number, 0)
		block.Header.StateRoot = state.StateRoot()
		hash, err := block.HashBlock()
		if err != nil {
			t.Fatalf("hash %d: %v", number, err)
		}
		receipts := []*Receipt{{BlockHash: hash, BlockNumber: number, Status: 1}}
		if err := store.WriteBlock(block, receipts, nodes); err != nil {
			t.Fatalf("seed %d: %v", number, err)
		}
	}
}

func runPruner(t *testing.T, config PruningConfig, store *ChainStore) (chan<- PruningCommand, func()) {
	t.Helper()
	pruner := NewPruner(config, store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pruner.Run(ctx)
	}()
	stop := func() {
		pruner.Commands() <- PruningCommand{Kind: CmdShutdown}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cancel()
			<-done
		}
		cancel()
	}
	return pruner.Commands(), stop
}

func prunerStats(commands chan<- PruningCommand) PruningStats {
	reply := make(chan PruningStats, 1)
	commands <- PruningCommand{Kind: CmdGetStats, StatsReply: reply}
	return <-reply
}

func TestPruneBlocksFullMode(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	seedChain(t, store, 10)

	config := DefaultPruningConfig()
	config.Mode = PruneFull
	commands, stop := runPruner(t, config, store)
	defer stop()

	hash3, _ := store.HashByNumber(3)
	commands <- PruningCommand{Kind: CmdPruneBlocks, BeforeBlock: 5}

	stats := prunerStats(commands)
	if stats.BlocksPruned != 5 {
		t.Fatalf("pruned %d blocks, want 5", stats.BlocksPruned)
	}

	// Bodies and indices below the cutoff are gone; headers remain in full
	// mode.
	if has, _ := store.HasBlock(hash3); has {
		t.Fatal("pruned body still present")
	}
	if hash, _ := store.HashByNumber(3); !hash.IsZero() {
		t.Fatal("pruned index still present")
	}
	if header, _ := store.ReadHeader(hash3); header == nil {
		t.Fatal("full mode removed a header")
	}

	// Blocks at and above the cutoff survive.
	if block, _ := store.BlockByNumber(5); block == nil {
		t.Fatal("cutoff block pruned")
	}

	// Pruning released the pruned blocks' state references: the node for
	// account 1 appears in every block's set, so 5 of its 10 references are
	// gone, and the per-block node lists below the cutoff are deleted.
	state := NewMemoryStateDB()
	_ = state.SetAccount(addr(1), AccountWithBalance(1_000))
	nodes, err := state.Snapshot().AccountNodes()
	if err != nil || len(nodes) != 1 {
		t.Fatalf("derive node: %v", err)
	}
	refs, err := stateNodeRefCount(store.DB(), nodes[0].Hash[:])
	if err != nil || refs != 5 {
		t.Fatalf("refs = %d (%v), want 5", refs, err)
	}
	if list, _ := store.DB().Get(CFDefault, stateNodesKey(hash3)); list != nil {
		t.Fatal("pruned block kept its node list")
	}
}

func TestPruneBlocksLightModeRemovesHeaders(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	seedChain(t, store, 6)

	config := DefaultPruningConfig()
	config.Mode = PruneLight
	commands, stop := runPruner(t, config, store)
	defer stop()

	hash1, _ := store.HashByNumber(1)
	commands <- PruningCommand{Kind: CmdPruneBlocks, BeforeBlock: 4}
	_ = prunerStats(commands)

	if header, _ := store.ReadHeader(hash1); header != nil {
		t.Fatal("light mode kept a header")
	}
}

func TestPruneReceipts(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	seedChain(t, store, 6)

	commands, stop := runPruner(t, DefaultPruningConfig(), store)
	defer stop()

	hash2, _ := store.HashByNumber(2)
	commands <- PruningCommand{Kind: CmdPruneReceipts, BeforeBlock: 4}
	stats := prunerStats(commands)
	if stats.ReceiptsPruned != 4 {
		t.Fatalf("pruned %d receipt rows, want 4", stats.ReceiptsPruned)
	}
	if receipts, _ := store.ReadReceipts(hash2); receipts != nil {
		t.Fatal("pruned receipts still present")
	}
	// The block itself is untouched.
	if has, _ := store.HasBlock(hash2); !has {
		t.Fatal("receipt pruning removed a block")
	}
}

func TestPruneStateRespectsRefCounts(t *testing.T) {
	db := NewMemoryKVDB()
	store := NewChainStore(db)

	live := []byte("live-node")
	dead := []byte("dead-node")
	_ = db.Put(CFState, live, []byte("payload"))
	_ = db.Put(CFState, dead, []byte("payload"))
	if err := RefStateNode(db, live); err != nil {
		t.Fatalf("ref: %v", err)
	}

	commands, stop := runPruner(t, DefaultPruningConfig(), store)
	defer stop()

	commands <- PruningCommand{Kind: CmdPruneState, BeforeBlock: 100}
	stats := prunerStats(commands)
	if stats.StateEntriesPruned != 1 {
		t.Fatalf("pruned %d state entries, want 1", stats.StateEntriesPruned)
	}
	if value, _ := db.Get(CFState, live); value == nil {
		t.Fatal("referenced node pruned")
	}
	if value, _ := db.Get(CFState, dead); value != nil {
		t.Fatal("unreferenced node survived")
	}
}

func TestStateRefCounting(t *testing.T) {
	db := NewMemoryKVDB()
	node := []byte("node")

	_ = RefStateNode(db, node)
	_ = RefStateNode(db, node)

	refs, err := stateNodeRefCount(db, node)
	if err != nil || refs != 2 {
		t.Fatalf("refs = %d (%v), want 2", refs, err)
	}

	// Staged decrements land with the enclosing transaction and saturate at
	// zero.
	builder := NewTransactionBuilder()
	if err := stageStateRefDelta(builder, db, node, -1); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if refs, _ = stateNodeRefCount(db, node); refs != 2 {
		t.Fatal("staged delta visible before commit")
	}
	if err := builder.Execute(db); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if refs, _ = stateNodeRefCount(db, node); refs != 1 {
		t.Fatalf("refs = %d after decrement", refs)
	}

	builder = NewTransactionBuilder()
	_ = stageStateRefDelta(builder, db, node, -5)
	if err := builder.Execute(db); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if refs, _ = stateNodeRefCount(db, node); refs != 0 {
		t.Fatalf("refcount went negative: %d", refs)
	}
}
