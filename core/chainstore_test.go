package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

func storedBlock(t *testing.T, number uint64, txCount int) *Block {
	t.Helper()
	header := BlockHeader{
		Number:     number,
		Difficulty: 1,
		Timestamp:  1_000_000 + number*3,
		Nonce:      number,
		GasLimit:   DefaultBlockGasLimit,
	}
	var txs []*Transaction
	for i := 0; i < txCount; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("keygen: %v", err)
		}
		tx := NewTransfer(0, addr(2), uint256.NewInt(uint64(i+1)), uint256.NewInt(1), 21_000)
		if err := tx.Sign(key); err != nil {
			t.Fatalf("sign: %v", err)
		}
		txs = append(txs, tx)
	}
	block := NewBlock(header, txs)
	root, err := block.CalculateTransactionsRoot()
	if err != nil {
		t.Fatalf("tx root: %v", err)
	}
	block.Header.TransactionsRoot = root
	return block
}

func TestWriteBlockRoundTrip(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())

	state := NewMemoryStateDB()
	if err := state.SetAccount(addr(1), AccountWithBalance(1_000)); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	nodes, err := state.Snapshot().AccountNodes()
	if err != nil {
		t.Fatalf("derive nodes: %v", err)
	}

	block := storedBlock(t, 1, 2)
	block.Header.StateRoot = state.StateRoot()
	hash, _ := block.HashBlock()

	receipts := []*Receipt{{
		BlockHash:   hash,
		BlockNumber: 1,
		GasUsed:     21_000,
		Status:      1,
	}}
	if err := store.WriteBlock(block, receipts, nodes); err != nil {
		t.Fatalf("write: %v", err)
	}

	header, err := store.ReadHeader(hash)
	if err != nil || header == nil {
		t.Fatalf("read header: %v %v", header, err)
	}
	if header.Number != 1 || header.TransactionsRoot != block.Header.TransactionsRoot {
		t.Fatalf("header mismatch: %+v", header)
	}

	loaded, err := store.ReadBlock(hash)
	if err != nil || loaded == nil {
		t.Fatalf("read block: %v %v", loaded, err)
	}
	if len(loaded.Transactions) != 2 {
		t.Fatalf("%d transactions", len(loaded.Transactions))
	}
	loadedHash, _ := loaded.HashBlock()
	if loadedHash != hash {
		t.Fatal("block hash changed through storage")
	}

	list, err := store.ReadReceipts(hash)
	if err != nil || len(list) != 1 || list[0].GasUsed != 21_000 {
		t.Fatalf("receipts: %+v %v", list, err)
	}

	indexed, err := store.HashByNumber(1)
	if err != nil || indexed != hash {
		t.Fatalf("index lookup: %s %v", indexed, err)
	}
	byNumber, _ := store.BlockByNumber(1)
	if byNumber == nil {
		t.Fatal("block by number missing")
	}
	has, _ := store.HasBlock(hash)
	if !has {
		t.Fatal("has block false")
	}

	// The block's state nodes landed in the same transaction, with one
	// reference each and the per-block node list recorded.
	for _, node := range nodes {
		blob, err := store.ReadStateNode(node.Hash)
		if err != nil || blob == nil {
			t.Fatalf("state node missing: %v", err)
		}
		refs, err := stateNodeRefCount(store.DB(), node.Hash[:])
		if err != nil || refs != 1 {
			t.Fatalf("refs = %d (%v), want 1", refs, err)
		}
	}
	nodeListBytes, err := store.DB().Get(CFDefault, stateNodesKey(hash))
	if err != nil || len(nodeListBytes) != len(nodes)*HashLength {
		t.Fatalf("node list %d bytes (%v)", len(nodeListBytes), err)
	}
}

func TestTipTracking(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	tip, err := store.TipNumber()
	if err != nil || tip != 0 {
		t.Fatalf("empty tip: %d %v", tip, err)
	}

	for number := uint64(0); number <= 3; number++ {
		if err := store.WriteBlock(storedBlock(t, number, 0), nil, nil); err != nil {
			t.Fatalf("write %d: %v", number, err)
		}
	}
	tip, _ = store.TipNumber()
	if tip != 3 {
		t.Fatalf("tip %d, want 3", tip)
	}
}

func TestMissingLookups(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	var missing Hash
	missing[0] = 0xaa

	if header, err := store.ReadHeader(missing); err != nil || header != nil {
		t.Fatalf("missing header: %v %v", header, err)
	}
	if block, err := store.ReadBlock(missing); err != nil || block != nil {
		t.Fatalf("missing block: %v %v", block, err)
	}
	if hash, err := store.HashByNumber(99); err != nil || !hash.IsZero() {
		t.Fatalf("missing index: %s %v", hash, err)
	}
}

func TestStateNodeRoundTrip(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	node := []byte("trie node payload")
	hash := HashFromSlice(crypto.Keccak256(node))

	if err := store.WriteStateNode(hash, node); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := store.ReadStateNode(hash)
	if err != nil || string(got) != string(node) {
		t.Fatalf("read: %q %v", got, err)
	}
}
