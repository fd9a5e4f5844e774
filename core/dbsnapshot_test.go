package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func runSnapshotService(t *testing.T, config SnapshotConfig, store *ChainStore) (chan<- SnapshotCommand, func()) {
	t.Helper()
	service := NewSnapshotService(config, store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = service.Run(ctx)
	}()
	stop := func() {
		reply := make(chan SnapshotResult, 1)
		service.Commands() <- SnapshotCommand{Kind: SnapShutdown, Reply: reply}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cancel()
			<-done
		}
		cancel()
	}
	return service.Commands(), stop
}

func createSnapshot(t *testing.T, commands chan<- SnapshotCommand, block uint64) *ChainSnapshot {
	t.Helper()
	reply := make(chan SnapshotResult, 1)
	commands <- SnapshotCommand{Kind: SnapCreate, BlockNumber: block, Reply: reply}
	result := <-reply
	if result.Err != nil {
		t.Fatalf("create: %v", result.Err)
	}
	return result.Snapshot
}

func TestSnapshotCreateLayout(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	seedChain(t, store, 4)

	config := SnapshotConfig{SnapshotDir: t.TempDir(), Compress: false}
	commands, stop := runSnapshotService(t, config, store)
	defer stop()

	snap := createSnapshot(t, commands, 3)

	for _, name := range []string{"headers.dat", "blocks.dat", "receipts.dat", "state.dat", "metadata.json"} {
		info, err := os.Stat(filepath.Join(snap.Path, name))
		if err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		// The seeded chain committed real state, so even state.dat carries
		// records.
		if name != "metadata.json" && info.Size() == 0 {
			t.Fatalf("%s is empty", name)
		}
	}

	meta := snap.Metadata
	if meta.Version != 1 || meta.BlockNumber != 3 || meta.Chunks != 4 {
		t.Fatalf("metadata %+v", meta)
	}
	if meta.Compression != "none" {
		t.Fatalf("compression %s", meta.Compression)
	}
	wantHash, _ := store.HashByNumber(3)
	if meta.BlockHash != wantHash.Hex() {
		t.Fatalf("block hash %s", meta.BlockHash)
	}

	// metadata.json is well-formed on disk.
	raw, err := os.ReadFile(filepath.Join(snap.Path, "metadata.json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var onDisk SnapshotMetadata
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if onDisk.Checksum != meta.Checksum {
		t.Fatal("checksum mismatch between result and disk")
	}
}

func TestSnapshotImportRoundTrip(t *testing.T) {
	source := NewChainStore(NewMemoryKVDB())
	seedChain(t, source, 5)

	dir := t.TempDir()
	commands, stop := runSnapshotService(t, SnapshotConfig{SnapshotDir: dir, Compress: true}, source)
	snap := createSnapshot(t, commands, 4)
	stop()

	// Replay into an empty database.
	target := NewChainStore(NewMemoryKVDB())
	targetCommands, stopTarget := runSnapshotService(t, SnapshotConfig{SnapshotDir: dir, Compress: true}, target)
	defer stopTarget()

	reply := make(chan SnapshotResult, 1)
	targetCommands <- SnapshotCommand{Kind: SnapImport, Path: snap.Path, Reply: reply}
	if result := <-reply; result.Err != nil {
		t.Fatalf("import: %v", result.Err)
	}

	for number := uint64(0); number <= 4; number++ {
		sourceHash, _ := source.HashByNumber(number)
		targetHash, err := target.HashByNumber(number)
		if err != nil || targetHash != sourceHash {
			t.Fatalf("block %d index: %s vs %s", number, targetHash, sourceHash)
		}
		block, err := target.ReadBlock(targetHash)
		if err != nil || block == nil {
			t.Fatalf("block %d missing after import", number)
		}
		receipts, _ := target.ReadReceipts(targetHash)
		if receipts == nil {
			t.Fatalf("receipts %d missing after import", number)
		}
	}
	// Every state node of the source chain arrives intact and pinned.
	it, err := source.DB().Iter(CFState)
	if err != nil {
		t.Fatalf("iterate source state: %v", err)
	}
	var nodes int
	for it.Next() {
		nodes++
		blob, err := target.ReadStateNode(HashFromSlice(it.Key()))
		if err != nil || string(blob) != string(it.Value()) {
			t.Fatalf("state node %x lost in import: %v", it.Key(), err)
		}
		refs, err := stateNodeRefCount(target.DB(), it.Key())
		if err != nil || refs == 0 {
			t.Fatalf("imported node %x unpinned (refs %d, %v)", it.Key(), refs, err)
		}
	}
	if nodes == 0 {
		t.Fatal("source chain exported no state nodes")
	}
}

func TestSnapshotImportRejectsCorruption(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	seedChain(t, store, 3)

	dir := t.TempDir()
	commands, stop := runSnapshotService(t, SnapshotConfig{SnapshotDir: dir, Compress: false}, store)
	defer stop()

	snap := createSnapshot(t, commands, 2)

	// Flip a byte in a data file; the checksum must catch it.
	headersPath := filepath.Join(snap.Path, "headers.dat")
	data, err := os.ReadFile(headersPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(headersPath, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := make(chan SnapshotResult, 1)
	commands <- SnapshotCommand{Kind: SnapImport, Path: snap.Path, Reply: reply}
	if result := <-reply; result.Err == nil {
		t.Fatal("corrupted snapshot imported")
	}
}

func TestSnapshotList(t *testing.T) {
	store := NewChainStore(NewMemoryKVDB())
	seedChain(t, store, 4)

	commands, stop := runSnapshotService(t, SnapshotConfig{SnapshotDir: t.TempDir(), Compress: false}, store)
	defer stop()

	createSnapshot(t, commands, 3)
	createSnapshot(t, commands, 1)

	reply := make(chan SnapshotResult, 1)
	commands <- SnapshotCommand{Kind: SnapList, Reply: reply}
	result := <-reply
	if result.Err != nil {
		t.Fatalf("list: %v", result.Err)
	}
	if len(result.Snapshots) != 2 {
		t.Fatalf("%d snapshots listed", len(result.Snapshots))
	}
	// Sorted by block number.
	if result.Snapshots[0].BlockNumber != 1 || result.Snapshots[1].BlockNumber != 3 {
		t.Fatalf("order: %d, %d", result.Snapshots[0].BlockNumber, result.Snapshots[1].BlockNumber)
	}
}
