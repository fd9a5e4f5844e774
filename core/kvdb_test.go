package core

import (
	"bytes"
	"testing"
)

func TestKVBasicOperations(t *testing.T) {
	db := NewMemoryKVDB()

	if err := db.Put(CFHeaders, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := db.Get(CFHeaders, []byte("k1"))
	if err != nil || string(value) != "v1" {
		t.Fatalf("get: %q %v", value, err)
	}

	// Families are isolated keyspaces.
	if value, _ := db.Get(CFBlocks, []byte("k1")); value != nil {
		t.Fatal("key leaked across families")
	}

	exists, _ := db.Exists(CFHeaders, []byte("k1"))
	if !exists {
		t.Fatal("exists missed the key")
	}
	if err := db.Delete(CFHeaders, []byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if value, _ := db.Get(CFHeaders, []byte("k1")); value != nil {
		t.Fatal("deleted key still readable")
	}

	if _, err := db.Get(ColumnFamily("bogus"), []byte("k")); err == nil {
		t.Fatal("unknown family accepted")
	}
}

func TestKVTransactionAtomicity(t *testing.T) {
	db := NewMemoryKVDB()
	_ = db.Put(CFDefault, []byte("existing"), []byte("old"))

	tx := db.Transaction()
	if err := tx.Put(CFDefault, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("tx put: %v", err)
	}
	if err := tx.Put(CFBlocks, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("tx put: %v", err)
	}
	if err := tx.Delete(CFDefault, []byte("existing")); err != nil {
		t.Fatalf("tx delete: %v", err)
	}

	// Buffered writes are visible inside the transaction...
	if value, _ := tx.Get(CFDefault, []byte("a")); string(value) != "1" {
		t.Fatal("tx does not read its own write")
	}
	if value, _ := tx.Get(CFDefault, []byte("existing")); value != nil {
		t.Fatal("tx does not see its own delete")
	}
	// ...but not outside until commit.
	if value, _ := db.Get(CFDefault, []byte("a")); value != nil {
		t.Fatal("uncommitted write visible")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if value, _ := db.Get(CFDefault, []byte("a")); string(value) != "1" {
		t.Fatal("committed write missing")
	}
	if value, _ := db.Get(CFBlocks, []byte("b")); string(value) != "2" {
		t.Fatal("cross-family committed write missing")
	}
	if value, _ := db.Get(CFDefault, []byte("existing")); value != nil {
		t.Fatal("committed delete missing")
	}

	if err := tx.Commit(); err == nil {
		t.Fatal("double commit accepted")
	}
}

func TestKVTransactionRollback(t *testing.T) {
	db := NewMemoryKVDB()
	_ = db.Put(CFDefault, []byte("keep"), []byte("v"))

	tx := db.Transaction()
	_ = tx.Put(CFDefault, []byte("gone"), []byte("x"))
	_ = tx.Delete(CFDefault, []byte("keep"))
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if value, _ := db.Get(CFDefault, []byte("gone")); value != nil {
		t.Fatal("rolled-back write visible")
	}
	if value, _ := db.Get(CFDefault, []byte("keep")); string(value) != "v" {
		t.Fatal("rollback lost existing data")
	}
}

func TestKVSnapshotConsistency(t *testing.T) {
	db := NewMemoryKVDB()
	_ = db.Put(CFState, []byte("n1"), []byte("v1"))

	snap := db.Snapshot()
	_ = db.Put(CFState, []byte("n2"), []byte("v2"))
	_ = db.Delete(CFState, []byte("n1"))

	value, err := snap.Get(CFState, []byte("n1"))
	if err != nil || string(value) != "v1" {
		t.Fatalf("snapshot lost pre-existing key: %q %v", value, err)
	}
	if value, _ := snap.Get(CFState, []byte("n2")); value != nil {
		t.Fatal("snapshot sees later write")
	}
}

func TestKVPrefixIteration(t *testing.T) {
	db := NewMemoryKVDB()
	_ = db.Put(CFDefault, []byte("app/a"), []byte("1"))
	_ = db.Put(CFDefault, []byte("app/b"), []byte("2"))
	_ = db.Put(CFDefault, []byte("other"), []byte("3"))

	it, err := db.IterPrefix(CFDefault, []byte("app/"))
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	var keys [][]byte
	for it.Next() {
		keys = append(keys, it.Key())
	}
	if len(keys) != 2 {
		t.Fatalf("prefix matched %d keys", len(keys))
	}
	if !bytes.Equal(keys[0], []byte("app/a")) || !bytes.Equal(keys[1], []byte("app/b")) {
		t.Fatalf("keys out of order: %q %q", keys[0], keys[1])
	}
}

func TestKVStats(t *testing.T) {
	db := NewMemoryKVDB()
	_ = db.Put(CFBlocks, []byte("k"), []byte("value"))

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.NumKeys != 1 {
		t.Fatalf("num keys %d", stats.NumKeys)
	}
	if stats.Families[CFBlocks].Size != uint64(len("k")+len("value")) {
		t.Fatalf("blocks size %d", stats.Families[CFBlocks].Size)
	}
	if len(stats.Tuning) != 6 {
		t.Fatalf("tuning for %d families", len(stats.Tuning))
	}
	if stats.Tuning[CFState].Compression != CompressionZstd {
		t.Fatal("state family not zstd")
	}
}

func TestTransactionBuilder(t *testing.T) {
	db := NewMemoryKVDB()
	_ = db.Put(CFDefault, []byte("victim"), []byte("x"))

	builder := NewTransactionBuilder()
	if !builder.IsEmpty() {
		t.Fatal("fresh builder not empty")
	}
	// Empty builder is a no-op.
	if err := builder.Execute(db); err != nil {
		t.Fatalf("empty execute: %v", err)
	}

	builder.Put(CFDefault, []byte("a"), []byte("1")).
		Put(CFHeaders, []byte("h"), []byte("2"))
	builder.Delete(CFDefault, []byte("victim"))
	if builder.Len() != 3 {
		t.Fatalf("len %d", builder.Len())
	}
	if err := builder.Execute(db); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if value, _ := db.Get(CFDefault, []byte("a")); string(value) != "1" {
		t.Fatal("builder put missing")
	}
	if value, _ := db.Get(CFDefault, []byte("victim")); value != nil {
		t.Fatal("builder delete missing")
	}
}

func TestColumnFamilyNames(t *testing.T) {
	all := AllColumnFamilies()
	if len(all) != 6 {
		t.Fatalf("%d families", len(all))
	}
	for _, cf := range all {
		resolved, ok := ColumnFamilyFromName(cf.String())
		if !ok || resolved != cf {
			t.Fatalf("name roundtrip failed for %s", cf)
		}
	}
	if _, ok := ColumnFamilyFromName("invalid"); ok {
		t.Fatal("unknown name resolved")
	}
}
