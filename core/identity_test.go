package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIdentitySaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node_key")

	original, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := original.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PeerID() != original.PeerID() {
		t.Fatal("peer id changed through keystore roundtrip")
	}
}

func TestLoadOrGenerateCreatesOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key")

	first, err := LoadOrGenerateIdentity(path)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("keystore not created: %v", err)
	}

	second, err := LoadOrGenerateIdentity(path)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.PeerID() != second.PeerID() {
		t.Fatal("identity not stable across runs")
	}
}

func TestLoadIdentityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key")
	if err := os.WriteFile(path, []byte("not a keypair"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadIdentity(path); err == nil {
		t.Fatal("garbage keystore accepted")
	}
}
