package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

func TestGenesisBlockShape(t *testing.T) {
	genesis := GenesisBlock()
	if genesis.Header.Number != 0 || !genesis.Header.ParentHash.IsZero() {
		t.Fatalf("genesis header %+v", genesis.Header)
	}
	if len(genesis.Transactions) != 0 {
		t.Fatal("genesis carries transactions")
	}
	if !genesis.IsGenesis() {
		t.Fatal("genesis not recognised")
	}
}

func TestHeaderHashDeterministic(t *testing.T) {
	header := BlockHeader{
		Number:     1,
		Difficulty: 1000,
		Timestamp:  1_234_567_890,
		ExtraData:  []byte{1, 2, 3},
		Nonce:      42,
		GasLimit:   DefaultBlockGasLimit,
	}
	h1, err := header.HashHeader()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := header.HashHeader()
	if h1 != h2 {
		t.Fatal("header hash not deterministic")
	}

	// Every field participates in the digest.
	changed := header
	changed.Nonce = 43
	h3, _ := changed.HashHeader()
	if h1 == h3 {
		t.Fatal("nonce change did not move the hash")
	}
}

func TestTransactionsRoot(t *testing.T) {
	block := GenesisBlock()
	root, err := block.CalculateTransactionsRoot()
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if !root.IsZero() {
		t.Fatal("empty block has non-zero tx root")
	}

	key, _ := crypto.GenerateKey()
	tx := NewTransfer(1, testRecipient(), uint256.NewInt(1000), uint256.NewInt(1), 21_000)
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	block.Transactions = append(block.Transactions, tx)

	root, _ = block.CalculateTransactionsRoot()
	if root.IsZero() {
		t.Fatal("non-empty block has zero tx root")
	}
}

func TestBlockValidate(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tx := NewTransfer(0, testRecipient(), uint256.NewInt(5), uint256.NewInt(1), 21_000)
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	block := NewBlock(BlockHeader{Number: 1, Difficulty: 1, GasLimit: 1}, []*Transaction{tx})
	root, _ := block.CalculateTransactionsRoot()
	block.Header.TransactionsRoot = root

	if err := block.Validate(); err != nil {
		t.Fatalf("valid block rejected: %v", err)
	}

	// A wrong root fails.
	block.Header.TransactionsRoot[0] ^= 0xff
	if err := block.Validate(); err == nil {
		t.Fatal("root mismatch accepted")
	}
	block.Header.TransactionsRoot[0] ^= 0xff

	// An unsigned transaction fails.
	block.Transactions = append(block.Transactions, NewTransfer(1, testRecipient(), uint256.NewInt(1), uint256.NewInt(1), 21_000))
	root, _ = block.CalculateTransactionsRoot()
	block.Header.TransactionsRoot = root
	if err := block.Validate(); err == nil {
		t.Fatal("unsigned transaction accepted")
	}
}

func TestGetTransactionByHash(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tx := NewTransfer(0, testRecipient(), uint256.NewInt(5), uint256.NewInt(1), 21_000)
	_ = tx.Sign(key)
	block := NewBlock(BlockHeader{Number: 1, Difficulty: 1, GasLimit: 1}, []*Transaction{tx})

	hash, _ := tx.HashTx()
	found, err := block.GetTransaction(hash)
	if err != nil || found == nil {
		t.Fatalf("lookup: %v %v", found, err)
	}
	var missing Hash
	missing[0] = 1
	found, _ = block.GetTransaction(missing)
	if found != nil {
		t.Fatal("missing hash matched")
	}
}

func TestReceiptsRoot(t *testing.T) {
	root, err := CalculateReceiptsRoot(nil)
	if err != nil || !root.IsZero() {
		t.Fatalf("empty receipts root %s %v", root, err)
	}
	receipts := []*Receipt{{BlockNumber: 1, GasUsed: 21_000, Status: 1}}
	root, err = CalculateReceiptsRoot(receipts)
	if err != nil || root.IsZero() {
		t.Fatalf("receipts root %s %v", root, err)
	}
}
