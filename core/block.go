package core

// block.go – block headers, bodies and receipts. Header hashes are Keccak-256
// over the RLP encoding of every field. Timestamps are seconds since the Unix
// epoch throughout; the slot loop depends on it.

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// DefaultBlockGasLimit is the gas ceiling written into skeletal headers until
// governance adjusts it.
const DefaultBlockGasLimit uint64 = 8_000_000

// BlockHeader carries the chain linkage and execution roots for one block.
// Difficulty is repurposed as authority info and Nonce as the producing slot.
type BlockHeader struct {
	ParentHash       Hash   `json:"parent_hash"`
	Number           uint64 `json:"number"`
	StateRoot        Hash   `json:"state_root"`
	TransactionsRoot Hash   `json:"transactions_root"`
	ReceiptsRoot     Hash   `json:"receipts_root"`
	Difficulty       uint64 `json:"difficulty"`
	Timestamp        uint64 `json:"timestamp"` // unix seconds
	ExtraData        []byte `json:"extra_data"`
	Nonce            uint64 `json:"nonce"` // slot for PoA blocks
	GasLimit         uint64 `json:"gas_limit"`
	GasUsed          uint64 `json:"gas_used"`
}

// HashHeader returns the Keccak-256 digest of the RLP-encoded header.
func (h *BlockHeader) HashHeader() (Hash, error) {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		return Hash{}, fmt.Errorf("encode header: %w", err)
	}
	return HashFromSlice(crypto.Keccak256(enc)), nil
}

// GenesisHeader returns the canonical block-zero header.
func GenesisHeader() *BlockHeader {
	return &BlockHeader{
		ParentHash: Hash{},
		Number:     0,
		Difficulty: 1,
		Timestamp:  0,
		ExtraData:  []byte("Helios Genesis Block"),
		GasLimit:   DefaultBlockGasLimit,
	}
}

// Log is an event record emitted during execution.
type Log struct {
	Address Address `json:"address"`
	Topics  []Hash  `json:"topics"`
	Data    []byte  `json:"data"`
}

// Receipt summarises the execution of one transaction inside a block.
type Receipt struct {
	TransactionHash  Hash     `json:"transaction_hash"`
	TransactionIndex uint64   `json:"transaction_index"`
	BlockHash        Hash     `json:"block_hash"`
	BlockNumber      uint64   `json:"block_number"`
	From             Address  `json:"from"`
	To               *Address `json:"to,omitempty" rlp:"nil"`
	GasUsed          uint64   `json:"gas_used"`
	Status           uint8    `json:"status"` // 1 success, 0 failure
	ContractAddress  *Address `json:"contract_address,omitempty" rlp:"nil"`
	Logs             []Log    `json:"logs"`
}

// Block is a header plus its ordered transactions.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// NewBlock assembles a block from a header and transaction list.
func NewBlock(header BlockHeader, txs []*Transaction) *Block {
	return &Block{Header: header, Transactions: txs}
}

// GenesisBlock returns the empty block-zero.
func GenesisBlock() *Block {
	return &Block{Header: *GenesisHeader()}
}

// HashBlock returns the block hash, which is the header hash.
func (b *Block) HashBlock() (Hash, error) {
	return b.Header.HashHeader()
}

// IsGenesis reports whether the block sits at height zero with no parent.
func (b *Block) IsGenesis() bool {
	return b.Header.Number == 0 && b.Header.ParentHash.IsZero()
}

// CalculateTransactionsRoot digests the ordered transaction hashes. An empty
// block has the zero root.
func (b *Block) CalculateTransactionsRoot() (Hash, error) {
	if len(b.Transactions) == 0 {
		return Hash{}, nil
	}
	hasher := crypto.NewKeccakState()
	for _, tx := range b.Transactions {
		txHash, err := tx.HashTx()
		if err != nil {
			return Hash{}, err
		}
		hasher.Write(txHash[:])
	}
	var root Hash
	hasher.Read(root[:])
	return root, nil
}

// Validate checks the transactions root and every transaction signature. The
// genesis block skips signature checks since it carries none.
func (b *Block) Validate() error {
	root, err := b.CalculateTransactionsRoot()
	if err != nil {
		return err
	}
	if root != b.Header.TransactionsRoot {
		return fmt.Errorf("%w: transactions root mismatch, header %s computed %s",
			ErrInvalidBlock, b.Header.TransactionsRoot, root)
	}
	for i, tx := range b.Transactions {
		if err := tx.VerifySig(); err != nil {
			return fmt.Errorf("%w: transaction %d: %v", ErrInvalidBlock, i, err)
		}
	}
	return nil
}

// GetTransaction returns the transaction with the given hash, or nil.
func (b *Block) GetTransaction(hash Hash) (*Transaction, error) {
	for _, tx := range b.Transactions {
		txHash, err := tx.HashTx()
		if err != nil {
			return nil, err
		}
		if txHash == hash {
			return tx, nil
		}
	}
	return nil, nil
}

// CalculateReceiptsRoot digests the RLP encoding of the receipt list; empty
// input yields the zero root.
func CalculateReceiptsRoot(receipts []*Receipt) (Hash, error) {
	if len(receipts) == 0 {
		return Hash{}, nil
	}
	enc, err := rlp.EncodeToBytes(receipts)
	if err != nil {
		return Hash{}, fmt.Errorf("encode receipts: %w", err)
	}
	return HashFromSlice(crypto.Keccak256(enc)), nil
}
