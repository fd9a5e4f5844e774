package core

// chainstore.go – the persistence layer between the chain and the column
// families: blocks land as one atomic transaction spanning headers, bodies,
// receipts, the number index and the state nodes their root retains, and
// every reader resolves through the block hash. Each persisted node's
// reference count is bumped in the same transaction; the per-block node list
// lets the pruner release those references when the block goes.

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

// tipKey is the default-CF key tracking the canonical chain tip number.
var tipKey = []byte("chain/tip")

// ChainStore reads and writes chain data through the column families.
type ChainStore struct {
	db KeyValueDB
}

// NewChainStore wraps a chain database.
func NewChainStore(db KeyValueDB) *ChainStore {
	return &ChainStore{db: db}
}

// DB exposes the underlying database for the pruner and snapshot service.
func (s *ChainStore) DB() KeyValueDB { return s.db }

// WriteBlock persists the header, body, receipts, number index and the state
// nodes the block's root retains in one transaction, and advances the tip
// when the block extends it. Every node gets a reference-count bump and the
// block's node list is recorded so pruning can release the references.
func (s *ChainStore) WriteBlock(block *Block, receipts []*Receipt, stateNodes []StateNodeRecord) error {
	hash, err := block.HashBlock()
	if err != nil {
		return err
	}

	headerEnc, err := rlp.EncodeToBytes(&block.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	bodyEnc, err := rlp.EncodeToBytes(block)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}

	builder := NewTransactionBuilder()
	builder.Put(CFHeaders, hash[:], headerEnc)
	builder.Put(CFBlocks, hash[:], bodyEnc)
	builder.Put(CFIndices, BlockNumberKey(block.Header.Number), hash[:])

	if len(receipts) > 0 {
		receiptsEnc, err := rlp.EncodeToBytes(receipts)
		if err != nil {
			return fmt.Errorf("encode receipts: %w", err)
		}
		builder.Put(CFReceipts, hash[:], receiptsEnc)
	}

	if len(stateNodes) > 0 {
		nodeList := make([]byte, 0, len(stateNodes)*HashLength)
		for _, node := range stateNodes {
			builder.Put(CFState, node.Hash[:], node.Blob)
			if err := stageStateRefDelta(builder, s.db, node.Hash[:], 1); err != nil {
				return err
			}
			nodeList = append(nodeList, node.Hash[:]...)
		}
		builder.Put(CFDefault, stateNodesKey(hash), nodeList)
	}

	tip, err := s.TipNumber()
	if err != nil {
		return err
	}
	if block.Header.Number >= tip || block.Header.Number == 0 {
		builder.Put(CFDefault, tipKey, BlockNumberKey(block.Header.Number))
	}

	if err := builder.Execute(s.db); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"number": block.Header.Number,
		"hash":   hash,
		"txs":    len(block.Transactions),
	}).Info("block persisted")
	return nil
}

// ReadHeader loads a header by block hash; nil when absent.
func (s *ChainStore) ReadHeader(hash Hash) (*BlockHeader, error) {
	data, err := s.db.Get(CFHeaders, hash[:])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var header BlockHeader
	if err := rlp.DecodeBytes(data, &header); err != nil {
		return nil, fmt.Errorf("%w: header %s: %v", ErrInvalidData, hash, err)
	}
	return &header, nil
}

// ReadBlock loads a full block by hash; nil when absent.
func (s *ChainStore) ReadBlock(hash Hash) (*Block, error) {
	data, err := s.db.Get(CFBlocks, hash[:])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var block Block
	if err := rlp.DecodeBytes(data, &block); err != nil {
		return nil, fmt.Errorf("%w: block %s: %v", ErrInvalidData, hash, err)
	}
	return &block, nil
}

// ReadReceipts loads the receipt list for a block hash; nil when absent.
func (s *ChainStore) ReadReceipts(hash Hash) ([]*Receipt, error) {
	data, err := s.db.Get(CFReceipts, hash[:])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var receipts []*Receipt
	if err := rlp.DecodeBytes(data, &receipts); err != nil {
		return nil, fmt.Errorf("%w: receipts %s: %v", ErrInvalidData, hash, err)
	}
	return receipts, nil
}

// HashByNumber resolves a block number through the indices family; the zero
// hash means absent.
func (s *ChainStore) HashByNumber(number uint64) (Hash, error) {
	data, err := s.db.Get(CFIndices, BlockNumberKey(number))
	if err != nil {
		return Hash{}, err
	}
	if data == nil {
		return Hash{}, nil
	}
	if len(data) != HashLength {
		return Hash{}, fmt.Errorf("%w: index entry for %d has %d bytes", ErrInvalidData, number, len(data))
	}
	return HashFromSlice(data), nil
}

// HeaderByNumber loads a header through the number index; nil when absent.
func (s *ChainStore) HeaderByNumber(number uint64) (*BlockHeader, error) {
	hash, err := s.HashByNumber(number)
	if err != nil || hash.IsZero() {
		return nil, err
	}
	return s.ReadHeader(hash)
}

// BlockByNumber loads a block through the number index; nil when absent.
func (s *ChainStore) BlockByNumber(number uint64) (*Block, error) {
	hash, err := s.HashByNumber(number)
	if err != nil || hash.IsZero() {
		return nil, err
	}
	return s.ReadBlock(hash)
}

// HasBlock reports whether the block body is stored.
func (s *ChainStore) HasBlock(hash Hash) (bool, error) {
	return s.db.Exists(CFBlocks, hash[:])
}

// TipNumber returns the canonical tip height; zero when the chain is empty.
func (s *ChainStore) TipNumber() (uint64, error) {
	data, err := s.db.Get(CFDefault, tipKey)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}
	return BlockNumberFromKey(data)
}

// WriteStateNode stores a content-addressed state node; nodes are immutable
// once written, so rewriting an existing key is harmless.
func (s *ChainStore) WriteStateNode(hash Hash, node []byte) error {
	return s.db.Put(CFState, hash[:], node)
}

// ReadStateNode loads a content-addressed state node; nil when absent.
func (s *ChainStore) ReadStateNode(hash Hash) ([]byte, error) {
	return s.db.Get(CFState, hash[:])
}
