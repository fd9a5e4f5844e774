package core

// state.go – the versioned account state store. Snapshots are deep copies so
// estimation and speculative proposal execution can fork without touching the
// canonical maps; the root digest is address-sorted and deterministic.

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"
)

// StateDB is the capability set every state backend provides.
type StateDB interface {
	GetAccount(addr Address) (*Account, error)
	SetAccount(addr Address, account *Account) error
	DeleteAccount(addr Address) error
	GetStorage(addr Address, key Hash) ([]byte, error)
	SetStorage(addr Address, key Hash, value []byte) error
	GetCode(addr Address) ([]byte, error)
	SetCode(addr Address, code []byte) error
	ApplyChanges(changes *AccountChanges) error
	StateRoot() Hash
	Snapshot() *StateSnapshot
}

// MemoryStateDB keeps the full account state in memory.
type MemoryStateDB struct {
	accounts map[Address]*Account
	storage  map[Address]map[Hash][]byte
	code     map[Address][]byte
	root     Hash
}

// NewMemoryStateDB returns an empty state.
func NewMemoryStateDB() *MemoryStateDB {
	return &MemoryStateDB{
		accounts: make(map[Address]*Account),
		storage:  make(map[Address]map[Hash][]byte),
		code:     make(map[Address][]byte),
	}
}

// MemoryStateDBWithAccounts seeds a state from an account map, e.g. a genesis
// allocation.
func MemoryStateDBWithAccounts(accounts map[Address]*Account) *MemoryStateDB {
	db := NewMemoryStateDB()
	for addr, account := range accounts {
		db.accounts[addr] = account.Clone()
	}
	db.updateStateRoot()
	return db
}

// updateStateRoot recomputes the digest over every account in address order,
// mixing in nonce, balance, code hash and storage root. A Merkle-Patricia trie
// would allow incremental proofs; the digest here only promises determinism
// and collision resistance.
func (db *MemoryStateDB) updateStateRoot() {
	addrs := make([]Address, 0, len(db.accounts))
	for addr := range db.accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return string(addrs[i][:]) < string(addrs[j][:])
	})

	hasher := blake3.New(32, nil)
	var scratch [8]byte
	for _, addr := range addrs {
		account := db.accounts[addr]
		hasher.Write(addr[:])
		putUint64LE(scratch[:], account.Nonce)
		hasher.Write(scratch[:])
		balance := account.Balance.Bytes32()
		hasher.Write(balance[:])
		hasher.Write(account.CodeHash[:])
		hasher.Write(account.StorageRoot[:])
	}
	copy(db.root[:], hasher.Sum(nil))
}

func putUint64LE(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

// GetAccount returns a copy of the account, or nil when absent.
func (db *MemoryStateDB) GetAccount(addr Address) (*Account, error) {
	account, ok := db.accounts[addr]
	if !ok {
		return nil, nil
	}
	return account.Clone(), nil
}

// SetAccount stores the account; empty accounts are removed instead.
func (db *MemoryStateDB) SetAccount(addr Address, account *Account) error {
	if account.IsEmpty() {
		delete(db.accounts, addr)
	} else {
		db.accounts[addr] = account.Clone()
	}
	db.updateStateRoot()
	return nil
}

// DeleteAccount drops the account together with its storage and code.
func (db *MemoryStateDB) DeleteAccount(addr Address) error {
	delete(db.accounts, addr)
	delete(db.storage, addr)
	delete(db.code, addr)
	db.updateStateRoot()
	return nil
}

// GetStorage returns the stored value, or nil when absent.
func (db *MemoryStateDB) GetStorage(addr Address, key Hash) ([]byte, error) {
	slot, ok := db.storage[addr]
	if !ok {
		return nil, nil
	}
	value, ok := slot[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

// SetStorage writes a storage value; an empty value removes the key and, when
// the submap drains, the address entry too.
func (db *MemoryStateDB) SetStorage(addr Address, key Hash, value []byte) error {
	slot, ok := db.storage[addr]
	if !ok {
		slot = make(map[Hash][]byte)
		db.storage[addr] = slot
	}
	if len(value) == 0 {
		delete(slot, key)
		if len(slot) == 0 {
			delete(db.storage, addr)
		}
	} else {
		slot[key] = append([]byte(nil), value...)
	}
	db.updateStateRoot()
	return nil
}

// GetCode returns the contract code, or nil when absent.
func (db *MemoryStateDB) GetCode(addr Address) ([]byte, error) {
	code, ok := db.code[addr]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), code...), nil
}

// SetCode writes contract code; empty code removes the entry.
func (db *MemoryStateDB) SetCode(addr Address, code []byte) error {
	if len(code) == 0 {
		delete(db.code, addr)
	} else {
		db.code[addr] = append([]byte(nil), code...)
	}
	db.updateStateRoot()
	return nil
}

// ApplyChanges applies a batched change set: account replacements, deletions,
// storage writes, code writes, in that order.
func (db *MemoryStateDB) ApplyChanges(changes *AccountChanges) error {
	for addr, account := range changes.Accounts {
		if err := db.SetAccount(addr, account); err != nil {
			return err
		}
	}
	for _, addr := range changes.Deleted {
		if err := db.DeleteAccount(addr); err != nil {
			return err
		}
	}
	for addr, storage := range changes.StorageChanges {
		for key, value := range storage {
			if err := db.SetStorage(addr, key, value); err != nil {
				return err
			}
		}
	}
	for addr, code := range changes.CodeChanges {
		if err := db.SetCode(addr, code); err != nil {
			return err
		}
	}
	return nil
}

// StateRoot returns the cached digest.
func (db *MemoryStateDB) StateRoot() Hash { return db.root }

// Snapshot captures the full state at this moment.
func (db *MemoryStateDB) Snapshot() *StateSnapshot {
	snap := &StateSnapshot{
		accounts: make(map[Address]*Account, len(db.accounts)),
		storage:  make(map[Address]map[Hash][]byte, len(db.storage)),
		code:     make(map[Address][]byte, len(db.code)),
		root:     db.root,
	}
	for addr, account := range db.accounts {
		snap.accounts[addr] = account.Clone()
	}
	for addr, slot := range db.storage {
		clone := make(map[Hash][]byte, len(slot))
		for key, value := range slot {
			clone[key] = append([]byte(nil), value...)
		}
		snap.storage[addr] = clone
	}
	for addr, code := range db.code {
		snap.code[addr] = append([]byte(nil), code...)
	}
	return snap
}

// StateSnapshot is an immutable point-in-time copy of the state.
type StateSnapshot struct {
	accounts map[Address]*Account
	storage  map[Address]map[Hash][]byte
	code     map[Address][]byte
	root     Hash
}

// Root returns the state root captured with the snapshot.
func (s *StateSnapshot) Root() Hash { return s.root }

// Fork materialises a new independent state preserving the snapshot contents.
// The fork's root equals the snapshot root exactly.
func (s *StateSnapshot) Fork() *MemoryStateDB {
	db := NewMemoryStateDB()
	for addr, account := range s.accounts {
		db.accounts[addr] = account.Clone()
	}
	for addr, slot := range s.storage {
		clone := make(map[Hash][]byte, len(slot))
		for key, value := range slot {
			clone[key] = append([]byte(nil), value...)
		}
		db.storage[addr] = clone
	}
	for addr, code := range s.code {
		db.code[addr] = append([]byte(nil), code...)
	}
	db.root = s.root
	return db
}

// StateNodeRecord is one content-addressed state node: Blob is the canonical
// encoding of an account's full state, Hash its Keccak-256 digest. CFState
// rows are immutable once written, so re-persisting an unchanged account is a
// rewrite of identical bytes.
type StateNodeRecord struct {
	Hash Hash
	Blob []byte
}

type storageEntry struct {
	Key   Hash
	Value []byte
}

// accountNode is the wire shape of one state node. The address is part of the
// blob so two accounts can never collapse onto one node.
type accountNode struct {
	Address     Address
	Nonce       uint64
	Balance     *uint256.Int
	CodeHash    Hash
	StorageRoot Hash
	Storage     []storageEntry
	Code        []byte
}

// AccountNodes flattens the snapshot into the content-addressed node set its
// state root retains: one node per account, with addresses and storage keys
// visited in sorted order so every peer derives identical blobs and hashes.
// These are the rows block persistence writes into the state column family.
func (s *StateSnapshot) AccountNodes() ([]StateNodeRecord, error) {
	addrs := make([]Address, 0, len(s.accounts))
	for addr := range s.accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return string(addrs[i][:]) < string(addrs[j][:])
	})

	records := make([]StateNodeRecord, 0, len(addrs))
	for _, addr := range addrs {
		account := s.accounts[addr]
		node := accountNode{
			Address:     addr,
			Nonce:       account.Nonce,
			Balance:     account.Balance,
			CodeHash:    account.CodeHash,
			StorageRoot: account.StorageRoot,
		}
		if slot, ok := s.storage[addr]; ok {
			keys := make([]Hash, 0, len(slot))
			for key := range slot {
				keys = append(keys, key)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })
			for _, key := range keys {
				node.Storage = append(node.Storage, storageEntry{Key: key, Value: slot[key]})
			}
		}
		if code, ok := s.code[addr]; ok {
			node.Code = code
		}

		blob, err := rlp.EncodeToBytes(&node)
		if err != nil {
			return nil, err
		}
		records = append(records, StateNodeRecord{
			Hash: HashFromSlice(crypto.Keccak256(blob)),
			Blob: blob,
		})
	}
	return records, nil
}

// Restore overwrites the target state with the snapshot contents.
func (s *StateSnapshot) Restore(db *MemoryStateDB) {
	forked := s.Fork()
	db.accounts = forked.accounts
	db.storage = forked.storage
	db.code = forked.code
	db.root = forked.root
}

//---------------------------------------------------------------------
// SharedStateDB
//---------------------------------------------------------------------

// SharedStateDB wraps a state behind a sync.RWMutex so concurrent read paths
// observe a consistent view while ApplyChanges holds exclusive access.
// Snapshots never see a partial change set. The lock does not prefer readers:
// once a writer is waiting, new readers block until it has finished.
type SharedStateDB struct {
	mu    sync.RWMutex
	inner StateDB
}

// NewSharedStateDB wraps an existing state.
func NewSharedStateDB(inner StateDB) *SharedStateDB {
	return &SharedStateDB{inner: inner}
}

// NewSharedMemoryStateDB wraps a fresh in-memory state.
func NewSharedMemoryStateDB() *SharedStateDB {
	return NewSharedStateDB(NewMemoryStateDB())
}

// GetAccount reads under the shared lock.
func (s *SharedStateDB) GetAccount(addr Address) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.GetAccount(addr)
}

// GetStorage reads under the shared lock.
func (s *SharedStateDB) GetStorage(addr Address, key Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.GetStorage(addr, key)
}

// GetCode reads under the shared lock.
func (s *SharedStateDB) GetCode(addr Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.GetCode(addr)
}

// ApplyChanges takes the exclusive lock so the batch lands atomically.
func (s *SharedStateDB) ApplyChanges(changes *AccountChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ApplyChanges(changes)
}

// Snapshot captures a consistent view.
func (s *SharedStateDB) Snapshot() *StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Snapshot()
}

// Fork snapshots and materialises an isolated copy for speculative execution.
func (s *SharedStateDB) Fork() *SharedStateDB {
	return NewSharedStateDB(s.Snapshot().Fork())
}

// AccountNodes derives the content-addressed node set of the current state
// under a consistent view.
func (s *SharedStateDB) AccountNodes() ([]StateNodeRecord, error) {
	return s.Snapshot().AccountNodes()
}

// StateRoot reads the digest under the shared lock.
func (s *SharedStateDB) StateRoot() Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.StateRoot()
}
