package core

// kvdb.go – the column-family-partitioned chain database. The interface is
// engine-agnostic; the in-memory engine below keeps one sorted-visible map
// per family and serves atomic transactions and point-in-time snapshot
// readers. The per-family tuning records from columns.go are retained in the
// stats surface so operators see the configured budget next to actual usage.

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// KVPair is one record surfaced by iteration.
type KVPair struct {
	Key   []byte
	Value []byte
}

// KVIterator walks records in ascending key order.
type KVIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

// KeyValueDB is the capability set of the chain database.
type KeyValueDB interface {
	Get(cf ColumnFamily, key []byte) ([]byte, error)
	Put(cf ColumnFamily, key, value []byte) error
	Delete(cf ColumnFamily, key []byte) error
	Exists(cf ColumnFamily, key []byte) (bool, error)
	Iter(cf ColumnFamily) (KVIterator, error)
	IterPrefix(cf ColumnFamily, prefix []byte) (KVIterator, error)
	Compact() error
	CompactRange(cf ColumnFamily, start, end []byte) error
	Flush() error
	Stats() (*DatabaseStats, error)
	Transaction() DbTx
	Snapshot() SnapshotReader
}

// DbTx buffers writes and commits them atomically; Rollback discards all.
type DbTx interface {
	Get(cf ColumnFamily, key []byte) ([]byte, error)
	Put(cf ColumnFamily, key, value []byte) error
	Delete(cf ColumnFamily, key []byte) error
	Commit() error
	Rollback() error
}

// SnapshotReader observes a consistent point-in-time view across families.
type SnapshotReader interface {
	Get(cf ColumnFamily, key []byte) ([]byte, error)
	Exists(cf ColumnFamily, key []byte) (bool, error)
	Iter(cf ColumnFamily) (KVIterator, error)
}

// DatabaseStats aggregates sizing information per family.
type DatabaseStats struct {
	TotalSize   uint64                               `json:"total_size"`
	NumKeys     uint64                               `json:"num_keys"`
	MemoryUsage uint64                               `json:"memory_usage"`
	Families    map[ColumnFamily]ColumnFamilyStats   `json:"families"`
	Tuning      map[ColumnFamily]ColumnFamilyConfig  `json:"tuning"`
}

// ColumnFamilyStats sizes one family.
type ColumnFamilyStats struct {
	Size    uint64 `json:"size"`
	NumKeys uint64 `json:"num_keys"`
}

//---------------------------------------------------------------------
// In-memory engine
//---------------------------------------------------------------------

// MemoryKVDB is the in-memory chain database engine.
type MemoryKVDB struct {
	mu       sync.RWMutex
	families map[ColumnFamily]map[string][]byte
	tuning   map[ColumnFamily]ColumnFamilyConfig
}

// NewMemoryKVDB opens an empty database with all six families and the tuned
// per-family configs.
func NewMemoryKVDB() *MemoryKVDB {
	families := make(map[ColumnFamily]map[string][]byte, 6)
	for _, cf := range AllColumnFamilies() {
		families[cf] = make(map[string][]byte)
	}
	return &MemoryKVDB{families: families, tuning: ColumnFamilyConfigs()}
}

func (db *MemoryKVDB) family(cf ColumnFamily) (map[string][]byte, error) {
	fam, ok := db.families[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, cf)
	}
	return fam, nil
}

// Get returns the value, or nil when the key is absent.
func (db *MemoryKVDB) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	fam, err := db.family(cf)
	if err != nil {
		return nil, err
	}
	value, ok := fam[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

// Put stores a value.
func (db *MemoryKVDB) Put(cf ColumnFamily, key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	fam, err := db.family(cf)
	if err != nil {
		return err
	}
	fam[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key; deleting an absent key is a no-op.
func (db *MemoryKVDB) Delete(cf ColumnFamily, key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	fam, err := db.family(cf)
	if err != nil {
		return err
	}
	delete(fam, string(key))
	return nil
}

// Exists reports key presence.
func (db *MemoryKVDB) Exists(cf ColumnFamily, key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	fam, err := db.family(cf)
	if err != nil {
		return false, err
	}
	_, ok := fam[string(key)]
	return ok, nil
}

func sortedPairs(fam map[string][]byte, prefix []byte) []KVPair {
	pairs := make([]KVPair, 0, len(fam))
	for key, value := range fam {
		if prefix != nil && !bytes.HasPrefix([]byte(key), prefix) {
			continue
		}
		pairs = append(pairs, KVPair{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].Key, pairs[j].Key) < 0
	})
	return pairs
}

// Iter walks the whole family in key order.
func (db *MemoryKVDB) Iter(cf ColumnFamily) (KVIterator, error) {
	return db.IterPrefix(cf, nil)
}

// IterPrefix walks keys sharing the prefix in key order.
func (db *MemoryKVDB) IterPrefix(cf ColumnFamily, prefix []byte) (KVIterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	fam, err := db.family(cf)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{pairs: sortedPairs(fam, prefix), index: -1}, nil
}

// Compact is a no-op for the memory engine; the tuning records exist for the
// on-disk engines behind the same interface.
func (db *MemoryKVDB) Compact() error {
	logrus.Debug("kvdb: compaction requested")
	return nil
}

// CompactRange is a no-op for the memory engine.
func (db *MemoryKVDB) CompactRange(cf ColumnFamily, start, end []byte) error {
	if _, ok := db.families[cf]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, cf)
	}
	return nil
}

// Flush is a no-op for the memory engine.
func (db *MemoryKVDB) Flush() error { return nil }

// Stats sizes every family.
func (db *MemoryKVDB) Stats() (*DatabaseStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	stats := &DatabaseStats{
		Families: make(map[ColumnFamily]ColumnFamilyStats, len(db.families)),
		Tuning:   db.tuning,
	}
	for cf, fam := range db.families {
		var size uint64
		for key, value := range fam {
			size += uint64(len(key) + len(value))
		}
		stats.Families[cf] = ColumnFamilyStats{Size: size, NumKeys: uint64(len(fam))}
		stats.TotalSize += size
		stats.NumKeys += uint64(len(fam))
	}
	stats.MemoryUsage = stats.TotalSize
	return stats, nil
}

// Transaction opens a buffered write transaction.
func (db *MemoryKVDB) Transaction() DbTx {
	return &memoryTx{db: db, writes: make(map[ColumnFamily]map[string]*[]byte)}
}

// Snapshot captures a consistent view across all families.
func (db *MemoryKVDB) Snapshot() SnapshotReader {
	db.mu.RLock()
	defer db.mu.RUnlock()
	families := make(map[ColumnFamily]map[string][]byte, len(db.families))
	for cf, fam := range db.families {
		clone := make(map[string][]byte, len(fam))
		for key, value := range fam {
			clone[key] = append([]byte(nil), value...)
		}
		families[cf] = clone
	}
	return &memorySnapshot{families: families}
}

//---------------------------------------------------------------------
// Iterator
//---------------------------------------------------------------------

type sliceIterator struct {
	pairs []KVPair
	index int
}

func (it *sliceIterator) Next() bool {
	it.index++
	return it.index < len(it.pairs)
}

func (it *sliceIterator) Key() []byte   { return it.pairs[it.index].Key }
func (it *sliceIterator) Value() []byte { return it.pairs[it.index].Value }
func (it *sliceIterator) Error() error  { return nil }

//---------------------------------------------------------------------
// Transaction
//---------------------------------------------------------------------

// memoryTx buffers writes per family; a nil value entry marks a deletion.
type memoryTx struct {
	db     *MemoryKVDB
	writes map[ColumnFamily]map[string]*[]byte
	closed bool
}

func (tx *memoryTx) slot(cf ColumnFamily) (map[string]*[]byte, error) {
	if _, ok := tx.db.families[cf]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, cf)
	}
	slot, ok := tx.writes[cf]
	if !ok {
		slot = make(map[string]*[]byte)
		tx.writes[cf] = slot
	}
	return slot, nil
}

// Get reads through the buffer first, then the database.
func (tx *memoryTx) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if slot, ok := tx.writes[cf]; ok {
		if value, staged := slot[string(key)]; staged {
			if value == nil {
				return nil, nil
			}
			return append([]byte(nil), *value...), nil
		}
	}
	return tx.db.Get(cf, key)
}

func (tx *memoryTx) Put(cf ColumnFamily, key, value []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	slot, err := tx.slot(cf)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), value...)
	slot[string(key)] = &buf
	return nil
}

func (tx *memoryTx) Delete(cf ColumnFamily, key []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	slot, err := tx.slot(cf)
	if err != nil {
		return err
	}
	slot[string(key)] = nil
	return nil
}

// Commit applies every buffered write under one exclusive lock; readers never
// observe a partial transaction.
func (tx *memoryTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for cf, slot := range tx.writes {
		fam := tx.db.families[cf]
		for key, value := range slot {
			if value == nil {
				delete(fam, key)
			} else {
				fam[key] = *value
			}
		}
	}
	return nil
}

// Rollback discards the buffer; the store is unchanged.
func (tx *memoryTx) Rollback() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	tx.writes = nil
	return nil
}

//---------------------------------------------------------------------
// Snapshot reader
//---------------------------------------------------------------------

type memorySnapshot struct {
	families map[ColumnFamily]map[string][]byte
}

func (s *memorySnapshot) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	fam, ok := s.families[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, cf)
	}
	value, present := fam[string(key)]
	if !present {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (s *memorySnapshot) Exists(cf ColumnFamily, key []byte) (bool, error) {
	fam, ok := s.families[cf]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownColumn, cf)
	}
	_, present := fam[string(key)]
	return present, nil
}

func (s *memorySnapshot) Iter(cf ColumnFamily) (KVIterator, error) {
	fam, ok := s.families[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, cf)
	}
	return &sliceIterator{pairs: sortedPairs(fam, nil), index: -1}, nil
}

//---------------------------------------------------------------------
// Transaction builder
//---------------------------------------------------------------------

type dbOperation struct {
	cf     ColumnFamily
	key    []byte
	value  []byte
	delete bool
}

// TransactionBuilder accumulates Put/Delete operations and lands them in one
// commit. An empty builder is a no-op.
type TransactionBuilder struct {
	operations []dbOperation
}

// NewTransactionBuilder returns an empty builder.
func NewTransactionBuilder() *TransactionBuilder {
	return &TransactionBuilder{}
}

// Put stages a write.
func (b *TransactionBuilder) Put(cf ColumnFamily, key, value []byte) *TransactionBuilder {
	b.operations = append(b.operations, dbOperation{
		cf:    cf,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return b
}

// Delete stages a removal.
func (b *TransactionBuilder) Delete(cf ColumnFamily, key []byte) *TransactionBuilder {
	b.operations = append(b.operations, dbOperation{
		cf:     cf,
		key:    append([]byte(nil), key...),
		delete: true,
	})
	return b
}

// Len returns the staged operation count.
func (b *TransactionBuilder) Len() int { return len(b.operations) }

// IsEmpty reports whether nothing is staged.
func (b *TransactionBuilder) IsEmpty() bool { return len(b.operations) == 0 }

// Execute applies the staged operations inside a single transaction.
func (b *TransactionBuilder) Execute(db KeyValueDB) error {
	if b.IsEmpty() {
		return nil
	}
	tx := db.Transaction()
	for _, op := range b.operations {
		var err error
		if op.delete {
			err = tx.Delete(op.cf, op.key)
		} else {
			err = tx.Put(op.cf, op.key, op.value)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
