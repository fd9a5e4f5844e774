package core

// columns.go – the column families partitioning the chain database, with the
// per-family tuning records the storage engine consumes at open time.

// ColumnFamily names one keyspace inside the chain database.
type ColumnFamily string

const (
	// CFDefault holds miscellaneous metadata (chain tip, prune cursors).
	CFDefault ColumnFamily = "default"
	// CFBlocks holds block bodies keyed by block hash.
	CFBlocks ColumnFamily = "blocks"
	// CFHeaders holds block headers keyed by block hash.
	CFHeaders ColumnFamily = "headers"
	// CFReceipts holds receipt lists keyed by block hash.
	CFReceipts ColumnFamily = "receipts"
	// CFState holds content-addressed state nodes; immutable once written.
	CFState ColumnFamily = "state"
	// CFIndices maps big-endian block number to block hash.
	CFIndices ColumnFamily = "indices"
)

// AllColumnFamilies lists every family in declaration order.
func AllColumnFamilies() []ColumnFamily {
	return []ColumnFamily{CFDefault, CFBlocks, CFHeaders, CFReceipts, CFState, CFIndices}
}

// ColumnFamilyFromName resolves a name, reporting whether it is known.
func ColumnFamilyFromName(name string) (ColumnFamily, bool) {
	switch ColumnFamily(name) {
	case CFDefault, CFBlocks, CFHeaders, CFReceipts, CFState, CFIndices:
		return ColumnFamily(name), true
	}
	return "", false
}

func (cf ColumnFamily) String() string { return string(cf) }

//---------------------------------------------------------------------
// Tuning
//---------------------------------------------------------------------

// CompressionType selects the block compression codec for a family.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionLz4
	CompressionZstd
)

func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionLz4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return "none"
}

// ColumnFamilyConfig is the per-family storage tuning record.
type ColumnFamilyConfig struct {
	BlockCacheSize       uint64          `yaml:"block_cache_size"`
	WriteBufferSize      uint64          `yaml:"write_buffer_size"`
	MaxWriteBufferNumber uint32          `yaml:"max_write_buffer_number"`
	TargetFileSizeBase   uint64          `yaml:"target_file_size_base"`
	MaxBytesForLevelBase uint64          `yaml:"max_bytes_for_level_base"`
	Compression          CompressionType `yaml:"compression"`
}

const mib = 1024 * 1024

// DefaultColumnFamilyConfig is the baseline tuning applied where no family
// override exists.
func DefaultColumnFamilyConfig() ColumnFamilyConfig {
	return ColumnFamilyConfig{
		BlockCacheSize:       64 * mib,
		WriteBufferSize:      32 * mib,
		MaxWriteBufferNumber: 3,
		TargetFileSizeBase:   64 * mib,
		MaxBytesForLevelBase: 256 * mib,
		Compression:          CompressionLz4,
	}
}

// ColumnFamilyConfigs returns the tuned records per family: headers are small
// and hot, block bodies and state dominate the disk budget, indices are tiny.
func ColumnFamilyConfigs() map[ColumnFamily]ColumnFamilyConfig {
	base := DefaultColumnFamilyConfig()

	headers := base
	headers.BlockCacheSize = 32 * mib
	headers.WriteBufferSize = 16 * mib

	blocks := base
	blocks.BlockCacheSize = 128 * mib
	blocks.WriteBufferSize = 64 * mib
	blocks.Compression = CompressionZstd

	state := base
	state.BlockCacheSize = 256 * mib
	state.WriteBufferSize = 64 * mib
	state.TargetFileSizeBase = 32 * mib
	state.Compression = CompressionZstd

	indices := base
	indices.BlockCacheSize = 16 * mib
	indices.WriteBufferSize = 8 * mib

	return map[ColumnFamily]ColumnFamilyConfig{
		CFDefault:  base,
		CFHeaders:  headers,
		CFBlocks:   blocks,
		CFReceipts: base,
		CFState:    state,
		CFIndices:  indices,
	}
}
