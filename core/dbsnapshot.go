package core

// dbsnapshot.go – chain snapshot export/import. A snapshot is a directory of
// length-prefixed record files plus metadata.json; the checksum covers the
// four data files concatenated in canonical order, so a truncated or patched
// snapshot fails verification before anything touches the database.

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// SnapshotConfig tunes the snapshot service.
type SnapshotConfig struct {
	SnapshotDir      string `yaml:"snapshot_dir"`
	Compress         bool   `yaml:"compress"`
	AutoSnapshot     bool   `yaml:"auto_snapshot"`
	SnapshotInterval uint64 `yaml:"snapshot_interval"` // blocks
}

// DefaultSnapshotConfig writes zstd-compressed snapshots under ./snapshots.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		SnapshotDir:      "./snapshots",
		Compress:         true,
		SnapshotInterval: 10_000,
	}
}

// SnapshotMetadata is the metadata.json payload.
type SnapshotMetadata struct {
	Version     uint32 `json:"version"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	StateRoot   string `json:"state_root"`
	Timestamp   uint64 `json:"timestamp"`
	Size        uint64 `json:"size"`
	Chunks      uint32 `json:"chunks"`
	Compression string `json:"compression"`
	Checksum    string `json:"checksum"`
}

// ChainSnapshot is a finished snapshot on disk.
type ChainSnapshot struct {
	Metadata SnapshotMetadata
	Path     string
}

// SnapshotPhase labels the creation pipeline stages.
type SnapshotPhase uint8

const (
	PhasePreparing SnapshotPhase = iota
	PhaseExportingHeaders
	PhaseExportingBlocks
	PhaseExportingState
	PhaseExportingReceipts
	PhaseFinalizing
	PhaseCompleted
)

func (p SnapshotPhase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseExportingHeaders:
		return "exporting_headers"
	case PhaseExportingBlocks:
		return "exporting_blocks"
	case PhaseExportingState:
		return "exporting_state"
	case PhaseExportingReceipts:
		return "exporting_receipts"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseCompleted:
		return "completed"
	}
	return "unknown"
}

// SnapshotProgress reports how far the current creation has advanced.
type SnapshotProgress struct {
	Phase       SnapshotPhase `json:"phase"`
	Progress    uint8         `json:"progress"` // 0-100
	CurrentItem string        `json:"current_item"`
}

// SnapshotCommandKind discriminates service commands.
type SnapshotCommandKind uint8

const (
	SnapCreate SnapshotCommandKind = iota
	SnapImport
	SnapExport
	SnapList
	SnapGetProgress
	SnapShutdown
)

// SnapshotResult answers one snapshot command.
type SnapshotResult struct {
	Snapshot  *ChainSnapshot
	Snapshots []SnapshotMetadata
	Progress  *SnapshotProgress
	Err       error
}

// SnapshotCommand is one request for the service; every command carries a
// reply channel so callers block only on their own request.
type SnapshotCommand struct {
	Kind        SnapshotCommandKind
	BlockNumber uint64
	Path        string
	Reply       chan<- SnapshotResult
}

const snapshotFormatVersion = 1

var snapshotDataFiles = []string{"headers.dat", "blocks.dat", "receipts.dat", "state.dat"}

// SnapshotService exports and imports chain snapshots on demand.
type SnapshotService struct {
	config   SnapshotConfig
	store    *ChainStore
	commands chan SnapshotCommand
	progress *SnapshotProgress
}

// NewSnapshotService builds a service over the chain store.
func NewSnapshotService(config SnapshotConfig, store *ChainStore) *SnapshotService {
	return &SnapshotService{
		config:   config,
		store:    store,
		commands: make(chan SnapshotCommand, 100),
	}
}

// Commands returns the channel the service consumes.
func (s *SnapshotService) Commands() chan<- SnapshotCommand { return s.commands }

// Run serves snapshot commands until Shutdown or context cancellation.
func (s *SnapshotService) Run(ctx context.Context) error {
	logrus.Info("snapshot service started")
	if err := os.MkdirAll(s.config.SnapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			logrus.Info("snapshot service stopped")
			return ctx.Err()
		case cmd, ok := <-s.commands:
			if !ok {
				return nil
			}
			switch cmd.Kind {
			case SnapCreate:
				snap, err := s.createSnapshot(cmd.BlockNumber)
				reply(cmd.Reply, SnapshotResult{Snapshot: snap, Err: err})
			case SnapImport:
				reply(cmd.Reply, SnapshotResult{Err: s.importSnapshot(cmd.Path)})
			case SnapExport:
				reply(cmd.Reply, SnapshotResult{Err: s.exportSnapshot(cmd.BlockNumber, cmd.Path)})
			case SnapList:
				list, err := s.listSnapshots()
				reply(cmd.Reply, SnapshotResult{Snapshots: list, Err: err})
			case SnapGetProgress:
				reply(cmd.Reply, SnapshotResult{Progress: s.progress})
			case SnapShutdown:
				reply(cmd.Reply, SnapshotResult{})
				logrus.Info("snapshot service stopped")
				return nil
			}
		}
	}
}

func reply(ch chan<- SnapshotResult, result SnapshotResult) {
	if ch == nil {
		return
	}
	select {
	case ch <- result:
	default:
		logrus.Warn("snapshot reply dropped: receiver gone")
	}
}

func (s *SnapshotService) updateProgress(phase SnapshotPhase, progress uint8, item string) {
	s.progress = &SnapshotProgress{Phase: phase, Progress: progress, CurrentItem: item}
}

//---------------------------------------------------------------------
// Create
//---------------------------------------------------------------------

func (s *SnapshotService) createSnapshot(blockNumber uint64) (*ChainSnapshot, error) {
	logrus.Infof("creating snapshot at block %d", blockNumber)
	s.updateProgress(PhasePreparing, 0, "initializing")

	timestamp := uint64(time.Now().Unix())
	name := fmt.Sprintf("snapshot_%d_%d", blockNumber, timestamp)
	path := filepath.Join(s.config.SnapshotDir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	blockHash, err := s.store.HashByNumber(blockNumber)
	if err != nil {
		return nil, err
	}
	var stateRoot Hash
	if header, err := s.store.ReadHeader(blockHash); err == nil && header != nil {
		stateRoot = header.StateRoot
	}

	var totalSize uint64
	var chunks uint32

	s.updateProgress(PhaseExportingHeaders, 20, "exporting headers")
	size, err := s.exportColumn(path, "headers.dat", blockNumber, CFHeaders, false)
	if err != nil {
		return nil, err
	}
	totalSize += size
	chunks++

	s.updateProgress(PhaseExportingBlocks, 40, "exporting blocks")
	size, err = s.exportColumn(path, "blocks.dat", blockNumber, CFBlocks, false)
	if err != nil {
		return nil, err
	}
	totalSize += size
	chunks++

	s.updateProgress(PhaseExportingState, 60, "exporting state")
	size, err = s.exportState(path)
	if err != nil {
		return nil, err
	}
	totalSize += size
	chunks++

	s.updateProgress(PhaseExportingReceipts, 80, "exporting receipts")
	size, err = s.exportColumn(path, "receipts.dat", blockNumber, CFReceipts, true)
	if err != nil {
		return nil, err
	}
	totalSize += size
	chunks++

	s.updateProgress(PhaseFinalizing, 95, "saving metadata")
	checksum, err := snapshotChecksum(path)
	if err != nil {
		return nil, err
	}

	compression := "none"
	if s.config.Compress {
		compression = "zstd"
	}
	metadata := SnapshotMetadata{
		Version:     snapshotFormatVersion,
		BlockNumber: blockNumber,
		BlockHash:   blockHash.Hex(),
		StateRoot:   stateRoot.Hex(),
		Timestamp:   timestamp,
		Size:        totalSize,
		Chunks:      chunks,
		Compression: compression,
		Checksum:    hex.EncodeToString(checksum),
	}
	if err := writeMetadata(path, metadata); err != nil {
		return nil, err
	}

	s.updateProgress(PhaseCompleted, 100, "snapshot created")
	s.progress = nil

	logrus.Infof("snapshot created: %s (%d bytes)", path, totalSize)
	return &ChainSnapshot{Metadata: metadata, Path: path}, nil
}

// exportColumn walks indices[0..block] and writes each present row of the
// family as one length-prefixed record. Receipt records are prefixed with the
// owning block hash; header and block records re-derive their key on import.
func (s *SnapshotService) exportColumn(dir, filename string, blockNumber uint64, cf ColumnFamily, keyed bool) (uint64, error) {
	w, closeFn, err := s.openDataWriter(filepath.Join(dir, filename))
	if err != nil {
		return 0, err
	}
	defer closeFn()

	db := s.store.DB()
	var total uint64
	for number := uint64(0); number <= blockNumber; number++ {
		hash, err := s.store.HashByNumber(number)
		if err != nil {
			return 0, err
		}
		if hash.IsZero() {
			continue
		}
		data, err := db.Get(cf, hash[:])
		if err != nil {
			return 0, err
		}
		if data == nil {
			continue
		}
		record := data
		if keyed {
			record = append(append([]byte(nil), hash[:]...), data...)
		}
		n, err := writeRecord(w, record)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// exportState writes every content-addressed node as key ‖ value records.
func (s *SnapshotService) exportState(dir string) (uint64, error) {
	w, closeFn, err := s.openDataWriter(filepath.Join(dir, "state.dat"))
	if err != nil {
		return 0, err
	}
	defer closeFn()

	it, err := s.store.DB().Iter(CFState)
	if err != nil {
		return 0, err
	}
	var total uint64
	for it.Next() {
		record := append(append([]byte(nil), it.Key()...), it.Value()...)
		n, err := writeRecord(w, record)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, it.Error()
}

func (s *SnapshotService) openDataWriter(path string) (io.Writer, func(), error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	if !s.config.Compress {
		return file, func() { file.Close() }, nil
	}
	zw, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("zstd writer: %w", err)
	}
	return zw, func() {
		zw.Close()
		file.Close()
	}, nil
}

func writeRecord(w io.Writer, record []byte) (uint64, error) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(record)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(record); err != nil {
		return 0, err
	}
	return uint64(4 + len(record)), nil
}

//---------------------------------------------------------------------
// Import
//---------------------------------------------------------------------

func (s *SnapshotService) importSnapshot(path string) error {
	logrus.Infof("importing snapshot from %s", path)

	metadata, err := readMetadata(path)
	if err != nil {
		return err
	}
	checksum, err := snapshotChecksum(path)
	if err != nil {
		return err
	}
	if hex.EncodeToString(checksum) != metadata.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrSnapshot)
	}

	compressed := metadata.Compression == "zstd"
	if err := s.importHeaders(path, compressed); err != nil {
		return err
	}
	if err := s.importBlocks(path, compressed); err != nil {
		return err
	}
	if err := s.importState(path, compressed); err != nil {
		return err
	}
	if err := s.importReceipts(path, compressed); err != nil {
		return err
	}

	logrus.Info("snapshot imported")
	return nil
}

func (s *SnapshotService) importHeaders(path string, compressed bool) error {
	return forEachRecord(filepath.Join(path, "headers.dat"), compressed, func(record []byte) error {
		var header BlockHeader
		if err := rlp.DecodeBytes(record, &header); err != nil {
			return fmt.Errorf("%w: snapshot header: %v", ErrInvalidData, err)
		}
		hash := HashFromSlice(crypto.Keccak256(record))
		builder := NewTransactionBuilder()
		builder.Put(CFHeaders, hash[:], record)
		builder.Put(CFIndices, BlockNumberKey(header.Number), hash[:])
		return builder.Execute(s.store.DB())
	})
}

func (s *SnapshotService) importBlocks(path string, compressed bool) error {
	return forEachRecord(filepath.Join(path, "blocks.dat"), compressed, func(record []byte) error {
		var block Block
		if err := rlp.DecodeBytes(record, &block); err != nil {
			return fmt.Errorf("%w: snapshot block: %v", ErrInvalidData, err)
		}
		hash, err := block.HashBlock()
		if err != nil {
			return err
		}
		return s.store.DB().Put(CFBlocks, hash[:], record)
	})
}

func (s *SnapshotService) importState(path string, compressed bool) error {
	return forEachRecord(filepath.Join(path, "state.dat"), compressed, func(record []byte) error {
		if len(record) < HashLength {
			return fmt.Errorf("%w: snapshot state record too short", ErrInvalidData)
		}
		hash := HashFromSlice(record[:HashLength])
		if err := s.store.WriteStateNode(hash, record[HashLength:]); err != nil {
			return err
		}
		// Pin the restored node so the pruner never collects an imported
		// state out from under the chain it belongs to.
		return RefStateNode(s.store.DB(), record[:HashLength])
	})
}

func (s *SnapshotService) importReceipts(path string, compressed bool) error {
	return forEachRecord(filepath.Join(path, "receipts.dat"), compressed, func(record []byte) error {
		if len(record) < HashLength {
			return fmt.Errorf("%w: snapshot receipt record too short", ErrInvalidData)
		}
		return s.store.DB().Put(CFReceipts, record[:HashLength], record[HashLength:])
	})
}

func forEachRecord(path string, compressed bool, fn func(record []byte) error) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = file
	if compressed {
		zr, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read record length: %w", err)
		}
		record := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, record); err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

//---------------------------------------------------------------------
// Export, list, checksum, metadata
//---------------------------------------------------------------------

// exportSnapshot creates a snapshot and copies it to the requested location.
func (s *SnapshotService) exportSnapshot(blockNumber uint64, outputPath string) error {
	snap, err := s.createSnapshot(blockNumber)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	entries, err := os.ReadDir(snap.Path)
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(snap.Path, entry.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outputPath, entry.Name()), data, 0o644); err != nil {
			return err
		}
	}
	logrus.Infof("snapshot exported to %s", outputPath)
	return nil
}

func (s *SnapshotService) listSnapshots() ([]SnapshotMetadata, error) {
	entries, err := os.ReadDir(s.config.SnapshotDir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var snapshots []SnapshotMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metadata, err := readMetadata(filepath.Join(s.config.SnapshotDir, entry.Name()))
		if err != nil {
			continue
		}
		snapshots = append(snapshots, metadata)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].BlockNumber < snapshots[j].BlockNumber
	})
	return snapshots, nil
}

// snapshotChecksum digests the data files concatenated in canonical order.
func snapshotChecksum(path string) ([]byte, error) {
	hasher := blake3.New(32, nil)
	for _, name := range snapshotDataFiles {
		file, err := os.Open(filepath.Join(path, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		if _, err := io.Copy(hasher, file); err != nil {
			file.Close()
			return nil, err
		}
		file.Close()
	}
	return hasher.Sum(nil), nil
}

func writeMetadata(path string, metadata SnapshotMetadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(path, "metadata.json"), data, 0o644)
}

func readMetadata(path string) (SnapshotMetadata, error) {
	data, err := os.ReadFile(filepath.Join(path, "metadata.json"))
	if err != nil {
		return SnapshotMetadata{}, fmt.Errorf("%w: read metadata: %v", ErrSnapshot, err)
	}
	var metadata SnapshotMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return SnapshotMetadata{}, fmt.Errorf("%w: parse metadata: %v", ErrSnapshot, err)
	}
	return metadata, nil
}
